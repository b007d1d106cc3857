package pipeline

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kozaktomas/face-attendance/internal/recognize"
)

// slowDetector emits one observation per frame after an optional delay and
// records the order in which frames reach it.
type slowDetector struct {
	delay time.Duration
	fail  bool

	mu   sync.Mutex
	seen []uint64
}

func (d *slowDetector) DetectAndEncode(ctx context.Context, frame Frame) ([]recognize.Observation, error) {
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	if d.fail {
		return nil, errors.New("detector unavailable")
	}
	d.mu.Lock()
	d.seen = append(d.seen, binary.BigEndian.Uint64(frame.Data))
	d.mu.Unlock()
	return []recognize.Observation{{Embedding: []float32{1, 0}}}, nil
}

func (d *slowDetector) frames() []uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]uint64, len(d.seen))
	copy(out, d.seen)
	return out
}

func frameN(n uint64) Frame {
	data := make([]byte, 8)
	binary.BigEndian.PutUint64(data, n)
	return Frame{Data: data, CapturedAt: time.Now()}
}

func TestOffer_NeverBlocksAndBoundsQueue(t *testing.T) {
	const k = 4
	p := New(k, &slowDetector{}, func(recognize.Observation) {})

	// No consumer running: producer must still never block.
	done := make(chan struct{})
	go func() {
		for i := uint64(0); i < 1000; i++ {
			p.Offer(frameN(i))
			if l := p.QueueLen(); l > k {
				t.Errorf("queue length %d exceeded bound %d", l, k)
				break
			}
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Offer blocked with a full queue and no consumer")
	}

	if p.Stats().FramesDropped == 0 {
		t.Error("expected dropped frames under overload")
	}
	if p.QueueLen() > k {
		t.Errorf("final queue length %d exceeds bound %d", p.QueueLen(), k)
	}
}

func TestRun_DropsOldestKeepsNewest(t *testing.T) {
	const k = 4
	det := &slowDetector{}
	p := New(k, det, func(recognize.Observation) {})

	// Fill past capacity before the consumer starts: frames 0..9, bound 4.
	for i := uint64(0); i < 10; i++ {
		p.Offer(frameN(i))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(det.frames()) < k {
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	<-done

	seen := det.frames()
	if len(seen) != k {
		t.Fatalf("expected the newest %d frames to survive, got %d", k, len(seen))
	}
	for _, n := range seen {
		if n < 10-k {
			t.Errorf("frame %d should have been dropped as oldest", n)
		}
	}
}

func TestRun_DetectorErrorSkipsFrame(t *testing.T) {
	det := &slowDetector{fail: true}
	observations := 0
	p := New(4, det, func(recognize.Observation) { observations++ })

	p.Offer(frameN(1))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && p.Stats().DetectorErrors == 0 {
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	<-done

	if p.Stats().DetectorErrors != 1 {
		t.Errorf("expected 1 detector error, got %d", p.Stats().DetectorErrors)
	}
	if observations != 0 {
		t.Errorf("failed frame must produce no observations, got %d", observations)
	}
}

func TestRun_StampsObservationTimeFromFrame(t *testing.T) {
	det := &slowDetector{}
	captured := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

	var got time.Time
	sawObs := make(chan struct{})
	p := New(4, det, func(obs recognize.Observation) {
		got = obs.CapturedAt
		close(sawObs)
	})

	frame := frameN(1)
	frame.CapturedAt = captured
	p.Offer(frame)

	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)
	defer cancel()

	select {
	case <-sawObs:
	case <-time.After(time.Second):
		t.Fatal("no observation produced")
	}
	if !got.Equal(captured) {
		t.Errorf("expected observation stamped %s, got %s", captured, got)
	}
}

func TestRun_NoDeadlockUnderSustainedOverload(t *testing.T) {
	det := &slowDetector{delay: 5 * time.Millisecond}
	p := New(2, det, func(recognize.Observation) {})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	producerDone := make(chan struct{})
	go func() {
		for i := uint64(0); i < 200; i++ {
			p.Offer(frameN(i))
		}
		close(producerDone)
	}()

	select {
	case <-producerDone:
	case <-time.After(3 * time.Second):
		t.Fatal("producer deadlocked under overload")
	}
	cancel()
	<-done

	stats := p.Stats()
	if stats.FramesDropped == 0 {
		t.Error("expected drops when production outruns consumption")
	}
	if stats.FramesProcessed+stats.FramesDropped > 200+2 {
		t.Errorf("frame accounting off: processed=%d dropped=%d",
			stats.FramesProcessed, stats.FramesDropped)
	}
}
