// Package pipeline bridges the camera to the matcher under backpressure.
// Frames queue in a bounded buffer with a drop-oldest policy: attendance
// depends on seeing each person within the debounce window, not on
// processing every frame, so frame loss under load is fine and a capture
// deadlock is not.
package pipeline

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/kozaktomas/face-attendance/internal/recognize"
)

// Frame is one captured camera image.
type Frame struct {
	Data       []byte
	CapturedAt time.Time
}

// Detector maps a raw frame to zero or more face observations. It is an
// opaque, possibly slow external call; "no face found" is an empty slice,
// not an error.
type Detector interface {
	DetectAndEncode(ctx context.Context, frame Frame) ([]recognize.Observation, error)
}

// ObservationFunc receives each observation produced from a frame.
type ObservationFunc func(recognize.Observation)

// Stats is a point-in-time snapshot of pipeline counters.
type Stats struct {
	FramesProcessed int64
	FramesDropped   int64
	Observations    int64
	DetectorErrors  int64
}

// Pipeline owns the bounded frame queue and the consumer loop.
type Pipeline struct {
	queue    chan Frame
	detector Detector
	process  ObservationFunc

	processed atomic.Int64
	dropped   atomic.Int64
	observed  atomic.Int64
	errors    atomic.Int64
}

// New creates a pipeline with a queue bound of size frames.
func New(size int, detector Detector, process ObservationFunc) *Pipeline {
	return &Pipeline{
		queue:    make(chan Frame, size),
		detector: detector,
		process:  process,
	}
}

// Offer hands a frame to the pipeline without ever blocking the producer.
// When the queue is full the oldest buffered frame is discarded to make
// room; a newer frame is always the better evidence.
func (p *Pipeline) Offer(frame Frame) {
	for {
		select {
		case p.queue <- frame:
			return
		default:
		}
		select {
		case <-p.queue:
			p.dropped.Add(1)
		default:
		}
	}
}

// Run consumes frames until ctx is cancelled. Detector failures degrade to
// "no observations this frame" and never propagate. On shutdown any frames
// still buffered are abandoned with a warning; buffered frames carry no
// ledger state, so nothing durable is lost.
func (p *Pipeline) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			if n := len(p.queue); n > 0 {
				log.Printf("pipeline: abandoning %d buffered frame(s) on shutdown", n)
			}
			return
		case frame := <-p.queue:
			p.handle(ctx, frame)
		}
	}
}

func (p *Pipeline) handle(ctx context.Context, frame Frame) {
	p.processed.Add(1)

	observations, err := p.detector.DetectAndEncode(ctx, frame)
	if err != nil {
		p.errors.Add(1)
		log.Printf("pipeline: detector failed, skipping frame: %v", err)
		return
	}

	for _, obs := range observations {
		if obs.CapturedAt.IsZero() {
			obs.CapturedAt = frame.CapturedAt
		}
		p.observed.Add(1)
		p.process(obs)
	}
}

// QueueLen returns the number of currently buffered frames.
func (p *Pipeline) QueueLen() int {
	return len(p.queue)
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		FramesProcessed: p.processed.Load(),
		FramesDropped:   p.dropped.Load(),
		Observations:    p.observed.Load(),
		DetectorErrors:  p.errors.Load(),
	}
}
