package tracker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/kozaktomas/face-attendance/internal/capture"
	"github.com/kozaktomas/face-attendance/internal/ledger"
	"github.com/kozaktomas/face-attendance/internal/pipeline"
	"github.com/kozaktomas/face-attendance/internal/recognize"
	"github.com/kozaktomas/face-attendance/internal/syncer"
)

type recordingSink struct {
	mu      sync.Mutex
	records []ledger.AttendanceRecord
}

func (s *recordingSink) Append(ctx context.Context, rec ledger.AttendanceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *recordingSink) first() ledger.AttendanceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[0]
}

type fakeDetector struct {
	embedding []float32
}

func (d *fakeDetector) DetectAndEncode(ctx context.Context, frame pipeline.Frame) ([]recognize.Observation, error) {
	return []recognize.Observation{{
		Embedding:  d.embedding,
		DetScore:   0.99,
		CapturedAt: frame.CapturedAt,
	}}, nil
}

type fakeRoster struct {
	mu    sync.Mutex
	dates []string
	names []string
}

func (r *fakeRoster) EnsureDay(ctx context.Context, date string, students []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dates = append(r.dates, date)
	r.names = students
	return nil
}

type fakeArchive struct {
	mu       sync.Mutex
	saved    []ledger.AttendanceRecord
	existing []ledger.AttendanceRecord
}

func (a *fakeArchive) Save(ctx context.Context, rec ledger.AttendanceRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.saved = append(a.saved, rec)
	return nil
}

func (a *fakeArchive) ListByDate(ctx context.Context, sessionDate string) ([]ledger.AttendanceRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.existing, nil
}

// gatedArchive blocks every Save until release is closed.
type gatedArchive struct {
	mu      sync.Mutex
	saved   []ledger.AttendanceRecord
	release chan struct{}
}

func (a *gatedArchive) Save(ctx context.Context, rec ledger.AttendanceRecord) error {
	<-a.release
	a.mu.Lock()
	defer a.mu.Unlock()
	a.saved = append(a.saved, rec)
	return nil
}

func (a *gatedArchive) ListByDate(ctx context.Context, sessionDate string) ([]ledger.AttendanceRecord, error) {
	return nil, nil
}

func (a *gatedArchive) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.saved)
}

func cameraServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte{0xFF, 0xD8, 0xFF, 0xE0})
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestTracker(t *testing.T, sink syncer.Sink, roster Roster, archive Archive, debounce int) (*Tracker, *recognize.EncodingStore) {
	t.Helper()

	store := recognize.NewEncodingStore()
	if _, err := store.Enroll("Jan Novák", []float32{1, 0}); err != nil {
		t.Fatalf("enroll failed: %v", err)
	}

	source, err := capture.NewSnapshotSource(cameraServer(t).URL, 30)
	if err != nil {
		t.Fatalf("failed to create snapshot source: %v", err)
	}

	writer := syncer.New(sink, syncer.Options{
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		BackoffCap:  10 * time.Millisecond,
		SinkTimeout: time.Second,
	}, nil)

	tr := New(Options{
		Store:          store,
		Matcher:        recognize.NewMatcher(store, 0.4),
		Writer:         writer,
		Source:         source,
		Detector:       &fakeDetector{embedding: []float32{1, 0}},
		Roster:         roster,
		Archive:        archive,
		DebounceCount:  debounce,
		DebounceWindow: 10 * time.Second,
		QueueSize:      8,
		Location:       time.UTC,
	})
	return tr, store
}

func TestRunMarksAndDelivers(t *testing.T) {
	sink := &recordingSink{}
	roster := &fakeRoster{}
	archive := &fakeArchive{}
	tr, _ := newTestTracker(t, sink, roster, archive, 3)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if sink.count() != 1 {
		t.Fatalf("expected exactly 1 delivered record, got %d", sink.count())
	}
	rec := sink.first()
	if rec.IdentityID != "jan_novak" {
		t.Errorf("expected jan_novak, got %s", rec.IdentityID)
	}
	if rec.Status != ledger.StatusPresent {
		t.Errorf("expected status Present, got %s", rec.Status)
	}

	roster.mu.Lock()
	if len(roster.dates) != 1 {
		t.Errorf("expected one roster call, got %d", len(roster.dates))
	}
	if len(roster.names) != 1 || roster.names[0] != "Jan Novák" {
		t.Errorf("unexpected roster names %v", roster.names)
	}
	roster.mu.Unlock()

	archive.mu.Lock()
	if len(archive.saved) != 1 {
		t.Errorf("expected one archived record, got %d", len(archive.saved))
	}
	archive.mu.Unlock()

	if tr.Ledger().PresentCount() != 1 {
		t.Errorf("expected one present, got %d", tr.Ledger().PresentCount())
	}
}

func TestRunDeliversWhileArchiveIsStalled(t *testing.T) {
	sink := &recordingSink{}
	archive := &gatedArchive{release: make(chan struct{})}
	tr, _ := newTestTracker(t, sink, nil, archive, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()

	// The sheet row must go out even though the archive write is stuck.
	deadline := time.Now().Add(3 * time.Second)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sink.count() == 0 {
		t.Fatal("record was not delivered while archive Save was blocked")
	}
	if archive.count() != 0 {
		t.Fatalf("archive completed %d saves while gated", archive.count())
	}

	// Unblock the archive and shut down. The backlog drains before Run returns.
	close(archive.release)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if archive.count() != 1 {
		t.Fatalf("expected one archived record after shutdown, got %d", archive.count())
	}
}

func TestRunRehydratesFromArchive(t *testing.T) {
	sink := &recordingSink{}
	today := time.Now().UTC().Format("2006-01-02")
	archive := &fakeArchive{
		existing: []ledger.AttendanceRecord{{
			ID:          "rec-1",
			IdentityID:  "jan_novak",
			DisplayName: "Jan Novák",
			SessionDate: today,
			FirstSeen:   time.Now().UTC().Add(-time.Hour),
			Status:      ledger.StatusPresent,
		}},
	}
	tr, _ := newTestTracker(t, sink, nil, archive, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()

	// Give the loop time to process several frames for the already-marked person.
	time.Sleep(300 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	// The person was rehydrated as present, so no new record may be emitted.
	if sink.count() != 0 {
		t.Fatalf("expected no deliveries for rehydrated person, got %d", sink.count())
	}
	if got := tr.Ledger().State("jan_novak"); got != ledger.StatePresent {
		t.Errorf("expected present state, got %v", got)
	}
}

func TestRunFlushesWriterOnShutdown(t *testing.T) {
	sink := &recordingSink{}
	tr, _ := newTestTracker(t, sink, nil, nil, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()

	// Wait until the ledger marks somebody, then cancel immediately. The
	// writer flush must still deliver the record before Run returns.
	deadline := time.Now().Add(3 * time.Second)
	for tr.Ledger().PresentCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if tr.Ledger().PresentCount() != 1 {
		t.Fatalf("expected one present, got %d", tr.Ledger().PresentCount())
	}
	if sink.count() != 1 {
		t.Fatalf("expected flushed delivery, got %d", sink.count())
	}
}
