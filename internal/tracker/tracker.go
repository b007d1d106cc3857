// Package tracker wires the recognition loop together: camera frames flow
// through the pipeline into the matcher, matches feed the attendance ledger,
// and marked records flow out through the sync writer.
package tracker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/kozaktomas/face-attendance/internal/capture"
	"github.com/kozaktomas/face-attendance/internal/ledger"
	"github.com/kozaktomas/face-attendance/internal/pipeline"
	"github.com/kozaktomas/face-attendance/internal/recognize"
	"github.com/kozaktomas/face-attendance/internal/syncer"
)

// Roster prepares the day's section in the attendance sheet.
// The sheets client satisfies it.
type Roster interface {
	EnsureDay(ctx context.Context, date string, students []string) error
}

// Archive persists marked records locally so the ledger can rehydrate after
// a restart. Optional.
type Archive interface {
	Save(ctx context.Context, rec ledger.AttendanceRecord) error
	ListByDate(ctx context.Context, sessionDate string) ([]ledger.AttendanceRecord, error)
}

// Tracker owns the lifecycle of every moving part of the recognition loop.
type Tracker struct {
	store      *recognize.EncodingStore
	matcher    *recognize.Matcher
	attendance *ledger.Ledger
	writer     *syncer.Writer
	pipe       *pipeline.Pipeline
	source     *capture.SnapshotSource
	roster     Roster
	archive    Archive
	archiveCh  chan ledger.AttendanceRecord
	loc        *time.Location
}

// Options carries the collaborators for New. Roster and Archive may be nil.
type Options struct {
	Store    *recognize.EncodingStore
	Matcher  *recognize.Matcher
	Writer   *syncer.Writer
	Source   *capture.SnapshotSource
	Detector pipeline.Detector
	Roster   Roster
	Archive  Archive

	DebounceCount  int
	DebounceWindow time.Duration
	QueueSize      int
	Location       *time.Location
}

// New assembles a tracker. The ledger and pipeline are constructed here so
// their callbacks can close over the writer and matcher.
func New(opts Options) *Tracker {
	t := &Tracker{
		store:   opts.Store,
		matcher: opts.Matcher,
		writer:  opts.Writer,
		source:  opts.Source,
		roster:  opts.Roster,
		archive: opts.Archive,
		loc:     opts.Location,
	}

	t.attendance = ledger.New(opts.DebounceCount, opts.DebounceWindow, opts.Location, t.emit)
	t.pipe = pipeline.New(opts.QueueSize, opts.Detector, t.observe)
	if t.archive != nil {
		t.archiveCh = make(chan ledger.AttendanceRecord, 64)
	}
	return t
}

// Ledger exposes the attendance ledger for the web API.
func (t *Tracker) Ledger() *ledger.Ledger {
	return t.attendance
}

// Pipeline exposes the frame pipeline for the web API.
func (t *Tracker) Pipeline() *pipeline.Pipeline {
	return t.pipe
}

// observe handles one face observation coming out of the pipeline.
func (t *Tracker) observe(obs recognize.Observation) {
	result := t.matcher.Match(obs)
	if !result.Known() {
		return
	}
	t.attendance.Observe(result.IdentityID, result.DisplayName, result.ObservedAt)
}

// emit runs when the ledger marks somebody present. The ledger calls it while
// holding a shard lock, so it must never block: the record goes to the sync
// writer's non-blocking queue and to the archive goroutine's channel.
func (t *Tracker) emit(rec ledger.AttendanceRecord) {
	log.Printf("marked present: %s (%s)", rec.DisplayName, rec.SessionDate)
	t.writer.Enqueue(rec)

	if t.archiveCh != nil {
		select {
		case t.archiveCh <- rec:
		default:
			log.Printf("WARNING: archive queue full, dropping local copy for %s", rec.IdentityID)
		}
	}
}

// archiveLoop drains archiveCh and writes each record to the local archive.
// It runs until the channel is closed and the backlog is empty.
func (t *Tracker) archiveLoop() {
	for rec := range t.archiveCh {
		// Archive failures must not stop marking; the sheet row still goes out.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := t.archive.Save(ctx, rec); err != nil {
			log.Printf("WARNING: failed to archive attendance record: %v", err)
		}
		cancel()
	}
}

// prepareDay makes the sheet section for today and reloads records already
// marked today so a restart cannot mark anyone twice.
func (t *Tracker) prepareDay(ctx context.Context) error {
	today := time.Now().In(t.loc).Format("2006-01-02")

	if t.roster != nil {
		if err := t.roster.EnsureDay(ctx, today, t.store.Names()); err != nil {
			return err
		}
	}

	if t.archive != nil {
		records, err := t.archive.ListByDate(ctx, today)
		if err != nil {
			return err
		}
		for _, rec := range records {
			t.attendance.SeedPresent(rec)
		}
		if len(records) > 0 {
			log.Printf("rehydrated %d attendance records for %s", len(records), today)
		}
	}
	return nil
}

// Run starts the loop and blocks until ctx is cancelled. On shutdown the
// camera and pipeline stop immediately; the sync writer flushes pending
// records before Run returns, so no marked attendance is lost.
func (t *Tracker) Run(ctx context.Context) error {
	if err := t.prepareDay(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup

	archiveDone := make(chan struct{})
	if t.archiveCh != nil {
		go func() {
			defer close(archiveDone)
			t.archiveLoop()
		}()
	} else {
		close(archiveDone)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		t.writer.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		t.pipe.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		t.source.Run(ctx, t.pipe)
	}()

	log.Println("attendance tracking started")
	<-ctx.Done()
	wg.Wait()

	// No emits can happen once the pipeline and writer have stopped, so the
	// archive backlog can be closed out and drained.
	if t.archiveCh != nil {
		close(t.archiveCh)
	}
	<-archiveDone

	log.Println("attendance tracking stopped")
	return nil
}
