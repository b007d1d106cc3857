// Package syncer asynchronously mirrors attendance records to the external
// sink with retry, backoff, and a dead-letter list. The local ledger stays
// authoritative: a sync failure never rolls back a present mark.
package syncer

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kozaktomas/face-attendance/internal/ledger"
)

// Sink is the external attendance store. Calls may block on network I/O;
// the writer isolates that blocking to its own goroutine.
type Sink interface {
	Append(ctx context.Context, rec ledger.AttendanceRecord) error
}

// Task is one attendance record on its way to the sink.
type Task struct {
	ID        string
	Record    ledger.AttendanceRecord
	Attempts  int
	LastError string

	// persisted marks a task that exists in the dead-letter store; its row
	// is removed once the sink finally accepts the record.
	persisted bool
}

// DeadLetterStore persists exhausted tasks so they survive process restarts.
// Optional; a nil store keeps dead letters in memory only.
type DeadLetterStore interface {
	SaveDeadLetter(ctx context.Context, task Task) error
	DeleteDeadLetter(ctx context.Context, id string) error
}

// Options tune the retry policy.
type Options struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	SinkTimeout time.Duration
	QueueSize   int // buffered channel size before the overflow list kicks in
}

// Writer drains enqueued attendance records to the sink in the background.
type Writer struct {
	sink Sink
	opts Options

	tasks chan Task

	mu       sync.Mutex
	overflow []Task
	dead     []Task
	closed   bool

	deadStore DeadLetterStore
	delivered atomic.Int64
	queued    atomic.Int64
}

// New creates a writer. Run must be started for tasks to move.
func New(sink Sink, opts Options, deadStore DeadLetterStore) *Writer {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	return &Writer{
		sink:      sink,
		opts:      opts,
		tasks:     make(chan Task, opts.QueueSize),
		deadStore: deadStore,
	}
}

// Enqueue accepts a record for delivery. It never blocks: when the channel
// is full the task goes to an overflow list the worker picks up later, so
// sink latency can never stall recognition.
func (w *Writer) Enqueue(rec ledger.AttendanceRecord) {
	w.enqueueTask(Task{ID: uuid.New().String(), Record: rec})
}

// enqueueTask adds a task under the same lock that guards closed, so a task
// can never slip into the channel after the shutdown flush drained it.
func (w *Writer) enqueueTask(task Task) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		log.Printf("syncer: dropping enqueue after close for %s", task.Record.IdentityID)
		return
	}

	w.queued.Add(1)
	select {
	case w.tasks <- task:
	default:
		w.overflow = append(w.overflow, task)
	}
}

// Run delivers tasks until ctx is cancelled, then flushes what is still
// queued: each remaining task gets one final delivery attempt before being
// dead-lettered, so nothing is silently lost on shutdown.
func (w *Writer) Run(ctx context.Context) {
	for {
		task, ok := w.next(ctx)
		if !ok {
			break
		}
		w.deliver(ctx, task)
	}
	w.flush()
}

// next returns the next task, preferring the channel, falling back to the
// overflow list, blocking until a task arrives or ctx is cancelled.
func (w *Writer) next(ctx context.Context) (Task, bool) {
	for {
		select {
		case task := <-w.tasks:
			return task, true
		default:
		}

		w.mu.Lock()
		if len(w.overflow) > 0 {
			task := w.overflow[0]
			w.overflow = w.overflow[1:]
			w.mu.Unlock()
			return task, true
		}
		w.mu.Unlock()

		select {
		case task := <-w.tasks:
			return task, true
		case <-ctx.Done():
			return Task{}, false
		}
	}
}

// deliver retries a task with exponential backoff until it succeeds, the
// retry budget is exhausted, or ctx is cancelled (the task is then requeued
// for the shutdown flush).
func (w *Writer) deliver(ctx context.Context, task Task) {
	for {
		err := w.attempt(ctx, task.Record)
		if err == nil {
			w.delivered.Add(1)
			w.queued.Add(-1)
			w.clearPersisted(task)
			return
		}

		task.Attempts++
		task.LastError = err.Error()
		log.Printf("syncer: attempt %d/%d failed for %s: %v",
			task.Attempts, w.opts.MaxAttempts, task.Record.IdentityID, err)

		if task.Attempts >= w.opts.MaxAttempts {
			w.deadLetter(task)
			return
		}

		select {
		case <-time.After(w.backoff(task.Attempts)):
		case <-ctx.Done():
			w.mu.Lock()
			w.overflow = append(w.overflow, task)
			w.mu.Unlock()
			return
		}
	}
}

func (w *Writer) attempt(ctx context.Context, rec ledger.AttendanceRecord) error {
	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.opts.SinkTimeout)
	defer cancel()
	return w.sink.Append(attemptCtx, rec)
}

// backoff returns base*2^(attempts-1) capped at the configured maximum.
func (w *Writer) backoff(attempts int) time.Duration {
	d := w.opts.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= w.opts.BackoffCap {
			return w.opts.BackoffCap
		}
	}
	if d > w.opts.BackoffCap {
		return w.opts.BackoffCap
	}
	return d
}

// flush runs after cancellation: every task still queued gets one more
// delivery attempt, then goes to the dead-letter list.
func (w *Writer) flush() {
	w.mu.Lock()
	w.closed = true
	remaining := w.overflow
	w.overflow = nil
	w.mu.Unlock()

	for {
		select {
		case task := <-w.tasks:
			remaining = append(remaining, task)
			continue
		default:
		}
		break
	}

	if len(remaining) > 0 {
		log.Printf("syncer: flushing %d pending task(s) on shutdown", len(remaining))
	}
	for _, task := range remaining {
		ctx, cancel := context.WithTimeout(context.Background(), w.opts.SinkTimeout)
		err := w.sink.Append(ctx, task.Record)
		cancel()
		if err == nil {
			w.delivered.Add(1)
			w.queued.Add(-1)
			w.clearPersisted(task)
			continue
		}
		task.Attempts++
		task.LastError = err.Error()
		w.deadLetter(task)
	}
}

// deadLetter parks an exhausted task. Reportable, never fatal, never dropped.
func (w *Writer) deadLetter(task Task) {
	w.queued.Add(-1)
	log.Printf("syncer: dead-lettering %s after %d attempt(s): %s",
		task.Record.IdentityID, task.Attempts, task.LastError)

	if w.deadStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), w.opts.SinkTimeout)
		defer cancel()
		if err := w.deadStore.SaveDeadLetter(ctx, task); err != nil {
			log.Printf("syncer: failed to persist dead letter %s: %v", task.ID, err)
		} else {
			task.persisted = true
		}
	}

	w.mu.Lock()
	w.dead = append(w.dead, task)
	w.mu.Unlock()
}

// clearPersisted removes the dead-letter row of a task that finally made it
// to the sink.
func (w *Writer) clearPersisted(task Task) {
	if !task.persisted || w.deadStore == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.opts.SinkTimeout)
	defer cancel()
	if err := w.deadStore.DeleteDeadLetter(ctx, task.ID); err != nil {
		log.Printf("syncer: failed to clear delivered dead letter %s: %v", task.ID, err)
	}
}

// LoadDeadLetters seeds the in-memory dead-letter list from persisted tasks,
// typically on startup, so letters from a previous run stay visible and
// retryable.
func (w *Writer) LoadDeadLetters(tasks []Task) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, task := range tasks {
		task.persisted = true
		w.dead = append(w.dead, task)
	}
}

// DeadLetters returns a copy of the dead-letter list.
func (w *Writer) DeadLetters() []Task {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Task, len(w.dead))
	copy(out, w.dead)
	return out
}

// RetryDeadLetter moves a dead letter back into the queue with a fresh
// retry budget. Returns false if no dead letter has that ID.
func (w *Writer) RetryDeadLetter(id string) bool {
	w.mu.Lock()
	var task Task
	found := false
	for i := range w.dead {
		if w.dead[i].ID == id {
			// Copy before removal; the append below shifts the backing array.
			task = w.dead[i]
			w.dead = append(w.dead[:i], w.dead[i+1:]...)
			found = true
			break
		}
	}
	w.mu.Unlock()

	if !found {
		return false
	}
	task.Attempts = 0
	task.LastError = ""
	w.enqueueTask(task)
	return true
}

// QueueDepth returns the number of tasks awaiting delivery.
func (w *Writer) QueueDepth() int {
	return int(w.queued.Load())
}

// Delivered returns the number of records confirmed by the sink.
func (w *Writer) Delivered() int {
	return int(w.delivered.Load())
}
