// Package ledger decides when a stream of match results becomes an
// attendance record. It is the single source of truth for the
// unseen -> candidate -> present transition; the external sheet is only a
// downstream mirror.
package ledger

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the recorded attendance status. Present is the only state the
// ledger ever records; absence is the lack of a record.
type Status string

const StatusPresent Status = "Present"

// State is the per-(identity, day) debounce state.
type State string

const (
	StateUnseen    State = "unseen"
	StateCandidate State = "candidate"
	StatePresent   State = "present"
)

// Outcome tells the caller what a single observation did to the ledger.
type Outcome int

const (
	// OutcomeIgnored means the match did not qualify (unknown identity).
	OutcomeIgnored Outcome = iota
	// OutcomeCandidate means evidence was accumulated but the debounce
	// requirement is not met yet.
	OutcomeCandidate
	// OutcomeMarked means the identity was just marked present and a
	// record was emitted.
	OutcomeMarked
	// OutcomeAlreadyMarked means the identity was already present today;
	// the observation is a no-op.
	OutcomeAlreadyMarked
)

// AttendanceRecord is the immutable fact that a person was present on a
// session date. At most one record exists per (identity, date) pair.
type AttendanceRecord struct {
	ID          string
	IdentityID  string
	DisplayName string
	SessionDate string // calendar day in the ledger's reference timezone
	FirstSeen   time.Time
	Status      Status
}

// EmitFunc receives each record exactly once, synchronously with the state
// transition that produced it. Implementations must not block for long; the
// sync writer hands the record off to its own queue.
type EmitFunc func(AttendanceRecord)

const shardCount = 16

type entry struct {
	date        string
	hits        int
	windowStart time.Time
	firstSeen   time.Time
	present     bool
	record      AttendanceRecord
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry // keyed by identity ID, one live day each
}

// Ledger tracks per-identity debounce state for the current session date.
// Updates for the same identity serialize on its shard; distinct identities
// proceed in parallel.
type Ledger struct {
	debounceCount  int
	debounceWindow time.Duration
	loc            *time.Location
	now            func() time.Time
	emit           EmitFunc
	shards         [shardCount]shard
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock replaces the wall clock, used by tests to advance time.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a ledger requiring count qualifying matches within window
// before marking a person present. Dates are computed in loc.
func New(count int, window time.Duration, loc *time.Location, emit EmitFunc, opts ...Option) *Ledger {
	l := &Ledger{
		debounceCount:  count,
		debounceWindow: window,
		loc:            loc,
		now:            time.Now,
		emit:           emit,
	}
	if l.emit == nil {
		l.emit = func(AttendanceRecord) {}
	}
	for i := range l.shards {
		l.shards[i].entries = map[string]*entry{}
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) shardFor(identityID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(identityID))
	return &l.shards[h.Sum32()%shardCount]
}

func (l *Ledger) sessionDate(t time.Time) string {
	return t.In(l.loc).Format("2006-01-02")
}

// Observe feeds one qualifying match into the state machine. Unknown
// identities are ignored. The attendance record, when produced, is emitted
// under the shard lock so emission and transition are atomic: a concurrent
// duplicate can never emit a second record for the same (identity, date).
func (l *Ledger) Observe(identityID, displayName string, observedAt time.Time) Outcome {
	if identityID == "" {
		return OutcomeIgnored
	}
	if observedAt.IsZero() {
		observedAt = l.now()
	}
	date := l.sessionDate(observedAt)

	sh := l.shardFor(identityID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e := sh.entries[identityID]
	if e == nil || e.date != date {
		// First sighting today, or day rollover: stale state resets.
		e = &entry{date: date}
		sh.entries[identityID] = e
	}

	if e.present {
		return OutcomeAlreadyMarked
	}

	if e.hits == 0 || observedAt.Sub(e.windowStart) > l.debounceWindow {
		// Fresh candidate, or the previous evidence expired unconfirmed.
		e.hits = 1
		e.windowStart = observedAt
		e.firstSeen = observedAt
	} else {
		e.hits++
	}

	if e.hits < l.debounceCount {
		return OutcomeCandidate
	}

	e.present = true
	e.record = AttendanceRecord{
		ID:          uuid.New().String(),
		IdentityID:  identityID,
		DisplayName: displayName,
		SessionDate: date,
		FirstSeen:   e.firstSeen,
		Status:      StatusPresent,
	}
	l.emit(e.record)
	return OutcomeMarked
}

// State reports the current debounce state for an identity today. Candidate
// evidence older than the window reads as unseen.
func (l *Ledger) State(identityID string) State {
	now := l.now()
	date := l.sessionDate(now)

	sh := l.shardFor(identityID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e := sh.entries[identityID]
	if e == nil || e.date != date {
		return StateUnseen
	}
	if e.present {
		return StatePresent
	}
	if e.hits > 0 && now.Sub(e.windowStart) <= l.debounceWindow {
		return StateCandidate
	}
	return StateUnseen
}

// SeedPresent restores a present mark without emitting a record, used to
// rehydrate today's state from the persistence mirror at startup.
func (l *Ledger) SeedPresent(rec AttendanceRecord) {
	sh := l.shardFor(rec.IdentityID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.entries[rec.IdentityID] = &entry{
		date:      rec.SessionDate,
		firstSeen: rec.FirstSeen,
		present:   true,
		record:    rec,
	}
}

// Records returns today's attendance records sorted by first sighting.
func (l *Ledger) Records() []AttendanceRecord {
	date := l.sessionDate(l.now())

	var out []AttendanceRecord
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		for _, e := range sh.entries {
			if e.present && e.date == date {
				out = append(out, e.record)
			}
		}
		sh.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstSeen.Before(out[j].FirstSeen) })
	return out
}

// PresentCount returns the number of people marked present today.
func (l *Ledger) PresentCount() int {
	return len(l.Records())
}
