package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/kozaktomas/face-attendance/internal/ledger"
	"github.com/kozaktomas/face-attendance/internal/syncer"
)

// DeadLetterRepository persists sheet rows the sync writer gave up on so they
// survive a restart. Implements syncer.DeadLetterStore.
type DeadLetterRepository struct {
	pool *Pool
}

// NewDeadLetterRepository creates a new PostgreSQL dead letter repository
func NewDeadLetterRepository(pool *Pool) *DeadLetterRepository {
	return &DeadLetterRepository{pool: pool}
}

// SaveDeadLetter stores an exhausted delivery task.
func (r *DeadLetterRepository) SaveDeadLetter(ctx context.Context, task syncer.Task) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO dead_letters (id, record_id, identity_id, display_name, session_date, first_seen, status, attempts, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET attempts = EXCLUDED.attempts, last_error = EXCLUDED.last_error
	`, task.ID, task.Record.ID, task.Record.IdentityID, task.Record.DisplayName, task.Record.SessionDate,
		task.Record.FirstSeen, string(task.Record.Status), task.Attempts, task.LastError)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// List returns all persisted dead letters, oldest first. The writer loads
// these on startup so letters from a previous run stay retryable.
func (r *DeadLetterRepository) List(ctx context.Context) ([]syncer.Task, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, record_id, identity_id, display_name, to_char(session_date, 'YYYY-MM-DD'), first_seen, status, attempts, last_error
		FROM dead_letters
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var tasks []syncer.Task
	for rows.Next() {
		var task syncer.Task
		var status string
		var firstSeen time.Time
		if err := rows.Scan(&task.ID, &task.Record.ID, &task.Record.IdentityID, &task.Record.DisplayName,
			&task.Record.SessionDate, &firstSeen, &status, &task.Attempts, &task.LastError); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		task.Record.FirstSeen = firstSeen
		task.Record.Status = ledger.Status(status)
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return tasks, nil
}

// DeleteDeadLetter removes a dead letter once the sink finally accepted it.
func (r *DeadLetterRepository) DeleteDeadLetter(ctx context.Context, id string) error {
	if _, err := r.pool.Exec(ctx, "DELETE FROM dead_letters WHERE id = $1", id); err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}
	return nil
}
