package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/kozaktomas/face-attendance/internal/ledger"
)

// AttendanceRepository archives attendance records per session day. The
// ledger is authoritative for the running day; this table lets the ledger
// rehydrate after a restart so nobody gets marked twice.
type AttendanceRepository struct {
	pool *Pool
}

// NewAttendanceRepository creates a new PostgreSQL attendance repository
func NewAttendanceRepository(pool *Pool) *AttendanceRepository {
	return &AttendanceRepository{pool: pool}
}

// Save inserts an attendance record. A record for the same identity and day
// already present keeps the original row.
func (r *AttendanceRepository) Save(ctx context.Context, rec ledger.AttendanceRecord) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO attendance (id, identity_id, display_name, session_date, first_seen, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (identity_id, session_date) DO NOTHING
	`, rec.ID, rec.IdentityID, rec.DisplayName, rec.SessionDate, rec.FirstSeen, string(rec.Status))
	if err != nil {
		return fmt.Errorf("insert attendance: %w", err)
	}
	return nil
}

// ListByDate returns all records for a session day, ordered by first sighting.
func (r *AttendanceRepository) ListByDate(ctx context.Context, sessionDate string) ([]ledger.AttendanceRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, identity_id, display_name, to_char(session_date, 'YYYY-MM-DD'), first_seen, status
		FROM attendance
		WHERE session_date = $1
		ORDER BY first_seen
	`, sessionDate)
	if err != nil {
		return nil, fmt.Errorf("query attendance: %w", err)
	}
	defer rows.Close()

	var records []ledger.AttendanceRecord
	for rows.Next() {
		var rec ledger.AttendanceRecord
		var status string
		var firstSeen time.Time
		if err := rows.Scan(&rec.ID, &rec.IdentityID, &rec.DisplayName, &rec.SessionDate, &firstSeen, &status); err != nil {
			return nil, fmt.Errorf("scan attendance record: %w", err)
		}
		rec.FirstSeen = firstSeen
		rec.Status = ledger.Status(status)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attendance records: %w", err)
	}
	return records, nil
}
