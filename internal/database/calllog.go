package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ucmmonitor/ucmmonitor/internal/database/models"
)

// timestampLayout matches the call_log schema's "YYYY-MM-DD HH:MM:SS" local
// time, second precision.
const timestampLayout = "2006-01-02 15:04:05"

// CallLogFilter narrows a List query.
type CallLogFilter struct {
	Direction string
	Limit     int
	Offset    int
}

// CallLogRepository persists the durable call-history log. All writes run
// on the correlator's background task; no locking is required here beyond
// what database/sql already provides.
type CallLogRepository interface {
	// InsertInboundRing records a new inbound call at first ring.
	InsertInboundRing(ctx context.Context, correlationID, externalNumber string, at time.Time) (int64, error)
	// MarkInboundAnswered fills in the internal party once a bridge event
	// answers a previously-ringing inbound call.
	MarkInboundAnswered(ctx context.Context, correlationID, internalExt, internalName string) error
	// InsertOutbound records an outbound call at bridge time (the system
	// never persists outbound attempts that are never answered, unless the
	// ring row below was inserted first).
	InsertOutbound(ctx context.Context, correlationID string, bridgeTime time.Time, externalNumber, internalExt, internalName string) (int64, error)
	// InsertOutboundRing records an unanswered-visibility row for an
	// outbound attempt that has not yet been confirmed bridged (§5.2 of
	// the expanded design).
	InsertOutboundRing(ctx context.Context, correlationID, externalNumber, internalExt string, at time.Time) (int64, error)
	// MarkOutboundAnswered promotes an outbound ring row to answered once
	// its bridge event arrives.
	MarkOutboundAnswered(ctx context.Context, correlationID, internalName string) error
	// Finalize computes and writes the duration of a previously-answered
	// row when the call's last channel is released. bridgeTime is nil when
	// the call was never answered, in which case Finalize is a no-op.
	Finalize(ctx context.Context, correlationID string, bridgeTime *time.Time, now time.Time) error
	// List returns call-log rows matching filter, most recent first.
	List(ctx context.Context, filter CallLogFilter) ([]models.CallLogEntry, int, error)
	// CountByDirection returns the total row count grouped by direction,
	// for the metrics collector.
	CountByDirection(ctx context.Context) (map[string]int64, error)
}

type callLogRepo struct {
	db *DB
}

// NewCallLogRepository creates a new CallLogRepository.
func NewCallLogRepository(db *DB) CallLogRepository {
	return &callLogRepo{db: db}
}

func (r *callLogRepo) InsertInboundRing(ctx context.Context, correlationID, externalNumber string, at time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO call_log (timestamp, direction, external_number, answered, duration, linkedid)
		 VALUES (?, 'inbound', ?, 0, 0, ?)`,
		at.Format(timestampLayout), externalNumber, correlationID,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting inbound ring: %w", err)
	}
	return result.LastInsertId()
}

func (r *callLogRepo) MarkInboundAnswered(ctx context.Context, correlationID, internalExt, internalName string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE call_log SET answered = 1, internal_ext = ?, internal_name = ?
		 WHERE linkedid = ? AND direction = 'inbound'`,
		internalExt, internalName, correlationID,
	)
	if err != nil {
		return fmt.Errorf("marking inbound answered: %w", err)
	}
	return nil
}

func (r *callLogRepo) InsertOutbound(ctx context.Context, correlationID string, bridgeTime time.Time, externalNumber, internalExt, internalName string) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO call_log (timestamp, direction, external_number, internal_ext, internal_name, answered, duration, linkedid)
		 VALUES (?, 'outbound', ?, ?, ?, 1, 0, ?)`,
		bridgeTime.Format(timestampLayout), externalNumber, internalExt, internalName, correlationID,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting outbound call: %w", err)
	}
	return result.LastInsertId()
}

func (r *callLogRepo) InsertOutboundRing(ctx context.Context, correlationID, externalNumber, internalExt string, at time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO call_log (timestamp, direction, external_number, internal_ext, answered, duration, linkedid)
		 VALUES (?, 'outbound', ?, ?, 0, 0, ?)`,
		at.Format(timestampLayout), externalNumber, internalExt, correlationID,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting outbound ring: %w", err)
	}
	return result.LastInsertId()
}

func (r *callLogRepo) MarkOutboundAnswered(ctx context.Context, correlationID, internalName string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE call_log SET answered = 1, internal_name = ?
		 WHERE linkedid = ? AND direction = 'outbound'`,
		internalName, correlationID,
	)
	if err != nil {
		return fmt.Errorf("marking outbound answered: %w", err)
	}
	return nil
}

func (r *callLogRepo) Finalize(ctx context.Context, correlationID string, bridgeTime *time.Time, now time.Time) error {
	if bridgeTime == nil {
		return nil
	}
	duration := int(now.Sub(*bridgeTime).Seconds())
	if duration < 0 {
		duration = 0
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE call_log SET duration = ? WHERE linkedid = ? AND answered = 1`,
		duration, correlationID,
	)
	if err != nil {
		return fmt.Errorf("finalizing call log: %w", err)
	}
	return nil
}

func (r *callLogRepo) List(ctx context.Context, filter CallLogFilter) ([]models.CallLogEntry, int, error) {
	where := "1=1"
	args := []any{}

	if filter.Direction != "" {
		where += " AND direction = ?"
		args = append(args, filter.Direction)
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM call_log WHERE " + where
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting call_log rows: %w", err)
	}

	limit, offset := filter.Limit, filter.Offset
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT id, timestamp, direction, external_number, internal_ext, internal_name,
		 answered, duration, linkedid FROM call_log WHERE ` + where + ` ORDER BY id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing call_log rows: %w", err)
	}
	defer rows.Close()

	var entries []models.CallLogEntry
	for rows.Next() {
		e, err := scanCallLogEntry(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning call_log row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating call_log rows: %w", err)
	}

	return entries, total, nil
}

func (r *callLogRepo) CountByDirection(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT direction, COUNT(*) FROM call_log GROUP BY direction`)
	if err != nil {
		return nil, fmt.Errorf("counting call_log by direction: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64, 2)
	for rows.Next() {
		var dir string
		var n int64
		if err := rows.Scan(&dir, &n); err != nil {
			return nil, fmt.Errorf("scanning direction count: %w", err)
		}
		counts[dir] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating direction counts: %w", err)
	}
	return counts, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCallLogEntry(row rowScanner) (models.CallLogEntry, error) {
	var e models.CallLogEntry
	var answered int
	err := row.Scan(&e.ID, &e.Timestamp, &e.Direction, &e.ExternalNumber,
		&e.InternalExt, &e.InternalName, &answered, &e.Duration, &e.LinkedID)
	if err == sql.ErrNoRows {
		return models.CallLogEntry{}, err
	}
	e.Answered = answered != 0
	return e, err
}
