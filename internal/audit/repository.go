// Package audit records write commands sent to power stations and how each
// one resolved.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Outcome is how a write command resolved.
type Outcome string

// Command outcomes.
const (
	OutcomeAcknowledged Outcome = "acknowledged"
	OutcomeRejected     Outcome = "rejected"
	OutcomeTimedOut     Outcome = "timed_out"
	OutcomeSuperseded   Outcome = "superseded"
	OutcomeUnavailable  Outcome = "unavailable"
	OutcomeCancelled    Outcome = "cancelled"
	OutcomeFailed       Outcome = "failed"
)

// Page size limits for List.
const (
	defaultLimit = 50
	maxLimit     = 200
)

// timeLayout is fixed width so created_at sorts as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Entry is one audited write command.
type Entry struct {
	ID            string `json:"id"`
	CorrelationID string `json:"correlation_id,omitempty"`
	DeviceID      string `json:"device_id"`
	Field         string `json:"field"`

	// Register and RawValue are nil when the request was rejected before
	// it was mapped to a register.
	Register *uint16 `json:"register,omitempty"`
	RawValue *uint16 `json:"raw_value,omitempty"`

	// Requested is the value as the caller supplied it.
	Requested string `json:"requested"`

	// Source names the command origin: api, cli.
	Source string `json:"source"`

	Outcome   Outcome       `json:"outcome"`
	Error     string        `json:"error,omitempty"`
	Latency   time.Duration `json:"latency_ns,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// Filter controls which entries List returns.
type Filter struct {
	DeviceID string  // optional
	Outcome  Outcome // optional
	Limit    int     // default 50, max 200
	Offset   int
}

// ListResult is one page of entries, newest first.
type ListResult struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// Repository stores audit entries.
type Repository interface {
	Create(ctx context.Context, e *Entry) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
}

// SQLiteRepository stores entries in the command_audit table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository on an open database whose
// migrations have been applied.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create inserts an entry. ID and CreatedAt are generated when empty.
func (r *SQLiteRepository) Create(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = "cmd-" + uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	var latency any
	if e.Latency > 0 {
		latency = e.Latency.Milliseconds()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO command_audit
		   (id, correlation_id, device_id, field, register, raw_value, requested, source, outcome, error, latency_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, nullableString(e.CorrelationID), e.DeviceID, e.Field,
		nullableWord(e.Register), nullableWord(e.RawValue),
		e.Requested, e.Source, string(e.Outcome), nullableString(e.Error),
		latency, e.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting command audit entry: %w", err)
	}
	return nil
}

// List returns entries matching filter, newest first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultLimit
	}
	if filter.Limit > maxLimit {
		filter.Limit = maxLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any
	if filter.DeviceID != "" {
		conditions = append(conditions, "device_id = ?")
		args = append(args, filter.DeviceID)
	}
	if filter.Outcome != "" {
		conditions = append(conditions, "outcome = ?")
		args = append(args, string(filter.Outcome))
	}
	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM command_audit " + where //nolint:gosec // WHERE built from parameterised conditions
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting command audit entries: %w", err)
	}

	query := `SELECT id, correlation_id, device_id, field, register, raw_value, requested, source, outcome, error, latency_ms, created_at
		FROM command_audit ` + where + ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?` //nolint:gosec // as above
	rows, err := r.db.QueryContext(ctx, query, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("querying command audit entries: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating command audit entries: %w", err)
	}

	return &ListResult{
		Entries: entries,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	}, nil
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var (
		e                      Entry
		correlationID, errText sql.NullString
		register, rawValue     sql.NullInt64
		latency                sql.NullInt64
		outcome, createdAt     string
	)
	if err := rows.Scan(&e.ID, &correlationID, &e.DeviceID, &e.Field, &register, &rawValue,
		&e.Requested, &e.Source, &outcome, &errText, &latency, &createdAt); err != nil {
		return Entry{}, fmt.Errorf("scanning command audit entry: %w", err)
	}

	e.CorrelationID = correlationID.String
	e.Error = errText.String
	e.Outcome = Outcome(outcome)
	if register.Valid {
		v := uint16(register.Int64)
		e.Register = &v
	}
	if rawValue.Valid {
		v := uint16(rawValue.Int64)
		e.RawValue = &v
	}
	if latency.Valid {
		e.Latency = time.Duration(latency.Int64) * time.Millisecond
	}

	t, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return Entry{}, fmt.Errorf("parsing command audit timestamp %q: %w", createdAt, err)
	}
	e.CreatedAt = t
	return e, nil
}

// nullableString maps "" to NULL.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableWord(w *uint16) any {
	if w == nil {
		return nil
	}
	return int64(*w)
}
