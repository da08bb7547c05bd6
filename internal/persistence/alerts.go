package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type AlertStatus string

const (
	AlertOpen         AlertStatus = "open"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

var alertRank = map[AlertStatus]int{
	AlertOpen:         0,
	AlertAcknowledged: 1,
	AlertResolved:     2,
}

type Alert struct {
	ID        string      `json:"id"`
	FindingID string      `json:"finding_id"`
	ScanID    string      `json:"scan_id,omitempty"`
	Severity  string      `json:"severity"`
	Title     string      `json:"title"`
	Status    AlertStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// CreateAlert inserts an open alert for a finding. finding_id is unique, so
// a second alert for the same finding returns created=false.
func (q *Queries) CreateAlert(ctx context.Context, a Alert) (id string, created bool, err error) {
	if a.FindingID == "" {
		return "", false, fmt.Errorf("finding id required")
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	err = retryOnBusy(ctx, busyRetries, func() error {
		_, err := q.q.ExecContext(ctx, `
			INSERT INTO alerts (id, finding_id, scan_id, severity, title, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 'open', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, a.ID, a.FindingID, nullIfEmpty(a.ScanID), a.Severity, a.Title)
		return err
	})
	if isUniqueViolation(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("create alert: %w", err)
	}
	return a.ID, true, nil
}

const alertColumns = `id, finding_id, COALESCE(scan_id, ''), severity, title, status, created_at, updated_at`

func scanAlert(scanFn func(dest ...any) error) (Alert, error) {
	var (
		a      Alert
		status string
	)
	if err := scanFn(&a.ID, &a.FindingID, &a.ScanID, &a.Severity, &a.Title, &status, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return Alert{}, err
	}
	a.Status = AlertStatus(status)
	return a, nil
}

func (q *Queries) GetAlert(ctx context.Context, id string) (Alert, error) {
	a, err := scanAlert(q.q.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?;`, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Alert{}, ErrNotFound
	}
	if err != nil {
		return Alert{}, fmt.Errorf("get alert: %w", err)
	}
	return a, nil
}

// ListAlerts returns alerts newest first, optionally filtered by status.
func (q *Queries) ListAlerts(ctx context.Context, status AlertStatus, limit int) ([]Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + alertColumns + ` FROM alerts`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()
	var out []Alert
	for rows.Next() {
		a, err := scanAlert(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("alert rows: %w", err)
	}
	return out, nil
}

// TransitionAlert moves an alert forward through open, acknowledged and
// resolved. Moving backwards or staying put returns ErrIllegalTransition.
func (q *Queries) TransitionAlert(ctx context.Context, id string, to AlertStatus) error {
	toRank, ok := alertRank[to]
	if !ok {
		return fmt.Errorf("unknown alert status %q", to)
	}
	var lower []any
	for st, r := range alertRank {
		if r < toRank {
			lower = append(lower, string(st))
		}
	}
	if len(lower) == 0 {
		return fmt.Errorf("transition alert %s to %s: %w", id, to, ErrIllegalTransition)
	}
	placeholders := "?"
	for range lower[1:] {
		placeholders += ", ?"
	}
	args := append([]any{string(to), id}, lower...)

	var affected int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := q.q.ExecContext(ctx, `
			UPDATE alerts SET status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status IN (`+placeholders+`);
		`, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("transition alert: %w", err)
	}
	if affected == 0 {
		current, err := q.GetAlert(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("transition alert %s %s -> %s: %w", id, current.Status, to, ErrIllegalTransition)
	}
	return nil
}
