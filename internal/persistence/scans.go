package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/go-inquest/internal/bus"
	"github.com/google/uuid"
)

type ScanStatus string

const (
	ScanPending   ScanStatus = "pending"
	ScanRunning   ScanStatus = "running"
	ScanCompleted ScanStatus = "completed"
	ScanFailed    ScanStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s ScanStatus) Terminal() bool {
	return s == ScanCompleted || s == ScanFailed
}

var allowedScanTransitions = map[ScanStatus][]ScanStatus{
	ScanRunning:   {ScanPending},
	ScanCompleted: {ScanRunning},
	ScanFailed:    {ScanPending, ScanRunning},
}

// AgentResult summarizes one (agent, directive) execution within a scan.
type AgentResult struct {
	DirectiveID string `json:"directive_id"`
	AgentID     string `json:"agent_id"`
	Success     bool   `json:"success"`
	Findings    int    `json:"findings"`
	Severity    string `json:"severity,omitempty"`
	Summary     string `json:"summary,omitempty"`
	Error       string `json:"error,omitempty"`
}

type Scan struct {
	ID            string        `json:"id"`
	Trigger       string        `json:"trigger"`
	Status        ScanStatus    `json:"status"`
	Directives    []string      `json:"directives"`
	AgentResults  []AgentResult `json:"agent_results"`
	FindingsCount int           `json:"findings_count"`
	AlertsCount   int           `json:"alerts_count"`
	BriefsCount   int           `json:"briefs_count"`
	Summary       string        `json:"summary,omitempty"`
	ErrorDetail   string        `json:"error_detail,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// ScanProgress is written at every phase boundary so a poller sees the
// scan advance. Nil slices and empty Summary leave the stored value as is.
type ScanProgress struct {
	Directives    []string
	AgentResults  []AgentResult
	FindingsCount int
	AlertsCount   int
	BriefsCount   int
	Summary       string
}

// CreateScan inserts a pending scan record.
func (q *Queries) CreateScan(ctx context.Context, trigger string) (Scan, error) {
	if trigger == "" {
		trigger = "manual"
	}
	id := uuid.NewString()
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := q.q.ExecContext(ctx, `
			INSERT INTO scans (id, trigger, status, created_at, updated_at)
			VALUES (?, ?, 'pending', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, id, trigger)
		return err
	})
	if err != nil {
		return Scan{}, fmt.Errorf("create scan: %w", err)
	}
	q.bus.Publish(bus.TopicScanStatus, bus.ScanStatusEvent{ScanID: id, Status: string(ScanPending)})
	return q.GetScan(ctx, id)
}

// TransitionScan moves a scan forward. Backward or repeated transitions
// return ErrIllegalTransition; an unknown id returns ErrNotFound.
func (q *Queries) TransitionScan(ctx context.Context, id string, to ScanStatus, errorDetail string) error {
	from, ok := allowedScanTransitions[to]
	if !ok {
		return fmt.Errorf("transition scan %s to %q: %w", id, to, ErrIllegalTransition)
	}
	query := `UPDATE scans SET status = ?, updated_at = CURRENT_TIMESTAMP`
	args := []any{string(to)}
	switch to {
	case ScanRunning:
		query += `, started_at = CURRENT_TIMESTAMP`
	case ScanCompleted, ScanFailed:
		query += `, completed_at = CURRENT_TIMESTAMP, error_detail = ?`
		args = append(args, errorDetail)
	}
	query += ` WHERE id = ? AND status IN (?, ?)`
	args = append(args, id, string(from[0]), string(from[len(from)-1]))

	var affected int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := q.q.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("transition scan: %w", err)
	}
	if affected == 0 {
		current, err := q.GetScan(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("transition scan %s %s -> %s: %w", id, current.Status, to, ErrIllegalTransition)
	}
	q.bus.Publish(bus.TopicScanStatus, bus.ScanStatusEvent{ScanID: id, Status: string(to), Detail: errorDetail})
	return nil
}

// RecordScanProgress updates the per-phase counters and results.
func (q *Queries) RecordScanProgress(ctx context.Context, id string, p ScanProgress) error {
	var directives, results any
	if p.Directives != nil {
		raw, err := json.Marshal(p.Directives)
		if err != nil {
			return fmt.Errorf("marshal directives: %w", err)
		}
		directives = string(raw)
	}
	if p.AgentResults != nil {
		raw, err := json.Marshal(p.AgentResults)
		if err != nil {
			return fmt.Errorf("marshal agent results: %w", err)
		}
		results = string(raw)
	}
	var affected int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := q.q.ExecContext(ctx, `
			UPDATE scans SET
				directives = COALESCE(?, directives),
				agent_results = COALESCE(?, agent_results),
				findings_count = ?,
				alerts_count = ?,
				briefs_count = ?,
				summary = COALESCE(NULLIF(?, ''), summary),
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, directives, results, p.FindingsCount, p.AlertsCount, p.BriefsCount, p.Summary, id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("record scan progress: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

const scanColumns = `id, trigger, status, directives, agent_results, findings_count, alerts_count,
	briefs_count, summary, error_detail, created_at, started_at, completed_at, updated_at`

func scanScan(scanFn func(dest ...any) error) (Scan, error) {
	var (
		sc         Scan
		status     string
		directives string
		results    string
		started    sql.NullTime
		completed  sql.NullTime
	)
	if err := scanFn(&sc.ID, &sc.Trigger, &status, &directives, &results, &sc.FindingsCount,
		&sc.AlertsCount, &sc.BriefsCount, &sc.Summary, &sc.ErrorDetail, &sc.CreatedAt,
		&started, &completed, &sc.UpdatedAt); err != nil {
		return Scan{}, err
	}
	sc.Status = ScanStatus(status)
	sc.StartedAt = timePtr(started)
	sc.CompletedAt = timePtr(completed)
	if err := json.Unmarshal([]byte(directives), &sc.Directives); err != nil {
		return Scan{}, fmt.Errorf("decode scan directives: %w", err)
	}
	if err := json.Unmarshal([]byte(results), &sc.AgentResults); err != nil {
		return Scan{}, fmt.Errorf("decode scan agent results: %w", err)
	}
	return sc, nil
}

// GetScan returns the scan with the given id, or ErrNotFound.
func (q *Queries) GetScan(ctx context.Context, id string) (Scan, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+scanColumns+` FROM scans WHERE id = ?;`, id)
	sc, err := scanScan(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Scan{}, ErrNotFound
	}
	if err != nil {
		return Scan{}, fmt.Errorf("get scan: %w", err)
	}
	return sc, nil
}

// ListScans returns scans newest first, optionally filtered by status.
func (q *Queries) ListScans(ctx context.Context, status ScanStatus, limit int) ([]Scan, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + scanColumns + ` FROM scans`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}
	defer rows.Close()
	var out []Scan
	for rows.Next() {
		sc, err := scanScan(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan scan row: %w", err)
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan rows: %w", err)
	}
	return out, nil
}
