package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Investigation struct {
	ID               string     `json:"id"`
	SessionID        string     `json:"session_id,omitempty"`
	Query            string     `json:"query"`
	Agents           []string   `json:"agents"`
	Status           string     `json:"status"`
	ExecutiveSummary string     `json:"executive_summary,omitempty"`
	ErrorDetail      string     `json:"error_detail,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// CreateInvestigation records a conductor request in the running state.
func (q *Queries) CreateInvestigation(ctx context.Context, sessionID, query string) (string, error) {
	id := uuid.NewString()
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := q.q.ExecContext(ctx, `
			INSERT INTO investigations (id, session_id, query, status, created_at)
			VALUES (?, ?, ?, 'running', CURRENT_TIMESTAMP);
		`, id, sessionID, query)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("create investigation: %w", err)
	}
	return id, nil
}

// FinishInvestigation moves a running investigation to completed, or to
// failed when errorDetail is non-empty.
func (q *Queries) FinishInvestigation(ctx context.Context, id string, agents []string, summary, errorDetail string) error {
	if agents == nil {
		agents = []string{}
	}
	raw, err := json.Marshal(agents)
	if err != nil {
		return fmt.Errorf("marshal agents: %w", err)
	}
	status := "completed"
	if errorDetail != "" {
		status = "failed"
	}
	var affected int64
	err = retryOnBusy(ctx, busyRetries, func() error {
		res, err := q.q.ExecContext(ctx, `
			UPDATE investigations
			SET status = ?, agents = ?, executive_summary = ?, error_detail = ?, completed_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = 'running';
		`, status, string(raw), summary, errorDetail, id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("finish investigation: %w", err)
	}
	if affected == 0 {
		if _, err := q.GetInvestigation(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("finish investigation %s: %w", id, ErrIllegalTransition)
	}
	return nil
}

const investigationColumns = `id, session_id, query, agents, status, executive_summary, error_detail, created_at, completed_at`

func scanInvestigation(scanFn func(dest ...any) error) (Investigation, error) {
	var (
		inv       Investigation
		agents    string
		completed sql.NullTime
	)
	if err := scanFn(&inv.ID, &inv.SessionID, &inv.Query, &agents, &inv.Status,
		&inv.ExecutiveSummary, &inv.ErrorDetail, &inv.CreatedAt, &completed); err != nil {
		return Investigation{}, err
	}
	inv.CompletedAt = timePtr(completed)
	if err := json.Unmarshal([]byte(agents), &inv.Agents); err != nil {
		return Investigation{}, fmt.Errorf("decode investigation agents: %w", err)
	}
	return inv, nil
}

func (q *Queries) GetInvestigation(ctx context.Context, id string) (Investigation, error) {
	inv, err := scanInvestigation(q.q.QueryRowContext(ctx,
		`SELECT `+investigationColumns+` FROM investigations WHERE id = ?;`, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Investigation{}, ErrNotFound
	}
	if err != nil {
		return Investigation{}, fmt.Errorf("get investigation: %w", err)
	}
	return inv, nil
}

// RecentInvestigations returns the latest completed investigations of a
// session, newest first, excluding excludeID.
func (q *Queries) RecentInvestigations(ctx context.Context, sessionID, excludeID string, limit int) ([]Investigation, error) {
	if sessionID == "" || limit <= 0 {
		return nil, nil
	}
	rows, err := q.q.QueryContext(ctx, `SELECT `+investigationColumns+` FROM investigations
		WHERE session_id = ? AND status = 'completed' AND id != ?
		ORDER BY created_at DESC, rowid DESC LIMIT ?;`, sessionID, excludeID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent investigations: %w", err)
	}
	defer rows.Close()
	var out []Investigation
	for rows.Next() {
		inv, err := scanInvestigation(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan investigation: %w", err)
		}
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("investigation rows: %w", err)
	}
	return out, nil
}
