package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Brief is the per-entity narrative produced after a scan's executions.
type Brief struct {
	ID        string    `json:"id"`
	ScanID    string    `json:"scan_id"`
	EntityKey string    `json:"entity_key"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// InsertBrief stores one brief per (scan, entity); a repeat returns created=false.
func (q *Queries) InsertBrief(ctx context.Context, b Brief) (created bool, err error) {
	if b.ScanID == "" || b.EntityKey == "" {
		return false, fmt.Errorf("scan id and entity key required")
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	err = retryOnBusy(ctx, busyRetries, func() error {
		_, err := q.q.ExecContext(ctx, `
			INSERT INTO briefs (id, scan_id, entity_key, content, created_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, b.ID, b.ScanID, b.EntityKey, b.Content)
		return err
	})
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert brief: %w", err)
	}
	return true, nil
}

func (q *Queries) ListBriefs(ctx context.Context, scanID string) ([]Brief, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, scan_id, entity_key, content, created_at
		FROM briefs WHERE scan_id = ? ORDER BY entity_key;
	`, scanID)
	if err != nil {
		return nil, fmt.Errorf("list briefs: %w", err)
	}
	defer rows.Close()
	var out []Brief
	for rows.Next() {
		var b Brief
		if err := rows.Scan(&b.ID, &b.ScanID, &b.EntityKey, &b.Content, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan brief: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("brief rows: %w", err)
	}
	return out, nil
}
