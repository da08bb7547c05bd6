package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Finding is a persisted unit of evidence. Rows are created once per dedup
// key and never updated.
type Finding struct {
	ID          string          `json:"id"`
	DedupKey    string          `json:"dedup_key"`
	AgentID     string          `json:"agent_id"`
	FindingType string          `json:"finding_type"`
	Severity    string          `json:"severity"`
	EntityKey   string          `json:"entity_key,omitempty"`
	Summary     string          `json:"summary"`
	Detail      string          `json:"detail"`
	DataSignals json.RawMessage `json:"data_signals,omitempty"`
	Trace       json.RawMessage `json:"trace,omitempty"`
	Confidence  float64         `json:"confidence"`
	ScanID      string          `json:"scan_id,omitempty"`
	RunID       string          `json:"run_id,omitempty"`
	DirectiveID string          `json:"directive_id,omitempty"`
	Occurrence  int             `json:"occurrence"`
	Day         string          `json:"day"`
	CreatedAt   time.Time       `json:"created_at"`
}

// FindingFilter narrows ListFindings. Zero fields match everything.
type FindingFilter struct {
	ScanID    string
	AgentID   string
	Severity  string
	EntityKey string
	Limit     int
}

// InsertFinding stores f unless a row with the same dedup key exists.
// A duplicate is not an error: it returns created=false and an empty id.
func (q *Queries) InsertFinding(ctx context.Context, f Finding) (id string, created bool, err error) {
	if strings.TrimSpace(f.DedupKey) == "" {
		return "", false, fmt.Errorf("dedup key required")
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if len(f.DataSignals) == 0 {
		f.DataSignals = json.RawMessage(`{}`)
	}
	if len(f.Trace) == 0 {
		f.Trace = json.RawMessage(`[]`)
	}
	err = retryOnBusy(ctx, busyRetries, func() error {
		_, err := q.q.ExecContext(ctx, `
			INSERT INTO findings (id, dedup_key, agent_id, finding_type, severity, entity_key,
				summary, detail, data_signals, trace, confidence, scan_id, run_id, directive_id,
				occurrence, day, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, f.ID, f.DedupKey, f.AgentID, f.FindingType, f.Severity, nullIfEmpty(f.EntityKey),
			f.Summary, f.Detail, string(f.DataSignals), string(f.Trace), f.Confidence,
			nullIfEmpty(f.ScanID), nullIfEmpty(f.RunID), nullIfEmpty(f.DirectiveID),
			f.Occurrence, f.Day)
		return err
	})
	if isUniqueViolation(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("insert finding: %w", err)
	}
	return f.ID, true, nil
}

const findingColumns = `id, dedup_key, agent_id, finding_type, severity, COALESCE(entity_key, ''),
	summary, detail, data_signals, trace, confidence, COALESCE(scan_id, ''), COALESCE(run_id, ''),
	COALESCE(directive_id, ''), occurrence, day, created_at`

func scanFinding(scanFn func(dest ...any) error) (Finding, error) {
	var (
		f       Finding
		signals string
		trace   string
	)
	if err := scanFn(&f.ID, &f.DedupKey, &f.AgentID, &f.FindingType, &f.Severity, &f.EntityKey,
		&f.Summary, &f.Detail, &signals, &trace, &f.Confidence, &f.ScanID, &f.RunID,
		&f.DirectiveID, &f.Occurrence, &f.Day, &f.CreatedAt); err != nil {
		return Finding{}, err
	}
	f.DataSignals = json.RawMessage(signals)
	f.Trace = json.RawMessage(trace)
	return f, nil
}

// FindingByDedupKey returns the finding stored under key, or ErrNotFound.
func (q *Queries) FindingByDedupKey(ctx context.Context, key string) (Finding, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+findingColumns+` FROM findings WHERE dedup_key = ?;`, key)
	f, err := scanFinding(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Finding{}, ErrNotFound
	}
	if err != nil {
		return Finding{}, fmt.Errorf("get finding by dedup key: %w", err)
	}
	return f, nil
}

// GetFinding returns the finding with the given id, or ErrNotFound.
func (q *Queries) GetFinding(ctx context.Context, id string) (Finding, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+findingColumns+` FROM findings WHERE id = ?;`, id)
	f, err := scanFinding(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Finding{}, ErrNotFound
	}
	if err != nil {
		return Finding{}, fmt.Errorf("get finding: %w", err)
	}
	return f, nil
}

func findingWhere(filter FindingFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if filter.ScanID != "" {
		clauses = append(clauses, "scan_id = ?")
		args = append(args, filter.ScanID)
	}
	if filter.AgentID != "" {
		clauses = append(clauses, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.Severity != "" {
		clauses = append(clauses, "severity = ?")
		args = append(args, filter.Severity)
	}
	if filter.EntityKey != "" {
		clauses = append(clauses, "entity_key = ?")
		args = append(args, filter.EntityKey)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// ListFindings returns findings newest first.
func (q *Queries) ListFindings(ctx context.Context, filter FindingFilter) ([]Finding, error) {
	where, args := findingWhere(filter)
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	rows, err := q.q.QueryContext(ctx, `SELECT `+findingColumns+` FROM findings`+where+
		` ORDER BY created_at DESC, rowid DESC LIMIT ?;`, args...)
	if err != nil {
		return nil, fmt.Errorf("list findings: %w", err)
	}
	defer rows.Close()

	var out []Finding
	for rows.Next() {
		f, err := scanFinding(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan finding: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("finding rows: %w", err)
	}
	return out, nil
}

// CountFindings counts findings matching filter; Limit is ignored.
func (q *Queries) CountFindings(ctx context.Context, filter FindingFilter) (int, error) {
	where, args := findingWhere(filter)
	var n int
	if err := q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM findings`+where+`;`, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count findings: %w", err)
	}
	return n, nil
}
