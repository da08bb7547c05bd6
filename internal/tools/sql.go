package tools

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/basket/go-inquest/internal/config"
	_ "github.com/mattn/go-sqlite3"
)

const defaultMaxRows = 500

// OpenDataset opens the dataset file read-only. Writes fail at the driver.
func OpenDataset(path string) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("dataset path required")
	}
	dsn := fmt.Sprintf("file:%s?mode=ro&_query_only=1&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping dataset %s: %w", path, err)
	}
	return db, nil
}

var readOnlyQuery = regexp.MustCompile(`(?is)^\s*(select|with)\b`)

// SQLTool is a configured query with named parameters (:name) over the dataset.
type SQLTool struct {
	db          *sql.DB
	name        string
	description string
	query       string
	params      []Param
	maxRows     int
}

// NewSQLTool validates cfg and binds it to db.
func NewSQLTool(db *sql.DB, cfg config.ToolConfig) (*SQLTool, error) {
	if !readOnlyQuery.MatchString(cfg.Query) {
		return nil, fmt.Errorf("tool %q: only SELECT or WITH queries are allowed", cfg.Name)
	}
	params := make([]Param, 0, len(cfg.Params))
	for _, p := range cfg.Params {
		if !strings.Contains(cfg.Query, ":"+p.Name) {
			return nil, fmt.Errorf("tool %q: parameter %q is not used by the query", cfg.Name, p.Name)
		}
		params = append(params, Param{
			Name:        p.Name,
			Type:        p.Type,
			Description: p.Description,
			Required:    p.Required,
			Default:     p.Default,
		})
	}
	maxRows := cfg.MaxRows
	if maxRows <= 0 {
		maxRows = defaultMaxRows
	}
	return &SQLTool{
		db:          db,
		name:        cfg.Name,
		description: cfg.Description,
		query:       cfg.Query,
		params:      params,
		maxRows:     maxRows,
	}, nil
}

func (t *SQLTool) Name() string        { return t.name }
func (t *SQLTool) Description() string { return t.description }
func (t *SQLTool) Params() []Param     { return t.params }

// Run executes the query and returns rows as column to value maps, capped
// at the configured row limit.
func (t *SQLTool) Run(ctx context.Context, args map[string]any) (any, int, error) {
	named := make([]any, 0, len(t.params))
	for _, p := range t.params {
		v, ok := args[p.Name]
		if !ok {
			v = nil
		}
		named = append(named, sql.Named(p.Name, v))
	}
	rows, err := t.db.QueryContext(ctx, t.query, named...)
	if err != nil {
		return nil, 0, fmt.Errorf("query %s: %w", t.name, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, 0, fmt.Errorf("columns %s: %w", t.name, err)
	}
	out := make([]map[string]any, 0)
	for rows.Next() {
		if len(out) >= t.maxRows {
			break
		}
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, 0, fmt.Errorf("scan %s: %w", t.name, err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = normalizeValue(vals[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("rows %s: %w", t.name, err)
	}
	return out, len(out), nil
}

func normalizeValue(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	default:
		return x
	}
}

// RegisterSQL builds one SQLTool per config entry and registers it.
func RegisterSQL(r *Registry, db *sql.DB, cfgs []config.ToolConfig) error {
	for _, c := range cfgs {
		t, err := NewSQLTool(db, c)
		if err != nil {
			return err
		}
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}
