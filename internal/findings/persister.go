package findings

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/go-inquest/internal/agent"
	"github.com/basket/go-inquest/internal/otel"
	"github.com/basket/go-inquest/internal/persistence"
)

// DefaultAlertSeverities are the severities that raise an alert.
var DefaultAlertSeverities = []string{"critical", "high"}

// Sessioner hands out short-lived store handles.
type Sessioner interface {
	Session(ctx context.Context) (*persistence.Session, error)
}

type Options struct {
	AlertSeverities []string
	Logger          *slog.Logger
	Metrics         *otel.Metrics
	// Now is the observation clock; tests pin it.
	Now func() time.Time
}

// Persister writes findings and their alerts. Each call takes its own
// session and releases it before returning.
type Persister struct {
	store    Sessioner
	alertSev map[string]bool
	logger   *slog.Logger
	metrics  *otel.Metrics
	now      func() time.Time
}

func NewPersister(store Sessioner, opts Options) *Persister {
	sev := opts.AlertSeverities
	if len(sev) == 0 {
		sev = DefaultAlertSeverities
	}
	set := make(map[string]bool, len(sev))
	for _, s := range sev {
		set[normalizeSeverity(s)] = true
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Persister{store: store, alertSev: set, logger: logger, metrics: opts.Metrics, now: now}
}

// Source says where an output came from.
type Source struct {
	ScanID      string
	RunID       string
	DirectiveID string
	// ObservedAt sets the day bucket; zero means now.
	ObservedAt time.Time
}

// Result summarizes one Persist call.
type Result struct {
	Created    int
	Duplicates int
	Alerts     int
	FindingIDs []string
	// Entities lists the distinct entity keys the output touched, new or not.
	Entities []string
}

// Record is the durable form of one output finding, before insertion.
type Record struct {
	persistence.Finding
	Title string
}

// Records derives the finding rows of out without writing them. The
// occurrence index counts per entity in the order Reflect listed them.
func Records(out agent.Output, src Source, observed time.Time) ([]Record, error) {
	signals, err := json.Marshal(out.DataSignals)
	if err != nil {
		return nil, fmt.Errorf("encode data signals: %w", err)
	}
	trace, err := json.Marshal(out.Trace)
	if err != nil {
		return nil, fmt.Errorf("encode trace: %w", err)
	}
	day := DayBucket(observed)
	occurrences := make(map[string]int)
	recs := make([]Record, 0, len(out.Findings))
	for _, f := range out.Findings {
		entity := strings.TrimSpace(f.EntityKey)
		idKey := entity
		if idKey == "" {
			idKey = NoEntity
		}
		occ := occurrences[idKey]
		occurrences[idKey]++

		severity := normalizeSeverity(f.Severity)
		if severity == "" {
			severity = normalizeSeverity(out.Severity)
		}
		detail := f.Detail
		if detail == "" {
			detail = f.Title
		}
		recs = append(recs, Record{
			Title: f.Title,
			Finding: persistence.Finding{
				DedupKey:    DedupKey(out.AgentID, entity, out.FindingType, occ, day),
				AgentID:     out.AgentID,
				FindingType: out.FindingType,
				Severity:    severity,
				EntityKey:   entity,
				Summary:     f.Title,
				Detail:      detail,
				DataSignals: signals,
				Trace:       trace,
				Confidence:  f.Confidence,
				ScanID:      src.ScanID,
				RunID:       src.RunID,
				DirectiveID: src.DirectiveID,
				Occurrence:  occ,
				Day:         day,
			},
		})
	}
	return recs, nil
}

// Persist inserts the findings of out and raises alerts for new findings
// whose severity is configured to alert. Duplicates are counted, not errors.
func (p *Persister) Persist(ctx context.Context, out agent.Output, src Source) (Result, error) {
	observed := src.ObservedAt
	if observed.IsZero() {
		observed = p.now()
	}
	recs, err := Records(out, src, observed)
	if err != nil {
		return Result{}, err
	}
	var res Result
	seen := make(map[string]bool)
	for _, r := range recs {
		if r.EntityKey != "" && !seen[r.EntityKey] {
			seen[r.EntityKey] = true
			res.Entities = append(res.Entities, r.EntityKey)
		}
	}
	if len(recs) == 0 {
		return res, nil
	}

	sess, err := p.store.Session(ctx)
	if err != nil {
		return res, err
	}
	defer sess.Close()

	for _, r := range recs {
		id, created, err := sess.InsertFinding(ctx, r.Finding)
		if err != nil {
			return res, fmt.Errorf("persist finding for %s: %w", out.AgentID, err)
		}
		p.metrics.RecordFinding(ctx, out.AgentID, created)
		if !created {
			res.Duplicates++
			continue
		}
		res.Created++
		res.FindingIDs = append(res.FindingIDs, id)

		if !p.alertSev[r.Severity] {
			continue
		}
		_, alerted, err := sess.CreateAlert(ctx, persistence.Alert{
			FindingID: id,
			ScanID:    src.ScanID,
			Severity:  r.Severity,
			Title:     alertTitle(out, r),
		})
		if err != nil {
			return res, fmt.Errorf("create alert for %s: %w", id, err)
		}
		if alerted {
			res.Alerts++
		}
	}
	p.logger.Info("findings persisted", "agent_id", out.AgentID, "scan_id", src.ScanID, "run_id", src.RunID,
		"created", res.Created, "duplicates", res.Duplicates, "alerts", res.Alerts)
	return res, nil
}

func alertTitle(out agent.Output, r Record) string {
	name := out.AgentName
	if name == "" {
		name = out.AgentID
	}
	if r.EntityKey != "" {
		return fmt.Sprintf("%s: %s (%s)", name, r.Title, r.EntityKey)
	}
	return name + ": " + r.Title
}

func normalizeSeverity(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
