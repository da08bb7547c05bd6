package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/basket/go-inquest/internal/persistence"
	"github.com/basket/go-inquest/internal/prompts"
	"github.com/basket/go-inquest/internal/reasoning"
	"golang.org/x/sync/errgroup"
)

var briefSchema = reasoning.MustSchema("brief", `{
	"type": "object",
	"required": ["brief"],
	"properties": {
		"brief": {"type": "string", "minLength": 1}
	}
}`)

var crossEntitySchema = reasoning.MustSchema("cross_entity", `{
	"type": "object",
	"required": ["summary"],
	"properties": {
		"summary": {"type": "string", "minLength": 1},
		"patterns": {"type": "array", "items": {"type": "string"}}
	}
}`)

// entityFinding is what a brief prompt sees of one finding.
type entityFinding struct {
	AgentID    string  `json:"agent_id"`
	Title      string  `json:"title"`
	Detail     string  `json:"detail,omitempty"`
	Severity   string  `json:"severity,omitempty"`
	Confidence float64 `json:"confidence"`
}

// generateBriefs writes one brief per entity. A brief that cannot be
// generated is skipped and counted.
func (o *Orchestrator) generateBriefs(ctx context.Context, logger *slog.Logger, scanID string, entities []string, execs []*execution, p *progress) ([]persistence.Brief, int) {
	slices.Sort(entities)
	byEntity := make(map[string][]entityFinding, len(entities))
	for _, e := range execs {
		if e.err != nil {
			continue
		}
		for _, f := range e.output.Findings {
			key := strings.TrimSpace(f.EntityKey)
			if key == "" {
				continue
			}
			sev := f.Severity
			if sev == "" {
				sev = e.output.Severity
			}
			byEntity[key] = append(byEntity[key], entityFinding{
				AgentID:    e.output.AgentID,
				Title:      f.Title,
				Detail:     f.Detail,
				Severity:   sev,
				Confidence: f.Confidence,
			})
		}
	}

	var (
		mu       sync.Mutex
		briefs   = make([]persistence.Brief, 0, len(entities))
		failures int
		g        errgroup.Group
	)
	g.SetLimit(o.opts.Concurrency)
	for _, entity := range entities {
		g.Go(func() error {
			content, err := o.brief(ctx, scanID, entity, byEntity[entity])
			if err == nil {
				err = o.withSession(ctx, func(s *persistence.Session) error {
					_, err := s.InsertBrief(ctx, persistence.Brief{ScanID: scanID, EntityKey: entity, Content: content})
					return err
				})
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures++
				logger.Warn("brief skipped", "entity_key", entity, "error", err)
				return nil
			}
			briefs = append(briefs, persistence.Brief{ScanID: scanID, EntityKey: entity, Content: content})
			return nil
		})
	}
	_ = g.Wait()

	slices.SortFunc(briefs, func(a, b persistence.Brief) int { return strings.Compare(a.EntityKey, b.EntityKey) })
	p.mu.Lock()
	p.BriefsCount = len(briefs)
	p.mu.Unlock()
	return briefs, failures
}

func (o *Orchestrator) brief(ctx context.Context, scanID, entity string, fs []entityFinding) (string, error) {
	prompt, err := o.prompts.Render(prompts.Brief, map[string]any{
		"EntityKey": entity,
		"ScanID":    scanID,
		"Findings":  fs,
	})
	if err != nil {
		return "", err
	}
	var reply struct {
		Brief string `json:"brief"`
	}
	if _, err := reasoning.GenerateJSON(ctx, o.client, o.request(prompt), briefSchema, o.opts.StructuredRetries, &reply); err != nil {
		return "", err
	}
	return strings.TrimSpace(reply.Brief), nil
}

// crossEntity returns the scan summary. A failure is reported in the
// summary itself.
func (o *Orchestrator) crossEntity(ctx context.Context, logger *slog.Logger, scanID string, briefs []persistence.Brief) string {
	prompt, err := o.prompts.Render(prompts.CrossEntity, map[string]any{
		"ScanID": scanID,
		"Briefs": briefs,
	})
	var reply struct {
		Summary  string   `json:"summary"`
		Patterns []string `json:"patterns"`
	}
	if err == nil {
		_, err = reasoning.GenerateJSON(ctx, o.client, o.request(prompt), crossEntitySchema, o.opts.StructuredRetries, &reply)
	}
	if err != nil {
		logger.Warn("cross-entity synthesis failed", "error", err)
		return fmt.Sprintf("cross-entity synthesis failed: %v", err)
	}
	var b strings.Builder
	b.WriteString(strings.TrimSpace(reply.Summary))
	if len(reply.Patterns) > 0 {
		b.WriteString("\n\nPatterns:")
		for _, pat := range reply.Patterns {
			b.WriteString("\n- " + pat)
		}
	}
	return b.String()
}

func (o *Orchestrator) request(prompt string) reasoning.Request {
	return reasoning.Request{Prompt: prompt, Temperature: o.opts.Temperature}
}
