package conductor

import (
	"context"
	"log/slog"

	"github.com/basket/go-inquest/internal/agent"
	"github.com/basket/go-inquest/internal/prompts"
	"github.com/basket/go-inquest/internal/reasoning"
)

type CrossDomainFinding struct {
	Title    string   `json:"title"`
	Agents   []string `json:"agents"`
	Detail   string   `json:"detail,omitempty"`
	Severity string   `json:"severity,omitempty"`
}

type SingleDomainFinding struct {
	AgentID  string `json:"agent_id"`
	Title    string `json:"title"`
	Severity string `json:"severity,omitempty"`
}

// Synthesis is the merged answer of several agents. A failed synthesis is
// still a value: Failed is set and ExecutiveSummary says why.
type Synthesis struct {
	ExecutiveSummary     string                `json:"executive_summary"`
	CrossDomainFindings  []CrossDomainFinding  `json:"cross_domain_findings"`
	SingleDomainFindings []SingleDomainFinding `json:"single_domain_findings"`
	Failed               bool                  `json:"failed,omitempty"`
	Error                string                `json:"error,omitempty"`
}

var synthesisSchema = reasoning.MustSchema("synthesis", `{
	"type": "object",
	"required": ["executive_summary"],
	"properties": {
		"executive_summary": {"type": "string", "minLength": 1},
		"cross_domain_findings": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["title"],
				"properties": {
					"title": {"type": "string"},
					"agents": {"type": "array", "items": {"type": "string"}},
					"detail": {"type": "string"},
					"severity": {"type": "string"}
				}
			}
		},
		"single_domain_findings": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["title"],
				"properties": {
					"agent_id": {"type": "string"},
					"title": {"type": "string"},
					"severity": {"type": "string"}
				}
			}
		}
	}
}`)

func (c *Conductor) synthesize(ctx context.Context, logger *slog.Logger, query string, outs []agent.Output) Synthesis {
	prompt, err := c.prompts.Render(prompts.Synthesize, map[string]any{
		"Query":   query,
		"Outputs": outs,
	})
	if err != nil {
		return failedSynthesis(logger, err)
	}
	var syn Synthesis
	if _, err := reasoning.GenerateJSON(ctx, c.client, c.request(prompt), synthesisSchema, c.opts.StructuredRetries, &syn); err != nil {
		return failedSynthesis(logger, err)
	}
	syn.Failed, syn.Error = false, ""
	return syn
}

func failedSynthesis(logger *slog.Logger, err error) Synthesis {
	logger.Warn("synthesis failed", "error", err)
	return Synthesis{
		ExecutiveSummary: "synthesis failed: " + err.Error(),
		Failed:           true,
		Error:            err.Error(),
	}
}
