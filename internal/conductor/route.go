package conductor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/go-inquest/internal/prompts"
	"github.com/basket/go-inquest/internal/reasoning"
)

// Route is the routing decision for a query.
type Route struct {
	Agents            []string `json:"agents"`
	RequiresSynthesis bool     `json:"requires_synthesis"`
	Rationale         string   `json:"rationale,omitempty"`
	// Fallback is set when the reply could not be used and the fallback
	// agent was chosen instead.
	Fallback bool `json:"fallback,omitempty"`
}

var routeSchema = reasoning.MustSchema("route", `{
	"type": "object",
	"required": ["agents"],
	"properties": {
		"agents": {"type": "array", "items": {"type": "string"}},
		"requires_synthesis": {"type": "boolean"},
		"rationale": {"type": "string"}
	}
}`)

var rerouteSchema = reasoning.MustSchema("reroute", `{
	"type": "object",
	"required": ["agents"],
	"properties": {
		"agents": {"type": "array", "items": {"type": "string"}},
		"rationale": {"type": "string"}
	}
}`)

// route asks the reasoning service which agents should answer. Any failure,
// or a reply naming no known agent, routes to the fallback agent alone.
func (c *Conductor) route(ctx context.Context, logger *slog.Logger, sessionID, investigationID, query string) Route {
	prompt, err := c.prompts.Render(prompts.Route, map[string]any{
		"Query":  query,
		"Prior":  c.priorText(ctx, logger, sessionID, investigationID),
		"Agents": c.agents.Describe(nil),
	})
	if err != nil {
		logger.Warn("route prompt failed, using fallback agent", "error", err)
		return c.fallbackRoute(err)
	}
	var reply Route
	if _, err := reasoning.GenerateJSON(ctx, c.client, c.request(prompt), routeSchema, c.opts.StructuredRetries, &reply); err != nil {
		logger.Warn("routing failed, using fallback agent", "error", err)
		return c.fallbackRoute(err)
	}
	reply.Agents = c.known(reply.Agents, nil, 0)
	if len(reply.Agents) == 0 {
		logger.Warn("routing named no known agent, using fallback agent")
		return c.fallbackRoute(fmt.Errorf("no known agent in reply"))
	}
	if len(reply.Agents) < 2 {
		reply.RequiresSynthesis = false
	}
	logger.Info("investigation routed", "agents", reply.Agents, "synthesis", reply.RequiresSynthesis)
	return reply
}

func (c *Conductor) fallbackRoute(cause error) Route {
	id := c.opts.FallbackAgent
	if _, ok := c.agents.Get(id); !ok {
		id = c.agents.List()[0].ID
	}
	return Route{Agents: []string{id}, Rationale: "fallback: " + cause.Error(), Fallback: true}
}

// reroute asks whether agents that have not run should answer the
// follow-up questions raised so far. It returns at most MaxRerouteAgents
// new agent ids; any failure adds nothing.
func (c *Conductor) reroute(ctx context.Context, logger *slog.Logger, query string, res *Result) []string {
	var followUps []string
	for _, o := range res.Outputs {
		followUps = append(followUps, o.FollowUpQuestions...)
	}
	if len(followUps) == 0 {
		return nil
	}
	ran := make(map[string]bool)
	for _, id := range res.Route.Agents {
		ran[id] = true
	}
	for id := range res.Failures {
		ran[id] = true
	}
	candidates := c.agents.Describe(ran)
	if candidates == "" {
		return nil
	}
	prompt, err := c.prompts.Render(prompts.Reroute, map[string]any{
		"Query":      query,
		"FollowUps":  followUps,
		"Candidates": candidates,
		"MaxAgents":  c.opts.MaxRerouteAgents,
	})
	if err != nil {
		logger.Warn("reroute prompt failed", "error", err)
		return nil
	}
	var reply struct {
		Agents    []string `json:"agents"`
		Rationale string   `json:"rationale"`
	}
	if _, err := reasoning.GenerateJSON(ctx, c.client, c.request(prompt), rerouteSchema, c.opts.StructuredRetries, &reply); err != nil {
		logger.Warn("reroute failed, adding no agents", "error", err)
		return nil
	}
	added := c.known(reply.Agents, ran, c.opts.MaxRerouteAgents)
	if len(added) > 0 {
		logger.Info("investigation rerouted", "added", added, "follow_ups", len(followUps), "rationale", reply.Rationale)
	}
	return added
}

// known filters ids to registered agents not in skip, without repeats,
// keeping at most limit (0 means no limit).
func (c *Conductor) known(ids []string, skip map[string]bool, limit int) []string {
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] || skip[id] {
			continue
		}
		if _, ok := c.agents.Get(id); !ok {
			continue
		}
		seen[id] = true
		out = append(out, id)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// priorText summarizes earlier completed investigations of the session,
// oldest first.
func (c *Conductor) priorText(ctx context.Context, logger *slog.Logger, sessionID, excludeID string) string {
	if c.opts.Records == nil || sessionID == "" {
		return ""
	}
	prior, err := c.opts.Records.RecentInvestigations(ctx, sessionID, excludeID, c.opts.PriorInvestigations)
	if err != nil {
		logger.Warn("load prior investigations failed", "error", err)
		return ""
	}
	var b strings.Builder
	for i := len(prior) - 1; i >= 0; i-- {
		fmt.Fprintf(&b, "- Q: %s\n  A: %s\n", prior[i].Query, prior[i].ExecutiveSummary)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (c *Conductor) request(prompt string) reasoning.Request {
	return reasoning.Request{Prompt: prompt, Temperature: c.opts.Temperature}
}
