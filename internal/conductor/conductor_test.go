package conductor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/basket/go-inquest/internal/agent"
	"github.com/basket/go-inquest/internal/bus"
	"github.com/basket/go-inquest/internal/findings"
	"github.com/basket/go-inquest/internal/persistence"
	"github.com/basket/go-inquest/internal/prompts"
	"github.com/basket/go-inquest/internal/reasoning"
	"github.com/basket/go-inquest/internal/tools"
)

const (
	markRoute   = "A user asked:"
	markReroute = "raised these follow-up questions"
	markSynth   = "Each specialist produced"
	markReason  = "Form hypotheses"
	markPlan    = "Plan the tool calls"
	markReflect = "Decide whether the investigation goal"
)

// scriptedClient answers by prompt marker and records every prompt.
type scriptedClient struct {
	mu      sync.Mutex
	replies map[string]string
	errs    map[string]error
	// bySystem overrides replies for requests carrying that system prompt.
	bySystem map[string]string
	prompts  []string
}

func (c *scriptedClient) Generate(ctx context.Context, req reasoning.Request) (reasoning.Response, error) {
	return c.GenerateStructured(ctx, req)
}

func (c *scriptedClient) GenerateStructured(_ context.Context, req reasoning.Request) (reasoning.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompts = append(c.prompts, req.Prompt)
	if text, ok := c.bySystem[req.System]; ok && req.System != "" {
		return reasoning.Response{Text: text}, nil
	}
	for mark, err := range c.errs {
		if strings.Contains(req.Prompt, mark) {
			return reasoning.Response{}, err
		}
	}
	for mark, text := range c.replies {
		if strings.Contains(req.Prompt, mark) {
			return reasoning.Response{Text: text}, nil
		}
	}
	return reasoning.Response{Text: "no script"}, nil
}

func (c *scriptedClient) count(mark string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, p := range c.prompts {
		if strings.Contains(p, mark) {
			n++
		}
	}
	return n
}

func (c *scriptedClient) prompt(mark string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.prompts {
		if strings.Contains(p, mark) {
			return p
		}
	}
	return ""
}

// fakeRunner returns canned outputs per agent.
type fakeRunner struct {
	mu      sync.Mutex
	outputs map[string]agent.Output
	errs    map[string]error
	panics  map[string]bool
	calls   []string
}

func (r *fakeRunner) Run(_ context.Context, def agent.Definition, _ string, _ agent.StepFunc) (agent.Output, error) {
	r.mu.Lock()
	r.calls = append(r.calls, def.ID)
	r.mu.Unlock()
	if r.panics[def.ID] {
		panic("boom")
	}
	if err := r.errs[def.ID]; err != nil {
		return agent.Output{}, err
	}
	out := r.outputs[def.ID]
	out.AgentID = def.ID
	return out, nil
}

func (r *fakeRunner) ran() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type recordingPersister struct {
	mu   sync.Mutex
	runs []string
}

func (p *recordingPersister) Persist(_ context.Context, out agent.Output, src findings.Source) (findings.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runs = append(p.runs, out.AgentID+"/"+src.RunID)
	return findings.Result{Created: len(out.Findings)}, nil
}

func testRegistry(t *testing.T, ids ...string) *agent.Registry {
	t.Helper()
	defs := make([]agent.Definition, 0, len(ids))
	for _, id := range ids {
		defs = append(defs, agent.Definition{ID: id, Name: strings.ToUpper(id), Description: id + " specialist", FindingType: id, SystemPrompt: "sys-" + id})
	}
	reg, err := agent.NewRegistry(defs...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return reg
}

func testPrompts(t *testing.T) *prompts.Registry {
	t.Helper()
	p, err := prompts.New("")
	if err != nil {
		t.Fatalf("prompts: %v", err)
	}
	return p
}

func output(summary string, findings ...agent.Finding) agent.Output {
	return agent.Output{Summary: summary, Severity: "high", Confidence: 0.7, Findings: findings}
}

func openStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "inquest.db"), persistence.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func investigate(t *testing.T, c *Conductor, ctx context.Context, session, query string) Result {
	t.Helper()
	res, err := c.Investigate(ctx, session, query, nil)
	if err != nil {
		t.Fatalf("investigate: %v", err)
	}
	return res
}

func wantPrompt(t *testing.T, prompt string, parts ...string) {
	t.Helper()
	for _, part := range parts {
		if !strings.Contains(prompt, part) {
			t.Errorf("prompt lacks %q:\n%s", part, prompt)
		}
	}
}

func TestInvestigate_OneAgentFailsSkipsSynthesis(t *testing.T) {
	client := &scriptedClient{replies: map[string]string{
		markRoute: `{"agents": ["data_quality", "enrollment"], "requires_synthesis": true}`,
		markSynth: `{"executive_summary": "merged"}`,
	}}
	runner := &fakeRunner{
		outputs: map[string]agent.Output{"data_quality": output("entry lag at SITE-003")},
		errs: map[string]error{
			"enrollment": fmt.Errorf("agent enrollment reason (iteration 1): %w", reasoning.ErrMalformed),
		},
	}
	c := New(client, testRegistry(t, "data_quality", "enrollment"), runner, testPrompts(t), Options{FallbackAgent: "data_quality"})

	res := investigate(t, c, context.Background(), "", "why is SITE-003 behind?")
	if len(res.Outputs) != 1 || res.Outputs[0].AgentID != "data_quality" {
		t.Fatalf("outputs = %+v", res.Outputs)
	}
	if !strings.Contains(res.Failures["enrollment"], "malformed") {
		t.Fatalf("failures = %v", res.Failures)
	}
	if res.Synthesis != nil || client.count(markSynth) != 0 {
		t.Fatal("a single output must not be synthesized")
	}
	if res.ExecutiveSummary != "entry lag at SITE-003" {
		t.Fatalf("summary = %q", res.ExecutiveSummary)
	}
	if res.Status != StatusCompleted {
		t.Fatalf("status = %s", res.Status)
	}
}

func TestInvestigate_TwoAgentsSynthesizeOnce(t *testing.T) {
	client := &scriptedClient{replies: map[string]string{
		markRoute: `{"agents": ["data_quality", "enrollment"], "requires_synthesis": true, "rationale": "both"}`,
		markSynth: "```json\n" + `{"executive_summary": "SITE-003 lags on entry and enrollment",
			"cross_domain_findings": [{"title": "staffing gap", "agents": ["data_quality", "enrollment"], "severity": "high"}],
			"single_domain_findings": [{"agent_id": "enrollment", "title": "screen failures", "severity": "medium"}]}` + "\n```",
	}}
	runner := &fakeRunner{outputs: map[string]agent.Output{
		"data_quality": output("entry lag", agent.Finding{EntityKey: "SITE-003", Title: "entry lag 12.4 days", Confidence: 0.9}),
		"enrollment":   output("enrollment slow", agent.Finding{EntityKey: "SITE-003", Title: "screen failure rate 41%", Confidence: 0.8}),
	}}
	c := New(client, testRegistry(t, "data_quality", "enrollment"), runner, testPrompts(t), Options{})

	res := investigate(t, c, context.Background(), "", "what is wrong at SITE-003?")
	if len(res.Outputs) != 2 {
		t.Fatalf("outputs = %d, want 2", len(res.Outputs))
	}
	if ran := res.Ran(); !slices.Equal(ran, []string{"data_quality", "enrollment"}) {
		t.Fatalf("ran = %v", ran)
	}

	if n := client.count(markSynth); n != 1 {
		t.Fatalf("synthesis calls = %d, want 1", n)
	}
	wantPrompt(t, client.prompt(markSynth), "entry lag 12.4 days", "screen failure rate 41%", "## data_quality", "## enrollment")

	if res.Synthesis == nil || res.Synthesis.Failed {
		t.Fatalf("synthesis = %+v", res.Synthesis)
	}
	if res.ExecutiveSummary != "SITE-003 lags on entry and enrollment" {
		t.Fatalf("summary = %q", res.ExecutiveSummary)
	}
	cross := res.Synthesis.CrossDomainFindings
	if len(cross) != 1 || !slices.Equal(cross[0].Agents, []string{"data_quality", "enrollment"}) {
		t.Fatalf("cross-domain findings = %+v", cross)
	}
}

func TestInvestigate_TwoAgentsWithoutSynthesisFlag(t *testing.T) {
	client := &scriptedClient{replies: map[string]string{
		markRoute: `{"agents": ["data_quality", "enrollment"], "requires_synthesis": false}`,
	}}
	runner := &fakeRunner{outputs: map[string]agent.Output{
		"data_quality": output("dq summary"),
		"enrollment":   output("en summary"),
	}}
	c := New(client, testRegistry(t, "data_quality", "enrollment"), runner, testPrompts(t), Options{})

	res := investigate(t, c, context.Background(), "", "status?")
	if res.Synthesis != nil || client.count(markSynth) != 0 {
		t.Fatal("synthesis ran without being requested")
	}
	if want := "data_quality: dq summary\nenrollment: en summary"; res.ExecutiveSummary != want {
		t.Fatalf("summary = %q, want %q", res.ExecutiveSummary, want)
	}
}

func TestInvestigate_MalformedRouteUsesFallback(t *testing.T) {
	client := &scriptedClient{replies: map[string]string{markRoute: "I think enrollment would be best."}}
	runner := &fakeRunner{outputs: map[string]agent.Output{"enrollment": output("en")}}
	c := New(client, testRegistry(t, "data_quality", "enrollment"), runner, testPrompts(t),
		Options{FallbackAgent: "enrollment", StructuredRetries: 1})

	res := investigate(t, c, context.Background(), "", "anything odd?")
	if !res.Route.Fallback || res.Route.RequiresSynthesis || !slices.Equal(res.Route.Agents, []string{"enrollment"}) {
		t.Fatalf("route = %+v", res.Route)
	}
	if n := client.count(markRoute); n != 2 {
		t.Fatalf("route calls = %d, want one schema retry before falling back", n)
	}
	if ran := runner.ran(); !slices.Equal(ran, []string{"enrollment"}) {
		t.Fatalf("ran = %v", ran)
	}
}

func TestInvestigate_RouteTransportErrorUsesFallback(t *testing.T) {
	client := &scriptedClient{errs: map[string]error{markRoute: errors.New("connection refused")}}
	runner := &fakeRunner{outputs: map[string]agent.Output{"data_quality": output("dq")}}
	c := New(client, testRegistry(t, "data_quality", "enrollment"), runner, testPrompts(t), Options{FallbackAgent: "data_quality"})

	res := investigate(t, c, context.Background(), "", "q")
	if !slices.Equal(res.Route.Agents, []string{"data_quality"}) {
		t.Fatalf("agents = %v", res.Route.Agents)
	}
	if !strings.Contains(res.Route.Rationale, "connection refused") {
		t.Fatalf("rationale = %q", res.Route.Rationale)
	}
}

func TestInvestigate_UnknownRoutedAgentsIgnored(t *testing.T) {
	client := &scriptedClient{replies: map[string]string{
		markRoute: `{"agents": ["ghost", "enrollment", "enrollment"], "requires_synthesis": true}`,
	}}
	runner := &fakeRunner{outputs: map[string]agent.Output{"enrollment": output("en")}}
	c := New(client, testRegistry(t, "data_quality", "enrollment"), runner, testPrompts(t), Options{})

	res := investigate(t, c, context.Background(), "", "q")
	if !slices.Equal(res.Route.Agents, []string{"enrollment"}) {
		t.Fatalf("agents = %v", res.Route.Agents)
	}
	if res.Route.RequiresSynthesis {
		t.Fatal("a single routed agent cannot require synthesis")
	}
}

func TestInvestigate_RerouteCapsAndSkipsRanAgents(t *testing.T) {
	client := &scriptedClient{replies: map[string]string{
		markRoute:   `{"agents": ["data_quality"], "requires_synthesis": false}`,
		markReroute: `{"agents": ["data_quality", "enrollment", "site_performance", "safety"], "rationale": "follow ups"}`,
		markSynth:   `{"executive_summary": "merged after reroute"}`,
	}}
	dq := output("dq")
	dq.FollowUpQuestions = []string{"Is enrollment also slow at SITE-003?"}
	runner := &fakeRunner{outputs: map[string]agent.Output{
		"data_quality":     dq,
		"enrollment":       output("en"),
		"site_performance": output("sp"),
		"safety":           output("sa"),
	}}
	reg := testRegistry(t, "data_quality", "enrollment", "site_performance", "safety")
	c := New(client, reg, runner, testPrompts(t), Options{MaxRerouteAgents: 2})

	res := investigate(t, c, context.Background(), "", "q")
	if !slices.Equal(res.Rerouted, []string{"enrollment", "site_performance"}) {
		t.Fatalf("rerouted = %v", res.Rerouted)
	}
	ran := runner.ran()
	slices.Sort(ran)
	if !slices.Equal(ran, []string{"data_quality", "enrollment", "site_performance"}) {
		t.Fatalf("ran = %v", ran)
	}
	if len(res.Outputs) != 3 {
		t.Fatalf("outputs = %d, want 3", len(res.Outputs))
	}

	reroutePrompt := client.prompt(markReroute)
	wantPrompt(t, reroutePrompt, "Is enrollment also slow at SITE-003?")
	if strings.Contains(reroutePrompt, "- data_quality") {
		t.Fatal("agents that ran are not reroute candidates")
	}

	if res.Synthesis == nil {
		t.Fatal("added outputs force synthesis")
	}
	if n := client.count(markSynth); n != 1 {
		t.Fatalf("synthesis calls = %d, want 1", n)
	}
	if res.ExecutiveSummary != "merged after reroute" {
		t.Fatalf("summary = %q", res.ExecutiveSummary)
	}
}

func TestInvestigate_NoFollowUpsNoReroute(t *testing.T) {
	client := &scriptedClient{replies: map[string]string{
		markRoute: `{"agents": ["data_quality"]}`,
	}}
	runner := &fakeRunner{outputs: map[string]agent.Output{"data_quality": output("dq")}}
	c := New(client, testRegistry(t, "data_quality", "enrollment"), runner, testPrompts(t), Options{})

	res := investigate(t, c, context.Background(), "", "q")
	if len(res.Rerouted) != 0 || client.count(markReroute) != 0 {
		t.Fatalf("rerouted = %v without follow-up questions", res.Rerouted)
	}
}

func TestInvestigate_MalformedRerouteAddsNothing(t *testing.T) {
	client := &scriptedClient{replies: map[string]string{
		markRoute:   `{"agents": ["data_quality"]}`,
		markReroute: `nope`,
	}}
	dq := output("dq")
	dq.FollowUpQuestions = []string{"more?"}
	runner := &fakeRunner{outputs: map[string]agent.Output{"data_quality": dq}}
	c := New(client, testRegistry(t, "data_quality", "enrollment"), runner, testPrompts(t), Options{})

	res := investigate(t, c, context.Background(), "", "q")
	if len(res.Rerouted) != 0 {
		t.Fatalf("rerouted = %v", res.Rerouted)
	}
	if ran := runner.ran(); !slices.Equal(ran, []string{"data_quality"}) {
		t.Fatalf("ran = %v", ran)
	}
	if res.ExecutiveSummary != "dq" {
		t.Fatalf("summary = %q", res.ExecutiveSummary)
	}
}

func TestInvestigate_SynthesisFailureIsAValue(t *testing.T) {
	client := &scriptedClient{replies: map[string]string{
		markRoute: `{"agents": ["data_quality", "enrollment"], "requires_synthesis": true}`,
		markSynth: `the agents agree`,
	}}
	runner := &fakeRunner{outputs: map[string]agent.Output{
		"data_quality": output("dq"),
		"enrollment":   output("en"),
	}}
	c := New(client, testRegistry(t, "data_quality", "enrollment"), runner, testPrompts(t), Options{})

	res := investigate(t, c, context.Background(), "", "q")
	if res.Synthesis == nil || !res.Synthesis.Failed || res.Synthesis.Error == "" {
		t.Fatalf("synthesis = %+v", res.Synthesis)
	}
	if !strings.HasPrefix(res.ExecutiveSummary, "synthesis failed: ") {
		t.Fatalf("summary = %q", res.ExecutiveSummary)
	}
	if res.Status != StatusCompleted {
		t.Fatalf("status = %s", res.Status)
	}
}

func TestInvestigate_PanicIsolated(t *testing.T) {
	client := &scriptedClient{replies: map[string]string{
		markRoute: `{"agents": ["data_quality", "enrollment"], "requires_synthesis": true}`,
	}}
	runner := &fakeRunner{
		outputs: map[string]agent.Output{"data_quality": output("dq")},
		panics:  map[string]bool{"enrollment": true},
	}
	c := New(client, testRegistry(t, "data_quality", "enrollment"), runner, testPrompts(t), Options{})

	res := investigate(t, c, context.Background(), "", "q")
	if len(res.Outputs) != 1 {
		t.Fatalf("outputs = %d, want 1", len(res.Outputs))
	}
	if !strings.Contains(res.Failures["enrollment"], "panicked") {
		t.Fatalf("failures = %v", res.Failures)
	}
}

func TestInvestigate_PersistsEachOutputWithOwnRun(t *testing.T) {
	client := &scriptedClient{replies: map[string]string{
		markRoute: `{"agents": ["data_quality", "enrollment"]}`,
	}}
	runner := &fakeRunner{outputs: map[string]agent.Output{
		"data_quality": output("dq"),
		"enrollment":   output("en"),
	}}
	p := &recordingPersister{}
	c := New(client, testRegistry(t, "data_quality", "enrollment"), runner, testPrompts(t), Options{Persister: p})

	investigate(t, c, context.Background(), "", "q")
	if len(p.runs) != 2 {
		t.Fatalf("persisted runs = %v", p.runs)
	}
	_, run0, _ := strings.Cut(p.runs[0], "/")
	_, run1, _ := strings.Cut(p.runs[1], "/")
	if run0 == run1 {
		t.Fatalf("outputs share run id %q", run0)
	}
}

func TestInvestigate_CancelledCallerStillFinishesAgents(t *testing.T) {
	client := &scriptedClient{replies: map[string]string{markRoute: `{"agents": ["data_quality"]}`}}
	runner := &fakeRunner{outputs: map[string]agent.Output{"data_quality": output("dq")}}
	c := New(client, testRegistry(t, "data_quality"), runner, testPrompts(t), Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if res := investigate(t, c, ctx, "", "q"); len(res.Outputs) != 1 {
		t.Fatalf("outputs = %d, want 1", len(res.Outputs))
	}
}

func TestInvestigate_RecordsAndPriorSession(t *testing.T) {
	store := openStore(t)
	client := &scriptedClient{replies: map[string]string{markRoute: `{"agents": ["data_quality"]}`}}
	runner := &fakeRunner{outputs: map[string]agent.Output{"data_quality": output("lag is 12 days")}}
	c := New(client, testRegistry(t, "data_quality"), runner, testPrompts(t), Options{Records: store})
	ctx := context.Background()

	first := investigate(t, c, ctx, "sess-1", "how far behind is SITE-003?")
	inv, err := store.GetInvestigation(ctx, first.InvestigationID)
	if err != nil {
		t.Fatalf("get investigation: %v", err)
	}
	if inv.Status != StatusCompleted || !slices.Equal(inv.Agents, []string{"data_quality"}) {
		t.Fatalf("record = %+v", inv)
	}
	if inv.ExecutiveSummary != "lag is 12 days" {
		t.Fatalf("summary = %q", inv.ExecutiveSummary)
	}

	investigate(t, c, ctx, "sess-1", "and compared to last month?")
	client.mu.Lock()
	second := client.prompts[len(client.prompts)-1]
	client.mu.Unlock()
	wantPrompt(t, second, "Earlier investigations in this session", "how far behind is SITE-003?", "lag is 12 days")
}

func TestInvestigate_AllAgentsFailMarksFailed(t *testing.T) {
	store := openStore(t)
	client := &scriptedClient{replies: map[string]string{markRoute: `{"agents": ["data_quality"]}`}}
	runner := &fakeRunner{errs: map[string]error{"data_quality": errors.New(strings.Repeat("x", 300))}}
	c := New(client, testRegistry(t, "data_quality"), runner, testPrompts(t), Options{Records: store, ErrorDetailLimit: 64})

	res := investigate(t, c, context.Background(), "", "q")
	if res.Status != StatusFailed {
		t.Fatalf("status = %s", res.Status)
	}
	if len(res.Error) > 64+len("…") {
		t.Fatalf("error not truncated: %d bytes", len(res.Error))
	}
	if !strings.HasPrefix(res.Error, "all agents failed: data_quality") {
		t.Fatalf("error = %q", res.Error)
	}

	inv, err := store.GetInvestigation(context.Background(), res.InvestigationID)
	if err != nil {
		t.Fatalf("get investigation: %v", err)
	}
	if inv.Status != StatusFailed || inv.ErrorDetail != res.Error {
		t.Fatalf("record = %+v", inv)
	}
}

func TestInvestigate_PublishesEvents(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("conductor.")
	defer b.Unsubscribe(sub)

	client := &scriptedClient{replies: map[string]string{markRoute: `{"agents": ["data_quality"], "rationale": "lag"}`}}
	runner := &fakeRunner{outputs: map[string]agent.Output{"data_quality": output("dq")}}
	c := New(client, testRegistry(t, "data_quality"), runner, testPrompts(t), Options{Bus: b})

	investigate(t, c, context.Background(), "", "q")

	routed := <-sub.Ch()
	if ev, ok := routed.Payload.(bus.RouteEvent); routed.Topic != bus.TopicInvestigationRouted || !ok || ev.Rationale != "lag" {
		t.Fatalf("routed event = %+v", routed)
	}
	done := <-sub.Ch()
	if ev, ok := done.Payload.(bus.InvestigationEvent); done.Topic != bus.TopicInvestigationCompleted || !ok || ev.Status != StatusCompleted {
		t.Fatalf("completed event = %+v", done)
	}
}

func TestInvestigate_RejectsEmptyQuery(t *testing.T) {
	c := New(&scriptedClient{}, testRegistry(t, "data_quality"), &fakeRunner{}, testPrompts(t), Options{})
	if _, err := c.Investigate(context.Background(), "", "   ", nil); err == nil {
		t.Fatal("expected error for a blank query")
	}
}

// With the real loop: one agent's Reason reply is never JSON, so that run
// aborts and the investigation completes with the other agent alone.
func TestInvestigate_RealLoopReasonFailureIsolated(t *testing.T) {
	client := &scriptedClient{
		replies: map[string]string{
			markRoute:   `{"agents": ["data_quality", "enrollment"], "requires_synthesis": true}`,
			markReason:  `{"hypotheses": [{"statement": "SITE-003 lag 12.4 days", "confidence": 0.8}]}`,
			markPlan:    `{"steps": []}`,
			markReflect: `{"goal_satisfied": true, "findings": [{"entity_key": "SITE-003", "title": "lag", "severity": "critical", "confidence": 0.9}], "overall_severity": "critical", "gaps": []}`,
			markSynth:   `{"executive_summary": "should not run"}`,
		},
		bySystem: map[string]string{"sys-enrollment": "I cannot answer in JSON."},
	}
	reg := testRegistry(t, "data_quality", "enrollment")
	p := testPrompts(t)
	runner := agent.NewRunner(client, tools.NewRegistry(tools.Options{}), p, agent.Options{StructuredRetries: 1})
	c := New(client, reg, runner, p, Options{})

	res := investigate(t, c, context.Background(), "", "why is SITE-003 behind?")
	if len(res.Outputs) != 1 || res.Outputs[0].Severity != "critical" {
		t.Fatalf("outputs = %+v", res.Outputs)
	}
	if f := res.Failures["enrollment"]; !strings.Contains(f, "reason") || !strings.Contains(f, "malformed") {
		t.Fatalf("enrollment failure = %q", f)
	}
	if res.Synthesis != nil || client.count(markSynth) != 0 {
		t.Fatal("synthesis must not run with one output")
	}
}
