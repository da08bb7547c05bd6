package agent

import (
	"time"

	"github.com/basket/go-inquest/internal/tools"
)

// Phase is one step of the loop. The order is fixed.
type Phase int

const (
	PhasePerceive Phase = iota + 1
	PhaseReason
	PhasePlan
	PhaseAct
	PhaseReflect
)

// Phases lists every phase in execution order.
var Phases = []Phase{PhasePerceive, PhaseReason, PhasePlan, PhaseAct, PhaseReflect}

func (p Phase) String() string {
	switch p {
	case PhasePerceive:
		return "perceive"
	case PhaseReason:
		return "reason"
	case PhasePlan:
		return "plan"
	case PhaseAct:
		return "act"
	case PhaseReflect:
		return "reflect"
	}
	return "unknown"
}

type Hypothesis struct {
	Statement  string   `json:"statement"`
	Evidence   []string `json:"evidence,omitempty"`
	Confidence float64  `json:"confidence"`
}

// PlanStep names a tool and its arguments.
type PlanStep struct {
	Tool      string         `json:"tool"`
	Args      map[string]any `json:"args,omitempty"`
	Rationale string         `json:"rationale,omitempty"`
}

// ActionResult is one executed plan step.
type ActionResult struct {
	Iteration int          `json:"iteration"`
	Step      PlanStep     `json:"step"`
	Result    tools.Result `json:"result"`
}

// Finding is one piece of evidence reported by Reflect.
type Finding struct {
	EntityKey  string  `json:"entity_key,omitempty"`
	Title      string  `json:"title"`
	Detail     string  `json:"detail,omitempty"`
	Severity   string  `json:"severity,omitempty"`
	Confidence float64 `json:"confidence"`
}

type Reflection struct {
	GoalSatisfied     bool      `json:"goal_satisfied"`
	Findings          []Finding `json:"findings"`
	OverallSeverity   string    `json:"overall_severity"`
	Summary           string    `json:"summary,omitempty"`
	Gaps              []string  `json:"gaps"`
	FollowUpQuestions []string  `json:"follow_up_questions,omitempty"`
}

// TraceEntry records what happened in one phase of one iteration.
type TraceEntry struct {
	Iteration int       `json:"iteration"`
	Phase     string    `json:"phase"`
	Note      string    `json:"note,omitempty"`
	Duration  string    `json:"duration,omitempty"`
	At        time.Time `json:"at"`
}

// Context is the mutable state of one loop run. Only its run touches it.
type Context struct {
	Query         string
	Iteration     int
	MaxIterations int
	Perception    map[string]tools.Result
	Hypotheses    []Hypothesis
	Plan          []PlanStep
	ActionResults []ActionResult
	Reflection    *Reflection
	GoalSatisfied bool
	Trace         []TraceEntry
}

func (c *Context) trace(phase Phase, note string, d time.Duration) {
	e := TraceEntry{Iteration: c.Iteration, Phase: phase.String(), Note: note, At: time.Now().UTC()}
	if d > 0 {
		e.Duration = d.Round(time.Millisecond).String()
	}
	c.Trace = append(c.Trace, e)
}

// Output is the immutable result of a completed run.
type Output struct {
	AgentID           string                  `json:"agent_id"`
	AgentName         string                  `json:"agent_name,omitempty"`
	FindingType       string                  `json:"finding_type"`
	Severity          string                  `json:"severity"`
	Summary           string                  `json:"summary"`
	Detail            string                  `json:"detail"`
	DataSignals       map[string]tools.Result `json:"data_signals"`
	Trace             []TraceEntry            `json:"trace"`
	Confidence        float64                 `json:"confidence"`
	Findings          []Finding               `json:"findings"`
	Complete          bool                    `json:"complete"`
	Gaps              []string                `json:"gaps"`
	FollowUpQuestions []string                `json:"follow_up_questions,omitempty"`
	Iterations        int                     `json:"iterations"`
}
