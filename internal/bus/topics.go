package bus

import "time"

// Agent loop topics.
const (
	TopicAgentStep      = "agent.step"
	TopicAgentCompleted = "agent.completed"
	TopicAgentFailed    = "agent.failed"
)

// Conductor topics.
const (
	TopicInvestigationRouted    = "conductor.routed"
	TopicInvestigationRerouted  = "conductor.rerouted"
	TopicInvestigationCompleted = "conductor.completed"
)

// Scan topics.
const (
	TopicScanStatus    = "scan.status"
	TopicScanExecution = "scan.execution"
)

// StepEvent is published before and after every loop phase.
type StepEvent struct {
	AgentID   string
	RunID     string
	Phase     string
	Stage     string // "start" or "end"
	Iteration int
	Payload   map[string]any
	At        time.Time
}

// AgentEvent is published when an agent loop finishes, successfully or not.
type AgentEvent struct {
	AgentID    string
	RunID      string
	Severity   string
	Findings   int
	Iterations int
	Error      string
}

// RouteEvent describes the agents selected for an investigation.
type RouteEvent struct {
	InvestigationID string
	Agents          []string
	Synthesis       bool
	Rationale       string
}

// InvestigationEvent is published when a conductor run finishes.
type InvestigationEvent struct {
	InvestigationID string
	Status          string
	Agents          []string
	Outputs         int
	Synthesized     bool
	Error           string
}

// ScanStatusEvent is published on every scan lifecycle transition.
type ScanStatusEvent struct {
	ScanID string
	Status string
	Detail string
}

// ScanExecutionEvent is published when one (agent, directive) pair finishes.
type ScanExecutionEvent struct {
	ScanID      string
	AgentID     string
	DirectiveID string
	Findings    int
	Error       string
}
