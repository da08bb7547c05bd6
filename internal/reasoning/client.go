// Package reasoning is the facade over the external reasoning service:
// provider adapters, ordered failover with circuit breakers, rate limiting,
// response caching and tolerant structured decoding.
package reasoning

import "context"

// Request is one generation call.
type Request struct {
	Prompt      string  `json:"prompt"`
	System      string  `json:"system,omitempty"`
	Temperature float64 `json:"temperature"`
}

// Usage is the token count of one call. Estimated is set when the provider
// reported nothing and the counts were derived from the text.
type Usage struct {
	InputTokens  int  `json:"input_tokens"`
	OutputTokens int  `json:"output_tokens"`
	Estimated    bool `json:"estimated,omitempty"`
}

// Response is the provider reply. IsFallback is set when a provider other
// than the primary produced it.
type Response struct {
	Text       string `json:"text"`
	Model      string `json:"model"`
	Usage      Usage  `json:"usage"`
	IsFallback bool   `json:"is_fallback"`
}

// Client is what agents, the conductor and the orchestrator call.
type Client interface {
	Generate(ctx context.Context, req Request) (Response, error)
	// GenerateStructured has the same contract but asks the provider for a
	// parseable JSON reply. Callers still decode with tolerance.
	GenerateStructured(ctx context.Context, req Request) (Response, error)
}

// Provider is one backend model.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request, structured bool) (Response, error)
}
