package reasoning

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

const structuredSuffix = "Respond with a single JSON object only. Do not add prose before or after it."

// GenkitConfig selects one backend model.
type GenkitConfig struct {
	// Provider is one of "google", "anthropic", "openai", "openai_compatible", "openrouter".
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
	Timeout  time.Duration
}

// GenkitProvider adapts a Genkit model to the Provider interface.
type GenkitProvider struct {
	name      string
	modelName string
	timeout   time.Duration
	g         *genkit.Genkit
}

// NewGenkitProvider initializes Genkit with the plugin for cfg.Provider.
func NewGenkitProvider(ctx context.Context, cfg GenkitConfig) (*GenkitProvider, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" || provider == "gemini" {
		provider = "google"
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(provider)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%s: api key missing: %w", provider, ErrNoProvider)
	}

	var g *genkit.Genkit
	switch provider {
	case "anthropic":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = os.Getenv("ANTHROPIC_BASE_URL")
		}
		g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{APIKey: apiKey, BaseURL: baseURL}))
	case "openai":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = os.Getenv("OPENAI_BASE_URL")
		}
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{Provider: "openai", APIKey: apiKey, BaseURL: baseURL}))
	case "openai_compatible":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{Provider: "openai_compatible", APIKey: apiKey, BaseURL: cfg.BaseURL}))
	case "openrouter":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{Provider: "openrouter", APIKey: apiKey, BaseURL: "https://openrouter.ai/api/v1"}))
	case "google":
		_ = os.Setenv("GEMINI_API_KEY", apiKey)
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	default:
		return nil, fmt.Errorf("unknown provider %q: %w", provider, ErrNoProvider)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	p := &GenkitProvider{
		name:      provider,
		modelName: modelNameForProvider(provider, cfg.Model),
		timeout:   timeout,
		g:         g,
	}
	slog.Info("reasoning provider initialized", "provider", provider, "model", p.modelName)
	return p, nil
}

func (p *GenkitProvider) Name() string { return p.name }

func (p *GenkitProvider) Generate(ctx context.Context, req Request, structured bool) (Response, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return Response{}, fmt.Errorf("empty prompt")
	}
	system := strings.TrimSpace(req.System)
	if structured {
		system = strings.TrimSpace(system + "\n\n" + structuredSuffix)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	// Escape % characters to prevent fmt.Sprintf corruption in the option builders.
	opts := []ai.GenerateOption{
		ai.WithModelName(p.modelName),
		ai.WithPrompt(strings.ReplaceAll(prompt, "%", "%%")),
		ai.WithConfig(&ai.GenerationCommonConfig{Temperature: req.Temperature}),
	}
	if system != "" {
		opts = append(opts, ai.WithSystem(strings.ReplaceAll(system, "%", "%%")))
	}

	resp, err := genkit.Generate(ctx, p.g, opts...)
	if err != nil {
		return Response{}, fmt.Errorf("genkit generate (%s): %w", p.name, err)
	}
	out := Response{Text: resp.Text(), Model: p.modelName}
	if resp.Usage != nil {
		out.Usage = Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens}
	}
	return out, nil
}

var defaultModels = map[string]string{
	"google":            "gemini-2.5-flash",
	"anthropic":         "claude-sonnet-4-5-20250929",
	"openai":            "gpt-4o-mini",
	"openai_compatible": "gpt-4o-mini",
	"openrouter":        "anthropic/claude-sonnet-4-5-20250929",
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "openrouter":
		return os.Getenv("OPENROUTER_API_KEY")
	case "google":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	}
	return ""
}

func modelNameForProvider(provider, model string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultModels[provider]
	}
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible", "openrouter":
		return model
	default:
		return "googleai/" + model
	}
}
