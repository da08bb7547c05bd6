package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProviderConfig holds per-provider credentials and endpoints.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	// Model overrides the default model for this provider when it is used
	// as a fallback.
	Model string `yaml:"model"`
}

// LLMConfig configures the reasoning client.
type LLMConfig struct {
	// Provider names the primary provider: "google", "anthropic", "openai", "openai_compatible".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`

	// FallbackProviders are tried in order when the primary fails or its
	// circuit breaker is open.
	FallbackProviders []string `yaml:"fallback_providers"`

	// Temperature is the default sampling temperature. Zero keeps repeated
	// runs reproducible, which the finding occurrence index relies on.
	Temperature float64 `yaml:"temperature"`

	FailoverThreshold       int `yaml:"failover_threshold"`
	FailoverCooldownSeconds int `yaml:"failover_cooldown_seconds"`

	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`

	// StructuredRetries bounds re-asks after a schema validation failure.
	StructuredRetries int `yaml:"structured_retries"`

	TimeoutSeconds int `yaml:"timeout_seconds"`
}

type CacheConfig struct {
	// Capacity is the L1 entry bound for the tool namespace.
	Capacity int `yaml:"capacity"`
	// ReasoningCapacity is the L1 entry bound for the reasoning namespace.
	ReasoningCapacity int `yaml:"reasoning_capacity"`
}

type LoopConfig struct {
	MaxIterations int `yaml:"max_iterations"`
}

type ConductorConfig struct {
	FallbackAgent    string `yaml:"fallback_agent"`
	MaxRerouteAgents int    `yaml:"max_reroute_agents"`
	// PriorInvestigations bounds how many earlier investigations of the same
	// session are summarized into the routing prompt.
	PriorInvestigations int `yaml:"prior_investigations"`
}

type ScanConfig struct {
	Concurrency      int      `yaml:"concurrency"`
	Schedule         string   `yaml:"schedule"`
	DirectivesFile   string   `yaml:"directives_file"`
	AlertSeverities  []string `yaml:"alert_severities"`
	ClearToolCache   bool     `yaml:"clear_tool_cache"`
	ErrorDetailLimit int      `yaml:"error_detail_limit"`
}

type StoreConfig struct {
	PoolSize int `yaml:"pool_size"`
}

type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"`
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled *bool   `yaml:"metrics_enabled,omitempty"`
}

// ToolParam declares one named argument of a SQL tool.
type ToolParam struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"` // string, int, float, bool
	Description string `yaml:"description"`
	Required    bool   `yaml:"required"`
	Default     any    `yaml:"default"`
}

// ToolConfig defines a read-only dataset query exposed to agents.
type ToolConfig struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	Query       string      `yaml:"query"`
	Params      []ToolParam `yaml:"params"`
	MaxRows     int         `yaml:"max_rows"`
}

// PerceptionCall is one entry of an agent's fixed perceive battery.
type PerceptionCall struct {
	Key  string         `yaml:"key"`
	Tool string         `yaml:"tool"`
	Args map[string]any `yaml:"args"`
}

// AgentConfig defines an investigation agent.
type AgentConfig struct {
	ID            string           `yaml:"id"`
	Name          string           `yaml:"name"`
	Description   string           `yaml:"description"`
	FindingType   string           `yaml:"finding_type"`
	SystemPrompt  string           `yaml:"system_prompt"`
	MaxIterations int              `yaml:"max_iterations"`
	Perception    []PerceptionCall `yaml:"perception"`
	// Templates overrides prompt template names per phase, e.g. reason: reason_enrollment.
	Templates map[string]string `yaml:"templates"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel    string `yaml:"log_level"`
	DBPath      string `yaml:"db_path"`
	DatasetPath string `yaml:"dataset_path"`
	PromptsDir  string `yaml:"prompts_dir"`

	LLM       LLMConfig                 `yaml:"llm"`
	Providers map[string]ProviderConfig `yaml:"providers"`

	Cache     CacheConfig     `yaml:"cache"`
	Loop      LoopConfig      `yaml:"loop"`
	Conductor ConductorConfig `yaml:"conductor"`
	Scan      ScanConfig      `yaml:"scan"`
	Store     StoreConfig     `yaml:"store"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	Agents []AgentConfig `yaml:"agents"`
	Tools  []ToolConfig  `yaml:"tools"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// DirectivesPath resolves the directive catalog path, relative paths being
// taken from the home directory.
func (c Config) DirectivesPath() string {
	p := c.Scan.DirectivesFile
	if p == "" {
		p = "directives.yaml"
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.HomeDir, p)
}

// Agent returns the agent definition with the given id.
func (c Config) Agent(id string) (AgentConfig, bool) {
	for _, a := range c.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return AgentConfig{}, false
}

// ProviderAPIKey returns the API key for the given provider, checking env
// overrides first.
func (c Config) ProviderAPIKey(provider string) string {
	envMap := map[string]string{
		"google":     "GEMINI_API_KEY",
		"anthropic":  "ANTHROPIC_API_KEY",
		"openai":     "OPENAI_API_KEY",
		"openrouter": "OPENROUTER_API_KEY",
	}
	if envVar, ok := envMap[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if p, ok := c.Providers[provider]; ok {
		return p.APIKey
	}
	return ""
}

// ProviderEnvVar names the environment variable that carries a provider key.
func ProviderEnvVar(provider string) string {
	switch provider {
	case "google":
		return "GEMINI_API_KEY"
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	case "openrouter":
		return "OPENROUTER_API_KEY"
	}
	return ""
}

// Fingerprint returns a stable hash of the settings that change run results.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "provider=%s|model=%s|temp=%g|iters=%d|fallback=%s|conc=%d|agents=%d|tools=%d",
		c.LLM.Provider, c.LLM.Model, c.LLM.Temperature, c.Loop.MaxIterations,
		c.Conductor.FallbackAgent, c.Scan.Concurrency, len(c.Agents), len(c.Tools))
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		LLM: LLMConfig{
			Provider:                "google",
			FailoverThreshold:       5,
			FailoverCooldownSeconds: 300,
			RateLimitRPS:            2,
			RateLimitBurst:          4,
			StructuredRetries:       1,
			TimeoutSeconds:          120,
		},
		Cache:     CacheConfig{Capacity: 512, ReasoningCapacity: 256},
		Loop:      LoopConfig{MaxIterations: 3},
		Conductor: ConductorConfig{MaxRerouteAgents: 2, PriorInvestigations: 3},
		Scan: ScanConfig{
			Concurrency:      4,
			DirectivesFile:   "directives.yaml",
			AlertSeverities:  []string{"critical", "high"},
			ErrorDetailLimit: 500,
		},
		Store: StoreConfig{PoolSize: 4},
	}
}

// HomeDir returns $INQUEST_HOME, or ~/.inquest.
func HomeDir() string {
	if override := os.Getenv("INQUEST_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".inquest")
}

// Load reads config.yaml from HomeDir.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml from homeDir, applies env overrides and fills
// defaults. A missing file is not an error; NeedsGenesis is set instead.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create inquest home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
		cfg.NeedsGenesis = true
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "inquest.db")
	}
	if cfg.DatasetPath == "" {
		cfg.DatasetPath = filepath.Join(cfg.HomeDir, "dataset.db")
	}
	if cfg.PromptsDir != "" && !filepath.IsAbs(cfg.PromptsDir) {
		cfg.PromptsDir = filepath.Join(cfg.HomeDir, cfg.PromptsDir)
	}
	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	if cfg.LLM.Provider == "" || cfg.LLM.Provider == "gemini" {
		cfg.LLM.Provider = "google"
	}
	if cfg.LLM.FailoverThreshold <= 0 {
		cfg.LLM.FailoverThreshold = 5
	}
	if cfg.LLM.FailoverCooldownSeconds <= 0 {
		cfg.LLM.FailoverCooldownSeconds = 300
	}
	if cfg.LLM.RateLimitBurst <= 0 {
		cfg.LLM.RateLimitBurst = 1
	}
	if cfg.LLM.StructuredRetries < 0 {
		cfg.LLM.StructuredRetries = 0
	}
	if cfg.LLM.TimeoutSeconds <= 0 {
		cfg.LLM.TimeoutSeconds = 120
	}
	if cfg.Cache.Capacity <= 0 {
		cfg.Cache.Capacity = 512
	}
	if cfg.Cache.ReasoningCapacity <= 0 {
		cfg.Cache.ReasoningCapacity = 256
	}
	if cfg.Loop.MaxIterations <= 0 {
		cfg.Loop.MaxIterations = 3
	}
	if cfg.Conductor.MaxRerouteAgents <= 0 {
		cfg.Conductor.MaxRerouteAgents = 2
	}
	if cfg.Conductor.FallbackAgent == "" && len(cfg.Agents) > 0 {
		cfg.Conductor.FallbackAgent = cfg.Agents[0].ID
	}
	if cfg.Scan.Concurrency <= 0 {
		cfg.Scan.Concurrency = 4
	}
	if cfg.Scan.DirectivesFile == "" {
		cfg.Scan.DirectivesFile = "directives.yaml"
	}
	if len(cfg.Scan.AlertSeverities) == 0 {
		cfg.Scan.AlertSeverities = []string{"critical", "high"}
	}
	if cfg.Scan.ErrorDetailLimit <= 0 {
		cfg.Scan.ErrorDetailLimit = 500
	}
	if cfg.Store.PoolSize <= 0 {
		cfg.Store.PoolSize = 4
	}
	// Every in-flight execution may hold one handle at a time.
	if cfg.Store.PoolSize < cfg.Scan.Concurrency {
		cfg.Store.PoolSize = cfg.Scan.Concurrency
	}
}

// Validate checks cross references between agents, tools and the conductor.
func (c Config) Validate() error {
	var errs []error
	tools := make(map[string]bool, len(c.Tools))
	for _, t := range c.Tools {
		if t.Name == "" {
			errs = append(errs, errors.New("tool with empty name"))
			continue
		}
		if tools[t.Name] {
			errs = append(errs, fmt.Errorf("duplicate tool %q", t.Name))
		}
		tools[t.Name] = true
	}
	agents := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if a.ID == "" {
			errs = append(errs, errors.New("agent with empty id"))
			continue
		}
		if agents[a.ID] {
			errs = append(errs, fmt.Errorf("duplicate agent %q", a.ID))
		}
		agents[a.ID] = true
		for _, p := range a.Perception {
			if !tools[p.Tool] {
				errs = append(errs, fmt.Errorf("agent %q perceives unknown tool %q", a.ID, p.Tool))
			}
		}
	}
	if len(c.Agents) > 0 && !agents[c.Conductor.FallbackAgent] {
		errs = append(errs, fmt.Errorf("conductor.fallback_agent %q is not a configured agent", c.Conductor.FallbackAgent))
	}
	if !slices.Contains([]string{"google", "anthropic", "openai", "openai_compatible", "openrouter"}, c.LLM.Provider) {
		errs = append(errs, fmt.Errorf("unknown llm.provider %q", c.LLM.Provider))
	}
	return errors.Join(errs...)
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("INQUEST_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("INQUEST_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("INQUEST_DATASET_PATH"); raw != "" {
		cfg.DatasetPath = raw
	}
	if raw := os.Getenv("INQUEST_LLM_PROVIDER"); raw != "" {
		cfg.LLM.Provider = raw
	}
	if raw := os.Getenv("INQUEST_LLM_MODEL"); raw != "" {
		cfg.LLM.Model = raw
	}
	if raw := os.Getenv("INQUEST_SCAN_CONCURRENCY"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Scan.Concurrency = v
		}
	}
	if raw := os.Getenv("INQUEST_MAX_ITERATIONS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Loop.MaxIterations = v
		}
	}
}
