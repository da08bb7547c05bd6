// Package doctor runs the diagnostic checks behind `inquest doctor`.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/go-inquest/internal/agent"
	"github.com/basket/go-inquest/internal/config"
	"github.com/basket/go-inquest/internal/findings"
	"github.com/basket/go-inquest/internal/persistence"
	"github.com/basket/go-inquest/internal/prompts"
	"github.com/basket/go-inquest/internal/tools"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// Options tunes which checks run.
type Options struct {
	// Network enables the provider DNS lookup.
	Network bool
	// LoadErr is the error config.Load returned, if any.
	LoadErr error
}

type check func(context.Context, *config.Config, Options) CheckResult

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string, opts Options) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []check{
		checkConfig,
		checkAPIKey,
		checkDatabase,
		checkDataset,
		checkPrompts,
		checkPermissions,
	}
	if opts.Network {
		checks = append(checks, checkNetwork)
	}
	for _, c := range checks {
		d.Results = append(d.Results, c(ctx, cfg, opts))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config, opts Options) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if opts.LoadErr != nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Load failed", Detail: opts.LoadErr.Error()}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: fmt.Sprintf("%s missing (starter config not written)", config.ConfigPath(cfg.HomeDir))}
	}
	if err := cfg.Validate(); err != nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Validation failed", Detail: err.Error()}
	}
	return CheckResult{
		Name:    "Config",
		Status:  StatusPass,
		Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail:  fmt.Sprintf("%d agents, %d tools", len(cfg.Agents), len(cfg.Tools)),
	}
}

func checkAPIKey(_ context.Context, cfg *config.Config, _ Options) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "API Key", Status: StatusSkip, Message: "Config missing"}
	}
	providers := append([]string{cfg.LLM.Provider}, cfg.LLM.FallbackProviders...)
	var missing []string
	for _, p := range providers {
		if config.ProviderEnvVar(p) == "" {
			// openai_compatible and friends carry their key in config, if any.
			continue
		}
		if cfg.ProviderAPIKey(p) == "" {
			missing = append(missing, fmt.Sprintf("%s (%s)", p, config.ProviderEnvVar(p)))
		}
	}
	if len(missing) == 0 {
		return CheckResult{Name: "API Key", Status: StatusPass, Message: fmt.Sprintf("Keys present for %s", strings.Join(providers, ", "))}
	}
	status := StatusWarn
	if cfg.ProviderAPIKey(cfg.LLM.Provider) == "" && config.ProviderEnvVar(cfg.LLM.Provider) != "" {
		status = StatusFail
	}
	return CheckResult{
		Name:    "API Key",
		Status:  status,
		Message: "Missing provider keys",
		Detail:  strings.Join(missing, ", "),
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config, _ Options) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath, persistence.Options{PoolSize: 1})
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	n, err := store.CountFindings(ctx, persistence.FindingFilter{})
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: StatusPass, Message: "Connection and schema valid", Detail: fmt.Sprintf("%d findings stored", n)}
}

func checkDataset(ctx context.Context, cfg *config.Config, _ Options) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Dataset", Status: StatusSkip, Message: "Config missing"}
	}
	db, err := tools.OpenDataset(cfg.DatasetPath)
	if err != nil {
		return CheckResult{Name: "Dataset", Status: StatusFail, Message: "Open failed", Detail: err.Error()}
	}
	defer db.Close()

	var tables int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type IN ('table','view')`).Scan(&tables); err != nil {
		return CheckResult{Name: "Dataset", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	if tables == 0 {
		return CheckResult{Name: "Dataset", Status: StatusWarn, Message: "Dataset has no tables", Detail: cfg.DatasetPath}
	}
	return CheckResult{Name: "Dataset", Status: StatusPass, Message: fmt.Sprintf("Opened read-only (%d tables)", tables), Detail: cfg.DatasetPath}
}

// checkPrompts parses the templates and checks every agent resolves its
// templates and perception tools.
func checkPrompts(_ context.Context, cfg *config.Config, _ Options) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Prompts", Status: StatusSkip, Message: "Config missing"}
	}
	reg, err := prompts.New(cfg.PromptsDir)
	if err != nil {
		return CheckResult{Name: "Prompts", Status: StatusFail, Message: "Template parse failed", Detail: err.Error()}
	}
	if err := reg.Require(prompts.Builtin...); err != nil {
		return CheckResult{Name: "Prompts", Status: StatusFail, Message: "Templates missing", Detail: err.Error()}
	}
	agents, err := agent.RegistryFromConfig(*cfg)
	if err != nil {
		return CheckResult{Name: "Prompts", Status: StatusFail, Message: "Agent definitions invalid", Detail: err.Error()}
	}
	names := make(map[string]bool, len(cfg.Tools))
	for _, t := range cfg.Tools {
		names[t.Name] = true
	}
	hasTool := func(n string) bool { return names[n] || n == findings.PriorFindingsToolName }
	if err := agents.Check(hasTool, reg.Require); err != nil {
		return CheckResult{Name: "Prompts", Status: StatusFail, Message: "Agent references unresolved", Detail: err.Error()}
	}
	return CheckResult{Name: "Prompts", Status: StatusPass, Message: fmt.Sprintf("%d templates parsed", len(reg.Names()))}
}

func checkPermissions(_ context.Context, cfg *config.Config, _ Options) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

var providerHosts = map[string]string{
	"google":            "generativelanguage.googleapis.com",
	"anthropic":         "api.anthropic.com",
	"openai":            "api.openai.com",
	"openrouter":        "openrouter.ai",
	"openai_compatible": "api.openai.com",
}

func checkNetwork(ctx context.Context, cfg *config.Config, _ Options) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Config missing"}
	}
	provider := cfg.LLM.Provider
	host, ok := providerHosts[provider]
	if !ok {
		host = providerHosts["google"]
	}
	if p, ok := cfg.Providers[provider]; ok && p.BaseURL != "" {
		if h := hostOf(p.BaseURL); h != "" {
			host = h
		}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  StatusFail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s, latency=%dms", provider, latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  StatusPass,
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("provider=%s", provider),
	}
}

func hostOf(baseURL string) string {
	s := baseURL
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/?"); i >= 0 {
		s = s[:i]
	}
	if h, _, err := net.SplitHostPort(s); err == nil {
		return h
	}
	return s
}
