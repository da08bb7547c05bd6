package doctor

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/go-inquest/internal/config"
)

func starterConfig(t *testing.T) config.Config {
	t.Helper()
	home := t.TempDir()
	if err := config.WriteStarter(home); err != nil {
		t.Fatalf("write starter: %v", err)
	}
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func writeDataset(t *testing.T, path string) {
	t.Helper()
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open dataset: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec(`CREATE TABLE sites (site_id TEXT PRIMARY KEY, name TEXT)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
}

func byName(t *testing.T, d Diagnosis, name string) CheckResult {
	t.Helper()
	for _, r := range d.Results {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("no %s check in %+v", name, d.Results)
	return CheckResult{}
}

func TestRun_StarterHome(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "test-key")
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	cfg := starterConfig(t)
	writeDataset(t, cfg.DatasetPath)

	d := Run(context.Background(), &cfg, "test", Options{})
	for _, name := range []string{"Config", "API Key", "Database", "Dataset", "Prompts", "Permissions"} {
		if r := byName(t, d, name); r.Status != StatusPass {
			t.Fatalf("%s = %s: %s %s", name, r.Status, r.Message, r.Detail)
		}
	}
	if d.Failed() {
		t.Fatal("diagnosis should pass")
	}
	if d.System.Version != "test" {
		t.Fatalf("version = %q", d.System.Version)
	}
	for _, r := range d.Results {
		if r.Name == "Network" {
			t.Fatal("network check should be opt-in")
		}
	}
}

func TestCheckConfig(t *testing.T) {
	if r := checkConfig(context.Background(), nil, Options{}); r.Status != StatusFail {
		t.Fatalf("nil config: %s", r.Status)
	}
	cfg := starterConfig(t)
	if r := checkConfig(context.Background(), &cfg, Options{LoadErr: errors.New("parse config.yaml: bad")}); r.Status != StatusFail {
		t.Fatalf("load error: %s", r.Status)
	}
	cfg.Conductor.FallbackAgent = "ghost"
	r := checkConfig(context.Background(), &cfg, Options{})
	if r.Status != StatusFail || r.Detail == "" {
		t.Fatalf("invalid config: %+v", r)
	}

	fresh, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if r := checkConfig(context.Background(), &fresh, Options{}); r.Status != StatusWarn {
		t.Fatalf("missing config: %s", r.Status)
	}
}

func TestCheckAPIKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
	cfg := starterConfig(t)

	if r := checkAPIKey(context.Background(), &cfg, Options{}); r.Status != StatusFail {
		t.Fatalf("no keys: %+v", r)
	}

	t.Setenv("GEMINI_API_KEY", "k")
	r := checkAPIKey(context.Background(), &cfg, Options{})
	if r.Status != StatusWarn || r.Detail != "anthropic (ANTHROPIC_API_KEY)" {
		t.Fatalf("missing fallback key: %+v", r)
	}

	cfg.LLM.Provider = "openai_compatible"
	cfg.LLM.FallbackProviders = nil
	if r := checkAPIKey(context.Background(), &cfg, Options{}); r.Status != StatusPass {
		t.Fatalf("compatible provider: %+v", r)
	}
}

func TestCheckDataset_Missing(t *testing.T) {
	cfg := starterConfig(t)
	cfg.DatasetPath = filepath.Join(t.TempDir(), "absent.db")
	if r := checkDataset(context.Background(), &cfg, Options{}); r.Status != StatusFail {
		t.Fatalf("missing dataset: %+v", r)
	}
	if _, err := os.Stat(cfg.DatasetPath); !os.IsNotExist(err) {
		t.Fatal("read-only open must not create the dataset file")
	}
}

func TestCheckDataset_Empty(t *testing.T) {
	cfg := starterConfig(t)
	db, err := sql.Open("sqlite3", cfg.DatasetPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := db.Exec(`PRAGMA user_version = 1`); err != nil {
		t.Fatalf("init: %v", err)
	}
	db.Close()
	if r := checkDataset(context.Background(), &cfg, Options{}); r.Status != StatusWarn {
		t.Fatalf("empty dataset: %+v", r)
	}
}

func TestCheckPrompts_BadOverride(t *testing.T) {
	cfg := starterConfig(t)
	cfg.PromptsDir = t.TempDir()
	if err := os.WriteFile(filepath.Join(cfg.PromptsDir, "reason.tmpl"), []byte("{{ .Query "), 0o644); err != nil {
		t.Fatalf("write override: %v", err)
	}
	r := checkPrompts(context.Background(), &cfg, Options{})
	if r.Status != StatusFail || r.Message != "Template parse failed" {
		t.Fatalf("bad override: %+v", r)
	}
}

func TestCheckPrompts_UnknownTool(t *testing.T) {
	cfg := starterConfig(t)
	cfg.Agents[0].Perception = append(cfg.Agents[0].Perception, config.PerceptionCall{Key: "x", Tool: "nope"})
	r := checkPrompts(context.Background(), &cfg, Options{})
	if r.Status != StatusFail || r.Message != "Agent references unresolved" {
		t.Fatalf("unknown tool: %+v", r)
	}
}

func TestCheckNetwork_NilConfig(t *testing.T) {
	if r := checkNetwork(context.Background(), nil, Options{}); r.Status != StatusSkip {
		t.Fatalf("expected SKIP for nil config, got %s", r.Status)
	}
}

func TestCheckNetwork_CanceledContext(t *testing.T) {
	cfg := starterConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if r := checkNetwork(ctx, &cfg, Options{}); r.Status != StatusFail {
		t.Fatalf("expected FAIL for canceled context, got %s", r.Status)
	}
}

func TestHostOf(t *testing.T) {
	tests := map[string]string{
		"https://llm.internal:8443/v1": "llm.internal",
		"http://localhost/v1":          "localhost",
		"api.example.com":              "api.example.com",
	}
	for in, want := range tests {
		if got := hostOf(in); got != want {
			t.Fatalf("hostOf(%q) = %q, want %q", in, got, want)
		}
	}
}
