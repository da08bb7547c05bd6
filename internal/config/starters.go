package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// StarterTools returns read-only queries over the reference trial-operations
// dataset layout (sites, subjects, visits, data_entries, queries, enrollment).
func StarterTools() []ToolConfig {
	return []ToolConfig{
		{
			Name:        "site_roster",
			Description: "All sites with region, activation date and status.",
			Query:       `SELECT site_id, name, region, activated_on, status FROM sites ORDER BY site_id`,
		},
		{
			Name:        "entry_lag_by_site",
			Description: "Mean days between a visit and its data entry, per site, worst first.",
			Query: `SELECT site_id, ROUND(AVG(julianday(entered_on) - julianday(visit_date)), 1) AS avg_lag_days, COUNT(*) AS entries
				FROM data_entries GROUP BY site_id ORDER BY avg_lag_days DESC LIMIT :limit`,
			Params: []ToolParam{{Name: "limit", Type: "int", Default: 20, Description: "max sites"}},
		},
		{
			Name:        "open_queries_by_site",
			Description: "Open data queries per site with the age of the oldest.",
			Query: `SELECT site_id, COUNT(*) AS open_queries, MAX(julianday('now') - julianday(opened_on)) AS oldest_days
				FROM queries WHERE status = 'open' GROUP BY site_id ORDER BY open_queries DESC`,
		},
		{
			Name:        "enrollment_vs_target",
			Description: "Cumulative enrolled subjects against target, per site.",
			Query: `SELECT site_id, SUM(enrolled) AS enrolled, SUM(target) AS target,
				ROUND(1.0 * SUM(enrolled) / NULLIF(SUM(target), 0), 2) AS attainment
				FROM enrollment GROUP BY site_id ORDER BY attainment ASC`,
		},
		{
			Name:        "screen_failures_by_site",
			Description: "Screen failure rate per site.",
			Query: `SELECT site_id, COUNT(*) AS screened, SUM(CASE WHEN status = 'screen_failed' THEN 1 ELSE 0 END) AS failed
				FROM subjects GROUP BY site_id ORDER BY failed DESC`,
		},
		{
			Name:        "site_entry_detail",
			Description: "Recent data entries for one site with per-entry lag.",
			Query: `SELECT subject_id, visit_date, entered_on, julianday(entered_on) - julianday(visit_date) AS lag_days
				FROM data_entries WHERE site_id = :site_id ORDER BY visit_date DESC LIMIT :limit`,
			Params: []ToolParam{
				{Name: "site_id", Type: "string", Required: true, Description: "site identifier, e.g. SITE-003"},
				{Name: "limit", Type: "int", Default: 50},
			},
			MaxRows: 200,
		},
		{
			Name:        "site_enrollment_trend",
			Description: "Weekly enrollment for one site.",
			Query:       `SELECT week, enrolled, target FROM enrollment WHERE site_id = :site_id ORDER BY week`,
			Params:      []ToolParam{{Name: "site_id", Type: "string", Required: true}},
		},
	}
}

// StarterAgents returns default agents for first-run setup.
func StarterAgents() []AgentConfig {
	return []AgentConfig{
		{
			ID:          "data_quality",
			Name:        "Data Quality",
			Description: "Investigates data entry lag, open queries and missing data at site level.",
			FindingType: "data_quality",
			SystemPrompt: `You investigate data quality in clinical trial operations data. ` +
				`Ground every claim in tool output, name the site, and quantify the deviation.`,
			Perception: []PerceptionCall{
				{Key: "entry_lag", Tool: "entry_lag_by_site", Args: map[string]any{"limit": 20}},
				{Key: "open_queries", Tool: "open_queries_by_site"},
			},
		},
		{
			ID:          "enrollment",
			Name:        "Enrollment",
			Description: "Investigates enrollment shortfalls and screen failure patterns.",
			FindingType: "enrollment",
			SystemPrompt: `You investigate subject enrollment performance. ` +
				`Compare sites against target and explain shortfalls with evidence.`,
			Perception: []PerceptionCall{
				{Key: "attainment", Tool: "enrollment_vs_target"},
				{Key: "screen_failures", Tool: "screen_failures_by_site"},
			},
		},
		{
			ID:          "site_performance",
			Name:        "Site Performance",
			Description: "Cross-checks operational signals for a site to rank sites needing attention.",
			FindingType: "site_performance",
			SystemPrompt: `You assess overall site operational health by combining data quality and enrollment signals.`,
			Perception: []PerceptionCall{
				{Key: "roster", Tool: "site_roster"},
				{Key: "entry_lag", Tool: "entry_lag_by_site", Args: map[string]any{"limit": 10}},
				{Key: "attainment", Tool: "enrollment_vs_target"},
			},
		},
	}
}

// StarterDirectives returns one standing directive per starter agent.
func StarterDirectives() []Directive {
	return []Directive{
		{ID: "dq-entry-lag", AgentID: "data_quality", Name: "Entry lag sweep",
			Instruction: "Identify sites whose data entry lag or open query backlog deviates from the study norm."},
		{ID: "enr-shortfall", AgentID: "enrollment", Name: "Enrollment shortfall",
			Instruction: "Identify sites materially behind enrollment target and explain the likely cause."},
		{ID: "site-health", AgentID: "site_performance", Name: "Site health ranking",
			Instruction: "Rank the sites that most need operational attention this week."},
	}
}

// WriteStarter writes config.yaml and directives.yaml with the starter set
// into homeDir. Existing files are left untouched.
func WriteStarter(homeDir string) error {
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create home: %w", err)
	}
	cfgPath := ConfigPath(homeDir)
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		starter := struct {
			LogLevel  string          `yaml:"log_level"`
			LLM       LLMConfig       `yaml:"llm"`
			Conductor ConductorConfig `yaml:"conductor"`
			Scan      ScanConfig      `yaml:"scan"`
			Agents    []AgentConfig   `yaml:"agents"`
			Tools     []ToolConfig    `yaml:"tools"`
		}{
			LogLevel: "info",
			LLM:      LLMConfig{Provider: "google", Model: "gemini-2.5-flash", FallbackProviders: []string{"anthropic"}},
			Conductor: ConductorConfig{
				FallbackAgent:    "data_quality",
				MaxRerouteAgents: 2,
			},
			Scan: ScanConfig{
				Concurrency:     4,
				Schedule:        "0 6 * * *",
				DirectivesFile:  "directives.yaml",
				AlertSeverities: []string{"critical", "high"},
				ClearToolCache:  true,
			},
			Agents: StarterAgents(),
			Tools:  StarterTools(),
		}
		out, err := yaml.Marshal(starter)
		if err != nil {
			return fmt.Errorf("marshal starter config: %w", err)
		}
		if err := os.WriteFile(cfgPath, out, 0o644); err != nil {
			return fmt.Errorf("write config.yaml: %w", err)
		}
	}
	dirPath := filepath.Join(homeDir, "directives.yaml")
	if _, err := os.Stat(dirPath); os.IsNotExist(err) {
		if err := WriteDirectives(dirPath, StarterDirectives()); err != nil {
			return err
		}
	}
	return nil
}
