package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Directive is a named, pre-authored investigation instruction bound to one
// agent. The scan orchestrator runs every enabled directive.
type Directive struct {
	ID          string `yaml:"id"`
	AgentID     string `yaml:"agent_id"`
	Name        string `yaml:"name"`
	Instruction string `yaml:"instruction"`
	Enabled     *bool  `yaml:"enabled,omitempty"`
}

// IsEnabled treats an unset flag as enabled.
func (d Directive) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

type directiveFile struct {
	Directives []Directive `yaml:"directives"`
}

// LoadDirectives reads the directive catalog. Directives with an empty id or
// agent are rejected so a typo cannot silently drop work.
func LoadDirectives(path string) ([]Directive, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directives: %w", err)
	}
	var f directiveFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse directives: %w", err)
	}
	seen := make(map[string]bool, len(f.Directives))
	for i, d := range f.Directives {
		if d.ID == "" || d.AgentID == "" {
			return nil, fmt.Errorf("directive %d: id and agent_id are required", i)
		}
		if seen[d.ID] {
			return nil, fmt.Errorf("duplicate directive %q", d.ID)
		}
		seen[d.ID] = true
	}
	return f.Directives, nil
}

// EnabledDirectives filters to enabled directives whose agent is configured.
// Directives naming unknown agents are returned separately.
func (c Config) EnabledDirectives(all []Directive) (enabled []Directive, orphaned []Directive) {
	for _, d := range all {
		if !d.IsEnabled() {
			continue
		}
		if _, ok := c.Agent(d.AgentID); !ok {
			orphaned = append(orphaned, d)
			continue
		}
		enabled = append(enabled, d)
	}
	return enabled, orphaned
}

// WriteDirectives writes a directive catalog file.
func WriteDirectives(path string, directives []Directive) error {
	out, err := yaml.Marshal(directiveFile{Directives: directives})
	if err != nil {
		return fmt.Errorf("marshal directives: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}
