package agent

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/basket/go-inquest/internal/config"
)

// Registry holds the agent definitions available to the conductor and the
// scan orchestrator. Replace swaps the whole set atomically on config reload.
type Registry struct {
	mu    sync.RWMutex
	defs  map[string]Definition
	order []string
}

// NewRegistry builds a registry from defs. IDs must be unique and non-empty.
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{}
	if err := r.Replace(defs); err != nil {
		return nil, err
	}
	return r, nil
}

// RegistryFromConfig builds a registry from cfg.Agents.
func RegistryFromConfig(cfg config.Config) (*Registry, error) {
	defs := make([]Definition, 0, len(cfg.Agents))
	for _, a := range cfg.Agents {
		defs = append(defs, DefinitionFromConfig(a))
	}
	return NewRegistry(defs...)
}

// Replace installs a new definition set. On error the old set stays.
func (r *Registry) Replace(defs []Definition) error {
	next := make(map[string]Definition, len(defs))
	order := make([]string, 0, len(defs))
	for _, d := range defs {
		if strings.TrimSpace(d.ID) == "" {
			return fmt.Errorf("agent id must be non-empty")
		}
		if _, dup := next[d.ID]; dup {
			return fmt.Errorf("agent %q already exists", d.ID)
		}
		next[d.ID] = d
		order = append(order, d.ID)
	}
	r.mu.Lock()
	r.defs = next
	r.order = order
	r.mu.Unlock()
	return nil
}

// Get returns the definition for id.
func (r *Registry) Get(id string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[id]
	return d, ok
}

// List returns definitions in configuration order.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.defs[id])
	}
	return out
}

// IDs returns the sorted agent ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := append([]string(nil), r.order...)
	sort.Strings(out)
	return out
}

// Describe renders the agent roster for routing prompts, skipping ids in exclude.
func (r *Registry) Describe(exclude map[string]bool) string {
	var b strings.Builder
	for _, d := range r.List() {
		if exclude[d.ID] {
			continue
		}
		fmt.Fprintf(&b, "- %s", d.ID)
		if d.Name != "" {
			fmt.Fprintf(&b, " (%s)", d.Name)
		}
		if d.Description != "" {
			b.WriteString(": " + d.Description)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// Check verifies that every perception tool and template override resolves.
func (r *Registry) Check(hasTool func(string) bool, requireTemplates func(...string) error) error {
	var errs []error
	for _, d := range r.List() {
		for _, p := range d.Perception {
			if !hasTool(p.Tool) {
				errs = append(errs, fmt.Errorf("agent %q perceives unknown tool %q", d.ID, p.Tool))
			}
		}
		for _, phase := range []Phase{PhaseReason, PhasePlan, PhaseReflect} {
			if err := requireTemplates(d.template(phase)); err != nil {
				errs = append(errs, fmt.Errorf("agent %q: %w", d.ID, err))
			}
		}
	}
	return errors.Join(errs...)
}
