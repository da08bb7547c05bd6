// Package prompts renders the named prompt templates used by agents, the
// conductor and the scan orchestrator. Defaults are embedded; a directory of
// *.tmpl files may override or add templates by file name.
package prompts

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"
)

//go:embed templates/*.tmpl
var defaultFS embed.FS

var (
	// ErrUnknownTemplate is a configuration error: the named template does not exist.
	ErrUnknownTemplate = errors.New("prompts: unknown template")
	// ErrMissingVar means the caller did not supply a variable the template uses.
	ErrMissingVar = errors.New("prompts: missing template variable")
)

// Names of the built-in templates.
const (
	Reason      = "reason"
	Plan        = "plan"
	Reflect     = "reflect"
	Route       = "route"
	Reroute     = "reroute"
	Synthesize  = "synthesize"
	Brief       = "brief"
	CrossEntity = "cross_entity"
)

// Builtin lists every template the engine renders.
var Builtin = []string{Reason, Plan, Reflect, Route, Reroute, Synthesize, Brief, CrossEntity}

var funcs = template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return "", err
		}
		return string(b), nil
	},
	"join": strings.Join,
}

// Registry holds parsed templates. It is safe for concurrent use.
type Registry struct {
	overrideDir string

	mu        sync.RWMutex
	templates map[string]*template.Template
}

// New parses the embedded defaults, then overrideDir (which may be empty or
// absent).
func New(overrideDir string) (*Registry, error) {
	r := &Registry{overrideDir: overrideDir}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the override directory. On error the previous set stays live.
func (r *Registry) Reload() error {
	set := make(map[string]*template.Template)
	sub, err := fs.Sub(defaultFS, "templates")
	if err != nil {
		return fmt.Errorf("embedded templates: %w", err)
	}
	if err := parseDir(sub, set); err != nil {
		return err
	}
	if r.overrideDir != "" {
		if info, err := os.Stat(r.overrideDir); err == nil && info.IsDir() {
			if err := parseDir(os.DirFS(r.overrideDir), set); err != nil {
				return fmt.Errorf("prompt overrides %s: %w", r.overrideDir, err)
			}
		}
	}
	r.mu.Lock()
	r.templates = set
	r.mu.Unlock()
	return nil
}

func parseDir(fsys fs.FS, into map[string]*template.Template) error {
	paths, err := fs.Glob(fsys, "*.tmpl")
	if err != nil {
		return err
	}
	for _, p := range paths {
		raw, err := fs.ReadFile(fsys, p)
		if err != nil {
			return fmt.Errorf("read %s: %w", p, err)
		}
		name := strings.TrimSuffix(filepath.Base(p), ".tmpl")
		t, err := template.New(name).Funcs(funcs).Option("missingkey=error").Parse(string(raw))
		if err != nil {
			return fmt.Errorf("parse template %s: %w", name, err)
		}
		into[name] = t
	}
	return nil
}

// Render executes the named template with vars.
func (r *Registry) Render(name string, vars map[string]any) (string, error) {
	r.mu.RLock()
	t, ok := r.templates[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTemplate, name)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, vars); err != nil {
		if strings.Contains(err.Error(), "map has no entry for key") {
			return "", fmt.Errorf("%w: %s: %v", ErrMissingVar, name, err)
		}
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// Require fails with ErrUnknownTemplate if any name is not loaded.
func (r *Registry) Require(names ...string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var missing []string
	for _, n := range names {
		if _, ok := r.templates[n]; !ok {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrUnknownTemplate, strings.Join(missing, ", "))
	}
	return nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.templates))
	for n := range r.templates {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
