// Package tools is the data tool registry: named, read-only operations over
// the dataset that agents call during Perceive and Act. Every successful
// call is cached by its normalized arguments.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/basket/go-inquest/internal/cache"
	"github.com/basket/go-inquest/internal/otel"
	"go.opentelemetry.io/otel/trace"
)

// Result is the immutable outcome of one tool call. Failures are results,
// not errors.
type Result struct {
	ToolName string          `json:"tool_name"`
	Success  bool            `json:"success"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    string          `json:"error,omitempty"`
	RowCount int             `json:"row_count"`
}

// Failure builds a failed result for name.
func Failure(name string, err error) Result {
	return Result{ToolName: name, Success: false, Error: err.Error()}
}

// Param declares one named argument.
type Param struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // string, int, float, bool
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
	Default     any    `json:"default,omitempty"`
}

// Tool is one callable operation. Run receives arguments already normalized
// against Params.
type Tool interface {
	Name() string
	Description() string
	Params() []Param
	Run(ctx context.Context, args map[string]any) (data any, rows int, err error)
}

// Volatile tools read state that changes during a run and are never cached.
type Volatile interface {
	Volatile() bool
}

type Options struct {
	// Cache may be nil, which disables result caching.
	Cache   *cache.Cache
	Logger  *slog.Logger
	Metrics *otel.Metrics
	Tracer  trace.Tracer
}

// Registry maps names to tools. Register everything before the first
// Invoke; lookups are not locked.
type Registry struct {
	tools map[string]Tool
	order []string

	cache   *cache.Cache
	logger  *slog.Logger
	metrics *otel.Metrics
	tracer  trace.Tracer
}

func NewRegistry(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:   make(map[string]Tool),
		cache:   opts.Cache,
		logger:  logger,
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
	}
}

// Register adds t. Names must be unique.
func (r *Registry) Register(t Tool) error {
	name := strings.TrimSpace(t.Name())
	if name == "" {
		return fmt.Errorf("tool name required")
	}
	if _, dup := r.tools[name]; dup {
		return fmt.Errorf("duplicate tool %q", name)
	}
	r.tools[name] = t
	r.order = append(r.order, name)
	return nil
}

func (r *Registry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Invoke runs the named tool. An unknown tool, invalid arguments, a tool
// error or a panic all come back as a failed Result.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (res Result) {
	ctx, span := otel.StartSpan(ctx, r.tracer, "tool.invoke")
	span.SetAttributes(otel.AttrToolName.String(name))
	start := time.Now()
	defer func() {
		if !res.Success {
			r.logger.Warn("tool call failed", "tool", name, "error", res.Error)
		}
		r.metrics.RecordToolCall(ctx, name, time.Since(start), !res.Success)
		var err error
		if !res.Success {
			err = fmt.Errorf("%s", res.Error)
		}
		otel.EndSpan(span, err)
	}()

	t, ok := r.tools[name]
	if !ok {
		return Failure(name, fmt.Errorf("unknown tool %q", name))
	}
	norm, err := Normalize(t.Params(), args)
	if err != nil {
		return Failure(name, err)
	}

	cacheable := r.cache != nil
	if v, ok := t.(Volatile); ok && v.Volatile() {
		cacheable = false
	}
	var key string
	if cacheable {
		key, err = argsKey(name, norm)
		if err != nil {
			return Failure(name, err)
		}
		var hit Result
		if r.cache.Get(ctx, key, &hit) {
			return hit
		}
	}

	res = r.run(ctx, t, norm)
	if cacheable && res.Success {
		if err := r.cache.Set(ctx, key, res); err != nil {
			r.logger.Warn("tool cache set failed", "tool", name, "error", err)
		}
	}
	return res
}

func (r *Registry) run(ctx context.Context, t Tool, args map[string]any) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			res = Failure(t.Name(), fmt.Errorf("tool panic: %v", p))
		}
	}()
	data, rows, err := t.Run(ctx, args)
	if err != nil {
		return Failure(t.Name(), err)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Failure(t.Name(), fmt.Errorf("encode result: %w", err))
	}
	return Result{ToolName: t.Name(), Success: true, Data: raw, RowCount: rows}
}

// argsKey hashes the tool name with its normalized arguments. json.Marshal
// sorts map keys, so equal argument sets hash equally.
func argsKey(name string, args map[string]any) (string, error) {
	b, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encode args: %w", err)
	}
	return cache.Key(name, string(b)), nil
}

// Normalize applies defaults, rejects unknown or missing required
// arguments and coerces values to the declared types.
func Normalize(params []Param, args map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params))
	known := make(map[string]Param, len(params))
	for _, p := range params {
		known[p.Name] = p
	}
	for k := range args {
		if _, ok := known[k]; !ok {
			return nil, fmt.Errorf("unknown argument %q", k)
		}
	}
	for _, p := range params {
		v, ok := args[p.Name]
		if !ok || v == nil {
			if p.Required {
				return nil, fmt.Errorf("missing required argument %q", p.Name)
			}
			v = p.Default
		}
		if v == nil {
			continue
		}
		cv, err := coerce(p.Type, v)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", p.Name, err)
		}
		out[p.Name] = cv
	}
	return out, nil
}

func coerce(typ string, v any) (any, error) {
	switch typ {
	case "", "string":
		switch x := v.(type) {
		case string:
			return x, nil
		case fmt.Stringer:
			return x.String(), nil
		default:
			return fmt.Sprint(x), nil
		}
	case "int":
		switch x := v.(type) {
		case int:
			return int64(x), nil
		case int64:
			return x, nil
		case float64:
			if x != float64(int64(x)) {
				return nil, fmt.Errorf("%v is not an integer", x)
			}
			return int64(x), nil
		case json.Number:
			return x.Int64()
		case string:
			return strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		}
	case "float":
		switch x := v.(type) {
		case int:
			return float64(x), nil
		case int64:
			return float64(x), nil
		case float64:
			return x, nil
		case json.Number:
			return x.Float64()
		case string:
			return strconv.ParseFloat(strings.TrimSpace(x), 64)
		}
	case "bool":
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			return strconv.ParseBool(strings.TrimSpace(x))
		}
	default:
		return nil, fmt.Errorf("unsupported type %q", typ)
	}
	return nil, fmt.Errorf("cannot use %T as %s", v, typ)
}

// sortedParams is used by the catalog for stable output.
func sortedParams(ps []Param) []Param {
	out := append([]Param(nil), ps...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Required != out[j].Required {
			return out[i].Required
		}
		return false
	})
	return out
}
