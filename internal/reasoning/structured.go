package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Schema is a compiled JSON Schema for one structured call site.
type Schema struct {
	name   string
	schema *jsonschema.Schema
}

// CompileSchema compiles raw JSON Schema text.
func CompileSchema(name, raw string) (*Schema, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	url := name + ".json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", name, err)
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return &Schema{name: name, schema: s}, nil
}

// MustSchema is CompileSchema for package-level schemas.
func MustSchema(name, raw string) *Schema {
	s, err := CompileSchema(name, raw)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Schema) Name() string { return s.name }

// Validate checks JSON text against the schema.
func (s *Schema) Validate(jsonText string) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(jsonText))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := s.schema.Validate(doc); err != nil {
		return fmt.Errorf("schema %s: %w", s.name, err)
	}
	return nil
}

// ExtractJSON returns the JSON value embedded in text, tolerating code
// fences, leading and trailing prose, and repairable syntax damage such as
// trailing commas or a truncated tail. It returns ErrMalformed when nothing
// usable is found.
func ExtractJSON(text string) (string, error) {
	candidate := extractJSON(text)
	if candidate != "" && isJSON(candidate) {
		return candidate, nil
	}
	if candidate == "" {
		start := strings.IndexAny(text, "{[")
		if start < 0 {
			return "", fmt.Errorf("%w: no JSON value in response", ErrMalformed)
		}
		candidate = text[start:]
		if end := strings.Index(candidate, "```"); end >= 0 {
			candidate = candidate[:end]
		}
	}
	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil || !isJSON(repaired) {
		return "", fmt.Errorf("%w: unrepairable JSON", ErrMalformed)
	}
	return repaired, nil
}

// Decode extracts the JSON value from text and unmarshals it into dst.
func Decode(text string, dst any) error {
	js, err := ExtractJSON(text)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(js), dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// GenerateJSON performs a structured call and decodes the reply into dst.
// A reply that does not decode or fails schema validation is re-asked up to
// retries times with the failure appended to the prompt. The final failure
// wraps ErrMalformed; transport errors are returned as they are.
func GenerateJSON(ctx context.Context, c Client, req Request, schema *Schema, retries int, dst any) (Response, error) {
	if retries < 0 {
		retries = 0
	}
	basePrompt := req.Prompt
	var (
		resp    Response
		lastErr error
	)
	for attempt := 0; attempt <= retries; attempt++ {
		var err error
		resp, err = c.GenerateStructured(ctx, req)
		if err != nil {
			return resp, err
		}
		lastErr = decodeValidated(resp.Text, schema, dst)
		if lastErr == nil {
			return resp, nil
		}
		if f, ok := c.(forgetter); ok {
			f.Forget(ctx, req)
		}
		req.Prompt = fmt.Sprintf("%s\n\nYour previous response was rejected: %s\n"+
			"Respond again with only JSON that matches the required structure.", basePrompt, lastErr)
	}
	if errors.Is(lastErr, ErrMalformed) {
		return resp, lastErr
	}
	return resp, fmt.Errorf("%w: %v", ErrMalformed, lastErr)
}

// forgetter is implemented by clients that memoize replies, so a reply that
// failed to decode is not served again.
type forgetter interface {
	Forget(ctx context.Context, req Request)
}

func decodeValidated(text string, schema *Schema, dst any) error {
	js, err := ExtractJSON(text)
	if err != nil {
		return err
	}
	if schema != nil {
		if err := schema.Validate(js); err != nil {
			return err
		}
	}
	if err := json.Unmarshal([]byte(js), dst); err != nil {
		return err
	}
	return nil
}

// extractJSON finds a JSON object or array in the response text.
func extractJSON(text string) string {
	// 1. Fenced JSON block: ```json\n...\n```
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + 7
		if start < len(text) && text[start] == '\n' {
			start++
		}
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if candidate != "" {
				return candidate
			}
		}
	}

	// 2. Generic fenced block: ```\n...\n```
	if idx := strings.Index(text, "```\n"); idx >= 0 {
		start := idx + 4
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if isJSON(candidate) {
				return candidate
			}
		}
	}

	// 3. Raw JSON: first balanced { or [ that parses.
	for i := 0; i < len(text); i++ {
		if text[i] == '{' || text[i] == '[' {
			candidate := extractBalanced(text[i:])
			if candidate != "" && isJSON(candidate) {
				return candidate
			}
		}
	}
	return ""
}

func isJSON(s string) bool {
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}

// extractBalanced extracts a balanced JSON structure from the start of the string.
func extractBalanced(s string) string {
	if len(s) == 0 {
		return ""
	}
	open := s[0]
	var close byte
	switch open {
	case '{':
		close = '}'
	case '[':
		close = ']'
	default:
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		if ch == open {
			depth++
		} else if ch == close {
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}
