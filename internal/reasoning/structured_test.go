package reasoning

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/basket/go-inquest/internal/cache"
)

const riskSchema = `{
	"type": "object",
	"properties": {
		"risk": {"type": "string", "enum": ["low", "high"]},
		"score": {"type": "integer"}
	},
	"required": ["risk", "score"]
}`

type riskReply struct {
	Risk  string `json:"risk"`
	Score int    `json:"score"`
}

// scriptedClient replays canned replies and records the prompts it saw.
type scriptedClient struct {
	replies []string
	prompts []string
	err     error
}

func (s *scriptedClient) Generate(ctx context.Context, req Request) (Response, error) {
	return s.GenerateStructured(ctx, req)
}

func (s *scriptedClient) GenerateStructured(_ context.Context, req Request) (Response, error) {
	s.prompts = append(s.prompts, req.Prompt)
	if s.err != nil {
		return Response{}, s.err
	}
	i := len(s.prompts) - 1
	if i >= len(s.replies) {
		i = len(s.replies) - 1
	}
	return Response{Text: s.replies[i], Model: "scripted"}, nil
}

func TestExtractJSON_FencedBlock(t *testing.T) {
	got, err := ExtractJSON("Here you go:\n```json\n{\"risk\": \"low\", \"score\": 1}\n```\nThanks.")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if got != `{"risk": "low", "score": 1}` {
		t.Fatalf("got %q", got)
	}
}

func TestExtractJSON_ProseAround(t *testing.T) {
	got, err := ExtractJSON(`I think {"risk": "high", "score": 9} is right. {not json}`)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if got != `{"risk": "high", "score": 9}` {
		t.Fatalf("got %q", got)
	}
}

func TestExtractJSON_RepairsTrailingComma(t *testing.T) {
	var r riskReply
	if err := Decode(`{"risk": "low", "score": 2,}`, &r); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if r.Risk != "low" || r.Score != 2 {
		t.Fatalf("decoded %+v", r)
	}
}

func TestExtractJSON_RepairsTruncation(t *testing.T) {
	var v struct {
		Risk  string `json:"risk"`
		Items []int  `json:"items"`
	}
	if err := Decode(`Result: {"risk": "high", "items": [1, 2`, &v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v.Risk != "high" || len(v.Items) != 2 {
		t.Fatalf("decoded %+v", v)
	}
}

func TestExtractJSON_NoJSON(t *testing.T) {
	_, err := ExtractJSON("I could not find anything relevant.")
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestSchema_Validate(t *testing.T) {
	s := MustSchema("risk", riskSchema)
	if err := s.Validate(`{"risk": "low", "score": 3}`); err != nil {
		t.Fatalf("valid doc rejected: %v", err)
	}
	if err := s.Validate(`{"risk": "medium", "score": 3}`); err == nil {
		t.Fatal("enum violation accepted")
	}
	if err := s.Validate(`{"risk": "low"}`); err == nil {
		t.Fatal("missing required field accepted")
	}
}

func TestCompileSchema_Invalid(t *testing.T) {
	if _, err := CompileSchema("bad", `{"type": 12`); err == nil {
		t.Fatal("expected error for malformed schema")
	}
}

func TestGenerateJSON_RetriesOnceThenSucceeds(t *testing.T) {
	c := &scriptedClient{replies: []string{`{"risk": "medium", "score": 1}`, `{"risk": "high", "score": 7}`}}
	var r riskReply
	if _, err := GenerateJSON(context.Background(), c, Request{Prompt: "assess"}, MustSchema("risk", riskSchema), 1, &r); err != nil {
		t.Fatalf("generate json: %v", err)
	}
	if r.Risk != "high" || r.Score != 7 {
		t.Fatalf("decoded %+v", r)
	}
	if len(c.prompts) != 2 {
		t.Fatalf("calls = %d, want 2", len(c.prompts))
	}
	if !strings.HasPrefix(c.prompts[1], "assess") || !strings.Contains(c.prompts[1], "rejected") {
		t.Fatalf("re-ask prompt = %q", c.prompts[1])
	}
}

func TestGenerateJSON_ExhaustsRetries(t *testing.T) {
	c := &scriptedClient{replies: []string{"no json here"}}
	var r riskReply
	_, err := GenerateJSON(context.Background(), c, Request{Prompt: "assess"}, nil, 1, &r)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if len(c.prompts) != 2 {
		t.Fatalf("calls = %d, want 2", len(c.prompts))
	}
	if n := strings.Count(err.Error(), ErrMalformed.Error()); n != 1 {
		t.Fatalf("error repeats the malformed prefix %d times: %v", n, err)
	}
}

func TestGenerateJSON_TransportErrorNotRetried(t *testing.T) {
	c := &scriptedClient{err: errors.New("connection refused")}
	var r riskReply
	_, err := GenerateJSON(context.Background(), c, Request{Prompt: "assess"}, nil, 3, &r)
	if err == nil || errors.Is(err, ErrMalformed) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if len(c.prompts) != 1 {
		t.Fatalf("calls = %d, want 1", len(c.prompts))
	}
}

func TestCached_ReusesSuccessfulReplies(t *testing.T) {
	c, err := cache.New("reasoning", cache.Options{Capacity: 8})
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	inner := &scriptedClient{replies: []string{`{"risk": "low", "score": 1}`}}
	cached := NewCached(inner, c)

	req := Request{Prompt: "same", System: "sys"}
	first, err := cached.GenerateStructured(context.Background(), req)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := cached.GenerateStructured(context.Background(), req)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first != second {
		t.Fatalf("cached reply differs: %+v vs %+v", first, second)
	}
	if len(inner.prompts) != 1 {
		t.Fatalf("inner calls = %d, want 1", len(inner.prompts))
	}
	if _, err := cached.Generate(context.Background(), req); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(inner.prompts) != 2 {
		t.Fatal("plain and structured calls must not share cache entries")
	}
}

func TestCached_SkipsFailures(t *testing.T) {
	c, _ := cache.New("reasoning", cache.Options{Capacity: 8})
	inner := &scriptedClient{err: errors.New("boom")}
	cached := NewCached(inner, c)
	for i := 0; i < 2; i++ {
		if _, err := cached.Generate(context.Background(), Request{Prompt: "x"}); err == nil {
			t.Fatal("expected error")
		}
	}
	if c.Len() != 0 {
		t.Fatal("failures must not be cached")
	}
}

func TestCached_DoesNotPinMalformedReplies(t *testing.T) {
	c, _ := cache.New("reasoning", cache.Options{Capacity: 8})
	inner := &scriptedClient{replies: []string{"sorry, I cannot help", `{"risk": "low", "score": 1}`}}
	cached := NewCached(inner, c)
	req := Request{Prompt: "assess"}

	var r riskReply
	if _, err := GenerateJSON(context.Background(), cached, req, nil, 0, &r); !errors.Is(err, ErrMalformed) {
		t.Fatalf("first call: expected ErrMalformed, got %v", err)
	}
	if c.Len() != 0 {
		t.Fatal("a reply without JSON must not be cached")
	}
	for i := 0; i < 2; i++ {
		if _, err := GenerateJSON(context.Background(), cached, req, nil, 0, &r); err != nil {
			t.Fatalf("call %d: %v", i+2, err)
		}
	}
	if r.Risk != "low" {
		t.Fatalf("decoded %+v", r)
	}
	if len(inner.prompts) != 2 {
		t.Fatalf("provider calls = %d, want 2", len(inner.prompts))
	}
}

func TestCached_ForgetsSchemaRejectedReplies(t *testing.T) {
	c, _ := cache.New("reasoning", cache.Options{Capacity: 8})
	inner := &scriptedClient{replies: []string{`{"risk": "medium", "score": 1}`, `{"risk": "high", "score": 7}`}}
	cached := NewCached(inner, c)
	req := Request{Prompt: "assess"}
	schema := MustSchema("risk", riskSchema)

	var r riskReply
	if _, err := GenerateJSON(context.Background(), cached, req, schema, 0, &r); !errors.Is(err, ErrMalformed) {
		t.Fatalf("first call: expected ErrMalformed, got %v", err)
	}
	if c.Resident(RequestKey("structured", req)) {
		t.Fatal("schema-rejected reply still cached")
	}
	if _, err := GenerateJSON(context.Background(), cached, req, schema, 0, &r); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if r.Risk != "high" || len(inner.prompts) != 2 {
		t.Fatalf("decoded %+v after %d provider calls", r, len(inner.prompts))
	}
}
