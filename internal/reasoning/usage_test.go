package reasoning

import (
	"math"
	"testing"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{name: "empty", content: "", want: 0},
		{name: "single word", content: "hello", want: 1},
		// 13 words * 1.33 = 17, 63 bytes / 4 = 15
		{name: "prose", content: "The quick brown fox jumps over the lazy dog near the river bank", want: 17},
		// 4 words * 1.33 = 5, 36 bytes / 4 = 9
		{name: "sql", content: "SELECT site_id FROM enrollment_stats", want: 9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := estimateTokens(tt.content); got != tt.want {
				t.Fatalf("estimateTokens(%q) = %d, want %d", tt.content, got, tt.want)
			}
		})
	}
}

func TestFillUsage(t *testing.T) {
	resp := Response{Text: "one two three"}
	fillUsage(Request{System: "be brief", Prompt: "count to three"}, &resp)
	if !resp.Usage.Estimated || resp.Usage.InputTokens == 0 || resp.Usage.OutputTokens == 0 {
		t.Fatalf("expected estimated usage, got %+v", resp.Usage)
	}

	reported := Response{Text: "x", Usage: Usage{InputTokens: 7, OutputTokens: 2}}
	fillUsage(Request{Prompt: "p"}, &reported)
	if reported.Usage.Estimated || reported.Usage.InputTokens != 7 {
		t.Fatalf("reported usage overwritten: %+v", reported.Usage)
	}
}

func TestEstimateCost(t *testing.T) {
	million := Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000}
	tests := []struct {
		model string
		want  float64
	}{
		{"gpt-4o", 12.50},
		{"gpt-4o-mini", 0.75},
		{"gemini-2.5-flash", 2.80},
		{"gemini-2.5-flash-lite", 0.50},
		{"claude-sonnet-4-5-20250929", 18.00},
		{"anthropic/claude-sonnet-4-5-20250929", 18.00},
		{"unknown-model", 0},
	}
	for _, tt := range tests {
		if got := EstimateCost(tt.model, million); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("EstimateCost(%q) = %f, want %f", tt.model, got, tt.want)
		}
	}
}
