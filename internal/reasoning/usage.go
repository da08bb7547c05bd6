package reasoning

import (
	"sort"
	"strings"
)

// estimateTokens is a word-based token estimate: 1.33 tokens per word, with
// len/4 as the floor for code and text without spaces.
func estimateTokens(s string) int {
	if s == "" {
		return 0
	}
	words := int(float64(len(strings.Fields(s))) * 1.33)
	if chars := len(s) / 4; chars > words {
		return chars
	}
	return words
}

// fillUsage estimates token counts when the provider did not report any.
func fillUsage(req Request, resp *Response) {
	if resp.Usage.InputTokens > 0 || resp.Usage.OutputTokens > 0 {
		return
	}
	resp.Usage = Usage{
		InputTokens:  estimateTokens(req.System) + estimateTokens(req.Prompt),
		OutputTokens: estimateTokens(resp.Text),
		Estimated:    true,
	}
}

// modelPrice holds USD per million tokens.
type modelPrice struct {
	input, output float64
}

// Keys are model name prefixes; dated and vendor-prefixed names match the
// longest key they start with.
var modelPrices = map[string]modelPrice{
	"gemini-2.5-flash-lite": {0.10, 0.40},
	"gemini-2.5-flash":      {0.30, 2.50},
	"gemini-2.5-pro":        {1.25, 10.00},
	"claude-sonnet-4-5":     {3.00, 15.00},
	"claude-haiku-4-5":      {1.00, 5.00},
	"gpt-4o-mini":           {0.15, 0.60},
	"gpt-4o":                {2.50, 10.00},
}

var pricePrefixes = func() []string {
	keys := make([]string, 0, len(modelPrices))
	for k := range modelPrices {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })
	return keys
}()

// EstimateCost returns the USD cost of u on model, or 0 for unknown models.
func EstimateCost(model string, u Usage) float64 {
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	for _, prefix := range pricePrefixes {
		if strings.HasPrefix(model, prefix) {
			p := modelPrices[prefix]
			return float64(u.InputTokens)/1_000_000*p.input + float64(u.OutputTokens)/1_000_000*p.output
		}
	}
	return 0
}
