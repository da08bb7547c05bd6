package tools

import (
	"fmt"
	"strings"
)

// Catalog renders the tool list for the Plan prompt: one block per tool
// with its parameters, required ones first.
func (r *Registry) Catalog() string {
	var b strings.Builder
	for _, name := range r.order {
		t := r.tools[name]
		fmt.Fprintf(&b, "- %s: %s\n", name, t.Description())
		for _, p := range sortedParams(t.Params()) {
			typ := p.Type
			if typ == "" {
				typ = "string"
			}
			fmt.Fprintf(&b, "    %s (%s", p.Name, typ)
			if p.Required {
				b.WriteString(", required")
			} else if p.Default != nil {
				fmt.Fprintf(&b, ", default %v", p.Default)
			}
			b.WriteString(")")
			if p.Description != "" {
				b.WriteString(": " + p.Description)
			}
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
