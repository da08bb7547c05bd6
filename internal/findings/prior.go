package findings

import (
	"context"
	"fmt"

	"github.com/basket/go-inquest/internal/persistence"
	"github.com/basket/go-inquest/internal/tools"
)

// PriorFindingsToolName is the tool name agents use to read earlier findings.
const PriorFindingsToolName = "prior_findings"

// PriorFindingsTool exposes earlier findings for an entity to agents. It
// reads live state, so results are never cached.
func PriorFindingsTool(store Sessioner) *tools.FuncTool {
	return &tools.FuncTool{
		ToolName: PriorFindingsToolName,
		Desc:     "Findings already recorded for one entity, newest first.",
		ParamList: []tools.Param{
			{Name: "entity_key", Type: "string", Required: true, Description: "entity identifier, e.g. SITE-003"},
			{Name: "limit", Type: "int", Default: 10},
		},
		IsVolatile: true,
		Fn: func(ctx context.Context, args map[string]any) (any, int, error) {
			entity, _ := args["entity_key"].(string)
			limit, _ := args["limit"].(int64)
			sess, err := store.Session(ctx)
			if err != nil {
				return nil, 0, err
			}
			defer sess.Close()
			fs, err := sess.ListFindings(ctx, persistence.FindingFilter{EntityKey: entity, Limit: int(limit)})
			if err != nil {
				return nil, 0, fmt.Errorf("prior findings: %w", err)
			}
			rows := make([]map[string]any, 0, len(fs))
			for _, f := range fs {
				rows = append(rows, map[string]any{
					"agent_id":   f.AgentID,
					"type":       f.FindingType,
					"severity":   f.Severity,
					"summary":    f.Summary,
					"day":        f.Day,
					"confidence": f.Confidence,
				})
			}
			return rows, len(rows), nil
		},
	}
}
