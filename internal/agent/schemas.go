package agent

import "github.com/basket/go-inquest/internal/reasoning"

var reasonSchema = reasoning.MustSchema("reason", `{
	"type": "object",
	"required": ["hypotheses"],
	"properties": {
		"hypotheses": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["statement"],
				"properties": {
					"statement": {"type": "string"},
					"evidence": {"type": "array", "items": {"type": "string"}},
					"confidence": {"type": "number", "minimum": 0, "maximum": 1}
				}
			}
		}
	}
}`)

var planSchema = reasoning.MustSchema("plan", `{
	"type": "object",
	"required": ["steps"],
	"properties": {
		"steps": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["tool"],
				"properties": {
					"tool": {"type": "string", "minLength": 1},
					"args": {"type": ["object", "null"]},
					"rationale": {"type": "string"}
				}
			}
		}
	}
}`)

var reflectSchema = reasoning.MustSchema("reflect", `{
	"type": "object",
	"required": ["goal_satisfied", "findings"],
	"properties": {
		"goal_satisfied": {"type": "boolean"},
		"findings": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["title"],
				"properties": {
					"entity_key": {"type": ["string", "null"]},
					"title": {"type": "string"},
					"detail": {"type": "string"},
					"severity": {"type": "string"},
					"confidence": {"type": "number", "minimum": 0, "maximum": 1}
				}
			}
		},
		"overall_severity": {"type": "string"},
		"summary": {"type": "string"},
		"gaps": {"type": "array", "items": {"type": "string"}},
		"follow_up_questions": {"type": "array", "items": {"type": "string"}}
	}
}`)
