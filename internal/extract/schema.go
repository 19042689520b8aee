package extract

import "encoding/json"

// toolName is the forced tool for the extraction pass. The model is not
// allowed to answer any other way.
const toolName = "record_extraction"

const toolDescription = "Record the tasks, decisions and insights found in a note, " +
	"with per-field confidence scores and verbatim supporting quotes."

// wireExtraction mirrors the record_extraction tool input. Struct tags carry
// the checks the JSON schema alone cannot promise once a model is on the other
// end; cross-field invariants (confidence minimum, evidence indexes, phase
// ownership) are enforced separately in parse.
type wireExtraction struct {
	Entities      []wireEntity       `json:"entities" validate:"dive"`
	Relationships []wireRelationship `json:"relationships" validate:"dive"`
}

type wireEntity struct {
	Type       string               `json:"type" validate:"required,oneof=task decision insight"`
	Content    string               `json:"content" validate:"required"`
	Confidence float64              `json:"confidence" validate:"min=0,max=1"`
	Attributes map[string]any       `json:"attributes"`
	Fields     map[string]wireField `json:"fields" validate:"min=1,dive"`
	Evidence   []wireEvidence       `json:"evidence" validate:"min=1,dive"`
}

type wireField struct {
	Value        json.RawMessage `json:"value" validate:"required"`
	Confidence   float64         `json:"confidence" validate:"min=0,max=1"`
	EvidenceRefs []int           `json:"evidenceRefs"`
}

type wireEvidence struct {
	Quote       string `json:"quote" validate:"required"`
	StartOffset *int   `json:"startOffset"`
	EndOffset   *int   `json:"endOffset"`
}

type wireRelationship struct {
	SourceIndex int    `json:"sourceIndex" validate:"min=0"`
	TargetIndex int    `json:"targetIndex" validate:"min=0"`
	Type        string `json:"type" validate:"required,oneof=derived_from related_to duplicate_of blocks"`
}

// extractionSchema returns the record_extraction input schema. The SDK wraps
// it with "type":"object", so only properties and required appear here.
func extractionSchema() map[string]any {
	confidence := map[string]any{
		"type":        "number",
		"minimum":     0,
		"maximum":     1,
		"description": "Confidence in [0,1].",
	}
	field := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"value":      map[string]any{"description": "The extracted value for this field path."},
			"confidence": confidence,
			"evidenceRefs": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "integer", "minimum": 0},
				"description": "Indexes into this entity's evidence array.",
			},
		},
		"required": []string{"value", "confidence"},
	}
	evidence := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"quote":       map[string]any{"type": "string", "description": "Verbatim span copied from the note."},
			"startOffset": map[string]any{"type": "integer", "minimum": 0},
			"endOffset":   map[string]any{"type": "integer", "minimum": 0},
		},
		"required": []string{"quote"},
	}
	entity := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"type": map[string]any{
				"type": "string",
				"enum": []string{"task", "decision", "insight"},
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Concise, self-contained restatement of the item.",
			},
			"confidence": map[string]any{
				"type":        "number",
				"minimum":     0,
				"maximum":     1,
				"description": "Overall confidence; must equal the minimum confidence across fields.",
			},
			"attributes": map[string]any{
				"type":        "object",
				"description": "Type-specific attributes: tasks may set dueDate and priority, decisions rationale and alternatives, insights category.",
			},
			"fields": map[string]any{
				"type":                 "object",
				"additionalProperties": field,
				"description":          "Field path (e.g. \"content\", \"attributes.dueDate\") to value, confidence and evidence refs.",
			},
			"evidence": map[string]any{
				"type":  "array",
				"items": evidence,
			},
		},
		"required": []string{"type", "content", "confidence", "fields", "evidence"},
	}
	relationship := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"sourceIndex": map[string]any{"type": "integer", "minimum": 0},
			"targetIndex": map[string]any{"type": "integer", "minimum": 0},
			"type": map[string]any{
				"type": "string",
				"enum": []string{"derived_from", "related_to", "duplicate_of", "blocks"},
			},
		},
		"required": []string{"sourceIndex", "targetIndex", "type"},
	}
	return map[string]any{
		"properties": map[string]any{
			"entities": map[string]any{
				"type":  "array",
				"items": entity,
			},
			"relationships": map[string]any{
				"type":        "array",
				"items":       relationship,
				"description": "Directed edges between entities in this extraction, by array index.",
			},
		},
		"required": []string{"entities"},
	}
}
