package organize

// toolName is the forced tool for the organization pass.
const toolName = "record_organization"

const toolDescription = "Record where a freshly extracted entity belongs in the workspace: " +
	"project, epic and assignee suggestions, duplicate candidates and new-epic proposals, " +
	"each with its own confidence."

// wireOrganization mirrors the record_organization tool input. Every id must
// come from the context lists supplied with the entity; parse enforces that
// after the tag checks pass.
type wireOrganization struct {
	SuggestedProject    *wireProjectPick   `json:"suggestedProject"`
	SuggestedEpic       *wireEpicPick      `json:"suggestedEpic"`
	SuggestedAssignee   *wireAssigneePick  `json:"suggestedAssignee"`
	DuplicateCandidates []wireDuplicate    `json:"duplicateCandidates" validate:"dive"`
	EpicProposals       []wireEpicProposal `json:"epicProposals" validate:"dive"`
}

type wireProjectPick struct {
	ProjectID    string  `json:"projectId" validate:"required"`
	AIConfidence float64 `json:"aiConfidence" validate:"min=0,max=1"`
}

type wireEpicPick struct {
	EpicID       string  `json:"epicId" validate:"required"`
	AIConfidence float64 `json:"aiConfidence" validate:"min=0,max=1"`
}

type wireAssigneePick struct {
	UserID       string  `json:"userId" validate:"required"`
	AIConfidence float64 `json:"aiConfidence" validate:"min=0,max=1"`
}

type wireDuplicate struct {
	EntityID        string  `json:"entityId" validate:"required"`
	SimilarityScore float64 `json:"similarityScore" validate:"min=0,max=1"`
	Reason          string  `json:"reason" validate:"required"`
	AIConfidence    float64 `json:"aiConfidence" validate:"min=0,max=1"`
}

type wireEpicProposal struct {
	Name               string   `json:"name" validate:"required"`
	Description        string   `json:"description"`
	ProjectID          string   `json:"projectId" validate:"required"`
	CandidateEntityIDs []string `json:"candidateEntityIds" validate:"min=1,dive,required"`
	AIConfidence       float64  `json:"aiConfidence" validate:"min=0,max=1"`
}

// organizationSchema returns the record_organization input schema; the SDK
// supplies the outer "type":"object".
func organizationSchema() map[string]any {
	confidence := map[string]any{
		"type":        "number",
		"minimum":     0,
		"maximum":     1,
		"description": "Confidence in [0,1].",
	}
	return map[string]any{
		"properties": map[string]any{
			"suggestedProject": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"projectId":    map[string]any{"type": "string", "description": "An id from the active-projects list."},
					"aiConfidence": confidence,
				},
				"required": []string{"projectId", "aiConfidence"},
			},
			"suggestedEpic": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"epicId":       map[string]any{"type": "string", "description": "An id from the open-epics list."},
					"aiConfidence": confidence,
				},
				"required": []string{"epicId", "aiConfidence"},
			},
			"suggestedAssignee": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"userId":       map[string]any{"type": "string", "description": "An id from the user directory."},
					"aiConfidence": confidence,
				},
				"required": []string{"userId", "aiConfidence"},
			},
			"duplicateCandidates": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"entityId":        map[string]any{"type": "string", "description": "An id from the recent-entities list."},
						"similarityScore": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
						"reason":          map[string]any{"type": "string", "description": "One line on why these are the same item."},
						"aiConfidence":    confidence,
					},
					"required": []string{"entityId", "similarityScore", "reason", "aiConfidence"},
				},
			},
			"epicProposals": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"name":        map[string]any{"type": "string"},
						"description": map[string]any{"type": "string"},
						"projectId":   map[string]any{"type": "string", "description": "An id from the active-projects list."},
						"candidateEntityIds": map[string]any{
							"type":        "array",
							"items":       map[string]any{"type": "string"},
							"description": "Recent entities (or the entity being organized) the new epic would collect.",
						},
						"aiConfidence": confidence,
					},
					"required": []string{"name", "projectId", "candidateEntityIds", "aiConfidence"},
				},
			},
		},
	}
}
