// Package organize runs the second AI pass: placing one freshly created
// entity into the workspace. The stage sees the entity plus context batches
// gathered by the job handler and proposes project, epic and assignee
// assignments, duplicate candidates and new-epic proposals. Like extraction
// it never touches storage; the materializer decides what to apply and what
// to queue for review.
package organize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/inkwell-pm/inkwell/internal/ai"
	"github.com/inkwell-pm/inkwell/internal/fault"
	"github.com/inkwell-pm/inkwell/internal/types"
	"github.com/inkwell-pm/inkwell/internal/validate"
)

// maxModelAttempts mirrors the extraction stage: one corrective round trip,
// then the job dead-letters.
const maxModelAttempts = 2

// ToolCaller is the slice of the AI client the stage needs.
type ToolCaller interface {
	ForceTool(ctx context.Context, req ai.Request) (*ai.Result, error)
}

// Input is one entity plus the context batches it may be placed against.
// Ids the model emits are checked against these lists, so the handler must
// pass exactly what it rendered.
type Input struct {
	Entity   *types.Entity
	Projects []*types.Project
	Epics    []*types.Epic
	Recent   []*types.Entity
	Users    []*types.User
}

// Suggestion is one proposed id with its confidence.
type Suggestion struct {
	ID         string
	Confidence float64
}

// DuplicateCandidate marks a recent entity as a probable duplicate of the
// one being organized.
type DuplicateCandidate struct {
	EntityID        string
	SimilarityScore float64
	Reason          string
	Confidence      float64
}

// EpicProposalCandidate proposes a new epic collecting several entities.
type EpicProposalCandidate struct {
	Name               string
	Description        string
	ProjectID          string
	CandidateEntityIDs []string
	Confidence         float64
}

// Output is a validated organization. All fields are optional; an empty
// output means the workspace offers no placement for this entity.
type Output struct {
	RunID         string
	Model         string
	PromptVersion string
	Project       *Suggestion
	Epic          *Suggestion
	Assignee      *Suggestion
	Duplicates    []DuplicateCandidate
	EpicProposals []EpicProposalCandidate
	InputTokens   int64
	OutputTokens  int64
}

// Config stamps provenance onto every organization run.
type Config struct {
	Model         string
	PromptVersion string
}

// Stage drives the organization pass.
type Stage struct {
	ai            ToolCaller
	model         string
	promptVersion string
	logger        *zap.Logger
}

// NewStage builds the organization stage. The logger may be nil.
func NewStage(tc ToolCaller, cfg Config, logger *zap.Logger) *Stage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stage{
		ai:            tc,
		model:         cfg.Model,
		promptVersion: cfg.PromptVersion,
		logger:        logger,
	}
}

// Run proposes placements for one entity. The retry discipline matches
// extraction: invalid output earns a single corrective attempt, a second
// failure returns a validation fault, transport errors pass through.
func (s *Stage) Run(ctx context.Context, in Input) (*Output, error) {
	user := buildUserMessage(in)
	req := ai.Request{
		Operation: "organize",
		System:    organizationSystemPrompt,
		User:      user,
		Tool: ai.Tool{
			Name:        toolName,
			Description: toolDescription,
			InputSchema: organizationSchema(),
		},
	}

	runID := uuid.NewString()
	var issues []fault.Issue
	for attempt := 1; attempt <= maxModelAttempts; attempt++ {
		if attempt > 1 {
			req.User = user + retryInstructions(issues)
		}
		res, err := s.ai.ForceTool(ctx, req)
		if err != nil {
			if errors.Is(err, ai.ErrNoToolUse) {
				issues = []fault.Issue{{Message: "respond only by calling record_organization, never with prose"}}
				s.logger.Warn("organization answered without the tool",
					zap.String("entityId", in.Entity.ID),
					zap.Int("attempt", attempt))
				continue
			}
			return nil, err
		}

		out, parseIssues := s.parse(res.Input, in)
		if len(parseIssues) == 0 {
			out.RunID = runID
			out.Model = s.model
			out.PromptVersion = s.promptVersion
			out.InputTokens = res.InputTokens
			out.OutputTokens = res.OutputTokens
			s.logger.Info("organization complete",
				zap.String("entityId", in.Entity.ID),
				zap.String("runId", runID),
				zap.Bool("project", out.Project != nil),
				zap.Bool("epic", out.Epic != nil),
				zap.Bool("assignee", out.Assignee != nil),
				zap.Int("duplicates", len(out.Duplicates)),
				zap.Int("epicProposals", len(out.EpicProposals)),
				zap.Int("attempt", attempt))
			return out, nil
		}
		issues = parseIssues
		s.logger.Warn("organization output rejected",
			zap.String("entityId", in.Entity.ID),
			zap.Int("attempt", attempt),
			zap.Any("issues", issues))
	}
	return nil, fault.Validation(
		fmt.Sprintf("organization output for entity %s failed validation after %d attempts", in.Entity.ID, maxModelAttempts),
		issues...)
}

// parse decodes one tool invocation and checks every proposed id against the
// context the model was shown. Referential mistakes are deterministic model
// errors, so they feed the corrective attempt rather than a retryable fault.
func (s *Stage) parse(raw json.RawMessage, in Input) (*Output, []fault.Issue) {
	var wire wireOrganization
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, []fault.Issue{{Message: fmt.Sprintf("tool input is not valid record_organization JSON: %v", err)}}
	}

	var issues []fault.Issue
	if err := validate.Struct(&wire); err != nil {
		issues = append(issues, validate.Issues(err, "wireOrganization")...)
	}

	projects := make(map[string]struct{}, len(in.Projects))
	for _, p := range in.Projects {
		projects[p.ID] = struct{}{}
	}
	epics := make(map[string]*types.Epic, len(in.Epics))
	for _, ep := range in.Epics {
		epics[ep.ID] = ep
	}
	recent := make(map[string]struct{}, len(in.Recent))
	for _, re := range in.Recent {
		recent[re.ID] = struct{}{}
	}
	users := make(map[string]struct{}, len(in.Users))
	for _, u := range in.Users {
		users[u.ID] = struct{}{}
	}

	out := &Output{}

	if wp := wire.SuggestedProject; wp != nil {
		if _, ok := projects[wp.ProjectID]; !ok {
			issues = append(issues, fault.Issue{
				Path:    "suggestedProject.projectId",
				Message: fmt.Sprintf("%q is not in the active-projects list", wp.ProjectID),
			})
		}
		out.Project = &Suggestion{ID: wp.ProjectID, Confidence: wp.AIConfidence}
	}

	if we := wire.SuggestedEpic; we != nil {
		ep, ok := epics[we.EpicID]
		switch {
		case !ok:
			issues = append(issues, fault.Issue{
				Path:    "suggestedEpic.epicId",
				Message: fmt.Sprintf("%q is not in the open-epics list", we.EpicID),
			})
		default:
			// The epic must land in whichever project the entity will have.
			var project string
			if wire.SuggestedProject != nil {
				project = wire.SuggestedProject.ProjectID
			} else if in.Entity.ProjectID != nil {
				project = *in.Entity.ProjectID
			}
			if project == "" {
				issues = append(issues, fault.Issue{
					Path:    "suggestedEpic",
					Message: "an epic suggestion needs a project: suggest one or drop the epic",
				})
			} else if ep.ProjectID != project {
				issues = append(issues, fault.Issue{
					Path:    "suggestedEpic.epicId",
					Message: fmt.Sprintf("epic %q belongs to project %q, not %q", we.EpicID, ep.ProjectID, project),
				})
			}
		}
		out.Epic = &Suggestion{ID: we.EpicID, Confidence: we.AIConfidence}
	}

	if wa := wire.SuggestedAssignee; wa != nil {
		if _, ok := users[wa.UserID]; !ok {
			issues = append(issues, fault.Issue{
				Path:    "suggestedAssignee.userId",
				Message: fmt.Sprintf("%q is not in the user directory", wa.UserID),
			})
		}
		out.Assignee = &Suggestion{ID: wa.UserID, Confidence: wa.AIConfidence}
	}

	for i, wd := range wire.DuplicateCandidates {
		prefix := fmt.Sprintf("duplicateCandidates[%d]", i)
		if wd.EntityID == in.Entity.ID {
			issues = append(issues, fault.Issue{
				Path:    prefix + ".entityId",
				Message: "an entity cannot duplicate itself",
			})
		} else if _, ok := recent[wd.EntityID]; !ok {
			issues = append(issues, fault.Issue{
				Path:    prefix + ".entityId",
				Message: fmt.Sprintf("%q is not in the recent-entities list", wd.EntityID),
			})
		}
		out.Duplicates = append(out.Duplicates, DuplicateCandidate{
			EntityID:        wd.EntityID,
			SimilarityScore: wd.SimilarityScore,
			Reason:          wd.Reason,
			Confidence:      wd.AIConfidence,
		})
	}

	for i, wp := range wire.EpicProposals {
		prefix := fmt.Sprintf("epicProposals[%d]", i)
		if _, ok := projects[wp.ProjectID]; !ok {
			issues = append(issues, fault.Issue{
				Path:    prefix + ".projectId",
				Message: fmt.Sprintf("%q is not in the active-projects list", wp.ProjectID),
			})
		}
		for j, id := range wp.CandidateEntityIDs {
			if id == in.Entity.ID {
				continue
			}
			if _, ok := recent[id]; !ok {
				issues = append(issues, fault.Issue{
					Path:    fmt.Sprintf("%s.candidateEntityIds[%d]", prefix, j),
					Message: fmt.Sprintf("%q is not in the recent-entities list", id),
				})
			}
		}
		out.EpicProposals = append(out.EpicProposals, EpicProposalCandidate{
			Name:               wp.Name,
			Description:        wp.Description,
			ProjectID:          wp.ProjectID,
			CandidateEntityIDs: wp.CandidateEntityIDs,
			Confidence:         wp.AIConfidence,
		})
	}

	if len(issues) > 0 {
		return nil, issues
	}
	return out, nil
}
