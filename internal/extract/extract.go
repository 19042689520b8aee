// Package extract runs the first AI pass over a raw note: identifying tasks,
// decisions and insights with per-field confidence and verbatim evidence.
// The stage is pure with respect to storage; it sees one note and returns
// candidate entities for the materializer to persist. Placement into
// projects and epics belongs to the organize pass and is rejected here.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/inkwell-pm/inkwell/internal/ai"
	"github.com/inkwell-pm/inkwell/internal/fault"
	"github.com/inkwell-pm/inkwell/internal/types"
	"github.com/inkwell-pm/inkwell/internal/validate"
)

// maxModelAttempts bounds the validate-and-retry loop: one corrective round
// trip, then the note dead-letters. Transport-level retries live in the AI
// client, not here.
const maxModelAttempts = 2

const confidenceEpsilon = 1e-6

// phaseBFields are owned by the organize pass. An extraction that emits them
// is rejected so placement never happens without workspace context.
var phaseBFields = map[string]struct{}{
	"projectId":  {},
	"epicId":     {},
	"assigneeId": {},
}

// ToolCaller is the slice of the AI client the stage needs. *ai.Client
// satisfies it.
type ToolCaller interface {
	ForceTool(ctx context.Context, req ai.Request) (*ai.Result, error)
}

// Input is one note to extract from.
type Input struct {
	NoteID     string
	Content    string
	Source     types.NoteSource
	CapturedAt time.Time
	SourceMeta map[string]any
}

// FromNote builds the stage input for a stored note.
func FromNote(n *types.RawNote) Input {
	return Input{
		NoteID:     n.ID,
		Content:    n.Content,
		Source:     n.Source,
		CapturedAt: n.CapturedAt,
		SourceMeta: n.SourceMeta,
	}
}

// ExtractedEntity is one candidate entity. Evidence is already stamped with
// the source note id; warnings carry soft problems (a paraphrased quote) that
// do not block materialization.
type ExtractedEntity struct {
	Type       types.EntityType
	Content    string
	Confidence float64
	Attributes types.Attributes
	Fields     types.FieldConfidences
	Evidence   []types.Evidence
	Warnings   []string
}

// ExtractedRelationship is a directed edge between two entities of the same
// extraction, by index into the entities slice.
type ExtractedRelationship struct {
	SourceIndex int
	TargetIndex int
	Type        types.RelationshipType
}

// Output is a validated extraction. An empty Entities slice is a legitimate
// result: not every note contains structured items.
type Output struct {
	RunID         string
	Model         string
	PromptVersion string
	Entities      []ExtractedEntity
	Relationships []ExtractedRelationship
	InputTokens   int64
	OutputTokens  int64
}

// Config stamps provenance onto every extraction.
type Config struct {
	Model         string
	PromptVersion string
}

// Stage drives the extraction pass.
type Stage struct {
	ai            ToolCaller
	model         string
	promptVersion string
	logger        *zap.Logger
}

// NewStage builds the extraction stage. The logger may be nil.
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

// Run extracts entities from one note. Invalid model output earns a single
// corrective attempt with the rejection reasons appended to the message; a
// second failure returns a validation fault so the job dead-letters instead
// of burning retries on a deterministic mistake. Transport errors pass
// through with their own kinds.
func (s *Stage) Run(ctx context.Context, in Input) (*Output, error) {
	user := buildUserMessage(in)
	req := ai.Request{
		Operation: "extract",
		System:    extractionSystemPrompt,
		User:      user,
		Tool: ai.Tool{
			Name:        toolName,
			Description: toolDescription,
			InputSchema: extractionSchema(),
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
				issues = []fault.Issue{{Message: "respond only by calling record_extraction, never with prose"}}
				s.logger.Warn("extraction answered without the tool",
					zap.String("noteId", in.NoteID),
					zap.Int("attempt", attempt))
				continue
			}
			return nil, err
		}

		entities, rels, parseIssues := s.parse(res.Input, in)
		if len(parseIssues) == 0 {
			out := &Output{
				RunID:         runID,
				Model:         s.model,
				PromptVersion: s.promptVersion,
				Entities:      entities,
				Relationships: rels,
				InputTokens:   res.InputTokens,
				OutputTokens:  res.OutputTokens,
			}
			s.logger.Info("extraction complete",
				zap.String("noteId", in.NoteID),
				zap.String("runId", runID),
				zap.Int("entities", len(entities)),
				zap.Int("relationships", len(rels)),
				zap.Int("attempt", attempt),
				zap.Int64("inputTokens", res.InputTokens),
				zap.Int64("outputTokens", res.OutputTokens))
			return out, nil
		}
		issues = parseIssues
		s.logger.Warn("extraction output rejected",
			zap.String("noteId", in.NoteID),
			zap.Int("attempt", attempt),
			zap.Any("issues", issues))
	}
	return nil, fault.Validation(
		fmt.Sprintf("extraction output for note %s failed validation after %d attempts", in.NoteID, maxModelAttempts),
		issues...)
}

// parse decodes and validates one tool invocation. It returns either the
// converted entities or the issues to feed back to the model. Paraphrased
// evidence quotes demote to per-entity warnings rather than rejections:
// transcripts get reflowed and the quote is advisory, not load-bearing.
func (s *Stage) parse(raw json.RawMessage, in Input) ([]ExtractedEntity, []ExtractedRelationship, []fault.Issue) {
	var wire wireExtraction
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, nil, []fault.Issue{{Message: fmt.Sprintf("tool input is not valid record_extraction JSON: %v", err)}}
	}

	var issues []fault.Issue
	if err := validate.Struct(&wire); err != nil {
		issues = append(issues, validate.Issues(err, "wireExtraction")...)
	}

	normalized := normalizeWS(in.Content)
	entities := make([]ExtractedEntity, 0, len(wire.Entities))
	for i, we := range wire.Entities {
		prefix := fmt.Sprintf("entities[%d]", i)

		paths := make([]string, 0, len(we.Fields))
		for p := range we.Fields {
			paths = append(paths, p)
		}
		sort.Strings(paths)

		minConf := 1.0
		for _, p := range paths {
			f := we.Fields[p]
			if f.Confidence < minConf {
				minConf = f.Confidence
			}
			if _, owned := phaseBFields[p]; owned {
				issues = append(issues, fault.Issue{
					Path:    prefix + ".fields." + p,
					Message: "projects, epics and assignees are linked in the organize pass; drop this field",
				})
			}
			for j, ref := range f.EvidenceRefs {
				if ref < 0 || ref >= len(we.Evidence) {
					issues = append(issues, fault.Issue{
						Path:    fmt.Sprintf("%s.fields.%s.evidenceRefs[%d]", prefix, p, j),
						Message: fmt.Sprintf("index %d is out of range for %d evidence spans", ref, len(we.Evidence)),
					})
				}
			}
		}
		if len(we.Fields) > 0 && math.Abs(we.Confidence-minConf) > confidenceEpsilon {
			issues = append(issues, fault.Issue{
				Path:    prefix + ".confidence",
				Message: fmt.Sprintf("must equal the minimum field confidence %g (got %g)", minConf, we.Confidence),
			})
		}
		if f, ok := we.Fields["type"]; ok {
			var v string
			if err := json.Unmarshal(f.Value, &v); err != nil || v != we.Type {
				issues = append(issues, fault.Issue{
					Path:    prefix + ".fields.type",
					Message: fmt.Sprintf("value must match the entity type %q", we.Type),
				})
			}
		}

		ent := ExtractedEntity{
			Type:       types.EntityType(we.Type),
			Content:    we.Content,
			Confidence: we.Confidence,
			Attributes: types.Attributes(we.Attributes),
			Fields:     make(types.FieldConfidences, len(we.Fields)),
			Evidence:   make([]types.Evidence, len(we.Evidence)),
		}
		for _, p := range paths {
			f := we.Fields[p]
			ent.Fields[p] = types.FieldConfidence{
				Value:        f.Value,
				Confidence:   f.Confidence,
				EvidenceRefs: f.EvidenceRefs,
			}
		}
		for j, ev := range we.Evidence {
			if ev.Quote != "" && !strings.Contains(normalized, normalizeWS(ev.Quote)) {
				ent.Warnings = append(ent.Warnings, fmt.Sprintf("evidence[%d]: quote is not a verbatim span of the note", j))
			}
			ent.Evidence[j] = types.Evidence{
				RawNoteID:   in.NoteID,
				Quote:       ev.Quote,
				StartOffset: ev.StartOffset,
				EndOffset:   ev.EndOffset,
			}
		}
		entities = append(entities, ent)
	}

	rels := make([]ExtractedRelationship, 0, len(wire.Relationships))
	for i, wr := range wire.Relationships {
		prefix := fmt.Sprintf("relationships[%d]", i)
		if wr.SourceIndex >= len(wire.Entities) || wr.TargetIndex >= len(wire.Entities) {
			issues = append(issues, fault.Issue{
				Path:    prefix,
				Message: fmt.Sprintf("entity indexes must be below %d", len(wire.Entities)),
			})
		} else if wr.SourceIndex == wr.TargetIndex {
			issues = append(issues, fault.Issue{
				Path:    prefix,
				Message: "sourceIndex and targetIndex must differ",
			})
		}
		rels = append(rels, ExtractedRelationship{
			SourceIndex: wr.SourceIndex,
			TargetIndex: wr.TargetIndex,
			Type:        types.RelationshipType(wr.Type),
		})
	}

	if len(issues) > 0 {
		return nil, nil, issues
	}
	return entities, rels, nil
}

// normalizeWS collapses runs of whitespace so reflowed quotes still match
// the note they were copied from.
func normalizeWS(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
