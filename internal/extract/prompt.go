package extract

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/inkwell-pm/inkwell/internal/fault"
)

// extractionSystemPrompt primes the model for the first pass over a note.
// Organizational placement (project, epic, assignee) is deliberately out of
// scope here; a later pass handles it with workspace context the extractor
// never sees.
const extractionSystemPrompt = `You extract structured work items from freeform notes. Notes arrive from CLI captures, chat messages, voice memos, meeting transcripts and markdown files. Your only output is a single call to the record_extraction tool.

Entity types:
- task: concrete work someone should do. May carry attributes.dueDate (ISO 8601 date) and attributes.priority (low, medium, high or urgent).
- decision: a choice that was made, not one still under discussion. May carry attributes.rationale and attributes.alternatives (array of rejected options).
- insight: a durable observation or lesson worth keeping. May carry attributes.category.

Rules:
1. Extract only what the note supports. A note with no tasks, decisions or insights yields an empty entities array. Never invent items to have something to return.
2. content is a concise restatement that stands on its own without the note.
3. fields maps every field you extracted to its value, a confidence in [0,1], and evidenceRefs pointing into the entity's evidence array. Use field paths "type", "content", "status" and "attributes.<name>".
4. The entity-level confidence must equal the minimum confidence across its fields.
5. Score conservatively: 0.95+ only when the note states the field explicitly and unambiguously, 0.7-0.9 when it is clearly implied, below 0.7 when you are guessing.
6. Every evidence quote is copied verbatim from the note. Include startOffset and endOffset (byte offsets into the note) when you can determine them; omit them rather than guess.
7. Resolve relative dates ("Thursday", "next week") against the captured-at timestamp provided with the note.
8. Do not assign projects, epics or assignees. Even when the note names a person or project, placement happens in a later pass; never emit projectId, epicId or assigneeId fields.
9. relationships connect entities from this extraction by array index: a task spawned by a decision or insight is derived_from it; blocks, related_to and duplicate_of as warranted.

Example 1 - CLI capture (captured at 2025-06-02T09:14:00Z, a Monday):

Note:
fix the race in the sync scheduler before Thursday's release, it's blocking QA

record_extraction:
{"entities":[{"type":"task","content":"Fix the race condition in the sync scheduler","confidence":0.8,"attributes":{"dueDate":"2025-06-05","priority":"high"},"fields":{"type":{"value":"task","confidence":0.98,"evidenceRefs":[0]},"content":{"value":"Fix the race condition in the sync scheduler","confidence":0.95,"evidenceRefs":[0]},"attributes.dueDate":{"value":"2025-06-05","confidence":0.85,"evidenceRefs":[1]},"attributes.priority":{"value":"high","confidence":0.8,"evidenceRefs":[2]}},"evidence":[{"quote":"fix the race in the sync scheduler","startOffset":0,"endOffset":34},{"quote":"before Thursday's release"},{"quote":"it's blocking QA"}]}],"relationships":[]}

Example 2 - chat message:

Note:
team agreed we're going with Postgres over Dynamo for the event store, cheaper at our scale. @dana will spike the schema next week

record_extraction:
{"entities":[{"type":"decision","content":"Use Postgres instead of DynamoDB for the event store","confidence":0.85,"attributes":{"rationale":"cheaper at our scale","alternatives":["DynamoDB"]},"fields":{"type":{"value":"decision","confidence":0.97,"evidenceRefs":[0]},"content":{"value":"Use Postgres instead of DynamoDB for the event store","confidence":0.95,"evidenceRefs":[0]},"attributes.rationale":{"value":"cheaper at our scale","confidence":0.9,"evidenceRefs":[1]},"attributes.alternatives":{"value":["DynamoDB"],"confidence":0.85,"evidenceRefs":[0]}},"evidence":[{"quote":"team agreed we're going with Postgres over Dynamo for the event store"},{"quote":"cheaper at our scale"}]},{"type":"task","content":"Spike the Postgres event-store schema","confidence":0.9,"fields":{"type":{"value":"task","confidence":0.95,"evidenceRefs":[0]},"content":{"value":"Spike the Postgres event-store schema","confidence":0.9,"evidenceRefs":[0]}},"evidence":[{"quote":"@dana will spike the schema next week"}]}],"relationships":[{"sourceIndex":1,"targetIndex":0,"type":"derived_from"}]}

Note that @dana names an assignee, but rule 8 applies: the extraction records the task without one.

Example 3 - meeting transcript:

Note:
Sam: looking at the numbers again, churn is concentrated in accounts that never finished onboarding. We should add a checklist nudge on day three.

record_extraction:
{"entities":[{"type":"insight","content":"Churn concentrates in accounts that never completed onboarding","confidence":0.85,"attributes":{"category":"retention"},"fields":{"type":{"value":"insight","confidence":0.95,"evidenceRefs":[0]},"content":{"value":"Churn concentrates in accounts that never completed onboarding","confidence":0.9,"evidenceRefs":[0]},"attributes.category":{"value":"retention","confidence":0.85,"evidenceRefs":[0]}},"evidence":[{"quote":"churn is concentrated in accounts that never finished onboarding"}]},{"type":"task","content":"Add an onboarding checklist nudge on day three","confidence":0.75,"fields":{"type":{"value":"task","confidence":0.85,"evidenceRefs":[1]},"content":{"value":"Add an onboarding checklist nudge on day three","confidence":0.75,"evidenceRefs":[1]}},"evidence":[{"quote":"churn is concentrated in accounts that never finished onboarding"},{"quote":"We should add a checklist nudge on day three"}]}],"relationships":[{"sourceIndex":1,"targetIndex":0,"type":"derived_from"}]}`

// buildUserMessage renders the note with its capture context so the model can
// resolve relative dates and weight the source.
func buildUserMessage(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Source: %s\n", in.Source)
	fmt.Fprintf(&b, "Captured at: %s\n", in.CapturedAt.UTC().Format(time.RFC3339))
	if len(in.SourceMeta) > 0 {
		if meta, err := json.Marshal(in.SourceMeta); err == nil {
			fmt.Fprintf(&b, "Source metadata: %s\n", meta)
		}
	}
	b.WriteString("\nNote:\n")
	b.WriteString(in.Content)
	return b.String()
}

// retryInstructions appends the rejection reasons to the original message for
// the single corrective attempt.
func retryInstructions(issues []fault.Issue) string {
	var b strings.Builder
	b.WriteString("\n\nYour previous record_extraction call was rejected. Fix the problems below and call the tool again with the corrected extraction:\n")
	for _, issue := range issues {
		if issue.Path != "" {
			fmt.Fprintf(&b, "- %s: %s\n", issue.Path, issue.Message)
		} else {
			fmt.Fprintf(&b, "- %s\n", issue.Message)
		}
	}
	return b.String()
}
