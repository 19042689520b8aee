package organize

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/inkwell-pm/inkwell/internal/fault"
)

const organizationSystemPrompt = `You place freshly extracted work items into an existing workspace. You are given one entity and the current workspace context: active projects, open epics, recent entities and the user directory. Your only output is a single call to the record_organization tool.

Proposals you may make, each with its own aiConfidence in [0,1]:
- suggestedProject: the one project this entity belongs to.
- suggestedEpic: the one epic within that project. When you suggest an epic without a project, the epic must belong to the entity's current project.
- suggestedAssignee: who should own this item, usually because the note names them.
- duplicateCandidates: recent entities that describe the same item, with a similarityScore and a one-line reason. Matching intent counts; shared words alone do not.
- epicProposals: when this entity and at least two recent entities share a concrete deliverable no open epic covers, propose a new epic with its project and the candidate entity ids.

Rules:
1. Every id must come from the context lists. Never invent ids.
2. Omit any proposal the context does not support. Calling the tool with no proposals is the correct answer when nothing fits.
3. Score conservatively: 0.95+ only for an explicit, unambiguous match, 0.7-0.9 for a clear implication, below 0.7 when you are guessing.
4. Do not suggest an epic in a different project than the one you suggest (or the entity already has).
5. An entity is never a duplicate of itself.`

// buildUserMessage renders the entity and its context batches into labelled
// sections. Empty sections are marked so the model does not hallucinate
// candidates for them.
func buildUserMessage(in Input) string {
	var b strings.Builder
	e := in.Entity
	b.WriteString("Entity to organize:\n")
	fmt.Fprintf(&b, "  id: %s\n  type: %s\n  status: %s\n  content: %s\n", e.ID, e.Type, e.Status, e.Content)
	if e.ProjectID != nil {
		fmt.Fprintf(&b, "  current project: %s\n", *e.ProjectID)
	}
	if len(e.Attributes) > 0 {
		if attrs, err := json.Marshal(e.Attributes); err == nil {
			fmt.Fprintf(&b, "  attributes: %s\n", attrs)
		}
	}

	b.WriteString("\nActive projects:\n")
	if len(in.Projects) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, p := range in.Projects {
		fmt.Fprintf(&b, "  - %s: %s", p.ID, p.Name)
		if p.Description != nil && *p.Description != "" {
			fmt.Fprintf(&b, " (%s)", *p.Description)
		}
		b.WriteByte('\n')
	}

	b.WriteString("\nOpen epics:\n")
	if len(in.Epics) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, ep := range in.Epics {
		fmt.Fprintf(&b, "  - %s (project %s): %s\n", ep.ID, ep.ProjectID, ep.Name)
	}

	b.WriteString("\nRecent entities:\n")
	if len(in.Recent) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, re := range in.Recent {
		fmt.Fprintf(&b, "  - %s [%s] %s", re.ID, re.Type, re.Content)
		if re.ProjectID != nil {
			fmt.Fprintf(&b, " (project %s)", *re.ProjectID)
		}
		b.WriteByte('\n')
	}

	b.WriteString("\nUsers:\n")
	if len(in.Users) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, u := range in.Users {
		fmt.Fprintf(&b, "  - %s: %s <%s>\n", u.ID, u.Name, u.Email)
	}

	return b.String()
}

func retryInstructions(issues []fault.Issue) string {
	var b strings.Builder
	b.WriteString("\n\nYour previous record_organization call was rejected. Fix the problems below and call the tool again with the corrected proposals:\n")
	for _, issue := range issues {
		if issue.Path != "" {
			fmt.Fprintf(&b, "- %s: %s\n", issue.Path, issue.Message)
		} else {
			fmt.Fprintf(&b, "- %s\n", issue.Message)
		}
	}
	return b.String()
}
