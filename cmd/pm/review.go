package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/inkwell-pm/inkwell/internal/apiclient"
	"github.com/inkwell-pm/inkwell/internal/types"
)

var reviewFetchLimit int

// Review card styles
var (
	reviewHeaderStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("12"))

	reviewLabelStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("242"))

	confHighStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("76"))

	confMidStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	confLowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	acceptedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("76"))
	rejectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	modifiedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Work through pending review items",
	Long: `Walk the pending review queue interactively. For each item the AI's
suggestion is shown with its confidence; accept it, reject it, modify the
suggested value, or skip to the next item. An optional training note can
ride along with any resolution; it ends up in the fine-tuning export.

With --json the pending items are printed as JSON instead (no prompts).`,
	Run: func(cmd *cobra.Command, args []string) {
		if !jsonOutput && !term.IsTerminal(int(os.Stdin.Fd())) {
			FatalErrorWithHint("review is interactive and needs a terminal",
				"Use --json to list pending items in scripts")
		}

		client := newClient()
		items, _, err := client.ListReviews(rootCtx, apiclient.ReviewQuery{
			Status:      string(types.ReviewPending),
			ListOptions: apiclient.ListOptions{Limit: reviewFetchLimit},
		})
		if err != nil {
			FatalError("%v", err)
		}

		if jsonOutput {
			outputJSON(map[string]any{"items": items})
			return
		}
		if len(items) == 0 {
			fmt.Println("Review queue is empty.")
			return
		}

		resolved, skipped := 0, 0
	loop:
		for i, item := range items {
			fmt.Printf("\n%s\n", renderReviewCard(i+1, len(items), item))

			action, err := askAction()
			if err != nil {
				if err == huh.ErrUserAborted {
					break
				}
				FatalError("form error: %v", err)
			}

			res := types.Resolution{ID: item.ID}
			switch action {
			case "accept":
				res.Status = types.ReviewAccepted
			case "reject":
				res.Status = types.ReviewRejected
			case "modify":
				replacement, err := askReplacement(item)
				if err != nil {
					if err == huh.ErrUserAborted {
						skipped++
						continue
					}
					FatalError("form error: %v", err)
				}
				res.Status = types.ReviewModified
				res.UserResolution = replacement
			case "skip":
				skipped++
				continue
			case "quit":
				break loop
			}

			note, err := askTrainingNote()
			if err != nil && err != huh.ErrUserAborted {
				FatalError("form error: %v", err)
			}
			if note = strings.TrimSpace(note); note != "" {
				res.TrainingComment = &note
			}

			out, err := client.ResolveReview(rootCtx, item.ID, res)
			if err != nil {
				WarnError("resolving %s: %v", item.ID, err)
				continue
			}
			fmt.Println(renderOutcome(out))
			resolved++
		}

		fmt.Printf("\n%d resolved, %d skipped\n", resolved, skipped)
	},
}

func askAction() (string, error) {
	var choice string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Resolution").
				Options(
					huh.NewOption("Accept the suggestion", "accept"),
					huh.NewOption("Reject it", "reject"),
					huh.NewOption("Modify the suggested value", "modify"),
					huh.NewOption("Skip for now", "skip"),
					huh.NewOption("Quit", "quit"),
				).
				Value(&choice),
		),
	)
	if err := form.Run(); err != nil {
		return "", err
	}
	return choice, nil
}

// askReplacement prompts for the value that replaces the AI suggestion. The
// editor is pre-filled with the suggestion so small corrections stay small.
func askReplacement(item *types.ReviewItem) (json.RawMessage, error) {
	edited := prettyJSON(item.AISuggestion)
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewText().
				Title("Replacement value").
				Description("Same shape as the suggestion; must be valid JSON").
				Value(&edited).
				Validate(func(s string) error {
					if !json.Valid([]byte(s)) {
						return fmt.Errorf("not valid JSON")
					}
					return nil
				}),
		),
	)
	if err := form.Run(); err != nil {
		return nil, err
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, []byte(edited)); err != nil {
		return nil, err
	}
	return compact.Bytes(), nil
}

func askTrainingNote() (string, error) {
	var note string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Training note (optional)").
				Description("Why this resolution? Ends up in the training export.").
				Value(&note),
		),
	)
	if err := form.Run(); err != nil {
		return "", err
	}
	return note, nil
}

func renderReviewCard(n, total int, item *types.ReviewItem) string {
	var b strings.Builder

	header := fmt.Sprintf("[%d/%d] %s", n, total, item.ReviewType)
	b.WriteString(reviewHeaderStyle.Render(header))
	b.WriteString("  ")
	b.WriteString(renderConfidence(item.AIConfidence))
	b.WriteString("\n")

	if item.EntityID != nil {
		b.WriteString(reviewLabelStyle.Render("  entity:   "))
		b.WriteString(*item.EntityID)
		b.WriteString("\n")
	}
	if item.ProjectID != nil {
		b.WriteString(reviewLabelStyle.Render("  project:  "))
		b.WriteString(*item.ProjectID)
		b.WriteString("\n")
	}
	b.WriteString(reviewLabelStyle.Render("  suggests: "))
	b.WriteString(prettyJSON(item.AISuggestion))
	return b.String()
}

func renderConfidence(c float64) string {
	label := fmt.Sprintf("confidence %.2f", c)
	switch {
	case c < 0.5:
		return confLowStyle.Render(label)
	case c < 0.8:
		return confMidStyle.Render(label)
	default:
		return confHighStyle.Render(label)
	}
}

func renderOutcome(item *types.ReviewItem) string {
	switch item.Status {
	case types.ReviewAccepted:
		return acceptedStyle.Render("accepted ") + item.ID
	case types.ReviewRejected:
		return rejectedStyle.Render("rejected ") + item.ID
	case types.ReviewModified:
		return modifiedStyle.Render("modified ") + item.ID
	default:
		return string(item.Status) + " " + item.ID
	}
}

// prettyJSON indents a raw suggestion for display; malformed or empty bodies
// come back as-is.
func prettyJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "(none)"
	}
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "  ", "  "); err != nil {
		return string(raw)
	}
	return out.String()
}

func init() {
	reviewCmd.Flags().IntVar(&reviewFetchLimit, "limit", 20, "How many pending items to fetch")
	rootCmd.AddCommand(reviewCmd)
}
