package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/inkwell-pm/inkwell/internal/apiclient"
)

var (
	tasksProject  string
	tasksStatus   string
	tasksAssignee string
	tasksLimit    int
	tasksCursor   string
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List tasks",
	Long: `List task entities, optionally filtered by project, status, or assignee.

Examples:
  pm tasks
  pm tasks --status needs_action
  pm tasks --project 4f6b... --assignee 91c2...`,
	Run: func(cmd *cobra.Command, args []string) {
		client := newClient()
		items, next, err := client.ListEntities(rootCtx, apiclient.EntityQuery{
			Type:       "task",
			Status:     tasksStatus,
			ProjectID:  tasksProject,
			AssigneeID: tasksAssignee,
			ListOptions: apiclient.ListOptions{
				Limit:  tasksLimit,
				Cursor: tasksCursor,
			},
		})
		if err != nil {
			FatalError("%v", err)
		}

		if jsonOutput {
			outputJSON(map[string]any{"items": items, "nextCursor": next})
			return
		}
		if len(items) == 0 {
			fmt.Println("No tasks")
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tCONF\tCONTENT")
		for _, e := range items {
			fmt.Fprintf(w, "%s\t%s\t%.2f\t%s\n", e.ID, e.Status, e.Confidence, truncate(e.Content, 60))
		}
		w.Flush()
		if next != "" {
			fmt.Fprintf(os.Stderr, "More: pm tasks --cursor %s\n", next)
		}
	},
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func init() {
	tasksCmd.Flags().StringVar(&tasksProject, "project", "", "Filter by project id")
	tasksCmd.Flags().StringVar(&tasksStatus, "status", "", "Filter by status (captured|needs_action|in_progress|done)")
	tasksCmd.Flags().StringVar(&tasksAssignee, "assignee", "", "Filter by assignee id")
	tasksCmd.Flags().IntVar(&tasksLimit, "limit", 0, "Page size (server default 20, max 100)")
	tasksCmd.Flags().StringVar(&tasksCursor, "cursor", "", "Resume from a previous page")
	rootCmd.AddCommand(tasksCmd)
}
