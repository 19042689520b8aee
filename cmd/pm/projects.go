package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/inkwell-pm/inkwell/internal/apiclient"
)

var (
	projectsStatus string
	projectsLimit  int
	projectsCursor string
)

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "List projects",
	Run: func(cmd *cobra.Command, args []string) {
		client := newClient()
		items, next, err := client.ListProjects(rootCtx, projectsStatus, apiclient.ListOptions{
			Limit:  projectsLimit,
			Cursor: projectsCursor,
		})
		if err != nil {
			FatalError("%v", err)
		}

		if jsonOutput {
			outputJSON(map[string]any{"items": items, "nextCursor": next})
			return
		}
		if len(items) == 0 {
			fmt.Println("No projects")
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATUS\tCREATED")
		for _, p := range items {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.ID, p.Name, p.Status, p.CreatedAt.Format("2006-01-02"))
		}
		w.Flush()
		if next != "" {
			fmt.Fprintf(os.Stderr, "More: pm projects --cursor %s\n", next)
		}
	},
}

func init() {
	projectsCmd.Flags().StringVar(&projectsStatus, "status", "", "Filter by status (active|archived)")
	projectsCmd.Flags().IntVar(&projectsLimit, "limit", 0, "Page size (server default 20, max 100)")
	projectsCmd.Flags().StringVar(&projectsCursor, "cursor", "", "Resume from a previous page")
	rootCmd.AddCommand(projectsCmd)
}
