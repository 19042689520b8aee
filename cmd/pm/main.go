// pm is the Inkwell command line: capture free-form notes, list what the
// server distilled out of them, transition statuses, work the review queue,
// and mirror a markdown vault with session-sync.
//
// Server location and credentials come from ~/.config/pm/config.json
// (see 'pm config') or the PM_URL / PM_API_KEY environment variables.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	jsonOutput bool

	// Signal-aware context for graceful cancellation
	rootCtx    context.Context
	rootCancel context.CancelFunc
)

var rootCmd = &cobra.Command{
	Use:   "pm",
	Short: "pm - notes in, structure out",
	Long: `Inkwell command line. Capture free-form notes, let the server distill
them into tasks, decisions, and insights, and resolve what it was not
sure about in the review queue.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if rootCancel != nil {
			rootCancel()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
