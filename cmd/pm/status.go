package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/inkwell-pm/inkwell/internal/types"
)

var statusCmd = &cobra.Command{
	Use:   "status <id> <newStatus>",
	Short: "Transition an entity's status",
	Long: `Move an entity to a new status. The permitted set depends on the type:
tasks use captured, needs_action, in_progress, done; decisions use
pending, decided; insights use captured, acknowledged. Setting the
current status again is a no-op.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		id, newStatus := args[0], args[1]

		client := newClient()
		entity, err := client.TransitionStatus(rootCtx, id, types.EntityStatus(newStatus))
		if err != nil {
			FatalError("%v", err)
		}

		if jsonOutput {
			outputJSON(entity)
			return
		}
		fmt.Printf("%s is now %s\n", entity.ID, entity.Status)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
