package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"

	"github.com/inkwell-pm/inkwell/internal/apiclient"
	"github.com/inkwell-pm/inkwell/internal/types"
)

var captureCmd = &cobra.Command{
	Use:   "capture <content>...",
	Short: "Capture a note",
	Long: `Capture a free-form note for extraction.

The note text is the joined arguments, or stdin when no arguments are
given (or when the only argument is "-"). The working directory and the
checked-out git branch ride along as source metadata.

Examples:
  pm capture need to fix the login timeout before friday
  git log -1 | pm capture`,
	Run: func(cmd *cobra.Command, args []string) {
		content := strings.Join(args, " ")
		if strings.TrimSpace(content) == "" || content == "-" {
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				FatalError("reading stdin: %v", err)
			}
			content = string(data)
		}
		content = strings.TrimSpace(content)
		if content == "" {
			FatalError("nothing to capture")
		}

		meta := map[string]any{}
		if wd, err := os.Getwd(); err == nil {
			meta["workingDirectory"] = wd
		}
		if branch := currentGitBranch(); branch != "" {
			meta["gitBranch"] = branch
		}

		client := newClient()
		res, err := client.CaptureNote(rootCtx, apiclient.CaptureRequest{
			Content:    content,
			Source:     types.SourceCLI,
			SourceMeta: meta,
		})
		if err != nil {
			FatalError("%v", err)
		}

		if jsonOutput {
			outputJSON(res)
			return
		}
		if res.Deduped {
			fmt.Printf("Note %s already captured\n", res.ID)
			return
		}
		fmt.Printf("Captured note %s\n", res.ID)
	},
}

// currentGitBranch returns the checked-out branch, empty outside a repo.
// symbolic-ref works in fresh repos without commits.
func currentGitBranch() string {
	out, err := exec.Command("git", "symbolic-ref", "--short", "HEAD").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func init() {
	rootCmd.AddCommand(captureCmd)
}
