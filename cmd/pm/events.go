package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/inkwell-pm/inkwell/internal/apiclient"
)

var eventsTopics []string

var eventTopicStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))

var eventsCmd = &cobra.Command{
	Use:   "events [--topics t1,t2]",
	Short: "Stream server events as they happen",
	Long: `Events tails the server's live event stream. The connection is
re-established automatically if it drops.

Topics:
  entity:created, entity:updated, entity:event_added,
  raw_note:processed, review_queue:created, review_queue:resolved,
  project:stats_updated

No --topics means everything. With --json each event is printed as one
JSON object per line.`,
	Run: func(cmd *cobra.Command, args []string) {
		client := newClient()

		var handler func(apiclient.StreamEvent)
		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			handler = func(ev apiclient.StreamEvent) {
				_ = enc.Encode(struct {
					Topic string          `json:"topic"`
					Data  json.RawMessage `json:"data"`
				}{Topic: ev.Topic, Data: ev.Data})
			}
		} else {
			handler = func(ev apiclient.StreamEvent) {
				fmt.Printf("%s  %s  %s\n",
					time.Now().Format("15:04:05"),
					eventTopicStyle.Render(fmt.Sprintf("%-26s", ev.Topic)),
					compactJSON(ev.Data))
			}
		}

		fmt.Fprintln(os.Stderr, "Streaming events (Ctrl-C to stop)")
		if err := client.Stream(rootCtx, eventsTopics, handler); err != nil {
			FatalError("event stream: %v", err)
		}
	},
}

func init() {
	eventsCmd.Flags().StringSliceVar(&eventsTopics, "topics", nil, "Topics to subscribe to (default all)")
	rootCmd.AddCommand(eventsCmd)
}

func compactJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
