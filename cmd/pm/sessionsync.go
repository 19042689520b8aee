package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/inkwell-pm/inkwell/internal/apiclient"
	"github.com/inkwell-pm/inkwell/internal/configfile"
	"github.com/inkwell-pm/inkwell/internal/timeparsing"
	"github.com/inkwell-pm/inkwell/internal/types"
	"github.com/inkwell-pm/inkwell/internal/vault"
)

var (
	sessionSyncVault  string
	sessionSyncSince  string
	sessionSyncDryRun bool
	sessionSyncWatch  bool
)

var sessionSyncCmd = &cobra.Command{
	Use:   "session-sync [--vault DIR]",
	Short: "Upload changed vault notes for extraction",
	Long: `Session-sync walks an Obsidian-style vault and captures every markdown
file changed since the last pass. Re-running is cheap: the server dedups
unchanged file revisions by external id.

The vault directory comes from --vault, or from 'pm config --vault <dir>'.

--since accepts a compact duration (-1d, -6h), an RFC3339 timestamp, a
date (YYYY-MM-DD), or a phrase like "yesterday" or "last monday". --watch
keeps running and re-syncs on filesystem changes.`,
	Run: func(cmd *cobra.Command, args []string) {
		dir := sessionSyncVault
		if dir == "" {
			cfg, err := configfile.Resolve()
			if err != nil {
				FatalError("reading config: %v", err)
			}
			dir = cfg.Vault
		}
		if dir == "" {
			FatalErrorWithHint("no vault directory configured",
				"Pass --vault <dir> or run 'pm config --vault <dir>'")
		}

		opts := vault.SyncOptions{DryRun: sessionSyncDryRun}
		if sessionSyncSince != "" {
			since, err := timeparsing.ParsePoint(sessionSyncSince, time.Now())
			if err != nil {
				FatalError("invalid --since: %v", err)
			}
			opts.Since = since
		}

		client := newClient()

		if sessionSyncWatch {
			if jsonOutput {
				FatalError("--json cannot be combined with --watch")
			}
			runSessionWatch(dir, client, opts)
			return
		}

		scanner, err := vault.New(dir, &noteUploader{client: client}, nil)
		if err != nil {
			FatalError("%v", err)
		}
		report, err := scanner.Sync(rootCtx, opts)
		if err != nil {
			FatalError("sync failed: %v", err)
		}

		if jsonOutput {
			outputJSON(report)
		} else {
			renderSyncReport(report)
		}
		if report.Failed > 0 {
			os.Exit(1)
		}
	},
}

func init() {
	sessionSyncCmd.Flags().StringVar(&sessionSyncVault, "vault", "", "Vault directory (overrides configured vault)")
	sessionSyncCmd.Flags().StringVar(&sessionSyncSince, "since", "", "Only sync files modified since (-1d, RFC3339, YYYY-MM-DD, or \"yesterday\")")
	sessionSyncCmd.Flags().BoolVar(&sessionSyncDryRun, "dry-run", false, "Report what would upload without calling the server")
	sessionSyncCmd.Flags().BoolVar(&sessionSyncWatch, "watch", false, "Keep running and re-sync on filesystem changes")
	rootCmd.AddCommand(sessionSyncCmd)
}

// runSessionWatch blocks until interrupted. Watch mode gets a real logger:
// the scanner's per-pass summaries are the only feedback a long-running
// watch produces.
func runSessionWatch(dir string, client *apiclient.Client, opts vault.SyncOptions) {
	logCfg := zap.NewDevelopmentConfig()
	logCfg.DisableStacktrace = true
	logger, err := logCfg.Build()
	if err != nil {
		FatalError("building logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	scanner, err := vault.New(dir, &noteUploader{client: client}, logger)
	if err != nil {
		FatalError("%v", err)
	}

	fmt.Fprintf(os.Stderr, "Watching %s for changes (Ctrl-C to stop)\n", dir)
	if err := scanner.Watch(rootCtx, opts); err != nil {
		FatalError("watch failed: %v", err)
	}
}

func renderSyncReport(report *vault.Report) {
	if len(report.Files) > 0 {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "PATH\tOUTCOME\tDETAIL")
		for _, f := range report.Files {
			fmt.Fprintf(w, "%s\t%s\t%s\n", f.Path, f.Outcome, f.Error)
		}
		w.Flush()
	}

	summary := fmt.Sprintf("Scanned %d files: %d uploaded, %d deduped, %d skipped, %d failed",
		report.Scanned, report.Uploaded, report.Deduped, report.Skipped, report.Failed)
	if report.DryRun {
		summary = fmt.Sprintf("Scanned %d files: %d pending, %d skipped (dry run)",
			report.Scanned, report.Pending, report.Skipped)
	}
	fmt.Println(summary)
}

// noteUploader adapts the HTTP API client to the vault scanner. Each file
// revision becomes one capture with the on-disk path in its metadata, which
// evidence permalinks are built from.
type noteUploader struct {
	client *apiclient.Client
}

func (u *noteUploader) Upload(ctx context.Context, note vault.Note) (bool, error) {
	captured := note.ModTime.UTC()
	res, err := u.client.CaptureNote(ctx, apiclient.CaptureRequest{
		Content: note.Content,
		Source:  types.SourceObsidian,
		SourceMeta: map[string]any{
			"filePath":  note.Path,
			"vaultPath": note.VaultPath,
		},
		CapturedAt: &captured,
		ExternalID: &note.ExternalID,
	})
	if err != nil {
		return false, err
	}
	return res.Deduped, nil
}
