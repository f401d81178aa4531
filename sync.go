package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	syncpkg "github.com/mkarppi/fieldsync/internal/sync"
)

var (
	flagPushOnly bool
	flagPullOnly bool
)

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle against the backend",
		Long: `Run a one-shot sync cycle: push dirty local records, then pull
remote changes newer than the per-table cursors (pull runs first by
default; see sync.order). Conflicting edits are queued for resolution
with 'fieldsync conflicts'.`,
		RunE: runSync,
	}

	cmd.Flags().BoolVar(&flagPushOnly, "push-only", false, "only push local changes")
	cmd.Flags().BoolVar(&flagPullOnly, "pull-only", false, "only pull remote changes")
	cmd.MarkFlagsMutuallyExclusive("push-only", "pull-only")

	return cmd
}

// reportJSON is the JSON schema for `sync --json`.
type reportJSON struct {
	Type       string   `json:"type"`
	DurationMS int64    `json:"duration_ms"`
	Pushed     int      `json:"pushed"`
	Deleted    int      `json:"deleted"`
	Pulled     int      `json:"pulled"`
	Skipped    int      `json:"skipped"`
	Conflicts  int      `json:"conflicts"`
	Failed     int      `json:"failed"`
	Errors     []string `json:"errors,omitempty"`
}

func runSync(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()
	ctx := cmd.Context()

	s, err := newSession(ctx, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	var report *syncpkg.Report

	switch {
	case flagPushOnly:
		report, err = s.engine.PushAll(ctx)
	case flagPullOnly:
		report, err = s.engine.PullAll(ctx)
	default:
		report, err = s.engine.FullSync(ctx)
	}

	if err != nil {
		return err
	}

	if flagJSON {
		return printReportJSON(report)
	}

	printReport(report)

	return nil
}

func printReportJSON(r *syncpkg.Report) error {
	out := reportJSON{
		Type:       r.Type,
		DurationMS: r.Duration,
		Pushed:     r.Pushed,
		Deleted:    r.Deleted,
		Pulled:     r.Pulled,
		Skipped:    r.Skipped,
		Conflicts:  r.Conflicts,
		Failed:     r.Failed,
	}

	for _, e := range r.Errors {
		out.Errors = append(out.Errors, e.Error())
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(out)
}

func printReport(r *syncpkg.Report) {
	statusf("%s sync finished in %s: pushed %d, deleted %d, pulled %d, skipped %d",
		r.Type, time.Duration(r.Duration)*time.Millisecond, r.Pushed, r.Deleted, r.Pulled, r.Skipped)

	if r.Conflicts > 0 {
		statusf(", %d conflict(s) queued", r.Conflicts)
	}

	if r.Failed > 0 {
		statusf(", %d failed", r.Failed)
	}

	statusf("\n")

	for _, e := range r.Errors {
		fmt.Fprintf(os.Stderr, "  error: %v\n", e)
	}
}
