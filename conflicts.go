package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mkarppi/fieldsync/internal/conflict"
	syncpkg "github.com/mkarppi/fieldsync/internal/sync"
)

// conflictIDPrefixLen is the number of characters to show for the
// conflict id in table output. 8 chars is sufficient for uniqueness in
// typical use.
const conflictIDPrefixLen = 8

var flagKeep string

func newConflictsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List unresolved sync conflicts",
		Long: `Display all unresolved conflicts between dirty local edits and newer
remote versions of the same record.

Use 'fieldsync conflicts resolve' to resolve them one at a time.`,
		RunE: runConflictsList,
	}

	resolve := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve the oldest unresolved conflict",
		Long: `Resolve the conflict at the head of the queue.

--keep local re-marks the local record for upload, overwriting the
remote version on the next push. --keep remote overwrites the local
record with the remote version.`,
		RunE: runConflictsResolve,
	}

	resolve.Flags().StringVar(&flagKeep, "keep", "", "which version to keep: local or remote")
	_ = resolve.MarkFlagRequired("keep")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Discard all unresolved conflicts without resolving them",
		RunE:  runConflictsClear,
	}

	cmd.AddCommand(resolve)
	cmd.AddCommand(clearCmd)

	return cmd
}

// conflictJSON is the JSON-serializable representation of a conflict.
type conflictJSON struct {
	ID         string `json:"id"`
	RecordType string `json:"record_type"`
	RecordID   string `json:"record_id"`
	LocalAt    string `json:"local_updated_at"`
	RemoteAt   string `json:"remote_updated_at"`
	DetectedAt string `json:"detected_at"`
}

func runConflictsList(_ *cobra.Command, _ []string) error {
	logger := buildLogger()

	store, err := conflict.NewStore(conflict.NewFilePersistence(resolvedCfg.ConflictsPath()), logger)
	if err != nil {
		return err
	}

	all := allConflicts(store.GetState())

	if len(all) == 0 {
		fmt.Println("No unresolved conflicts.")
		return nil
	}

	if flagJSON {
		return printConflictsJSON(all)
	}

	printConflictsTable(all)

	return nil
}

// allConflicts flattens the store state into queue order, current
// first.
func allConflicts(st conflict.State) []conflict.Record {
	var all []conflict.Record

	if st.Current != nil {
		all = append(all, *st.Current)
	}

	return append(all, st.Pending...)
}

func printConflictsJSON(conflicts []conflict.Record) error {
	items := make([]conflictJSON, len(conflicts))
	for i, c := range conflicts {
		items[i] = conflictJSON{
			ID:         c.ID,
			RecordType: c.RecordType,
			RecordID:   c.Local.ID,
			LocalAt:    formatMilli(c.Local.UpdatedAt),
			RemoteAt:   formatMilli(c.Remote.UpdatedAt),
			DetectedAt: formatMilli(c.DetectedAt),
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(items)
}

func printConflictsTable(conflicts []conflict.Record) {
	fmt.Printf("%-10s %-15s %-38s %-22s %s\n", "ID", "TYPE", "RECORD", "DETECTED", "REMOTE NEWER BY")

	for _, c := range conflicts {
		newerBy := time.Duration(c.Remote.UpdatedAt-c.Local.UpdatedAt) * time.Millisecond

		fmt.Printf("%-10s %-15s %-38s %-22s %s\n",
			c.ID[:min(conflictIDPrefixLen, len(c.ID))],
			c.RecordType,
			c.Local.ID,
			formatMilli(c.DetectedAt),
			newerBy)
	}
}

func formatMilli(ms int64) string {
	if ms == 0 {
		return "-"
	}

	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

func runConflictsResolve(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()
	ctx := cmd.Context()

	choice := syncpkg.Resolution(flagKeep)
	if choice != syncpkg.KeepLocal && choice != syncpkg.KeepRemote {
		return fmt.Errorf("--keep must be %q or %q, got %q", syncpkg.KeepLocal, syncpkg.KeepRemote, flagKeep)
	}

	s, err := newSession(ctx, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	st := s.conflicts.GetState()
	if st.Current == nil {
		if len(st.Pending) == 0 {
			fmt.Println("No unresolved conflicts.")
			return nil
		}

		s.conflicts.ShowNext()
		st = s.conflicts.GetState()
	}

	current := *st.Current

	if err := s.engine.Resolve(ctx, current, choice); err != nil {
		return err
	}

	s.conflicts.ResolveCurrent()

	statusf("Kept %s version of %s %s.\n", flagKeep, current.RecordType, current.Local.ID)

	remaining := s.conflicts.PendingCount()
	if remaining > 0 {
		statusf("%d conflict(s) remaining.\n", remaining)
	}

	return nil
}

func runConflictsClear(_ *cobra.Command, _ []string) error {
	logger := buildLogger()

	store, err := conflict.NewStore(conflict.NewFilePersistence(resolvedCfg.ConflictsPath()), logger)
	if err != nil {
		return err
	}

	n := len(allConflicts(store.GetState()))
	store.ClearAll()

	statusf("Discarded %d conflict(s).\n", n)

	return nil
}
