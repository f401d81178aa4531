package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mkarppi/fieldsync/internal/backend"
	"github.com/mkarppi/fieldsync/internal/conflict"
	"github.com/mkarppi/fieldsync/internal/mirror"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show login state, pending changes, and sync cursors",
		RunE:  runStatus,
	}
}

// statusOutput is the JSON schema for `status --json`.
type statusOutput struct {
	LoggedIn  bool              `json:"logged_in"`
	Email     string            `json:"email,omitempty"`
	Pending   int               `json:"pending"`
	Conflicts int               `json:"conflicts"`
	Cursors   map[string]string `json:"cursors"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()
	ctx := cmd.Context()
	cfg := resolvedCfg

	out := statusOutput{Cursors: make(map[string]string)}

	email, _, err := backend.SavedIdentity(cfg.TokenPath())
	switch {
	case err == nil:
		out.LoggedIn = true
		out.Email = email
	case errors.Is(err, backend.ErrNotLoggedIn):
	default:
		return err
	}

	store, err := mirror.Open(cfg.MirrorPath(), logger)
	if err != nil {
		return err
	}
	defer store.Close()

	out.Pending, err = store.PendingCount(ctx)
	if err != nil {
		return err
	}

	for _, table := range mirror.Tables {
		cursor, err := store.GetCursor(ctx, table)
		if err != nil {
			return err
		}

		if cursor == 0 {
			out.Cursors[string(table)] = "never"
			continue
		}

		out.Cursors[string(table)] = time.UnixMilli(cursor).UTC().Format(time.RFC3339)
	}

	conflicts, err := conflict.NewStore(conflict.NewFilePersistence(cfg.ConflictsPath()), logger)
	if err != nil {
		return err
	}

	st := conflicts.GetState()
	out.Conflicts = len(st.Pending)
	if st.Current != nil {
		out.Conflicts++
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(out)
	}

	if out.LoggedIn {
		fmt.Printf("Logged in as %s\n", out.Email)
	} else {
		fmt.Println("Not logged in.")
	}

	fmt.Printf("Pending local changes: %d\n", out.Pending)
	fmt.Printf("Unresolved conflicts:  %d\n", out.Conflicts)
	fmt.Println("Last pulled:")

	for _, table := range mirror.Tables {
		fmt.Printf("  %-15s %s\n", table, out.Cursors[string(table)])
	}

	return nil
}
