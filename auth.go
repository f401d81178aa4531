package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mkarppi/fieldsync/internal/backend"
	"github.com/mkarppi/fieldsync/internal/ratelimit"
	"github.com/mkarppi/fieldsync/internal/tokenfile"
)

// envPassword lets scripts supply the password without a prompt.
const envPassword = "FIELDSYNC_PASSWORD"

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login <email>",
		Short: "Authenticate with the backend and save the session token",
		Args:  cobra.ExactArgs(1),
		RunE:  runLogin,
	}

	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the saved session token",
		RunE:  runLogout,
	}
}

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Display the authenticated user",
		RunE:  runWhoami,
	}
}

func runLogin(cmd *cobra.Command, args []string) error {
	logger := buildLogger()
	ctx := cmd.Context()
	email := args[0]
	cfg := resolvedCfg

	if cfg.Backend.URL == "" || cfg.Backend.AnonKey == "" {
		return fmt.Errorf("backend not configured: set backend.url and backend.anon_key")
	}

	if err := os.MkdirAll(cfg.DataDir, tokenfile.DirPerms); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	// Guard against credential-stuffing loops driving this command.
	limiter := ratelimit.New(logger)
	if res := limiter.CheckLimit(ratelimit.OpLogin, email); !res.Allowed {
		return fmt.Errorf("too many login attempts, retry in %s", res.RetryAfter.Round(time.Second))
	}

	password, err := readPassword()
	if err != nil {
		return err
	}

	err = backend.Login(ctx, cfg.Backend.URL, cfg.Backend.AnonKey, cfg.TokenPath(), email, password, logger)
	limiter.RecordAttempt(ratelimit.OpLogin, email, err == nil)

	if err != nil {
		return err
	}

	statusf("Login successful.\n")

	return nil
}

// readPassword takes the password from the environment when set,
// otherwise prompts on stderr and reads one line from stdin.
func readPassword() (string, error) {
	if pw := os.Getenv(envPassword); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}

	return strings.TrimRight(line, "\r\n"), nil
}

func runLogout(_ *cobra.Command, _ []string) error {
	logger := buildLogger()

	if err := backend.Logout(resolvedCfg.TokenPath(), logger); err != nil {
		return err
	}

	statusf("Logged out.\n")

	return nil
}

// whoamiOutput is the JSON schema for `whoami --json`.
type whoamiOutput struct {
	Email  string `json:"email"`
	UserID string `json:"user_id"`
}

func runWhoami(_ *cobra.Command, _ []string) error {
	email, userID, err := backend.SavedIdentity(resolvedCfg.TokenPath())
	if err != nil {
		return err
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(whoamiOutput{Email: email, UserID: userID})
	}

	fmt.Printf("Logged in as %s (%s)\n", email, userID)

	return nil
}
