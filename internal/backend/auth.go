package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/oauth2"

	"github.com/mkarppi/fieldsync/internal/tokenfile"
)

// authTokenPath is the token endpoint path on the project URL. The
// grant type travels as a query parameter, matching the hosted auth
// API's password and refresh flows.
const authTokenPath = "/auth/v1/token"

// ErrNotLoggedIn indicates no saved session exists for the configured
// backend. Callers should prompt for login.
var ErrNotLoggedIn = errors.New("backend: not logged in (run login first)")

// oauthConfig builds the oauth2 configuration for the backend's token
// endpoint. The public API key doubles as the client identifier.
func oauthConfig(baseURL, apiKey string) *oauth2.Config {
	return &oauth2.Config{
		ClientID: apiKey,
		Endpoint: oauth2.Endpoint{
			TokenURL:  baseURL + authTokenPath + "?grant_type=password",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// Login exchanges email/password credentials for a token and saves it
// to tokenPath. The caller is responsible for rate limiting attempts
// before invoking this.
func Login(ctx context.Context, baseURL, apiKey, tokenPath, email, password string, logger *slog.Logger) error {
	if baseURL == "" || apiKey == "" {
		return ErrNotConfigured
	}

	logger.Info("logging in", slog.String("email", email))

	cfg := oauthConfig(baseURL, apiKey)

	tok, err := cfg.PasswordCredentialsToken(ctx, email, password)
	if err != nil {
		return fmt.Errorf("backend: password login: %w", err)
	}

	meta := map[string]string{"email": email}

	// The token response carries the authenticated user object; keep the
	// id so sync can scope remote queries to rows this user owns.
	if user, ok := tok.Extra("user").(map[string]any); ok {
		if id, ok := user["id"].(string); ok {
			meta["user_id"] = id
		}
	}

	if err := tokenfile.Save(tokenPath, tok, meta); err != nil {
		return err
	}

	logger.Info("login succeeded, token saved", slog.String("path", tokenPath))

	return nil
}

// Logout removes the saved token file. Missing file is not an error.
func Logout(tokenPath string, logger *slog.Logger) error {
	if err := tokenfile.Clear(tokenPath); err != nil {
		return err
	}

	logger.Info("logged out", slog.String("path", tokenPath))

	return nil
}

// fileTokenSource adapts an oauth2.TokenSource to the TokenSource
// interface, persisting refreshed tokens back to the token file so a
// refresh in one process survives restarts.
type fileTokenSource struct {
	mu     sync.Mutex
	src    oauth2.TokenSource
	path   string
	meta   map[string]string
	last   string // last persisted access token
	logger *slog.Logger
}

// Token returns a valid bearer token, refreshing and re-persisting as
// needed.
func (f *fileTokenSource) Token() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	tok, err := f.src.Token()
	if err != nil {
		return "", fmt.Errorf("backend: refresh token: %w", err)
	}

	if tok.AccessToken != f.last {
		if saveErr := tokenfile.Save(f.path, tok, f.meta); saveErr != nil {
			// Persisting is best-effort; the in-memory token still works.
			f.logger.Warn("could not persist refreshed token", "error", saveErr)
		}

		f.last = tok.AccessToken
	}

	return tok.AccessToken, nil
}

// NewFileTokenSource loads the saved session from tokenPath and returns
// a TokenSource that auto-refreshes against the backend's token
// endpoint. Returns ErrNotLoggedIn when no token file exists.
//
// ctx must outlive the TokenSource — pass context.Background() for
// long-lived sessions.
func NewFileTokenSource(ctx context.Context, baseURL, apiKey, tokenPath string, logger *slog.Logger) (TokenSource, error) {
	if baseURL == "" || apiKey == "" {
		return nil, ErrNotConfigured
	}

	tok, meta, err := tokenfile.Load(tokenPath)
	if err != nil {
		return nil, err
	}

	if tok == nil {
		return nil, ErrNotLoggedIn
	}

	cfg := oauthConfig(baseURL, apiKey)
	// Refresh requests go through the same endpoint with a refresh grant.
	cfg.Endpoint.TokenURL = baseURL + authTokenPath + "?grant_type=refresh_token"

	return &fileTokenSource{
		src:    cfg.TokenSource(ctx, tok),
		path:   tokenPath,
		meta:   meta,
		last:   tok.AccessToken,
		logger: logger,
	}, nil
}

// SavedIdentity returns the email and user id recorded at login time.
// Returns ErrNotLoggedIn when no token file exists.
func SavedIdentity(tokenPath string) (email, userID string, err error) {
	tok, meta, err := tokenfile.Load(tokenPath)
	if err != nil {
		return "", "", err
	}

	if tok == nil {
		return "", "", ErrNotLoggedIn
	}

	return meta["email"], meta["user_id"], nil
}

// StaticToken is a TokenSource returning a fixed token. Used by tests
// and service-role integrations.
type StaticToken string

// Token implements TokenSource.
func (s StaticToken) Token() (string, error) {
	return string(s), nil
}

// compile-time checks
var (
	_ TokenSource = (*fileTokenSource)(nil)
	_ TokenSource = StaticToken("")
)
