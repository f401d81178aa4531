package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/mkarppi/fieldsync/internal/backend"
	"github.com/mkarppi/fieldsync/internal/config"
	"github.com/mkarppi/fieldsync/internal/conflict"
	"github.com/mkarppi/fieldsync/internal/mirror"
	"github.com/mkarppi/fieldsync/internal/realtime"
	"github.com/mkarppi/fieldsync/internal/sync"
	"github.com/mkarppi/fieldsync/internal/tokenfile"
)

// session bundles the wired-up components a sync-capable command needs:
// mirror store, backend client, conflict store, state manager, echo
// tracker, and the engine on top of them. Close releases the store.
type session struct {
	cfg    *config.Config
	logger *slog.Logger

	store     *mirror.Store
	client    *backend.Client
	token     backend.TokenSource
	conflicts *conflict.Store
	state     *sync.StateManager
	echo      *realtime.EchoTracker
	engine    *sync.Engine

	email   string
	ownerID string
}

// newSession assembles a full sync session from the resolved config.
// Requires a prior login; returns backend.ErrNotLoggedIn otherwise.
func newSession(ctx context.Context, logger *slog.Logger) (*session, error) {
	cfg := resolvedCfg

	if cfg.Backend.URL == "" || cfg.Backend.AnonKey == "" {
		return nil, fmt.Errorf("backend not configured: set backend.url and backend.anon_key " +
			"in the config file or FIELDSYNC_BACKEND_URL / FIELDSYNC_ANON_KEY")
	}

	if err := os.MkdirAll(cfg.DataDir, tokenfile.DirPerms); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	token, err := backend.NewFileTokenSource(ctx, cfg.Backend.URL, cfg.Backend.AnonKey, cfg.TokenPath(), logger)
	if err != nil {
		return nil, err
	}

	email, ownerID, err := backend.SavedIdentity(cfg.TokenPath())
	if err != nil && !errors.Is(err, backend.ErrNotLoggedIn) {
		return nil, err
	}

	client, err := backend.NewClient(cfg.Backend.URL, cfg.Backend.AnonKey, defaultHTTPClient(), token, logger)
	if err != nil {
		return nil, err
	}

	store, err := mirror.Open(cfg.MirrorPath(), logger)
	if err != nil {
		return nil, err
	}

	conflicts, err := conflict.NewStore(conflict.NewFilePersistence(cfg.ConflictsPath()), logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	state := sync.NewStateManager(logger)
	echo := realtime.NewEchoTracker()

	engine := sync.NewEngine(&sync.EngineConfig{
		Store:     store,
		Remote:    client,
		Conflicts: conflicts,
		State:     state,
		Echo:      echo,
		Logger:    logger,
		PageSize:  cfg.Sync.PageSize,
		Order:     sync.Order(cfg.Sync.Order),
		OwnerID:   ownerID,
	})

	return &session{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		client:    client,
		token:     token,
		conflicts: conflicts,
		state:     state,
		echo:      echo,
		engine:    engine,
		email:     email,
		ownerID:   ownerID,
	}, nil
}

// Close releases the session's resources.
func (s *session) Close() {
	if err := s.store.Close(); err != nil {
		s.logger.Warn("closing mirror store", "error", err)
	}
}
