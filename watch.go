package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/mkarppi/fieldsync/internal/config"
	"github.com/mkarppi/fieldsync/internal/realtime"
)

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Run continuously: live change feed plus periodic full syncs",
		Long: `Run as a long-lived process. Subscribes to the backend's realtime
change feed, applies incoming edits to the local mirror, and runs a
full sync on startup and then every sync.interval. Stops cleanly on
SIGINT/SIGTERM. Log level changes in the config file are picked up
without a restart.`,
		RunE: runWatch,
	}
}

func runWatch(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := newSession(ctx, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	logger.Info("watch started", "user", s.email, "interval", s.cfg.Sync.Interval)

	if s.cfg.Realtime.Enabled {
		mgr := realtime.NewManager(&realtime.ManagerConfig{
			BaseURL: s.cfg.Backend.URL,
			APIKey:  s.cfg.Backend.AnonKey,
			Token:   s.token,
			OwnerID: s.ownerID,
			Store:   s.store,
			Status:  s.state,
			Echo:    s.echo,
			Logger:  logger,
		})
		defer mgr.Shutdown()

		go func() {
			_ = mgr.Run(ctx)
		}()
	}

	go watchConfigFile(ctx, logger)

	runFullSync(ctx, s, logger)

	interval := s.cfg.SyncInterval()
	if interval <= 0 {
		<-ctx.Done()

		logger.Info("watch stopping")

		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("watch stopping")
			return nil
		case <-ticker.C:
			runFullSync(ctx, s, logger)
		}
	}
}

// runFullSync runs one full cycle, treating failure as a log-and-retry
// condition rather than a daemon-fatal error.
func runFullSync(ctx context.Context, s *session, logger *slog.Logger) {
	report, err := s.engine.FullSync(ctx)
	if err != nil {
		logger.Warn("full sync failed", "error", err)
		return
	}

	logger.Info("full sync finished",
		"pushed", report.Pushed,
		"pulled", report.Pulled,
		"conflicts", report.Conflicts,
		"failed", report.Failed,
		"took_ms", report.Duration)
}

// watchConfigFile reloads the config file on change and applies the log
// level live. Other settings require a restart; --verbose and --quiet
// keep overriding the file.
func watchConfigFile(ctx context.Context, logger *slog.Logger) {
	cfgPath := effectiveConfigPath()
	if cfgPath == "" {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("config watcher unavailable", "error", err)
		return
	}
	defer watcher.Close()

	// Watch the directory: editors replace the file on save, which
	// drops a watch placed on the file itself.
	if err := watcher.Add(filepath.Dir(cfgPath)); err != nil {
		logger.Warn("could not watch config dir", "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}

			if ev.Name != cfgPath || !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
				continue
			}

			reloadLogLevel(cfgPath, logger)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}

			logger.Warn("config watcher error", "error", err)
		}
	}
}

func reloadLogLevel(cfgPath string, logger *slog.Logger) {
	if flagVerbose || flagQuiet {
		return
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Warn("config reload failed", "error", err)
		return
	}

	level := slog.LevelInfo

	switch cfg.Logging.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	if logLevel.Level() != level {
		logLevel.Set(level)
		logger.Info("log level changed", "level", cfg.Logging.LogLevel)
	}
}

// effectiveConfigPath mirrors the path resolution done by
// config.Resolve: CLI flag > environment > platform default.
func effectiveConfigPath() string {
	if flagConfigPath != "" {
		return flagConfigPath
	}

	if p := os.Getenv(config.EnvConfig); p != "" {
		return p
	}

	return config.DefaultConfigPath()
}
