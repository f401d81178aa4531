package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkarppi/fieldsync/internal/config"
	"github.com/mkarppi/fieldsync/internal/conflict"
)

// Tests that touch the global flag variables or resolvedCfg must save
// and restore them, because newRootCmd() re-binding resets them and the
// test binary shares one set of globals across all tests.

func saveGlobals(t *testing.T) {
	t.Helper()

	oldCfg := resolvedCfg
	oldVerbose := flagVerbose
	oldQuiet := flagQuiet
	oldConfig := flagConfigPath
	oldLevel := logLevel.Level()

	t.Cleanup(func() {
		resolvedCfg = oldCfg
		flagVerbose = oldVerbose
		flagQuiet = oldQuiet
		flagConfigPath = oldConfig
		logLevel.Set(oldLevel)
	})
}

func TestBuildLogger_DefaultLevelIsInfo(t *testing.T) {
	saveGlobals(t)

	resolvedCfg = config.DefaultConfig()
	flagVerbose = false
	flagQuiet = false

	logger := buildLogger()

	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelInfo))
	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelDebug))
}

func TestBuildLogger_ConfigLevelApplies(t *testing.T) {
	saveGlobals(t)

	resolvedCfg = config.DefaultConfig()
	resolvedCfg.Logging.LogLevel = "error"
	flagVerbose = false
	flagQuiet = false

	logger := buildLogger()

	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelError))
	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelWarn))
}

func TestBuildLogger_VerboseOverridesConfig(t *testing.T) {
	saveGlobals(t)

	resolvedCfg = config.DefaultConfig()
	resolvedCfg.Logging.LogLevel = "error"
	flagVerbose = true
	flagQuiet = false

	logger := buildLogger()

	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelDebug))
}

func TestBuildLogger_QuietWinsOverVerbose(t *testing.T) {
	saveGlobals(t)

	resolvedCfg = config.DefaultConfig()
	flagVerbose = true
	flagQuiet = true

	logger := buildLogger()

	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelWarn))
	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelError))
}

func TestBuildLogger_ExplicitFormats(t *testing.T) {
	saveGlobals(t)

	flagVerbose = false
	flagQuiet = false

	resolvedCfg = config.DefaultConfig()
	resolvedCfg.Logging.LogFormat = "text"
	_, isText := buildLogger().Handler().(*slog.TextHandler)
	assert.True(t, isText)

	resolvedCfg.Logging.LogFormat = "json"
	_, isJSON := buildLogger().Handler().(*slog.JSONHandler)
	assert.True(t, isJSON)
}

func TestEffectiveConfigPath_FlagWinsOverEnv(t *testing.T) {
	saveGlobals(t)
	t.Setenv(config.EnvConfig, "/from/env/config.toml")

	flagConfigPath = "/from/flag/config.toml"
	assert.Equal(t, "/from/flag/config.toml", effectiveConfigPath())

	flagConfigPath = ""
	assert.Equal(t, "/from/env/config.toml", effectiveConfigPath())
}

func TestEffectiveConfigPath_DefaultIsNonEmpty(t *testing.T) {
	saveGlobals(t)
	t.Setenv(config.EnvConfig, "")

	flagConfigPath = ""
	assert.NotEmpty(t, effectiveConfigPath())
}

func TestReloadLogLevel_AppliesFileLevel(t *testing.T) {
	saveGlobals(t)

	flagVerbose = false
	flagQuiet = false
	logLevel.Set(slog.LevelInfo)

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[logging]\nlog_level = \"warn\"\n"), 0o600))

	reloadLogLevel(path, slog.New(slog.NewTextHandler(os.Stderr, nil)))

	assert.Equal(t, slog.LevelWarn, logLevel.Level())
}

func TestReloadLogLevel_FlagsStillWin(t *testing.T) {
	saveGlobals(t)

	flagVerbose = true
	logLevel.Set(slog.LevelDebug)

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[logging]\nlog_level = \"error\"\n"), 0o600))

	reloadLogLevel(path, slog.New(slog.NewTextHandler(os.Stderr, nil)))

	assert.Equal(t, slog.LevelDebug, logLevel.Level(), "--verbose overrides a reloaded file level")
}

func TestAllConflicts_CurrentFirst(t *testing.T) {
	st := conflict.State{
		Current: &conflict.Record{ID: "head"},
		Pending: []conflict.Record{{ID: "second"}, {ID: "third"}},
	}

	all := allConflicts(st)

	require.Len(t, all, 3)
	assert.Equal(t, "head", all[0].ID)
	assert.Equal(t, "second", all[1].ID)
	assert.Equal(t, "third", all[2].ID)
}

func TestAllConflicts_Empty(t *testing.T) {
	assert.Empty(t, allConflicts(conflict.State{}))
}

func TestFormatMilli(t *testing.T) {
	assert.Equal(t, "-", formatMilli(0))
	assert.Equal(t, "2026-08-28T12:00:00Z", formatMilli(1787918400000))
}
