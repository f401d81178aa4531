// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for fieldsync. Values resolve
// through a three-layer override chain: defaults -> config file ->
// environment variables. CLI flags, where they exist, are applied by
// the commands themselves on top of the resolved config.
package config

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Backend  BackendConfig  `toml:"backend"`
	Sync     SyncConfig     `toml:"sync"`
	Realtime RealtimeConfig `toml:"realtime"`
	Logging  LoggingConfig  `toml:"logging"`

	// DataDir holds the mirror database, token file, and persisted
	// conflict queue. Empty means the platform default.
	DataDir string `toml:"data_dir"`
}

// BackendConfig identifies the remote backend project.
type BackendConfig struct {
	URL     string `toml:"url"`
	AnonKey string `toml:"anon_key"`
}

// SyncConfig controls the sync engine: paging, cycle ordering, and the
// periodic full-sync interval used by the watch command.
type SyncConfig struct {
	PageSize int    `toml:"page_size"`
	Order    string `toml:"order"`    // "pull-first" or "push-first"
	Interval string `toml:"interval"` // periodic full sync; "0" disables
}

// RealtimeConfig controls the live change feed.
type RealtimeConfig struct {
	Enabled bool `toml:"enabled"`
}

// LoggingConfig controls log output behavior: level, format, and
// file rotation.
type LoggingConfig struct {
	LogLevel   string `toml:"log_level"`
	LogFormat  string `toml:"log_format"` // "auto", "text", or "json"
	LogFile    string `toml:"log_file"`   // empty = stderr only
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
}
