package config

// Default values for configuration options. These are layer 0 of the
// override chain and are chosen so the tool works without a config file
// once backend.url and backend.anon_key are supplied.
const (
	defaultPageSize   = 500
	defaultOrder      = "pull-first"
	defaultInterval   = "5m"
	defaultLogLevel   = "info"
	defaultLogFormat  = "auto"
	defaultMaxSizeMB  = 20
	defaultMaxBackups = 5
)

// DefaultConfig returns a Config populated with all default values.
// It is the starting point for TOML decoding, so unset fields retain
// their defaults.
func DefaultConfig() *Config {
	return &Config{
		Sync: SyncConfig{
			PageSize: defaultPageSize,
			Order:    defaultOrder,
			Interval: defaultInterval,
		},
		Realtime: RealtimeConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			LogLevel:   defaultLogLevel,
			LogFormat:  defaultLogFormat,
			MaxSizeMB:  defaultMaxSizeMB,
			MaxBackups: defaultMaxBackups,
		},
	}
}
