package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig     = "FIELDSYNC_CONFIG"
	EnvBackendURL = "FIELDSYNC_BACKEND_URL"
	EnvAnonKey    = "FIELDSYNC_ANON_KEY"
	EnvDataDir    = "FIELDSYNC_DATA_DIR"
	EnvLogLevel   = "FIELDSYNC_LOG_LEVEL"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string
	BackendURL string
	AnonKey    string
	DataDir    string
	LogLevel   string
}

// ReadEnvOverrides reads environment variables and returns any
// overrides found. It does not modify any Config.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		BackendURL: os.Getenv(EnvBackendURL),
		AnonKey:    os.Getenv(EnvAnonKey),
		DataDir:    os.Getenv(EnvDataDir),
		LogLevel:   os.Getenv(EnvLogLevel),
	}
}
