package config

import "time"

// Config represents the complete severance configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Mirror    MirrorConfig    `yaml:"mirror"`
	Probe     ProbeConfig     `yaml:"probe"`
	Journal   JournalConfig   `yaml:"journal"`
	API       APIConfig       `yaml:"api,omitempty"`
	Supervise SuperviseConfig `yaml:"supervise"`

	// SourceFile is the file the config was loaded from, empty for Defaults.
	SourceFile string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
	LockPath string `yaml:"lock_path"`
}

// MirrorConfig tunes every spawned worker.
type MirrorConfig struct {
	PollInterval     time.Duration `yaml:"poll_interval"`
	TerminateTimeout time.Duration `yaml:"terminate_timeout"`
	KillGrace        time.Duration `yaml:"kill_grace"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
	MaxMessageBytes  int           `yaml:"max_message_bytes"`
}

// ProbeConfig is the construction snapshot of the served probe worker.
type ProbeConfig struct {
	Label string `yaml:"label"`
	Salt  string `yaml:"salt"`
}

// JournalConfig defines call journal storage.
type JournalConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	// APIKey guards POST /ops. Empty disables operation calls.
	APIKey string `yaml:"api_key"`
}

// SuperviseConfig defines worker respawn backoff.
type SuperviseConfig struct {
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	MaxElapsed     time.Duration `yaml:"max_elapsed"`
	ReadyTimeout   time.Duration `yaml:"ready_timeout"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "severance",
			LogLevel: "info",
			LockPath: "./data/severance.lock",
		},
		Mirror: MirrorConfig{
			PollInterval:     time.Millisecond,
			TerminateTimeout: 5 * time.Second,
			KillGrace:        2 * time.Second,
			MaxMessageBytes:  8 << 20,
		},
		Probe: ProbeConfig{
			Label: "probe",
		},
		Journal: JournalConfig{
			Enabled:   true,
			Path:      "./data/journal.db",
			Retention: 7 * 24 * time.Hour,
		},
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8080",
		},
		Supervise: SuperviseConfig{
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
			MaxElapsed:     2 * time.Minute,
			ReadyTimeout:   10 * time.Second,
		},
	}
}
