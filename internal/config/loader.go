package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file. A directory is taken to
// hold config.yaml. Keys absent from the file keep their Defaults value. When
// a checksum sidecar exists next to the file, the file must match it.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	if err := VerifyChecksum(absPath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.SourceFile = absPath
	return cfg, nil
}

// Parse decodes YAML over Defaults, interpolating ${VAR} first, and validates
// the result.
func Parse(data []byte) (*Config, error) {
	interpolated := []byte(interpolateEnv(string(data)))

	cfg := Defaults()
	dec := yaml.NewDecoder(bytes.NewReader(interpolated))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Discover finds the config file by checking standard locations.
// Priority order: $SEVERANCE_CONFIG, ~/.config/severance/config.yaml,
// /etc/severance/config.yaml, ./config.yaml. It returns "" when none exists.
func Discover() string {
	if p := os.Getenv("SEVERANCE_CONFIG"); p != "" {
		return p
	}
	var candidates []string
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "severance", "config.yaml"))
	}
	candidates = append(candidates, "/etc/severance/config.yaml", "config.yaml")
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Left in place; validate rejects it where a value is required.
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	positive := []struct {
		name string
		d    time.Duration
	}{
		{"mirror.poll_interval", cfg.Mirror.PollInterval},
		{"mirror.terminate_timeout", cfg.Mirror.TerminateTimeout},
		{"mirror.kill_grace", cfg.Mirror.KillGrace},
		{"supervise.initial_backoff", cfg.Supervise.InitialBackoff},
		{"supervise.max_backoff", cfg.Supervise.MaxBackoff},
		{"supervise.ready_timeout", cfg.Supervise.ReadyTimeout},
	}
	for _, p := range positive {
		if p.d <= 0 {
			return fmt.Errorf("%s must be positive", p.name)
		}
	}
	if cfg.Mirror.CallTimeout < 0 {
		return fmt.Errorf("mirror.call_timeout must not be negative")
	}
	if cfg.Mirror.MaxMessageBytes < 1024 {
		return fmt.Errorf("mirror.max_message_bytes must be at least 1024 (got %d)", cfg.Mirror.MaxMessageBytes)
	}
	if cfg.Supervise.MaxBackoff < cfg.Supervise.InitialBackoff {
		return fmt.Errorf("supervise.max_backoff must not be below supervise.initial_backoff")
	}

	if cfg.Journal.Enabled && cfg.Journal.Path == "" {
		return fmt.Errorf("journal.path is required when the journal is enabled")
	}
	if cfg.Journal.Retention < 0 {
		return fmt.Errorf("journal.retention must not be negative")
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when the api is enabled")
		}
		if matches := envVarPattern.FindStringSubmatch(cfg.API.APIKey); len(matches) > 1 {
			return fmt.Errorf("api.api_key: environment variable ${%s} is not set", matches[1])
		}
	}

	if matches := envVarPattern.FindStringSubmatch(cfg.Probe.Salt); len(matches) > 1 {
		return fmt.Errorf("probe.salt: environment variable ${%s} is not set", matches[1])
	}
	return nil
}
