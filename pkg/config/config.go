// Package config loads agentchat settings from YAML. ${VAR} references are
// expanded from the environment before parsing and duration strings are
// parsed after it.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable consulted by Resolve.
const EnvConfigPath = "AGENTCHAT_CONFIG"

// DefaultFile is the config file looked up in the working directory.
const DefaultFile = "agentchat.yaml"

// Config is the complete agentchat configuration.
type Config struct {
	Agent     AgentConfig     `yaml:"agent"`
	Session   SessionConfig   `yaml:"session"`
	Trace     TraceConfig     `yaml:"trace"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
	Server    ServerConfig    `yaml:"server"`
}

// AgentConfig identifies the remote agent and shapes each request.
type AgentConfig struct {
	Region      string `yaml:"region"`
	Profile     string `yaml:"profile"`
	EndpointURL string `yaml:"endpoint_url"`
	MaxAttempts int    `yaml:"max_attempts"`

	AgentID   string `yaml:"agent_id"`
	AliasID   string `yaml:"alias_id"`
	SessionID string `yaml:"session_id"`

	EnableTrace         bool `yaml:"enable_trace"`
	StreamFinalResponse bool `yaml:"stream_final_response"`
	// HistoryLimit caps the number of prior turns sent with a prompt.
	HistoryLimit int `yaml:"history_limit"`

	RequestTimeout    time.Duration `yaml:"-"`
	RequestTimeoutRaw string        `yaml:"request_timeout"`
}

// SessionConfig selects the transcript store.
type SessionConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// TraceConfig controls the on-disk trace log.
type TraceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// TelemetryConfig controls OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool              `yaml:"enabled"`
	ServiceName  string            `yaml:"service_name"`
	Environment  string            `yaml:"environment"`
	OTLPEndpoint string            `yaml:"otlp_endpoint"`
	Insecure     bool              `yaml:"insecure"`
	Headers      map[string]string `yaml:"headers"`
	MaskPatterns []string          `yaml:"mask_patterns"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// File receives logs when set; the TUI always logs to a file.
	File string `yaml:"file"`
}

// ServerConfig holds the HTTP front-end address.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Region:              "us-east-1",
			StreamFinalResponse: true,
			HistoryLimit:        10,
			RequestTimeoutRaw:   "2m",
			RequestTimeout:      2 * time.Minute,
		},
		Session: SessionConfig{Backend: "memory"},
		Trace:   TraceConfig{Dir: ".trace"},
		Telemetry: TelemetryConfig{
			ServiceName: "agentchat",
		},
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Server:  ServerConfig{Addr: ":8080"},
	}
}

// Load reads path over the defaults, expands ${VAR} references, parses
// durations and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load for an in-memory document.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	expanded := expandEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Resolve picks the config file: explicit path, then $AGENTCHAT_CONFIG, then
// ./agentchat.yaml. It returns "" when none applies and the defaults should
// be used.
func Resolve(explicit string) (string, error) {
	if p := strings.TrimSpace(explicit); p != "" {
		return p, nil
	}
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p, nil
	}
	if _, err := os.Stat(DefaultFile); err == nil {
		return DefaultFile, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking %s: %w", DefaultFile, err)
	}
	return "", nil
}

// LoadOrDefault loads the resolved file, or returns the defaults when there
// is none. Defaults are not validated; callers fill in flags first.
func LoadOrDefault(explicit string) (*Config, string, error) {
	path, err := Resolve(explicit)
	if err != nil {
		return nil, "", err
	}
	if path == "" {
		return Default(), "", nil
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to "".
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that the settings are usable. Agent identifiers are only
// required by ValidateAgent since some commands run without them.
func (c *Config) Validate() error {
	if c.Agent.HistoryLimit < 0 {
		return fmt.Errorf("agent.history_limit must be >= 0, got %d", c.Agent.HistoryLimit)
	}
	if c.Agent.MaxAttempts < 0 {
		return fmt.Errorf("agent.max_attempts must be >= 0, got %d", c.Agent.MaxAttempts)
	}
	switch strings.ToLower(c.Session.Backend) {
	case "", "memory":
	case "file", "sqlite":
		if strings.TrimSpace(c.Session.Path) == "" {
			return fmt.Errorf("session.path is required for the %s backend", c.Session.Backend)
		}
	default:
		return fmt.Errorf("session.backend %q is not one of memory, file, sqlite", c.Session.Backend)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of console, json", c.Logging.Format)
	}
	if c.Telemetry.Enabled && strings.TrimSpace(c.Telemetry.OTLPEndpoint) == "" {
		return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is enabled")
	}
	return nil
}

// ValidateAgent checks the fields needed to reach the remote agent.
func (c *Config) ValidateAgent() error {
	if strings.TrimSpace(c.Agent.Region) == "" {
		return fmt.Errorf("agent.region is required")
	}
	if strings.TrimSpace(c.Agent.AgentID) == "" {
		return fmt.Errorf("agent.agent_id is required")
	}
	if strings.TrimSpace(c.Agent.AliasID) == "" {
		return fmt.Errorf("agent.alias_id is required")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	if cfg.Agent.RequestTimeoutRaw != "" {
		d, err := time.ParseDuration(cfg.Agent.RequestTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing request_timeout %q: %w", cfg.Agent.RequestTimeoutRaw, err)
		}
		cfg.Agent.RequestTimeout = d
	}
	return nil
}
