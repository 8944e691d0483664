// Package config provides YAML configuration loading and validation for the
// MiniSOC server and agent daemons.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure shared by every MiniSOC
// binary. Each daemon reads only the sections it needs, so one file can
// drive a whole lab deployment.
type Config struct {
	Logging LoggingConfig `yaml:"logging"`
	Server  ServerConfig  `yaml:"server"`
	Agent   AgentConfig   `yaml:"agent"`
}

// LoggingConfig controls daemon logging.
//
// Dir, MaxBytes and Backups describe the rotating file sink of earlier
// deployments; they are parsed and validated for config compatibility but
// the daemons log JSON to stderr only.
type LoggingConfig struct {
	// Level is the minimum log severity: "debug", "info", "warning" (or
	// "warn"), or "error". Defaults to "info" when omitted.
	Level string `yaml:"level"`

	// Dir is the directory for rotating file logs. Unused.
	Dir string `yaml:"dir"`

	// MaxBytes caps a single rotating log file. Unused.
	MaxBytes int `yaml:"max_bytes"`

	// Backups is the number of rotated files kept. Unused.
	Backups int `yaml:"backups"`
}

// ServerConfig configures the central MiniSOC server.
type ServerConfig struct {
	// BindHost is the listen address. Defaults to "127.0.0.1".
	BindHost string `yaml:"bind_host"`

	// BindPort is the listen port. Defaults to 8080.
	BindPort int `yaml:"bind_port"`

	// DBPath is the SQLite database file. Defaults to "./var/minisoc.db".
	DBPath string `yaml:"db_path"`

	// DBURL optionally selects the PostgreSQL backend instead of SQLite
	// (e.g. "postgres://minisoc@db/minisoc"). Empty means SQLite at DBPath.
	DBURL string `yaml:"db_url"`

	// JSONLDir is the directory receiving events.jsonl, the append-only
	// archive of every ingested event. Defaults to "./var/jsonl".
	JSONLDir string `yaml:"jsonl_dir"`

	// DedupeTTLMinutes is how long a routed alert ID suppresses repeats,
	// measured from routing time. An explicit 0 disables dedupe; omitting
	// the key defaults to 60.
	DedupeTTLMinutes int `yaml:"dedupe_ttl_minutes"`

	// JWTPublicKey is an optional path to a PEM-encoded RSA public key.
	// When set, /events/recent and /alerts/recent require an RS256 bearer
	// token signed by the matching private key. Empty leaves them open.
	JWTPublicKey string `yaml:"jwt_public_key"`
}

// AgentConfig configures the edge agent.
type AgentConfig struct {
	// HostName identifies this host in emitted events. Defaults to
	// "localhost".
	HostName string `yaml:"host_name"`

	// HostIP is an optional address recorded next to HostName.
	HostIP string `yaml:"host_ip"`

	// TailPaths are the auth-log candidates probed in order when no
	// explicit path is given.
	TailPaths []string `yaml:"tail_paths"`

	// ServerURL is the base URL of the MiniSOC server. Defaults to
	// "http://127.0.0.1:8080".
	ServerURL string `yaml:"server_url"`

	// PollIntervalS is the file-tail sleep between empty reads, in
	// seconds. Defaults to 0.5.
	PollIntervalS float64 `yaml:"poll_interval_s"`

	// HeartbeatS is the cadence of the live-mode counter heartbeat log, in
	// seconds. Defaults to 30.
	HeartbeatS float64 `yaml:"heartbeat_s"`

	// HealthAddr optionally serves /healthz and /metrics on a side
	// listener (e.g. "127.0.0.1:9102"). Empty disables it.
	HealthAddr string `yaml:"health_addr"`

	// SuspiciousPath is the JSONL file receiving local burst-tracker
	// records. Defaults to "./var/suspicious.jsonl".
	SuspiciousPath string `yaml:"suspicious_path"`

	// SuspiciousWindowS is the failure-counting window in seconds.
	// Defaults to 60.
	SuspiciousWindowS float64 `yaml:"suspicious_window_s"`

	// SuspiciousThreshold is the window failure count that triggers a
	// suspicious record. Defaults to 5.
	SuspiciousThreshold int `yaml:"suspicious_threshold"`

	// SuspiciousCooldownS is the minimum spacing between records for one
	// source IP, in seconds. Defaults to 60.
	SuspiciousCooldownS float64 `yaml:"suspicious_cooldown_s"`
}

// validLogLevels is the set of accepted log level strings. "warning" is the
// historical spelling and maps to "warn".
var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// LoadConfig reads the YAML file at path, unmarshals it over the defaults,
// and validates all fields. Unmarshalling over a pre-seeded Config keeps
// absent keys at their defaults while letting an explicit zero through,
// which is how dedupe_ttl_minutes: 0 disables alert dedupe. A missing or
// unparsable file is a fatal configuration error by design: daemons must
// not start on guesses.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return cfg, nil
}

// Default returns the configuration a daemon would use with an empty YAML
// file. Tests and the doctor readout rely on it.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// SlogLevel maps the configured level string onto a slog.Level.
func (lc LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(lc.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Addr is the server's host:port listen address.
func (sc ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", sc.BindHost, sc.BindPort)
}

// applyDefaults fills a zero Config with the documented defaults. LoadConfig
// unmarshals user YAML over the result.
func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Server.BindHost == "" {
		cfg.Server.BindHost = "127.0.0.1"
	}
	if cfg.Server.BindPort == 0 {
		cfg.Server.BindPort = 8080
	}
	if cfg.Server.DBPath == "" {
		cfg.Server.DBPath = "./var/minisoc.db"
	}
	if cfg.Server.JSONLDir == "" {
		cfg.Server.JSONLDir = "./var/jsonl"
	}
	if cfg.Server.DedupeTTLMinutes == 0 {
		cfg.Server.DedupeTTLMinutes = 60
	}
	if cfg.Agent.HostName == "" {
		cfg.Agent.HostName = "localhost"
	}
	if len(cfg.Agent.TailPaths) == 0 {
		cfg.Agent.TailPaths = []string{"/var/log/auth.log", "/var/log/secure", "/var/log/messages"}
	}
	if cfg.Agent.ServerURL == "" {
		cfg.Agent.ServerURL = "http://127.0.0.1:8080"
	}
	if cfg.Agent.PollIntervalS == 0 {
		cfg.Agent.PollIntervalS = 0.5
	}
	if cfg.Agent.HeartbeatS == 0 {
		cfg.Agent.HeartbeatS = 30
	}
	if cfg.Agent.SuspiciousPath == "" {
		cfg.Agent.SuspiciousPath = "./var/suspicious.jsonl"
	}
	if cfg.Agent.SuspiciousWindowS == 0 {
		cfg.Agent.SuspiciousWindowS = 60
	}
	if cfg.Agent.SuspiciousThreshold == 0 {
		cfg.Agent.SuspiciousThreshold = 5
	}
	if cfg.Agent.SuspiciousCooldownS == 0 {
		cfg.Agent.SuspiciousCooldownS = 60
	}
}

// validate checks enumerations and numeric ranges across all sections.
func validate(cfg *Config) error {
	var errs []error

	if !validLogLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, fmt.Errorf("logging.level %q must be one of: debug, info, warning, error", cfg.Logging.Level))
	}
	if cfg.Server.BindPort < 1 || cfg.Server.BindPort > 65535 {
		errs = append(errs, fmt.Errorf("server.bind_port %d must be in 1..65535", cfg.Server.BindPort))
	}
	if cfg.Server.DedupeTTLMinutes < 0 {
		errs = append(errs, fmt.Errorf("server.dedupe_ttl_minutes %d must be >= 0", cfg.Server.DedupeTTLMinutes))
	}
	if u := cfg.Agent.ServerURL; !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		errs = append(errs, fmt.Errorf("agent.server_url %q must start with http:// or https://", u))
	}
	if cfg.Agent.PollIntervalS <= 0 {
		errs = append(errs, fmt.Errorf("agent.poll_interval_s %v must be > 0", cfg.Agent.PollIntervalS))
	}
	if cfg.Agent.HeartbeatS <= 0 {
		errs = append(errs, fmt.Errorf("agent.heartbeat_s %v must be > 0", cfg.Agent.HeartbeatS))
	}
	if cfg.Agent.SuspiciousWindowS <= 0 {
		errs = append(errs, fmt.Errorf("agent.suspicious_window_s %v must be > 0", cfg.Agent.SuspiciousWindowS))
	}
	if cfg.Agent.SuspiciousThreshold < 1 {
		errs = append(errs, fmt.Errorf("agent.suspicious_threshold %d must be >= 1", cfg.Agent.SuspiciousThreshold))
	}
	if cfg.Agent.SuspiciousCooldownS < 0 {
		errs = append(errs, fmt.Errorf("agent.suspicious_cooldown_s %v must be >= 0", cfg.Agent.SuspiciousCooldownS))
	}

	return errors.Join(errs...)
}
