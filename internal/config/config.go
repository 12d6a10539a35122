// Package config loads the operator configuration of the pullci server.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"pullci/internal/handlers"
)

const (
	ModeSync  = "sync"
	ModeAsync = "async"
)

type LedgerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	KeysDir string `yaml:"keys_dir"`
	AgentID string `yaml:"agent_id"`
}

type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
	Queue   string `yaml:"queue"`
}

type GitHubConfig struct {
	WebhookSecret string `yaml:"webhook_secret"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ToolchainConfig struct {
	Install      string `yaml:"install"`
	ComponentAdd string `yaml:"component_add"`
}

// Config is the server configuration file.
type Config struct {
	Listen         string        `yaml:"listen"`
	Pipelines      string        `yaml:"pipelines"`
	Mode           string        `yaml:"mode"`
	Workers        int           `yaml:"workers"`
	Queue          int           `yaml:"queue"`
	LogDir         string        `yaml:"log_dir"`
	WorkspaceRoot  string        `yaml:"workspace_root"`
	KeepWorkspaces bool          `yaml:"keep_workspaces"`
	OutputLimit    int           `yaml:"output_limit"`
	RecentRuns     int           `yaml:"recent_runs"`
	RunsFile       string        `yaml:"runs_file"`
	DatabaseURL    string        `yaml:"database_url"`
	Reload         bool          `yaml:"reload"`
	ReloadDebounce time.Duration `yaml:"reload_debounce"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`

	Ledger    LedgerConfig          `yaml:"ledger"`
	NATS      NATSConfig            `yaml:"nats"`
	GitHub    GitHubConfig          `yaml:"github"`
	Log       LogConfig             `yaml:"log"`
	Upload    handlers.UploadConfig `yaml:"upload"`
	Toolchain ToolchainConfig       `yaml:"toolchain"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Listen:         ":8080",
		Pipelines:      "pipelines",
		Mode:           ModeSync,
		Workers:        4,
		Queue:          64,
		LogDir:         "data/logs",
		WorkspaceRoot:  "data/workspaces",
		OutputLimit:    16 << 10,
		RecentRuns:     100,
		ReloadDebounce: 500 * time.Millisecond,
		ShutdownGrace:  30 * time.Second,
		Ledger: LedgerConfig{
			Path:    "data/ledger.jsonl",
			KeysDir: "keys",
			AgentID: "pullci",
		},
		NATS: NATSConfig{Subject: "pullci.events"},
		Log:  LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads the YAML file at path over the defaults and applies
// environment overrides. An empty path uses the defaults only.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from PULLCI_* variables and DATABASE_URL.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	// Later entries win, so PULLCI_DATABASE_URL overrides DATABASE_URL.
	strs := []struct {
		key string
		dst *string
	}{
		{"PULLCI_LISTEN", &c.Listen},
		{"PULLCI_PIPELINES", &c.Pipelines},
		{"PULLCI_MODE", &c.Mode},
		{"PULLCI_LOG_DIR", &c.LogDir},
		{"PULLCI_WORKSPACE_ROOT", &c.WorkspaceRoot},
		{"PULLCI_RUNS_FILE", &c.RunsFile},
		{"DATABASE_URL", &c.DatabaseURL},
		{"PULLCI_DATABASE_URL", &c.DatabaseURL},
		{"PULLCI_LEDGER_PATH", &c.Ledger.Path},
		{"PULLCI_KEYS_DIR", &c.Ledger.KeysDir},
		{"PULLCI_AGENT_ID", &c.Ledger.AgentID},
		{"PULLCI_NATS_URL", &c.NATS.URL},
		{"PULLCI_NATS_SUBJECT", &c.NATS.Subject},
		{"PULLCI_GITHUB_SECRET", &c.GitHub.WebhookSecret},
		{"PULLCI_LOG_LEVEL", &c.Log.Level},
		{"PULLCI_LOG_FORMAT", &c.Log.Format},
		{"PULLCI_UPLOAD_ENDPOINT", &c.Upload.Endpoint},
		{"PULLCI_UPLOAD_BUCKET", &c.Upload.Bucket},
		{"PULLCI_UPLOAD_ACCESS_KEY", &c.Upload.AccessKey},
		{"PULLCI_UPLOAD_SECRET_KEY", &c.Upload.SecretKey},
		{"PULLCI_UPLOAD_REGION", &c.Upload.Region},
	}
	for _, s := range strs {
		if v, ok := lookup(s.key); ok {
			*s.dst = v
		}
	}

	var errs []error
	ints := map[string]*int{"PULLCI_WORKERS": &c.Workers, "PULLCI_QUEUE": &c.Queue}
	for key, dst := range ints {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				continue
			}
			*dst = n
		}
	}
	bools := map[string]*bool{
		"PULLCI_RELOAD":         &c.Reload,
		"PULLCI_LEDGER":         &c.Ledger.Enabled,
		"PULLCI_UPLOAD_USE_SSL": &c.Upload.UseSSL,
	}
	for key, dst := range bools {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				continue
			}
			*dst = b
		}
	}
	return errors.Join(errs...)
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if c.Pipelines == "" {
		errs = append(errs, errors.New("pipelines path is required"))
	}
	switch c.Mode {
	case ModeSync, ModeAsync:
	default:
		errs = append(errs, fmt.Errorf("mode must be %q or %q, got %q", ModeSync, ModeAsync, c.Mode))
	}
	if c.Workers < 1 {
		errs = append(errs, errors.New("workers must be at least 1"))
	}
	if c.Queue < 0 {
		errs = append(errs, errors.New("queue must not be negative"))
	}
	if c.OutputLimit < 0 {
		errs = append(errs, errors.New("output_limit must not be negative"))
	}
	if c.Reload && c.ReloadDebounce <= 0 {
		errs = append(errs, errors.New("reload_debounce must be positive"))
	}
	if c.Ledger.Enabled && (c.Ledger.Path == "" || c.Ledger.KeysDir == "") {
		errs = append(errs, errors.New("ledger path and keys_dir are required when the ledger is enabled"))
	}
	if c.NATS.URL != "" && c.NATS.Subject == "" {
		errs = append(errs, errors.New("nats subject is required when a nats url is set"))
	}
	if c.Upload.Endpoint != "" {
		if err := c.Upload.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// NewLogger builds the process logger described by the log block.
func (c Config) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	if s == "" {
		return slog.LevelInfo, nil
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return l, fmt.Errorf("log level: %w", err)
	}
	return l, nil
}
