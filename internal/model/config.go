// Package model defines the configuration and the work item types shared by the daemon's components.
package model

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	yamlv3 "gopkg.in/yaml.v3"
)

// ConfigFileName is the conventional config filename inside the working directory.
const ConfigFileName = "rpa.yaml"

type Config struct {
	Sheet      SheetConfig      `yaml:"sheet"`
	Columns    ColumnsConfig    `yaml:"columns"`
	Sentinels  SentinelsConfig  `yaml:"sentinels"`
	Polling    PollingConfig    `yaml:"polling"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Cache      CacheConfig      `yaml:"cache"`
	Automation AutomationConfig `yaml:"automation"`
	Notify     NotifyConfig     `yaml:"notify"`
	Daemon     DaemonConfig     `yaml:"daemon"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type SheetConfig struct {
	// Path of the YAML-backed queue sheet, relative to the working directory.
	Path string `yaml:"path" env:"RPA_SHEET_PATH"`
	// ExportPath receives the session log on export.
	ExportPath string `yaml:"export_path"`
	// Watch wakes the processing loop as soon as the sheet file changes.
	Watch bool `yaml:"watch"`
}

type ColumnsConfig struct {
	ID           string `yaml:"id"`
	Status       string `yaml:"status"`
	StatusOracle string `yaml:"status_oracle"`
	// Quantity is validated as a positive number before processing. Empty disables the check.
	Quantity string `yaml:"quantity"`
}

type SentinelsConfig struct {
	Ready     string `yaml:"ready"`
	Done      string `yaml:"done"`
	Attention string `yaml:"attention"`
}

type PollingConfig struct {
	RecheckInterval Duration `yaml:"recheck_interval"`
	IdleInterval    Duration `yaml:"idle_interval"`
}

type ReconcilerConfig struct {
	Interval Duration `yaml:"interval"`
}

type CacheConfig struct {
	Path string `yaml:"path"`
}

type AutomationConfig struct {
	Command           []string `yaml:"command"`
	KeepAliveCommand  []string `yaml:"keepalive_command,omitempty"`
	Timeout           Duration `yaml:"timeout"`
	AttentionExitCode int      `yaml:"attention_exit_code"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Redis    RedisConfig    `yaml:"redis"`
	// Desktop raises a local notification for halts.
	Desktop bool `yaml:"desktop"`
}

type TelegramConfig struct {
	Token   string `yaml:"token" env:"RPA_TELEGRAM_TOKEN"`
	ChatID  string `yaml:"chat_id" env:"RPA_TELEGRAM_CHAT_ID"`
	APIURL  string `yaml:"api_url,omitempty"`
	Retries int    `yaml:"retries"`
}

type RedisConfig struct {
	URL     string `yaml:"url" env:"RPA_REDIS_URL"`
	Channel string `yaml:"channel,omitempty"`
}

type DaemonConfig struct {
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level string `yaml:"level" env:"RPA_LOG_LEVEL"`
}

// Duration wraps time.Duration for YAML and env string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(value *yamlv3.Node) error {
	return d.UnmarshalText([]byte(value.Value))
}

// MarshalYAML writes the duration back in its string form.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// UnmarshalText parses a duration string for environment overrides.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// DefaultConfig returns the configuration written by setup.
func DefaultConfig() Config {
	return Config{
		Sheet: SheetConfig{
			Path:       "queue.yaml",
			ExportPath: "session.yaml",
			Watch:      true,
		},
		Columns: ColumnsConfig{
			ID:           "ID",
			Status:       "Status",
			StatusOracle: "Status Oracle",
			Quantity:     "Quantidade",
		},
		Sentinels: SentinelsConfig{
			Ready:     "CONCLUÍDO",
			Done:      "PROCESSADO",
			Attention: "VERIFICAR",
		},
		Polling: PollingConfig{
			RecheckInterval: Duration{5 * time.Second},
			IdleInterval:    Duration{60 * time.Second},
		},
		Reconciler: ReconcilerConfig{Interval: Duration{30 * time.Second}},
		Cache:      CacheConfig{Path: "cache.json"},
		Automation: AutomationConfig{
			Timeout:           Duration{5 * time.Minute},
			AttentionExitCode: 3,
		},
		Notify: NotifyConfig{
			Telegram: TelegramConfig{Retries: 2},
			Redis:    RedisConfig{Channel: "rpa:events"},
		},
		Daemon:  DaemonConfig{ShutdownTimeout: Duration{30 * time.Second}},
		Logging: LoggingConfig{Level: "info"},
	}
}

// LoadConfig reads path on top of DefaultConfig, applies RPA_* environment
// overrides and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config file not found: %s", path)
		}
		return Config{}, fmt.Errorf("read config %q: %w", path, err)
	}
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the processing loop cannot run safely with.
func (c *Config) Validate() error {
	var errs []error
	if c.Columns.ID == "" || c.Columns.Status == "" || c.Columns.StatusOracle == "" {
		errs = append(errs, errors.New("columns.id, columns.status and columns.status_oracle are required"))
	}
	if c.Sentinels.Ready == "" || c.Sentinels.Done == "" || c.Sentinels.Attention == "" {
		errs = append(errs, errors.New("sentinels.ready, sentinels.done and sentinels.attention are required"))
	}
	if c.Sentinels.Done != "" && c.Sentinels.Done == c.Sentinels.Attention {
		errs = append(errs, errors.New("sentinels.done and sentinels.attention must differ"))
	}
	if c.Sentinels.Ready != "" && (c.Sentinels.Ready == c.Sentinels.Done || c.Sentinels.Ready == c.Sentinels.Attention) {
		errs = append(errs, errors.New("sentinels.ready must differ from done and attention"))
	}
	if c.Polling.RecheckInterval.Duration <= 0 || c.Polling.IdleInterval.Duration <= 0 {
		errs = append(errs, errors.New("polling intervals must be positive"))
	}
	if c.Reconciler.Interval.Duration <= 0 {
		errs = append(errs, errors.New("reconciler.interval must be positive"))
	}
	if c.Sheet.Path == "" {
		errs = append(errs, errors.New("sheet.path is required"))
	}
	if c.Cache.Path == "" {
		errs = append(errs, errors.New("cache.path is required"))
	}
	return errors.Join(errs...)
}
