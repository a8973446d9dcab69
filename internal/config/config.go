package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/loykin/kerneld/internal/logger"
)

// EnvPrefix namespaces environment overrides, e.g. KERNELD_DAEMON_MAX_RUNTIME.
const EnvPrefix = "KERNELD"

// Config represents the top-level TOML structure.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Daemon  DaemonConfig  `mapstructure:"daemon"`
	Kernel  KernelConfig  `mapstructure:"kernel"`
	Log     logger.Config `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	History HistoryConfig `mapstructure:"history"`
	Events  EventsConfig  `mapstructure:"events"`
}

type ServerConfig struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
	// WebsocketPath is mounted under BasePath; empty disables the gateway.
	WebsocketPath string `mapstructure:"websocket_path"`
	AdminRole     string `mapstructure:"admin_role"`
	// JWTSecret switches identity from forwarded headers to signed bearer tokens.
	JWTSecret string `mapstructure:"jwt_secret"`
}

type DaemonConfig struct {
	// MaxRuntime is in seconds and applies to daemons started after a change.
	MaxRuntime      int           `mapstructure:"max_runtime"`
	MaxPerUser      int           `mapstructure:"max_per_user"`
	TeardownTimeout time.Duration `mapstructure:"teardown_timeout"`
	RetainTerminal  time.Duration `mapstructure:"retain_terminal"`
	ReapInterval    time.Duration `mapstructure:"reap_interval"`
	DisconnectGrace time.Duration `mapstructure:"disconnect_grace"`
	TranscriptDir   string        `mapstructure:"transcript_dir"`
}

type KernelConfig struct {
	// Engine is "jupyter" or the name of a sandboxed engine such as "pyodide".
	Engine         string        `mapstructure:"engine"`
	URL            string        `mapstructure:"url"`
	Token          string        `mapstructure:"token"`
	Password       string        `mapstructure:"password"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Listen serves /metrics on a separate address; empty mounts it on the API server.
	Listen string `mapstructure:"listen"`
}

type HistoryConfig struct {
	DSNs []string `mapstructure:"dsns"`
}

type EventsConfig struct {
	Buffer        int    `mapstructure:"buffer"`
	NATSURL       string `mapstructure:"nats_url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
	ClientName    string `mapstructure:"client_name"`
}

// MaxRuntimeDuration converts the configured budget to a duration.
func (d DaemonConfig) MaxRuntimeDuration() time.Duration {
	return time.Duration(d.MaxRuntime) * time.Second
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.base_path", "/api/v1")
	v.SetDefault("server.websocket_path", "/ws")
	v.SetDefault("server.admin_role", "admin")
	v.SetDefault("server.jwt_secret", "")

	v.SetDefault("daemon.max_runtime", 3600)
	v.SetDefault("daemon.max_per_user", 3)
	v.SetDefault("daemon.teardown_timeout", 10*time.Second)
	v.SetDefault("daemon.retain_terminal", 5*time.Minute)
	v.SetDefault("daemon.reap_interval", time.Minute)
	v.SetDefault("daemon.disconnect_grace", time.Duration(0))
	v.SetDefault("daemon.transcript_dir", "")

	v.SetDefault("kernel.engine", "jupyter")
	v.SetDefault("kernel.url", "http://localhost:8888")
	v.SetDefault("kernel.token", "")
	v.SetDefault("kernel.password", "")
	v.SetDefault("kernel.request_timeout", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", logger.FormatText)
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", "")

	v.SetDefault("history.dsns", []string{})

	v.SetDefault("events.buffer", 256)
	v.SetDefault("events.nats_url", "")
	v.SetDefault("events.subject_prefix", "chat")
	v.SetDefault("events.client_name", "kerneld")
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
	}
	return v
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Load reads path (optional) plus environment overrides into a validated Config.
func Load(path string) (Config, error) {
	l, err := NewLoader(path, nil)
	if err != nil {
		return Config{}, err
	}
	return l.Config(), nil
}

// Validate checks value ranges and cross-field requirements.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		errs = append(errs, fmt.Errorf("server.base_path %q must start with /", c.Server.BasePath))
	}
	if c.Daemon.MaxRuntime <= 0 {
		errs = append(errs, errors.New("daemon.max_runtime must be positive"))
	}
	if c.Daemon.MaxPerUser <= 0 {
		errs = append(errs, errors.New("daemon.max_per_user must be positive"))
	}
	if c.Daemon.TeardownTimeout <= 0 {
		errs = append(errs, errors.New("daemon.teardown_timeout must be positive"))
	}
	if c.Daemon.DisconnectGrace < 0 {
		errs = append(errs, errors.New("daemon.disconnect_grace must not be negative"))
	}
	if c.Kernel.Engine == "" {
		errs = append(errs, errors.New("kernel.engine is required"))
	}
	if c.Kernel.Engine == "jupyter" && c.Kernel.URL == "" {
		errs = append(errs, errors.New("kernel.url is required for the jupyter engine"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", logger.FormatText, logger.FormatJSON, logger.FormatColor:
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be one of text, json, color", c.Log.Format))
	}
	if c.Events.Buffer < 0 {
		errs = append(errs, errors.New("events.buffer must not be negative"))
	}
	return errors.Join(errs...)
}

// Loader owns a viper instance and the last valid Config. Reloads that fail
// validation are logged and leave the previous Config in place.
type Loader struct {
	v      *viper.Viper
	path   string
	logger *slog.Logger

	mu  sync.RWMutex
	cfg Config
}

func NewLoader(path string, log *slog.Logger) (*Loader, error) {
	if log == nil {
		log = slog.Default()
	}
	v := newViper(path)
	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	return &Loader{v: v, path: path, logger: log, cfg: cfg}, nil
}

// Config returns the current configuration snapshot.
func (l *Loader) Config() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// MaxRuntime is the provider handed to the daemon manager; it is consulted
// once per start.
func (l *Loader) MaxRuntime() time.Duration {
	return l.Config().Daemon.MaxRuntimeDuration()
}

// Reload re-reads the file and swaps the snapshot when it validates.
func (l *Loader) Reload() error {
	if l.path != "" {
		if err := l.v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", l.path, err)
		}
	}
	cfg, err := decode(l.v)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
	return nil
}

// Watch reloads on file changes and calls onChange with each accepted snapshot.
// It is a no-op without a config file.
func (l *Loader) Watch(onChange func(Config)) {
	if l.path == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if err := l.Reload(); err != nil {
			l.logger.Warn("config reload rejected", "file", e.Name, "error", err)
			return
		}
		l.logger.Info("config reloaded", "file", e.Name)
		if onChange != nil {
			onChange(l.Config())
		}
	})
	l.v.WatchConfig()
}
