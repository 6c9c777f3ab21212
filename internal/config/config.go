package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/loykin/archivebridge/internal/env"
	"github.com/loykin/archivebridge/internal/logger"
	"github.com/loykin/archivebridge/internal/metrics"
	"github.com/loykin/archivebridge/internal/worker"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. ARCHIVEBRIDGE_API_LISTEN.
const EnvPrefix = "ARCHIVEBRIDGE"

// WorkerConfig describes the backend worker and how the bridge connects to it.
type WorkerConfig struct {
	Name         string        `mapstructure:"name"`
	Command      string        `mapstructure:"command"`
	Args         []string      `mapstructure:"args"`
	WorkDir      string        `mapstructure:"workdir"`
	Env          []string      `mapstructure:"env"`
	EnvFiles     []string      `mapstructure:"env_files"`
	UseOSEnv     bool          `mapstructure:"use_os_env"`
	ReadyPattern string        `mapstructure:"ready_pattern"`
	ReadyTimeout time.Duration `mapstructure:"ready_timeout"`
	DialAttempts int           `mapstructure:"dial_attempts"`
	DialInterval time.Duration `mapstructure:"dial_interval"`
	StopGrace    time.Duration `mapstructure:"stop_grace"`
	CloseGrace   time.Duration `mapstructure:"close_grace"`
	MaxFrameSize int           `mapstructure:"max_frame_size"`
}

type MetadataConfig struct {
	Path         string `mapstructure:"path"`
	DeletePolicy string `mapstructure:"delete_policy"`
}

type APIConfig struct {
	Enabled  bool      `mapstructure:"enabled"`
	Listen   string    `mapstructure:"listen"`
	BasePath string    `mapstructure:"base_path"`
	TLS      TLSConfig `mapstructure:"tls"`
}

// TLSConfig serves the API over HTTPS. CertFile/KeyFile take precedence over Dir,
// which holds tls.crt and tls.key (generated when AutoGenerate is set).
type TLSConfig struct {
	Enabled      bool       `mapstructure:"enabled"`
	CertFile     string     `mapstructure:"cert_file"`
	KeyFile      string     `mapstructure:"key_file"`
	Dir          string     `mapstructure:"dir"`
	AutoGenerate bool       `mapstructure:"auto_generate"`
	MinVersion   string     `mapstructure:"min_version"`
	MaxVersion   string     `mapstructure:"max_version"`
	AutoGen      AutoGenTLS `mapstructure:"auto_gen"`
}

// AutoGenTLS shapes the self-signed certificate.
type AutoGenTLS struct {
	CommonName   string   `mapstructure:"common_name"`
	Organization string   `mapstructure:"organization"`
	DNSNames     []string `mapstructure:"dns_names"`
	IPAddresses  []string `mapstructure:"ip_addresses"`
	ValidDays    int      `mapstructure:"valid_days"`
}

// MetricsConfig enables the Prometheus endpoint. An empty Listen serves
// /metrics on the API listener.
type MetricsConfig struct {
	Enabled bool                        `mapstructure:"enabled"`
	Listen  string                      `mapstructure:"listen"`
	Worker  metrics.WorkerMetricsConfig `mapstructure:"worker"`
}

// HistoryConfig lists sink DSNs for job transition history.
type HistoryConfig struct {
	DSNs []string `mapstructure:"dsns"`
}

// Config is the whole bridge configuration.
type Config struct {
	Worker   WorkerConfig   `mapstructure:"worker"`
	Metadata MetadataConfig `mapstructure:"metadata"`
	API      APIConfig      `mapstructure:"api"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Log      logger.Config  `mapstructure:"log"`
	History  HistoryConfig  `mapstructure:"history"`

	// path of the file the config was read from, if any
	source string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("worker.name", "worker")
	v.SetDefault("worker.command", "")
	v.SetDefault("worker.workdir", "")
	v.SetDefault("worker.ready_pattern", "")
	v.SetDefault("worker.use_os_env", true)
	v.SetDefault("worker.ready_timeout", "30s")
	v.SetDefault("worker.dial_attempts", 5)
	v.SetDefault("worker.dial_interval", "200ms")
	v.SetDefault("worker.stop_grace", "3s")
	v.SetDefault("worker.close_grace", "2s")
	v.SetDefault("worker.max_frame_size", 1<<20)

	v.SetDefault("metadata.path", "metadata.json")
	v.SetDefault("metadata.delete_policy", "confirm")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", "127.0.0.1:8080")
	v.SetDefault("api.base_path", "/api")
	v.SetDefault("api.tls.enabled", false)
	v.SetDefault("api.tls.cert_file", "")
	v.SetDefault("api.tls.key_file", "")
	v.SetDefault("api.tls.dir", "")
	v.SetDefault("api.tls.auto_generate", false)
	v.SetDefault("api.tls.min_version", "1.2")
	v.SetDefault("api.tls.max_version", "1.3")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.worker.interval", "5s")

	v.SetDefault("log.level", string(logger.LevelInfo))
	v.SetDefault("log.format", string(logger.FormatText))
	v.SetDefault("log.color", true)
	v.SetDefault("log.timestamps", true)
	v.SetDefault("log.path", "")
	v.SetDefault("log.worker.dir", "")
	v.SetDefault("log.worker.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.worker.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.worker.max_age_days", logger.DefaultMaxAgeDays)
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		// defaults alone always decode
		panic(err)
	}
	return cfg
}

// Load reads a TOML file (optional) layered over defaults and ARCHIVEBRIDGE_* env vars.
// Relative metadata, env file and log paths resolve against the file's directory.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.source = path
	if path != "" {
		base := filepath.Dir(path)
		cfg.Metadata.Path = resolve(base, cfg.Metadata.Path)
		for i, f := range cfg.Worker.EnvFiles {
			cfg.Worker.EnvFiles[i] = resolve(base, f)
		}
		cfg.API.TLS.CertFile = resolve(base, cfg.API.TLS.CertFile)
		cfg.API.TLS.KeyFile = resolve(base, cfg.API.TLS.KeyFile)
		cfg.API.TLS.Dir = resolve(base, cfg.API.TLS.Dir)
		cfg.Log.Slog.Path = resolve(base, cfg.Log.Slog.Path)
		cfg.Log.File.Dir = resolve(base, cfg.Log.File.Dir)
	}
	return &cfg, nil
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// Source returns the file the config was loaded from, or "".
func (c *Config) Source() string { return c.source }

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Worker.Command) == "" {
		errs = append(errs, errors.New("worker.command is required"))
	}
	if c.Worker.ReadyPattern != "" {
		re, err := regexp.Compile(c.Worker.ReadyPattern)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("worker.ready_pattern: %w", err))
		case re.NumSubexp() < 1:
			errs = append(errs, errors.New("worker.ready_pattern must capture the port in group 1"))
		}
	}
	if c.Worker.ReadyTimeout <= 0 {
		errs = append(errs, errors.New("worker.ready_timeout must be positive"))
	}
	if c.Worker.DialAttempts < 1 {
		errs = append(errs, errors.New("worker.dial_attempts must be at least 1"))
	}
	if c.Worker.DialInterval < 0 || c.Worker.StopGrace < 0 || c.Worker.CloseGrace < 0 {
		errs = append(errs, errors.New("worker durations must not be negative"))
	}
	if c.Worker.MaxFrameSize < 0 {
		errs = append(errs, errors.New("worker.max_frame_size must not be negative"))
	}
	if strings.TrimSpace(c.Metadata.Path) == "" {
		errs = append(errs, errors.New("metadata.path is required"))
	}
	switch strings.ToLower(c.Metadata.DeletePolicy) {
	case "", "confirm", "optimistic":
	default:
		errs = append(errs, fmt.Errorf("metadata.delete_policy %q: want confirm or optimistic", c.Metadata.DeletePolicy))
	}
	if c.API.Enabled && c.API.Listen == "" {
		errs = append(errs, errors.New("api.listen is required when the api is enabled"))
	}
	if t := c.API.TLS; t.Enabled && (t.CertFile == "") != (t.KeyFile == "") {
		errs = append(errs, errors.New("api.tls.cert_file and api.tls.key_file must be set together"))
	} else if t.Enabled && t.CertFile == "" && t.Dir == "" {
		errs = append(errs, errors.New("api.tls needs cert_file/key_file or dir"))
	}
	if c.API.BasePath != "" && !strings.HasPrefix(c.API.BasePath, "/") {
		errs = append(errs, fmt.Errorf("api.base_path %q must start with /", c.API.BasePath))
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" && !c.API.Enabled {
		errs = append(errs, errors.New("metrics.listen is required when the api is disabled"))
	}
	switch c.Log.Slog.Format {
	case "", logger.FormatText, logger.FormatJSON:
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want text or json", c.Log.Slog.Format))
	}
	for i, dsn := range c.History.DSNs {
		if strings.TrimSpace(dsn) == "" {
			errs = append(errs, fmt.Errorf("history.dsns[%d] is empty", i))
		}
	}
	return errors.Join(errs...)
}

// WorkerEnv composes the worker environment. Precedence, lowest first: the OS
// environment (when use_os_env), env files in order, then worker.env pairs.
func (c *Config) WorkerEnv() ([]string, error) {
	e := env.Empty()
	if c.Worker.UseOSEnv {
		e = env.New()
		e.FromOS()
	}
	for _, f := range c.Worker.EnvFiles {
		if err := e.AddFile(f); err != nil {
			return nil, fmt.Errorf("worker env file %s: %w", f, err)
		}
	}
	return e.Merge(c.Worker.Env), nil
}

// WorkerSpec builds the process description for the supervisor.
func (c *Config) WorkerSpec() (worker.Spec, error) {
	vars, err := c.WorkerEnv()
	if err != nil {
		return worker.Spec{}, err
	}
	return worker.Spec{
		Name:    c.Worker.Name,
		Command: c.Worker.Command,
		Args:    c.Worker.Args,
		WorkDir: c.Worker.WorkDir,
		Env:     vars,
	}, nil
}

// ReadyRegexp returns the compiled readiness pattern, or nil for the default.
func (c *Config) ReadyRegexp() (*regexp.Regexp, error) {
	if c.Worker.ReadyPattern == "" {
		return nil, nil
	}
	return regexp.Compile(c.Worker.ReadyPattern)
}
