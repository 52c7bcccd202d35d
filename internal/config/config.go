package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AppName names the config, data, and env namespaces.
const AppName = "codepulse"

// ProjectFile is the per-directory override file, merged over the global one.
const ProjectFile = ".codepulse.yaml"

// Config holds all configurable codepulse settings.
type Config struct {
	APIURL              string          `mapstructure:"api_url"`
	LaunchURL           string          `mapstructure:"launch_url"`
	PluginID            int             `mapstructure:"plugin_id"`
	DataDir             string          `mapstructure:"data_dir"` // empty: XDG data dir
	FlushInterval       time.Duration   `mapstructure:"flush_interval"`
	MaintenanceInterval time.Duration   `mapstructure:"maintenance_interval"`
	InitialDrainDelay   time.Duration   `mapstructure:"initial_drain_delay"`
	ShutdownTimeout     time.Duration   `mapstructure:"shutdown_timeout"`
	Workers             int             `mapstructure:"workers"`
	Transport           TransportConfig `mapstructure:"transport"`
	Queue               QueueConfig     `mapstructure:"queue"`
	Auth                AuthConfig      `mapstructure:"auth"`
	Log                 LogConfig       `mapstructure:"log"`
	Project             ProjectConfig   `mapstructure:"project"`
}

// TransportConfig controls the HTTP client.
type TransportConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	// SingleEvent posts each window to /data instead of /data/batch.
	SingleEvent bool `mapstructure:"single_event"`
}

// QueueConfig controls the offline queue.
type QueueConfig struct {
	// MaxEntries caps the queue; the oldest entries are evicted first. 0 disables the cap.
	MaxEntries int `mapstructure:"max_entries"`
}

// AuthConfig controls pairing and login prompts.
type AuthConfig struct {
	PromptThreshold     time.Duration `mapstructure:"prompt_threshold"`
	ConfirmInitialDelay time.Duration `mapstructure:"confirm_initial_delay"`
	ConfirmPollInterval time.Duration `mapstructure:"confirm_poll_interval"`
	LivenessCacheTTL    time.Duration `mapstructure:"liveness_cache_ttl"`
}

// LogConfig controls the log file.
type LogConfig struct {
	Level      string `mapstructure:"level"` // debug | info | warn | error
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// ProjectConfig controls how files map to projects.
type ProjectConfig struct {
	// Roots are directories treated as project roots before falling back to git.
	Roots []string `mapstructure:"roots"`
}

// Defaults returns sensible default configuration values.
func Defaults() Config {
	return Config{
		APIURL:              "https://api.codepulse.dev",
		LaunchURL:           "https://app.codepulse.dev",
		PluginID:            3,
		FlushInterval:       60 * time.Second,
		MaintenanceInterval: 60 * time.Second,
		InitialDrainDelay:   15 * time.Second,
		ShutdownTimeout:     5 * time.Second,
		Workers:             2,
		Transport: TransportConfig{
			Timeout: 10 * time.Second,
		},
		Queue: QueueConfig{MaxEntries: 10000},
		Auth: AuthConfig{
			PromptThreshold:     time.Hour,
			ConfirmInitialDelay: time.Minute,
			ConfirmPollInterval: 2 * time.Minute,
			LivenessCacheTTL:    5 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Project: ProjectConfig{Roots: []string{}},
	}
}

// SetDefaults registers every key's default on v and enables CODEPULSE_*
// environment overrides.
func SetDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("api_url", d.APIURL)
	v.SetDefault("launch_url", d.LaunchURL)
	v.SetDefault("plugin_id", d.PluginID)
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("flush_interval", d.FlushInterval)
	v.SetDefault("maintenance_interval", d.MaintenanceInterval)
	v.SetDefault("initial_drain_delay", d.InitialDrainDelay)
	v.SetDefault("shutdown_timeout", d.ShutdownTimeout)
	v.SetDefault("workers", d.Workers)

	v.SetDefault("transport.timeout", d.Transport.Timeout)
	v.SetDefault("transport.single_event", d.Transport.SingleEvent)

	v.SetDefault("queue.max_entries", d.Queue.MaxEntries)

	v.SetDefault("auth.prompt_threshold", d.Auth.PromptThreshold)
	v.SetDefault("auth.confirm_initial_delay", d.Auth.ConfirmInitialDelay)
	v.SetDefault("auth.confirm_poll_interval", d.Auth.ConfirmPollInterval)
	v.SetDefault("auth.liveness_cache_ttl", d.Auth.LivenessCacheTTL)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)

	v.SetDefault("project.roots", d.Project.Roots)

	v.SetEnvPrefix(strings.ToUpper(AppName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// ReadFiles loads configuration files into v. An explicit path must exist.
// Otherwise the global file is read if present and ProjectFile in the
// working directory is merged over it.
func ReadFiles(v *viper.Viper, explicit string) error {
	if explicit != "" {
		v.SetConfigFile(explicit)
		if err := v.ReadInConfig(); err != nil {
			return &ParseError{Path: explicit, Err: err}
		}
		return nil
	}

	global := ConfigFile()
	if exists(global) {
		v.SetConfigFile(global)
		if err := v.ReadInConfig(); err != nil {
			return &ParseError{Path: global, Err: err}
		}
	}
	if exists(ProjectFile) {
		v.SetConfigFile(ProjectFile)
		if err := v.MergeInConfig(); err != nil {
			return &ParseError{Path: ProjectFile, Err: err}
		}
	}
	return nil
}

// Load reads the configuration from v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if cfg.DataDir == "" {
		dir, err := DataDir()
		if err != nil {
			return nil, fmt.Errorf("resolving data directory: %w", err)
		}
		cfg.DataDir = dir
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}
	return &cfg, nil
}

// DataDir returns the codepulse-specific XDG data directory.
// Path: $XDG_DATA_HOME/codepulse or ~/.local/share/codepulse
func DataDir() (string, error) {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, AppName), nil
}

// ConfigDir returns the path to the user's config directory.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, AppName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "." + AppName
	}
	return filepath.Join(home, ".config", AppName)
}

// ConfigFile returns the path to the global config file.
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, fs.ErrNotExist)
}

// ParseError is returned when a config file exists but cannot be parsed.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return "failed to parse config file " + e.Path + ": " + e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
