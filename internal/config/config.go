// Package config loads conductor's configuration from conductor.yaml,
// CONDUCTOR_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// CONDUCTOR_BUFFER_WINDOW=3s.
const EnvPrefix = "CONDUCTOR"

// Session store backends.
const (
	StoreSQLite = "sqlite"
	StoreFile   = "file"
	StoreNone   = "none"
)

// minTTLFactor is how many executor timeouts a session must outlive.
const minTTLFactor = 10

// Config is the full runtime configuration.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Signal    SignalConfig    `mapstructure:"signal"`
	Claude    ClaudeConfig    `mapstructure:"claude"`
	Buffer    BufferConfig    `mapstructure:"buffer"`
	Admission AdmissionConfig `mapstructure:"admission"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Sessions  SessionConfig   `mapstructure:"sessions"`
	Replies   ReplyConfig     `mapstructure:"replies"`

	// ShutdownTimeout bounds how long running tasks get after a stop signal.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig selects the zap logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// HTTPConfig configures the webhook/status server.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	Enabled         bool          `mapstructure:"enabled"`
	Debug           bool          `mapstructure:"debug"`
}

// SignalConfig configures the signal-cli transport.
type SignalConfig struct {
	Socket         string        `mapstructure:"socket"`
	Phone          string        `mapstructure:"phone"`
	PhoneFile      string        `mapstructure:"phone_file"`
	TypingInterval time.Duration `mapstructure:"typing_interval"`
	Enabled        bool          `mapstructure:"enabled"`
}

// ClaudeConfig configures the claude CLI invocation.
type ClaudeConfig struct {
	MCPServers       map[string]TransportConfig `mapstructure:"mcp_servers"`
	Command          string                     `mapstructure:"command"`
	Model            string                     `mapstructure:"model"`
	SystemPromptFile string                     `mapstructure:"system_prompt_file"`
	MCPConfigPath    string                     `mapstructure:"mcp_config_path"`
	WorkDir          string                     `mapstructure:"work_dir"`
	ExtraArgs        []string                   `mapstructure:"extra_args"`
}

// BufferConfig controls how inbound fragments are combined.
type BufferConfig struct {
	FlushMarkers []string      `mapstructure:"flush_markers"`
	Window       time.Duration `mapstructure:"window"`
	MaxWait      time.Duration `mapstructure:"max_wait"`
	MaxParts     int           `mapstructure:"max_parts"`
}

// AdmissionConfig bounds dedup memory and concurrency.
type AdmissionConfig struct {
	DedupSize     int           `mapstructure:"dedup_size"`
	DedupTTL      time.Duration `mapstructure:"dedup_ttl"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	MaxQueueDepth int           `mapstructure:"max_queue_depth"`
}

// ExecutorConfig bounds each external process run.
type ExecutorConfig struct {
	TempDir        string        `mapstructure:"temp_dir"`
	Timeout        time.Duration `mapstructure:"timeout"`
	GracePeriod    time.Duration `mapstructure:"grace_period"`
	DeliverTimeout time.Duration `mapstructure:"deliver_timeout"`
	MaxOutputBytes int64         `mapstructure:"max_output_bytes"`
}

// SessionConfig configures the session registry and its persistence.
type SessionConfig struct {
	Store           string        `mapstructure:"store"`
	// Path is the database file for the sqlite store and the directory
	// holding sessions.json for the file store.
	Path            string        `mapstructure:"path"`
	TTL             time.Duration `mapstructure:"ttl"`
	BusyWait        time.Duration `mapstructure:"busy_wait"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// ReplyConfig bounds the reply-context cache.
type ReplyConfig struct {
	Size int           `mapstructure:"size"`
	TTL  time.Duration `mapstructure:"ttl"`
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "json"},
		HTTP: HTTPConfig{
			Enabled:         true,
			Addr:            "127.0.0.1:8321",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Signal: SignalConfig{
			Enabled:        true,
			Socket:         "/run/signal-cli/socket",
			PhoneFile:      "/etc/signal-bot/phone-number",
			TypingInterval: 10 * time.Second,
		},
		Claude: ClaudeConfig{
			Command: "claude",
			Model:   "sonnet",
		},
		Buffer: BufferConfig{
			Window:       2500 * time.Millisecond,
			MaxWait:      10 * time.Second,
			MaxParts:     20,
			FlushMarkers: []string{"/go", "/now"},
		},
		Admission: AdmissionConfig{
			DedupSize:     4096,
			DedupTTL:      10 * time.Minute,
			MaxConcurrent: 4,
			MaxQueueDepth: 64,
		},
		Executor: ExecutorConfig{
			Timeout:        5 * time.Minute,
			GracePeriod:    5 * time.Second,
			DeliverTimeout: 30 * time.Second,
			MaxOutputBytes: 4 << 20,
		},
		Sessions: SessionConfig{
			Store:           StoreSQLite,
			Path:            defaultDataPath("sessions.db"),
			TTL:             60 * time.Minute,
			CleanupInterval: time.Minute,
		},
		Replies: ReplyConfig{
			Size: 10000,
			TTL:  24 * time.Hour,
		},
		ShutdownTimeout: 30 * time.Second,
	}
}

func defaultDataPath(name string) string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "conductor", name)
	}
	return filepath.Join(".", name)
}

// SetDefaults registers every default with v so environment variables can
// override keys that no config file mentions.
func SetDefaults(v *viper.Viper) {
	d := Defaults()
	set := map[string]any{
		"log.level":  d.Log.Level,
		"log.format": d.Log.Format,

		"http.enabled":          d.HTTP.Enabled,
		"http.addr":             d.HTTP.Addr,
		"http.debug":            d.HTTP.Debug,
		"http.read_timeout":     d.HTTP.ReadTimeout,
		"http.write_timeout":    d.HTTP.WriteTimeout,
		"http.shutdown_timeout": d.HTTP.ShutdownTimeout,

		"signal.enabled":         d.Signal.Enabled,
		"signal.socket":          d.Signal.Socket,
		"signal.phone":           d.Signal.Phone,
		"signal.phone_file":      d.Signal.PhoneFile,
		"signal.typing_interval": d.Signal.TypingInterval,

		"claude.command":            d.Claude.Command,
		"claude.model":              d.Claude.Model,
		"claude.system_prompt_file": d.Claude.SystemPromptFile,
		"claude.mcp_config_path":    d.Claude.MCPConfigPath,
		"claude.work_dir":           d.Claude.WorkDir,
		"claude.extra_args":         d.Claude.ExtraArgs,

		"buffer.window":        d.Buffer.Window,
		"buffer.max_wait":      d.Buffer.MaxWait,
		"buffer.max_parts":     d.Buffer.MaxParts,
		"buffer.flush_markers": d.Buffer.FlushMarkers,

		"admission.dedup_size":      d.Admission.DedupSize,
		"admission.dedup_ttl":       d.Admission.DedupTTL,
		"admission.max_concurrent":  d.Admission.MaxConcurrent,
		"admission.max_queue_depth": d.Admission.MaxQueueDepth,

		"executor.timeout":          d.Executor.Timeout,
		"executor.grace_period":     d.Executor.GracePeriod,
		"executor.deliver_timeout":  d.Executor.DeliverTimeout,
		"executor.max_output_bytes": d.Executor.MaxOutputBytes,
		"executor.temp_dir":         d.Executor.TempDir,

		"sessions.store":            d.Sessions.Store,
		"sessions.path":             d.Sessions.Path,
		"sessions.ttl":              d.Sessions.TTL,
		"sessions.busy_wait":        d.Sessions.BusyWait,
		"sessions.cleanup_interval": d.Sessions.CleanupInterval,

		"replies.size": d.Replies.Size,
		"replies.ttl":  d.Replies.TTL,

		"shutdown_timeout": d.ShutdownTimeout,
	}
	for key, value := range set {
		v.SetDefault(key, value)
	}
}

// Load reads configuration into a validated Config. If v has no explicit
// config file, conductor.yaml is searched for in the working directory,
// $XDG_CONFIG_HOME/conductor and /etc/conductor; a missing file is not an
// error.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if v.ConfigFileUsed() == "" {
		v.SetConfigName("conductor")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "conductor"))
		}
		v.AddConfigPath("/etc/conductor")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints. It collects every problem so a
// broken file is fixed in one pass.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		add("log.format must be json or console, got %q", c.Log.Format)
	}

	if c.Buffer.Window <= 0 {
		add("buffer.window must be positive")
	}
	if c.Buffer.MaxWait < c.Buffer.Window {
		add("buffer.max_wait (%s) must be at least buffer.window (%s)", c.Buffer.MaxWait, c.Buffer.Window)
	}
	if c.Buffer.MaxParts <= 0 {
		add("buffer.max_parts must be positive")
	}

	if c.Admission.MaxConcurrent <= 0 {
		add("admission.max_concurrent must be positive")
	}
	if c.Admission.MaxQueueDepth <= 0 {
		add("admission.max_queue_depth must be positive")
	}
	if c.Admission.DedupSize <= 0 {
		add("admission.dedup_size must be positive")
	}

	if c.Executor.Timeout <= 0 {
		add("executor.timeout must be positive")
	}
	if c.Sessions.TTL < minTTLFactor*c.Executor.Timeout {
		add("sessions.ttl (%s) must be at least %d times executor.timeout (%s)",
			c.Sessions.TTL, minTTLFactor, c.Executor.Timeout)
	}

	switch c.Sessions.Store {
	case StoreSQLite, StoreFile:
		if c.Sessions.Path == "" {
			add("sessions.path is required for the %s store", c.Sessions.Store)
		}
	case StoreNone:
	default:
		add("sessions.store must be sqlite, file or none, got %q", c.Sessions.Store)
	}

	if c.Claude.Command == "" {
		add("claude.command is required")
	}
	if c.Signal.Enabled {
		if c.Signal.Socket == "" {
			add("signal.socket is required when signal is enabled")
		}
		if c.Signal.Phone == "" && c.Signal.PhoneFile == "" {
			add("signal.phone or signal.phone_file is required when signal is enabled")
		}
	}
	if !c.Signal.Enabled && !c.HTTP.Enabled {
		add("at least one of signal and http must be enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ResolvePhone returns the bot's own number: signal.phone if set, otherwise
// the first line of signal.phone_file. CONDUCTOR_SIGNAL_PHONE is the usual
// override when the file is not readable by the service user.
func (c *Config) ResolvePhone() (string, error) {
	if phone := strings.TrimSpace(c.Signal.Phone); phone != "" {
		return phone, nil
	}
	data, err := os.ReadFile(filepath.Clean(c.Signal.PhoneFile))
	if err != nil {
		if os.IsPermission(err) {
			return "", fmt.Errorf("permission denied reading %s; set signal.phone or %s_SIGNAL_PHONE: %w",
				c.Signal.PhoneFile, EnvPrefix, err)
		}
		return "", fmt.Errorf("failed to read phone number file: %w", err)
	}
	phone, _, _ := strings.Cut(strings.TrimSpace(string(data)), "\n")
	if phone = strings.TrimSpace(phone); phone == "" {
		return "", fmt.Errorf("phone number file %s is empty", c.Signal.PhoneFile)
	}
	return phone, nil
}
