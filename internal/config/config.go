// Package config loads the unimail configuration from flags, UNIMAIL_*
// environment variables, a YAML file and defaults, in that order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every configuration key bound to the environment
const EnvPrefix = "UNIMAIL"

// Transports accepted by serve
const (
	TransportStdio          = "stdio"
	TransportStreamableHTTP = "streamable-http"
)

// TokenConfig controls where the gateway token lives
type TokenConfig struct {
	// DataDir overrides the deployment default token directory
	DataDir string `mapstructure:"data_dir"`

	// AllowGenerate overrides whether a token may be generated. Nil means
	// the deployment decides.
	AllowGenerate *bool `mapstructure:"allow_generate"`
}

// DatabaseConfig locates the account database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// SecretsConfig selects where the password encryption key is kept
type SecretsConfig struct {
	Backend         string `mapstructure:"backend"`
	KeyringPassword string `mapstructure:"keyring_password"`
}

// SessionConfig tunes the session pool
type SessionConfig struct {
	DialTimeout      time.Duration `mapstructure:"dial_timeout"`
	OpTimeout        time.Duration `mapstructure:"op_timeout"`
	BackoffThreshold int           `mapstructure:"backoff_threshold"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
}

// HTTPConfig configures the streamable HTTP transport
type HTTPConfig struct {
	Addr             string  `mapstructure:"addr"`
	RateLimit        float64 `mapstructure:"rate_limit"`
	RateBurst        int     `mapstructure:"rate_burst"`
	TrustProxy       bool    `mapstructure:"trust_proxy"`
	DisableStreaming bool    `mapstructure:"disable_streaming"`
}

// MetricsConfig configures the dedicated metrics server
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Config is the resolved configuration
type Config struct {
	DataDir    string `mapstructure:"data_dir"`
	Deployment string `mapstructure:"deployment"`
	Transport  string `mapstructure:"transport"`
	ReadOnly   bool   `mapstructure:"read_only"`
	Debug      bool   `mapstructure:"debug"`
	LogFormat  string `mapstructure:"log_format"`

	Token    TokenConfig    `mapstructure:"token"`
	Database DatabaseConfig `mapstructure:"database"`
	Secrets  SecretsConfig  `mapstructure:"secrets"`
	Session  SessionConfig  `mapstructure:"session"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`

	// File is the configuration file that was read, if any
	File string `mapstructure:"-"`
}

var defaults = map[string]interface{}{
	"transport":                 TransportStdio,
	"log_format":                "json",
	"secrets.backend":           "keyring",
	"session.dial_timeout":      15 * time.Second,
	"session.op_timeout":        60 * time.Second,
	"session.backoff_threshold": 3,
	"session.max_backoff":       5 * time.Minute,
	"http.addr":                 ":8080",
	"http.rate_limit":           10.0,
	"http.rate_burst":           20,
	"metrics.enabled":           true,
	"metrics.addr":              ":9090",
}

// keys bound to the environment. Each gets UNIMAIL_<KEY>; the extra names
// are accepted as well.
var envKeys = map[string][]string{
	"data_dir":                  nil,
	"deployment":                nil,
	"transport":                 nil,
	"read_only":                 nil,
	"debug":                     nil,
	"log_format":                nil,
	"token.data_dir":            {"TOKEN_DATA_DIR"},
	"token.allow_generate":      nil,
	"database.path":             nil,
	"secrets.backend":           nil,
	"secrets.keyring_password":  nil,
	"session.dial_timeout":      nil,
	"session.op_timeout":        nil,
	"session.backoff_threshold": nil,
	"session.max_backoff":       nil,
	"http.addr":                 nil,
	"http.rate_limit":           nil,
	"http.rate_burst":           nil,
	"http.trust_proxy":          nil,
	"http.disable_streaming":    nil,
	"metrics.enabled":           {"METRICS_ENABLED"},
	"metrics.addr":              {"METRICS_ADDR"},
}

// FlagNames maps configuration keys to the serve flags that override them
var FlagNames = map[string]string{
	"transport":              "transport",
	"read_only":              "read-only",
	"debug":                  "debug",
	"log_format":             "log-format",
	"data_dir":               "data-dir",
	"http.addr":              "http-addr",
	"http.disable_streaming": "disable-streaming",
	"metrics.enabled":        "metrics-enabled",
	"metrics.addr":           "metrics-addr",
}

// DefaultDataDir returns ~/.config/unimail
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".unimail")
	}
	return filepath.Join(home, ".config", "unimail")
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/unimail/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(DefaultDataDir(), "config.yaml")
}

// Load resolves the configuration. An empty path reads the default file if
// it exists; an explicit path must exist. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for key, extra := range envKeys {
		names := append([]string{envName(key)}, extra...)
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return nil, fmt.Errorf("binding %s: %w", key, err)
		}
	}

	if flags != nil {
		for key, name := range FlagNames {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("binding flag --%s: %w", name, err)
				}
			}
		}
	}

	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}
	v.SetConfigFile(path)

	file := path
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case explicit:
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		case errors.As(err, &notFound), errors.Is(err, os.ErrNotExist):
			file = ""
		default:
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.File = file

	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// resolve fills the paths that depend on other settings
func (c *Config) resolve() error {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir()
	}
	var err error
	if c.DataDir, err = expandHome(c.DataDir); err != nil {
		return err
	}
	if c.Token.DataDir, err = expandHome(c.Token.DataDir); err != nil {
		return err
	}
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.DataDir, "accounts.db")
	}
	if c.Database.Path, err = expandHome(c.Database.Path); err != nil {
		return err
	}
	return nil
}

// Validate checks values that cannot be corrected silently
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportStdio, TransportStreamableHTTP:
	default:
		return fmt.Errorf("unsupported transport %q (supported: %s, %s)", c.Transport, TransportStdio, TransportStreamableHTTP)
	}
	if c.HTTP.RateLimit < 0 {
		return fmt.Errorf("http.rate_limit must not be negative")
	}
	if c.HTTP.RateBurst < 1 {
		return fmt.Errorf("http.rate_burst must be at least 1")
	}
	if c.Session.DialTimeout <= 0 || c.Session.OpTimeout <= 0 {
		return fmt.Errorf("session timeouts must be positive")
	}
	if c.Session.BackoffThreshold < 1 {
		return fmt.Errorf("session.backoff_threshold must be at least 1")
	}
	return nil
}

func expandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}
