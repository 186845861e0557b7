package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "FLEETSYNC"

	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabaseDriver   = "sqlite"
	defaultDatabaseDSN      = "fleetsync.db"
	defaultLogLevel         = "info"
	defaultLogFormat        = "json"
	defaultIssuer           = "fleetsync"
	defaultTokenTTL         = 12 * time.Hour
	defaultBackendURL       = "http://127.0.0.1:8080"
	defaultStorePath        = "fleetsync-device.db"
	defaultFlushInterval    = 30 * time.Second
	defaultMaxRetryInterval = 10 * time.Minute
	defaultProbeInterval    = 15 * time.Second
	defaultRequestTimeout   = 15 * time.Second
	defaultMaxRejections    = 5
	defaultMaxConcurrency   = 8
)

var (
	defaultRestrictedTables = []string{"users", "user_permissions"}
	defaultAllowedOrigins   = []string{"*"}
)

// ServerConfig captures runtime configuration for the row store API.
type ServerConfig struct {
	HTTPAddress      string
	DatabaseDriver   string
	DatabaseDSN      string
	SigningSecret    string
	Issuer           string
	TokenTTL         time.Duration
	RestrictedTables []string
	AllowedOrigins   []string
	LogLevel         string
	LogFormat        string
}

// AgentConfig captures runtime configuration for the device sync agent.
type AgentConfig struct {
	BackendURL       string
	SessionToken     string
	StorePath        string
	FlushInterval    time.Duration
	MaxRetryInterval time.Duration
	ProbeInterval    time.Duration
	RequestTimeout   time.Duration
	MaxRejections    int
	MaxConcurrency   int64
	MetricsAddress   string
	LogLevel         string
	LogFormat        string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", defaultAllowedOrigins)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("tables.restricted", defaultRestrictedTables)

	configViper.SetDefault("agent.backend_url", defaultBackendURL)
	configViper.SetDefault("agent.store_path", defaultStorePath)
	configViper.SetDefault("agent.flush_interval", defaultFlushInterval)
	configViper.SetDefault("agent.max_retry_interval", defaultMaxRetryInterval)
	configViper.SetDefault("agent.probe_interval", defaultProbeInterval)
	configViper.SetDefault("agent.request_timeout", defaultRequestTimeout)
	configViper.SetDefault("agent.max_rejections", defaultMaxRejections)
	configViper.SetDefault("agent.max_concurrency", defaultMaxConcurrency)
	configViper.SetDefault("agent.metrics_address", "")
}

// LoadServer parses the API server configuration from viper.
func LoadServer(configViper *viper.Viper) (ServerConfig, error) {
	cfg := ServerConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		DatabaseDriver:   strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:      configViper.GetString("database.dsn"),
		SigningSecret:    configViper.GetString("auth.signing_secret"),
		Issuer:           configViper.GetString("auth.issuer"),
		TokenTTL:         configViper.GetDuration("auth.token_ttl"),
		RestrictedTables: configViper.GetStringSlice("tables.restricted"),
		AllowedOrigins:   configViper.GetStringSlice("http.allowed_origins"),
		LogLevel:         configViper.GetString("log.level"),
		LogFormat:        configViper.GetString("log.format"),
	}

	if err := cfg.validate(); err != nil {
		return ServerConfig{}, err
	}

	return cfg, nil
}

func (c ServerConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.Issuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	switch c.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.DatabaseDriver)
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	return nil
}

// LoadAgent parses the sync agent configuration from viper.
func LoadAgent(configViper *viper.Viper) (AgentConfig, error) {
	cfg := AgentConfig{
		BackendURL:       configViper.GetString("agent.backend_url"),
		SessionToken:     configViper.GetString("agent.token"),
		StorePath:        configViper.GetString("agent.store_path"),
		FlushInterval:    configViper.GetDuration("agent.flush_interval"),
		MaxRetryInterval: configViper.GetDuration("agent.max_retry_interval"),
		ProbeInterval:    configViper.GetDuration("agent.probe_interval"),
		RequestTimeout:   configViper.GetDuration("agent.request_timeout"),
		MaxRejections:    configViper.GetInt("agent.max_rejections"),
		MaxConcurrency:   configViper.GetInt64("agent.max_concurrency"),
		MetricsAddress:   configViper.GetString("agent.metrics_address"),
		LogLevel:         configViper.GetString("log.level"),
		LogFormat:        configViper.GetString("log.format"),
	}

	if err := cfg.validate(); err != nil {
		return AgentConfig{}, err
	}

	return cfg, nil
}

func (c AgentConfig) validate() error {
	parsed, err := url.Parse(strings.TrimSpace(c.BackendURL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("agent.backend_url must be an absolute URL")
	}
	if strings.TrimSpace(c.StorePath) == "" {
		return fmt.Errorf("agent.store_path is required")
	}
	if c.FlushInterval <= 0 || c.ProbeInterval <= 0 || c.RequestTimeout <= 0 {
		return fmt.Errorf("agent intervals must be positive")
	}
	if c.MaxRejections < 0 {
		return fmt.Errorf("agent.max_rejections must not be negative")
	}
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("agent.max_concurrency must be positive")
	}
	return nil
}
