package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "LIVERY"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultAllowedOrigins    = "*"
	defaultDatabasePath      = "livery.db"
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
	defaultCookieName        = "livery_session"
	defaultTokenTTL          = 720 * time.Hour
	defaultStoreTimeout      = 5 * time.Second
	defaultStoreMaxRetries   = 3
	defaultHeartbeatInterval = 10 * time.Second
	defaultHeartbeatTimeout  = 30 * time.Second
	defaultSessionBuffer     = 64
	defaultReplayWindow      = 256
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress       string
	AllowedOrigins    []string
	DatabasePath      string
	LogLevel          string
	LogFormat         string
	SigningSecret     string
	CookieName        string
	TokenTTL          time.Duration
	StoreTimeout      time.Duration
	StoreMaxRetries   int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	SessionBuffer     int
	ReplayWindow      int
	RedisURL          string
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

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", defaultAllowedOrigins)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("store.timeout", defaultStoreTimeout)
	configViper.SetDefault("store.max_retries", defaultStoreMaxRetries)
	configViper.SetDefault("session.heartbeat_interval", defaultHeartbeatInterval)
	configViper.SetDefault("session.heartbeat_timeout", defaultHeartbeatTimeout)
	configViper.SetDefault("session.buffer_size", defaultSessionBuffer)
	configViper.SetDefault("sync.replay_window", defaultReplayWindow)
	configViper.SetDefault("redis.url", "")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		AllowedOrigins:    splitList(configViper.GetString("http.allowed_origins")),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		LogFormat:         configViper.GetString("log.format"),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		CookieName:        configViper.GetString("auth.cookie_name"),
		TokenTTL:          configViper.GetDuration("auth.token_ttl"),
		StoreTimeout:      configViper.GetDuration("store.timeout"),
		StoreMaxRetries:   configViper.GetInt("store.max_retries"),
		HeartbeatInterval: configViper.GetDuration("session.heartbeat_interval"),
		HeartbeatTimeout:  configViper.GetDuration("session.heartbeat_timeout"),
		SessionBuffer:     configViper.GetInt("session.buffer_size"),
		ReplayWindow:      configViper.GetInt("sync.replay_window"),
		RedisURL:          strings.TrimSpace(configViper.GetString("redis.url")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.CookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("store.timeout must be positive")
	}
	if c.StoreMaxRetries < 0 {
		return fmt.Errorf("store.max_retries must not be negative")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("session.heartbeat_interval must be positive")
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("session.heartbeat_timeout must exceed session.heartbeat_interval")
	}
	if c.SessionBuffer <= 0 {
		return fmt.Errorf("session.buffer_size must be positive")
	}
	if c.ReplayWindow <= 0 {
		return fmt.Errorf("sync.replay_window must be positive")
	}
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
