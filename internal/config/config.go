package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "COWRITE"
	defaultHTTPAddress         = "0.0.0.0:1234"
	defaultDatabasePath        = "cowrite.db"
	defaultLogLevel            = "info"
	defaultTokenTTLMinutes     = 10
	defaultDebounceMillis      = 2000
	defaultSnapshotMillis      = 10000
	defaultWarnBytes           = 2 * 1024 * 1024
	defaultRejectBytes         = 5 * 1024 * 1024
	defaultPerDocumentLimit    = 50
	defaultPerUserLimit        = 5
	defaultShutdownGraceMillis = 2000
)

// AppConfig captures runtime configuration for the collaboration server.
type AppConfig struct {
	HTTPAddress      string
	DatabasePath     string
	LogLevel         string
	SigningSecret    string
	TokenTTL         time.Duration
	DebounceInterval time.Duration
	SnapshotInterval time.Duration
	WarnBytes        int64
	RejectBytes      int64
	PerDocumentLimit int
	PerUserLimit     int
	ShutdownGrace    time.Duration
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("persistence.debounce_ms", defaultDebounceMillis)
	configViper.SetDefault("persistence.snapshot_interval_ms", defaultSnapshotMillis)
	configViper.SetDefault("persistence.warn_bytes", defaultWarnBytes)
	configViper.SetDefault("persistence.reject_bytes", defaultRejectBytes)
	configViper.SetDefault("limits.per_document", defaultPerDocumentLimit)
	configViper.SetDefault("limits.per_user", defaultPerUserLimit)
	configViper.SetDefault("shutdown.grace_ms", defaultShutdownGraceMillis)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		DatabasePath:     configViper.GetString("database.path"),
		LogLevel:         configViper.GetString("log.level"),
		SigningSecret:    configViper.GetString("auth.signing_secret"),
		TokenTTL:         time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		DebounceInterval: time.Duration(configViper.GetInt("persistence.debounce_ms")) * time.Millisecond,
		SnapshotInterval: time.Duration(configViper.GetInt("persistence.snapshot_interval_ms")) * time.Millisecond,
		WarnBytes:        configViper.GetInt64("persistence.warn_bytes"),
		RejectBytes:      configViper.GetInt64("persistence.reject_bytes"),
		PerDocumentLimit: configViper.GetInt("limits.per_document"),
		PerUserLimit:     configViper.GetInt("limits.per_user"),
		ShutdownGrace:    time.Duration(configViper.GetInt("shutdown.grace_ms")) * time.Millisecond,
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
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.DebounceInterval <= 0 {
		return fmt.Errorf("persistence.debounce_ms must be positive")
	}
	if c.SnapshotInterval <= c.DebounceInterval {
		return fmt.Errorf("persistence.snapshot_interval_ms must exceed persistence.debounce_ms")
	}
	if c.WarnBytes <= 0 || c.RejectBytes <= 0 {
		return fmt.Errorf("persistence size thresholds must be positive")
	}
	if c.RejectBytes < c.WarnBytes {
		return fmt.Errorf("persistence.reject_bytes must not be below persistence.warn_bytes")
	}
	if c.PerDocumentLimit <= 0 || c.PerUserLimit <= 0 {
		return fmt.Errorf("connection limits must be positive")
	}
	if c.PerUserLimit > c.PerDocumentLimit {
		return fmt.Errorf("limits.per_user must not exceed limits.per_document")
	}
	if c.ShutdownGrace < 0 {
		return fmt.Errorf("shutdown.grace_ms must not be negative")
	}
	return nil
}
