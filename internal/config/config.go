package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "CANOPY"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabasePath       = "canopy.db"
	defaultLogLevel           = "info"
	defaultLogFormat          = "json"
	defaultIssuer             = "canopy-auth"
	defaultWriteTimeout       = 10 * time.Second
	defaultEventBuffer        = 256
	defaultClientDatabasePath = "canopy-device.db"
	defaultSyncInterval       = 30 * time.Second
	defaultRetryLimit         = 10
	defaultPendingLimit       = 500
	defaultBatchSize          = 50
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	LogLevel          string
	LogFormat         string
	SigningSecret     string
	Issuer            string
	SynapseWriteLimit time.Duration
	EventBuffer       int
}

// ClientConfig captures runtime configuration for the device sync daemon.
type ClientConfig struct {
	ServerURL    string
	Token        string
	WorkspaceID  string
	UserID       string
	DatabasePath string
	LogLevel     string
	LogFormat    string
	SyncInterval time.Duration
	RetryLimit   int
	PendingLimit int
	BatchSize    int
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
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("synapse.write_timeout", defaultWriteTimeout)
	configViper.SetDefault("synapse.event_buffer", defaultEventBuffer)

	configViper.SetDefault("client.database_path", defaultClientDatabasePath)
	configViper.SetDefault("client.sync_interval", defaultSyncInterval)
	configViper.SetDefault("client.retry_limit", defaultRetryLimit)
	configViper.SetDefault("client.pending_limit", defaultPendingLimit)
	configViper.SetDefault("client.batch_size", defaultBatchSize)
}

// Load parses server configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		LogFormat:         configViper.GetString("log.format"),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		Issuer:            configViper.GetString("auth.issuer"),
		SynapseWriteLimit: configViper.GetDuration("synapse.write_timeout"),
		EventBuffer:       configViper.GetInt("synapse.event_buffer"),
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
	if strings.TrimSpace(c.Issuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if c.SynapseWriteLimit <= 0 {
		return fmt.Errorf("synapse.write_timeout must be positive")
	}
	if c.EventBuffer <= 0 {
		return fmt.Errorf("synapse.event_buffer must be positive")
	}
	return nil
}

// LoadClient parses device sync configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		ServerURL:    strings.TrimRight(strings.TrimSpace(configViper.GetString("client.server_url")), "/"),
		Token:        configViper.GetString("client.token"),
		WorkspaceID:  configViper.GetString("client.workspace_id"),
		UserID:       configViper.GetString("client.user_id"),
		DatabasePath: configViper.GetString("client.database_path"),
		LogLevel:     configViper.GetString("log.level"),
		LogFormat:    configViper.GetString("log.format"),
		SyncInterval: configViper.GetDuration("client.sync_interval"),
		RetryLimit:   configViper.GetInt("client.retry_limit"),
		PendingLimit: configViper.GetInt("client.pending_limit"),
		BatchSize:    configViper.GetInt("client.batch_size"),
	}

	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func (c ClientConfig) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("client.server_url is required")
	}
	if _, err := url.ParseRequestURI(c.ServerURL); err != nil {
		return fmt.Errorf("client.server_url is invalid: %w", err)
	}
	if strings.TrimSpace(c.Token) == "" {
		return fmt.Errorf("client.token is required")
	}
	if strings.TrimSpace(c.WorkspaceID) == "" {
		return fmt.Errorf("client.workspace_id is required")
	}
	if strings.TrimSpace(c.UserID) == "" {
		return fmt.Errorf("client.user_id is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("client.database_path is required")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("client.sync_interval must be positive")
	}
	if c.RetryLimit <= 0 {
		return fmt.Errorf("client.retry_limit must be positive")
	}
	if c.PendingLimit <= 0 || c.BatchSize <= 0 {
		return fmt.Errorf("client.pending_limit and client.batch_size must be positive")
	}
	return nil
}
