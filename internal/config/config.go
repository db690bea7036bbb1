package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

const (
	envPrefix = "STOREFRONT"

	DatabaseDriverPostgres = "postgres"
	DatabaseDriverSQLite   = "sqlite"

	NotifyBackendPostgres = "postgres"
	NotifyBackendRedis    = "redis"
	NotifyBackendNone     = "none"

	defaultHTTPAddress          = "0.0.0.0:8080"
	defaultDatabaseDriver       = DatabaseDriverPostgres
	defaultDatabaseMaxOpenConns = 25
	defaultNotifyBackend        = NotifyBackendPostgres
	defaultNotifyChannel        = "inquiry_new_message"
	defaultReconnectBaseDelay   = time.Second
	defaultMaxReconnectAttempts = 5
	defaultPublishTimeout       = 2 * time.Second
	defaultRedisAddress         = "localhost:6379"
	defaultPollTimeout          = 30 * time.Second
	defaultPollMaxTimeout       = 60 * time.Second
	defaultPollPageLimit        = 50
	defaultPollRatePerMinute    = 120
	defaultHeartbeatInterval    = 30 * time.Second
	defaultStaleAfter           = 90 * time.Second
	defaultReplayLimit          = 50
	defaultHistorySize          = 500
	defaultAuthIssuer           = "storefront-auth"
	defaultCookieName           = "app_session"
	defaultTokenTTL             = 30 * time.Minute
	defaultLogLevel             = "info"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string

	DatabaseDriver       string
	DatabaseDSN          string
	DatabaseMaxOpenConns int

	NotifyBackend        string
	NotifyChannel        string
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int
	PublishTimeout       time.Duration
	RedisAddress         string

	PollDefaultTimeout time.Duration
	PollMaxTimeout     time.Duration
	PollPageLimit      int
	PollRatePerMinute  int

	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
	ReplayLimit       int
	HistorySize       int

	SigningSecret string
	AuthIssuer    string
	CookieName    string
	TokenTTL      time.Duration

	LogLevel   string
	InstanceID string
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
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.max_open_conns", defaultDatabaseMaxOpenConns)
	configViper.SetDefault("notify.backend", defaultNotifyBackend)
	configViper.SetDefault("notify.channel", defaultNotifyChannel)
	configViper.SetDefault("notify.reconnect_base_delay", defaultReconnectBaseDelay)
	configViper.SetDefault("notify.max_reconnect_attempts", defaultMaxReconnectAttempts)
	configViper.SetDefault("notify.publish_timeout", defaultPublishTimeout)
	configViper.SetDefault("redis.address", defaultRedisAddress)
	configViper.SetDefault("poll.default_timeout", defaultPollTimeout)
	configViper.SetDefault("poll.max_timeout", defaultPollMaxTimeout)
	configViper.SetDefault("poll.page_limit", defaultPollPageLimit)
	configViper.SetDefault("poll.rate_per_minute", defaultPollRatePerMinute)
	configViper.SetDefault("stream.heartbeat_interval", defaultHeartbeatInterval)
	configViper.SetDefault("stream.stale_after", defaultStaleAfter)
	configViper.SetDefault("stream.replay_limit", defaultReplayLimit)
	configViper.SetDefault("stream.history_size", defaultHistorySize)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("log.level", defaultLogLevel)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		AllowedOrigins:       splitOrigins(configViper.GetStringSlice("http.allowed_origins")),
		DatabaseDriver:       strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:          configViper.GetString("database.dsn"),
		DatabaseMaxOpenConns: configViper.GetInt("database.max_open_conns"),
		NotifyBackend:        strings.ToLower(strings.TrimSpace(configViper.GetString("notify.backend"))),
		NotifyChannel:        strings.TrimSpace(configViper.GetString("notify.channel")),
		ReconnectBaseDelay:   configViper.GetDuration("notify.reconnect_base_delay"),
		MaxReconnectAttempts: configViper.GetInt("notify.max_reconnect_attempts"),
		PublishTimeout:       configViper.GetDuration("notify.publish_timeout"),
		RedisAddress:         configViper.GetString("redis.address"),
		PollDefaultTimeout:   configViper.GetDuration("poll.default_timeout"),
		PollMaxTimeout:       configViper.GetDuration("poll.max_timeout"),
		PollPageLimit:        configViper.GetInt("poll.page_limit"),
		PollRatePerMinute:    configViper.GetInt("poll.rate_per_minute"),
		HeartbeatInterval:    configViper.GetDuration("stream.heartbeat_interval"),
		StaleAfter:           configViper.GetDuration("stream.stale_after"),
		ReplayLimit:          configViper.GetInt("stream.replay_limit"),
		HistorySize:          configViper.GetInt("stream.history_size"),
		SigningSecret:        configViper.GetString("auth.signing_secret"),
		AuthIssuer:           configViper.GetString("auth.issuer"),
		CookieName:           configViper.GetString("auth.cookie_name"),
		TokenTTL:             configViper.GetDuration("auth.token_ttl"),
		LogLevel:             configViper.GetString("log.level"),
		InstanceID:           strings.TrimSpace(configViper.GetString("instance.id")),
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func splitOrigins(values []string) []string {
	var origins []string
	for _, value := range values {
		for _, origin := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}
	return origins
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	switch c.DatabaseDriver {
	case DatabaseDriverPostgres, DatabaseDriverSQLite:
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	switch c.NotifyBackend {
	case NotifyBackendPostgres:
		if c.DatabaseDriver != DatabaseDriverPostgres {
			return fmt.Errorf("notify.backend %q requires database.driver %q", NotifyBackendPostgres, DatabaseDriverPostgres)
		}
	case NotifyBackendRedis:
		if strings.TrimSpace(c.RedisAddress) == "" {
			return fmt.Errorf("redis.address is required for notify.backend %q", NotifyBackendRedis)
		}
	case NotifyBackendNone:
	default:
		return fmt.Errorf("notify.backend %q is not supported", c.NotifyBackend)
	}
	if c.NotifyChannel == "" {
		return fmt.Errorf("notify.channel is required")
	}
	if c.ReconnectBaseDelay <= 0 || c.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("notify reconnect policy must be positive")
	}
	if c.PollDefaultTimeout <= 0 || c.PollMaxTimeout < c.PollDefaultTimeout {
		return fmt.Errorf("poll.max_timeout must be at least poll.default_timeout")
	}
	if c.PollPageLimit <= 0 {
		return fmt.Errorf("poll.page_limit must be positive")
	}
	if c.HeartbeatInterval <= 0 || c.StaleAfter <= c.HeartbeatInterval {
		return fmt.Errorf("stream.stale_after must exceed stream.heartbeat_interval")
	}
	if strings.TrimSpace(c.CookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	return nil
}
