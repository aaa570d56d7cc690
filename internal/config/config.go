package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Secret sources accepted by SECRET_SOURCE.
const (
	SecretSourceEnv    = "env"
	SecretSourceFile   = "file"
	SecretSourceNATSKV = "nats-kv"
)

type Config struct {
	Port            int    `env:"RELAY_PORT" envDefault:"8710"`
	NatsURL         string `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	RequestSubject  string `env:"RELAY_REQUEST_SUBJECT" envDefault:"component.action.custom.send_google_chat.request"`
	ResponseSubject string `env:"RELAY_RESPONSE_SUBJECT" envDefault:"component.action.custom.send_google_chat.response"`
	AnnounceSubject string `env:"RELAY_ANNOUNCE_SUBJECT" envDefault:"swarm.agent.gchat-relay.registered"`

	TokenURL        string        `env:"GOOGLE_TOKEN_URL" envDefault:"https://oauth2.googleapis.com/token"`
	ChatAPIURL      string        `env:"GOOGLE_CHAT_API_URL" envDefault:"https://chat.googleapis.com/v1"`
	Scopes          []string      `env:"GOOGLE_CHAT_SCOPES" envSeparator:" " envDefault:"https://www.googleapis.com/auth/chat.bot https://www.googleapis.com/auth/chat.spaces https://www.googleapis.com/auth/chat.memberships.app"`
	AssertionTTL    time.Duration `env:"GOOGLE_ASSERTION_TTL" envDefault:"1h"`
	ImpersonateUser string        `env:"GOOGLE_CHAT_IMPERSONATE_USER"`
	HTTPTimeout     time.Duration `env:"RELAY_HTTP_TIMEOUT" envDefault:"0s"`

	SecretSource    string `env:"SECRET_SOURCE" envDefault:"env"`
	CredentialsFile string `env:"GOOGLE_CHAT_CREDENTIALS_FILE"`
	SecretKVBucket  string `env:"SECRET_KV_BUCKET" envDefault:"secrets"`

	DatabaseURL         string        `env:"DATABASE_URL"`
	BatchFlushInterval  time.Duration `env:"BATCH_FLUSH_INTERVAL" envDefault:"5s"`
	BatchFlushThreshold int           `env:"BATCH_FLUSH_THRESHOLD" envDefault:"100"`
	BufferMaxSize       int           `env:"BUFFER_MAX_SIZE" envDefault:"10000"`

	SlackBotToken     string `env:"SLACK_BOT_TOKEN"`
	SlackAlertChannel string `env:"SLACK_ALERT_CHANNEL"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

func Load() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.SecretSource {
	case SecretSourceEnv, SecretSourceNATSKV:
	case SecretSourceFile:
		if c.CredentialsFile == "" {
			return fmt.Errorf("SECRET_SOURCE=file requires GOOGLE_CHAT_CREDENTIALS_FILE")
		}
	default:
		return fmt.Errorf("unknown SECRET_SOURCE %q", c.SecretSource)
	}
	if c.AssertionTTL <= 0 {
		return fmt.Errorf("GOOGLE_ASSERTION_TTL must be positive, got %s", c.AssertionTTL)
	}
	if c.BatchFlushThreshold <= 0 || c.BufferMaxSize <= 0 {
		return fmt.Errorf("BATCH_FLUSH_THRESHOLD and BUFFER_MAX_SIZE must be positive")
	}
	return nil
}

// Scope is the space separated scope claim sent in the assertion.
func (c Config) Scope() string {
	return strings.Join(c.Scopes, " ")
}

// AlertsEnabled reports whether Slack failure alerts are configured.
func (c Config) AlertsEnabled() bool {
	return c.SlackBotToken != "" && c.SlackAlertChannel != ""
}
