package config

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"adventure-server/internal/utils"

	"github.com/kelseyhightower/envconfig"
)

// Config holds the adventure server configuration.
type Config struct {
	// Server
	Port            string        `envconfig:"SERVER_PORT" default:"8080"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`
	LogEncoding     string        `envconfig:"LOG_ENCODING" default:"json"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
	AllowedOrigins  []string      `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`

	// PostgreSQL
	DBHost        string        `envconfig:"DB_HOST" required:"true"`
	DBPort        string        `envconfig:"DB_PORT" default:"5432"`
	DBUser        string        `envconfig:"DB_USER" required:"true"`
	DBName        string        `envconfig:"DB_NAME" required:"true"`
	DBSSLMode     string        `envconfig:"DB_SSL_MODE" default:"disable"`
	DBMaxConns    int           `envconfig:"DB_MAX_CONNECTIONS" default:"10"`
	DBIdleTimeout time.Duration `envconfig:"DB_MAX_IDLE_MINUTES" default:"5m"`
	AutoMigrate   bool          `envconfig:"DB_AUTO_MIGRATE" default:"true"`
	// secret, no envconfig tag
	DBPassword string `ignored:"true"`

	// Redis backs the distributed session lock; an in-process lock is used when empty.
	RedisURL       string        `envconfig:"REDIS_URL"`
	SessionLockTTL time.Duration `envconfig:"SESSION_LOCK_TTL" default:"3m"`

	// RabbitMQ relays stream chunks between instances; chunks stay in-process when empty.
	RabbitMQURL    string `envconfig:"RABBITMQ_URL"`
	StreamExchange string `envconfig:"STREAM_EXCHANGE" default:"adventure.stream"`

	// Conversation provider
	ConversationProvider string        `envconfig:"CONVERSATION_PROVIDER" default:"openai"`
	AIBaseURL            string        `envconfig:"AI_BASE_URL" default:"https://api.openai.com/v1"`
	AIModel              string        `envconfig:"AI_MODEL" default:"gpt-4o-mini"`
	AgentNamePrefix      string        `envconfig:"AGENT_NAME_PREFIX" default:"game-"`
	RunPollInterval      time.Duration `envconfig:"RUN_POLL_INTERVAL" default:"1s"`
	RunTimeout           time.Duration `envconfig:"RUN_TIMEOUT" default:"120s"`

	// Image provider
	ImageProvider      string        `envconfig:"IMAGE_PROVIDER" default:"openai"`
	ImageModel         string        `envconfig:"IMAGE_MODEL" default:"dall-e-3"`
	ImageSize          string        `envconfig:"IMAGE_SIZE" default:"1024x1024"`
	SanaBaseURL        string        `envconfig:"SANA_BASE_URL" default:"http://localhost:8000"`
	SanaRatio          string        `envconfig:"SANA_RATIO" default:"1:1"`
	ImageTimeout       time.Duration `envconfig:"IMAGE_TIMEOUT" default:"3m"`
	ImagePollInterval  time.Duration `envconfig:"IMAGE_POLL_INTERVAL" default:"1s"`
	ImagePollAttempts  int           `envconfig:"IMAGE_POLL_ATTEMPTS" default:"20"`
	MaxBackgroundTasks int           `envconfig:"MAX_BACKGROUND_TASKS" default:"64"`

	// Streaming
	StreamHeartbeat time.Duration `envconfig:"STREAM_HEARTBEAT" default:"15s"`

	// Credentials: reference -> secret file name, e.g. "default:openai_api_key".
	CredentialSecrets    map[string]string `envconfig:"CREDENTIAL_SECRETS" default:"default:openai_api_key"`
	CredentialBaseURLs   URLMap            `envconfig:"CREDENTIAL_BASE_URLS"`
	DefaultCredentialRef string            `envconfig:"DEFAULT_CREDENTIAL_REF" default:"default"`
	// secrets, filled from files
	CredentialKeys map[string]string `ignored:"true"`
	JWTSecret      string            `ignored:"true"`
	SessionHashKey string            `ignored:"true"`
}

// persistStepBudget is the time a turn may spend after the provider call while still holding the session lock.
const persistStepBudget = 30 * time.Second

// URLMap is a "ref:url,ref:url" list. Only the first colon separates the key, so URLs keep their scheme and port.
type URLMap map[string]string

// Decode implements envconfig.Decoder.
func (m *URLMap) Decode(value string) error {
	out := make(URLMap)
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		kv := strings.SplitN(item, ":", 2)
		if len(kv) != 2 || kv[0] == "" || kv[1] == "" {
			return fmt.Errorf("invalid map item %q, want ref:url", item)
		}
		out[kv[0]] = kv[1]
	}
	*m = out
	return nil
}

// GetDSN returns the PostgreSQL connection string.
func (c *Config) GetDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// BaseURLFor returns the provider base URL for a credential reference.
func (c *Config) BaseURLFor(ref string) string {
	if u, ok := c.CredentialBaseURLs[ref]; ok && u != "" {
		return u
	}
	return c.AIBaseURL
}

// Validate checks combinations envconfig tags cannot express.
func (c *Config) Validate() error {
	switch c.ConversationProvider {
	case "openai", "ollama":
	default:
		return fmt.Errorf("unsupported CONVERSATION_PROVIDER %q", c.ConversationProvider)
	}
	switch c.ImageProvider {
	case "openai", "sana":
	default:
		return fmt.Errorf("unsupported IMAGE_PROVIDER %q", c.ImageProvider)
	}
	if c.RunPollInterval <= 0 || c.ImagePollInterval <= 0 {
		return fmt.Errorf("poll intervals must be positive")
	}
	if c.RunTimeout < c.RunPollInterval {
		return fmt.Errorf("RUN_TIMEOUT (%v) must not be shorter than RUN_POLL_INTERVAL (%v)", c.RunTimeout, c.RunPollInterval)
	}
	if c.RedisURL != "" && c.SessionLockTTL <= c.RunTimeout+persistStepBudget {
		return fmt.Errorf("SESSION_LOCK_TTL (%v) must exceed RUN_TIMEOUT (%v) plus %v for persistence", c.SessionLockTTL, c.RunTimeout, persistStepBudget)
	}
	if c.ImagePollAttempts <= 0 {
		return fmt.Errorf("IMAGE_POLL_ATTEMPTS must be positive")
	}
	if _, ok := c.CredentialSecrets[c.DefaultCredentialRef]; !ok {
		return fmt.Errorf("default credential %q has no entry in CREDENTIAL_SECRETS", c.DefaultCredentialRef)
	}
	return nil
}

// LoadConfig reads environment variables and secret files.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load adventure-server config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var loadErr error
	if cfg.DBPassword, loadErr = utils.ReadSecret("db_password"); loadErr != nil {
		return nil, loadErr
	}
	if cfg.JWTSecret, loadErr = utils.ReadSecret("jwt_secret"); loadErr != nil {
		return nil, loadErr
	}
	if cfg.SessionHashKey, loadErr = utils.ReadSecret("session_hash_key"); loadErr != nil {
		return nil, loadErr
	}

	cfg.CredentialKeys = make(map[string]string, len(cfg.CredentialSecrets))
	for ref, secretName := range cfg.CredentialSecrets {
		// self-hosted providers run without a key
		key, err := utils.ReadOptionalSecret(secretName)
		if err != nil {
			return nil, fmt.Errorf("credential %q: %w", ref, err)
		}
		if key == "" && cfg.ConversationProvider == "openai" {
			return nil, fmt.Errorf("credential %q: secret %s is missing", ref, secretName)
		}
		cfg.CredentialKeys[ref] = key
	}

	refs := make([]string, 0, len(cfg.CredentialKeys))
	for ref := range cfg.CredentialKeys {
		refs = append(refs, ref)
	}
	sort.Strings(refs)

	log.Printf("Adventure server config loaded (secrets from files):")
	log.Printf("  Port: %s", cfg.Port)
	log.Printf("  LogLevel: %s", cfg.LogLevel)
	log.Printf("  DB DSN: postgres://%s:***@%s:%s/%s?sslmode=%s", cfg.DBUser, cfg.DBHost, cfg.DBPort, cfg.DBName, cfg.DBSSLMode)
	log.Printf("  Redis lock: %t", cfg.RedisURL != "")
	log.Printf("  RabbitMQ relay: %t", cfg.RabbitMQURL != "")
	log.Printf("  Conversation provider: %s (%s, model %s)", cfg.ConversationProvider, cfg.AIBaseURL, cfg.AIModel)
	log.Printf("  Run poll: every %v, timeout %v", cfg.RunPollInterval, cfg.RunTimeout)
	log.Printf("  Image provider: %s", cfg.ImageProvider)
	log.Printf("  Image poll: every %v, %d attempts", cfg.ImagePollInterval, cfg.ImagePollAttempts)
	log.Printf("  Credentials: %v (default %s)", refs, cfg.DefaultCredentialRef)
	log.Println("  JWT Secret: [LOADED]")

	return &cfg, nil
}
