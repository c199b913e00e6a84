package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds every server-level option.
type Config struct {
	Server ServerConfig `koanf:"server"`

	// Sources records which files contributed to the snapshot once the loader
	// resolves them. Excluded from koanf so it only reflects runtime discovery.
	Sources []string `koanf:"-"`
}

// ServerConfig collects the bootstrap knobs for the process.
type ServerConfig struct {
	Listen     ListenConfig     `koanf:"listen"`
	Logging    LoggingConfig    `koanf:"logging"`
	Session    SessionConfig    `koanf:"session"`
	Store      StoreConfig      `koanf:"store"`
	Generation GenerationConfig `koanf:"generation"`
	Identity   IdentityConfig   `koanf:"identity"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// SessionConfig selects the durable session storage behind the entity caches.
type SessionConfig struct {
	Backend    string             `koanf:"backend"`
	TTLSeconds int                `koanf:"ttlSeconds"`
	Namespace  string             `koanf:"namespace"`
	Redis      SessionRedisConfig `koanf:"redis"`
}

type SessionRedisConfig struct {
	Address  string         `koanf:"address"`
	Username string         `koanf:"username"`
	Password string         `koanf:"password"`
	DB       int            `koanf:"db"`
	TLS      RedisTLSConfig `koanf:"tls"`
}

type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// StoreConfig points at the SQLite file that backs the document store.
type StoreConfig struct {
	Path string `koanf:"path"`
}

// GenerationConfig describes the generation backend endpoint.
type GenerationConfig struct {
	BaseURL        string `koanf:"baseURL"`
	APIKey         string `koanf:"apiKey"`
	TimeoutSeconds int    `koanf:"timeoutSeconds"`
	MaxRetries     int    `koanf:"maxRetries"`
}

// IdentityConfig configures bearer token verification.
type IdentityConfig struct {
	Issuer string `koanf:"issuer"`
	Secret string `koanf:"secret"`
}

// SessionTTL converts the configured session lifetime into a duration. Zero
// means keys never expire on their own.
func (c SessionConfig) SessionTTL() time.Duration {
	if c.TTLSeconds <= 0 {
		return 0
	}
	return time.Duration(c.TTLSeconds) * time.Second
}

// Timeout returns the per-request generation timeout.
func (c GenerationConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if c.Server.Session.TTLSeconds < 0 {
		return fmt.Errorf("config: server.session.ttlSeconds invalid: %d", c.Server.Session.TTLSeconds)
	}
	backend := strings.TrimSpace(strings.ToLower(c.Server.Session.Backend))
	switch backend {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Server.Session.Redis.Address) == "" {
			return errors.New("config: server.session.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: server.session.backend unsupported: %s", c.Server.Session.Backend)
	}
	if strings.TrimSpace(c.Server.Store.Path) == "" {
		return errors.New("config: server.store.path required")
	}
	if c.Server.Generation.MaxRetries < 0 {
		return fmt.Errorf("config: server.generation.maxRetries invalid: %d", c.Server.Generation.MaxRetries)
	}
	if c.Server.Generation.TimeoutSeconds < 0 {
		return fmt.Errorf("config: server.generation.timeoutSeconds invalid: %d", c.Server.Generation.TimeoutSeconds)
	}
	if len(c.Server.Identity.Secret) < 16 {
		return errors.New("config: server.identity.secret must be at least 16 bytes")
	}
	return nil
}

// DefaultConfig returns the baseline values.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
			Session: SessionConfig{
				Backend:    "memory",
				TTLSeconds: 24 * 60 * 60,
				Namespace:  "tourvista:session:v1",
			},
			Store: StoreConfig{
				Path: "./data/tourvista.db",
			},
			Generation: GenerationConfig{
				BaseURL:        "http://127.0.0.1:3000/api",
				TimeoutSeconds: 60,
				MaxRetries:     3,
			},
			Identity: IdentityConfig{
				Issuer: "tourvista",
			},
		},
	}
}
