package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Files returns the non-empty file paths the loader reads, in load order.
func (l *Loader) Files() []string {
	out := make([]string, 0, len(l.files))
	for _, path := range l.files {
		if strings.TrimSpace(path) != "" {
			out = append(out, path)
		}
	}
	return out
}

// Load assembles the effective snapshot.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(DefaultConfig()), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	sources := make([]string, 0, len(l.files))
	for _, path := range l.Files() {
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
		sources = append(sources, path)
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"server.session.ttlseconds":        "server.session.ttlSeconds",
			"server.session.redis.tls.cafile":  "server.session.redis.tls.caFile",
			"server.generation.baseurl":        "server.generation.baseURL",
			"server.generation.apikey":         "server.generation.apiKey",
			"server.generation.timeoutseconds": "server.generation.timeoutSeconds",
			"server.generation.maxretries":     "server.generation.maxRetries",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.Sources = sources
	return cfg, nil
}

func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported file extension for %s", path)
	}
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":  cfg.Server.Logging.Level,
				"format": cfg.Server.Logging.Format,
			},
			"session": map[string]any{
				"backend":    cfg.Server.Session.Backend,
				"ttlSeconds": cfg.Server.Session.TTLSeconds,
				"namespace":  cfg.Server.Session.Namespace,
				"redis": map[string]any{
					"address":  cfg.Server.Session.Redis.Address,
					"username": cfg.Server.Session.Redis.Username,
					"password": cfg.Server.Session.Redis.Password,
					"db":       cfg.Server.Session.Redis.DB,
					"tls": map[string]any{
						"enabled": cfg.Server.Session.Redis.TLS.Enabled,
						"caFile":  cfg.Server.Session.Redis.TLS.CAFile,
					},
				},
			},
			"store": map[string]any{
				"path": cfg.Server.Store.Path,
			},
			"generation": map[string]any{
				"baseURL":        cfg.Server.Generation.BaseURL,
				"apiKey":         cfg.Server.Generation.APIKey,
				"timeoutSeconds": cfg.Server.Generation.TimeoutSeconds,
				"maxRetries":     cfg.Server.Generation.MaxRetries,
			},
			"identity": map[string]any{
				"issuer": cfg.Server.Identity.Issuer,
				"secret": cfg.Server.Identity.Secret,
			},
		},
	}
}
