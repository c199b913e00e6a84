package session

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

// RedisConfig describes the valkey connection. TTL bounds how long an idle
// session survives; zero keeps keys until the session is cleared. Every key
// of a session shares one expiry: the Store renews them together.
type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      RedisTLSConfig
	TTL      time.Duration
}

type redisBackend struct {
	client valkey.Client
	ttl    time.Duration
}

const scanBatch = 100

func NewRedis(cfg RedisConfig) (Backend, error) {
	if cfg.Address == "" {
		return nil, errors.New("session: redis address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("session: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("session: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("session: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis ping: %w", err)
	}

	return &redisBackend{client: client, ttl: cfg.TTL}, nil
}

func (b *redisBackend) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := b.client.Do(ctx, b.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if errors.Is(err, valkey.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("session: redis get: %w", err)
	}
	return value, true, nil
}

func (b *redisBackend) Set(ctx context.Context, key, value string) error {
	var cmd valkey.Completed
	if b.ttl > 0 {
		cmd = b.client.B().Set().Key(key).Value(value).Px(b.ttl).Build()
	} else {
		cmd = b.client.B().Set().Key(key).Value(value).Build()
	}
	if err := b.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("session: redis set: %w", err)
	}
	return nil
}

func (b *redisBackend) Delete(ctx context.Context, key string) error {
	if err := b.client.Do(ctx, b.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("session: redis del: %w", err)
	}
	return nil
}

// DeletePrefix walks the keyspace with SCAN so large databases are never
// blocked by KEYS.
func (b *redisBackend) DeletePrefix(ctx context.Context, prefix string) error {
	if prefix == "" {
		return nil
	}
	pattern := escapeGlob(prefix) + "*"
	var cursor uint64
	for {
		entry, err := b.client.Do(ctx, b.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatch).Build()).AsScanEntry()
		if err != nil {
			return fmt.Errorf("session: redis scan: %w", err)
		}
		if len(entry.Elements) > 0 {
			if err := b.client.Do(ctx, b.client.B().Del().Key(entry.Elements...).Build()).Error(); err != nil {
				return fmt.Errorf("session: redis del: %w", err)
			}
		}
		cursor = entry.Cursor
		if cursor == 0 {
			return nil
		}
	}
}

// Expire pipelines one PEXPIRE per key. Keys that no longer exist are
// skipped by the server.
func (b *redisBackend) Expire(ctx context.Context, keys ...string) error {
	if b.ttl <= 0 || len(keys) == 0 {
		return nil
	}
	cmds := make([]valkey.Completed, 0, len(keys))
	for _, key := range keys {
		cmds = append(cmds, b.client.B().Pexpire().Key(key).Milliseconds(b.ttl.Milliseconds()).Build())
	}
	for _, resp := range b.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("session: redis pexpire: %w", err)
		}
	}
	return nil
}

func (b *redisBackend) Close(context.Context) error {
	b.client.Close()
	return nil
}

func escapeGlob(value string) string {
	var sb strings.Builder
	for _, r := range value {
		switch r {
		case '*', '?', '[', ']', '\\':
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
