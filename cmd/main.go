package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/l0p7/tourvista/internal/api"
	"github.com/l0p7/tourvista/internal/catalog"
	"github.com/l0p7/tourvista/internal/chat"
	"github.com/l0p7/tourvista/internal/config"
	"github.com/l0p7/tourvista/internal/conversation"
	"github.com/l0p7/tourvista/internal/deletion"
	"github.com/l0p7/tourvista/internal/docstore"
	"github.com/l0p7/tourvista/internal/entitycache"
	"github.com/l0p7/tourvista/internal/generation"
	"github.com/l0p7/tourvista/internal/identity"
	"github.com/l0p7/tourvista/internal/logging"
	"github.com/l0p7/tourvista/internal/metrics"
	"github.com/l0p7/tourvista/internal/server"
	"github.com/l0p7/tourvista/internal/session"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "TOURVISTA", "environment variable prefix")
		issueToken = flag.String("issue-token", "", "print a bearer token for the given owner id and exit")
		tokenTTL   = flag.Duration("token-ttl", 24*time.Hour, "lifetime of tokens printed by -issue-token")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	level := new(slog.LevelVar)
	logger, err := logging.New(cfg.Server.Logging, level)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	if owner := strings.TrimSpace(*issueToken); owner != "" {
		if err := printToken(os.Stdout, cfg.Server.Identity, owner, *tokenTTL); err != nil {
			log.Fatalf("failed to issue token: %v", err)
		}
		return
	}

	app, err := build(cfg, logger)
	if err != nil {
		logger.Error("startup failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		app.close(shutdownCtx)
	}()

	if len(loader.Files()) > 0 {
		watcher, err := loader.Watch(ctx, func(next config.Config) {
			relevel(logger, level, next.Server.Logging.Level)
		}, func(err error) {
			logger.Error("config watcher error", slog.Any("error", err))
		})
		if err != nil {
			logger.Error("config watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	srv, err := server.New(cfg.Server.Listen, logger, app.handler)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}

// application holds the long-lived components that need an orderly close.
type application struct {
	logger  *slog.Logger
	handler http.Handler
	backend session.Backend
	store   *docstore.SQLite
	chat    *chat.Service
}

func build(cfg config.Config, logger *slog.Logger) (*application, error) {
	promRegistry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(promRegistry)

	store, err := docstore.Open(cfg.Server.Store.Path, docstore.Options{Logger: logger, Metrics: recorder})
	if err != nil {
		return nil, err
	}

	provider, err := identity.NewProvider(cfg.Server.Identity.Issuer, cfg.Server.Identity.Secret, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	backend := buildSessionBackend(logger.With(slog.String("agent", "session_factory")), cfg.Server.Session)
	registry := entitycache.NewRegistry(backend, cfg.Server.Session.Namespace, logger, recorder)
	provider.OnChange(func(event identity.Event, owner string) {
		if event == identity.SignedOut {
			registry.End(owner)
		}
	})

	generator := generation.NewClient(generation.Config{
		BaseURL:    cfg.Server.Generation.BaseURL,
		APIKey:     cfg.Server.Generation.APIKey,
		Timeout:    cfg.Server.Generation.Timeout(),
		MaxRetries: cfg.Server.Generation.MaxRetries,
	}, logger, recorder)

	repo := catalog.NewRepository(store)
	remote := conversation.NewStoreRemote(store, logger)
	chatService := chat.NewService(store, remote, generator, logger)

	apiHandler := api.New(api.Options{
		Identity:      provider,
		Caches:        registry,
		Catalog:       catalog.NewService(repo, generator, logger),
		Deletion:      deletion.NewCoordinator(repo, logger),
		Chat:          chatService,
		Conversations: remote,
		Metrics:       recorder,
		Logger:        logger,
	})

	handler := server.NewRouter(server.RouterOptions{
		API:     apiHandler,
		Metrics: recorder.Handler(),
		Checks: map[string]server.HealthCheck{
			"docstore": store.Ping,
			"session": func(ctx context.Context) error {
				_, _, err := backend.Get(ctx, cfg.Server.Session.Namespace+":healthz")
				return err
			},
		},
		Logger: logger,
	})

	return &application{
		logger:  logger,
		handler: handler,
		backend: backend,
		store:   store,
		chat:    chatService,
	}, nil
}

// close drains background chat replies before the stores go away.
func (a *application) close(ctx context.Context) {
	if err := a.chat.Close(ctx); err != nil {
		a.logger.Error("chat shutdown failed", slog.Any("error", err))
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("document store shutdown failed", slog.Any("error", err))
	}
	if err := a.backend.Close(ctx); err != nil {
		a.logger.Error("session backend shutdown failed", slog.Any("error", err))
	}
}

func buildSessionBackend(logger *slog.Logger, cfg config.SessionConfig) session.Backend {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		logger.Info("using memory session storage")
		return session.NewMemory()
	case "redis":
		redisBackend, err := session.NewRedis(session.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS: session.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
			TTL: cfg.SessionTTL(),
		})
		if err != nil {
			logger.Error("redis session storage initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory session storage")
			return session.NewMemory()
		}
		logger.Info("using redis session storage",
			slog.String("address", cfg.Redis.Address),
			slog.Duration("ttl", cfg.SessionTTL()),
		)
		return redisBackend
	default:
		logger.Warn("unsupported session backend, defaulting to memory", slog.String("backend", cfg.Backend))
		return session.NewMemory()
	}
}

func relevel(logger *slog.Logger, level *slog.LevelVar, value string) {
	parsed, err := logging.ParseLevel(value)
	if err != nil {
		logger.Warn("ignoring invalid log level from config reload", slog.String("level", value), slog.Any("error", err))
		return
	}
	if parsed == level.Level() {
		return
	}
	level.Set(parsed)
	logger.Info("log level changed", slog.String("level", parsed.String()))
}

func printToken(w io.Writer, cfg config.IdentityConfig, owner string, ttl time.Duration) error {
	provider, err := identity.NewProvider(cfg.Issuer, cfg.Secret, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		return err
	}
	token, err := provider.SignIn(owner, ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, token)
	return err
}
