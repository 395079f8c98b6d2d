package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"rechat/internal/config"
	"rechat/internal/ratelimit"
	"rechat/internal/server"
	"rechat/internal/stream"
	"rechat/internal/usertoken"
	"rechat/internal/util"
	"rechat/pkg/ai"
	"rechat/pkg/store"
)

func main() {
	path := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel)

	dataStore, err := buildStore(cfg)
	if err != nil {
		util.Fatal("failed to init store", "err", err)
	}

	var verifier *usertoken.Verifier
	var sessions store.SessionResolver
	switch cfg.AuthMode {
	case "jwks":
		leeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
		if err != nil {
			util.Fatal("failed to parse jwt leeway", "err", err)
		}
		verifier, err = usertoken.NewVerifier(usertoken.Config{
			JWKSURL:    cfg.AuthJWKSURL,
			Issuer:     cfg.JWTIssuer,
			Audience:   cfg.JWTAudience,
			Leeway:     leeway,
			HTTPClient: &http.Client{Timeout: 5 * time.Second},
		})
		if err != nil {
			util.Fatal("failed to init jwks verifier", "err", err)
		}
	case "redis":
		sessions = store.NewRedisSessionStore(cfg.RedisAddr, cfg.RedisPassword, cfg.SessionPrefix)
	}

	var limiter *ratelimit.FixedWindowLimiter
	if cfg.RateLimitPerMinute > 0 {
		limiter, err = ratelimit.NewRedisFixedWindowLimiter(
			cfg.RedisAddr, cfg.RedisPassword, "", cfg.RateLimitPerMinute, time.Minute)
		if err != nil {
			util.Fatal("failed to init rate limiter", "err", err)
		}
	}

	providers, err := buildProviders(cfg)
	if err != nil {
		util.Fatal("failed to init providers", "err", err)
	}

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		util.Fatal("failed to parse trusted proxies", "err", err)
	}

	bus := stream.NewBus(cfg.EventBuffer, logger)
	writer := stream.NewManager(dataStore, bus, logger)
	resumer := stream.NewCoordinator(dataStore, writer, logger)

	httpServer := server.New(server.Config{
		Store:        dataStore,
		Sessions:     sessions,
		Verifier:     verifier,
		Bus:          bus,
		Writer:       writer,
		Resumer:      resumer,
		Providers:    providers,
		Limiter:      limiter,
		Trusted:      trusted,
		Logger:       logger,
		SystemPrompt: cfg.SystemPrompt,
		HistoryLimit: cfg.HistoryLimit,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:    addr,
		Handler: httpServer.Router(),
		// No WriteTimeout: generation and event streams are long-lived.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("chat server listening", "addr", addr, "providers", providers.Names())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
}

func buildStore(cfg config.FileConfig) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		slog.Warn("no databaseURL configured, using in-memory store")
		return store.NewMemoryStore(), nil
	}
	return store.NewGormStore(cfg.DatabaseURL)
}

func buildProviders(cfg config.FileConfig) (*ai.Registry, error) {
	reg := ai.NewRegistry(cfg.DefaultProvider)
	if cfg.OpenAIModel != "" {
		reg.Register("openai", ai.NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel))
	}
	if cfg.OllamaHost != "" && cfg.OllamaModel != "" {
		ollama, err := ai.NewOllama(cfg.OllamaHost, cfg.OllamaModel)
		if err != nil {
			return nil, err
		}
		reg.Register("ollama", ollama)
	}
	if len(reg.Names()) == 0 {
		return nil, errors.New("no providers configured")
	}
	return reg, nil
}
