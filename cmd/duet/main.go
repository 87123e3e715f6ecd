package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/ent0n29/duet/internal/broadcast"
	"github.com/ent0n29/duet/internal/compat"
	"github.com/ent0n29/duet/internal/config"
	"github.com/ent0n29/duet/internal/flow"
	"github.com/ent0n29/duet/internal/httpapi"
	"github.com/ent0n29/duet/internal/observability"
	"github.com/ent0n29/duet/internal/orchestrator"
	"github.com/ent0n29/duet/internal/reply"
	"github.com/ent0n29/duet/internal/security"
	"github.com/ent0n29/duet/internal/session"
	"github.com/ent0n29/duet/internal/store"
)

func main() {
	// Local development convenience; missing .env is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := newLogger(cfg)
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	st, err := store.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("store init failed: %v", err)
	}
	defer st.Close()

	generator := selectGenerator(cfg, logger)

	registry := session.NewRegistry()
	dist := broadcast.NewDistributor(metrics, logger)

	orch := orchestrator.New(
		registry,
		flow.NewController(),
		compat.NewAnalyzer(nil),
		generator,
		st,
		dist,
		metrics,
		cfg.ReplyTimeout,
		logger,
	)

	verifier := newVerifier(cfg, logger)
	gateway := security.NewGateway(
		security.NewRateLimiter(security.RateLimiterConfig{
			MaxConnsPerIdentity: cfg.MaxConnsPerIdentity,
			MaxConnsPerOrigin:   cfg.MaxConnsPerOrigin,
			MessagesPerMinute:   cfg.MessagesPerMinute,
			MessagesPerHour:     cfg.MessagesPerHour,
		}),
		security.NewAuthenticator(verifier),
		metrics,
		logger,
	)

	api := httpapi.New(cfg, orch, gateway, metrics, logger)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	registry.StartJanitor(runCtx, cfg.SessionSweepInterval)

	go func() {
		logger.Info().Str("addr", cfg.BindAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}

	logger.Info().Msg("shutdown complete")
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if strings.EqualFold(cfg.LogFormat, "console") {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}

// selectGenerator resolves the reply backend: explicit providers fail hard
// when misconfigured, auto falls back to the scripted generator.
func selectGenerator(cfg config.Config, logger zerolog.Logger) reply.Generator {
	mode := strings.ToLower(strings.TrimSpace(cfg.ReplyProvider))
	if mode == "" {
		mode = "auto"
	}
	switch mode {
	case "http":
		if cfg.ReplyHTTPURL == "" {
			log.Fatalf("REPLY_PROVIDER=http but REPLY_HTTP_URL is not set")
		}
		logger.Info().Str("url", cfg.ReplyHTTPURL).Msg("reply provider: http")
		return reply.NewHTTPGenerator(cfg.ReplyHTTPURL, cfg.ReplyTimeout)
	case "scripted":
		logger.Info().Msg("reply provider: scripted")
		return reply.NewScriptedGenerator(time.Now().UnixNano())
	case "auto":
		if cfg.ReplyHTTPURL != "" {
			logger.Info().Str("url", cfg.ReplyHTTPURL).Msg("reply provider: http")
			return reply.NewHTTPGenerator(cfg.ReplyHTTPURL, cfg.ReplyTimeout)
		}
		logger.Info().Msg("reply provider: scripted (no REPLY_HTTP_URL set)")
		return reply.NewScriptedGenerator(time.Now().UnixNano())
	default:
		log.Fatalf("invalid REPLY_PROVIDER: %q (expected auto|http|scripted)", cfg.ReplyProvider)
		return nil
	}
}

// newVerifier wires the token verification collaborator. A dev token, when
// configured, is granted the full permission set.
func newVerifier(cfg config.Config, logger zerolog.Logger) security.TokenVerifier {
	tokens := map[string]security.Claims{}
	if cfg.AuthDevToken != "" {
		tokens[cfg.AuthDevToken] = security.Claims{
			Identity:    "dev",
			Permissions: []string{security.PermObserve, security.PermSend, security.PermManage},
		}
		logger.Warn().Msg("AUTH_DEV_TOKEN is set; development credentials are active")
	}
	return security.NewStaticVerifier(tokens)
}
