// Package main is the entry point for the API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/capitalize-ai/meeting-coordinator/internal/config"
	"github.com/capitalize-ai/meeting-coordinator/internal/handler"
	natsclient "github.com/capitalize-ai/meeting-coordinator/internal/nats"
	"github.com/capitalize-ai/meeting-coordinator/internal/notify"
	"github.com/capitalize-ai/meeting-coordinator/internal/service"
	"github.com/capitalize-ai/meeting-coordinator/internal/store"
	"github.com/capitalize-ai/meeting-coordinator/internal/store/postgres"
	"github.com/capitalize-ai/meeting-coordinator/pkg/logger"
	"github.com/capitalize-ai/meeting-coordinator/pkg/tracing"
)

const serviceName = "meeting-coordinator"

func main() {
	// A missing .env file is fine; the environment wins either way.
	_ = godotenv.Load()

	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	log.Info("starting API server",
		zap.String("env", cfg.AppEnv),
		zap.String("store", cfg.StoreDriver),
	)

	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, serviceName, cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	checks := map[string]handler.Pinger{"store": st}
	fanout := notify.NewFanout(log)

	var events handler.EventSource
	if cfg.NATSURL != "" {
		natsClient, err := natsclient.Connect(ctx, natsclient.Config{
			Name:     serviceName,
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		defer natsClient.Close()

		streamManager := natsclient.NewStreamManager(natsClient)
		if err := streamManager.EnsureStream(ctx); err != nil {
			log.Fatal("failed to ensure stream", zap.Error(err))
		}

		// The stream sink runs first so inbox entries carry the sequence.
		fanout.Add("jetstream", streamManager)
		checks["nats"] = streamManager
		events = streamManager
	} else {
		log.Info("NATS_URL not set, event stream disabled")
	}
	fanout.Add("inbox", notify.NewInbox(st))

	svc := service.NewSchedulingService(st, fanout, log, service.Options{
		InviteTTL:             cfg.InviteTokenTTL,
		EnforceDeadline:       cfg.EnforceResponseDeadline,
		DefaultMaxReproposals: cfg.DefaultMaxReproposals,
		PublicBaseURL:         cfg.PublicBaseURL,
	})

	router := handler.NewRouter(handler.RouterConfig{
		Service:                 svc,
		Logger:                  log,
		Events:                  events,
		Checks:                  checks,
		AppEnv:                  cfg.AppEnv,
		CORSAllowedOrigins:      cfg.CORSAllowedOrigins,
		JWTSecret:               cfg.JWTSecret,
		JWTIssuer:               cfg.JWTIssuer,
		JWTExpiration:           cfg.JWTExpiration,
		RateLimitRequests:       cfg.RateLimitRequests,
		RateLimitWindow:         cfg.RateLimitWindow,
		InviteRateLimitRequests: cfg.InviteRateLimitRequests,
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}

func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (store.Store, error) {
	switch cfg.StoreDriver {
	case "postgres":
		return postgres.Open(ctx, cfg.DatabaseURL, cfg.DBAutoMigrate, log)
	default:
		return store.NewMemoryStore(), nil
	}
}
