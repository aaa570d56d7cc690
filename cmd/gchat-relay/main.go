package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dev-nidhishbhavsar/gca-googlechataction/internal/api"
	"github.com/dev-nidhishbhavsar/gca-googlechataction/internal/batcher"
	"github.com/dev-nidhishbhavsar/gca-googlechataction/internal/broker"
	"github.com/dev-nidhishbhavsar/gca-googlechataction/internal/config"
	"github.com/dev-nidhishbhavsar/gca-googlechataction/internal/credential"
	"github.com/dev-nidhishbhavsar/gca-googlechataction/internal/gchat"
	"github.com/dev-nidhishbhavsar/gca-googlechataction/internal/oauth"
	"github.com/dev-nidhishbhavsar/gca-googlechataction/internal/relay"
	"github.com/dev-nidhishbhavsar/gca-googlechataction/internal/secrets"
	slackalert "github.com/dev-nidhishbhavsar/gca-googlechataction/internal/slack"
	"github.com/dev-nidhishbhavsar/gca-googlechataction/internal/stats"
	"github.com/dev-nidhishbhavsar/gca-googlechataction/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		setupLogging("info")
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel)

	slog.Info("gchat-relay starting",
		"port", cfg.Port,
		"nats_url", cfg.NatsURL,
		"request_subject", cfg.RequestSubject,
		"response_subject", cfg.ResponseSubject,
		"secret_source", cfg.SecretSource,
		"outcome_store", cfg.DatabaseURL != "",
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Step 1: Connect to NATS.
	bus, err := broker.Connect(cfg.NatsURL, "gchat-relay")
	if err != nil {
		slog.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer bus.Close()

	// Step 2: Resolve the secret accessor.
	accessor, err := newSecretAccessor(ctx, cfg, bus)
	if err != nil {
		slog.Error("failed to set up secret accessor", "source", cfg.SecretSource, "error", err)
		os.Exit(1)
	}

	// Step 3: Outcome log (optional).
	var (
		db  *store.Store
		bat *batcher.Batcher
	)
	if cfg.DatabaseURL != "" {
		db, err = store.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := db.EnsureSchema(ctx); err != nil {
			slog.Error("failed to prepare schema", "error", err)
			os.Exit(1)
		}
		slog.Info("database connected")

		bat = batcher.New(db, stats.NewProcessor(db), batcher.Config{
			FlushInterval:  cfg.BatchFlushInterval,
			FlushThreshold: cfg.BatchFlushThreshold,
			BufferMax:      cfg.BufferMaxSize,
		})
		bat.SetPublisher(bus.Publish)
		bat.Start(ctx)
	} else {
		slog.Info("DATABASE_URL not set, outcome log disabled")
	}

	// Step 4: Google clients and the relay controller.
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	signer := credential.NewAssertionSigner(credential.JWSSigner{}, cfg.TokenURL)
	signer.ImpersonateUser = cfg.ImpersonateUser

	ctrl := relay.New(relay.Config{
		RequestSubject:  cfg.RequestSubject,
		ResponseSubject: cfg.ResponseSubject,
		Scope:           cfg.Scope(),
		AssertionTTL:    cfg.AssertionTTL,
	},
		bus,
		accessor,
		signer,
		oauth.NewClient(cfg.TokenURL, httpClient),
		gchat.NewClient(cfg.ChatAPIURL, httpClient),
	)
	if bat != nil {
		ctrl.SetRecorder(bat)
	}
	if cfg.AlertsEnabled() {
		ctrl.SetAlerter(slackalert.NewAlerter(cfg.SlackBotToken, cfg.SlackAlertChannel))
		slog.Info("Slack failure alerter enabled", "channel", cfg.SlackAlertChannel)
	}

	if err := ctrl.Start(ctx); err != nil {
		slog.Error("failed to start relay", "error", err)
		os.Exit(1)
	}

	// Step 5: Announce availability.
	announcement, _ := json.Marshal(map[string]any{
		"event_type": "agent.registered",
		"source":     "gchat-relay",
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"metadata": map[string]any{
			"port":            cfg.Port,
			"request_subject": cfg.RequestSubject,
		},
	})
	if err := bus.Publish(cfg.AnnounceSubject, announcement); err != nil {
		slog.Warn("failed to publish registration event", "error", err)
	}

	// Step 6: Start HTTP API.
	var ds store.DataStore
	if db != nil {
		ds = db
	}
	srv := api.NewServer(ds, bat, ctrl.InFlight, cfg.Port)
	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("gchat-relay ready", "port", cfg.Port)

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	slog.Info("shutting down", "signal", sig, "in_flight", ctrl.InFlight())

	// Stop taking requests, then let running pipelines publish their responses.
	bus.Unsubscribe()
	ctrl.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP server shutdown", "error", err)
	}

	cancel()
	if bat != nil {
		bat.Wait()
	}
	slog.Info("gchat-relay stopped")
}

func newSecretAccessor(ctx context.Context, cfg config.Config, bus *broker.NATS) (secrets.Accessor, error) {
	switch cfg.SecretSource {
	case config.SecretSourceFile:
		return secrets.FileAccessor{Path: cfg.CredentialsFile}, nil
	case config.SecretSourceNATSKV:
		js, err := bus.JetStream()
		if err != nil {
			return nil, err
		}
		return secrets.NewKVAccessor(ctx, js, cfg.SecretKVBucket)
	default:
		return secrets.EnvAccessor{}, nil
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
