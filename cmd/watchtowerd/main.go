// Command watchtowerd runs the compliance monitoring daemon: it accepts
// regulatory circulars over HTTP, drives each through the checkpointed
// compliance pipeline, and streams progress to WebSocket subscribers.
//
// Configuration comes from WATCHTOWER_* environment variables; see the
// watchtower.Config struct for the full list.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/anaya-ai/watchtower"
	"github.com/anaya-ai/watchtower/backoff"
	"github.com/anaya-ai/watchtower/capability"
	"github.com/anaya-ai/watchtower/engine"
	"github.com/anaya-ai/watchtower/store/sqlite"
	"github.com/anaya-ai/watchtower/workflow"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("watchtowerd exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := watchtower.ConfigFromEnv()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := sqlite.Open(ctx, cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	defer store.Close()

	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithAlertThreshold(cfg.AlertThreshold),
		engine.WithCapabilityTimeout(cfg.CapabilityTimeout),
		engine.WithHeartbeat(cfg.HeartbeatInterval),
		engine.WithBackoff(backoff.DefaultStrategy()),
		engine.WithMaxRetries(cfg.CapabilityRetries),
		engine.WithSubmitRate(cfg.SubmitRatePerMinute),
	}
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return err
		}
		opts = append(opts, engine.WithRelay(redis.NewClient(redisOpts)))
	}

	eng, err := engine.Build(store, opts...)
	if err != nil {
		return err
	}
	registerCapabilities(eng.Capabilities(), cfg)

	if err := eng.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           eng.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", cfg.ListenAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("http shutdown", slog.String("error", err.Error()))
	}
	eng.Stop(shutdownCtx)
	return nil
}

// registerCapabilities wires the built-in capabilities plus one HTTP
// collaborator per configured endpoint.
func registerCapabilities(reg *capability.Registry, cfg watchtower.Config) {
	reg.Register(capability.ScorerSpec(), capability.Scorer())
	if cfg.SlackWebhookURL != "" {
		reg.Register(capability.SlackNotifierSpec(),
			capability.SlackNotifier(http.DefaultClient, cfg.SlackWebhookURL))
	}

	client := &http.Client{Timeout: cfg.CapabilityTimeout}
	for name, endpoint := range cfg.CapabilityEndpoints {
		reg.Register(capability.Spec{
			Name:       name,
			MaxLatency: cfg.TimeoutFor(name),
		}, capability.HTTP(client, endpoint))
	}

	for _, name := range []string{
		workflow.CapExtractText,
		workflow.CapEmbedText,
		workflow.CapSearchPolicies,
		workflow.CapComparePolicy,
		workflow.CapScoreDiffs,
		workflow.CapSendAlert,
	} {
		if !reg.Has(name) {
			slog.Warn("pipeline capability not configured", slog.String("capability", name))
		}
	}
}
