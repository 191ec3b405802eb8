package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"order-worker/internal/api"
	"order-worker/internal/config"
	"order-worker/internal/consumer"
	"order-worker/internal/dispatch"
	"order-worker/internal/instrumentation"
	"order-worker/internal/logging"
	"order-worker/internal/projection"
	"order-worker/internal/store"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		fallback := zerolog.New(os.Stderr)
		fallback.Error().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fallback := zerolog.New(os.Stderr)
		fallback.Error().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}

	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Strs("brokers", cfg.KafkaBrokers).
		Str("topic", cfg.KafkaTopic).
		Str("group_id", cfg.KafkaGroupID).
		Str("store_backend", cfg.StoreBackend).
		Msg("worker starting")

	orders, trades, closeStore, err := buildStore(cfg)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize store")
		os.Exit(1)
	}
	defer closeStore()

	metrics := instrumentation.NewMetrics()
	projector := projection.NewProjector(orders, trades, log)
	dispatcher := dispatch.NewDispatcher(projector, metrics, log)

	cons, err := consumer.New(consumer.Config{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaTopic,
		GroupID:  cfg.KafkaGroupID,
		ClientID: cfg.KafkaClient,
	}, dispatcher, metrics, log)
	if err != nil {
		log.Error().Err(err).Msg("failed to create consumer")
		os.Exit(1)
	}
	defer cons.Close()

	ops := api.NewServer(cfg.OpsAddr, cons, log)
	go func() {
		if err := ops.Start(); err != nil {
			log.Error().Err(err).Msg("ops server failed")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- cons.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		cancel()
		if err := <-errCh; err != nil {
			log.Error().Err(err).Msg("consumer stopped with error")
			exitCode = 1
		}
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("consumer failed")
			exitCode = 1
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := ops.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("ops server shutdown failed")
	}

	log.Info().Msg("worker stopped")
	os.Exit(exitCode)
}

// buildStore selects the repository backend. The returned close func is a
// no-op for the in-memory backend.
func buildStore(cfg *config.Config) (projection.OrderRepository, projection.TradeRepository, func(), error) {
	switch cfg.StoreBackend {
	case "redis":
		client, err := store.NewClient(cfg.RedisURL, cfg.RedisPassword)
		if err != nil {
			return nil, nil, nil, err
		}
		return store.NewRedisOrderRepository(client),
			store.NewRedisTradeRepository(client),
			func() { _ = client.Close() },
			nil
	default:
		return projection.NewMemoryOrderRepository(),
			projection.NewMemoryTradeRepository(),
			func() {},
			nil
	}
}
