package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"officeflow/internal/bus"
	"officeflow/internal/config"
	"officeflow/internal/observability"
)

func main() {
	if err := run(); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("dlq-handler")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	observability.InitLogger(cfg.LogPath, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if shutdown, err := observability.InitOTel(context.Background(), cfg.Obs); err != nil {
		log.Warn().Err(err).Msg("otel init failed, continuing without observability")
	} else {
		defer func() { _ = shutdown(context.Background()) }()
	}

	adminCtx, cancelAdmin := context.WithTimeout(ctx, cfg.Kafka.ConnectTimeout)
	defer cancelAdmin()
	if err := bus.CheckBrokers(adminCtx, cfg.Kafka, 5*time.Second); err != nil {
		return fmt.Errorf("reach kafka brokers: %w", err)
	}
	if err := bus.EnsureTopics(adminCtx, cfg.Kafka, bus.AllTopics()); err != nil {
		return fmt.Errorf("ensure kafka topics: %w", err)
	}

	producer := bus.NewProducer(cfg.Kafka, bus.ReprocessorSource)
	defer func() {
		if cerr := producer.Close(); cerr != nil {
			log.Error().Err(cerr).Msg("error closing kafka producer")
		}
	}()

	handler := bus.NewDLQHandler(cfg.Kafka, bus.DefaultDLQConfig(), producer)
	log.Info().Strs("brokers", cfg.Kafka.BrokerList()).Msg("starting dlq handler")
	return handler.Run(ctx)
}
