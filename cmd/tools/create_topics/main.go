package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"officeflow/internal/bus"
	"officeflow/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := bus.CheckBrokers(ctx, cfg.Kafka, 10*time.Second); err != nil {
		log.Fatal().Err(err).Msg("reach brokers")
	}
	if err := bus.EnsureTopics(ctx, cfg.Kafka, bus.AllTopics()); err != nil {
		log.Fatal().Err(err).Msg("ensure topics")
	}
	fmt.Printf("topology applied: %d topics\n", len(bus.AllTopics()))
}
