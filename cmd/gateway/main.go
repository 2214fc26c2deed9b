package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"officeflow/internal/bus"
	"officeflow/internal/config"
	"officeflow/internal/correlation"
	"officeflow/internal/dedupe"
	"officeflow/internal/gateway"
	"officeflow/internal/hrms"
	"officeflow/internal/ingest"
	"officeflow/internal/observability"
)

const producerSource = "webhook-gateway"

func main() {
	if err := run(); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("gateway")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	observability.InitLogger(cfg.LogPath, cfg.LogLevel)

	baseCtx := context.Background()
	ctx, cancel := signal.NotifyContext(baseCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if shutdown, err := observability.InitOTel(baseCtx, cfg.Obs); err != nil {
		log.Warn().Err(err).Msg("otel init failed, continuing without observability")
	} else {
		defer func() { _ = shutdown(context.Background()) }()
	}

	// Dedupe + rate-limit state. Redis is preferred; a missing server falls
	// back to in-process stores so a single-node deployment still works.
	var store dedupe.Store
	var limiter gateway.RateLimiter
	if redisStore, err := dedupe.NewRedisStore(cfg.RedisAddr); err != nil {
		log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unavailable, using in-memory stores")
		store = dedupe.NewMemoryStore()
		limiter = gateway.NewMemoryRateLimiter(cfg.Gateway.RateLimitWindow, cfg.Gateway.RateLimitQuota)
	} else {
		defer func() {
			if cerr := redisStore.Close(); cerr != nil {
				log.Error().Err(cerr).Msg("error closing redis client")
			}
		}()
		store = redisStore
		limiter = gateway.NewRedisRateLimiter(redisStore.Client(), cfg.Gateway.RateLimitWindow, cfg.Gateway.RateLimitQuota)
	}

	// Verify broker connectivity and ensure the full topology exists before
	// accepting traffic.
	adminCtx, cancelAdmin := context.WithTimeout(ctx, cfg.Kafka.ConnectTimeout)
	defer cancelAdmin()
	if err := bus.CheckBrokers(adminCtx, cfg.Kafka, 5*time.Second); err != nil {
		return fmt.Errorf("reach kafka brokers: %w", err)
	}
	if err := bus.EnsureTopics(adminCtx, cfg.Kafka, bus.AllTopics()); err != nil {
		return fmt.Errorf("ensure kafka topics: %w", err)
	}

	producer := bus.NewProducer(cfg.Kafka, producerSource)
	defer func() {
		if cerr := producer.Close(); cerr != nil {
			log.Error().Err(cerr).Msg("error closing kafka producer")
		}
	}()

	corrStore := correlation.NewStore()
	publisher := ingest.NewPublisher(producer, store, corrStore, producerSource)

	pollers := hrms.NewManager(publisher)
	httpClient := observability.NewHTTPClient(nil)
	for _, src := range []struct {
		name  string
		creds config.HRMSCredentials
	}{
		{hrms.SourceWorkday, cfg.Workday},
		{hrms.SourceSuccessFactors, cfg.SuccessFactors},
		{hrms.SourceBambooHR, cfg.BambooHR},
	} {
		if !src.creds.IsRegistered() {
			continue
		}
		adapter, err := hrms.New(hrms.AdapterConfig{
			Source:         src.name,
			OrganizationID: src.creds.OrganizationID,
			Credentials:    src.creds,
			HTTPClient:     httpClient,
			Dedupe:         store,
		})
		if err != nil {
			return fmt.Errorf("init %s adapter: %w", src.name, err)
		}
		if err := pollers.Register(adapter, src.creds.PollInterval, src.creds.Enabled); err != nil {
			return err
		}
		log.Info().Str("source", src.name).Bool("enabled", src.creds.Enabled).Msg("hrms adapter registered")
	}

	server := gateway.NewServer(cfg.Gateway, gateway.NewRegistry(), limiter, publisher, pollers)
	server.Audit = func(ctx context.Context, action string, fields map[string]any) {
		env, err := bus.NewEnvelope("audit.event", map[string]any{"action": action, "fields": fields})
		if err != nil {
			return
		}
		if err := producer.SendOne(ctx, bus.TopicAuditEvents, env); err != nil {
			log.Warn().Err(err).Str("action", action).Msg("audit publish failed")
		}
	}

	log.Info().
		Str("addr", cfg.Gateway.Addr).
		Strs("brokers", cfg.Kafka.BrokerList()).
		Msg("starting webhook gateway")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error { return pollers.Run(gctx) })
	g.Go(func() error {
		corrStore.StartPruner(gctx, time.Hour, correlation.DefaultMaxAge)
		return gctx.Err()
	})
	return g.Wait()
}
