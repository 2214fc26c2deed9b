package bus

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"

	"officeflow/internal/config"
)

// CheckBrokers attempts to dial the configured brokers to verify
// reachability, retrying until the timeout elapses.
func CheckBrokers(ctx context.Context, cfg config.KafkaConfig, timeout time.Duration) error {
	brokers := cfg.BrokerList()
	if len(brokers) == 0 {
		return fmt.Errorf("no brokers configured")
	}
	dialer := newDialer(cfg)

	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		for _, b := range brokers {
			conn, err := dialer.DialContext(ctx, "tcp", b)
			if err == nil {
				_ = conn.Close()
				return nil
			}
			lastErr = err
		}
		select {
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("failed to reach any broker within %s: last error: %v", timeout, lastErr)
}

// EnsureTopics creates each topic from the registry that does not already
// exist, using the cluster controller.
func EnsureTopics(ctx context.Context, cfg config.KafkaConfig, specs []TopicSpec) error {
	brokers := cfg.BrokerList()
	if len(brokers) == 0 {
		return fmt.Errorf("no brokers configured")
	}
	dialer := newDialer(cfg)

	conn, err := dialer.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return fmt.Errorf("dial broker %s: %w", brokers[0], err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("get controller: %w", err)
	}
	controllerAddr := net.JoinHostPort(controller.Host, fmt.Sprint(controller.Port))

	ctrlConn, err := dialer.DialContext(ctx, "tcp", controllerAddr)
	if err != nil {
		return fmt.Errorf("dial controller %s: %w", controllerAddr, err)
	}
	defer ctrlConn.Close()

	for _, spec := range specs {
		parts, err := ctrlConn.ReadPartitions(spec.Name)
		if err == nil && len(parts) > 0 {
			log.Debug().Str("topic", spec.Name).Msg("topic exists")
			continue
		}
		if err := ctrlConn.CreateTopics(spec.TopicConfig()); err != nil {
			return fmt.Errorf("create topic %s: %w", spec.Name, err)
		}
		log.Info().Str("topic", spec.Name).Int("partitions", spec.Partitions).Msg("created topic")
	}
	return nil
}
