// Package ingest bridges normalized lifecycle events onto the bus: it
// assigns correlation contexts, enforces (source, sourceEventId) idempotency,
// and publishes envelopes to the employee.* topics.
package ingest

import (
	"context"
	"fmt"
	"time"

	"officeflow/internal/bus"
	"officeflow/internal/correlation"
	"officeflow/internal/dedupe"
	"officeflow/internal/lifecycle"
	"officeflow/internal/observability"
)

// eventDedupeTTL bounds how long a (source, sourceEventId) pair suppresses
// replays. Webhook retries from upstreams arrive well within this window.
const eventDedupeTTL = 24 * time.Hour

// Sender is the slice of producer behavior the publisher needs.
type Sender interface {
	SendBatch(ctx context.Context, topic string, envs []bus.Envelope) error
	SendOne(ctx context.Context, topic string, env bus.Envelope) error
}

// Publisher converts lifecycle events into envelopes and publishes them.
type Publisher struct {
	producer    Sender
	dedupe      dedupe.Store
	correlation *correlation.Store
	source      string
}

// NewPublisher builds a publisher. The source name is stamped on envelope
// metadata (e.g. "webhook-gateway", "hrms-poller").
func NewPublisher(producer Sender, store dedupe.Store, corr *correlation.Store, source string) *Publisher {
	return &Publisher{producer: producer, dedupe: store, correlation: corr, source: source}
}

// PublishLifecycle publishes a batch of normalized events, one envelope per
// event, grouped per topic. Duplicates by (source, sourceEventId) are
// dropped. An error means the batch was not fully handed to the broker and
// the caller must not advance its cursor.
func (p *Publisher) PublishLifecycle(ctx context.Context, events []lifecycle.Event) error {
	logger := observability.LoggerWithTrace(ctx)
	byTopic := make(map[string][]bus.Envelope)

	for _, event := range events {
		if err := event.Validate(); err != nil {
			return fmt.Errorf("invalid lifecycle event: %w", err)
		}
		key := fmt.Sprintf("event:%s:%s", event.Metadata.Source, event.Metadata.SourceEventID)
		if seen, err := p.dedupe.SeenOrMark(ctx, key, eventDedupeTTL); err != nil {
			logger.Warn().Err(err).Str("key", key).Msg("dedupe unavailable, publishing anyway")
		} else if seen {
			logger.Debug().Str("key", key).Msg("duplicate source event suppressed")
			continue
		}

		env, err := bus.NewEnvelope(event.Type.EnvelopeType(), event)
		if err != nil {
			return err
		}
		env.Metadata.OrganizationID = event.OrganizationID
		env.Metadata.EmployeeID = event.EmployeeID

		cctx := p.correlation.CreateContext(correlation.Options{
			OrganizationID: event.OrganizationID,
			EmployeeID:     event.EmployeeID,
		})
		env.Metadata.CorrelationID = cctx.CorrelationID
		_ = p.correlation.RecordEvent(cctx.CorrelationID, p.source, "publish", correlation.StatusStarted, map[string]any{
			"sourceEventId": event.Metadata.SourceEventID,
			"type":          string(event.Type),
		})

		byTopic[event.Type.Topic()] = append(byTopic[event.Type.Topic()], env)
	}

	for topic, envs := range byTopic {
		if err := p.producer.SendBatch(ctx, topic, envs); err != nil {
			for _, env := range envs {
				_ = p.correlation.RecordEvent(env.Metadata.CorrelationID, p.source, "publish", correlation.StatusFailed, nil)
			}
			return err
		}
		for _, env := range envs {
			_ = p.correlation.RecordEvent(env.Metadata.CorrelationID, p.source, "publish", correlation.StatusCompleted, nil)
		}
	}
	return nil
}
