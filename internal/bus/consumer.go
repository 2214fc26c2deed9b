package bus

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"officeflow/internal/config"
	"officeflow/internal/observability"
)

// Handler processes one decoded envelope. Handlers must be idempotent using
// the envelope id (or correlation id) as the idempotency key: delivery is
// at-least-once.
type Handler func(ctx context.Context, env Envelope, mctx MessageContext) error

// MessageContext carries the broker-level coordinates of the message being
// handled.
type MessageContext struct {
	Topic         string
	Partition     int
	Offset        int64
	Timestamp     time.Time
	Headers       map[string]string
	CorrelationID string
	// Attempt is the outer delivery attempt, read from the retry-attempt
	// header on republished messages. First delivery is attempt 0.
	Attempt int
}

// TopicPartition identifies one partition for pause/resume and explicit
// offset commits.
type TopicPartition struct {
	Topic     string
	Partition int
}

// Reader is the slice of kafka.Reader behavior the consumer depends on.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	SetOffset(offset int64) error
	Close() error
}

// DLQSink receives envelopes whose handler exhausted its retries.
type DLQSink interface {
	SendToDLQ(ctx context.Context, originalTopic string, env Envelope, cause error, attemptCount int) error
}

// Consumer subscribes to a set of topics under a consumer group and
// dispatches envelopes to handlers registered by envelope type. Messages in
// one partition are processed sequentially to preserve per-tenant ordering;
// partitions proceed in parallel.
type Consumer struct {
	cfg   config.KafkaConfig
	group ConsumerGroupSpec
	retry RetryPolicy
	dlq   DLQSink

	newReader func(topics []string) Reader

	mu        sync.Mutex
	handlers  map[string]Handler
	started   bool
	reader    Reader
	pauseGate map[TopicPartition]chan struct{}
}

// NewConsumer builds a consumer for the given registered group. The group's
// subscription patterns are expanded against the topic registry at Start.
func NewConsumer(cfg config.KafkaConfig, group ConsumerGroupSpec, dlq DLQSink) *Consumer {
	c := &Consumer{
		cfg:       cfg,
		group:     group,
		retry:     DefaultRetryPolicy(),
		dlq:       dlq,
		handlers:  make(map[string]Handler),
		pauseGate: make(map[TopicPartition]chan struct{}),
	}
	if group.MaxRetries > 0 {
		c.retry.MaxRetries = group.MaxRetries
	}
	c.newReader = func(topics []string) Reader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:           cfg.BrokerList(),
			GroupID:           group.GroupID,
			GroupTopics:       topics,
			MinBytes:          group.MinBytes,
			MaxBytes:          group.MaxBytes,
			SessionTimeout:    group.SessionTimeout,
			HeartbeatInterval: group.HeartbeatInterval,
			RebalanceTimeout:  group.RebalanceTimeout,
			Dialer:            newDialer(cfg),
		})
	}
	return c
}

// WithRetryPolicy overrides the in-process retry policy. Must be called
// before Start.
func (c *Consumer) WithRetryPolicy(p RetryPolicy) *Consumer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retry = p
	return c
}

func newDialer(cfg config.KafkaConfig) *kafka.Dialer {
	d := &kafka.Dialer{
		ClientID:  cfg.ClientID,
		Timeout:   cfg.ConnectTimeout,
		DualStack: true,
	}
	if cfg.SSL {
		d.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if mech, err := saslMechanism(cfg); err == nil && mech != nil {
		d.SASLMechanism = mech
	}
	return d
}

// On registers a handler for an envelope type. Registration after Start is
// rejected so the dispatch table stays immutable while running.
func (c *Consumer) On(eventType string, h Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("handler registration after consumer start")
	}
	if _, dup := c.handlers[eventType]; dup {
		return fmt.Errorf("handler already registered for %q", eventType)
	}
	c.handlers[eventType] = h
	return nil
}

// Start runs the consume loop until the context is canceled. In-flight
// messages are drained and committed before it returns.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("consumer already started")
	}
	c.started = true
	topics := MatchTopics(c.group.Subscriptions...)
	if len(topics) == 0 {
		c.mu.Unlock()
		return fmt.Errorf("group %s: no topics match subscriptions %v", c.group.GroupID, c.group.Subscriptions)
	}
	reader := c.newReader(topics)
	c.reader = reader
	c.mu.Unlock()

	defer func() {
		if err := reader.Close(); err != nil {
			observability.LoggerWithTrace(ctx).Error().Err(err).Str("group", c.group.GroupID).Msg("close kafka reader")
		}
	}()

	observability.LoggerWithTrace(ctx).Info().
		Str("group", c.group.GroupID).
		Strs("topics", topics).
		Msg("consumer subscribed")

	// One worker per partition keeps per-tenant ordering while letting
	// partitions proceed independently.
	type partitionWorker struct {
		ch chan kafka.Message
	}
	workers := make(map[TopicPartition]*partitionWorker)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				for _, w := range workers {
					close(w.ch)
				}
				return ctx.Err()
			}
			observability.LoggerWithTrace(ctx).Error().Err(err).Str("group", c.group.GroupID).Msg("fetch error")
			if serr := sleepCtx(ctx, 500*time.Millisecond); serr != nil {
				for _, w := range workers {
					close(w.ch)
				}
				return serr
			}
			continue
		}

		tp := TopicPartition{Topic: msg.Topic, Partition: msg.Partition}
		w, ok := workers[tp]
		if !ok {
			w = &partitionWorker{ch: make(chan kafka.Message, 64)}
			workers[tp] = w
			wg.Add(1)
			go func(tp TopicPartition, ch <-chan kafka.Message) {
				defer wg.Done()
				for m := range ch {
					c.handleMessage(ctx, reader, tp, m)
				}
			}(tp, w.ch)
		}

		select {
		case w.ch <- msg:
		case <-ctx.Done():
			for _, w := range workers {
				close(w.ch)
			}
			return ctx.Err()
		}
	}
}

// handleMessage runs the full per-message pipeline: pause gate, decode,
// dispatch with in-process retry, DLQ on exhaustion, then commit. The offset
// advances in every outcome except context cancellation and DLQ publish
// failure, so the message is redelivered only when its failure was not
// recorded anywhere.
func (c *Consumer) handleMessage(ctx context.Context, reader Reader, tp TopicPartition, msg kafka.Message) {
	if err := c.waitWhilePaused(ctx, tp); err != nil {
		return
	}

	logger := observability.LoggerWithCorrelation(ctx, headerValue(msg, HeaderCorrelationID))

	env, err := DecodeEnvelope(msg.Value)
	if err != nil {
		logger.Warn().Err(err).Str("topic", msg.Topic).Int64("offset", msg.Offset).Msg("unparseable envelope, skipping")
		c.commit(ctx, reader, msg)
		return
	}

	c.mu.Lock()
	handler, ok := c.handlers[env.Type]
	c.mu.Unlock()
	if !ok {
		logger.Warn().Str("type", env.Type).Str("topic", msg.Topic).Msg("no handler registered, skipping")
		c.commit(ctx, reader, msg)
		return
	}

	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	mctx := MessageContext{
		Topic:         msg.Topic,
		Partition:     msg.Partition,
		Offset:        msg.Offset,
		Timestamp:     msg.Time,
		Headers:       headers,
		CorrelationID: env.Metadata.CorrelationID,
		Attempt:       attemptFromHeaders(msg),
	}

	var lastErr error
	for invocation := 1; ; invocation++ {
		lastErr = invokeHandler(ctx, handler, env, mctx)
		if lastErr == nil {
			c.commit(ctx, reader, msg)
			return
		}
		if ctx.Err() != nil {
			return
		}
		if !c.retry.Retryable(lastErr) || invocation >= c.retry.MaxRetries {
			break
		}
		delay := c.retry.Delay(invocation - 1)
		logger.Warn().Err(lastErr).
			Str("topic", msg.Topic).
			Int("invocation", invocation).
			Dur("backoff", delay).
			Msg("handler failed, retrying in-process")
		if err := sleepCtx(ctx, delay); err != nil {
			return
		}
	}

	// Retries exhausted or error not retryable: dead-letter, then commit.
	// All in-process invocations count as one outer delivery attempt.
	attemptCount := mctx.Attempt + 1
	if err := c.dlq.SendToDLQ(ctx, msg.Topic, env, lastErr, attemptCount); err != nil {
		logger.Error().Err(err).Str("topic", msg.Topic).Msg("dlq publish failed; leaving offset uncommitted")
		return
	}
	logger.Warn().Err(lastErr).
		Str("topic", msg.Topic).
		Int("attemptCount", attemptCount).
		Msg("handler exhausted retries, dead-lettered")
	c.commit(ctx, reader, msg)
}

// invokeHandler shields the partition worker from handler panics: a panic is
// converted into a handler error so the worker survives and the message is
// dead-lettered instead of killing the process.
func invokeHandler(ctx context.Context, h Handler, env Envelope, mctx MessageContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, env, mctx)
}

func (c *Consumer) commit(ctx context.Context, reader Reader, msg kafka.Message) {
	if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
		observability.LoggerWithTrace(ctx).Error().Err(err).
			Str("topic", msg.Topic).
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("commit failed")
	}
}

func (c *Consumer) waitWhilePaused(ctx context.Context, tp TopicPartition) error {
	for {
		c.mu.Lock()
		gate := c.pauseGate[tp]
		c.mu.Unlock()
		if gate == nil {
			return nil
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Pause suspends handler dispatch for the given partitions. Messages already
// fetched for them wait in-process; the broker session stays alive.
func (c *Consumer) Pause(tps ...TopicPartition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tp := range tps {
		if c.pauseGate[tp] == nil {
			c.pauseGate[tp] = make(chan struct{})
		}
	}
}

// Resume lifts a previous Pause.
func (c *Consumer) Resume(tps ...TopicPartition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tp := range tps {
		if gate := c.pauseGate[tp]; gate != nil {
			close(gate)
			delete(c.pauseGate, tp)
		}
	}
}

// CommitOffsets commits an explicit list of offsets, independent of the
// per-message auto-commit.
func (c *Consumer) CommitOffsets(ctx context.Context, offsets map[TopicPartition]int64) error {
	c.mu.Lock()
	reader := c.reader
	c.mu.Unlock()
	if reader == nil {
		return errors.New("consumer not started")
	}
	msgs := make([]kafka.Message, 0, len(offsets))
	for tp, off := range offsets {
		msgs = append(msgs, kafka.Message{Topic: tp.Topic, Partition: tp.Partition, Offset: off})
	}
	return reader.CommitMessages(ctx, msgs...)
}

// Seek repositions the reader. Group-managed readers do not support seeking
// (offsets belong to the group coordinator); kafka-go surfaces that as an
// error, which is passed through.
func (c *Consumer) Seek(offset int64) error {
	c.mu.Lock()
	reader := c.reader
	c.mu.Unlock()
	if reader == nil {
		return errors.New("consumer not started")
	}
	return reader.SetOffset(offset)
}
