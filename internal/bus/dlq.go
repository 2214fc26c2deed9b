package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"officeflow/internal/config"
	"officeflow/internal/observability"
)

// DLQConfig tunes the triage performed by the dead-letter handler.
type DLQConfig struct {
	// QuarantineAfter is the attempt count at which a record becomes
	// terminal regardless of error kind.
	QuarantineAfter int
	// MaxReprocess bounds how many delivery attempts a transient failure
	// may accumulate and still be republished.
	MaxReprocess int
	// ReprocessDelay is slept before each republish.
	ReprocessDelay time.Duration
	// ManualReview routes non-transient records to the review queue instead
	// of quarantine.
	ManualReview bool
	// TransientTokens classifies errors as transient when the recorded
	// error name or message contains any of them.
	TransientTokens []string
}

// DefaultDLQConfig returns the documented triage defaults.
func DefaultDLQConfig() DLQConfig {
	return DLQConfig{
		QuarantineAfter: 5,
		MaxReprocess:    3,
		ReprocessDelay:  60 * time.Second,
		ManualReview:    true,
		TransientTokens: DefaultTransientTokens,
	}
}

// Decision is the outcome of triaging one DLQ record.
type Decision int

const (
	DecisionReprocess Decision = iota
	DecisionManualReview
	DecisionQuarantine
)

func (d Decision) String() string {
	switch d {
	case DecisionReprocess:
		return "reprocess"
	case DecisionManualReview:
		return "manual-review"
	default:
		return "quarantine"
	}
}

// Triage decides the routing for a DLQ record. The decision is a pure
// function of the record and the config, so replaying the same record yields
// the same outcome.
func (c DLQConfig) Triage(rec DLQMessage) Decision {
	if rec.AttemptCount >= c.QuarantineAfter {
		return DecisionQuarantine
	}
	transient := matchesTokenText(rec.Error.Name+" "+rec.Error.Message, c.TransientTokens)
	if transient && rec.AttemptCount <= c.MaxReprocess {
		return DecisionReprocess
	}
	if c.ManualReview {
		return DecisionManualReview
	}
	return DecisionQuarantine
}

// ReprocessorSource is stamped on republished envelopes so downstream
// consumers can distinguish replays. Envelope id and correlation id are
// preserved, keeping idempotency keys stable.
const ReprocessorSource = "dlq-reprocessor"

// DLQHandler is the dedicated consumer on group dlq-handler that drains all
// dlq.* topics and routes each record to reprocess, manual review, or
// quarantine.
type DLQHandler struct {
	cfg      DLQConfig
	kafkaCfg config.KafkaConfig
	producer *Producer

	newReader func(topics []string) Reader

	mu sync.Mutex
	// recent holds records routed to terminal queues so the administrative
	// ManualReprocess hook can re-inject them without a storage backend.
	recent map[string]DLQMessage
}

// NewDLQHandler builds the handler. The producer is shared with other
// components and must be safe for concurrent sends.
func NewDLQHandler(kafkaCfg config.KafkaConfig, cfg DLQConfig, producer *Producer) *DLQHandler {
	group := ConsumerGroups["dlq-handler"]
	h := &DLQHandler{
		cfg:      cfg,
		kafkaCfg: kafkaCfg,
		producer: producer,
		recent:   make(map[string]DLQMessage),
	}
	h.newReader = func(topics []string) Reader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:           kafkaCfg.BrokerList(),
			GroupID:           group.GroupID,
			GroupTopics:       topics,
			MinBytes:          group.MinBytes,
			MaxBytes:          group.MaxBytes,
			SessionTimeout:    group.SessionTimeout,
			HeartbeatInterval: group.HeartbeatInterval,
			RebalanceTimeout:  group.RebalanceTimeout,
			Dialer:            newDialer(kafkaCfg),
		})
	}
	return h
}

// Run consumes dlq.* until the context is canceled.
func (h *DLQHandler) Run(ctx context.Context) error {
	topics := MatchTopics("dlq.*")
	if len(topics) == 0 {
		return errors.New("no dlq topics registered")
	}
	reader := h.newReader(topics)
	defer func() {
		if err := reader.Close(); err != nil {
			observability.LoggerWithTrace(ctx).Error().Err(err).Msg("close dlq reader")
		}
	}()

	observability.LoggerWithTrace(ctx).Info().Strs("topics", topics).Msg("dlq handler subscribed")

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			observability.LoggerWithTrace(ctx).Error().Err(err).Msg("dlq fetch error")
			if serr := sleepCtx(ctx, 500*time.Millisecond); serr != nil {
				return serr
			}
			continue
		}

		if err := h.handleRecord(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Routing failed; leave the offset uncommitted so the record is
			// redelivered.
			observability.LoggerWithTrace(ctx).Error().Err(err).
				Str("topic", msg.Topic).
				Int64("offset", msg.Offset).
				Msg("dlq routing failed")
			continue
		}
		if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			observability.LoggerWithTrace(ctx).Error().Err(err).Str("topic", msg.Topic).Msg("dlq commit failed")
		}
	}
}

func (h *DLQHandler) handleRecord(ctx context.Context, msg kafka.Message) error {
	var rec DLQMessage
	if err := json.Unmarshal(msg.Value, &rec); err != nil {
		// Unparseable records cannot be triaged; they go straight to
		// quarantine as raw bytes.
		observability.LoggerWithTrace(ctx).Warn().Err(err).Str("topic", msg.Topic).Msg("unparseable dlq record, quarantining raw")
		return h.producer.SendRaw(ctx, TopicQuarantine, string(msg.Key), msg.Value)
	}
	if rec.OriginalTopic == "" {
		rec.OriginalTopic = OriginalTopic(msg.Topic)
	}

	decision := h.cfg.Triage(rec)
	logger := observability.LoggerWithCorrelation(ctx, rec.OriginalEnvelope.Metadata.CorrelationID)
	logger.Info().
		Str("decision", decision.String()).
		Str("originalTopic", rec.OriginalTopic).
		Str("envelopeId", rec.OriginalEnvelope.ID).
		Int("attemptCount", rec.AttemptCount).
		Str("errorName", rec.Error.Name).
		Msg("dlq triage")

	var err error
	switch decision {
	case DecisionReprocess:
		err = h.reprocess(ctx, rec)
	case DecisionManualReview:
		err = h.review(ctx, rec, fmt.Sprintf("non-transient error %s after %d attempt(s)", rec.Error.Name, rec.AttemptCount))
	default:
		err = h.quarantine(ctx, rec)
	}
	if err != nil {
		return err
	}
	return h.audit(ctx, rec, decision)
}

func (h *DLQHandler) reprocess(ctx context.Context, rec DLQMessage) error {
	if err := sleepCtx(ctx, h.cfg.ReprocessDelay); err != nil {
		return err
	}
	env := rec.OriginalEnvelope
	env.Metadata.Source = ReprocessorSource
	complete(&env, ReprocessorSource)
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal republished envelope: %w", err)
	}
	// Carry the attempt count so the next DLQ record accumulates it.
	headers := append(env.Headers(), kafka.Header{
		Key:   HeaderRetryAttempt,
		Value: []byte(strconv.Itoa(rec.AttemptCount)),
	})
	if err := h.producer.SendRaw(ctx, rec.OriginalTopic, env.PartitionKey(), value, headers...); err != nil {
		return fmt.Errorf("republish to %s: %w", rec.OriginalTopic, err)
	}
	return nil
}

func (h *DLQHandler) review(ctx context.Context, rec DLQMessage, reason string) error {
	out := ReviewRecord{DLQMessage: rec, ReviewReason: reason, FlaggedAt: time.Now().UTC()}
	value, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal review record: %w", err)
	}
	if err := h.producer.SendRaw(ctx, TopicManualReview, rec.OriginalEnvelope.PartitionKey(), value); err != nil {
		return err
	}
	h.remember(rec)
	return nil
}

func (h *DLQHandler) quarantine(ctx context.Context, rec DLQMessage) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal quarantine record: %w", err)
	}
	if err := h.producer.SendRaw(ctx, TopicQuarantine, rec.OriginalEnvelope.PartitionKey(), value); err != nil {
		return err
	}
	h.remember(rec)
	return nil
}

func (h *DLQHandler) audit(ctx context.Context, rec DLQMessage, decision Decision) error {
	env, err := NewEnvelope("audit.event", map[string]any{
		"action":        "dlq.triage",
		"decision":      decision.String(),
		"originalTopic": rec.OriginalTopic,
		"envelopeId":    rec.OriginalEnvelope.ID,
		"attemptCount":  rec.AttemptCount,
		"errorName":     rec.Error.Name,
	})
	if err != nil {
		return err
	}
	env.Metadata.CorrelationID = rec.OriginalEnvelope.Metadata.CorrelationID
	env.Metadata.OrganizationID = rec.OriginalEnvelope.Metadata.OrganizationID
	return h.producer.SendOne(ctx, TopicAuditEvents, env)
}

const recentLimit = 1024

func (h *DLQHandler) remember(rec DLQMessage) {
	if rec.OriginalEnvelope.ID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.recent) >= recentLimit {
		// Drop an arbitrary entry; the hook is best-effort without storage.
		for k := range h.recent {
			delete(h.recent, k)
			break
		}
	}
	h.recent[rec.OriginalEnvelope.ID] = rec
}

// ManualReprocess re-injects a terminal record onto its original topic. Only
// records still held in the in-memory index are eligible; everything else
// requires operator tooling against the quarantine topic itself.
func (h *DLQHandler) ManualReprocess(ctx context.Context, messageID, originalTopic string) error {
	h.mu.Lock()
	rec, ok := h.recent[messageID]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("message %s not found in reprocess index", messageID)
	}
	if originalTopic == "" {
		originalTopic = rec.OriginalTopic
	}
	env := rec.OriginalEnvelope
	env.Metadata.Source = ReprocessorSource
	return h.producer.SendOne(ctx, originalTopic, env)
}
