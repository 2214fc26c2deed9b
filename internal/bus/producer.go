package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"officeflow/internal/config"
	"officeflow/internal/observability"
)

// Writer is the slice of kafka.Writer behavior the producer depends on.
// Tests substitute a recording implementation.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes typed envelopes. Envelope completion (id, correlation
// id, timestamp, source, version) happens at send time; partition key is the
// explicit key when given, else organizationId, else the envelope id. Safe
// for concurrent use; connect is lazy and Close is safe to call repeatedly.
type Producer struct {
	cfg    config.KafkaConfig
	source string

	mu     sync.Mutex
	writer Writer
	closed bool
}

// NewProducer builds a producer whose completed envelopes carry the given
// source name.
func NewProducer(cfg config.KafkaConfig, source string) *Producer {
	return &Producer{cfg: cfg, source: source}
}

// NewProducerWithWriter wires an explicit writer; used by tests.
func NewProducerWithWriter(w Writer, source string) *Producer {
	return &Producer{writer: w, source: source}
}

func (p *Producer) connect() (Writer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("producer is closed")
	}
	if p.writer != nil {
		return p.writer, nil
	}
	transport, err := newTransport(p.cfg)
	if err != nil {
		return nil, err
	}
	// Leave Topic unset so each message routes itself; setting both the
	// writer topic and the message topic is rejected by kafka-go.
	p.writer = &kafka.Writer{
		Addr:         kafka.TCP(p.cfg.BrokerList()...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  5,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: p.cfg.RequestTimeout,
		Transport:    transport,
	}
	return p.writer, nil
}

func newTransport(cfg config.KafkaConfig) (*kafka.Transport, error) {
	tr := &kafka.Transport{
		ClientID:    cfg.ClientID,
		DialTimeout: cfg.ConnectTimeout,
	}
	if cfg.SSL {
		tr.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	mech, err := saslMechanism(cfg)
	if err != nil {
		return nil, err
	}
	tr.SASL = mech
	return tr, nil
}

func saslMechanism(cfg config.KafkaConfig) (sasl.Mechanism, error) {
	switch strings.ToUpper(strings.TrimSpace(cfg.SASLMechanism)) {
	case "":
		return nil, nil
	case "PLAIN":
		return plain.Mechanism{Username: cfg.SASLUsername, Password: cfg.SASLPassword}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, cfg.SASLUsername, cfg.SASLPassword)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, cfg.SASLUsername, cfg.SASLPassword)
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism %q", cfg.SASLMechanism)
	}
}

// SendOne publishes a single envelope to the topic.
func (p *Producer) SendOne(ctx context.Context, topicName string, env Envelope) error {
	return p.SendBatch(ctx, topicName, []Envelope{env})
}

// SendKeyed publishes with an explicit partition key, overriding the
// organizationId/id derivation.
func (p *Producer) SendKeyed(ctx context.Context, topicName, key string, env Envelope) error {
	w, err := p.connect()
	if err != nil {
		return err
	}
	complete(&env, p.source)
	msg, err := p.message(topicName, key, env)
	if err != nil {
		return err
	}
	return p.write(ctx, w, topicName, msg)
}

// SendBatch publishes envelopes in one write. Serialization failures return
// before any publish attempt.
func (p *Producer) SendBatch(ctx context.Context, topicName string, envs []Envelope) error {
	if len(envs) == 0 {
		return nil
	}
	w, err := p.connect()
	if err != nil {
		return err
	}
	msgs := make([]kafka.Message, 0, len(envs))
	for i := range envs {
		complete(&envs[i], p.source)
		msg, err := p.message(topicName, "", envs[i])
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	return p.write(ctx, w, topicName, msgs...)
}

// SendToOrganizationTopic routes to the tenant-scoped topic base.<orgId>.
func (p *Producer) SendToOrganizationTopic(ctx context.Context, base, organizationID string, env Envelope) error {
	if env.Metadata.OrganizationID == "" {
		env.Metadata.OrganizationID = organizationID
	}
	return p.SendOne(ctx, OrganizationTopic(base, organizationID), env)
}

// SendToDLQ publishes a dead-letter record for the envelope to
// dlq.<originalTopic>. attemptCount is the number of completed delivery
// attempts including the one that failed; the stored record carries it
// unchanged and the triage handler compares it directly.
func (p *Producer) SendToDLQ(ctx context.Context, originalTopic string, env Envelope, cause error, attemptCount int) error {
	w, err := p.connect()
	if err != nil {
		return err
	}
	rec := DLQMessage{
		OriginalTopic:    originalTopic,
		OriginalEnvelope: env,
		Error:            NewErrorInfo(cause),
		AttemptCount:     attemptCount,
		DLQTimestamp:     time.Now().UTC(),
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal dlq record: %w", err)
	}
	headers := append(env.Headers(), kafka.Header{
		Key:   HeaderRetryAttempt,
		Value: []byte(strconv.Itoa(attemptCount)),
	})
	msg := kafka.Message{
		Topic:   DLQTopic(originalTopic),
		Key:     []byte(env.PartitionKey()),
		Value:   value,
		Headers: headers,
	}
	return p.write(ctx, w, msg.Topic, msg)
}

// SendRaw publishes a pre-serialized value. Used for records that are not
// envelopes, such as manual-review and quarantine entries.
func (p *Producer) SendRaw(ctx context.Context, topicName, key string, value []byte, headers ...kafka.Header) error {
	w, err := p.connect()
	if err != nil {
		return err
	}
	return p.write(ctx, w, topicName, kafka.Message{
		Topic:   topicName,
		Key:     []byte(key),
		Value:   value,
		Headers: headers,
	})
}

func (p *Producer) message(topicName, key string, env Envelope) (kafka.Message, error) {
	value, err := json.Marshal(env)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal envelope %s: %w", env.ID, err)
	}
	if key == "" {
		key = env.PartitionKey()
	}
	return kafka.Message{
		Topic:   topicName,
		Key:     []byte(key),
		Value:   value,
		Headers: env.Headers(),
	}, nil
}

func (p *Producer) write(ctx context.Context, w Writer, topicName string, msgs ...kafka.Message) error {
	if err := w.WriteMessages(ctx, msgs...); err != nil {
		observability.LoggerWithTrace(ctx).Error().Err(err).Str("topic", topicName).Int("messages", len(msgs)).Msg("kafka write failed")
		return fmt.Errorf("write %d message(s) to %s: %w", len(msgs), topicName, err)
	}
	return nil
}

// Close shuts the underlying writer down. Safe to call repeatedly and
// before the first send.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
