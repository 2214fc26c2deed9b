package bus

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// Metadata travels with every envelope. CorrelationID is stable across the
// causal chain and is never rewritten in transit; only child contexts are
// spawned from it.
type Metadata struct {
	CorrelationID  string    `json:"correlationId"`
	Timestamp      time.Time `json:"timestamp"`
	Source         string    `json:"source"`
	Version        string    `json:"version"`
	OrganizationID string    `json:"organizationId,omitempty"`
	EmployeeID     string    `json:"employeeId,omitempty"`
}

// Envelope is the unit transported over the bus. It is immutable once
// produced; the ID is globally unique and never reused.
type Envelope struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Metadata Metadata        `json:"metadata"`
	Payload  json.RawMessage `json:"payload"`
}

// NewEnvelope builds an envelope for the given routing type, serializing the
// payload immediately so serialization failures surface before any publish
// attempt.
func NewEnvelope(eventType string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal payload for %q: %w", eventType, err)
	}
	return Envelope{Type: eventType, Payload: raw}, nil
}

// PartitionKey is organizationId when present so all events for one tenant
// land in one partition, else the envelope id.
func (e Envelope) PartitionKey() string {
	if e.Metadata.OrganizationID != "" {
		return e.Metadata.OrganizationID
	}
	return e.ID
}

// Header names mirrored from metadata for broker-side filtering.
const (
	HeaderCorrelationID  = "correlation-id"
	HeaderMessageType    = "message-type"
	HeaderSource         = "source"
	HeaderVersion        = "version"
	HeaderOrganizationID = "organization-id"
	HeaderEmployeeID     = "employee-id"
	HeaderRetryAttempt   = "retry-attempt"
)

// Headers mirrors envelope metadata into Kafka headers.
func (e Envelope) Headers() []kafka.Header {
	hs := []kafka.Header{
		{Key: HeaderCorrelationID, Value: []byte(e.Metadata.CorrelationID)},
		{Key: HeaderMessageType, Value: []byte(e.Type)},
		{Key: HeaderSource, Value: []byte(e.Metadata.Source)},
		{Key: HeaderVersion, Value: []byte(e.Metadata.Version)},
	}
	if e.Metadata.OrganizationID != "" {
		hs = append(hs, kafka.Header{Key: HeaderOrganizationID, Value: []byte(e.Metadata.OrganizationID)})
	}
	if e.Metadata.EmployeeID != "" {
		hs = append(hs, kafka.Header{Key: HeaderEmployeeID, Value: []byte(e.Metadata.EmployeeID)})
	}
	return hs
}

// DecodeEnvelope parses an envelope from its wire form.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// headerValue returns the value of the named header, or "".
func headerValue(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// attemptFromHeaders reads the retry-attempt header; absent or malformed
// values count as attempt 0.
func attemptFromHeaders(msg kafka.Message) int {
	v := headerValue(msg, HeaderRetryAttempt)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// complete fills in the generated fields of an envelope prior to publish.
// Explicit id, correlation id, source and version values already present on
// the envelope are preserved; the timestamp is always set to now.
func complete(env *Envelope, source string) {
	if env.ID == "" {
		env.ID = uuid.New().String()
	}
	if env.Metadata.CorrelationID == "" {
		env.Metadata.CorrelationID = uuid.New().String()
	}
	env.Metadata.Timestamp = time.Now().UTC()
	if env.Metadata.Source == "" {
		env.Metadata.Source = source
	}
	if env.Metadata.Version == "" {
		env.Metadata.Version = "1.0"
	}
}

// Unhandled carries the raw payload of an envelope whose type has no
// registered decoder. It is a first-class value so consumers can route or
// log unknown types without losing bytes.
type Unhandled struct {
	Type string
	Raw  json.RawMessage
}

// PayloadRegistry maps envelope types to payload constructors. The registry
// is populated at startup and read-only afterwards.
type PayloadRegistry struct {
	mu    sync.RWMutex
	ctors map[string]func() any
}

// NewPayloadRegistry returns an empty registry.
func NewPayloadRegistry() *PayloadRegistry {
	return &PayloadRegistry{ctors: make(map[string]func() any)}
}

// Register associates an envelope type with a payload constructor.
func (r *PayloadRegistry) Register(eventType string, ctor func() any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[eventType] = ctor
}

// Decode returns the typed payload for the envelope, or an Unhandled value
// when no constructor is registered for its type.
func (r *PayloadRegistry) Decode(env Envelope) (any, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[env.Type]
	r.mu.RUnlock()
	if !ok {
		return Unhandled{Type: env.Type, Raw: env.Payload}, nil
	}
	v := ctor()
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return nil, fmt.Errorf("decode %q payload: %w", env.Type, err)
	}
	return v, nil
}
