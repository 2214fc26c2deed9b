package bus

import (
	"encoding/json"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	t.Parallel()
	env, err := NewEnvelope("employee.onboard", map[string]any{"employeeId": "e-1"})
	require.NoError(t, err)
	complete(&env, "webhook-gateway")
	env.Metadata.OrganizationID = "org-1"
	env.Metadata.EmployeeID = "e-1"

	data, err := json.Marshal(env)
	require.NoError(t, err)
	decoded, err := DecodeEnvelope(data)
	require.NoError(t, err)

	assert.Equal(t, env.ID, decoded.ID)
	assert.Equal(t, env.Type, decoded.Type)
	assert.Equal(t, env.Metadata.CorrelationID, decoded.Metadata.CorrelationID)
	assert.JSONEq(t, string(env.Payload), string(decoded.Payload))
}

func TestCompleteGeneratesIdentifiers(t *testing.T) {
	t.Parallel()
	env := Envelope{Type: "employee.update"}
	complete(&env, "hrms-poller")

	assert.NotEmpty(t, env.ID)
	assert.NotEmpty(t, env.Metadata.CorrelationID)
	assert.Equal(t, "hrms-poller", env.Metadata.Source)
	assert.Equal(t, "1.0", env.Metadata.Version)
	assert.False(t, env.Metadata.Timestamp.IsZero())

	// Explicit values survive completion.
	env2 := Envelope{ID: "fixed", Type: "employee.update", Metadata: Metadata{CorrelationID: "corr", Source: "dlq-reprocessor"}}
	complete(&env2, "hrms-poller")
	assert.Equal(t, "fixed", env2.ID)
	assert.Equal(t, "corr", env2.Metadata.CorrelationID)
	assert.Equal(t, "dlq-reprocessor", env2.Metadata.Source)
}

func TestPartitionKeyPrefersOrganization(t *testing.T) {
	t.Parallel()
	env := Envelope{ID: "id-1"}
	assert.Equal(t, "id-1", env.PartitionKey())
	env.Metadata.OrganizationID = "org-9"
	assert.Equal(t, "org-9", env.PartitionKey())
}

func TestHeadersMirrorMetadata(t *testing.T) {
	t.Parallel()
	env := Envelope{
		ID:   "id-1",
		Type: "employee.exit",
		Metadata: Metadata{
			CorrelationID:  "corr-1",
			Source:         "webhook-gateway",
			Version:        "1.0",
			OrganizationID: "org-1",
			EmployeeID:     "e-1",
		},
	}
	hs := env.Headers()
	byKey := make(map[string]string, len(hs))
	for _, h := range hs {
		byKey[h.Key] = string(h.Value)
	}
	assert.Equal(t, "corr-1", byKey[HeaderCorrelationID])
	assert.Equal(t, "employee.exit", byKey[HeaderMessageType])
	assert.Equal(t, "webhook-gateway", byKey[HeaderSource])
	assert.Equal(t, "1.0", byKey[HeaderVersion])
	assert.Equal(t, "org-1", byKey[HeaderOrganizationID])
	assert.Equal(t, "e-1", byKey[HeaderEmployeeID])
}

func TestAttemptFromHeaders(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 0, attemptFromHeaders(kafka.Message{}))
	msg := kafka.Message{Headers: []kafka.Header{{Key: HeaderRetryAttempt, Value: []byte("2")}}}
	assert.Equal(t, 2, attemptFromHeaders(msg))
	bad := kafka.Message{Headers: []kafka.Header{{Key: HeaderRetryAttempt, Value: []byte("x")}}}
	assert.Equal(t, 0, attemptFromHeaders(bad))
}

func TestPayloadRegistryUnhandled(t *testing.T) {
	t.Parallel()
	type onboard struct {
		EmployeeID string `json:"employeeId"`
	}
	reg := NewPayloadRegistry()
	reg.Register("employee.onboard", func() any { return &onboard{} })

	env, err := NewEnvelope("employee.onboard", onboard{EmployeeID: "e-7"})
	require.NoError(t, err)
	v, err := reg.Decode(env)
	require.NoError(t, err)
	assert.Equal(t, &onboard{EmployeeID: "e-7"}, v)

	unknown, err := NewEnvelope("employee.mystery", map[string]any{"a": 1})
	require.NoError(t, err)
	v, err = reg.Decode(unknown)
	require.NoError(t, err)
	u, ok := v.(Unhandled)
	require.True(t, ok)
	assert.Equal(t, "employee.mystery", u.Type)
	assert.JSONEq(t, `{"a":1}`, string(u.Raw))
}
