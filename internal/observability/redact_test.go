package observability

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactJSON(t *testing.T) {
	t.Parallel()
	in := json.RawMessage(`{"secretKey":"hunter2","nested":{"authorization":"Bearer abc","name":"ok"},"list":[{"password":"x"}]}`)
	out := RedactJSON(in)

	var v map[string]any
	assert.NoError(t, json.Unmarshal(out, &v))
	assert.Equal(t, "[REDACTED]", v["secretKey"])
	nested := v["nested"].(map[string]any)
	assert.Equal(t, "[REDACTED]", nested["authorization"])
	assert.Equal(t, "ok", nested["name"])
	list := v["list"].([]any)
	assert.Equal(t, "[REDACTED]", list[0].(map[string]any)["password"])
}

func TestRedactJSONPassesThroughInvalid(t *testing.T) {
	t.Parallel()
	in := json.RawMessage(`not json`)
	assert.Equal(t, in, RedactJSON(in))
	assert.Empty(t, RedactJSON(nil))
}
