package decode

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streamsink/errors"
)

func validRegisterMessage() []byte {
	return []byte(`{
		"header": {
			"message_id": "6f1c2a34-9a1b-4c1d-8e2f-000000000001",
			"message_type": "agent.register",
			"source_agent_id": "agent-1",
			"destination_agent_id": null,
			"correlation_id": null,
			"timestamp_utc": "2025-06-01T12:00:00Z"
		},
		"payload": {
			"agent_id": "agent-1",
			"agent_type": "telemetry",
			"capabilities": ["x", "y"]
		}
	}`)
}

func TestDecodeEnvelopeValid(t *testing.T) {
	env, err := DecodeEnvelope(validRegisterMessage())
	require.NoError(t, err)
	assert.Equal(t, MessageTypeRegister, env.Header.MessageType)
	assert.Equal(t, "agent-1", env.Header.SourceAgentID)

	p, err := env.RegisterPayload()
	require.NoError(t, err)
	assert.Equal(t, "agent-1", p.AgentID)
	assert.Equal(t, []string{"x", "y"}, p.Capabilities)
}

func TestDecodeEnvelopeMalformed(t *testing.T) {
	_, err := DecodeEnvelope([]byte("{{{"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMalformedPayload)
}

func TestDecodeEnvelopeMissingHeaderFields(t *testing.T) {
	payload := []byte(`{
		"header": {"message_type": "agent.register"},
		"payload": {}
	}`)
	_, err := DecodeEnvelope(payload)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrSchemaViolation)
}

func TestDecodeEnvelopeUnknownTypePassesSchema(t *testing.T) {
	payload := []byte(`{
		"header": {
			"message_id": "m1",
			"message_type": "agent.future-feature",
			"source_agent_id": "agent-9",
			"timestamp_utc": "2025-06-01T12:00:00Z"
		},
		"payload": {"anything": true}
	}`)

	// Unknown message types are not schema errors; dropping them is the
	// handler's decision.
	env, err := DecodeEnvelope(payload)
	require.NoError(t, err)
	assert.Equal(t, "agent.future-feature", env.Header.MessageType)

	_, err = env.RegisterPayload()
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUnknownType)
}

func TestRegisterPayloadMissingFields(t *testing.T) {
	env, err := DecodeEnvelope(validRegisterMessage())
	require.NoError(t, err)

	env.Payload = json.RawMessage(`{"agent_type": "telemetry"}`)
	_, err = env.RegisterPayload()
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrSchemaViolation)
}

func TestNewEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope("agent.register.ack", "registry", map[string]any{"agent_id": "a1"})
	require.NoError(t, err)
	assert.NotEmpty(t, env.Header.MessageID)
	assert.NotEmpty(t, env.Header.TimestampUTC)

	raw, err := env.Encode()
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, env.Header.MessageID, decoded.Header.MessageID)
	assert.Equal(t, "agent.register.ack", decoded.Header.MessageType)
}
