package decode

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/streamsink/errors"
)

// Header is the transport-level header every control message carries.
type Header struct {
	MessageID          string  `json:"message_id"`
	MessageType        string  `json:"message_type"`
	SourceAgentID      string  `json:"source_agent_id"`
	DestinationAgentID *string `json:"destination_agent_id,omitempty"`
	CorrelationID      *string `json:"correlation_id,omitempty"`
	TimestampUTC       string  `json:"timestamp_utc"`
}

// Envelope is the wire format of inter-agent control messages: a fixed
// header plus a payload whose shape depends on the message type.
type Envelope struct {
	Header  Header          `json:"header"`
	Payload json.RawMessage `json:"payload"`
}

// RegisterPayload is the payload of "agent.register" messages.
type RegisterPayload struct {
	AgentID      string   `json:"agent_id"`
	AgentType    string   `json:"agent_type"`
	Capabilities []string `json:"capabilities"`
}

// MessageTypeRegister is the registration message type.
const MessageTypeRegister = "agent.register"

// envelopeSchema validates the fixed envelope shape. Payload shapes are
// validated per message type by the handlers; an unknown message type is a
// forward-compatibility no-op, not a schema error.
const envelopeSchema = `{
  "type": "object",
  "required": ["header", "payload"],
  "properties": {
    "header": {
      "type": "object",
      "required": ["message_id", "message_type", "source_agent_id", "timestamp_utc"],
      "properties": {
        "message_id": {"type": "string", "minLength": 1},
        "message_type": {"type": "string", "minLength": 1},
        "source_agent_id": {"type": "string", "minLength": 1},
        "destination_agent_id": {"type": ["string", "null"]},
        "correlation_id": {"type": ["string", "null"]},
        "timestamp_utc": {"type": "string", "minLength": 1}
      }
    },
    "payload": {"type": "object"}
  }
}`

var compiledEnvelopeSchema = gojsonschema.NewStringLoader(envelopeSchema)

// DecodeEnvelope parses and validates a control-message envelope.
// Unparseable bytes are malformed; parseable JSON that violates the envelope
// schema is schema-invalid. Both are permanent rejections.
func DecodeEnvelope(payload []byte) (*Envelope, error) {
	var probe any
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil, errors.WrapInvalid(errors.ErrMalformedPayload, "Envelope", "DecodeEnvelope", "parse message")
	}

	result, err := gojsonschema.Validate(compiledEnvelopeSchema, gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return nil, errors.WrapInvalid(errors.ErrMalformedPayload, "Envelope", "DecodeEnvelope", "validate message")
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			details = append(details, e.String())
		}
		return nil, errors.WrapInvalid(errors.ErrSchemaViolation, "Envelope", "DecodeEnvelope",
			strings.Join(details, "; "))
	}

	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, errors.WrapInvalid(errors.ErrMalformedPayload, "Envelope", "DecodeEnvelope", "decode envelope")
	}
	return &env, nil
}

// RegisterPayload decodes the envelope's payload as a registration. Valid
// only for MessageTypeRegister envelopes.
func (e *Envelope) RegisterPayload() (RegisterPayload, error) {
	if e.Header.MessageType != MessageTypeRegister {
		return RegisterPayload{}, errors.WrapInvalid(errors.ErrUnknownType, "Envelope", "RegisterPayload",
			fmt.Sprintf("message type %q is not %s", e.Header.MessageType, MessageTypeRegister))
	}

	var p RegisterPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return RegisterPayload{}, errors.WrapInvalid(errors.ErrSchemaViolation, "Envelope", "RegisterPayload",
			"decode registration payload")
	}
	if p.AgentID == "" || p.AgentType == "" {
		return RegisterPayload{}, errors.WrapInvalid(errors.ErrSchemaViolation, "Envelope", "RegisterPayload",
			"registration missing agent_id or agent_type")
	}
	return p, nil
}

// NewEnvelope builds an outbound envelope with a fresh message id and the
// current timestamp.
func NewEnvelope(messageType, sourceAgentID string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Envelope", "NewEnvelope", "encode payload")
	}
	return &Envelope{
		Header: Header{
			MessageID:     uuid.NewString(),
			MessageType:   messageType,
			SourceAgentID: sourceAgentID,
			TimestampUTC:  time.Now().UTC().Format(time.RFC3339Nano),
		},
		Payload: raw,
	}, nil
}

// Encode serializes the envelope for transport.
func (e *Envelope) Encode() ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Envelope", "Encode", "encode envelope")
	}
	return raw, nil
}
