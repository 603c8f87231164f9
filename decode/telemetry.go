// Package decode parses raw record payloads into typed events. Decode
// failures are deterministic: a payload that fails today fails identically on
// redelivery, so rejected records are skipped, never retried.
package decode

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/c360/streamsink/docstore"
	"github.com/c360/streamsink/errors"
)

// Event is a decoded telemetry record ready for the sink.
type Event struct {
	// RecordID is the idempotency key for the store upsert. Stable across
	// redelivery of the same logical event.
	RecordID string

	// Attributes are the record's fields, persisted verbatim.
	Attributes map[string]any

	// SourcePartition and SourceOffset locate the raw record in the log.
	SourcePartition int
	SourceOffset    uint64

	// SynthesizedID is true when the payload carried no id and RecordID was
	// derived from content.
	SynthesizedID bool
}

// Document returns the event as a store document, with RecordID as "id".
func (e Event) Document() docstore.Document {
	doc := make(docstore.Document, len(e.Attributes)+1)
	for k, v := range e.Attributes {
		doc[k] = v
	}
	doc["id"] = e.RecordID
	return doc
}

// TelemetryDecoder decodes flat telemetry records for one stream type.
type TelemetryDecoder struct {
	// partitionKeyField is the field every record must carry (e.g.
	// "MachineID").
	partitionKeyField string
}

// NewTelemetryDecoder creates a decoder for records partitioned by the given
// field name.
func NewTelemetryDecoder(partitionKeyField string) *TelemetryDecoder {
	return &TelemetryDecoder{partitionKeyField: partitionKeyField}
}

// Decode parses a raw payload into an Event.
//
// A payload that is not a JSON object is rejected as malformed. A record
// missing its partition-key field is rejected as schema-invalid: the store
// cannot place it. A record missing "id" gets a deterministic id synthesized
// from its content, so redelivery of the same payload still upserts the same
// document.
func (d *TelemetryDecoder) Decode(payload []byte, partition int, offset uint64) (Event, error) {
	var attrs map[string]any
	if err := json.Unmarshal(payload, &attrs); err != nil {
		return Event{}, errors.WrapInvalid(errors.ErrMalformedPayload, "TelemetryDecoder", "Decode",
			fmt.Sprintf("parse payload on partition %d", partition))
	}
	if attrs == nil {
		return Event{}, errors.WrapInvalid(errors.ErrMalformedPayload, "TelemetryDecoder", "Decode",
			"payload is not a JSON object")
	}

	if _, ok := attrs[d.partitionKeyField]; !ok {
		return Event{}, errors.WrapInvalid(errors.ErrSchemaViolation, "TelemetryDecoder", "Decode",
			fmt.Sprintf("record missing partition key field %q", d.partitionKeyField))
	}

	event := Event{
		Attributes:      attrs,
		SourcePartition: partition,
		SourceOffset:    offset,
	}

	if id, ok := attrs["id"].(string); ok && id != "" {
		event.RecordID = id
		return event, nil
	}

	// No usable id: synthesize one from content so the upsert stays
	// idempotent across redelivery.
	id, err := SynthesizeID(attrs)
	if err != nil {
		return Event{}, errors.WrapInvalid(err, "TelemetryDecoder", "Decode", "synthesize record id")
	}
	event.RecordID = id
	event.SynthesizedID = true
	delete(event.Attributes, "id") // drop a present-but-empty id field
	return event, nil
}

// SynthesizeID derives a deterministic record id from a record's content:
// the hex SHA-256 of its canonical JSON form (encoding/json sorts object
// keys, so field order on the wire does not matter). The "id" field itself
// is excluded.
func SynthesizeID(attrs map[string]any) (string, error) {
	canonical := make(map[string]any, len(attrs))
	for k, v := range attrs {
		if k == "id" {
			continue
		}
		canonical[k] = v
	}

	raw, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("canonicalize record: %w", err)
	}

	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
