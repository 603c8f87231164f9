package decode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streamsink/errors"
)

func TestDecodeValidRecord(t *testing.T) {
	d := NewTelemetryDecoder("MachineID")

	event, err := d.Decode([]byte(`{"id":"e1","MachineID":"M1","temperature":42.0}`), 2, 17)
	require.NoError(t, err)
	assert.Equal(t, "e1", event.RecordID)
	assert.False(t, event.SynthesizedID)
	assert.Equal(t, 2, event.SourcePartition)
	assert.Equal(t, uint64(17), event.SourceOffset)
	assert.Equal(t, "M1", event.Attributes["MachineID"])
	assert.Equal(t, 42.0, event.Attributes["temperature"])
}

func TestDecodeMalformedPayload(t *testing.T) {
	d := NewTelemetryDecoder("MachineID")

	for _, payload := range []string{"not json", `"just a string"`, `[1,2,3]`, `null`, ``} {
		_, err := d.Decode([]byte(payload), 0, 0)
		require.Error(t, err, "payload %q", payload)
		assert.ErrorIs(t, err, errors.ErrMalformedPayload, "payload %q", payload)
		assert.True(t, errors.IsInvalid(err))
	}
}

func TestDecodeMissingPartitionKey(t *testing.T) {
	d := NewTelemetryDecoder("MachineID")

	_, err := d.Decode([]byte(`{"id":"e1","temperature":42.0}`), 0, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrSchemaViolation)
}

func TestDecodeSynthesizesMissingID(t *testing.T) {
	d := NewTelemetryDecoder("MachineID")

	e1, err := d.Decode([]byte(`{"MachineID":"M1","temperature":42.0}`), 0, 5)
	require.NoError(t, err)
	assert.True(t, e1.SynthesizedID)
	assert.NotEmpty(t, e1.RecordID)

	// Same content, different field order, redelivered at a different
	// offset: same synthesized id.
	e2, err := d.Decode([]byte(`{"temperature":42.0,"MachineID":"M1"}`), 1, 99)
	require.NoError(t, err)
	assert.Equal(t, e1.RecordID, e2.RecordID)

	// Different content: different id.
	e3, err := d.Decode([]byte(`{"MachineID":"M1","temperature":43.0}`), 0, 6)
	require.NoError(t, err)
	assert.NotEqual(t, e1.RecordID, e3.RecordID)
}

func TestDecodeEmptyIDTreatedAsMissing(t *testing.T) {
	d := NewTelemetryDecoder("MachineID")

	event, err := d.Decode([]byte(`{"id":"","MachineID":"M1"}`), 0, 0)
	require.NoError(t, err)
	assert.True(t, event.SynthesizedID)
	assert.NotEmpty(t, event.RecordID)
}

func TestEventDocument(t *testing.T) {
	d := NewTelemetryDecoder("MachineID")

	event, err := d.Decode([]byte(`{"id":"e1","MachineID":"M1","temperature":42.0}`), 0, 0)
	require.NoError(t, err)

	doc := event.Document()
	assert.Equal(t, "e1", doc["id"])
	assert.Equal(t, "M1", doc["MachineID"])
}

func TestSynthesizeIDExcludesIDField(t *testing.T) {
	a := map[string]any{"MachineID": "M1", "temperature": 42.0}
	b := map[string]any{"id": "", "MachineID": "M1", "temperature": 42.0}

	idA, err := SynthesizeID(a)
	require.NoError(t, err)
	idB, err := SynthesizeID(b)
	require.NoError(t, err)
	assert.Equal(t, idA, idB)
}
