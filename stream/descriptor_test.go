package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streamsink/docstore"
	"github.com/c360/streamsink/errors"
)

func TestLookupKnownTypes(t *testing.T) {
	tests := []struct {
		streamType Type
		collection string
		pkPath     string
	}{
		{TypeSCADA, "scada_events", "/MachineID"},
		{TypePLC, "plc_events", "/plcId"},
		{TypeGPS, "gps_events", "/deviceId"},
	}

	for _, tt := range tests {
		t.Run(string(tt.streamType), func(t *testing.T) {
			d, err := Lookup(tt.streamType)
			require.NoError(t, err)
			assert.Equal(t, tt.collection, d.Collection)
			assert.Equal(t, tt.pkPath, d.PartitionKeyPath)

			require.Len(t, d.RequiredCompositeIndexes, 1)
			idx := d.RequiredCompositeIndexes[0]
			require.Len(t, idx, 2)
			assert.Equal(t, tt.pkPath, idx[0].Path)
			assert.Equal(t, docstore.Ascending, idx[0].Order)
			assert.Equal(t, "/_ts", idx[1].Path)
			assert.Equal(t, docstore.Descending, idx[1].Order)
		})
	}
}

func TestLookupUnknownType(t *testing.T) {
	_, err := Lookup(Type("mqtt"))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestPartitionKeyField(t *testing.T) {
	d, err := Lookup(TypeSCADA)
	require.NoError(t, err)
	assert.Equal(t, "MachineID", d.PartitionKeyField())
}

func TestSelect(t *testing.T) {
	ds, err := Select(TypeAll)
	require.NoError(t, err)
	assert.Len(t, ds, 3)

	ds, err = Select(TypeGPS)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, TypeGPS, ds[0].Type)

	_, err = Select(Type("nope"))
	assert.Error(t, err)
}

func TestParseType(t *testing.T) {
	got, err := ParseType("  SCADA ")
	require.NoError(t, err)
	assert.Equal(t, TypeSCADA, got)

	got, err = ParseType("all")
	require.NoError(t, err)
	assert.Equal(t, TypeAll, got)

	_, err = ParseType("")
	assert.Error(t, err)
}
