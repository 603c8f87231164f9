// Package stream defines the static descriptors of the telemetry streams the
// processor can ingest. One descriptor per stream type, loaded once at
// startup; descriptors are immutable.
package stream

import (
	"fmt"
	"strings"

	"github.com/c360/streamsink/docstore"
	"github.com/c360/streamsink/errors"
)

// Type identifies a supported stream type.
type Type string

// Supported stream types
const (
	TypeSCADA Type = "scada"
	TypePLC   Type = "plc"
	TypeGPS   Type = "gps"
)

// TypeAll selects every descriptor; it is a CLI convenience, not a
// descriptor of its own.
const TypeAll Type = "all"

// Descriptor is the static configuration of one stream type: where its
// records arrive, where they land, and what schema the target container
// needs before consumption may start.
type Descriptor struct {
	// Type is the stream type this descriptor configures.
	Type Type

	// Topic is the transport topic the stream's records arrive on.
	Topic string

	// Collection is the store container the records are persisted into.
	Collection string

	// PartitionKeyPath is the container partition key (e.g. "/MachineID").
	// Every record must carry the named field.
	PartitionKeyPath string

	// RequiredCompositeIndexes are the composite indexes the container must
	// define before consumption starts.
	RequiredCompositeIndexes []docstore.CompositeIndex
}

// PartitionKeyField returns the document field name of the partition key
// (the path without its leading slash).
func (d Descriptor) PartitionKeyField() string {
	return strings.TrimPrefix(d.PartitionKeyPath, "/")
}

// descriptor builds the standard descriptor shape shared by all stream
// types: one composite index on (partition key asc, _ts desc).
func descriptor(t Type, topic, collection, pkPath string) Descriptor {
	return Descriptor{
		Type:             t,
		Topic:            topic,
		Collection:       collection,
		PartitionKeyPath: pkPath,
		RequiredCompositeIndexes: []docstore.CompositeIndex{
			{
				{Path: pkPath, Order: docstore.Ascending},
				{Path: "/_ts", Order: docstore.Descending},
			},
		},
	}
}

// descriptors is the closed table of supported stream types.
var descriptors = map[Type]Descriptor{
	TypeSCADA: descriptor(TypeSCADA, "scada-events", "scada_events", "/MachineID"),
	TypePLC:   descriptor(TypePLC, "plc-events", "plc_events", "/plcId"),
	TypeGPS:   descriptor(TypeGPS, "gps-events", "gps_events", "/deviceId"),
}

// Lookup returns the descriptor for a stream type.
func Lookup(t Type) (Descriptor, error) {
	d, ok := descriptors[t]
	if !ok {
		return Descriptor{}, errors.WrapInvalid(
			fmt.Errorf("unknown stream type %q (valid: %s)", t, strings.Join(TypeNames(), ", ")),
			"stream", "Lookup", "resolve descriptor")
	}
	return d, nil
}

// All returns every descriptor in stable order.
func All() []Descriptor {
	return []Descriptor{
		descriptors[TypeSCADA],
		descriptors[TypePLC],
		descriptors[TypeGPS],
	}
}

// Select resolves a CLI stream-type argument into the descriptors to run:
// a single descriptor, or all of them for TypeAll.
func Select(t Type) ([]Descriptor, error) {
	if t == TypeAll {
		return All(), nil
	}
	d, err := Lookup(t)
	if err != nil {
		return nil, err
	}
	return []Descriptor{d}, nil
}

// TypeNames returns the valid stream type names, for CLI help and errors.
func TypeNames() []string {
	return []string{string(TypeSCADA), string(TypePLC), string(TypeGPS), string(TypeAll)}
}

// ParseType validates a raw stream-type string.
func ParseType(raw string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(raw)))
	switch t {
	case TypeSCADA, TypePLC, TypeGPS, TypeAll:
		return t, nil
	default:
		return "", errors.WrapInvalid(
			fmt.Errorf("invalid stream type %q (valid: %s)", raw, strings.Join(TypeNames(), ", ")),
			"stream", "ParseType", "parse stream type")
	}
}
