// Package docstore defines the document store abstraction the ingestion
// pipeline writes into: named databases holding containers, each container
// created with an immutable partition key and an indexing policy that can
// grow composite indexes over time.
//
// The interfaces are deliberately narrow. The pipeline needs upsert-by-id
// semantics (so at-least-once delivery is safe), container provisioning, and
// an indexing policy it can read and extend. Everything else is backend
// detail.
package docstore

import (
	"context"
)

// IndexOrder is the sort direction of a composite index path.
type IndexOrder string

// Composite index sort directions
const (
	Ascending  IndexOrder = "ascending"
	Descending IndexOrder = "descending"
)

// CompositeIndexPath is one path within a composite index.
type CompositeIndexPath struct {
	Path  string     `json:"path"`
	Order IndexOrder `json:"order"`
}

// CompositeIndex is an ordered list of paths forming one composite index.
type CompositeIndex []CompositeIndexPath

// Equal reports whether two composite indexes have identical paths and
// orders in the same sequence.
func (ci CompositeIndex) Equal(other CompositeIndex) bool {
	if len(ci) != len(other) {
		return false
	}
	for i := range ci {
		if ci[i].Path != other[i].Path || ci[i].Order != other[i].Order {
			return false
		}
	}
	return true
}

// IndexingPolicy describes the indexes defined on a container. From the
// provisioner's perspective the composite index list is append-only.
type IndexingPolicy struct {
	CompositeIndexes []CompositeIndex `json:"composite_indexes"`
}

// HasComposite reports whether the policy already contains the given index.
func (p IndexingPolicy) HasComposite(ci CompositeIndex) bool {
	for _, existing := range p.CompositeIndexes {
		if existing.Equal(ci) {
			return true
		}
	}
	return false
}

// Document is a schemaless JSON document. The "id" field is the idempotency
// key; a "_ts" field is set by the store on every write.
type Document map[string]any

// ID returns the document id, if present.
func (d Document) ID() (string, bool) {
	id, ok := d["id"].(string)
	return id, ok && id != ""
}

// ContainerProperties describes a container's configuration.
type ContainerProperties struct {
	Name             string         `json:"name"`
	PartitionKeyPath string         `json:"partition_key_path"`
	IndexingPolicy   IndexingPolicy `json:"indexing_policy"`
}

// Store is the top-level handle to a document store backend.
type Store interface {
	// EnsureDatabase creates the database if absent and returns a handle.
	// Safe to call repeatedly.
	EnsureDatabase(ctx context.Context, name string) (Database, error)

	// Database returns a handle to an existing database or
	// errors.ErrDatabaseNotFound.
	Database(ctx context.Context, name string) (Database, error)

	// Close releases backend resources.
	Close() error
}

// Database holds named containers.
type Database interface {
	// Name returns the database name.
	Name() string

	// EnsureContainer creates the container if absent. If the container
	// exists with a different partition key path the call fails with
	// errors.ErrPartitionKeyMismatch; an incompatible change requires a new
	// container. An existing container's indexing policy is left untouched.
	EnsureContainer(ctx context.Context, props ContainerProperties) (Container, error)

	// Container returns a handle to an existing container or
	// errors.ErrContainerNotFound.
	Container(ctx context.Context, name string) (Container, error)
}

// Container is a partitioned collection of documents.
type Container interface {
	// Properties returns the container's current configuration, including
	// its indexing policy.
	Properties(ctx context.Context) (ContainerProperties, error)

	// ReplaceIndexingPolicy replaces the container's indexing policy. Last
	// writer wins; callers extending the policy must read-modify-write.
	ReplaceIndexingPolicy(ctx context.Context, policy IndexingPolicy) error

	// Upsert writes the document keyed by its "id" field, overwriting any
	// previous version without error. The store stamps "_ts" with the write
	// time (unix seconds).
	Upsert(ctx context.Context, doc Document) error

	// Get returns the document with the given id or
	// errors.ErrDocumentNotFound.
	Get(ctx context.Context, id string) (Document, error)

	// QueryByPartitionKey returns up to limit documents whose partition key
	// equals value, most recently written first. limit <= 0 means no limit.
	QueryByPartitionKey(ctx context.Context, value string, limit int) ([]Document, error)

	// Count returns the number of documents in the container.
	Count(ctx context.Context) (int, error)
}
