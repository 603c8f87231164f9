package pebbledoc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streamsink/docstore"
	"github.com/c360/streamsink/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func scadaProps() docstore.ContainerProperties {
	return docstore.ContainerProperties{
		Name:             "scada_events",
		PartitionKeyPath: "/MachineID",
		IndexingPolicy: docstore.IndexingPolicy{
			CompositeIndexes: []docstore.CompositeIndex{
				{
					{Path: "/MachineID", Order: docstore.Ascending},
					{Path: "/_ts", Order: docstore.Descending},
				},
			},
		},
	}
}

func TestOpenRequiresDataDir(t *testing.T) {
	_, err := Open(Options{})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestEnsureDatabaseIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	db1, err := s.EnsureDatabase(ctx, "telemetry")
	require.NoError(t, err)
	db2, err := s.EnsureDatabase(ctx, "telemetry")
	require.NoError(t, err)
	assert.Equal(t, db1.Name(), db2.Name())

	_, err = s.Database(ctx, "telemetry")
	require.NoError(t, err)
}

func TestDatabaseNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Database(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrDatabaseNotFound)
}

func TestEnsureContainerPartitionKeyMismatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	db, err := s.EnsureDatabase(ctx, "telemetry")
	require.NoError(t, err)

	_, err = db.EnsureContainer(ctx, scadaProps())
	require.NoError(t, err)

	// Same name, different partition key: fatal, never silently resolved.
	bad := scadaProps()
	bad.PartitionKeyPath = "/plcId"
	_, err = db.EnsureContainer(ctx, bad)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrPartitionKeyMismatch)
	assert.True(t, errors.IsFatal(err))
}

func TestUpsertIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	db, err := s.EnsureDatabase(ctx, "telemetry")
	require.NoError(t, err)
	c, err := db.EnsureContainer(ctx, scadaProps())
	require.NoError(t, err)

	doc := docstore.Document{"id": "e1", "MachineID": "M1", "temperature": 42.0}
	require.NoError(t, c.Upsert(ctx, doc))
	// Redelivered unchanged: still exactly one stored document.
	require.NoError(t, c.Upsert(ctx, doc))

	n, err := c.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := c.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 42.0, got["temperature"])
	assert.Contains(t, got, "_ts")
}

func TestUpsertOverwritesFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	db, _ := s.EnsureDatabase(ctx, "telemetry")
	c, err := db.EnsureContainer(ctx, scadaProps())
	require.NoError(t, err)

	require.NoError(t, c.Upsert(ctx, docstore.Document{"id": "e1", "MachineID": "M1", "temperature": 42.0}))
	require.NoError(t, c.Upsert(ctx, docstore.Document{"id": "e1", "MachineID": "M1", "temperature": 43.5}))

	got, err := c.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 43.5, got["temperature"])

	n, _ := c.Count(ctx)
	assert.Equal(t, 1, n)
}

func TestUpsertRequiresID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	db, _ := s.EnsureDatabase(ctx, "telemetry")
	c, err := db.EnsureContainer(ctx, scadaProps())
	require.NoError(t, err)

	err = c.Upsert(ctx, docstore.Document{"MachineID": "M1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMissingRecordID)
}

func TestQueryByPartitionKeyUsesIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	db, _ := s.EnsureDatabase(ctx, "telemetry")
	c, err := db.EnsureContainer(ctx, scadaProps())
	require.NoError(t, err)

	require.NoError(t, c.Upsert(ctx, docstore.Document{"id": "e1", "MachineID": "M1", "temperature": 40.0}))
	require.NoError(t, c.Upsert(ctx, docstore.Document{"id": "e2", "MachineID": "M1", "temperature": 41.0}))
	require.NoError(t, c.Upsert(ctx, docstore.Document{"id": "e3", "MachineID": "M2", "temperature": 42.0}))

	docs, err := c.QueryByPartitionKey(ctx, "M1", 0)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	for _, d := range docs {
		assert.Equal(t, "M1", d["MachineID"])
	}

	docs, err = c.QueryByPartitionKey(ctx, "M2", 0)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "e3", docs[0]["id"])

	docs, err = c.QueryByPartitionKey(ctx, "M9", 0)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestQueryByPartitionKeyLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	db, _ := s.EnsureDatabase(ctx, "telemetry")
	c, err := db.EnsureContainer(ctx, scadaProps())
	require.NoError(t, err)

	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, c.Upsert(ctx, docstore.Document{"id": id, "MachineID": "M1"}))
	}

	docs, err := c.QueryByPartitionKey(ctx, "M1", 2)
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestQueryFallsBackToScanWithoutIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	props := scadaProps()
	props.IndexingPolicy = docstore.IndexingPolicy{}

	db, _ := s.EnsureDatabase(ctx, "telemetry")
	c, err := db.EnsureContainer(ctx, props)
	require.NoError(t, err)

	require.NoError(t, c.Upsert(ctx, docstore.Document{"id": "e1", "MachineID": "M1"}))
	require.NoError(t, c.Upsert(ctx, docstore.Document{"id": "e2", "MachineID": "M2"}))

	docs, err := c.QueryByPartitionKey(ctx, "M1", 0)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "e1", docs[0]["id"])
}

func TestReplaceIndexingPolicyBackfills(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	props := scadaProps()
	props.IndexingPolicy = docstore.IndexingPolicy{}

	db, _ := s.EnsureDatabase(ctx, "telemetry")
	c, err := db.EnsureContainer(ctx, props)
	require.NoError(t, err)

	// Documents written before the index existed.
	require.NoError(t, c.Upsert(ctx, docstore.Document{"id": "e1", "MachineID": "M1"}))
	require.NoError(t, c.Upsert(ctx, docstore.Document{"id": "e2", "MachineID": "M1"}))

	newPolicy := scadaProps().IndexingPolicy
	require.NoError(t, c.ReplaceIndexingPolicy(ctx, newPolicy))

	got, err := c.Properties(ctx)
	require.NoError(t, err)
	require.Len(t, got.IndexingPolicy.CompositeIndexes, 1)

	// The backfilled index serves queries for pre-existing documents.
	docs, err := c.QueryByPartitionKey(ctx, "M1", 0)
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestContainerSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(Options{DataDir: dir})
	require.NoError(t, err)

	db, _ := s.EnsureDatabase(ctx, "telemetry")
	c, err := db.EnsureContainer(ctx, scadaProps())
	require.NoError(t, err)
	require.NoError(t, c.Upsert(ctx, docstore.Document{"id": "e1", "MachineID": "M1"}))
	require.NoError(t, s.Close())

	s2, err := Open(Options{DataDir: dir})
	require.NoError(t, err)
	defer s2.Close()

	db2, err := s2.Database(ctx, "telemetry")
	require.NoError(t, err)
	c2, err := db2.Container(ctx, "scada_events")
	require.NoError(t, err)

	doc, err := c2.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "M1", doc["MachineID"])
}
