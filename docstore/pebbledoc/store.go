// Package pebbledoc implements the docstore interfaces on top of an embedded
// Pebble key-value store. Databases and containers are key prefixes;
// container metadata (partition key, indexing policy) lives in a metadata
// record; composite indexes are materialized as order-preserving index keys
// maintained on every upsert.
package pebbledoc

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/c360/streamsink/docstore"
	"github.com/c360/streamsink/errors"
)

// FsyncMode defines durability behavior for write operations.
type FsyncMode int

const (
	// FsyncAlways requests a WAL fsync on each committed batch. This is the
	// default: the checkpoint manager assumes a successful upsert is durable.
	FsyncAlways FsyncMode = iota
	// FsyncNever leaves WAL syncing to Pebble's own policies. Faster, but a
	// crash may lose acknowledged writes; only safe where redelivery is
	// guaranteed upstream.
	FsyncNever
)

// Options configures the store.
type Options struct {
	// DataDir is the path to the Pebble database directory.
	DataDir string
	// Fsync determines when to sync the WAL.
	Fsync FsyncMode
	// PebbleOptions allows advanced tuning. If nil, defaults are used.
	PebbleOptions *pebble.Options
}

// Store is a Pebble-backed document store.
type Store struct {
	db        *pebble.DB
	writeSync bool

	// mu serializes upserts and policy changes so index maintenance
	// (read old doc, swap index entries) stays consistent.
	mu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// Open creates or opens a Pebble-backed document store.
func Open(opts Options) (*Store, error) {
	if opts.DataDir == "" {
		return nil, errors.WrapInvalid(
			stderrors.New("Options.DataDir is required"),
			"Store", "Open", "validate options")
	}

	po := opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}

	inner, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "Open", "open pebble database")
	}

	return &Store{
		db:        inner,
		writeSync: opts.Fsync == FsyncAlways,
	}, nil
}

// Close closes the underlying Pebble database.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

func (s *Store) writeOpts() *pebble.WriteOptions {
	if s.writeSync {
		return pebble.Sync
	}
	return pebble.NoSync
}

// EnsureDatabase creates the database marker if absent and returns a handle.
func (s *Store) EnsureDatabase(ctx context.Context, name string) (docstore.Database, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := keyDatabaseMeta(name)
	_, closer, err := s.db.Get(key)
	switch {
	case err == nil:
		_ = closer.Close()
	case stderrors.Is(err, pebble.ErrNotFound):
		if err := s.db.Set(key, []byte("{}"), s.writeOpts()); err != nil {
			return nil, errors.WrapTransient(err, "Store", "EnsureDatabase", "write database marker")
		}
	default:
		return nil, errors.WrapTransient(err, "Store", "EnsureDatabase", "read database marker")
	}

	return &database{store: s, name: name}, nil
}

// Database returns a handle to an existing database.
func (s *Store) Database(ctx context.Context, name string) (docstore.Database, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	_, closer, err := s.db.Get(keyDatabaseMeta(name))
	if stderrors.Is(err, pebble.ErrNotFound) {
		return nil, errors.Wrap(errors.ErrDatabaseNotFound, "Store", "Database", "lookup "+name)
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "Database", "read database marker")
	}
	_ = closer.Close()

	return &database{store: s, name: name}, nil
}

type database struct {
	store *Store
	name  string
}

func (d *database) Name() string { return d.name }

// EnsureContainer creates the container if absent. An existing container's
// partition key is immutable; a mismatch is a fatal configuration error.
func (d *database) EnsureContainer(ctx context.Context, props docstore.ContainerProperties) (docstore.Container, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	metaKey := keyContainerMeta(d.name, props.Name)
	existing, err := d.readProperties(metaKey)
	switch {
	case err == nil:
		if existing.PartitionKeyPath != props.PartitionKeyPath {
			return nil, errors.WrapFatal(errors.ErrPartitionKeyMismatch,
				"Database", "EnsureContainer",
				"container "+props.Name+" exists with partition key "+existing.PartitionKeyPath)
		}
		// Existing indexing policy wins; provisioning extends it separately.
		return &container{store: d.store, db: d.name, props: existing}, nil

	case stderrors.Is(err, errors.ErrContainerNotFound):
		raw, merr := json.Marshal(props)
		if merr != nil {
			return nil, errors.WrapInvalid(merr, "Database", "EnsureContainer", "encode container properties")
		}
		if serr := d.store.db.Set(metaKey, raw, d.store.writeOpts()); serr != nil {
			return nil, errors.WrapTransient(serr, "Database", "EnsureContainer", "write container properties")
		}
		return &container{store: d.store, db: d.name, props: props}, nil

	default:
		return nil, err
	}
}

// Container returns a handle to an existing container.
func (d *database) Container(ctx context.Context, name string) (docstore.Container, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	props, err := d.readProperties(keyContainerMeta(d.name, name))
	if err != nil {
		return nil, err
	}
	return &container{store: d.store, db: d.name, props: props}, nil
}

func (d *database) readProperties(metaKey []byte) (docstore.ContainerProperties, error) {
	raw, closer, err := d.store.db.Get(metaKey)
	if stderrors.Is(err, pebble.ErrNotFound) {
		return docstore.ContainerProperties{}, errors.ErrContainerNotFound
	}
	if err != nil {
		return docstore.ContainerProperties{}, errors.WrapTransient(err, "Database", "readProperties", "read container properties")
	}
	defer closer.Close()

	var props docstore.ContainerProperties
	if err := json.Unmarshal(raw, &props); err != nil {
		return docstore.ContainerProperties{}, errors.WrapFatal(err, "Database", "readProperties", "decode container properties")
	}
	return props, nil
}

type container struct {
	store *Store
	db    string

	propsMu sync.RWMutex
	props   docstore.ContainerProperties
}

// Properties returns the container's current configuration, re-read from
// disk so concurrent provisioners observe each other's policy updates.
func (c *container) Properties(ctx context.Context) (docstore.ContainerProperties, error) {
	if err := ctx.Err(); err != nil {
		return docstore.ContainerProperties{}, err
	}

	d := &database{store: c.store, name: c.db}
	props, err := d.readProperties(keyContainerMeta(c.db, c.name()))
	if err != nil {
		return docstore.ContainerProperties{}, err
	}

	c.propsMu.Lock()
	c.props = props
	c.propsMu.Unlock()
	return props, nil
}

func (c *container) name() string {
	c.propsMu.RLock()
	defer c.propsMu.RUnlock()
	return c.props.Name
}

func (c *container) currentProps() docstore.ContainerProperties {
	c.propsMu.RLock()
	defer c.propsMu.RUnlock()
	return c.props
}

// ReplaceIndexingPolicy replaces the policy and backfills index entries for
// any newly added composite indexes. Last writer wins.
func (c *container) ReplaceIndexingPolicy(ctx context.Context, policy docstore.IndexingPolicy) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	old := c.currentProps()
	props := old
	props.IndexingPolicy = policy

	raw, err := json.Marshal(props)
	if err != nil {
		return errors.WrapInvalid(err, "Container", "ReplaceIndexingPolicy", "encode container properties")
	}
	if err := c.store.db.Set(keyContainerMeta(c.db, props.Name), raw, c.store.writeOpts()); err != nil {
		return errors.WrapTransient(err, "Container", "ReplaceIndexingPolicy", "write container properties")
	}

	c.propsMu.Lock()
	c.props = props
	c.propsMu.Unlock()

	// Backfill entries for indexes that did not exist before.
	for i, ci := range policy.CompositeIndexes {
		if old.IndexingPolicy.HasComposite(ci) {
			continue
		}
		if err := c.backfillIndex(uint32(i), ci); err != nil {
			return err
		}
	}
	return nil
}

func (c *container) backfillIndex(idx uint32, ci docstore.CompositeIndex) error {
	prefix := keyDocumentPrefix(c.db, c.name())
	iter, err := c.store.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return errors.WrapTransient(err, "Container", "backfillIndex", "open iterator")
	}
	defer iter.Close()

	batch := c.store.db.NewBatch()
	defer batch.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var doc docstore.Document
		if err := json.Unmarshal(iter.Value(), &doc); err != nil {
			continue // unreadable document, nothing to index
		}
		id, ok := doc.ID()
		if !ok {
			continue
		}
		key := c.indexEntryKey(idx, ci, doc, id)
		if err := batch.Set(key, []byte(id), nil); err != nil {
			return errors.WrapTransient(err, "Container", "backfillIndex", "stage index entry")
		}
	}

	if err := batch.Commit(c.store.writeOpts()); err != nil {
		return errors.WrapTransient(err, "Container", "backfillIndex", "commit index entries")
	}
	return nil
}

// Upsert writes the document keyed by its "id" field. A second write with
// the same id overwrites the first without creating a duplicate; index
// entries for the previous version are removed in the same atomic batch.
func (c *container) Upsert(ctx context.Context, doc docstore.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	id, ok := doc.ID()
	if !ok {
		return errors.WrapInvalid(errors.ErrMissingRecordID, "Container", "Upsert", "validate document")
	}

	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	props := c.currentProps()
	docKey := keyDocument(c.db, props.Name, id)

	batch := c.store.db.NewBatch()
	defer batch.Close()

	// Drop index entries of the previous version, if any.
	oldRaw, closer, err := c.store.db.Get(docKey)
	switch {
	case err == nil:
		var oldDoc docstore.Document
		if uerr := json.Unmarshal(oldRaw, &oldDoc); uerr == nil {
			for i, ci := range props.IndexingPolicy.CompositeIndexes {
				if derr := batch.Delete(c.indexEntryKey(uint32(i), ci, oldDoc, id), nil); derr != nil {
					_ = closer.Close()
					return errors.WrapTransient(derr, "Container", "Upsert", "stage stale index delete")
				}
			}
		}
		_ = closer.Close()
	case stderrors.Is(err, pebble.ErrNotFound):
		// First write for this id.
	default:
		return errors.WrapTransient(err, "Container", "Upsert", "read previous version")
	}

	// The store stamps the write time, mirroring the _ts system field.
	stamped := make(docstore.Document, len(doc)+1)
	for k, v := range doc {
		stamped[k] = v
	}
	stamped["_ts"] = time.Now().Unix()

	raw, err := json.Marshal(stamped)
	if err != nil {
		return errors.WrapInvalid(err, "Container", "Upsert", "encode document")
	}
	if err := batch.Set(docKey, raw, nil); err != nil {
		return errors.WrapTransient(err, "Container", "Upsert", "stage document")
	}

	for i, ci := range props.IndexingPolicy.CompositeIndexes {
		key := c.indexEntryKey(uint32(i), ci, stamped, id)
		if err := batch.Set(key, []byte(id), nil); err != nil {
			return errors.WrapTransient(err, "Container", "Upsert", "stage index entry")
		}
	}

	if err := batch.Commit(c.store.writeOpts()); err != nil {
		return errors.WrapTransient(err, "Container", "Upsert", "commit batch")
	}
	return nil
}

// indexEntryKey builds the index entry key for one document under one
// composite index.
func (c *container) indexEntryKey(idx uint32, ci docstore.CompositeIndex, doc docstore.Document, id string) []byte {
	var encoded []byte
	for _, part := range ci {
		encoded = append(encoded, encodeIndexValue(fieldValue(doc, part.Path), part.Order)...)
	}
	return keyIndexEntry(c.db, c.name(), idx, encoded, id)
}

// fieldValue resolves an index path like "/MachineID" against a document.
func fieldValue(doc docstore.Document, path string) any {
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	return doc[path]
}

// Get returns the document with the given id.
func (c *container) Get(ctx context.Context, id string) (docstore.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, closer, err := c.store.db.Get(keyDocument(c.db, c.name(), id))
	if stderrors.Is(err, pebble.ErrNotFound) {
		return nil, errors.Wrap(errors.ErrDocumentNotFound, "Container", "Get", "lookup "+id)
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "Container", "Get", "read document")
	}
	defer closer.Close()

	var doc docstore.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errors.WrapFatal(err, "Container", "Get", "decode document")
	}
	return doc, nil
}

// QueryByPartitionKey returns documents whose partition key equals value,
// most recently written first. Uses a composite index whose leading path is
// the partition key when one exists, otherwise falls back to a filtered scan.
func (c *container) QueryByPartitionKey(ctx context.Context, value string, limit int) ([]docstore.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	props := c.currentProps()
	for i, ci := range props.IndexingPolicy.CompositeIndexes {
		if len(ci) == 0 || ci[0].Path != props.PartitionKeyPath {
			continue
		}
		return c.queryViaIndex(ctx, uint32(i), ci, value, limit)
	}
	return c.queryViaScan(props.PartitionKeyPath, value, limit)
}

func (c *container) queryViaIndex(ctx context.Context, idx uint32, ci docstore.CompositeIndex, value string, limit int) ([]docstore.Document, error) {
	prefix := keyIndexPrefix(c.db, c.name(), idx)
	prefix = append(prefix, encodeIndexValue(value, ci[0].Order)...)

	iter, err := c.store.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "Container", "QueryByPartitionKey", "open index iterator")
	}
	defer iter.Close()

	var docs []docstore.Document
	for iter.First(); iter.Valid(); iter.Next() {
		if limit > 0 && len(docs) >= limit {
			break
		}
		id := string(iter.Value())
		doc, err := c.Get(ctx, id)
		if err != nil {
			continue // index entry outlived its document
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (c *container) queryViaScan(pkPath, value string, limit int) ([]docstore.Document, error) {
	prefix := keyDocumentPrefix(c.db, c.name())
	iter, err := c.store.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "Container", "QueryByPartitionKey", "open scan iterator")
	}
	defer iter.Close()

	var docs []docstore.Document
	for iter.First(); iter.Valid(); iter.Next() {
		var doc docstore.Document
		if err := json.Unmarshal(iter.Value(), &doc); err != nil {
			continue
		}
		if s, ok := fieldValue(doc, pkPath).(string); !ok || s != value {
			continue
		}
		docs = append(docs, doc)
	}

	// Scan order is by id; present newest first like the indexed path.
	sortByTimestampDesc(docs)
	if limit > 0 && len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

func sortByTimestampDesc(docs []docstore.Document) {
	ts := func(d docstore.Document) float64 {
		if v, ok := d["_ts"].(float64); ok {
			return v
		}
		return 0
	}
	for i := 1; i < len(docs); i++ {
		for j := i; j > 0 && ts(docs[j]) > ts(docs[j-1]); j-- {
			docs[j], docs[j-1] = docs[j-1], docs[j]
		}
	}
}

// Count returns the number of documents in the container.
func (c *container) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	prefix := keyDocumentPrefix(c.db, c.name())
	iter, err := c.store.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return 0, errors.WrapTransient(err, "Container", "Count", "open iterator")
	}
	defer iter.Close()

	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	return n, nil
}
