// Package streamsink ingests partitioned telemetry streams from NATS
// JetStream into an embedded document store with at-least-once delivery
// and idempotent writes.
//
// # Architecture
//
// The pipeline runs one consumer per claimed partition of each stream:
//
//	┌─────────────────────────────────────┐
//	│           Pipeline                  │  Partition claims, lifecycle,
//	│   (claim, run, checkpoint, fault)   │  fault propagation
//	└─────────────────────────────────────┘
//	           ↓ reads from
//	┌─────────────────────────────────────┐
//	│         NATS JetStream              │  One stream per telemetry
//	│   (streams, consumers, KV stores)   │  topic, subjects per partition
//	└─────────────────────────────────────┘
//	           ↓ writes to
//	┌─────────────────────────────────────┐
//	│        Document Store               │  Pebble-backed databases and
//	│  (databases, containers, upserts)   │  containers, keyed by "id"
//	└─────────────────────────────────────┘
//
// Each record flows decode → validate → upsert → checkpoint. Permanently
// invalid records are skipped and counted; transient store failures are
// retried with backoff; exhausted retries fault the partition without
// advancing its checkpoint, so redelivery resumes from the last durable
// offset. Upserts are keyed by the record's "id" field, which makes
// redelivered records overwrite rather than duplicate.
//
// Partition ownership is coordinated through a TTL'd JetStream KV
// bucket: an instance claims a partition with a create-only write,
// refreshes the claim while consuming, and deletes it on release so
// another instance can take over.
//
// # Packages
//
//   - stream: telemetry stream descriptors (topic, container, partition key)
//   - provision: database/container/index schema provisioning
//   - decode: telemetry record decoding and message envelopes
//   - sink: idempotent document upserts with retry
//   - checkpoint: per-partition offset persistence and commit policies
//   - ingest: partition consumers, leases, and the pipeline
//   - registry: agent registration service and HTTP façade
//   - natsclient: NATS/JetStream connection, stream, and KV helpers
//   - docstore: document store interfaces; pebbledoc is the Pebble backend
//   - config, health, metric, errors: ambient infrastructure
//
// The streamsink binary under cmd/streamsink wires these together.
package streamsink
