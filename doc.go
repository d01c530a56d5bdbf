// Package contd is a durable execution engine for long-running,
// step-oriented workflows such as agent and LLM pipelines.
//
// A workflow is ordinary Go code that calls Step repeatedly through an
// *ExecContext. The engine persists an append-only event journal plus
// periodic snapshots so that a crashed workflow resumes exactly where it
// left off: completed steps are never re-run, in-flight steps are retried
// under a fresh attempt id, and at most one executor at a time may advance
// a given workflow (enforced by a leased, fencing-tokened ownership
// record).
//
// The package is organized leaf-first:
//
//   - state.go, delta.go, event.go: canonical serialization, checksums and
//     RFC 6902 JSON-Patch deltas.
//   - journal.go, snapshot.go: the event log and the snapshot store.
//   - lease.go: single-writer ownership with fencing tokens.
//   - idempotency.go: attempt allocation and at-most-once completion.
//   - recovery.go: snapshot+journal replay.
//   - context.go, driver.go, policy.go: the step/workflow execution driver.
//   - sidecar.go: the reasoning-context sidecar (annotations, ingest,
//     distill, health signals).
//   - runner.go: an optional bounded worker pool for running many
//     workflows concurrently within one executor process.
//
// Backing stores (store.RelationalStore, store.BlobStore) and
// observability sinks (emit.Emitter) are pluggable; see the store and emit
// subpackages for reference implementations.
package contd
