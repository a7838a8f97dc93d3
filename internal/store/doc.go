// Package store provides persistent storage for the gateway using SQLite.
//
// # Architecture
//
// SQLiteStore implements the Store interface, which covers three concerns:
//
//   - Session directory: the durable identity of each conversation, keyed by
//     a deterministic session id derived from the channel identity tuple,
//     with pairing status and the active pairing code.
//   - Approval audit log: append-only records for every approval-lifecycle
//     transition (requested, granted, denied, timeout). Each record carries a
//     snapshot of the pending actions it covers so it can be interpreted
//     without joins.
//   - Worker telemetry: one sample per worker turn/resume call with token
//     counts, latency and the success flag.
//
// The schema is created automatically on open. WAL mode is enabled for
// concurrent readers.
//
// Note the distinction from internal/state: this package is the durable
// system of record owned by the gateway, while internal/state is the shared
// live session-state record that gateway and worker both read and write.
package store
