// Package store provides SQLite-backed durable storage for fieldsync.
//
// One database file per installation holds:
//   - observations: the outbox of records not yet confirmed by the server
//   - issued_keys: every local key ever handed out (never pruned)
//   - confirmed: the ledger of server-confirmed observations
//   - photos: captured photo binaries awaiting upload
//   - assets: the offline copy of the asset registry
//
// # Outbox guarantees
//
//   - Append is the only creation path and fails on a reused local key
//   - List returns records in append order (ORDER BY seq)
//   - Update is an atomic read-validate-write per record; illegal sync state
//     transitions are rejected with model.ErrInvalidTransition
//   - Remove only accepts synced records and archives them into the ledger in
//     the same transaction
//   - A full disk surfaces as model.ErrStorageExhausted; nothing is dropped to
//     make room
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=FULL: an acknowledged save survives power loss
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// All mutations are serialized through a single connection and the Store
// mutex, so two saves issued within the same millisecond are still written
// one after the other.
package store
