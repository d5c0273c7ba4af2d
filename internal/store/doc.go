// Package store keeps the instance lifecycle ledger in SQLite.
//
// Every start, reuse, replacement, stop, reap and failed start is appended as
// an InstanceEvent. The ledger is write-mostly history for operators; it is
// never read back to recover instances after a restart, since instances do
// not outlive the process that started them.
//
// The pure-Go modernc.org/sqlite driver is used, with WAL journaling. Pass
// MemoryPath for a throwaway in-memory ledger.
package store
