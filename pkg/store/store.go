// Package store defines the transactional record store the namespace is
// persisted in.
//
// The store is deliberately small: ordered byte keys, byte values, point
// reads, prefix scans and optimistic transactions. Record families, key
// layout and value encoding live one level up (pkg/namenode/tx), so any
// ordered key-value engine can back the namespace.
//
// Backends:
//   - memory: process-local, used for tests and ephemeral deployments
//   - badger: persistent, BadgerDB-backed
package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Txn.Get when the key does not exist.
	ErrNotFound = errors.New("store: key not found")

	// ErrConflict is returned by Txn.Commit when a key read by the
	// transaction was modified by another committed transaction.
	ErrConflict = errors.New("store: transaction conflict")

	// ErrTransient marks a failure that may succeed if the whole
	// transaction is retried (timeouts, temporary unavailability).
	ErrTransient = errors.New("store: transient failure")

	// ErrTxnDone is returned when a finished transaction is used again.
	ErrTxnDone = errors.New("store: transaction already finished")

	// ErrReadOnly is returned when a read-only transaction attempts a write.
	ErrReadOnly = errors.New("store: read-only transaction")

	// ErrClosed is returned when the store has been closed.
	ErrClosed = errors.New("store: closed")
)

// IsTransient reports whether err warrants retrying the transaction.
func IsTransient(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrTransient)
}

// Store opens transactions over an ordered key space.
//
// Thread Safety:
// Implementations must be safe for concurrent use. Individual transactions
// are not; each belongs to a single goroutine.
type Store interface {
	// Begin starts a transaction. update selects a read-write transaction.
	//
	// Returns:
	//   - Txn: the transaction; always finish it with Commit or Discard
	//   - error: ErrClosed, or context errors
	Begin(ctx context.Context, update bool) (Txn, error)

	// Healthcheck verifies the backend is operational.
	Healthcheck(ctx context.Context) error

	// Close releases all resources. Open transactions become invalid.
	Close() error
}

// ScanFunc is invoked for every key/value visited by Txn.Scan in key order.
// Returning false stops the scan. key and value are only valid for the
// duration of the call.
type ScanFunc func(key, value []byte) (bool, error)

// Txn is a single store transaction.
//
// Reads observe the transaction's own uncommitted writes.
type Txn interface {
	// Get returns the value stored at key, or ErrNotFound.
	Get(key []byte) ([]byte, error)

	// Set stores value at key.
	Set(key, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(key []byte) error

	// Scan visits every key starting with prefix in ascending key order.
	Scan(prefix []byte, fn ScanFunc) error

	// Commit atomically applies all writes.
	//
	// Returns ErrConflict if another transaction changed a key this one read.
	Commit() error

	// Discard abandons the transaction. Safe to call after Commit.
	Discard()
}
