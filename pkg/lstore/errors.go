package lstore

import "errors"

// Sentinel errors returned by this package.
//
// Callers should classify errors with [errors.Is]; implementations may wrap
// these with additional context via fmt.Errorf("...: %w", err).
var (
	// ErrOutOfRange indicates a slot index, partition index, or row mask
	// length violated its bounds. This is a programmer error.
	ErrOutOfRange = errors.New("lstore: out of range")

	// ErrNotIndexed indicates an operation targeted a column whose index
	// has been dropped or was never created.
	ErrNotIndexed = errors.New("lstore: column not indexed")

	// ErrIO indicates the backing directory or a partition/index file could
	// not be read or written.
	ErrIO = errors.New("lstore: io error")

	// ErrAborted indicates a transaction's lock pre-check failed. No
	// operation in the batch left any observable change.
	ErrAborted = errors.New("lstore: transaction aborted")

	// errCapacityExceeded is returned, wrapped, by an insert whose RID maps
	// to a partition with no free base slot. Table creates partitions ahead
	// of each insert from the RID's position and does not catch this error,
	// so when it occurs it is returned to the caller of the insert.
	errCapacityExceeded = errors.New("lstore: partition capacity exceeded")
)
