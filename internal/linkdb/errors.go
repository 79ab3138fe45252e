package linkdb

import "errors"

// Domain errors for the link table package.
var (
	// ErrBadRecord is returned when a record payload cannot be decoded.
	ErrBadRecord = errors.New("linkdb: invalid record")

	// ErrBadOffset is returned for offsets off the record grid or above the
	// table's high-water mark.
	ErrBadOffset = errors.New("linkdb: invalid record offset")

	// ErrNotFound is returned when no record matches.
	ErrNotFound = errors.New("linkdb: record not found")

	// ErrSentinel is returned when an operation would remove or reuse the
	// end-of-table sentinel.
	ErrSentinel = errors.New("linkdb: operation on end-of-table sentinel")

	// ErrTableFull is returned when no free slot remains.
	ErrTableFull = errors.New("linkdb: link table full")

	// ErrNotCached is returned by a Cache that has no table for an address.
	ErrNotCached = errors.New("linkdb: table not cached")
)
