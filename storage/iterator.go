// Package storage defines the Row Iterator Bridge contract: the
// interface the read planner drives to walk rows of one tablet's
// storage, independent of which engine backs it. storage/badgerstore
// provides the concrete adapter used in production.
package storage

// Row is one materialized row handed back by a RowIterator: its
// encoded row key plus the column id -> value map the planner projects
// from.
type Row struct {
	Key     []byte
	Columns map[uint32][]byte
}

// PagingState describes where a caller should resume a read that did
// not finish in one batch: the next row key to seek to and the read
// timestamp to restart at, mirroring SetPagingStateIfNecessary.
type PagingState struct {
	NextRowKey   []byte
	RestartReadHT int64
}

// RowIterator is the contract the read planner drives. Implementations
// are not expected to be safe for concurrent use by more than one
// goroutine at a time.
type RowIterator interface {
	// Init seeks the iterator to the start of its scan range. It must
	// be called exactly once before the first HasNext/NextRow.
	Init() error

	// HasNext reports whether a call to NextRow would return a row.
	HasNext() bool

	// NextRow returns the next row and advances the iterator.
	NextRow() (Row, error)

	// Seek repositions the iterator at or after key, used for the
	// ybbasectid seek-and-skip-on-mismatch index read path.
	Seek(key []byte) error

	// GetRowKey returns the encoded key of the row the iterator is
	// currently positioned at, valid only after a successful NextRow
	// or Seek that landed on a row.
	GetRowKey() []byte

	// RestartReadHT returns the read timestamp this iterator observed
	// partway through the scan that a caller should restart at on a
	// retry, or 0 if no restart is required.
	RestartReadHT() int64

	// SetPagingStateIfNecessary reports the paging state to resume a
	// read that stopped because it hit rowLimit, or ok=false if the
	// iterator was exhausted and no continuation is needed.
	SetPagingStateIfNecessary(rowLimit int) (PagingState, bool)

	// Close releases any resources (e.g. the underlying badger
	// iterator/transaction) held by this RowIterator.
	Close()
}
