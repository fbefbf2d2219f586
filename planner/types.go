// Package planner turns a translated command.Request into the
// row-level operations a tablet server actually executes: deriving the
// row key, reading the current row when needed, and emitting the
// ordered write batch (WritePlanner) or walking a RowIterator to build
// a result set (ReadPlanner).
package planner

import (
	"github.com/tabletdb/tabletdb/rowkey"
	"github.com/tabletdb/tabletdb/schema"
)

// StmtType mirrors PgsqlWriteRequestPB's statement type.
type StmtType int

const (
	StmtInsert StmtType = iota
	StmtUpdate
	StmtDelete
)

// Status is the row operation response's status field.
type Status int

const (
	StatusOK Status = iota
	StatusRuntimeError
	StatusSchemaVersionMismatch
	StatusQLError
)

// LivenessColumnID is the reserved column id marking that a range-keyed
// row exists even when it carries no regular column values, the same
// role the liveness column (SystemColumnIds::kLivenessColumn) plays in
// the original row format.
const LivenessColumnID = 0

// TupleIDColumnID is the pseudo-column id requesting the row's encoded
// range doc key back as an opaque binary value, the Go counterpart of
// PgSystemAttrNum::kYBTupleId. It never names a real schema column.
const TupleIDColumnID = ^uint32(0)

// Target is one requested output column of a write statement's result
// row (spec.md §4.5 step 5, "Result projection"): either a regular
// column id to read back, or TupleIDColumnID to return the row's
// encoded range doc key.
type Target struct {
	ColumnID uint32
}

// IsTupleID reports whether t requests the tuple-id pseudo-column
// rather than a regular schema column.
func (t Target) IsTupleID() bool { return t.ColumnID == TupleIDColumnID }

// ResultColumn is one column of a ResultRow: the requested Target and
// the value resolved for it, nil when the column has no value (the row
// was deleted/absent, or the column was never set).
type ResultColumn struct {
	Target Target
	Value  []byte
}

// ResultRow is the single row a write statement's result projection
// produces, one ResultColumn per requested Target in request order.
type ResultRow struct {
	Columns []ResultColumn
}

// ColumnValue is one (column id, value) pair to write.
type ColumnValue struct {
	ColumnID uint32
	Value    []byte
}

// WriteRequest is the logical row operation request (spec.md §6): the
// planner's input for a single Insert/Update/Delete.
type WriteRequest struct {
	Table         *schema.Table
	SchemaVersion uint32
	StmtType      StmtType

	HashCode               uint16
	PartitionColumnValues  [][]byte
	RangeColumnValues      [][]byte
	TupleID                rowkey.TupleID // optional; substitutes for both doc keys when set.

	ColumnValues    []ColumnValue // insert
	ColumnNewValues []ColumnValue // update
	WhereExpr       *WhereExpr    // legacy update path, no ybctid.

	// Targets is the result projection requested for this statement
	// (spec.md §4.5 step 5), e.g. "RETURNING ybctid" for a caller that
	// wants to reuse the row's tuple id on a later write. Empty when
	// the caller does not need a result row.
	Targets []Target
}

// WhereExpr is the planner's minimal WHERE-clause support, limited (as
// in the original) to a single column-equals-constant comparison.
type WhereExpr struct {
	ColumnID uint32
	Equals   []byte
}

// WriteResponse is the logical row operation response (spec.md §6).
type WriteResponse struct {
	Status  Status
	Skipped bool
	Err     error

	// ResultRow is the projected row requested via WriteRequest.Targets,
	// nil when no targets were requested or the statement affected no
	// row (e.g. a delete of a row that did not exist).
	ResultRow *ResultRow

	// Locks is the locking-paths-and-isolation-level output spec.md
	// §4.5 step 1 ("Locking paths and isolation") requires from every
	// write, computed up front by WritePlanner.GetDocPaths before the
	// statement's row mutation runs.
	Locks LockPaths
}

// IsolationLevel mirrors the two lock isolation tiers GetDocPaths
// chooses between: SnapshotIsolation for statements that also perform a
// read (an existence check or a compare-then-skip), SerializableIsolation
// for a pure write that touches nothing but the paths it locks.
type IsolationLevel int

const (
	SerializableIsolation IsolationLevel = iota
	SnapshotIsolation
)

func (l IsolationLevel) String() string {
	if l == SnapshotIsolation {
		return "SNAPSHOT_ISOLATION"
	}
	return "SERIALIZABLE_ISOLATION"
}

// LockPaths is the set of doc paths one write statement must lock before
// it runs, plus the isolation level those locks are held at.
type LockPaths struct {
	Paths     [][]byte
	Isolation IsolationLevel
}

// WriteBatchEntry is one entry of the ordered write batch the planner
// emits: an encoded sub-path (row key + column id), its new value, an
// optional TTL override in milliseconds (0 means no expiry), consumed by
// badgerstore's native TTL support, and a Delete flag that removes the
// sub-path instead of writing Value.
type WriteBatchEntry struct {
	Key       []byte
	Value     []byte // ignored when Delete is set.
	TTLMillis int64
	Delete    bool
}

// WriteBatch is the ordered sequence of WriteBatchEntry the planner
// produced for one WriteRequest, in emission order.
type WriteBatch struct {
	Entries []WriteBatchEntry
}
