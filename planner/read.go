package planner

import (
	"bytes"
	"encoding/binary"

	"github.com/tabletdb/tabletdb/metrics"
	"github.com/tabletdb/tabletdb/rowkey"
	"github.com/tabletdb/tabletdb/schema"
	"github.com/tabletdb/tabletdb/storage"
)

// AggFunc is an aggregate function applied across every matched row,
// the Go counterpart of the TSCall aggregate expressions
// (count/sum/min/max) EvalAggregate folds row-by-row.
type AggFunc int

const (
	AggCount AggFunc = iota
	AggSum
	AggMin
	AggMax
)

// AggregateCountColumnID is the reserved output column id AggCount
// writes its running count to; COUNT has no source column, so it
// cannot reuse a real schema column id the way Sum/Min/Max do.
const AggregateCountColumnID = ^uint32(0)

// Aggregate is one requested aggregate output: Func folded over
// ColumnID's value on every matched row (ignored for AggCount).
// Values are compared/summed as big-endian int64, the same convention
// rowkey.HashCode uses for encoding fixed-width numbers.
type Aggregate struct {
	Func     AggFunc
	ColumnID uint32
}

// ReadRequest is the logical row operation read request (spec.md §6):
// a scan of one table, optionally routed through a secondary index,
// with an optional WHERE-equals filter, projection, aggregate mode and
// row limit.
type ReadRequest struct {
	Table *schema.Table

	TableIter storage.RowIterator // required, the base table's scan.
	IndexIter storage.RowIterator // optional; when set, drives the scan and TableIter is re-seeked per matched ybbasectid.

	YbbasectidColumnID uint32 // required when IndexIter is set.

	WhereExpr  *WhereExpr
	Projection []uint32 // column ids to return; empty means every column.
	IsAggregate bool
	Aggregates  []Aggregate // populated when IsAggregate is set.
	RowLimit    int

	// HashCode/PartitionColumnValues/RangeColumnValues/TupleID identify
	// the doc key a partition-valued request reads, the same fields
	// WriteRequest carries, used only to derive the pre-read intent
	// below; a request with none of these set is a scan.
	HashCode              uint16
	PartitionColumnValues [][]byte
	RangeColumnValues     [][]byte
	TupleID               rowkey.TupleID
}

// ReadIntent is the pre-read signal the planner publishes for the
// conflict resolver before a scan runs: a read_pair keyed by the
// request's encoded doc key (its Value is always implicitly Null), or,
// for a scan with no partition value, a single empty-group intent that
// carries no key at all.
type ReadIntent struct {
	Key  []byte
	Scan bool
}

// ReadResult is the logical row operation read response: the matched
// rows (after projection), the read timestamp to restart subsequent
// batches at, and an optional continuation.
type ReadResult struct {
	Rows          []storage.Row
	RestartReadHT int64
	Paging        storage.PagingState
	HasPaging     bool

	// Intent is the pre-read conflict-resolution signal Execute
	// published before running the scan (spec.md §4.5, "Intent
	// generation (pre-read)").
	Intent ReadIntent
}

// ReadPlanner walks a RowIterator (or an index iterator paired with the
// base table's) to build a ReadResult, the Go counterpart of
// PgsqlReadOperation::Execute.
type ReadPlanner struct{}

// NewReadPlanner returns a stateless ReadPlanner; all per-scan state
// lives in the RowIterator the caller supplies.
func NewReadPlanner() *ReadPlanner {
	return &ReadPlanner{}
}

// Execute drives req's iterator(s) to completion (or until RowLimit
// rows match), applying the index-assisted seek-and-skip-on-mismatch
// path when req.IndexIter is set, then the WHERE filter, then
// projection.
func (p *ReadPlanner) Execute(req *ReadRequest) (*ReadResult, error) {
	if err := req.TableIter.Init(); err != nil {
		return nil, err
	}
	iter := req.TableIter
	if req.IndexIter != nil {
		if err := req.IndexIter.Init(); err != nil {
			return nil, err
		}
		iter = req.IndexIter
	}

	result := &ReadResult{Intent: p.GenerateReadIntent(req)}
	matched := 0
	accum := newAggregateAccumulator(req.Aggregates)
	for (req.RowLimit <= 0 || matched < req.RowLimit) && iter.HasNext() {
		var row storage.Row
		var err error

		if req.IndexIter != nil {
			row, err = p.seekBaseRowViaIndex(req)
			if err != nil {
				return nil, err
			}
			if row.Columns == nil {
				// Stale index entry: the indexed row no longer exists
				// in the base table. Skip it and keep scanning the
				// index, matching the original's WARNING-and-continue.
				metrics.StaleIndexEntriesSkipped.Inc()
				continue
			}
		} else {
			row, err = iter.NextRow()
			if err != nil {
				return nil, err
			}
		}
		metrics.ReadRowsScanned.Inc()

		if req.WhereExpr != nil && !matchesWhere(row, req.WhereExpr) {
			continue
		}

		matched++
		if req.IsAggregate {
			accum.eval(row)
		} else {
			result.Rows = append(result.Rows, project(row, req.Projection))
		}
	}

	if req.IsAggregate && matched > 0 {
		result.Rows = []storage.Row{accum.row()}
	}

	result.RestartReadHT = req.TableIter.RestartReadHT()

	if req.RowLimit > 0 && matched >= req.RowLimit && !req.IsAggregate {
		if ps, ok := iter.SetPagingStateIfNecessary(req.RowLimit); ok {
			result.Paging = ps
			result.HasPaging = true
		}
	}
	return result, nil
}

// GenerateReadIntent computes the read_pair the conflict resolver needs
// before req's scan runs: a request that names partition values (a
// tuple id or hash/range columns) publishes a single intent keyed by
// its encoded doc key; a request with none of those (a bare scan)
// publishes the empty-group intent instead, since only the
// tablet-routing portion of the key is meaningful for it.
func (p *ReadPlanner) GenerateReadIntent(req *ReadRequest) ReadIntent {
	if len(req.TupleID) > 0 {
		return ReadIntent{Key: []byte(req.TupleID)}
	}
	if len(req.PartitionColumnValues) == 0 {
		return ReadIntent{Scan: true}
	}
	hash := rowkey.HashDocKey{Code: req.HashCode, Values: req.PartitionColumnValues}
	if len(req.RangeColumnValues) == 0 {
		return ReadIntent{Key: hash.Encode()}
	}
	return ReadIntent{Key: rowkey.RangeDocKey{Hash: hash, Values: req.RangeColumnValues}.Encode()}
}

// seekBaseRowViaIndex reads the current index row, extracts its
// ybbasectid, and seeks the base table iterator to it. A row.Columns
// of nil signals a stale index entry to skip, per the skip-and-continue
// resolution: rather than failing the whole scan, the caller moves on
// to the next index entry.
func (p *ReadPlanner) seekBaseRowViaIndex(req *ReadRequest) (storage.Row, error) {
	indexRow, err := req.IndexIter.NextRow()
	if err != nil {
		return storage.Row{}, err
	}
	baseCtid, ok := indexRow.Columns[req.YbbasectidColumnID]
	if !ok {
		return storage.Row{}, nil
	}

	if err := req.TableIter.Seek(baseCtid); err != nil {
		return storage.Row{}, err
	}
	if !req.TableIter.HasNext() || !bytes.Equal(req.TableIter.GetRowKey(), baseCtid) {
		return storage.Row{}, nil
	}
	return req.TableIter.NextRow()
}

func matchesWhere(row storage.Row, where *WhereExpr) bool {
	val, ok := row.Columns[where.ColumnID]
	return ok && bytes.Equal(val, where.Equals)
}

// aggregateAccumulator folds matched rows into running per-Aggregate
// state, mirroring EvalAggregate's aggr_result_ accumulator; row()
// then mirrors PopulateAggregate, emitting the single output row.
type aggregateAccumulator struct {
	specs []Aggregate
	count []int64
	sum   []int64
	min   []int64
	max   []int64
	seen  []bool
}

func newAggregateAccumulator(specs []Aggregate) *aggregateAccumulator {
	n := len(specs)
	return &aggregateAccumulator{
		specs: specs,
		count: make([]int64, n),
		sum:   make([]int64, n),
		min:   make([]int64, n),
		max:   make([]int64, n),
		seen:  make([]bool, n),
	}
}

func (a *aggregateAccumulator) eval(row storage.Row) {
	for i, spec := range a.specs {
		if spec.Func == AggCount {
			a.count[i]++
			continue
		}
		raw, ok := row.Columns[spec.ColumnID]
		if !ok {
			continue
		}
		v := decodeAggregateInt64(raw)
		switch spec.Func {
		case AggSum:
			a.sum[i] += v
		case AggMin:
			if !a.seen[i] || v < a.min[i] {
				a.min[i] = v
			}
		case AggMax:
			if !a.seen[i] || v > a.max[i] {
				a.max[i] = v
			}
		}
		a.seen[i] = true
	}
}

// row renders the accumulated state as the single aggregate output
// row, keyed by AggregateCountColumnID for AggCount and by the
// aggregate's source column id otherwise.
func (a *aggregateAccumulator) row() storage.Row {
	out := storage.Row{Columns: make(map[uint32][]byte, len(a.specs))}
	for i, spec := range a.specs {
		switch spec.Func {
		case AggCount:
			out.Columns[AggregateCountColumnID] = encodeAggregateInt64(a.count[i])
		case AggSum:
			out.Columns[spec.ColumnID] = encodeAggregateInt64(a.sum[i])
		case AggMin:
			out.Columns[spec.ColumnID] = encodeAggregateInt64(a.min[i])
		case AggMax:
			out.Columns[spec.ColumnID] = encodeAggregateInt64(a.max[i])
		}
	}
	return out
}

func decodeAggregateInt64(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

func encodeAggregateInt64(v int64) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, uint64(v))
	return out
}

// project narrows row to the requested columns; an empty projection
// (the common case for a plain GET) returns the row unchanged.
func project(row storage.Row, columnIDs []uint32) storage.Row {
	if len(columnIDs) == 0 {
		return row
	}
	out := storage.Row{Key: row.Key, Columns: make(map[uint32][]byte, len(columnIDs))}
	for _, id := range columnIDs {
		if v, ok := row.Columns[id]; ok {
			out.Columns[id] = v
		}
	}
	return out
}
