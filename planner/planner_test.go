package planner

import (
	"encoding/binary"
	"io/ioutil"
	"os"
	"testing"
	"time"

	"github.com/coocood/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabletdb/tabletdb/rowkey"
	"github.com/tabletdb/tabletdb/schema"
	"github.com/tabletdb/tabletdb/storage"
	"github.com/tabletdb/tabletdb/storage/badgerstore"
)

func encInt64(v int64) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, uint64(v))
	return out
}

const (
	testColA uint32 = 1
	testColB uint32 = 2
)

func newTestStore(t *testing.T) (*badgerstore.Store, func()) {
	dbPath, err := ioutil.TempDir("", "planner-test-db")
	require.NoError(t, err)
	logPath, err := ioutil.TempDir("", "planner-test-log")
	require.NoError(t, err)

	opts := badger.DefaultOptions
	opts.Dir = dbPath
	opts.ValueDir = logPath

	store, err := badgerstore.Open(opts)
	require.NoError(t, err)
	return store, func() {
		store.Close()
		os.RemoveAll(dbPath)
		os.RemoveAll(logPath)
	}
}

func testTable() *schema.Table {
	return &schema.Table{
		ID:      1,
		Name:    "widgets",
		Version: 1,
		Columns: []schema.Column{
			{ID: 0, Name: "pk", Role: schema.HashColumn, Order: 0},
			{ID: testColA, Name: "a", Role: schema.RegularColumn},
			{ID: testColB, Name: "b", Role: schema.RegularColumn},
		},
	}
}

func insertReq(tbl *schema.Table, pk string, cols ...ColumnValue) *WriteRequest {
	return &WriteRequest{
		Table:                 tbl,
		SchemaVersion:         tbl.Version,
		StmtType:              StmtInsert,
		HashCode:              rowkey.HashCode([][]byte{[]byte(pk)}),
		PartitionColumnValues: [][]byte{[]byte(pk)},
		ColumnValues:          cols,
	}
}

func TestInsertThenDuplicateInsertIsRejected(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	tbl := testTable()
	wp := NewWritePlanner(store, NewLatches())

	resp, batch, err := wp.Apply(insertReq(tbl, "k1", ColumnValue{ColumnID: testColA, Value: []byte("v1")}))
	require.NoError(t, err)
	assert.Equal(t, StatusOK, resp.Status)
	assert.NotNil(t, batch)

	// Resolved per the duplicate-insert Open Question as reject-not-merge:
	// the planner always rejects a second insert of the same key as a
	// QLError duplicate, serialized against the first by the row's latch.
	resp2, _, err := wp.Apply(insertReq(tbl, "k1", ColumnValue{ColumnID: testColA, Value: []byte("v2")}))
	require.NoError(t, err)
	assert.Equal(t, StatusQLError, resp2.Status)
	assert.Error(t, resp2.Err)
}

func TestInsertWithDefaultTTLUsesLivenessColumnExpiry(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	tbl := testTable()
	tbl.DefaultTTL = 5 * time.Minute
	wp := NewWritePlanner(store, NewLatches())

	req := insertReq(tbl, "k1", ColumnValue{ColumnID: testColA, Value: []byte("v1")})
	resp, batch, err := wp.Apply(req)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, resp.Status)
	require.NotNil(t, batch)

	rk, err := wp.rowKey(req)
	require.NoError(t, err)
	livenessKey := badgerstore.ColumnKey(rk, LivenessColumnID)

	var found bool
	for _, e := range batch.Entries {
		if string(e.Key) == string(livenessKey) {
			found = true
			assert.Equal(t, tbl.DefaultTTL.Milliseconds(), e.TTLMillis)
		}
	}
	assert.True(t, found, "expected a liveness-column entry in the write batch")
}

func TestInsertWithNoDefaultTTLWritesWithoutExpiry(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	tbl := testTable()
	wp := NewWritePlanner(store, NewLatches())

	req := insertReq(tbl, "k1", ColumnValue{ColumnID: testColA, Value: []byte("v1")})
	_, batch, err := wp.Apply(req)
	require.NoError(t, err)

	rk, err := wp.rowKey(req)
	require.NoError(t, err)
	livenessKey := badgerstore.ColumnKey(rk, LivenessColumnID)

	var found bool
	for _, e := range batch.Entries {
		if string(e.Key) == string(livenessKey) {
			found = true
			assert.Zero(t, e.TTLMillis)
		}
	}
	assert.True(t, found, "expected a liveness-column entry in the write batch")
}

func TestUpdateNoOpIsSkipped(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	tbl := testTable()
	wp := NewWritePlanner(store, NewLatches())

	req := insertReq(tbl, "k1", ColumnValue{ColumnID: testColA, Value: []byte("v1")})
	_, _, err := wp.Apply(req)
	require.NoError(t, err)

	rk, err := wp.rowKey(req)
	require.NoError(t, err)

	update := &WriteRequest{
		Table:           tbl,
		SchemaVersion:   tbl.Version,
		StmtType:        StmtUpdate,
		TupleID:         rowkey.NewTupleID(rk),
		ColumnNewValues: []ColumnValue{{ColumnID: testColA, Value: []byte("v1")}},
	}
	resp, batch, err := wp.Apply(update)
	require.NoError(t, err)
	assert.True(t, resp.Skipped)
	assert.Nil(t, batch)
}

func TestUpdateChangesValue(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	tbl := testTable()
	wp := NewWritePlanner(store, NewLatches())

	req := insertReq(tbl, "k1", ColumnValue{ColumnID: testColA, Value: []byte("v1")})
	_, _, err := wp.Apply(req)
	require.NoError(t, err)
	rk, err := wp.rowKey(req)
	require.NoError(t, err)

	update := &WriteRequest{
		Table:           tbl,
		SchemaVersion:   tbl.Version,
		StmtType:        StmtUpdate,
		TupleID:         rowkey.NewTupleID(rk),
		ColumnNewValues: []ColumnValue{{ColumnID: testColA, Value: []byte("v2")}},
	}
	resp, batch, err := wp.Apply(update)
	require.NoError(t, err)
	assert.False(t, resp.Skipped)
	require.NotNil(t, batch)
	assert.Len(t, batch.Entries, 1)

	got, err := wp.readColumns(rk, []uint32{testColA})
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got[testColA])
}

func TestDeleteRemovesRowThenIsSkippedOnRetry(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	tbl := testTable()
	wp := NewWritePlanner(store, NewLatches())

	req := insertReq(tbl, "k1", ColumnValue{ColumnID: testColA, Value: []byte("v1")})
	_, _, err := wp.Apply(req)
	require.NoError(t, err)
	rk, err := wp.rowKey(req)
	require.NoError(t, err)

	del := &WriteRequest{Table: tbl, SchemaVersion: tbl.Version, StmtType: StmtDelete, TupleID: rowkey.NewTupleID(rk)}
	resp, _, err := wp.Apply(del)
	require.NoError(t, err)
	assert.False(t, resp.Skipped)

	resp2, _, err := wp.Apply(del)
	require.NoError(t, err)
	assert.True(t, resp2.Skipped)
}

func TestGetDocPathsLocksInsertAndUpdateAtSnapshotIsolation(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	tbl := testTable()
	wp := NewWritePlanner(store, NewLatches())

	req := insertReq(tbl, "k1", ColumnValue{ColumnID: testColA, Value: []byte("v1")})
	locks := wp.GetDocPaths(req)
	assert.Equal(t, SnapshotIsolation, locks.Isolation)
	require.Len(t, locks.Paths, 1)
	assert.Equal(t, rowkey.HashDocKey{Code: req.HashCode, Values: req.PartitionColumnValues}.Encode(), locks.Paths[0])

	update := &WriteRequest{
		Table:           tbl,
		SchemaVersion:   tbl.Version,
		StmtType:        StmtUpdate,
		TupleID:         rowkey.NewTupleID([]byte("k1-tuple")),
		ColumnNewValues: []ColumnValue{{ColumnID: testColA, Value: []byte("v2")}},
	}
	locks = wp.GetDocPaths(update)
	assert.Equal(t, SnapshotIsolation, locks.Isolation)
	assert.Equal(t, [][]byte{[]byte("k1-tuple")}, locks.Paths)
}

func TestGetDocPathsLocksDeleteAtSerializableIsolation(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	tbl := testTable()
	wp := NewWritePlanner(store, NewLatches())

	del := &WriteRequest{Table: tbl, SchemaVersion: tbl.Version, StmtType: StmtDelete, TupleID: rowkey.NewTupleID([]byte("k1-tuple"))}
	locks := wp.GetDocPaths(del)
	assert.Equal(t, SerializableIsolation, locks.Isolation)
	assert.Equal(t, [][]byte{[]byte("k1-tuple")}, locks.Paths)
}

func TestApplyReportsLocksOnEveryResponse(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	tbl := testTable()
	wp := NewWritePlanner(store, NewLatches())

	req := insertReq(tbl, "k1", ColumnValue{ColumnID: testColA, Value: []byte("v1")})
	resp, _, err := wp.Apply(req)
	require.NoError(t, err)
	assert.Equal(t, SnapshotIsolation, resp.Locks.Isolation)
	assert.NotEmpty(t, resp.Locks.Paths)
}

func TestSchemaVersionMismatchRejectsWrite(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	tbl := testTable()
	wp := NewWritePlanner(store, NewLatches())

	req := insertReq(tbl, "k1", ColumnValue{ColumnID: testColA, Value: []byte("v1")})
	req.SchemaVersion = tbl.Version + 1
	resp, _, err := wp.Apply(req)
	require.NoError(t, err)
	assert.Equal(t, StatusSchemaVersionMismatch, resp.Status)
}

func TestReadPlannerProjectsColumns(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	tbl := testTable()
	wp := NewWritePlanner(store, NewLatches())

	req := insertReq(tbl, "k1",
		ColumnValue{ColumnID: testColA, Value: []byte("v1")},
		ColumnValue{ColumnID: testColB, Value: []byte("v2")})
	_, _, err := wp.Apply(req)
	require.NoError(t, err)
	rk, err := wp.rowKey(req)
	require.NoError(t, err)

	iter := store.NewIterator(tbl, rk, append(append([]byte(nil), rk...), 0xFF))
	rp := NewReadPlanner()
	result, err := rp.Execute(&ReadRequest{Table: tbl, TableIter: iter, Projection: []uint32{testColA}})
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, []byte("v1"), result.Rows[0].Columns[testColA])
	_, hasB := result.Rows[0].Columns[testColB]
	assert.False(t, hasB)
	iter.Close()
}

func TestReadPlannerSkipsStaleIndexEntry(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	tbl := testTable()

	tableIter := &staleBaseIterator{}
	indexIter := &fixedIndexIterator{
		rows: []storage.Row{{
			Key:     []byte("idx1"),
			Columns: map[uint32][]byte{100: []byte("missing-base-row")},
		}},
	}

	rp := NewReadPlanner()
	result, err := rp.Execute(&ReadRequest{
		Table:              tbl,
		TableIter:          tableIter,
		IndexIter:          indexIter,
		YbbasectidColumnID: 100,
	})
	require.NoError(t, err)
	assert.Empty(t, result.Rows)
}

func TestReadPlannerAggregateSumReturnsOneRow(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	tbl := testTable()
	wp := NewWritePlanner(store, NewLatches())

	for _, row := range []struct {
		pk string
		v  int64
	}{{"k1", 3}, {"k2", 4}, {"k3", 5}} {
		req := insertReq(tbl, row.pk, ColumnValue{ColumnID: testColA, Value: encInt64(row.v)})
		_, _, err := wp.Apply(req)
		require.NoError(t, err)
	}

	iter := store.NewIterator(tbl, nil, nil)
	rp := NewReadPlanner()
	result, err := rp.Execute(&ReadRequest{
		Table:      tbl,
		TableIter:  iter,
		IsAggregate: true,
		Aggregates: []Aggregate{{Func: AggSum, ColumnID: testColA}, {Func: AggCount}},
	})
	require.NoError(t, err)
	iter.Close()

	require.Len(t, result.Rows, 1)
	assert.Equal(t, int64(12), decodeAggregateInt64(result.Rows[0].Columns[testColA]))
	assert.Equal(t, int64(3), decodeAggregateInt64(result.Rows[0].Columns[AggregateCountColumnID]))
}

func TestReadPlannerAggregateReturnsZeroRowsWhenNoMatch(t *testing.T) {
	tableIter := &staleBaseIterator{}
	rp := NewReadPlanner()
	result, err := rp.Execute(&ReadRequest{
		Table:       testTable(),
		TableIter:   tableIter,
		IsAggregate: true,
		Aggregates:  []Aggregate{{Func: AggCount}},
	})
	require.NoError(t, err)
	assert.Empty(t, result.Rows)
}

func TestInsertResultProjectionReturnsTupleID(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	tbl := testTable()
	wp := NewWritePlanner(store, NewLatches())

	req := insertReq(tbl, "k1", ColumnValue{ColumnID: testColA, Value: []byte("v1")})
	req.Targets = []Target{{ColumnID: TupleIDColumnID}, {ColumnID: testColA}}

	resp, _, err := wp.Apply(req)
	require.NoError(t, err)
	require.NotNil(t, resp.ResultRow)
	require.Len(t, resp.ResultRow.Columns, 2)

	rk, err := wp.rowKey(req)
	require.NoError(t, err)
	assert.Equal(t, rk, []byte(resp.ResultRow.Columns[0].Value))
	assert.Equal(t, []byte("v1"), resp.ResultRow.Columns[1].Value)
}

func TestUpdateResultProjectionMergesPreAndPostImage(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	tbl := testTable()
	wp := NewWritePlanner(store, NewLatches())

	req := insertReq(tbl, "k1",
		ColumnValue{ColumnID: testColA, Value: []byte("v1")},
		ColumnValue{ColumnID: testColB, Value: []byte("v2")})
	_, _, err := wp.Apply(req)
	require.NoError(t, err)
	rk, err := wp.rowKey(req)
	require.NoError(t, err)

	update := &WriteRequest{
		Table:           tbl,
		SchemaVersion:   tbl.Version,
		StmtType:        StmtUpdate,
		TupleID:         rowkey.NewTupleID(rk),
		ColumnNewValues: []ColumnValue{{ColumnID: testColA, Value: []byte("v1-new")}},
		Targets:         []Target{{ColumnID: testColA}, {ColumnID: testColB}},
	}
	resp, _, err := wp.Apply(update)
	require.NoError(t, err)
	require.NotNil(t, resp.ResultRow)
	assert.Equal(t, []byte("v1-new"), resp.ResultRow.Columns[0].Value)
	assert.Equal(t, []byte("v2"), resp.ResultRow.Columns[1].Value)
}

func TestDeleteResultProjectionReturnsPreimage(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	tbl := testTable()
	wp := NewWritePlanner(store, NewLatches())

	req := insertReq(tbl, "k1", ColumnValue{ColumnID: testColA, Value: []byte("v1")})
	_, _, err := wp.Apply(req)
	require.NoError(t, err)
	rk, err := wp.rowKey(req)
	require.NoError(t, err)

	del := &WriteRequest{
		Table:         tbl,
		SchemaVersion: tbl.Version,
		StmtType:      StmtDelete,
		TupleID:       rowkey.NewTupleID(rk),
		Targets:       []Target{{ColumnID: testColA}},
	}
	resp, _, err := wp.Apply(del)
	require.NoError(t, err)
	require.NotNil(t, resp.ResultRow)
	assert.Equal(t, []byte("v1"), resp.ResultRow.Columns[0].Value)
}

func TestReadIntentKeyedByPartitionValuesForPointRead(t *testing.T) {
	rp := NewReadPlanner()
	req := &ReadRequest{
		HashCode:              rowkey.HashCode([][]byte{[]byte("k1")}),
		PartitionColumnValues: [][]byte{[]byte("k1")},
	}
	intent := rp.GenerateReadIntent(req)
	assert.False(t, intent.Scan)
	assert.Equal(t, rowkey.HashDocKey{Code: req.HashCode, Values: req.PartitionColumnValues}.Encode(), intent.Key)
}

func TestReadIntentIsEmptyGroupForScan(t *testing.T) {
	rp := NewReadPlanner()
	intent := rp.GenerateReadIntent(&ReadRequest{})
	assert.True(t, intent.Scan)
	assert.Empty(t, intent.Key)
}

func TestExecutePublishesReadIntentOnResult(t *testing.T) {
	tableIter := &staleBaseIterator{}
	rp := NewReadPlanner()
	result, err := rp.Execute(&ReadRequest{
		Table:                 testTable(),
		TableIter:             tableIter,
		HashCode:              rowkey.HashCode([][]byte{[]byte("k1")}),
		PartitionColumnValues: [][]byte{[]byte("k1")},
	})
	require.NoError(t, err)
	assert.False(t, result.Intent.Scan)
	assert.NotEmpty(t, result.Intent.Key)
}

// staleBaseIterator simulates a base table that no longer has the row
// the index points at: Seek never lands on a matching key.
type staleBaseIterator struct {
	init bool
}

func (s *staleBaseIterator) Init() error { s.init = true; return nil }
func (s *staleBaseIterator) HasNext() bool { return false }
func (s *staleBaseIterator) NextRow() (storage.Row, error) { return storage.Row{}, nil }
func (s *staleBaseIterator) Seek(key []byte) error { return nil }
func (s *staleBaseIterator) GetRowKey() []byte { return nil }
func (s *staleBaseIterator) RestartReadHT() int64 { return 0 }
func (s *staleBaseIterator) SetPagingStateIfNecessary(int) (storage.PagingState, bool) {
	return storage.PagingState{}, false
}
func (s *staleBaseIterator) Close() {}

type fixedIndexIterator struct {
	rows []storage.Row
	pos  int
}

func (f *fixedIndexIterator) Init() error { return nil }
func (f *fixedIndexIterator) HasNext() bool { return f.pos < len(f.rows) }
func (f *fixedIndexIterator) NextRow() (storage.Row, error) {
	r := f.rows[f.pos]
	f.pos++
	return r, nil
}
func (f *fixedIndexIterator) Seek(key []byte) error { return nil }
func (f *fixedIndexIterator) GetRowKey() []byte { return nil }
func (f *fixedIndexIterator) RestartReadHT() int64 { return 0 }
func (f *fixedIndexIterator) SetPagingStateIfNecessary(int) (storage.PagingState, bool) {
	return storage.PagingState{}, false
}
func (f *fixedIndexIterator) Close() {}
