package planner

import (
	"bytes"
	"time"

	"github.com/coocood/badger"
	"github.com/pingcap/errors"

	"github.com/tabletdb/tabletdb/metrics"
	"github.com/tabletdb/tabletdb/rowkey"
	"github.com/tabletdb/tabletdb/storage/badgerstore"
	"github.com/tabletdb/tabletdb/tableterr"
)

// WritePlanner turns a WriteRequest into row mutations against one
// tablet's badger store, the Go counterpart of
// PgsqlWriteOperation::Apply dispatching to ApplyInsert/ApplyUpdate/
// ApplyDelete.
type WritePlanner struct {
	store   *badgerstore.Store
	latches *Latches
}

// NewWritePlanner builds a WritePlanner over store, serializing
// concurrent writers through latches.
func NewWritePlanner(store *badgerstore.Store, latches *Latches) *WritePlanner {
	return &WritePlanner{store: store, latches: latches}
}

// Apply runs req against the store, latching its row key for the
// duration, and returns the logical response plus the write batch that
// was actually committed (nil when the statement was skipped or
// failed).
func (p *WritePlanner) Apply(req *WriteRequest) (*WriteResponse, *WriteBatch, error) {
	if !req.Table.CheckVersion(req.SchemaVersion) {
		return &WriteResponse{Status: StatusSchemaVersionMismatch}, nil, nil
	}

	locks := p.GetDocPaths(req)

	rowKey, err := p.rowKey(req)
	if err != nil {
		return &WriteResponse{Status: StatusRuntimeError, Err: err}, nil, err
	}

	keys := [][]byte{rowKey}
	p.latches.WaitForLatches(keys)
	defer p.latches.ReleaseLatches(keys)

	var resp *WriteResponse
	var batch *WriteBatch
	switch req.StmtType {
	case StmtInsert:
		resp, batch, err = p.applyInsert(req, rowKey)
	case StmtUpdate:
		resp, batch, err = p.applyUpdate(req, rowKey)
	case StmtDelete:
		resp, batch, err = p.applyDelete(req, rowKey)
	default:
		err = tableterr.New(tableterr.InvalidArgument, "unknown statement type %d", req.StmtType)
		return &WriteResponse{Status: StatusRuntimeError, Err: err}, nil, err
	}
	if resp != nil {
		resp.Locks = locks
	}
	return resp, batch, err
}

// GetDocPaths returns the doc paths req's row mutation must lock and the
// isolation level to lock them at, the Go counterpart of
// PgsqlWriteOperation::GetDocPaths. Insert and Update each perform a
// read before writing (an existence check, or a compare-then-skip
// against the current value), so their locks are held at snapshot
// isolation for read consistency. A Delete locks at serializable
// isolation, serializing against other writers of the same row; its
// reads of the liveness column and the preimage do not change that.
func (p *WritePlanner) GetDocPaths(req *WriteRequest) LockPaths {
	lp := LockPaths{}
	if len(req.TupleID) > 0 {
		lp.Paths = append(lp.Paths, []byte(req.TupleID))
	} else {
		hash := rowkey.HashDocKey{Code: req.HashCode, Values: req.PartitionColumnValues}
		lp.Paths = append(lp.Paths, hash.Encode())
		if len(req.RangeColumnValues) > 0 {
			lp.Paths = append(lp.Paths, rowkey.RangeDocKey{Hash: hash, Values: req.RangeColumnValues}.Encode())
		}
	}

	if req.StmtType == StmtDelete {
		lp.Isolation = SerializableIsolation
	} else {
		lp.Isolation = SnapshotIsolation
	}
	return lp
}

// rowKey derives the row's storage key: the tuple id verbatim if the
// request carries one, otherwise the encoded range doc key built from
// the hash and range column values.
func (p *WritePlanner) rowKey(req *WriteRequest) ([]byte, error) {
	if len(req.TupleID) > 0 {
		return []byte(req.TupleID), nil
	}
	return rowkey.RangeDocKey{
		Hash:   rowkey.HashDocKey{Code: req.HashCode, Values: req.PartitionColumnValues},
		Values: req.RangeColumnValues,
	}.Encode(), nil
}

// applyInsert mirrors ApplyInsert: a prior existence check on the
// liveness column rejects duplicate keys before anything is written,
// then every column value (plus the liveness column marking the row as
// present) is written in one batch.
func (p *WritePlanner) applyInsert(req *WriteRequest, rowKey []byte) (*WriteResponse, *WriteBatch, error) {
	exists, err := p.rowExists(rowKey)
	if err != nil {
		return &WriteResponse{Status: StatusRuntimeError, Err: err}, nil, err
	}
	if exists {
		err := tableterr.New(tableterr.AlreadyPresent, "duplicate key found in primary key or unique index")
		return &WriteResponse{Status: StatusQLError, Err: err}, nil, nil
	}

	batch := &WriteBatch{}
	liveness := WriteBatchEntry{Key: badgerstore.ColumnKey(rowKey, LivenessColumnID), Value: []byte{}}
	if req.Table.DefaultTTL > 0 {
		liveness.TTLMillis = req.Table.DefaultTTL.Milliseconds()
	}
	batch.Entries = append(batch.Entries, liveness)
	image := make(map[uint32][]byte, len(req.ColumnValues))
	for _, cv := range req.ColumnValues {
		batch.Entries = append(batch.Entries, WriteBatchEntry{Key: badgerstore.ColumnKey(rowKey, cv.ColumnID), Value: cv.Value})
		image[cv.ColumnID] = cv.Value
	}

	if err := p.commit(batch); err != nil {
		err = errors.Wrap(err, "commit insert")
		return &WriteResponse{Status: StatusRuntimeError, Err: err}, nil, err
	}
	metrics.WriteBatchSize.Observe(float64(len(batch.Entries)))
	return &WriteResponse{Status: StatusOK, ResultRow: p.populateResultSet(req.Targets, rowKey, image)}, batch, nil
}

// populateResultSet builds the result row requested via targets,
// mirroring PopulateResultSet: the tuple-id pseudo-column returns the
// encoded row key verbatim, every other target is looked up in image
// (the statement's resolved pre/post column values).
func (p *WritePlanner) populateResultSet(targets []Target, rowKey []byte, image map[uint32][]byte) *ResultRow {
	if len(targets) == 0 {
		return nil
	}
	row := &ResultRow{Columns: make([]ResultColumn, len(targets))}
	for i, t := range targets {
		if t.IsTupleID() {
			row.Columns[i] = ResultColumn{Target: t, Value: append([]byte(nil), rowKey...)}
			continue
		}
		row.Columns[i] = ResultColumn{Target: t, Value: image[t.ColumnID]}
	}
	return row
}

// applyUpdate mirrors ApplyUpdate: an optional where-expression must
// match the stored value first, then, whether or not the request names
// an explicit tuple id, each new column value is compared against its
// current stored value and only changed columns are written; the
// statement is marked Skipped when nothing actually changed.
func (p *WritePlanner) applyUpdate(req *WriteRequest, rowKey []byte) (*WriteResponse, *WriteBatch, error) {
	if req.WhereExpr != nil {
		row, err := p.readColumns(rowKey, []uint32{req.WhereExpr.ColumnID})
		if err != nil {
			return &WriteResponse{Status: StatusRuntimeError, Err: err}, nil, err
		}
		if cur, ok := row[req.WhereExpr.ColumnID]; !ok || !bytes.Equal(cur, req.WhereExpr.Equals) {
			return &WriteResponse{Status: StatusOK, Skipped: true}, nil, nil
		}
	}

	newValues := make(map[uint32][]byte, len(req.ColumnNewValues))
	colIDs := make([]uint32, 0, len(req.ColumnNewValues)+len(req.Targets))
	for _, cv := range req.ColumnNewValues {
		colIDs = append(colIDs, cv.ColumnID)
		newValues[cv.ColumnID] = cv.Value
	}
	for _, t := range req.Targets {
		if !t.IsTupleID() {
			if _, ok := newValues[t.ColumnID]; !ok {
				colIDs = append(colIDs, t.ColumnID)
			}
		}
	}
	current, err := p.readColumns(rowKey, colIDs)
	if err != nil {
		return &WriteResponse{Status: StatusRuntimeError, Err: err}, nil, err
	}

	batch := &WriteBatch{}
	for _, cv := range req.ColumnNewValues {
		if old, ok := current[cv.ColumnID]; ok && bytes.Equal(old, cv.Value) {
			continue
		}
		batch.Entries = append(batch.Entries, WriteBatchEntry{Key: badgerstore.ColumnKey(rowKey, cv.ColumnID), Value: cv.Value})
	}

	if len(batch.Entries) == 0 {
		return &WriteResponse{Status: StatusOK, Skipped: true}, nil, nil
	}
	if err := p.commit(batch); err != nil {
		err = errors.Wrap(err, "commit update")
		return &WriteResponse{Status: StatusRuntimeError, Err: err}, nil, err
	}
	metrics.WriteBatchSize.Observe(float64(len(batch.Entries)))

	// Merge new values over the pre-update image so the result row
	// reflects the post-update state without a second read.
	image := current
	for cid, v := range newValues {
		image[cid] = v
	}
	return &WriteResponse{Status: StatusOK, ResultRow: p.populateResultSet(req.Targets, rowKey, image)}, batch, nil
}

// applyDelete mirrors ApplyDelete's ReadColumns-then-remove flow. As in
// the original, deleting by an arbitrary WHERE expression instead of a
// resolved row key is not supported.
func (p *WritePlanner) applyDelete(req *WriteRequest, rowKey []byte) (*WriteResponse, *WriteBatch, error) {
	if req.WhereExpr != nil {
		err := tableterr.New(tableterr.InvalidArgument, "delete with a where-expression is not supported, resolve a row key first")
		return &WriteResponse{Status: StatusRuntimeError, Err: err}, nil, err
	}

	exists, err := p.rowExists(rowKey)
	if err != nil {
		return &WriteResponse{Status: StatusRuntimeError, Err: err}, nil, err
	}
	if !exists {
		return &WriteResponse{Status: StatusOK, Skipped: true}, nil, nil
	}

	// Read the preimage before the row is removed, since the result
	// projection (when requested) reflects the row as it last existed.
	targetColIDs := make([]uint32, 0, len(req.Targets))
	for _, t := range req.Targets {
		if !t.IsTupleID() {
			targetColIDs = append(targetColIDs, t.ColumnID)
		}
	}
	preimage, err := p.readColumns(rowKey, targetColIDs)
	if err != nil {
		return &WriteResponse{Status: StatusRuntimeError, Err: err}, nil, err
	}

	batch := &WriteBatch{Entries: []WriteBatchEntry{{Key: badgerstore.ColumnKey(rowKey, LivenessColumnID), Delete: true}}}
	for _, c := range req.Table.Columns {
		batch.Entries = append(batch.Entries, WriteBatchEntry{Key: badgerstore.ColumnKey(rowKey, c.ID), Delete: true})
	}
	if err := p.commit(batch); err != nil {
		err = errors.Wrap(err, "delete row")
		return &WriteResponse{Status: StatusRuntimeError, Err: err}, nil, err
	}
	metrics.WriteBatchSize.Observe(float64(len(batch.Entries)))
	return &WriteResponse{Status: StatusOK, ResultRow: p.populateResultSet(req.Targets, rowKey, preimage)}, batch, nil
}

// rowExists checks the liveness column, the same marker ApplyInsert and
// ApplyDelete use to tell a present-but-empty row from an absent one.
func (p *WritePlanner) rowExists(rowKey []byte) (bool, error) {
	var found bool
	err := p.store.DB.View(func(txn *badger.Txn) error {
		_, err := txn.Get(badgerstore.ColumnKey(rowKey, LivenessColumnID))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return false, errors.Wrap(err, "check row existence")
	}
	return found, nil
}

// readColumns fetches the current stored value of each column id in
// colIDs, mirroring ReadColumns' role in the update comparison path.
// Missing columns are simply absent from the returned map.
func (p *WritePlanner) readColumns(rowKey []byte, colIDs []uint32) (map[uint32][]byte, error) {
	out := make(map[uint32][]byte, len(colIDs))
	err := p.store.DB.View(func(txn *badger.Txn) error {
		for _, cid := range colIDs {
			item, err := txn.Get(badgerstore.ColumnKey(rowKey, cid))
			if err == badger.ErrKeyNotFound {
				continue
			}
			if err != nil {
				return err
			}
			val, err := item.Value()
			if err != nil {
				return err
			}
			out[cid] = append([]byte(nil), val...)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "read columns")
	}
	return out, nil
}

// commit writes every entry of batch (or deletes it, when Delete is
// set) in one badger transaction. Entries already carry their final
// storage key (row key plus column id suffix), built by the caller via
// badgerstore.ColumnKey. An entry with TTLMillis set is written through
// badger's native TTL so the engine reaps the whole row once the
// liveness column's default-TTL entry expires.
func (p *WritePlanner) commit(batch *WriteBatch) error {
	return p.store.DB.Update(func(txn *badger.Txn) error {
		for _, e := range batch.Entries {
			if e.Delete {
				if err := txn.Delete(e.Key); err != nil && err != badger.ErrKeyNotFound {
					return err
				}
				continue
			}
			if e.TTLMillis > 0 {
				if err := txn.SetWithTTL(e.Key, e.Value, time.Duration(e.TTLMillis)*time.Millisecond); err != nil {
					return err
				}
				continue
			}
			if err := txn.Set(e.Key, e.Value); err != nil {
				return err
			}
		}
		return nil
	})
}

