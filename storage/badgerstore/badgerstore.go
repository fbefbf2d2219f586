// Package badgerstore is the concrete storage.RowIterator adapter
// backed by github.com/coocood/badger, following the teacher's
// DBReader: wrap one badger.Txn, open a forward iterator lazily, and
// translate badger items into storage.Row values.
package badgerstore

import (
	"bytes"

	"github.com/coocood/badger"
	"github.com/pingcap/errors"

	"github.com/tabletdb/tabletdb/schema"
	"github.com/tabletdb/tabletdb/storage"
)

// columnIDLen is the length of the column-id suffix that separates each
// column's value under one row key: the column id is appended as a
// 4-byte big-endian suffix to the row
// key, the same "flatten multi-column rows into single KV entries"
// idiom the original's SubDocKey-per-column layout uses, simplified to
// a single badger keyspace instead of badger's column families.
const columnIDLen = 4

// Store wraps one badger.DB, providing the NewIterator read entry point.
type Store struct {
	DB  *badger.DB
	Dir string
}

// Open opens (or creates) a badger database at dir using opts.
func Open(opts badger.Options) (*Store, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "open badger store")
	}
	return &Store{DB: db, Dir: opts.Dir}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.DB.Close()
}

// Size reports the LSM tree and value log sizes in bytes, the same
// pair onStoreHeartbeat reads off the engine before filling in a
// heartbeat's UsedSize.
func (s *Store) Size() (lsm, vlog int64) {
	return s.DB.Size()
}

// NewIterator starts a read-only transaction scoped to [startKey,
// endKey) and returns a storage.RowIterator over it for the given
// table. The caller must Close the iterator when done to release the
// transaction.
func (s *Store) NewIterator(tbl *schema.Table, startKey, endKey []byte) storage.RowIterator {
	txn := s.DB.NewTransaction(false)
	return &Iterator{
		txn:      txn,
		table:    tbl,
		startKey: startKey,
		endKey:   endKey,
	}
}

// Iterator is the badger-backed storage.RowIterator.
type Iterator struct {
	txn      *badger.Txn
	iter     *badger.Iterator
	table    *schema.Table
	startKey []byte
	endKey   []byte

	curRowKey []byte
	restartHT int64
	rowsSeen  int
}

func (it *Iterator) opts() badger.IteratorOptions {
	opts := badger.DefaultIteratorOptions
	opts.StartKey = it.startKey
	opts.EndKey = it.endKey
	return opts
}

// Init opens the underlying badger iterator and seeks to the start of
// the scan range.
func (it *Iterator) Init() error {
	it.iter = it.txn.NewIterator(it.opts())
	it.iter.Seek(it.startKey)
	return nil
}

// HasNext reports whether the iterator is positioned on a valid row
// within [startKey, endKey).
func (it *Iterator) HasNext() bool {
	return it.iter.Valid()
}

// NextRow reads the current row's columns, advances past every stored
// entry for that row key (one entry per column), and returns it.
func (it *Iterator) NextRow() (storage.Row, error) {
	if !it.iter.Valid() {
		return storage.Row{}, errors.New("iterator exhausted")
	}
	rowKey, _, err := splitColumnKey(it.iter.Item().KeyCopy(nil))
	if err != nil {
		return storage.Row{}, err
	}
	row := storage.Row{Key: rowKey, Columns: make(map[uint32][]byte)}
	for it.iter.Valid() {
		key := it.iter.Item().Key()
		rk, cid, err := splitColumnKey(key)
		if err != nil {
			return storage.Row{}, err
		}
		if !bytes.Equal(rk, rowKey) {
			break
		}
		val, err := it.iter.Item().Value()
		if err != nil {
			return storage.Row{}, errors.Wrap(err, "read column value")
		}
		row.Columns[cid] = append([]byte(nil), val...)
		it.iter.Next()
	}
	it.curRowKey = rowKey
	it.rowsSeen++
	return row, nil
}

// Seek repositions the iterator at or after a full row+column key,
// updating the row key GetRowKey reports so an index-assisted caller
// can compare it against the ybbasectid it seeked for without first
// consuming the row via NextRow.
func (it *Iterator) Seek(key []byte) error {
	it.iter.Seek(key)
	if it.iter.Valid() {
		rowKey, _, err := splitColumnKey(it.iter.Item().KeyCopy(nil))
		if err != nil {
			return err
		}
		it.curRowKey = rowKey
	}
	return nil
}

// GetRowKey returns the key of the row last returned by NextRow or
// landed on by Seek, whichever happened last.
func (it *Iterator) GetRowKey() []byte {
	return it.curRowKey
}

// RestartReadHT always reports 0: badger's own transaction snapshot
// already pins a single read timestamp, so this adapter never needs to
// restart mid-scan and nothing sets a hint.
func (it *Iterator) RestartReadHT() int64 {
	return it.restartHT
}

// SetPagingStateIfNecessary reports a continuation once rowsSeen
// reaches rowLimit and the iterator still has rows left.
func (it *Iterator) SetPagingStateIfNecessary(rowLimit int) (storage.PagingState, bool) {
	if rowLimit <= 0 || it.rowsSeen < rowLimit || !it.iter.Valid() {
		return storage.PagingState{}, false
	}
	next := append([]byte(nil), it.iter.Item().Key()...)
	return storage.PagingState{NextRowKey: next, RestartReadHT: it.restartHT}, true
}

// Close releases the badger iterator and transaction.
func (it *Iterator) Close() {
	if it.iter != nil {
		it.iter.Close()
	}
	it.txn.Discard()
}

// ColumnKey renders the storage key for one column of the row
// identified by rowKey, the same layout the planner's write batch
// targets and NextRow parses back apart.
func ColumnKey(rowKey []byte, columnID uint32) []byte {
	return joinColumnKey(rowKey, columnID)
}

// SplitColumnKey is the inverse of ColumnKey.
func SplitColumnKey(key []byte) (rowKey []byte, columnID uint32, err error) {
	return splitColumnKey(key)
}

func joinColumnKey(rowKey []byte, columnID uint32) []byte {
	out := make([]byte, len(rowKey)+columnIDLen)
	copy(out, rowKey)
	putUint32(out[len(rowKey):], columnID)
	return out
}

func splitColumnKey(key []byte) (rowKey []byte, columnID uint32, err error) {
	if len(key) < columnIDLen {
		return nil, 0, errors.Errorf("malformed storage key: %d bytes", len(key))
	}
	rowKey = key[:len(key)-columnIDLen]
	columnID = getUint32(key[len(key)-columnIDLen:])
	return rowKey, columnID, nil
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func getUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
