// Package metacache is the client-side meta cache: an ordered index of
// RemoteTablet by partition start key, keyed per table, so a lookup for
// an arbitrary row key resolves in O(log n) instead of scanning every
// known tablet. Stale entries are marked in place and refreshed by a
// one-shot callback rather than evicted, the same "update in place, do
// not thrash the tree" idiom the teacher's region tree uses.
package metacache

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/tabletdb/tabletdb/metrics"
	"github.com/tabletdb/tabletdb/tableterr"
	"github.com/tabletdb/tabletdb/tablet"
)

const defaultBTreeDegree = 32

// tabletItem adapts *tablet.Remote to btree.Item, ordering by the
// partition's low key.
type tabletItem struct {
	low []byte
	t   *tablet.Remote
}

func (i *tabletItem) Less(other btree.Item) bool {
	return bytes.Compare(i.low, other.(*tabletItem).low) < 0
}

// tableIndex is the per-table ordered index plus a lookup-by-id map for
// direct invalidation.
type tableIndex struct {
	tree *btree.BTree
	byID map[string]*tablet.Remote
}

// Cache is the meta cache for one client: every table it has seen gets
// its own ordered index of tablets.
type Cache struct {
	mu     sync.RWMutex
	tables map[uint32]*tableIndex

	// Refresh, when set, is called with (tableID, tabletID) the first
	// time a lookup observes a stale entry; it is expected to fetch
	// fresh routing information and call Put. Only one refresh per
	// stale tablet is in flight at a time (see refreshing).
	Refresh func(tableID uint32, tabletID string)

	refreshMu  sync.Mutex
	refreshing map[string]bool
}

// New returns an empty meta cache.
func New() *Cache {
	return &Cache{
		tables:     make(map[uint32]*tableIndex),
		refreshing: make(map[string]bool),
	}
}

func (c *Cache) indexFor(tableID uint32) *tableIndex {
	idx, ok := c.tables[tableID]
	if !ok {
		idx = &tableIndex{tree: btree.New(defaultBTreeDegree), byID: make(map[string]*tablet.Remote)}
		c.tables[tableID] = idx
	}
	return idx
}

// Put inserts or replaces the routing entry for t under tableID, keyed
// by its partition low key.
func (c *Cache) Put(tableID uint32, t *tablet.Remote) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.indexFor(tableID)
	if old, ok := idx.byID[t.ID]; ok {
		idx.tree.Delete(&tabletItem{low: old.PartitionLow, t: old})
	}
	idx.byID[t.ID] = t
	idx.tree.ReplaceOrInsert(&tabletItem{low: t.PartitionLow, t: t})
}

// Lookup finds the tablet whose partition range covers key for the
// given table. If the found tablet is stale and a Refresh callback is
// set, it triggers a one-shot refresh for that tablet (deduplicated so
// concurrent lookups don't pile up refreshes) and still returns the
// stale entry, since a caller can retry after the refresh lands rather
// than block.
func (c *Cache) Lookup(tableID uint32, key []byte) (*tablet.Remote, error) {
	c.mu.RLock()
	idx, ok := c.tables[tableID]
	if !ok {
		c.mu.RUnlock()
		return nil, tableterr.New(tableterr.NotFound, "no meta cache entries for table %d", tableID)
	}

	var found *tablet.Remote
	pivot := &tabletItem{low: key}
	idx.tree.DescendLessOrEqual(pivot, func(i btree.Item) bool {
		cand := i.(*tabletItem).t
		if cand.ContainsKey(key) {
			found = cand
		}
		return false
	})
	c.mu.RUnlock()

	if found == nil {
		return nil, tableterr.New(tableterr.NotFound, "no tablet for table %d covers key %q", tableID, key)
	}
	if found.IsStale() {
		metrics.TabletStaleLookups.WithLabelValues(fmt.Sprintf("%d", tableID)).Inc()
		c.triggerRefresh(tableID, found.ID)
	}
	return found, nil
}

func (c *Cache) triggerRefresh(tableID uint32, tabletID string) {
	if c.Refresh == nil {
		return
	}
	dedupeKey := refreshKey(tableID, tabletID)
	c.refreshMu.Lock()
	if c.refreshing[dedupeKey] {
		c.refreshMu.Unlock()
		return
	}
	c.refreshing[dedupeKey] = true
	c.refreshMu.Unlock()
	metrics.TabletRefreshesInFlight.Inc()

	go func() {
		defer func() {
			c.refreshMu.Lock()
			delete(c.refreshing, dedupeKey)
			c.refreshMu.Unlock()
			metrics.TabletRefreshesInFlight.Dec()
		}()
		c.Refresh(tableID, tabletID)
	}()
}

func refreshKey(tableID uint32, tabletID string) string {
	return fmt.Sprintf("%d/%s", tableID, tabletID)
}

// MarkStale flags the tablet under tableID/tabletID as stale, if known.
func (c *Cache) MarkStale(tableID uint32, tabletID string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx, ok := c.tables[tableID]
	if !ok {
		return
	}
	if t, ok := idx.byID[tabletID]; ok {
		t.MarkStale()
	}
}

// Walk calls fn for every tablet tracked under tableID, in ascending
// partition-low-key order, the same traversal Lookup's
// DescendLessOrEqual relies on but over the whole tree instead of one
// pivot; used by the admin HTTP surface to list a table's tablets.
func (c *Cache) Walk(tableID uint32, fn func(t *tablet.Remote)) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx, ok := c.tables[tableID]
	if !ok {
		return
	}
	idx.tree.Ascend(func(i btree.Item) bool {
		fn(i.(*tabletItem).t)
		return true
	})
}

// Size returns the number of tablets tracked for tableID.
func (c *Cache) Size(tableID uint32) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx, ok := c.tables[tableID]
	if !ok {
		return 0
	}
	return idx.tree.Len()
}
