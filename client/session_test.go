package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabletdb/tabletdb/metacache"
	"github.com/tabletdb/tabletdb/planner"
	"github.com/tabletdb/tabletdb/tableterr"
	"github.com/tabletdb/tabletdb/tablet"
)

type fakeExecutor struct {
	mu      sync.Mutex
	calls   int
	perCall map[string]int
	fail    map[string]error

	// failNTimes, when set for a target ServerID, makes ExecuteWrite and
	// ExecuteRead fail that many times (counted together) with a
	// retryable ServiceUnavailable error before succeeding, simulating a
	// leader failover the session must retry through.
	failNTimes map[string]int
	failed     map[string]int
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		perCall:    make(map[string]int),
		fail:       make(map[string]error),
		failNTimes: make(map[string]int),
		failed:     make(map[string]int),
	}
}

func (f *fakeExecutor) ExecuteWrite(ctx context.Context, target tablet.Replica, reqs []*planner.WriteRequest) ([]*planner.WriteResponse, error) {
	tabletID := target.ServerID
	f.mu.Lock()
	f.calls++
	if n := f.failNTimes[tabletID]; n > f.failed[tabletID] {
		f.failed[tabletID]++
		f.mu.Unlock()
		return nil, tableterr.New(tableterr.ServiceUnavailable, "tablet %s not leader", tabletID)
	}
	f.perCall[tabletID] += len(reqs)
	err := f.fail[tabletID]
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	resps := make([]*planner.WriteResponse, len(reqs))
	for i := range reqs {
		resps[i] = &planner.WriteResponse{Status: planner.StatusOK}
	}
	return resps, nil
}

func (f *fakeExecutor) ExecuteRead(ctx context.Context, target tablet.Replica, req *planner.ReadRequest) (*planner.ReadResult, error) {
	tabletID := target.ServerID
	f.mu.Lock()
	f.calls++
	if n := f.failNTimes[tabletID]; n > f.failed[tabletID] {
		f.failed[tabletID]++
		f.mu.Unlock()
		return nil, tableterr.New(tableterr.ServiceUnavailable, "tablet %s not leader", tabletID)
	}
	err := f.fail[tabletID]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &planner.ReadResult{}, nil
}

func op(tabletID string) *Op {
	return &Op{TabletID: tabletID, Write: &planner.WriteRequest{}}
}

func TestFlushGroupsOpsByTablet(t *testing.T) {
	exec := newFakeExecutor()
	s := NewSession(exec, time.Second)

	require.NoError(t, s.Apply(context.Background(), op("t1")))
	require.NoError(t, s.Apply(context.Background(), op("t1")))
	require.NoError(t, s.Apply(context.Background(), op("t2")))
	assert.Equal(t, 3, s.CountBufferedOperations())

	require.NoError(t, s.Flush(context.Background()))
	assert.Equal(t, 0, s.CountBufferedOperations())
	assert.Equal(t, 2, exec.calls)
	assert.Equal(t, 2, exec.perCall["t1"])
	assert.Equal(t, 1, exec.perCall["t2"])
}

func TestFlushEmptyBatchIsNoOp(t *testing.T) {
	exec := newFakeExecutor()
	s := NewSession(exec, time.Second)
	require.NoError(t, s.Flush(context.Background()))
	assert.Equal(t, 0, exec.calls)
}

func TestFlushAsyncDeliversCallbackAfterSessionDropped(t *testing.T) {
	exec := newFakeExecutor()
	s := NewSession(exec, time.Second)
	require.NoError(t, s.Apply(context.Background(), op("t1")))

	done := make(chan error, 1)
	s.FlushAsync(context.Background(), func(err error) { done <- err })
	s = nil // drop the Session reference; the flush must not depend on it.

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("FlushAsync callback never fired")
	}
}

func TestCloseFailsWithPendingOperations(t *testing.T) {
	exec := newFakeExecutor()
	s := NewSession(exec, time.Second)
	require.NoError(t, s.Apply(context.Background(), op("t1")))

	err := s.Close()
	assert.Error(t, err)

	require.NoError(t, s.Flush(context.Background()))
	assert.NoError(t, s.Close())
}

func TestBatchWithFailingTabletStillFlushesOthers(t *testing.T) {
	exec := newFakeExecutor()
	exec.fail["bad-tablet"] = assert.AnError
	s := NewSession(exec, time.Second)

	badOp := op("bad-tablet")
	goodOp := op("good-tablet")
	require.NoError(t, s.Apply(context.Background(), badOp))
	require.NoError(t, s.Apply(context.Background(), goodOp))

	err := s.Flush(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, exec.perCall["good-tablet"])
	assert.NotNil(t, goodOp.Response())
	assert.Equal(t, planner.StatusOK, goodOp.Response().Status)
	assert.Equal(t, assert.AnError, badOp.Err())
}

func TestAutoFlushSyncFlushesImmediately(t *testing.T) {
	exec := newFakeExecutor()
	s := NewSession(exec, time.Second)
	require.NoError(t, s.SetFlushMode(AutoFlushSync))

	require.NoError(t, s.Apply(context.Background(), op("t1")))
	assert.Equal(t, 0, s.CountBufferedOperations())
	assert.Equal(t, 1, exec.calls)
}

func TestSetFlushModeRejectsWithPendingOperations(t *testing.T) {
	exec := newFakeExecutor()
	s := NewSession(exec, time.Second)
	require.NoError(t, s.Apply(context.Background(), op("t1")))
	assert.Error(t, s.SetFlushMode(AutoFlushSync))
}

// dupKeyExecutor simulates the server-side duplicate-key rejection a
// WritePlanner surfaces per row within a single ExecuteWrite batch,
// without depending on the planner package directly.
type dupKeyExecutor struct{ seen map[string]bool }

func newDupKeyExecutor() *dupKeyExecutor { return &dupKeyExecutor{seen: make(map[string]bool)} }

func (e *dupKeyExecutor) ExecuteWrite(ctx context.Context, target tablet.Replica, reqs []*planner.WriteRequest) ([]*planner.WriteResponse, error) {
	resps := make([]*planner.WriteResponse, len(reqs))
	for i, req := range reqs {
		key := string(req.PartitionColumnValues[0])
		if req.StmtType == planner.StmtInsert && e.seen[key] {
			resps[i] = &planner.WriteResponse{Status: planner.StatusQLError, Err: tableterr.New(tableterr.AlreadyPresent, "duplicate key")}
			continue
		}
		e.seen[key] = true
		resps[i] = &planner.WriteResponse{Status: planner.StatusOK}
	}
	return resps, nil
}

func (e *dupKeyExecutor) ExecuteRead(ctx context.Context, target tablet.Replica, req *planner.ReadRequest) (*planner.ReadResult, error) {
	return &planner.ReadResult{}, nil
}

// TestDuplicateInsertWithinFlushIsNotSessionError covers S2: two
// inserts of the same row buffered into one flush land in the same
// tablet group and dispatch together; the second is rejected with a
// row-level QLError, but per spec.md §4.4 that is not itself a Flush
// error, only a status carried on the affected Op's Response.
func TestDuplicateInsertWithinFlushIsNotSessionError(t *testing.T) {
	exec := newDupKeyExecutor()
	s := NewSession(exec, time.Second)

	insert := func() *Op {
		return &Op{TabletID: "t1", Write: &planner.WriteRequest{
			StmtType:              planner.StmtInsert,
			PartitionColumnValues: [][]byte{[]byte("k1")},
		}}
	}
	first := insert()
	second := insert()
	require.NoError(t, s.Apply(context.Background(), first))
	require.NoError(t, s.Apply(context.Background(), second))

	err := s.Flush(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, planner.StatusOK, first.Response().Status)
	assert.Equal(t, planner.StatusQLError, second.Response().Status)
}

// TestSessionReadRetriesThroughLeaderFailover covers S3: a read hits a
// replica that reports ServiceUnavailable ("not leader"), the session
// marks the tablet stale (the cache's Refresh callback re-fetches it),
// backs the replica off, and retries under the same policy until a
// replica answers successfully.
func TestSessionReadRetriesThroughLeaderFailover(t *testing.T) {
	tb := tablet.New("t1", []byte("a"), []byte("z"), []tablet.Replica{
		{ServerID: "s1", Addr: "127.0.0.1:1", Role: tablet.Leader},
		{ServerID: "s2", Addr: "127.0.0.1:2", Role: tablet.Follower},
	})
	cache := metacache.New()
	cache.Put(1, tb)
	cache.Refresh = func(tableID uint32, tabletID string) {
		tb.Refresh(tb.Replicas())
	}
	selector := tablet.NewSelector(tablet.NewBlacklist(), "")

	exec := newFakeExecutor()
	exec.failNTimes["s1"] = 1

	s := NewSession(exec, time.Second)
	s.SetRouting(cache, selector, tablet.FirstReplica)

	result, err := s.Read(context.Background(), 1, []byte("b"), &planner.ReadRequest{})
	require.NoError(t, err)
	assert.NotNil(t, result)
	assert.Equal(t, 2, exec.calls)
}

// TestSessionReadRetriesThroughStaleTablet covers the invariant-6
// staleness gate: a tablet marked stale yields no selector output
// until its async refresh lands, and the session must wait that out
// rather than fail the read outright.
func TestSessionReadRetriesThroughStaleTablet(t *testing.T) {
	tb := tablet.New("t1", []byte("a"), []byte("z"), []tablet.Replica{
		{ServerID: "s1", Addr: "127.0.0.1:1", Role: tablet.Leader},
	})
	tb.MarkStale()

	cache := metacache.New()
	cache.Put(1, tb)
	cache.Refresh = func(tableID uint32, tabletID string) {
		tb.Refresh(tb.Replicas())
	}
	selector := tablet.NewSelector(tablet.NewBlacklist(), "")

	exec := newFakeExecutor()
	s := NewSession(exec, time.Second)
	s.SetRouting(cache, selector, tablet.LeaderOnly)

	result, err := s.Read(context.Background(), 1, []byte("b"), &planner.ReadRequest{})
	require.NoError(t, err)
	assert.NotNil(t, result)
	assert.Equal(t, 1, exec.calls)
}

// TestSessionReadSurfacesExpiredScannerWithoutRetry covers S5: a scan
// continuation that references a scanner the tablet server's
// ScannerRegistry has already reaped (storage.ScannerRegistry.sweep)
// surfaces as a plain NotFound the session does not retry, since
// NotFound is not in tableterr.Retryable's set.
func TestSessionReadSurfacesExpiredScannerWithoutRetry(t *testing.T) {
	tb := tablet.New("t1", []byte("a"), []byte("z"), []tablet.Replica{
		{ServerID: "s1", Addr: "127.0.0.1:1", Role: tablet.Leader},
	})
	cache := metacache.New()
	cache.Put(1, tb)
	selector := tablet.NewSelector(tablet.NewBlacklist(), "")

	exec := newFakeExecutor()
	exec.fail["s1"] = tableterr.New(tableterr.NotFound, "scanner expired")

	s := NewSession(exec, time.Second)
	s.SetRouting(cache, selector, tablet.LeaderOnly)

	_, err := s.Read(context.Background(), 1, []byte("b"), &planner.ReadRequest{})
	assert.Error(t, err)
	assert.Equal(t, tableterr.NotFound, tableterr.CodeOf(err))
	assert.Equal(t, 1, exec.calls)
}
