// Package client is the application-facing half of the tablet store: a
// Session batches row operations, routes each by tablet, and flushes
// them concurrently, the same role scheduler/client's pd client plays
// for region metadata but applied to row writes and reads instead.
package client

import (
	"context"
	"sync"
	"time"

	opentracing "github.com/opentracing/opentracing-go"
	"github.com/juju/ratelimit"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/tabletdb/tabletdb/metacache"
	"github.com/tabletdb/tabletdb/metrics"
	"github.com/tabletdb/tabletdb/planner"
	"github.com/tabletdb/tabletdb/tableterr"
	"github.com/tabletdb/tabletdb/tablet"
)

// defaultLeaderRetryBackoff is how long a replica that just reported
// "not leader"/"tablet not running" is excluded from Select before the
// session retries, per the leader-election-tolerance contract.
const defaultLeaderRetryBackoff = 50 * time.Millisecond

// FlushMode controls when a Session sends its buffered writes, mirroring
// YBSession's MANUAL_FLUSH / AUTO_FLUSH_SYNC / AUTO_FLUSH_BACKGROUND.
type FlushMode int

const (
	ManualFlush FlushMode = iota
	AutoFlushSync
	AutoFlushBackground
)

// TabletExecutor is the per-tablet transport a Session drives: in
// production a gRPC stub dialing the replica the Selector chose, in
// tests a direct in-process call into that tablet's
// planner.WritePlanner/ReadPlanner.
type TabletExecutor interface {
	ExecuteWrite(ctx context.Context, target tablet.Replica, reqs []*planner.WriteRequest) ([]*planner.WriteResponse, error)
	ExecuteRead(ctx context.Context, target tablet.Replica, req *planner.ReadRequest) (*planner.ReadResult, error)
}

// Op is one buffered write. A caller that already knows which tablet
// owns the row (e.g. a test, or a caller with its own routing) sets
// TabletID directly. Otherwise it sets TableID and RowKey and leaves
// TabletID empty; the Session resolves it through the Meta Cache and
// Selector at flush time, per spec.md §2's "Session -> Meta Cache +
// Selector (per op) -> per-tablet batch" control flow.
type Op struct {
	TabletID string
	TableID  uint32
	RowKey   []byte
	Write    *planner.WriteRequest

	resp *planner.WriteResponse
	err  error
}

// Response returns the op's result after a Flush/FlushAsync that
// included it has completed; nil before that.
func (o *Op) Response() *planner.WriteResponse { return o.resp }

// Err returns the op's resolution error (transport failure), distinct
// from a row-level QLError/SchemaVersionMismatch which is reported via
// Response().Status instead.
func (o *Op) Err() error { return o.err }

// defaultTabletInFlightRate bounds how many write groups per second a
// Session will dispatch to any one tablet, the same per-store bucket
// idiom the scheduler's OperatorController uses to cap store-directed
// traffic, applied here per destination tablet instead of per store.
const defaultTabletInFlightRate = 50

// Session buffers Apply()'d operations and flushes them grouped by
// tablet, concurrently, the Go counterpart of YBSession.
type Session struct {
	executor TabletExecutor

	mu             sync.Mutex
	mode           FlushMode
	timeout        time.Duration
	pending        []*Op
	errs           []error
	closed         bool
	tabletLimiters map[string]*ratelimit.Bucket

	defaultTimeout time.Duration

	metaCache *metacache.Cache
	selector  *tablet.Selector
	policy    tablet.SelectionPolicy
}

// SetRouting configures the Meta Cache and Selector the Session
// resolves Op.TableID/RowKey through for any Op left without an
// explicit TabletID. Routing is disabled (the zero value) by default,
// so a caller that always supplies TabletID directly never needs this.
func (s *Session) SetRouting(cache *metacache.Cache, selector *tablet.Selector, policy tablet.SelectionPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metaCache = cache
	s.selector = selector
	s.policy = policy
}

func (s *Session) routingConfigured() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metaCache != nil && s.selector != nil
}

// NewSession returns a Session with ManualFlush mode and the given
// default per-flush timeout, mirroring default_rpc_timeout in config.
func NewSession(executor TabletExecutor, defaultTimeout time.Duration) *Session {
	return &Session{
		executor:       executor,
		mode:           ManualFlush,
		timeout:        defaultTimeout,
		defaultTimeout: defaultTimeout,
		tabletLimiters: make(map[string]*ratelimit.Bucket),
	}
}

func (s *Session) tabletLimiter(tabletID string) *ratelimit.Bucket {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.tabletLimiters[tabletID]
	if !ok {
		b = ratelimit.NewBucketWithRate(defaultTabletInFlightRate, defaultTabletInFlightRate)
		s.tabletLimiters[tabletID] = b
	}
	return b
}

// SetFlushMode changes how subsequent Apply calls behave; it is an
// error to switch modes while operations are still buffered.
func (s *Session) SetFlushMode(mode FlushMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) > 0 {
		return tableterr.New(tableterr.IllegalState, "cannot change flush mode with pending operations")
	}
	s.mode = mode
	return nil
}

// SetTimeout overrides the per-flush deadline for this session.
func (s *Session) SetTimeout(d time.Duration) {
	s.mu.Lock()
	s.timeout = d
	s.mu.Unlock()
}

// Apply buffers op. In AutoFlushSync mode it flushes immediately and
// returns any flush error; in AutoFlushBackground it flushes
// asynchronously and always returns nil; in ManualFlush it only
// buffers, matching YBSession::Apply's per-mode behavior.
func (s *Session) Apply(ctx context.Context, op *Op) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return tableterr.New(tableterr.IllegalState, "session is closed")
	}
	s.pending = append(s.pending, op)
	mode := s.mode
	s.mu.Unlock()

	switch mode {
	case AutoFlushSync:
		return s.Flush(ctx)
	case AutoFlushBackground:
		s.FlushAsync(ctx, nil)
		return nil
	default:
		return nil
	}
}

// HasPendingOperations reports whether any buffered op has not yet
// been flushed.
func (s *Session) HasPendingOperations() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) > 0
}

// CountBufferedOperations reports how many ops are currently buffered.
func (s *Session) CountBufferedOperations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// CountPendingErrors reports how many errors were collected by the
// last Flush/FlushAsync.
func (s *Session) CountPendingErrors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.errs)
}

// GetPendingErrors drains and returns the errors collected so far.
func (s *Session) GetPendingErrors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	errs := s.errs
	s.errs = nil
	return errs
}

// Flush sends every buffered op, grouped and executed per tablet
// concurrently, and blocks until all groups have responded or the
// session's timeout elapses. It returns the first transport-level
// error encountered, if any; row-level failures (duplicate key, schema
// mismatch) are reported on each Op and do not fail Flush, matching
// TestBatchWithDuplicates' "flushing a batch with one failing op among
// several succeeds overall."
func (s *Session) Flush(ctx context.Context) error {
	return s.flush(ctx, nil)
}

// FlushAsync starts the same flush as Flush but does not block; cb, if
// non-nil, is invoked with the resulting error once every group has
// responded. The flush runs in a detached goroutine so that dropping
// the Session immediately afterward (as in
// TestAsyncFlushResponseAfterSessionDropped) still delivers cb.
func (s *Session) FlushAsync(ctx context.Context, cb func(error)) {
	s.mu.Lock()
	ops := s.pending
	s.pending = nil
	s.mu.Unlock()

	go func() {
		err := s.flushOps(ctx, ops)
		if cb != nil {
			cb(err)
		}
	}()
}

func (s *Session) flush(ctx context.Context, _ *struct{}) error {
	s.mu.Lock()
	ops := s.pending
	s.pending = nil
	s.mu.Unlock()
	return s.flushOps(ctx, ops)
}

// flushOps works on the ops handed to it. Of the Session's state it
// reads the timeout and routing, creates per-tablet limiters on demand,
// and appends to errs; it never touches pending, so it can keep running
// after the caller has dropped its reference to the Session.
func (s *Session) flushOps(ctx context.Context, ops []*Op) error {
	if len(ops) == 0 {
		return nil
	}

	span := opentracing.StartSpan("client.Flush")
	defer span.Finish()

	start := time.Now()
	defer func() { metrics.SessionFlushLatency.Observe(time.Since(start).Seconds()) }()

	ctx, cancel := context.WithTimeout(ctx, s.timeoutOrDefault())
	defer cancel()

	if err := s.resolveTablets(ops); err != nil {
		s.mu.Lock()
		s.errs = append(s.errs, err)
		s.mu.Unlock()
		return err
	}

	groups := groupByTablet(ops)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for tabletID, groupOps := range groups {
		s.tabletLimiter(tabletID).Wait(1)
		wg.Add(1)
		go func(tabletID string, groupOps []*Op) {
			defer wg.Done()
			err := s.flushGroup(ctx, tabletID, groupOps)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(tabletID, groupOps)
	}
	wg.Wait()

	if firstErr != nil {
		s.mu.Lock()
		s.errs = append(s.errs, firstErr)
		s.mu.Unlock()
	}
	return firstErr
}

// resolveTablets fills in TabletID for every op that left it empty,
// via the Meta Cache lookup keyed by (TableID, RowKey) followed by a
// Selector pick under the session's configured policy. Ops that
// already carry a TabletID (the common test/caller-routed path) are
// left untouched. Returns the first resolution error, if any, and sets
// it as the Err of each op that failed to resolve. A resolution error is
// not retried here, and flushOps then fails the whole flush without
// dispatching any group, including ops that did resolve.
func (s *Session) resolveTablets(ops []*Op) error {
	if !s.routingConfigured() {
		return nil
	}
	s.mu.Lock()
	cache, selector, policy := s.metaCache, s.selector, s.policy
	s.mu.Unlock()

	var firstErr error
	for _, op := range ops {
		if op.TabletID != "" {
			continue
		}
		remote, err := cache.Lookup(op.TableID, op.RowKey)
		if err != nil {
			op.err = err
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if _, err := selector.Select(remote, policy); err != nil {
			op.err = err
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		op.TabletID = remote.ID
	}
	return firstErr
}

func (s *Session) flushGroup(ctx context.Context, tabletID string, groupOps []*Op) error {
	reqs := make([]*planner.WriteRequest, len(groupOps))
	for i, op := range groupOps {
		reqs[i] = op.Write
	}

	var lastErr error
	for {
		target, err := s.targetFor(tabletID, groupOps[0])
		if err != nil {
			lastErr = err
			if !tableterr.Retryable(err) || !s.routingConfigured() {
				break
			}
			// The tablet is stale and a refresh is already in flight
			// (triggered by the Lookup/Select above); wait it out and
			// re-resolve rather than fail the whole group.
			select {
			case <-ctx.Done():
				lastErr = tableterr.Wrap(tableterr.Timeout, lastErr, "flush to tablet %s timed out after retries", tabletID)
				goto done
			case <-time.After(defaultLeaderRetryBackoff):
			}
			continue
		}

		resps, err := s.executor.ExecuteWrite(ctx, target, reqs)
		if err == nil {
			for i, op := range groupOps {
				if i < len(resps) {
					op.resp = resps[i]
				}
			}
			return nil
		}
		lastErr = err
		log.Error("flush group failed", zap.String("tablet", tabletID), zap.Error(err))

		if !tableterr.Retryable(err) || !s.routingConfigured() {
			break
		}

		// Leader election tolerance: the server reported "not leader" or
		// "tablet not running". Mark the entry stale and the replica
		// backed off, then retry with the same policy up to the
		// operation deadline.
		s.mu.Lock()
		cache, selector := s.metaCache, s.selector
		s.mu.Unlock()
		cache.MarkStale(groupOps[0].TableID, tabletID)
		selector.Backoff(target.ServerID, defaultLeaderRetryBackoff)

		select {
		case <-ctx.Done():
			lastErr = tableterr.Wrap(tableterr.Timeout, lastErr, "flush to tablet %s timed out after retries", tabletID)
			goto done
		default:
		}
	}
done:
	for _, op := range groupOps {
		op.err = lastErr
	}
	return lastErr
}

// targetFor resolves which replica to address for tabletID. When
// routing is not configured (the direct-TabletID caller/test path), it
// returns a bare replica carrying only the tablet id, which executors
// that ignore replica identity (e.g. in-process test doubles) can use
// as-is.
func (s *Session) targetFor(tabletID string, sample *Op) (tablet.Replica, error) {
	if !s.routingConfigured() {
		return tablet.Replica{ServerID: tabletID}, nil
	}
	s.mu.Lock()
	cache, selector, policy := s.metaCache, s.selector, s.policy
	s.mu.Unlock()

	remote, err := cache.Lookup(sample.TableID, sample.RowKey)
	if err != nil {
		return tablet.Replica{}, err
	}
	return selector.Select(remote, policy)
}

func (s *Session) timeoutOrDefault() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timeout > 0 {
		return s.timeout
	}
	return s.defaultTimeout
}

// Close flushes nothing: an application must Flush (or FlushAsync and
// wait) before Close, which fails with IllegalState while operations
// remain buffered, matching TestSessionClose.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) > 0 {
		return tableterr.New(tableterr.IllegalState, "session closed with pending operations")
	}
	s.closed = true
	return nil
}

func groupByTablet(ops []*Op) map[string][]*Op {
	groups := make(map[string][]*Op)
	for _, op := range ops {
		groups[op.TabletID] = append(groups[op.TabletID], op)
	}
	return groups
}

// Read resolves the tablet owning rowKey under tableID through the
// Meta Cache and Selector, then executes req against it, applying the
// same leader-election-tolerance retry as flushGroup: a "not leader"
// or "tablet not running" response marks the entry stale, backs off
// the replica, and retries up to the deadline.
//
// Read requires SetRouting to have been called; there is no direct-
// tabletID path for reads the way Op.TabletID provides for writes,
// since a read has no caller-buffered Op to carry one.
func (s *Session) Read(ctx context.Context, tableID uint32, rowKey []byte, req *planner.ReadRequest) (*planner.ReadResult, error) {
	if !s.routingConfigured() {
		return nil, tableterr.New(tableterr.IllegalState, "session.Read requires SetRouting")
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeoutOrDefault())
	defer cancel()

	s.mu.Lock()
	cache, selector, policy := s.metaCache, s.selector, s.policy
	s.mu.Unlock()

	var lastErr error
	for {
		remote, err := cache.Lookup(tableID, rowKey)
		if err != nil {
			return nil, err
		}
		target, err := selector.Select(remote, policy)
		if err != nil {
			if !tableterr.Retryable(err) {
				return nil, err
			}
			lastErr = err
			select {
			case <-ctx.Done():
				return nil, tableterr.Wrap(tableterr.Timeout, lastErr, "read from tablet %s timed out after retries", remote.ID)
			case <-time.After(defaultLeaderRetryBackoff):
			}
			continue
		}

		result, err := s.executor.ExecuteRead(ctx, target, req)
		if err == nil {
			return result, nil
		}
		lastErr = err
		log.Error("read failed", zap.String("tablet", remote.ID), zap.Error(err))

		if !tableterr.Retryable(err) {
			return nil, err
		}
		cache.MarkStale(tableID, remote.ID)
		selector.Backoff(target.ServerID, defaultLeaderRetryBackoff)

		select {
		case <-ctx.Done():
			return nil, tableterr.Wrap(tableterr.Timeout, lastErr, "read from tablet %s timed out after retries", remote.ID)
		default:
		}
	}
}
