package storage

import (
	"sync"
	"time"

	"github.com/tabletdb/tabletdb/metrics"
	"github.com/tabletdb/tabletdb/tableterr"
)

// Scanner is a server-side handle on an open RowIterator kept alive
// across multiple batched RPCs from one client, the same "keep a
// cursor warm between requests" idea the original protocol calls a
// Redis cursor / YQL scanner.
type Scanner struct {
	ID       string
	Iter     RowIterator
	lastUsed time.Time
	mu       sync.Mutex
}

// Touch records that the scanner was just used, resetting its TTL
// clock.
func (s *Scanner) Touch() {
	s.mu.Lock()
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

func (s *Scanner) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// ScannerRegistry tracks every open Scanner for a tablet server and
// garbage collects ones that have been idle longer than TTL, the
// server-side half of scanner_ttl_ms / scanner_gc_check_interval_us.
type ScannerRegistry struct {
	mu       sync.Mutex
	scanners map[string]*Scanner

	ttl         time.Duration
	gcInterval  time.Duration
	stop        chan struct{}
	stopOnce    sync.Once
}

// NewScannerRegistry starts a background sweeper that closes scanners
// idle for longer than ttl, checking every gcInterval.
func NewScannerRegistry(ttl, gcInterval time.Duration) *ScannerRegistry {
	r := &ScannerRegistry{
		scanners:   make(map[string]*Scanner),
		ttl:        ttl,
		gcInterval: gcInterval,
		stop:       make(chan struct{}),
	}
	go r.gcLoop()
	return r
}

// Register adds a newly opened scanner under id, replacing any existing
// entry with that id.
func (r *ScannerRegistry) Register(id string, iter RowIterator) *Scanner {
	s := &Scanner{ID: id, Iter: iter, lastUsed: time.Now()}
	r.mu.Lock()
	if old, ok := r.scanners[id]; ok {
		old.Iter.Close()
	} else {
		metrics.ScannersOpen.Inc()
	}
	r.scanners[id] = s
	r.mu.Unlock()
	return s
}

// Get returns the scanner registered under id and touches it, or an
// error if it has expired or was never registered.
func (r *ScannerRegistry) Get(id string) (*Scanner, error) {
	r.mu.Lock()
	s, ok := r.scanners[id]
	r.mu.Unlock()
	if !ok {
		return nil, tableterr.New(tableterr.NotFound, "scanner %s not found or expired", id)
	}
	s.Touch()
	return s, nil
}

// Close removes and closes the scanner registered under id. Closing an
// unknown id is not an error, matching the original's tolerant
// close-scanner semantics (TestCloseScanner closes scanners the server
// may have already reaped).
func (r *ScannerRegistry) Close(id string) {
	r.mu.Lock()
	s, ok := r.scanners[id]
	if ok {
		delete(r.scanners, id)
	}
	r.mu.Unlock()
	if ok {
		metrics.ScannersOpen.Dec()
		s.Iter.Close()
	}
}

// Len reports how many scanners are currently registered, used by the
// admin HTTP API.
func (r *ScannerRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.scanners)
}

// Shutdown stops the sweeper and closes every remaining scanner.
func (r *ScannerRegistry) Shutdown() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.scanners {
		metrics.ScannersOpen.Dec()
		s.Iter.Close()
		delete(r.scanners, id)
	}
}

func (r *ScannerRegistry) gcLoop() {
	ticker := time.NewTicker(r.gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *ScannerRegistry) sweep() {
	now := time.Now()
	r.mu.Lock()
	var expired []*Scanner
	for id, s := range r.scanners {
		if now.Sub(s.idleSince()) > r.ttl {
			expired = append(expired, s)
			delete(r.scanners, id)
		}
	}
	r.mu.Unlock()
	for _, s := range expired {
		metrics.ScannersOpen.Dec()
		metrics.ScannersExpired.Inc()
		s.Iter.Close()
	}
}
