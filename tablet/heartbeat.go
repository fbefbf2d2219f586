package tablet

import (
	"time"

	"github.com/shirou/gopsutil/disk"
	"github.com/shirou/gopsutil/mem"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// SizedStore is the subset of storage/badgerstore.Store a heartbeat
// reporter needs: the on-disk directory to statfs and the engine's own
// LSM/value-log size split, the same pair onStoreHeartbeat in the
// teacher's pd_runner.go reads before filling in UsedSize.
type SizedStore interface {
	Size() (lsm, vlog int64)
}

// StoreStats is this tablet server's self-reported capacity snapshot,
// the Go analogue of pdpb.StoreStats trimmed to what a single-node
// admin surface needs: no replica-level byte/key rates, since there is
// no PD to forward them to.
type StoreStats struct {
	ServerID        string
	Capacity        uint64
	Available       uint64
	UsedSize        uint64
	TabletCount     int
	LastHeartbeatTS time.Time
}

// HeartbeatReporter samples host memory/disk plus the engine's own
// size and republishes a StoreStats snapshot on an interval, the role
// storeHeartBeatLoop/onStoreHeartbeat play for a real PD cluster,
// minus the RPC: nothing here is sent anywhere, it is held for the
// admin HTTP surface to read.
type HeartbeatReporter struct {
	serverID string
	dir      string
	store    SizedStore
	interval time.Duration
	// TabletCount is read fresh on every tick rather than snapshotted at
	// construction, so it reflects Register/Unregister calls made to
	// the server's tablet set between heartbeats.
	TabletCount func() int

	mu    chan struct{} // 1-buffered, guards stats
	stats StoreStats

	stop chan struct{}
}

// NewHeartbeatReporter builds a reporter that statfs's dir and reads
// store's engine size every interval.
func NewHeartbeatReporter(serverID, dir string, store SizedStore, interval time.Duration) *HeartbeatReporter {
	r := &HeartbeatReporter{
		serverID: serverID,
		dir:      dir,
		store:    store,
		interval: interval,
		mu:       make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	r.mu <- struct{}{}
	return r
}

// Start runs the sample loop in a goroutine until Stop is called.
func (r *HeartbeatReporter) Start() {
	go r.loop()
}

// Stop ends the sample loop. Safe to call once.
func (r *HeartbeatReporter) Stop() {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
}

func (r *HeartbeatReporter) loop() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.sample()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.sample()
		}
	}
}

func (r *HeartbeatReporter) sample() {
	diskStat, err := disk.Usage(r.dir)
	if err != nil {
		log.Warn("heartbeat disk sample failed", zap.String("dir", r.dir), zap.Error(err))
		return
	}
	memStat, err := mem.VirtualMemory()
	if err != nil {
		log.Warn("heartbeat mem sample failed", zap.Error(err))
		return
	}

	capacity := diskStat.Total
	if memStat.Total < capacity {
		// a tablet server never legitimately needs more working space
		// than it has RAM to cache, the same conservative cap
		// onStoreHeartbeat applies via its own t.capacity comparison.
		capacity = memStat.Total
	}

	lsm, vlog := r.store.Size()
	usedSize := uint64(lsm + vlog)
	var available uint64
	if capacity > usedSize {
		available = capacity - usedSize
	}

	count := 0
	if r.TabletCount != nil {
		count = r.TabletCount()
	}

	stats := StoreStats{
		ServerID:        r.serverID,
		Capacity:        capacity,
		Available:       available,
		UsedSize:        usedSize,
		TabletCount:     count,
		LastHeartbeatTS: time.Now(),
	}

	<-r.mu
	r.stats = stats
	r.mu <- struct{}{}
}

// Snapshot returns the most recently sampled StoreStats, used by the
// admin HTTP surface's /status endpoint.
func (r *HeartbeatReporter) Snapshot() StoreStats {
	<-r.mu
	s := r.stats
	r.mu <- struct{}{}
	return s
}
