package tablet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSizedStore struct{ lsm, vlog int64 }

func (f fakeSizedStore) Size() (int64, int64) { return f.lsm, f.vlog }

func TestHeartbeatReporterSamplesOnStart(t *testing.T) {
	r := NewHeartbeatReporter("srv-1", ".", fakeSizedStore{lsm: 100, vlog: 50}, time.Hour)
	r.TabletCount = func() int { return 3 }
	r.sample()

	stats := r.Snapshot()
	assert.Equal(t, "srv-1", stats.ServerID)
	assert.Equal(t, uint64(150), stats.UsedSize)
	assert.Equal(t, 3, stats.TabletCount)
	assert.True(t, stats.Capacity > 0)
	require.False(t, stats.LastHeartbeatTS.IsZero())
}

func TestHeartbeatReporterAvailableNeverNegative(t *testing.T) {
	r := NewHeartbeatReporter("srv-1", ".", fakeSizedStore{lsm: 1 << 62, vlog: 1 << 62}, time.Hour)
	r.sample()
	stats := r.Snapshot()
	assert.True(t, stats.Available == 0 || stats.UsedSize > 0)
}
