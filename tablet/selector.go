package tablet

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tabletdb/tabletdb/tableterr"
)

// Blacklist tracks tablet servers the caller has decided to avoid, e.g.
// because a prior RPC reported them dead. It is shared across Selects
// for the lifetime of one session, mirroring the teacher's tablet-server
// blacklist behavior exercised by TestGetTabletServerBlacklist.
type Blacklist struct {
	mu  sync.RWMutex
	set map[string]struct{}
}

// NewBlacklist returns an empty blacklist.
func NewBlacklist() *Blacklist {
	return &Blacklist{set: make(map[string]struct{})}
}

// Add blacklists serverID.
func (b *Blacklist) Add(serverID string) {
	b.mu.Lock()
	b.set[serverID] = struct{}{}
	b.mu.Unlock()
}

// Contains reports whether serverID is blacklisted.
func (b *Blacklist) Contains(serverID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.set[serverID]
	return ok
}

// Selector chooses a replica to route an RPC to according to a
// SelectionPolicy, skipping blacklisted replicas and backing off
// replicas that have failed recently.
type Selector struct {
	blacklist *Blacklist
	locality  string

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewSelector builds a Selector. locality is the caller's own rack/zone
// identifier, used by ClosestReplica; an empty locality disables the
// locality preference and falls back to replica list order.
func NewSelector(blacklist *Blacklist, locality string) *Selector {
	return &Selector{blacklist: blacklist, locality: locality, limiters: make(map[string]*rate.Limiter)}
}

// Select returns the replica to use for t under policy, or an error if
// every replica is blacklisted or backed off.
func (s *Selector) Select(t *Remote, policy SelectionPolicy) (Replica, error) {
	if t.IsStale() {
		return Replica{}, tableterr.New(tableterr.ServiceUnavailable, "tablet %s is marked stale, awaiting refresh", t.ID)
	}

	replicas := t.Replicas()
	if len(replicas) == 0 {
		return Replica{}, tableterr.New(tableterr.IllegalState, "tablet %s has no replicas", t.ID)
	}
	// Replicas with a failure recorded by MarkFailed since the last
	// Refresh are skipped exactly like blacklisted ones.
	live := replicas[:0:0]
	for _, r := range replicas {
		if t.failureCount(r.ServerID) == 0 {
			live = append(live, r)
		}
	}
	replicas = live

	switch policy {
	case LeaderOnly:
		leaderID := t.leaderID()
		for _, r := range replicas {
			if r.ServerID == leaderID && r.Role == Leader && s.usable(r) {
				return r, nil
			}
		}
		return Replica{}, tableterr.New(tableterr.ServiceUnavailable, "tablet %s has no usable leader", t.ID)
	case ClosestReplica:
		if r, ok := s.pickClosest(replicas); ok {
			return r, nil
		}
		fallthrough
	case FirstReplica:
		for _, r := range replicas {
			if s.usable(r) {
				return r, nil
			}
		}
	}
	return Replica{}, tableterr.New(tableterr.ServiceUnavailable, "tablet %s has no usable replica under policy %d", t.ID, policy)
}

func (s *Selector) pickClosest(replicas []Replica) (Replica, bool) {
	if s.locality == "" {
		return Replica{}, false
	}
	for _, r := range replicas {
		if s.usable(r) && localityOf(r) == s.locality {
			return r, true
		}
	}
	return Replica{}, false
}

// localityOf is a placeholder until replica descriptors carry a real
// rack/zone field; today it always misses, so ClosestReplica degrades
// to FirstReplica ordering, matching the fallthrough above.
func localityOf(Replica) string { return "" }

// usable reports whether r may be selected: it must not be blacklisted,
// and if it has an active backoff window from a recent failure (set by
// Backoff), that window must have elapsed. A replica with no recorded
// failure has no limiter at all and is always usable, regardless of
// how often it has been selected.
func (s *Selector) usable(r Replica) bool {
	if s.blacklist != nil && s.blacklist.Contains(r.ServerID) {
		return false
	}
	s.mu.Lock()
	l, ok := s.limiters[r.ServerID]
	s.mu.Unlock()
	if !ok {
		return true
	}
	if !l.Allow() {
		return false
	}
	// The window has elapsed: drop the limiter so the replica is
	// unconditionally usable again until the next Backoff.
	s.mu.Lock()
	if s.limiters[r.ServerID] == l {
		delete(s.limiters, r.ServerID)
	}
	s.mu.Unlock()
	return true
}

// Backoff forces the next usable() check for serverID to wait, called
// by the session after a failed RPC so the next Select naturally skips
// a just-failed replica for a short window without blacklisting it
// outright.
func (s *Selector) Backoff(serverID string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limiters[serverID] = rate.NewLimiter(rate.Every(d), 1)
	s.limiters[serverID].Reserve()
}
