// Package tablet models a remote tablet: its replica set, leader
// pointer, staleness and per-replica failure counters, plus the
// selection policies a caller uses to pick which replica to talk to.
package tablet

import (
	"fmt"
	"sync"

	"github.com/tabletdb/tabletdb/metrics"
)

// Role is a replica's role within its tablet's replication group.
type Role int

const (
	Follower Role = iota
	Leader
	Learner
)

func (r Role) String() string {
	switch r {
	case Leader:
		return "leader"
	case Learner:
		return "learner"
	default:
		return "follower"
	}
}

// Replica describes one server hosting a copy of a tablet.
type Replica struct {
	ServerID string
	Addr     string
	Role     Role
}

// SelectionPolicy controls which replica Select returns.
type SelectionPolicy int

const (
	// LeaderOnly always routes to the current leader; callers that need
	// strong consistency use this.
	LeaderOnly SelectionPolicy = iota
	// ClosestReplica prefers a replica in the caller's own locality,
	// falling back to any live replica; used for CONSISTENT_PREFIX reads.
	ClosestReplica
	// FirstReplica always returns the first non-blacklisted replica in
	// list order, used by tests and low-stakes admin reads.
	FirstReplica
)

// Remote is one tablet: its partition range, replica set, and the
// bookkeeping the selector needs to route around failures. At most one
// replica has Role == Leader at any instant observed by a single
// caller; concurrent observers may disagree during an election, which
// is why Stale exists as an explicit signal to re-fetch from the meta
// cache rather than trust an in-memory leader pointer forever.
type Remote struct {
	mu sync.RWMutex

	ID            string
	PartitionLow  []byte
	PartitionHigh []byte // exclusive upper bound; nil or empty means unbounded.

	replicas []Replica
	leader   string // ServerID of the current leader, "" if unknown.
	stale    bool

	failures map[string]int
}

// New builds a Remote tablet with the given replica set. The first
// replica whose Role is Leader, if any, seeds the leader pointer.
func New(id string, low, high []byte, replicas []Replica) *Remote {
	t := &Remote{
		ID:            id,
		PartitionLow:  low,
		PartitionHigh: high,
		replicas:      append([]Replica(nil), replicas...),
		failures:      make(map[string]int),
	}
	for _, r := range replicas {
		if r.Role == Leader {
			t.leader = r.ServerID
			break
		}
	}
	return t
}

// ContainsKey reports whether key falls within this tablet's partition
// range.
func (t *Remote) ContainsKey(key []byte) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if string(key) < string(t.PartitionLow) {
		return false
	}
	if len(t.PartitionHigh) > 0 && string(key) >= string(t.PartitionHigh) {
		return false
	}
	return true
}

// IsStale reports whether this tablet's routing information must be
// refreshed from the meta source before use.
func (t *Remote) IsStale() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stale
}

// MarkStale flags the tablet as needing a refresh, e.g. after a
// NOT_LEADER or TABLET_NOT_FOUND response.
func (t *Remote) MarkStale() {
	t.mu.Lock()
	t.stale = true
	t.mu.Unlock()
}

// Refresh replaces the replica set and leader pointer after a
// successful re-fetch, clearing the stale flag and failure counters.
func (t *Remote) Refresh(replicas []Replica) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.replicas = append([]Replica(nil), replicas...)
	t.leader = ""
	for _, r := range replicas {
		if r.Role == Leader {
			t.leader = r.ServerID
			break
		}
	}
	t.stale = false
	t.failures = make(map[string]int)
}

// MarkFailed records a failed RPC against serverID, used by the
// selector to skip replicas with a bad recent track record.
func (t *Remote) MarkFailed(serverID string) {
	t.mu.Lock()
	t.failures[serverID]++
	t.mu.Unlock()
	metrics.TabletReplicaFailures.WithLabelValues(serverID).Inc()
}

// Replicas returns a snapshot of the current replica set.
func (t *Remote) Replicas() []Replica {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Replica(nil), t.replicas...)
}

func (t *Remote) String() string {
	return fmt.Sprintf("Remote{id=%s replicas=%d leader=%s stale=%v}", t.ID, len(t.replicas), t.leader, t.IsStale())
}

// failureCount returns how many times serverID has failed recently.
func (t *Remote) failureCount(serverID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.failures[serverID]
}

func (t *Remote) leaderID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.leader
}
