package cluster

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/Hamza-Labs-Core/zajel-sub017/internal/store"
)

// MemberStatus is a node's state in the failure detector.
type MemberStatus string

const (
	StatusAlive   MemberStatus = "alive"
	StatusSuspect MemberStatus = "suspect"
	StatusFailed  MemberStatus = "failed"
	StatusLeft    MemberStatus = "left"
)

// statusPriority breaks ties between gossip updates carrying the same
// incarnation: a stronger claim about a node wins.
func statusPriority(s MemberStatus) int {
	switch s {
	case StatusAlive:
		return 0
	case StatusSuspect:
		return 1
	case StatusFailed:
		return 2
	case StatusLeft:
		return 3
	}
	return -1
}

// Member is one entry in the membership table.
type Member struct {
	ServerID    string            `json:"serverId"`
	NodeID      string            `json:"nodeId"`
	Endpoint    string            `json:"endpoint"`
	PublicKey   string            `json:"publicKey"` // base64
	Status      MemberStatus      `json:"status"`
	Incarnation uint64            `json:"incarnation"`
	LastSeen    time.Time         `json:"lastSeen"`
	Metadata    map[string]string `json:"metadata,omitempty"`

	// StatusChangedAt drives suspect→failed promotion and failed GC.
	StatusChangedAt time.Time `json:"-"`
}

// Table is the membership view shared by gossip, the ring, and the
// admin surface. Every status mutation is mirrored into the ring so the
// routing set always matches the failure detector's view. Concurrent
// readers, exclusive writers.
type Table struct {
	mu      sync.RWMutex
	selfID  string
	members map[string]*Member
	ring    *Ring
}

// NewTable creates a membership table backed by the given ring.
func NewTable(selfID string, ring *Ring) *Table {
	return &Table{
		selfID:  selfID,
		members: make(map[string]*Member),
		ring:    ring,
	}
}

// Ring exposes the routing ring.
func (t *Table) Ring() *Ring { return t.ring }

// Apply reconciles a member state learned from handshake or gossip.
// Higher incarnation wins; equal incarnations resolve by status
// priority. Returns true when the table changed (and the change is
// therefore worth re-disseminating).
func (t *Table) Apply(update Member, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.members[update.ServerID]
	if !ok {
		if update.Status == StatusLeft {
			return false
		}
		m := update
		m.LastSeen = now
		m.StatusChangedAt = now
		t.members[update.ServerID] = &m
		t.syncRing(&m)
		return true
	}

	if update.Incarnation < existing.Incarnation {
		return false
	}
	if update.Incarnation == existing.Incarnation &&
		statusPriority(update.Status) <= statusPriority(existing.Status) {
		existing.LastSeen = now
		return false
	}

	existing.Incarnation = update.Incarnation
	if update.Endpoint != "" {
		existing.Endpoint = update.Endpoint
	}
	if update.PublicKey != "" {
		existing.PublicKey = update.PublicKey
	}
	if existing.Status != update.Status {
		existing.Status = update.Status
		existing.StatusChangedAt = now
	}
	existing.LastSeen = now
	t.syncRing(existing)
	return true
}

// SetStatus forces a local failure-detector transition (probe results,
// timeouts). It never bumps incarnation; only the node itself may do
// that. Returns the member after the change, or false if unknown or the
// transition is a no-op.
func (t *Table) SetStatus(serverID string, status MemberStatus, now time.Time) (Member, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.members[serverID]
	if !ok || m.Status == status {
		return Member{}, false
	}
	m.Status = status
	m.StatusChangedAt = now
	m.LastSeen = now
	t.syncRing(m)
	return *m, true
}

// Touch records evidence of life without changing status.
func (t *Table) Touch(serverID string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.members[serverID]; ok {
		m.LastSeen = now
	}
}

// Remove deletes a member outright (explicit leave or GC).
func (t *Table) Remove(serverID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.members, serverID)
	t.ring.RemoveNode(serverID)
}

// Get returns a copy of a member.
func (t *Table) Get(serverID string) (Member, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.members[serverID]
	if !ok {
		return Member{}, false
	}
	return *m, true
}

// Snapshot returns copies of all members, ordered by server id.
func (t *Table) Snapshot() []Member {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Member, 0, len(t.members))
	for _, m := range t.members {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out
}

// Alive returns all alive members excluding self and the given ids.
func (t *Table) Alive(exclude ...string) []Member {
	skip := map[string]bool{t.selfID: true}
	for _, id := range exclude {
		skip[id] = true
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Member
	for _, m := range t.members {
		if m.Status == StatusAlive && !skip[m.ServerID] {
			out = append(out, *m)
		}
	}
	return out
}

// RandomAlive picks up to n random alive members excluding self and
// the given ids.
func (t *Table) RandomAlive(n int, exclude ...string) []Member {
	alive := t.Alive(exclude...)
	rand.Shuffle(len(alive), func(i, j int) { alive[i], alive[j] = alive[j], alive[i] })
	if len(alive) > n {
		alive = alive[:n]
	}
	return alive
}

// CountByStatus summarizes the table for stats and metrics.
func (t *Table) CountByStatus() map[MemberStatus]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[MemberStatus]int)
	for _, m := range t.members {
		out[m.Status]++
	}
	return out
}

// DueTransitions returns members due for a state change: alive members
// silent past the suspicion window, suspects past the failure timeout,
// and failed/left members old enough to forget. The gossip engine acts
// on the result; the table only reports.
func (t *Table) DueTransitions(now time.Time, suspicionTimeout, failureTimeout, gcHorizon time.Duration) (toSuspect, toFail, toGC []Member) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, m := range t.members {
		switch m.Status {
		case StatusAlive:
			if m.ServerID != t.selfID && suspicionTimeout > 0 &&
				now.Sub(m.LastSeen) >= suspicionTimeout {
				toSuspect = append(toSuspect, *m)
			}
		case StatusSuspect:
			if now.Sub(m.StatusChangedAt) >= failureTimeout {
				toFail = append(toFail, *m)
			}
		case StatusFailed, StatusLeft:
			if gcHorizon > 0 && now.Sub(m.StatusChangedAt) >= gcHorizon {
				toGC = append(toGC, *m)
			}
		}
	}
	return toSuspect, toFail, toGC
}

// Records converts the table to its durable form.
func (t *Table) Records() []store.MemberRecord {
	members := t.Snapshot()
	out := make([]store.MemberRecord, 0, len(members))
	for _, m := range members {
		out = append(out, store.MemberRecord{
			ServerID:    m.ServerID,
			NodeID:      m.NodeID,
			Endpoint:    m.Endpoint,
			PublicKey:   m.PublicKey,
			Status:      string(m.Status),
			Incarnation: m.Incarnation,
			LastSeen:    m.LastSeen,
		})
	}
	return out
}

// syncRing mirrors a member's state into the routing ring. Must be
// called with the write lock held.
func (t *Table) syncRing(m *Member) {
	switch m.Status {
	case StatusLeft:
		t.ring.RemoveNode(m.ServerID)
	default:
		t.ring.AddNode(RingNode{
			ServerID: m.ServerID,
			NodeID:   m.NodeID,
			Endpoint: m.Endpoint,
			Status:   m.Status,
		})
		t.ring.UpdateStatus(m.ServerID, m.Status)
	}
}
