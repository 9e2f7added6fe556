// Package cluster handles the distributed machinery of the signaling
// mesh: the consistent-hash ring, the membership table, SWIM gossip,
// and the signed server-to-server WebSocket transport.
package cluster

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"sort"
	"sync"
)

// PositionBytes is the width of a ring position: sha256 truncated to
// 160 bits, compared as a big-endian unsigned integer. All servers must
// agree on this, otherwise responsibility diverges.
const PositionBytes = 20

// DefaultVirtualNodes spreads each server across the ring for load
// balance; 100–200 is typical.
const DefaultVirtualNodes = 150

// Position is a point on the ring.
type Position [PositionBytes]byte

// PositionForLabel maps an arbitrary label (a node id, a virtual-node
// label, or a routing hash) onto the ring.
func PositionForLabel(label string) Position {
	digest := sha256.Sum256([]byte(label))
	var p Position
	copy(p[:], digest[:PositionBytes])
	return p
}

// Less orders positions as 160-bit unsigned integers.
func (p Position) Less(other Position) bool {
	return bytes.Compare(p[:], other[:]) < 0
}

// RingNode is a server as the ring sees it.
type RingNode struct {
	ServerID string
	NodeID   string
	Endpoint string
	Status   MemberStatus
}

// Active reports whether the node is eligible to own keys.
func (n RingNode) Active() bool { return n.Status == StatusAlive }

type slot struct {
	pos      Position
	serverID string
}

// Ring is the consistent-hash ring. A key is owned by the first active
// node clockwise of the key's position. Virtual positions are derived
// deterministically from the node id, so every server that agrees on
// membership computes identical ownership. Safe for concurrent use.
type Ring struct {
	mu     sync.RWMutex
	vnodes int
	nodes  map[string]*RingNode // serverID → node
	sorted []slot               // all virtual positions, ascending
}

// NewRing creates an empty ring with vnodes virtual positions per node.
func NewRing(vnodes int) *Ring {
	if vnodes <= 0 {
		vnodes = DefaultVirtualNodes
	}
	return &Ring{
		vnodes: vnodes,
		nodes:  make(map[string]*RingNode),
	}
}

// AddNode places a node and its virtual copies on the ring. Re-adding
// an existing server updates its endpoint and status in place.
func (r *Ring) AddNode(n RingNode) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.nodes[n.ServerID]; ok {
		existing.Endpoint = n.Endpoint
		existing.Status = n.Status
		return
	}
	node := n
	r.nodes[n.ServerID] = &node
	r.rebuild()
}

// RemoveNode removes a node and all its virtual positions.
func (r *Ring) RemoveNode(serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[serverID]; !ok {
		return
	}
	delete(r.nodes, serverID)
	r.rebuild()
}

// UpdateStatus flips a node's eligibility without moving its positions.
func (r *Ring) UpdateStatus(serverID string, status MemberStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[serverID]; ok {
		n.Status = status
	}
}

// ResponsibleNodes returns the first k distinct active nodes walking
// clockwise from the key's position.
func (r *Ring) ResponsibleNodes(key string, k int) []RingNode {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.sorted) == 0 || k <= 0 {
		return nil
	}

	pos := PositionForLabel(key)
	idx := sort.Search(len(r.sorted), func(i int) bool {
		return !r.sorted[i].pos.Less(pos)
	})
	if idx == len(r.sorted) {
		idx = 0
	}

	seen := make(map[string]bool, k)
	var owners []RingNode
	for i := 0; i < len(r.sorted) && len(owners) < k; i++ {
		s := r.sorted[(idx+i)%len(r.sorted)]
		if seen[s.serverID] {
			continue
		}
		seen[s.serverID] = true
		if n := r.nodes[s.serverID]; n != nil && n.Active() {
			owners = append(owners, *n)
		}
	}
	return owners
}

// PrimaryOwner returns the first responsible node, if any.
func (r *Ring) PrimaryOwner(key string) (RingNode, bool) {
	owners := r.ResponsibleNodes(key, 1)
	if len(owners) == 0 {
		return RingNode{}, false
	}
	return owners[0], true
}

// IsResponsible reports whether serverID appears among the first
// replicationFactor owners of the key.
func (r *Ring) IsResponsible(key, serverID string, replicationFactor int) bool {
	for _, n := range r.ResponsibleNodes(key, replicationFactor) {
		if n.ServerID == serverID {
			return true
		}
	}
	return false
}

// Nodes returns all nodes on the ring regardless of status.
func (r *Ring) Nodes() []RingNode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RingNode, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out
}

// Size returns the number of physical nodes.
func (r *Ring) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// rebuild recomputes the sorted virtual-position list. Must be called
// with the write lock held.
func (r *Ring) rebuild() {
	r.sorted = r.sorted[:0]
	for id, n := range r.nodes {
		// Primary position plus vnodes-1 virtual labels.
		r.sorted = append(r.sorted, slot{pos: PositionForLabel(n.NodeID), serverID: id})
		for i := 1; i < r.vnodes; i++ {
			label := fmt.Sprintf("%s#%d", n.NodeID, i)
			r.sorted = append(r.sorted, slot{pos: PositionForLabel(label), serverID: id})
		}
	}
	sort.Slice(r.sorted, func(i, j int) bool {
		if r.sorted[i].pos == r.sorted[j].pos {
			// Equal positions must break the same way everywhere.
			return r.sorted[i].serverID < r.sorted[j].serverID
		}
		return r.sorted[i].pos.Less(r.sorted[j].pos)
	})
}
