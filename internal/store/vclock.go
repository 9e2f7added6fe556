package store

// VectorClock tracks causality for replicated rendezvous entries.
//
// Every write by server S increments S's counter. Comparing two clocks
// for the same key tells us whether one version supersedes the other or
// whether they are concurrent. Merge is element-wise max, which is a
// semilattice: commutative, associative, idempotent. That makes replica
// merges order-independent, which the rendezvous engine relies on.

// ClockRelation is the causal relationship between two vector clocks.
type ClockRelation int

const (
	Equal      ClockRelation = iota
	Before                   // self happened-before other
	After                    // self happened-after other
	Concurrent               // neither dominates — true conflict
)

// VectorClock maps server IDs to logical counters.
type VectorClock map[string]uint64

// Increment bumps the counter for serverID, allocating if needed.
func (vc VectorClock) Increment(serverID string) {
	vc[serverID]++
}

// Compare returns the relation of vc to other.
func (vc VectorClock) Compare(other VectorClock) ClockRelation {
	selfAhead := false
	otherAhead := false

	for id, cnt := range vc {
		switch {
		case cnt > other[id]:
			selfAhead = true
		case cnt < other[id]:
			otherAhead = true
		}
	}
	for id, cnt := range other {
		if _, ok := vc[id]; !ok && cnt > 0 {
			otherAhead = true
		}
	}

	switch {
	case !selfAhead && !otherAhead:
		return Equal
	case selfAhead && !otherAhead:
		return After
	case !selfAhead && otherAhead:
		return Before
	default:
		return Concurrent
	}
}

// Merge returns a new clock taking the max of each counter.
func (vc VectorClock) Merge(other VectorClock) VectorClock {
	merged := vc.Copy()
	for id, cnt := range other {
		if cnt > merged[id] {
			merged[id] = cnt
		}
	}
	return merged
}

// Copy returns a deep copy. Safe on a nil clock.
func (vc VectorClock) Copy() VectorClock {
	c := make(VectorClock, len(vc))
	for k, v := range vc {
		c[k] = v
	}
	return c
}
