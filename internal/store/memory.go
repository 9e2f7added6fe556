package store

import (
	"sync"
	"time"
)

// Memory is the in-memory Store backend. It is the default for tests
// and for deployments that accept losing rendezvous state on restart
// (all of it is TTL-bounded anyway).
//
// Layout: the primary maps are keyed by routing hash, each holding the
// per-peer entries, so queries are a single lookup; a per-peer index is
// maintained alongside for bulk deletes on disconnect.
type Memory struct {
	mu sync.RWMutex

	daily  map[string]map[string]DailyPointEntry // pointHash → peerID → entry
	hourly map[string]map[string]HourlyTokenEntry
	relays map[string]RelayEntry // peerID → entry

	dailyByPeer  map[string]map[string]struct{} // peerID → set of pointHash
	hourlyByPeer map[string]map[string]struct{}

	members []MemberRecord
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		daily:        make(map[string]map[string]DailyPointEntry),
		hourly:       make(map[string]map[string]HourlyTokenEntry),
		relays:       make(map[string]RelayEntry),
		dailyByPeer:  make(map[string]map[string]struct{}),
		hourlyByPeer: make(map[string]map[string]struct{}),
	}
}

// ─── Daily points ────────────────────────────────────────────────────────────

func (m *Memory) UpsertDailyPoint(e DailyPointEntry) (DailyPointEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byPeer, ok := m.daily[e.PointHash]
	if !ok {
		byPeer = make(map[string]DailyPointEntry)
		m.daily[e.PointHash] = byPeer
	}
	if old, exists := byPeer[e.PeerID]; exists {
		e = mergeDailyPoint(old, e)
	}
	byPeer[e.PeerID] = e

	idx, ok := m.dailyByPeer[e.PeerID]
	if !ok {
		idx = make(map[string]struct{})
		m.dailyByPeer[e.PeerID] = idx
	}
	idx[e.PointHash] = struct{}{}
	return e, nil
}

func (m *Memory) DailyPoints(pointHash string) []DailyPointEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byPeer := m.daily[pointHash]
	out := make([]DailyPointEntry, 0, len(byPeer))
	for _, e := range byPeer {
		out = append(out, e)
	}
	return out
}

func (m *Memory) AllDailyPoints() []DailyPointEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []DailyPointEntry
	for _, byPeer := range m.daily {
		for _, e := range byPeer {
			out = append(out, e)
		}
	}
	return out
}

func (m *Memory) DeleteDailyPoint(pointHash, peerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeDaily(pointHash, peerID)
	return nil
}

func (m *Memory) DeletePeerDailyPoints(peerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for pointHash := range m.dailyByPeer[peerID] {
		m.removeDaily(pointHash, peerID)
	}
	return nil
}

func (m *Memory) DeleteExpiredDailyPoints(before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for pointHash, byPeer := range m.daily {
		for peerID, e := range byPeer {
			if e.ExpiresAt.Before(before) {
				m.removeDaily(pointHash, peerID)
				n++
			}
		}
	}
	return n, nil
}

// removeDaily must be called with the write lock held.
func (m *Memory) removeDaily(pointHash, peerID string) {
	if byPeer, ok := m.daily[pointHash]; ok {
		delete(byPeer, peerID)
		if len(byPeer) == 0 {
			delete(m.daily, pointHash)
		}
	}
	if idx, ok := m.dailyByPeer[peerID]; ok {
		delete(idx, pointHash)
		if len(idx) == 0 {
			delete(m.dailyByPeer, peerID)
		}
	}
}

// ─── Hourly tokens ───────────────────────────────────────────────────────────

func (m *Memory) UpsertHourlyToken(e HourlyTokenEntry) (HourlyTokenEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byPeer, ok := m.hourly[e.TokenHash]
	if !ok {
		byPeer = make(map[string]HourlyTokenEntry)
		m.hourly[e.TokenHash] = byPeer
	}
	if old, exists := byPeer[e.PeerID]; exists {
		e = mergeHourlyToken(old, e)
	}
	byPeer[e.PeerID] = e

	idx, ok := m.hourlyByPeer[e.PeerID]
	if !ok {
		idx = make(map[string]struct{})
		m.hourlyByPeer[e.PeerID] = idx
	}
	idx[e.TokenHash] = struct{}{}
	return e, nil
}

func (m *Memory) HourlyTokens(tokenHash string) []HourlyTokenEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byPeer := m.hourly[tokenHash]
	out := make([]HourlyTokenEntry, 0, len(byPeer))
	for _, e := range byPeer {
		out = append(out, e)
	}
	return out
}

func (m *Memory) AllHourlyTokens() []HourlyTokenEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []HourlyTokenEntry
	for _, byPeer := range m.hourly {
		for _, e := range byPeer {
			out = append(out, e)
		}
	}
	return out
}

func (m *Memory) DeleteHourlyToken(tokenHash, peerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeHourly(tokenHash, peerID)
	return nil
}

func (m *Memory) DeletePeerHourlyTokens(peerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for tokenHash := range m.hourlyByPeer[peerID] {
		m.removeHourly(tokenHash, peerID)
	}
	return nil
}

func (m *Memory) DeleteExpiredHourlyTokens(before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for tokenHash, byPeer := range m.hourly {
		for peerID, e := range byPeer {
			if e.ExpiresAt.Before(before) {
				m.removeHourly(tokenHash, peerID)
				n++
			}
		}
	}
	return n, nil
}

func (m *Memory) removeHourly(tokenHash, peerID string) {
	if byPeer, ok := m.hourly[tokenHash]; ok {
		delete(byPeer, peerID)
		if len(byPeer) == 0 {
			delete(m.hourly, tokenHash)
		}
	}
	if idx, ok := m.hourlyByPeer[peerID]; ok {
		delete(idx, tokenHash)
		if len(idx) == 0 {
			delete(m.hourlyByPeer, peerID)
		}
	}
}

// ─── Relay registry ──────────────────────────────────────────────────────────

func (m *Memory) UpsertRelay(e RelayEntry) (RelayEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, exists := m.relays[e.PeerID]; exists {
		e = mergeRelay(old, e)
	}
	m.relays[e.PeerID] = e
	return e, nil
}

func (m *Memory) Relays() []RelayEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RelayEntry, 0, len(m.relays))
	for _, e := range m.relays {
		out = append(out, e)
	}
	return out
}

func (m *Memory) DeleteRelay(peerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.relays, peerID)
	return nil
}

// ─── Membership snapshot ─────────────────────────────────────────────────────

func (m *Memory) SaveMembers(members []MemberRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members = append([]MemberRecord(nil), members...)
	return nil
}

func (m *Memory) LoadMembers() []MemberRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]MemberRecord(nil), m.members...)
}

func (m *Memory) Close() error { return nil }
