// Package store is the persistence layer for everything that must
// survive a restart or be replicated: rendezvous entries, the relay
// registry, and the membership snapshot. Two backends implement the
// same interface — an in-memory map store and a LevelDB store — chosen
// by configuration.
//
// Contract (shared by both backends):
//   - Upserts merge vector clocks on conflict; the stored entry's clock
//     is the element-wise max of old and new.
//   - Operations are serializable with respect to a single entity key.
//   - Read errors fail open: queries return empty rather than an error.
//     Write errors surface to the caller.
//
// Dead drops are opaque ciphertext; the store persists and returns them
// as received and never interprets or logs them.
package store

import (
	"time"
)

// DailyPointEntry is an offline rendezvous artifact: a routing hash
// derived from a peer-pair shared secret plus the day, optionally
// carrying an encrypted dead drop. Keyed by (PointHash, PeerID).
type DailyPointEntry struct {
	PointHash string      `json:"pointHash"`
	PeerID    string      `json:"peerId"`
	DeadDrop  string      `json:"deadDrop,omitempty"` // opaque ciphertext, base64
	RelayID   string      `json:"relayId,omitempty"`
	ExpiresAt time.Time   `json:"expiresAt"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
	Clock     VectorClock `json:"vectorClock"`
}

// HourlyTokenEntry signals live presence for a symmetric shared-secret
// pair. Keyed by (TokenHash, PeerID). Ephemeral tokens are deleted when
// the publishing connection closes; others live until TTL.
type HourlyTokenEntry struct {
	TokenHash string      `json:"tokenHash"`
	PeerID    string      `json:"peerId"`
	RelayID   string      `json:"relayId,omitempty"`
	Ephemeral bool        `json:"ephemeral,omitempty"`
	ExpiresAt time.Time   `json:"expiresAt"`
	CreatedAt time.Time   `json:"createdAt"`
	Clock     VectorClock `json:"vectorClock"`
}

// RelayEntry describes a client willing to act as a WebRTC rendezvous
// relay. ConnectedCount/MaxConnections gives its load.
type RelayEntry struct {
	PeerID         string      `json:"peerId"`
	MaxConnections int         `json:"maxConnections"`
	ConnectedCount int         `json:"connectedCount"`
	PublicKey      string      `json:"publicKey,omitempty"`
	RegisteredAt   time.Time   `json:"registeredAt"`
	LastUpdate     time.Time   `json:"lastUpdate"`
	Clock          VectorClock `json:"vectorClock"`
}

// MemberRecord is the durable form of a membership entry, persisted so
// a restarting server can rejoin through recently known peers.
type MemberRecord struct {
	ServerID    string    `json:"serverId"`
	NodeID      string    `json:"nodeId"`
	Endpoint    string    `json:"endpoint"`
	PublicKey   string    `json:"publicKey"`
	Status      string    `json:"status"`
	Incarnation uint64    `json:"incarnation"`
	LastSeen    time.Time `json:"lastSeen"`
}

// Store is the persistence interface consumed by the engine and the
// supervisor. All implementations are safe for concurrent use.
type Store interface {
	// Daily points.
	UpsertDailyPoint(e DailyPointEntry) (DailyPointEntry, error)
	DailyPoints(pointHash string) []DailyPointEntry
	AllDailyPoints() []DailyPointEntry
	DeleteDailyPoint(pointHash, peerID string) error
	DeletePeerDailyPoints(peerID string) error
	DeleteExpiredDailyPoints(before time.Time) (int, error)

	// Hourly tokens.
	UpsertHourlyToken(e HourlyTokenEntry) (HourlyTokenEntry, error)
	HourlyTokens(tokenHash string) []HourlyTokenEntry
	AllHourlyTokens() []HourlyTokenEntry
	DeleteHourlyToken(tokenHash, peerID string) error
	DeletePeerHourlyTokens(peerID string) error
	DeleteExpiredHourlyTokens(before time.Time) (int, error)

	// Relay registry.
	UpsertRelay(e RelayEntry) (RelayEntry, error)
	Relays() []RelayEntry
	DeleteRelay(peerID string) error

	// Membership snapshot.
	SaveMembers(members []MemberRecord) error
	LoadMembers() []MemberRecord

	Close() error
}

// mergeDailyPoint resolves a conflicting upsert for one (hash, peer)
// key. Clocks merge element-wise; for concurrent writes the entry with
// the later expiry carries the payload. Commutative and idempotent, so
// replicas converge regardless of delivery order.
func mergeDailyPoint(old, incoming DailyPointEntry) DailyPointEntry {
	merged := incoming
	switch incoming.Clock.Compare(old.Clock) {
	case Before, Equal:
		merged = old
	case After:
		// incoming supersedes old
	case Concurrent:
		if old.ExpiresAt.After(incoming.ExpiresAt) {
			merged = old
		}
	}
	merged.Clock = old.Clock.Merge(incoming.Clock)
	if old.CreatedAt.Before(merged.CreatedAt) && !old.CreatedAt.IsZero() {
		merged.CreatedAt = old.CreatedAt
	}
	return merged
}

func mergeHourlyToken(old, incoming HourlyTokenEntry) HourlyTokenEntry {
	merged := incoming
	switch incoming.Clock.Compare(old.Clock) {
	case Before, Equal:
		merged = old
	case After:
	case Concurrent:
		if old.ExpiresAt.After(incoming.ExpiresAt) {
			merged = old
		}
	}
	merged.Clock = old.Clock.Merge(incoming.Clock)
	if old.CreatedAt.Before(merged.CreatedAt) && !old.CreatedAt.IsZero() {
		merged.CreatedAt = old.CreatedAt
	}
	return merged
}

func mergeRelay(old, incoming RelayEntry) RelayEntry {
	merged := incoming
	switch incoming.Clock.Compare(old.Clock) {
	case Before, Equal:
		merged = old
	case After:
	case Concurrent:
		if old.LastUpdate.After(incoming.LastUpdate) {
			merged = old
		}
	}
	merged.Clock = old.Clock.Merge(incoming.Clock)
	return merged
}
