// Package rendezvous implements the replicated rendezvous state: daily
// points (offline dead drops), hourly tokens (live presence), and the
// relay registry. Entries are routed to their owners by the consistent
// hash ring, written with a quorum, and merged by vector clock, so the
// cluster converges regardless of delivery order. The server never
// inspects dead-drop ciphertext.
package rendezvous

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/Hamza-Labs-Core/zajel-sub017/internal/cluster"
	"github.com/Hamza-Labs-Core/zajel-sub017/internal/metrics"
	"github.com/Hamza-Labs-Core/zajel-sub017/internal/store"
)

// Config carries the replication knobs the engine needs.
type Config struct {
	ReplicationFactor int
	WriteQuorum       int
	ReadQuorum        int
	RPCTimeout        time.Duration
	DailyPointTTL     time.Duration
	HourlyTokenTTL    time.Duration
}

// Redirect tells a client which other server holds part of its answer.
type Redirect struct {
	ServerID     string   `json:"serverId"`
	Endpoint     string   `json:"endpoint"`
	DailyPoints  []string `json:"dailyPoints,omitempty"`
	HourlyTokens []string `json:"hourlyTokens,omitempty"`
}

// LiveMatch is a hit on an hourly token: the peer is online now.
type LiveMatch struct {
	TokenHash string `json:"tokenHash"`
	PeerID    string `json:"peerId"`
	RelayID   string `json:"relayId,omitempty"`
}

// DeadDropResult is a hit on a daily point.
type DeadDropResult struct {
	PointHash string `json:"pointHash"`
	PeerID    string `json:"peerId"`
	DeadDrop  string `json:"deadDrop,omitempty"`
	RelayID   string `json:"relayId,omitempty"`
}

// QueryOutcome is the merged answer to an rv_query.
type QueryOutcome struct {
	LiveMatches []LiveMatch
	DeadDrops   []DeadDropResult
	Redirects   []Redirect
}

// Partial reports whether redirects are needed for a complete answer.
func (q QueryOutcome) Partial() bool { return len(q.Redirects) > 0 }

// PublishOutcome reports how a replicated write went.
type PublishOutcome struct {
	Acks   int
	Quorum bool
}

// replicatePayload is the rv_replicate wire body. Upserts and deletes
// share one frame so anti-entropy can batch.
type replicatePayload struct {
	DailyPoints  []store.DailyPointEntry  `json:"dailyPoints,omitempty"`
	HourlyTokens []store.HourlyTokenEntry `json:"hourlyTokens,omitempty"`
	Relays       []store.RelayEntry       `json:"relays,omitempty"`
	DeleteDaily  []entryKey               `json:"deleteDaily,omitempty"`
	DeleteHourly []entryKey               `json:"deleteHourly,omitempty"`
	DeleteRelays []string                 `json:"deleteRelays,omitempty"`
}

type entryKey struct {
	Hash   string `json:"hash"`
	PeerID string `json:"peerId"`
}

// queryPayload is the rv_query_forward request body.
type queryPayload struct {
	DailyPoints  []string `json:"dailyPoints,omitempty"`
	HourlyTokens []string `json:"hourlyTokens,omitempty"`
}

// queryResult is the rv_query_forward response body.
type queryResult struct {
	DailyPoints  []store.DailyPointEntry  `json:"dailyPoints,omitempty"`
	HourlyTokens []store.HourlyTokenEntry `json:"hourlyTokens,omitempty"`
}

// tokenRef remembers an ephemeral publication so it can be withdrawn
// when the publishing connection closes.
type tokenRef struct {
	tokenHash string
	peerID    string
}

// Engine is the rendezvous coordinator for this server.
type Engine struct {
	selfID  string
	cfg     Config
	ring    *cluster.Ring
	st      store.Store
	sender  cluster.Sender
	metrics *metrics.Metrics
	clock   clockwork.Clock
	log     zerolog.Logger

	ephMu     sync.Mutex
	ephemeral map[string][]tokenRef // connID → ephemeral hourly tokens
}

// RPCRegistry is where the engine hangs its forward handlers; in
// production this is the gossip engine.
type RPCRegistry interface {
	RegisterRPC(sub string, h cluster.RPCHandler)
}

// NewEngine builds the engine and registers its RPC handlers on the
// gossip dispatcher.
func NewEngine(selfID string, cfg Config, ring *cluster.Ring, st store.Store, sender cluster.Sender, gossip RPCRegistry, m *metrics.Metrics, clock clockwork.Clock, log zerolog.Logger) *Engine {
	e := &Engine{
		selfID:    selfID,
		cfg:       cfg,
		ring:      ring,
		st:        st,
		sender:    sender,
		metrics:   m,
		clock:     clock,
		log:       log.With().Str("component", "rendezvous").Logger(),
		ephemeral: make(map[string][]tokenRef),
	}
	gossip.RegisterRPC(cluster.SubRVReplicate, e.handleReplicate)
	gossip.RegisterRPC(cluster.SubRVQueryFwd, e.handleQueryForward)
	return e
}

// ─── Publish ─────────────────────────────────────────────────────────────────

// PublishDailyPoint writes a daily point to its R owners and waits for
// the write quorum. The ttl is clamped to the configured daily-point
// maximum. Returns quorum=false (partial success) rather than an error
// when fewer than W owners acked.
func (e *Engine) PublishDailyPoint(ctx context.Context, pointHash, peerID, deadDrop, relayID string, ttl time.Duration) PublishOutcome {
	if ttl <= 0 || ttl > e.cfg.DailyPointTTL {
		ttl = e.cfg.DailyPointTTL
	}
	now := e.clock.Now().UTC()
	entry := store.DailyPointEntry{
		PointHash: pointHash,
		PeerID:    peerID,
		DeadDrop:  deadDrop,
		RelayID:   relayID,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
		UpdatedAt: now,
		Clock:     store.VectorClock{e.selfID: 1},
	}
	// Bump past whatever this server already holds for the key, so a
	// re-publish supersedes instead of conflicting.
	for _, existing := range e.st.DailyPoints(pointHash) {
		if existing.PeerID == peerID {
			entry.Clock = existing.Clock.Copy()
			entry.Clock.Increment(e.selfID)
		}
	}

	out := e.replicate(ctx, pointHash, replicatePayload{DailyPoints: []store.DailyPointEntry{entry}}, func() error {
		_, err := e.st.UpsertDailyPoint(entry)
		return err
	})
	e.recordPublish("daily", out)
	return out
}

// PublishHourlyToken writes a live-presence token. Ephemeral tokens are
// remembered per connection and withdrawn on disconnect; others last
// until TTL.
func (e *Engine) PublishHourlyToken(ctx context.Context, tokenHash, peerID, relayID, connID string, ephemeral bool, ttl time.Duration) PublishOutcome {
	if ttl <= 0 || ttl > e.cfg.HourlyTokenTTL {
		ttl = e.cfg.HourlyTokenTTL
	}
	now := e.clock.Now().UTC()
	entry := store.HourlyTokenEntry{
		TokenHash: tokenHash,
		PeerID:    peerID,
		RelayID:   relayID,
		Ephemeral: ephemeral,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
		Clock:     store.VectorClock{e.selfID: 1},
	}
	for _, existing := range e.st.HourlyTokens(tokenHash) {
		if existing.PeerID == peerID {
			entry.Clock = existing.Clock.Copy()
			entry.Clock.Increment(e.selfID)
		}
	}

	if ephemeral && connID != "" {
		e.ephMu.Lock()
		e.ephemeral[connID] = append(e.ephemeral[connID], tokenRef{tokenHash: tokenHash, peerID: peerID})
		e.ephMu.Unlock()
	}

	out := e.replicate(ctx, tokenHash, replicatePayload{HourlyTokens: []store.HourlyTokenEntry{entry}}, func() error {
		_, err := e.st.UpsertHourlyToken(entry)
		return err
	})
	e.recordPublish("hourly", out)
	return out
}

// replicate fans a write out to the key's owners and counts acks.
// local is executed when this server is among the owners.
func (e *Engine) replicate(ctx context.Context, key string, payload replicatePayload, local func() error) PublishOutcome {
	owners := e.ring.ResponsibleNodes(key, e.cfg.ReplicationFactor)

	acks := 0
	selfIsOwner := false
	var remote []cluster.RingNode
	for _, o := range owners {
		if o.ServerID == e.selfID {
			selfIsOwner = true
		} else {
			remote = append(remote, o)
		}
	}

	// A cluster of one (or an empty ring during bootstrap) stores
	// locally regardless; the data has nowhere else to live.
	if selfIsOwner || len(owners) == 0 {
		if err := local(); err != nil {
			e.log.Error().Err(err).Msg("local rendezvous write failed")
		} else {
			acks++
		}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return PublishOutcome{Acks: acks, Quorum: acks >= e.cfg.WriteQuorum}
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, owner := range remote {
		wg.Add(1)
		go func(serverID string) {
			defer wg.Done()
			rctx, cancel := context.WithTimeout(ctx, e.cfg.RPCTimeout)
			defer cancel()
			_, err := e.sender.Request(rctx, serverID, &cluster.GossipMessage{
				Sub:     cluster.SubRVReplicate,
				Payload: raw,
			})
			if err == nil {
				mu.Lock()
				acks++
				mu.Unlock()
			}
		}(owner.ServerID)
	}
	wg.Wait()

	needed := e.cfg.WriteQuorum
	if len(owners) > 0 && len(owners) < needed {
		// Can't ack more owners than exist.
		needed = len(owners)
	}
	return PublishOutcome{Acks: acks, Quorum: acks >= needed}
}

func (e *Engine) recordPublish(kind string, out PublishOutcome) {
	result := "quorum"
	if !out.Quorum {
		result = "partial"
		e.metrics.QuorumShortfalls.Inc()
	}
	e.metrics.RendezvousPublish.WithLabelValues(kind, result).Inc()
}

// ─── Query ───────────────────────────────────────────────────────────────────

// Query answers an rv_query across both key kinds. For every key it
// consults up to readQuorum owners (preferring itself); owners that
// were not consulted — or did not answer — become redirect hints so the
// client can fetch the remainder directly.
func (e *Engine) Query(ctx context.Context, dailyHashes, hourlyHashes []string) QueryOutcome {
	e.metrics.RendezvousQueries.WithLabelValues("daily").Add(float64(len(dailyHashes)))
	e.metrics.RendezvousQueries.WithLabelValues("hourly").Add(float64(len(hourlyHashes)))

	merged := newMergeSet()
	// redirect accumulation: serverID → keys we could not answer for
	redirDaily := make(map[string][]string)
	redirHourly := make(map[string][]string)
	endpoints := make(map[string]string)

	// Group remote asks per server so one RPC covers many keys.
	askDaily := make(map[string][]string)
	askHourly := make(map[string][]string)

	plan := func(key string, isDaily bool) {
		owners := e.ring.ResponsibleNodes(key, e.cfg.ReplicationFactor)
		consulted := 0
		for _, o := range owners {
			if o.ServerID == e.selfID {
				if isDaily {
					merged.addDaily(e.st.DailyPoints(key)...)
				} else {
					merged.addHourly(e.st.HourlyTokens(key)...)
				}
				consulted++
				continue
			}
			endpoints[o.ServerID] = o.Endpoint
			if consulted < e.cfg.ReadQuorum && e.sender.Connected(o.ServerID) {
				if isDaily {
					askDaily[o.ServerID] = append(askDaily[o.ServerID], key)
				} else {
					askHourly[o.ServerID] = append(askHourly[o.ServerID], key)
				}
				consulted++
			} else {
				if isDaily {
					redirDaily[o.ServerID] = append(redirDaily[o.ServerID], key)
				} else {
					redirHourly[o.ServerID] = append(redirHourly[o.ServerID], key)
				}
			}
		}
		if len(owners) == 0 && isDaily {
			merged.addDaily(e.st.DailyPoints(key)...)
		} else if len(owners) == 0 {
			merged.addHourly(e.st.HourlyTokens(key)...)
		}
	}
	for _, h := range dailyHashes {
		plan(h, true)
	}
	for _, h := range hourlyHashes {
		plan(h, false)
	}

	// Fan the remote asks out in parallel.
	type ask struct {
		serverID string
		payload  queryPayload
	}
	var asks []ask
	for id := range askDaily {
		asks = append(asks, ask{id, queryPayload{DailyPoints: askDaily[id], HourlyTokens: askHourly[id]}})
		delete(askHourly, id)
	}
	for id := range askHourly {
		asks = append(asks, ask{id, queryPayload{HourlyTokens: askHourly[id]}})
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, a := range asks {
		wg.Add(1)
		go func(a ask) {
			defer wg.Done()
			res, err := e.forwardQuery(ctx, a.serverID, a.payload)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// Unanswered owners become redirects; the client can
				// still try them directly.
				redirDaily[a.serverID] = append(redirDaily[a.serverID], a.payload.DailyPoints...)
				redirHourly[a.serverID] = append(redirHourly[a.serverID], a.payload.HourlyTokens...)
				return
			}
			merged.addDaily(res.DailyPoints...)
			merged.addHourly(res.HourlyTokens...)
		}(a)
	}
	wg.Wait()

	out := merged.outcome(e.clock.Now())
	for serverID, keys := range redirDaily {
		out.Redirects = append(out.Redirects, Redirect{
			ServerID:     serverID,
			Endpoint:     endpoints[serverID],
			DailyPoints:  dedupe(keys),
			HourlyTokens: dedupe(redirHourly[serverID]),
		})
		delete(redirHourly, serverID)
	}
	for serverID, keys := range redirHourly {
		out.Redirects = append(out.Redirects, Redirect{
			ServerID:     serverID,
			Endpoint:     endpoints[serverID],
			HourlyTokens: dedupe(keys),
		})
	}
	if out.Partial() {
		e.metrics.RedirectsIssued.Inc()
	}
	return out
}

func (e *Engine) forwardQuery(ctx context.Context, serverID string, q queryPayload) (*queryResult, error) {
	raw, err := json.Marshal(q)
	if err != nil {
		return nil, err
	}
	rctx, cancel := context.WithTimeout(ctx, e.cfg.RPCTimeout)
	defer cancel()
	resp, err := e.sender.Request(rctx, serverID, &cluster.GossipMessage{
		Sub:     cluster.SubRVQueryFwd,
		Payload: raw,
	})
	if err != nil {
		return nil, err
	}
	var res queryResult
	if err := json.Unmarshal(resp.Payload, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ─── Unpublish / disconnect ──────────────────────────────────────────────────

// Unpublish removes this peer's entries for the given keys, locally and
// on the owners.
func (e *Engine) Unpublish(ctx context.Context, peerID string, dailyHashes, hourlyHashes []string) {
	for _, h := range dailyHashes {
		if err := e.st.DeleteDailyPoint(h, peerID); err != nil {
			e.log.Warn().Err(err).Msg("unpublish daily delete failed")
		}
		e.replicate(ctx, h, replicatePayload{DeleteDaily: []entryKey{{Hash: h, PeerID: peerID}}}, func() error { return nil })
	}
	for _, h := range hourlyHashes {
		if err := e.st.DeleteHourlyToken(h, peerID); err != nil {
			e.log.Warn().Err(err).Msg("unpublish hourly delete failed")
		}
		e.replicate(ctx, h, replicatePayload{DeleteHourly: []entryKey{{Hash: h, PeerID: peerID}}}, func() error { return nil })
	}
}

// ConnectionClosed withdraws everything tied to a closing connection:
// ephemeral hourly tokens and, when the peer acted as a relay, its
// relay registration. Non-ephemeral tokens ride out their TTL.
func (e *Engine) ConnectionClosed(ctx context.Context, connID, peerID string) {
	e.ephMu.Lock()
	refs := e.ephemeral[connID]
	delete(e.ephemeral, connID)
	e.ephMu.Unlock()

	for _, ref := range refs {
		if err := e.st.DeleteHourlyToken(ref.tokenHash, ref.peerID); err != nil {
			e.log.Warn().Err(err).Msg("ephemeral token delete failed")
		}
		e.replicate(ctx, ref.tokenHash, replicatePayload{DeleteHourly: []entryKey{{Hash: ref.tokenHash, PeerID: ref.peerID}}}, func() error { return nil })
	}
	if peerID != "" {
		e.RemoveRelay(ctx, peerID)
	}
}

// ─── Relay registry ──────────────────────────────────────────────────────────

func relayKey(peerID string) string { return "relay/" + peerID }

// AnnounceRelay registers a client as an available WebRTC relay.
func (e *Engine) AnnounceRelay(ctx context.Context, peerID, publicKey string, maxConnections int) PublishOutcome {
	now := e.clock.Now().UTC()
	entry := store.RelayEntry{
		PeerID:         peerID,
		MaxConnections: maxConnections,
		PublicKey:      publicKey,
		RegisteredAt:   now,
		LastUpdate:     now,
		Clock:          store.VectorClock{e.selfID: 1},
	}
	out := e.replicate(ctx, relayKey(peerID), replicatePayload{Relays: []store.RelayEntry{entry}}, func() error {
		_, err := e.st.UpsertRelay(entry)
		return err
	})
	e.recordPublish("relay", out)
	return out
}

// UpdateRelayLoad refreshes a relay's load figures.
func (e *Engine) UpdateRelayLoad(ctx context.Context, peerID string, connectedCount int) {
	existing, found := e.findRelay(peerID)
	if !found {
		return
	}
	existing.ConnectedCount = connectedCount
	existing.LastUpdate = e.clock.Now().UTC()
	existing.Clock = existing.Clock.Copy()
	existing.Clock.Increment(e.selfID)
	e.replicate(ctx, relayKey(peerID), replicatePayload{Relays: []store.RelayEntry{existing}}, func() error {
		_, err := e.st.UpsertRelay(existing)
		return err
	})
}

// RemoveRelay withdraws a relay registration.
func (e *Engine) RemoveRelay(ctx context.Context, peerID string) {
	if _, found := e.findRelay(peerID); !found {
		return
	}
	if err := e.st.DeleteRelay(peerID); err != nil {
		e.log.Warn().Err(err).Msg("relay delete failed")
	}
	e.replicate(ctx, relayKey(peerID), replicatePayload{DeleteRelays: []string{peerID}}, func() error { return nil })
}

func (e *Engine) findRelay(peerID string) (store.RelayEntry, bool) {
	for _, r := range e.st.Relays() {
		if r.PeerID == peerID {
			return r, true
		}
	}
	return store.RelayEntry{}, false
}

// PickAvailableRelays returns up to limit relays drawn uniformly at
// random from those under the load cap, skipping excluded peers.
func (e *Engine) PickAvailableRelays(exclude []string, maxCapRatio float64, limit int) []store.RelayEntry {
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	var eligible []store.RelayEntry
	for _, r := range e.st.Relays() {
		if skip[r.PeerID] || r.MaxConnections <= 0 {
			continue
		}
		if float64(r.ConnectedCount)/float64(r.MaxConnections) < maxCapRatio {
			eligible = append(eligible, r)
		}
	}
	rand.Shuffle(len(eligible), func(i, j int) { eligible[i], eligible[j] = eligible[j], eligible[i] })
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}
	return eligible
}

// ─── Anti-entropy ────────────────────────────────────────────────────────────

// SyncTo pushes every local entry the target server co-owns, merging
// state after partitions. Called periodically by the supervisor against
// a random alive peer.
func (e *Engine) SyncTo(ctx context.Context, target cluster.RingNode) {
	payload := replicatePayload{}
	for _, rel := range e.st.Relays() {
		if e.ring.IsResponsible(relayKey(rel.PeerID), target.ServerID, e.cfg.ReplicationFactor) {
			payload.Relays = append(payload.Relays, rel)
		}
	}
	for _, entry := range e.st.AllDailyPoints() {
		if e.ring.IsResponsible(entry.PointHash, target.ServerID, e.cfg.ReplicationFactor) {
			payload.DailyPoints = append(payload.DailyPoints, entry)
		}
	}
	for _, entry := range e.st.AllHourlyTokens() {
		if e.ring.IsResponsible(entry.TokenHash, target.ServerID, e.cfg.ReplicationFactor) {
			payload.HourlyTokens = append(payload.HourlyTokens, entry)
		}
	}
	if len(payload.DailyPoints) == 0 && len(payload.HourlyTokens) == 0 && len(payload.Relays) == 0 {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, e.cfg.RPCTimeout)
	defer cancel()
	if _, err := e.sender.Request(rctx, target.ServerID, &cluster.GossipMessage{
		Sub:     cluster.SubRVReplicate,
		Payload: raw,
	}); err != nil {
		e.log.Debug().Err(err).Str("peer", target.ServerID).Msg("anti-entropy push failed")
	}
}

// ─── Inbound RPC handlers ────────────────────────────────────────────────────

// handleReplicate applies a peer's upserts and deletes and acks with
// the applied count. Merge happens inside the store.
func (e *Engine) handleReplicate(from, requestID string, payload json.RawMessage) {
	var p replicatePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	applied := 0
	for _, entry := range p.DailyPoints {
		if _, err := e.st.UpsertDailyPoint(entry); err == nil {
			applied++
		}
	}
	for _, entry := range p.HourlyTokens {
		if _, err := e.st.UpsertHourlyToken(entry); err == nil {
			applied++
		}
	}
	for _, entry := range p.Relays {
		if _, err := e.st.UpsertRelay(entry); err == nil {
			applied++
		}
	}
	for _, k := range p.DeleteDaily {
		if err := e.st.DeleteDailyPoint(k.Hash, k.PeerID); err == nil {
			applied++
		}
	}
	for _, k := range p.DeleteHourly {
		if err := e.st.DeleteHourlyToken(k.Hash, k.PeerID); err == nil {
			applied++
		}
	}
	for _, peerID := range p.DeleteRelays {
		if err := e.st.DeleteRelay(peerID); err == nil {
			applied++
		}
	}
	ack, _ := json.Marshal(map[string]int{"applied": applied})
	if err := e.sender.Reply(from, requestID, ack); err != nil {
		e.log.Debug().Err(err).Msg("replicate ack failed")
	}
}

// handleQueryForward answers a peer's query from local state only; the
// peer is responsible for its own fan-out.
func (e *Engine) handleQueryForward(from, requestID string, payload json.RawMessage) {
	var q queryPayload
	if err := json.Unmarshal(payload, &q); err != nil {
		return
	}
	now := e.clock.Now()
	var res queryResult
	for _, h := range q.DailyPoints {
		for _, entry := range e.st.DailyPoints(h) {
			if entry.ExpiresAt.After(now) {
				res.DailyPoints = append(res.DailyPoints, entry)
			}
		}
	}
	for _, h := range q.HourlyTokens {
		for _, entry := range e.st.HourlyTokens(h) {
			if entry.ExpiresAt.After(now) {
				res.HourlyTokens = append(res.HourlyTokens, entry)
			}
		}
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := e.sender.Reply(from, requestID, raw); err != nil {
		e.log.Debug().Err(err).Msg("query ack failed")
	}
}

// ─── Merge helpers ───────────────────────────────────────────────────────────

// mergeSet de-duplicates replica answers by (hash, peer), keeping the
// causally newest entry.
type mergeSet struct {
	daily  map[entryKey]store.DailyPointEntry
	hourly map[entryKey]store.HourlyTokenEntry
}

func newMergeSet() *mergeSet {
	return &mergeSet{
		daily:  make(map[entryKey]store.DailyPointEntry),
		hourly: make(map[entryKey]store.HourlyTokenEntry),
	}
}

func (m *mergeSet) addDaily(entries ...store.DailyPointEntry) {
	for _, e := range entries {
		k := entryKey{Hash: e.PointHash, PeerID: e.PeerID}
		if old, ok := m.daily[k]; ok {
			switch e.Clock.Compare(old.Clock) {
			case store.Before, store.Equal:
				continue
			case store.Concurrent:
				if old.ExpiresAt.After(e.ExpiresAt) {
					continue
				}
			}
		}
		m.daily[k] = e
	}
}

func (m *mergeSet) addHourly(entries ...store.HourlyTokenEntry) {
	for _, e := range entries {
		k := entryKey{Hash: e.TokenHash, PeerID: e.PeerID}
		if old, ok := m.hourly[k]; ok {
			switch e.Clock.Compare(old.Clock) {
			case store.Before, store.Equal:
				continue
			case store.Concurrent:
				if old.ExpiresAt.After(e.ExpiresAt) {
					continue
				}
			}
		}
		m.hourly[k] = e
	}
}

func (m *mergeSet) outcome(now time.Time) QueryOutcome {
	var out QueryOutcome
	for _, e := range m.daily {
		if e.ExpiresAt.After(now) {
			out.DeadDrops = append(out.DeadDrops, DeadDropResult{
				PointHash: e.PointHash,
				PeerID:    e.PeerID,
				DeadDrop:  e.DeadDrop,
				RelayID:   e.RelayID,
			})
		}
	}
	for _, e := range m.hourly {
		if e.ExpiresAt.After(now) {
			out.LiveMatches = append(out.LiveMatches, LiveMatch{
				TokenHash: e.TokenHash,
				PeerID:    e.PeerID,
				RelayID:   e.RelayID,
			})
		}
	}
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
