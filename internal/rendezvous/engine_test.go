package rendezvous

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hamza-Labs-Core/zajel-sub017/internal/cluster"
	"github.com/Hamza-Labs-Core/zajel-sub017/internal/metrics"
	"github.com/Hamza-Labs-Core/zajel-sub017/internal/store"
)

const selfID = "ed25519:self"

// fakeSender scripts the cluster transport.
type fakeSender struct {
	mu       sync.Mutex
	requests []*cluster.GossipMessage
	targets  []string
	replies  []json.RawMessage
	respond  func(serverID string, msg *cluster.GossipMessage) (*cluster.GossipMessage, error)
	offline  map[string]bool
}

func (f *fakeSender) Send(serverID string, msg *cluster.GossipMessage) error { return nil }

func (f *fakeSender) Request(_ context.Context, serverID string, msg *cluster.GossipMessage) (*cluster.GossipMessage, error) {
	f.mu.Lock()
	f.requests = append(f.requests, msg)
	f.targets = append(f.targets, serverID)
	respond := f.respond
	f.mu.Unlock()
	if respond != nil {
		return respond(serverID, msg)
	}
	return &cluster.GossipMessage{Sub: cluster.SubAck}, nil
}

func (f *fakeSender) Reply(serverID, requestID string, payload json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, payload)
	return nil
}

func (f *fakeSender) Connected(serverID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.offline[serverID]
}

func (f *fakeSender) requestCount(sub string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if r.Sub == sub {
			n++
		}
	}
	return n
}

// fakeRegistry captures the handlers the engine registers so tests can
// drive them directly.
type fakeRegistry struct {
	handlers map[string]cluster.RPCHandler
}

func (f *fakeRegistry) RegisterRPC(sub string, h cluster.RPCHandler) {
	if f.handlers == nil {
		f.handlers = make(map[string]cluster.RPCHandler)
	}
	f.handlers[sub] = h
}

type fixture struct {
	engine   *Engine
	ring     *cluster.Ring
	st       *store.Memory
	sender   *fakeSender
	registry *fakeRegistry
	clock    *clockwork.FakeClock
}

func newFixture(t *testing.T, peers ...cluster.RingNode) *fixture {
	t.Helper()
	ring := cluster.NewRing(16)
	for _, p := range peers {
		ring.AddNode(p)
	}
	fx := &fixture{
		ring:     ring,
		st:       store.NewMemory(),
		sender:   &fakeSender{offline: make(map[string]bool)},
		registry: &fakeRegistry{},
		clock:    clockwork.NewFakeClock(),
	}
	cfg := Config{
		ReplicationFactor: 3,
		WriteQuorum:       2,
		ReadQuorum:        1,
		RPCTimeout:        time.Second,
		DailyPointTTL:     48 * time.Hour,
		HourlyTokenTTL:    3 * time.Hour,
	}
	fx.engine = NewEngine(selfID, cfg, ring, fx.st, fx.sender, fx.registry, metrics.New(), fx.clock, zerolog.Nop())
	return fx
}

func selfNode() cluster.RingNode {
	return cluster.RingNode{ServerID: selfID, NodeID: "node-self", Endpoint: "ws://self:9443", Status: cluster.StatusAlive}
}

func peerNode(id string) cluster.RingNode {
	return cluster.RingNode{
		ServerID: "ed25519:" + id,
		NodeID:   "node-" + id,
		Endpoint: "ws://" + id + ":9443",
		Status:   cluster.StatusAlive,
	}
}

// ─── Publish ─────────────────────────────────────────────────────────────────

func TestPublishDailyPointReachesQuorum(t *testing.T) {
	// Three nodes, R=3: every key is owned by all of them.
	fx := newFixture(t, selfNode(), peerNode("b"), peerNode("c"))

	out := fx.engine.PublishDailyPoint(context.Background(), "point-1", "peer-1", "Y2lwaGVy", "", 0)

	assert.True(t, out.Quorum)
	assert.Equal(t, 3, out.Acks)
	assert.Equal(t, 2, fx.sender.requestCount(cluster.SubRVReplicate))

	entries := fx.st.DailyPoints("point-1")
	require.Len(t, entries, 1)
	assert.Equal(t, "peer-1", entries[0].PeerID)
	assert.Equal(t, "Y2lwaGVy", entries[0].DeadDrop)
	assert.Equal(t, fx.clock.Now().UTC().Add(48*time.Hour), entries[0].ExpiresAt)
}

func TestPublishReportsPartialBelowWriteQuorum(t *testing.T) {
	fx := newFixture(t, selfNode(), peerNode("b"), peerNode("c"))
	fx.sender.respond = func(string, *cluster.GossipMessage) (*cluster.GossipMessage, error) {
		return nil, cluster.ErrRPCTimeout
	}

	out := fx.engine.PublishDailyPoint(context.Background(), "point-1", "peer-1", "", "", 0)

	assert.False(t, out.Quorum)
	assert.Equal(t, 1, out.Acks)
	// The local write still lands.
	assert.Len(t, fx.st.DailyPoints("point-1"), 1)
}

func TestPublishSingleNodeCluster(t *testing.T) {
	fx := newFixture(t, selfNode())

	out := fx.engine.PublishHourlyToken(context.Background(), "token-1", "peer-1", "", "", false, 0)

	// One owner exists, so one ack is a full quorum.
	assert.True(t, out.Quorum)
	assert.Equal(t, 1, out.Acks)
	assert.Len(t, fx.st.HourlyTokens("token-1"), 1)
}

func TestRepublishSupersedesEarlierWrite(t *testing.T) {
	fx := newFixture(t, selfNode())

	fx.engine.PublishDailyPoint(context.Background(), "point-1", "peer-1", "old", "", 0)
	fx.engine.PublishDailyPoint(context.Background(), "point-1", "peer-1", "new", "", 0)

	entries := fx.st.DailyPoints("point-1")
	require.Len(t, entries, 1)
	assert.Equal(t, "new", entries[0].DeadDrop)
	assert.Equal(t, uint64(2), entries[0].Clock[selfID])
}

func TestPublishClampsExcessiveTTL(t *testing.T) {
	fx := newFixture(t, selfNode())

	fx.engine.PublishHourlyToken(context.Background(), "token-1", "peer-1", "", "", false, 240*time.Hour)

	entries := fx.st.HourlyTokens("token-1")
	require.Len(t, entries, 1)
	assert.Equal(t, fx.clock.Now().UTC().Add(3*time.Hour), entries[0].ExpiresAt)
}

// ─── Query ───────────────────────────────────────────────────────────────────

func TestQueryAnswersFromLocalState(t *testing.T) {
	fx := newFixture(t, selfNode())
	fx.engine.PublishDailyPoint(context.Background(), "point-1", "peer-1", "drop", "", 0)
	fx.engine.PublishHourlyToken(context.Background(), "token-1", "peer-2", "relay-9", "", false, 0)

	out := fx.engine.Query(context.Background(), []string{"point-1"}, []string{"token-1"})

	assert.False(t, out.Partial())
	require.Len(t, out.DeadDrops, 1)
	assert.Equal(t, "drop", out.DeadDrops[0].DeadDrop)
	require.Len(t, out.LiveMatches, 1)
	assert.Equal(t, "peer-2", out.LiveMatches[0].PeerID)
	assert.Equal(t, "relay-9", out.LiveMatches[0].RelayID)
}

func TestQueryForwardsToRemoteOwnersAndRedirectsRest(t *testing.T) {
	// Self is not in the ring, so every owner is remote. With r=1 the
	// engine asks one owner and points the client at the other two.
	fx := newFixture(t, peerNode("b"), peerNode("c"), peerNode("d"))
	fx.sender.respond = func(serverID string, msg *cluster.GossipMessage) (*cluster.GossipMessage, error) {
		res, _ := json.Marshal(queryResult{
			HourlyTokens: []store.HourlyTokenEntry{{
				TokenHash: "token-1",
				PeerID:    "peer-1",
				ExpiresAt: fx.clock.Now().Add(time.Hour),
				Clock:     store.VectorClock{serverID: 1},
			}},
		})
		return &cluster.GossipMessage{Sub: cluster.SubAck, Payload: res}, nil
	}

	out := fx.engine.Query(context.Background(), nil, []string{"token-1"})

	require.Len(t, out.LiveMatches, 1)
	assert.Equal(t, "peer-1", out.LiveMatches[0].PeerID)
	assert.Equal(t, 1, fx.sender.requestCount(cluster.SubRVQueryFwd))

	assert.True(t, out.Partial())
	require.Len(t, out.Redirects, 2)
	for _, r := range out.Redirects {
		assert.NotEmpty(t, r.Endpoint)
		assert.Equal(t, []string{"token-1"}, r.HourlyTokens)
	}
}

func TestQueryUnreachableOwnersBecomeRedirects(t *testing.T) {
	fx := newFixture(t, peerNode("b"), peerNode("c"), peerNode("d"))
	for _, p := range []string{"b", "c", "d"} {
		fx.sender.offline["ed25519:"+p] = true
	}

	out := fx.engine.Query(context.Background(), []string{"point-1"}, nil)

	assert.Empty(t, out.DeadDrops)
	assert.True(t, out.Partial())
	assert.Len(t, out.Redirects, 3)
	assert.Zero(t, fx.sender.requestCount(cluster.SubRVQueryFwd))
}

func TestQueryFailedForwardDowngradesToRedirect(t *testing.T) {
	fx := newFixture(t, peerNode("b"), peerNode("c"), peerNode("d"))
	fx.sender.respond = func(string, *cluster.GossipMessage) (*cluster.GossipMessage, error) {
		return nil, cluster.ErrRPCTimeout
	}

	out := fx.engine.Query(context.Background(), nil, []string{"token-1"})

	assert.Empty(t, out.LiveMatches)
	assert.Len(t, out.Redirects, 3)
}

func TestQueryMergesConcurrentReplicaAnswersByExpiry(t *testing.T) {
	fx := newFixture(t, selfNode())
	now := fx.clock.Now()

	later := store.DailyPointEntry{
		PointHash: "point-1", PeerID: "peer-1", DeadDrop: "later",
		ExpiresAt: now.Add(2 * time.Hour), Clock: store.VectorClock{"ed25519:b": 1},
	}
	earlier := store.DailyPointEntry{
		PointHash: "point-1", PeerID: "peer-1", DeadDrop: "earlier",
		ExpiresAt: now.Add(time.Hour), Clock: store.VectorClock{"ed25519:c": 1},
	}

	m := newMergeSet()
	m.addDaily(earlier, later)
	out := m.outcome(now)
	require.Len(t, out.DeadDrops, 1)
	assert.Equal(t, "later", out.DeadDrops[0].DeadDrop)

	// Order must not matter.
	m = newMergeSet()
	m.addDaily(later, earlier)
	out = m.outcome(now)
	require.Len(t, out.DeadDrops, 1)
	assert.Equal(t, "later", out.DeadDrops[0].DeadDrop)
}

func TestQueryDropsExpiredEntries(t *testing.T) {
	fx := newFixture(t, selfNode())
	fx.engine.PublishHourlyToken(context.Background(), "token-1", "peer-1", "", "", false, time.Hour)

	fx.clock.Advance(2 * time.Hour)
	out := fx.engine.Query(context.Background(), nil, []string{"token-1"})
	assert.Empty(t, out.LiveMatches)
}

// ─── Inbound RPC ─────────────────────────────────────────────────────────────

func TestHandleReplicateAppliesUpsertsAndDeletes(t *testing.T) {
	fx := newFixture(t, selfNode())
	handler := fx.registry.handlers[cluster.SubRVReplicate]
	require.NotNil(t, handler)

	payload, _ := json.Marshal(replicatePayload{
		DailyPoints: []store.DailyPointEntry{{
			PointHash: "point-1", PeerID: "peer-1", DeadDrop: "drop",
			ExpiresAt: fx.clock.Now().Add(time.Hour),
			Clock:     store.VectorClock{"ed25519:b": 1},
		}},
	})
	handler("ed25519:b", "req-1", payload)

	require.Len(t, fx.st.DailyPoints("point-1"), 1)
	require.Len(t, fx.sender.replies, 1)
	assert.JSONEq(t, `{"applied":1}`, string(fx.sender.replies[0]))

	del, _ := json.Marshal(replicatePayload{
		DeleteDaily: []entryKey{{Hash: "point-1", PeerID: "peer-1"}},
	})
	handler("ed25519:b", "req-2", del)
	assert.Empty(t, fx.st.DailyPoints("point-1"))
}

func TestHandleReplicateMergesWithLocalState(t *testing.T) {
	fx := newFixture(t, selfNode())
	fx.engine.PublishDailyPoint(context.Background(), "point-1", "peer-1", "mine", "", 0)

	// A stale replica echoes an entry our local clock dominates.
	stale, _ := json.Marshal(replicatePayload{
		DailyPoints: []store.DailyPointEntry{{
			PointHash: "point-1", PeerID: "peer-1", DeadDrop: "stale",
			ExpiresAt: fx.clock.Now().Add(time.Minute),
			Clock:     store.VectorClock{},
		}},
	})
	fx.registry.handlers[cluster.SubRVReplicate]("ed25519:b", "req-1", stale)

	entries := fx.st.DailyPoints("point-1")
	require.Len(t, entries, 1)
	assert.Equal(t, "mine", entries[0].DeadDrop)
}

func TestHandleQueryForwardRepliesFromLocalState(t *testing.T) {
	fx := newFixture(t, selfNode())
	fx.engine.PublishHourlyToken(context.Background(), "token-1", "peer-1", "", "", false, 0)
	fx.engine.PublishHourlyToken(context.Background(), "token-expired", "peer-2", "", "", false, time.Minute)
	fx.clock.Advance(time.Hour)

	payload, _ := json.Marshal(queryPayload{HourlyTokens: []string{"token-1", "token-expired"}})
	fx.registry.handlers[cluster.SubRVQueryFwd]("ed25519:b", "req-1", payload)

	require.Len(t, fx.sender.replies, 1)
	var res queryResult
	require.NoError(t, json.Unmarshal(fx.sender.replies[0], &res))
	require.Len(t, res.HourlyTokens, 1)
	assert.Equal(t, "token-1", res.HourlyTokens[0].TokenHash)
}

// ─── Disconnect and unpublish ────────────────────────────────────────────────

func TestConnectionClosedWithdrawsEphemeralTokens(t *testing.T) {
	fx := newFixture(t, selfNode())
	fx.engine.PublishHourlyToken(context.Background(), "token-eph", "peer-1", "", "conn-1", true, 0)
	fx.engine.PublishHourlyToken(context.Background(), "token-sticky", "peer-1", "", "conn-1", false, 0)

	fx.engine.ConnectionClosed(context.Background(), "conn-1", "")

	assert.Empty(t, fx.st.HourlyTokens("token-eph"))
	assert.Len(t, fx.st.HourlyTokens("token-sticky"), 1)
}

func TestUnpublishRemovesLocallyAndReplicates(t *testing.T) {
	fx := newFixture(t, selfNode(), peerNode("b"), peerNode("c"))
	fx.engine.PublishDailyPoint(context.Background(), "point-1", "peer-1", "drop", "", 0)
	before := fx.sender.requestCount(cluster.SubRVReplicate)

	fx.engine.Unpublish(context.Background(), "peer-1", []string{"point-1"}, nil)

	assert.Empty(t, fx.st.DailyPoints("point-1"))
	assert.Equal(t, before+2, fx.sender.requestCount(cluster.SubRVReplicate))
}

// ─── Relay registry ──────────────────────────────────────────────────────────

func TestRelayLifecycle(t *testing.T) {
	fx := newFixture(t, selfNode())
	ctx := context.Background()

	fx.engine.AnnounceRelay(ctx, "relay-1", "pubkey", 10)
	fx.engine.UpdateRelayLoad(ctx, "relay-1", 9)

	relays := fx.st.Relays()
	require.Len(t, relays, 1)
	assert.Equal(t, 9, relays[0].ConnectedCount)

	fx.engine.RemoveRelay(ctx, "relay-1")
	assert.Empty(t, fx.st.Relays())
}

func TestPickAvailableRelaysRespectsCapAndExclusion(t *testing.T) {
	fx := newFixture(t, selfNode())
	ctx := context.Background()

	fx.engine.AnnounceRelay(ctx, "relay-free", "", 10)
	fx.engine.AnnounceRelay(ctx, "relay-full", "", 10)
	fx.engine.UpdateRelayLoad(ctx, "relay-full", 9)
	fx.engine.AnnounceRelay(ctx, "relay-me", "", 10)

	picked := fx.engine.PickAvailableRelays([]string{"relay-me"}, 0.8, 5)
	require.Len(t, picked, 1)
	assert.Equal(t, "relay-free", picked[0].PeerID)
}

func TestConnectionClosedRemovesRelayRegistration(t *testing.T) {
	fx := newFixture(t, selfNode())
	fx.engine.AnnounceRelay(context.Background(), "peer-1", "", 5)

	fx.engine.ConnectionClosed(context.Background(), "conn-1", "peer-1")
	assert.Empty(t, fx.st.Relays())
}

// ─── Anti-entropy ────────────────────────────────────────────────────────────

func TestSyncToPushesEntriesTheTargetOwns(t *testing.T) {
	target := peerNode("b")
	fx := newFixture(t, target)
	fx.engine.PublishDailyPoint(context.Background(), "point-1", "peer-1", "drop", "", 0)
	fx.sender.mu.Lock()
	fx.sender.requests = nil
	fx.sender.mu.Unlock()

	// The publish above already went to the sole owner; seed a local
	// copy so the sync has something to push.
	_, err := fx.st.UpsertDailyPoint(store.DailyPointEntry{
		PointHash: "point-1", PeerID: "peer-1", DeadDrop: "drop",
		ExpiresAt: fx.clock.Now().Add(time.Hour),
		Clock:     store.VectorClock{selfID: 1},
	})
	require.NoError(t, err)

	fx.engine.SyncTo(context.Background(), target)

	require.Equal(t, 1, fx.sender.requestCount(cluster.SubRVReplicate))
	var p replicatePayload
	fx.sender.mu.Lock()
	require.NoError(t, json.Unmarshal(fx.sender.requests[0].Payload, &p))
	fx.sender.mu.Unlock()
	require.Len(t, p.DailyPoints, 1)
	assert.Equal(t, "point-1", p.DailyPoints[0].PointHash)
}

func TestSyncToSkipsWhenNothingToPush(t *testing.T) {
	fx := newFixture(t, peerNode("b"))
	fx.engine.SyncTo(context.Background(), peerNode("b"))
	assert.Zero(t, fx.sender.requestCount(cluster.SubRVReplicate))
}
