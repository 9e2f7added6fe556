package client

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hamza-Labs-Core/zajel-sub017/internal/cluster"
	"github.com/Hamza-Labs-Core/zajel-sub017/internal/config"
	"github.com/Hamza-Labs-Core/zajel-sub017/internal/identity"
	"github.com/Hamza-Labs-Core/zajel-sub017/internal/metrics"
	"github.com/Hamza-Labs-Core/zajel-sub017/internal/pairing"
	"github.com/Hamza-Labs-Core/zajel-sub017/internal/rendezvous"
	"github.com/Hamza-Labs-Core/zajel-sub017/internal/signaling"
	"github.com/Hamza-Labs-Core/zajel-sub017/internal/store"
)

// nullSender satisfies cluster.Sender for single-server tests; nothing
// ever leaves the process.
type nullSender struct{}

func (nullSender) Send(string, *cluster.GossipMessage) error { return nil }
func (nullSender) Request(context.Context, string, *cluster.GossipMessage) (*cluster.GossipMessage, error) {
	return &cluster.GossipMessage{Sub: cluster.SubAck}, nil
}
func (nullSender) Reply(string, string, json.RawMessage) error { return nil }
func (nullSender) Connected(string) bool                       { return false }

type nullRPC struct{}

func (nullRPC) RegisterRPC(string, cluster.RPCHandler) {}

type testEnv struct {
	srv     *httptest.Server
	handler *Handler
	id      *identity.Identity
	clock   *clockwork.FakeClock // drives pair-request timers
}

func newTestEnv(t *testing.T, mutate ...func(*config.Client)) *testEnv {
	t.Helper()

	id, err := identity.Generate("test")
	require.NoError(t, err)

	cfg := config.Client{
		MaxConnectionsPerPeer:  20,
		HeartbeatInterval:      30 * time.Second,
		HeartbeatTimeout:       60 * time.Second,
		PairRequestTimeout:     120 * time.Second,
		PairRequestWarningTime: 30 * time.Second,
		MaxPendingPerTarget:    10,
		RateLimitPerMinute:     10000,
		MaxFrameBytes:          64 * 1024,
		SendQueueSize:          64,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	ring := cluster.NewRing(16)
	ring.AddNode(cluster.RingNode{
		ServerID: id.ServerID, NodeID: id.NodeID,
		Endpoint: "ws://self:9443", Status: cluster.StatusAlive,
	})
	st := store.NewMemory()
	m := metrics.New()
	fakeClock := clockwork.NewFakeClock()
	log := zerolog.Nop()

	engine := rendezvous.NewEngine(id.ServerID, rendezvous.Config{
		ReplicationFactor: 3, WriteQuorum: 2, ReadQuorum: 1,
		RPCTimeout:    time.Second,
		DailyPointTTL: 48 * time.Hour, HourlyTokenTTL: 3 * time.Hour,
	}, ring, st, nullSender{}, nullRPC{}, m, fakeClock, log)

	registry := pairing.NewRegistry(id.ServerID, "ws://self:9443", cfg, 3, time.Second, ring, nullSender{}, nullRPC{}, m, fakeClock, log)
	relay := signaling.NewRelay(registry, log)

	handler := NewHandler(cfg, id, registry, relay, engine, m, clockwork.NewRealClock(), log)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, handler: handler, id: id, clock: fakeClock}
}

type wsClient struct {
	t  *testing.T
	ws *websocket.Conn

	mu     sync.Mutex
	queued []map[string]any
}

// dial connects and consumes the server_info greeting.
func (e *testEnv) dial(t *testing.T) (*wsClient, map[string]any) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	c := &wsClient{t: t, ws: ws}
	info := c.recv()
	require.Equal(t, MsgServerInfo, info["type"])
	return c, info
}

func (c *wsClient) send(v any) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteJSON(v))
}

func (c *wsClient) recv() map[string]any {
	c.t.Helper()
	c.mu.Lock()
	if len(c.queued) > 0 {
		msg := c.queued[0]
		c.queued = c.queued[1:]
		c.mu.Unlock()
		return msg
	}
	c.mu.Unlock()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	var msg map[string]any
	require.NoError(c.t, c.ws.ReadJSON(&msg))
	return msg
}

// recvType reads until a frame of the wanted type arrives, queueing
// everything skipped for later recv calls.
func (c *wsClient) recvType(typ string) map[string]any {
	c.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		require.NoError(c.t, c.ws.SetReadDeadline(deadline))
		var msg map[string]any
		require.NoError(c.t, c.ws.ReadJSON(&msg))
		if msg["type"] == typ {
			return msg
		}
		c.mu.Lock()
		c.queued = append(c.queued, msg)
		c.mu.Unlock()
	}
	c.t.Fatalf("no %s frame received", typ)
	return nil
}

// expectClose reads frames until the server closes the connection and
// returns the close error.
func (c *wsClient) expectClose() *websocket.CloseError {
	c.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(c.t, c.ws.SetReadDeadline(deadline))
		var msg map[string]any
		if err := c.ws.ReadJSON(&msg); err != nil {
			var ce *websocket.CloseError
			require.ErrorAs(c.t, err, &ce)
			return ce
		}
	}
}

func (c *wsClient) register(code string) {
	c.t.Helper()
	c.send(map[string]any{"type": MsgRegister, "pairingCode": code, "publicKey": "pk-" + code})
	resp := c.recv()
	require.Equal(c.t, MsgRegistered, resp["type"])
}

// ─── Connection basics ───────────────────────────────────────────────────────

func TestServerInfoCarriesVerifiableNonce(t *testing.T) {
	env := newTestEnv(t)
	_, info := env.dial(t)

	assert.Equal(t, env.id.ServerID, info["serverId"])

	pub, err := identity.DecodeKey(info["publicKey"].(string))
	require.NoError(t, err)
	sig, err := base64.StdEncoding.DecodeString(info["signature"].(string))
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(pub, []byte(info["nonce"].(string)), sig))
}

func TestRegisterAndPingPong(t *testing.T) {
	env := newTestEnv(t)
	c, _ := env.dial(t)
	c.register("ABCDEF")

	c.send(map[string]any{"type": MsgPing})
	assert.Equal(t, MsgPong, c.recv()["type"])
}

func TestRegisterValidation(t *testing.T) {
	env := newTestEnv(t)
	c, _ := env.dial(t)

	c.send(map[string]any{"type": MsgRegister, "pairingCode": "bad!", "publicKey": "pk"})
	resp := c.recv()
	assert.Equal(t, MsgError, resp["type"])
	assert.Equal(t, ErrCodeInvalidCode, resp["code"])

	c.send(map[string]any{"type": MsgRegister, "pairingCode": "ABCDEF"})
	resp = c.recv()
	assert.Equal(t, ErrCodeBadRequest, resp["code"])
}

func TestDuplicateCodeRejected(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.dial(t)
	a.register("ABCDEF")

	b, _ := env.dial(t)
	b.send(map[string]any{"type": MsgRegister, "pairingCode": "ABCDEF", "publicKey": "pk2"})
	resp := b.recv()
	assert.Equal(t, MsgError, resp["type"])
	assert.Equal(t, ErrCodeCodeTaken, resp["code"])
}

func TestPerPeerConnectionCap(t *testing.T) {
	env := newTestEnv(t, func(c *config.Client) { c.MaxConnectionsPerPeer = 1 })

	a, _ := env.dial(t)
	a.send(map[string]any{"type": MsgRegister, "pairingCode": "AAAAAA", "publicKey": "pk"})
	require.Equal(t, MsgRegistered, a.recv()["type"])

	// Same key on a second connection is over the cap.
	b, _ := env.dial(t)
	b.send(map[string]any{"type": MsgRegister, "pairingCode": "BBBBBB", "publicKey": "pk"})
	resp := b.recv()
	assert.Equal(t, MsgError, resp["type"])
	assert.Equal(t, ErrCodeTooManyConns, resp["code"])

	// A different key is unaffected.
	b.send(map[string]any{"type": MsgRegister, "pairingCode": "BBBBBB", "publicKey": "pk2"})
	assert.Equal(t, MsgRegistered, b.recv()["type"])
}

func TestDisconnectFreesCode(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.dial(t)
	a.register("ABCDEF")
	a.ws.Close()

	require.Eventually(t, func() bool { return env.handler.ConnCount() == 0 }, 3*time.Second, 10*time.Millisecond)

	b, _ := env.dial(t)
	b.register("ABCDEF")
}

func TestUnknownTypeAnswered(t *testing.T) {
	env := newTestEnv(t)
	c, _ := env.dial(t)

	c.send(map[string]any{"type": "teleport"})
	resp := c.recv()
	assert.Equal(t, MsgError, resp["type"])
	assert.Equal(t, ErrCodeUnknownType, resp["code"])

	// The connection survives.
	c.send(map[string]any{"type": MsgPing})
	assert.Equal(t, MsgPong, c.recv()["type"])
}

func TestMalformedFrameAnswered(t *testing.T) {
	env := newTestEnv(t)
	c, _ := env.dial(t)

	require.NoError(t, c.ws.WriteMessage(websocket.TextMessage, []byte("{nope")))
	resp := c.recv()
	assert.Equal(t, MsgError, resp["type"])
	assert.Equal(t, ErrCodeBadRequest, resp["code"])

	// A single bad frame is forgiven.
	c.send(map[string]any{"type": MsgPing})
	assert.Equal(t, MsgPong, c.recv()["type"])
}

func TestMalformedFloodClosesConnection(t *testing.T) {
	env := newTestEnv(t)
	c, _ := env.dial(t)

	for i := 0; i < maxStrikes; i++ {
		require.NoError(t, c.ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	}

	ce := c.expectClose()
	assert.Equal(t, websocket.ClosePolicyViolation, ce.Code)
	assert.Equal(t, closeSlowConsumer, ce.Text)
}

func TestRateLimitAnswersWithError(t *testing.T) {
	env := newTestEnv(t, func(c *config.Client) { c.RateLimitPerMinute = 2 })
	c, _ := env.dial(t)

	c.send(map[string]any{"type": MsgPing})
	assert.Equal(t, MsgPong, c.recv()["type"])
	c.send(map[string]any{"type": MsgPing})
	assert.Equal(t, MsgPong, c.recv()["type"])
	c.send(map[string]any{"type": MsgPing})
	resp := c.recv()
	assert.Equal(t, MsgError, resp["type"])
	assert.Equal(t, ErrCodeRateLimit, resp["code"])
}

func TestRateLimitRepeatOffenderClosed(t *testing.T) {
	env := newTestEnv(t, func(c *config.Client) { c.RateLimitPerMinute = 2 })
	c, _ := env.dial(t)

	// Burn the burst allowance, then keep flooding.
	for i := 0; i < 2+maxStrikes; i++ {
		c.send(map[string]any{"type": MsgPing})
	}

	ce := c.expectClose()
	assert.Equal(t, websocket.ClosePolicyViolation, ce.Code)
	assert.Equal(t, closeSlowConsumer, ce.Text)
}

// ─── Pairing over the wire ───────────────────────────────────────────────────

func TestPairFlowOnOneServer(t *testing.T) {
	env := newTestEnv(t)
	alice, _ := env.dial(t)
	bob, _ := env.dial(t)
	alice.register("AAAAAA")
	bob.register("BBBBBB")

	alice.send(map[string]any{"type": MsgPairRequest, "targetCode": "BBBBBB"})
	incoming := bob.recvType(MsgPairIncoming)
	assert.Equal(t, "AAAAAA", incoming["fromCode"])

	bob.send(map[string]any{"type": MsgPairResponse, "targetCode": "AAAAAA", "accepted": true})

	am := alice.recvType(MsgPairMatched)
	assert.Equal(t, "BBBBBB", am["peerCode"])
	assert.Equal(t, true, am["isInitiator"])

	bm := bob.recvType(MsgPairMatched)
	assert.Equal(t, "AAAAAA", bm["peerCode"])
	assert.Equal(t, false, bm["isInitiator"])

	// Signaling flows once paired; target is rewritten to from.
	alice.send(map[string]any{"type": MsgOffer, "target": "BBBBBB", "payload": map[string]any{"sdp": "v=0"}})
	offer := bob.recvType(MsgOffer)
	assert.Equal(t, "AAAAAA", offer["from"])
	payload := offer["payload"].(map[string]any)
	assert.Equal(t, "v=0", payload["sdp"])
}

func TestPairRejection(t *testing.T) {
	env := newTestEnv(t)
	alice, _ := env.dial(t)
	bob, _ := env.dial(t)
	alice.register("AAAAAA")
	bob.register("BBBBBB")

	alice.send(map[string]any{"type": MsgPairRequest, "targetCode": "BBBBBB"})
	bob.recvType(MsgPairIncoming)
	bob.send(map[string]any{"type": MsgPairResponse, "targetCode": "AAAAAA", "accepted": false})

	rej := alice.recvType(MsgPairRejected)
	assert.Equal(t, "BBBBBB", rej["peerCode"])
}

func TestPairRequestWarningThenExpiry(t *testing.T) {
	env := newTestEnv(t)
	alice, _ := env.dial(t)
	bob, _ := env.dial(t)
	alice.register("AAAAAA")
	bob.register("BBBBBB")

	alice.send(map[string]any{"type": MsgPairRequest, "targetCode": "BBBBBB"})
	bob.recvType(MsgPairIncoming)

	env.clock.Advance(90 * time.Second)
	warning := alice.recvType(MsgPairWarning)
	assert.Equal(t, float64(30), warning["secondsRemaining"])

	env.clock.Advance(30 * time.Second)
	alice.recvType(MsgPairExpired)
	bob.recvType(MsgPairExpired)
}

func TestSignalingRequiresPairing(t *testing.T) {
	env := newTestEnv(t)
	alice, _ := env.dial(t)
	bob, _ := env.dial(t)
	alice.register("AAAAAA")
	bob.register("BBBBBB")

	alice.send(map[string]any{"type": MsgOffer, "target": "BBBBBB", "payload": map[string]any{}})
	resp := alice.recv()
	assert.Equal(t, MsgError, resp["type"])
	assert.Equal(t, ErrCodeNotPaired, resp["code"])
}

func TestPairRequestRequiresRegistration(t *testing.T) {
	env := newTestEnv(t)
	c, _ := env.dial(t)

	c.send(map[string]any{"type": MsgPairRequest, "targetCode": "BBBBBB"})
	resp := c.recv()
	assert.Equal(t, MsgError, resp["type"])
	assert.Equal(t, ErrCodeNotRegistered, resp["code"])
}

// ─── Rendezvous over the wire ────────────────────────────────────────────────

func TestRendezvousPublishAndQuery(t *testing.T) {
	env := newTestEnv(t)
	c, _ := env.dial(t)
	c.register("ABCDEF")

	c.send(map[string]any{"type": MsgPublishDaily, "pointHash": "point-1", "deadDrop": "Y2lwaGVy"})
	c.send(map[string]any{"type": MsgPublishHourly, "tokenHash": "token-1", "relayId": "relay-9"})
	c.send(map[string]any{"type": MsgQuery, "dailyPoints": []string{"point-1"}, "hourlyTokens": []string{"token-1"}})

	result := c.recvType(MsgRendezvousResult)
	deadDrops := result["deadDrops"].([]any)
	require.Len(t, deadDrops, 1)
	assert.Equal(t, "Y2lwaGVy", deadDrops[0].(map[string]any)["deadDrop"])
	liveMatches := result["liveMatches"].([]any)
	require.Len(t, liveMatches, 1)
	assert.Equal(t, "relay-9", liveMatches[0].(map[string]any)["relayId"])
	// The match names its own relay, so no candidates are attached.
	assert.Nil(t, result["relays"])
}

func TestQueryAttachesRelayCandidates(t *testing.T) {
	env := newTestEnv(t)

	relay, _ := env.dial(t)
	relay.register("RRRRRR")
	relay.send(map[string]any{"type": MsgRelayAnnounce, "maxConnections": 4})
	// Frames are handled in order per connection; the pong fences the
	// announce before the other client queries.
	relay.send(map[string]any{"type": MsgPing})
	require.Equal(t, MsgPong, relay.recv()["type"])

	c, _ := env.dial(t)
	c.register("AAAAAA")
	c.send(map[string]any{"type": MsgPublishHourly, "tokenHash": "token-1"})
	c.send(map[string]any{"type": MsgQuery, "hourlyTokens": []string{"token-1"}})

	result := c.recvType(MsgRendezvousResult)
	liveMatches := result["liveMatches"].([]any)
	require.Len(t, liveMatches, 1)

	// The live match carries no relay, so available relays are offered.
	relays := result["relays"].([]any)
	require.Len(t, relays, 1)
	assert.Equal(t, "pk-RRRRRR", relays[0].(map[string]any)["peerId"])
}

func TestRendezvousQueryEmptyResult(t *testing.T) {
	env := newTestEnv(t)
	c, _ := env.dial(t)
	c.register("ABCDEF")

	c.send(map[string]any{"type": MsgQuery, "dailyPoints": []string{"nothing"}})
	result := c.recvType(MsgRendezvousResult)
	assert.Empty(t, result["deadDrops"].([]any))
	assert.Empty(t, result["liveMatches"].([]any))
}

func TestUnpublishRemovesEntries(t *testing.T) {
	env := newTestEnv(t)
	c, _ := env.dial(t)
	c.register("ABCDEF")

	c.send(map[string]any{"type": MsgPublishDaily, "pointHash": "point-1", "deadDrop": "x"})
	c.send(map[string]any{"type": MsgUnpublish, "dailyPoints": []string{"point-1"}})
	c.send(map[string]any{"type": MsgQuery, "dailyPoints": []string{"point-1"}})

	result := c.recvType(MsgRendezvousResult)
	assert.Empty(t, result["deadDrops"].([]any))
}

func TestEphemeralTokenGoneAfterDisconnect(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.dial(t)
	a.register("AAAAAA")
	a.send(map[string]any{"type": MsgPublishHourly, "tokenHash": "token-1", "ephemeral": true})
	a.send(map[string]any{"type": MsgPing})
	a.recv() // pong: the publish was processed before this
	a.ws.Close()
	require.Eventually(t, func() bool { return env.handler.ConnCount() == 0 }, 3*time.Second, 10*time.Millisecond)

	b, _ := env.dial(t)
	b.register("BBBBBB")
	b.send(map[string]any{"type": MsgQuery, "hourlyTokens": []string{"token-1"}})
	result := b.recvType(MsgRendezvousResult)
	assert.Empty(t, result["liveMatches"].([]any))
}

func TestPublishRequiresRegistration(t *testing.T) {
	env := newTestEnv(t)
	c, _ := env.dial(t)

	c.send(map[string]any{"type": MsgPublishDaily, "pointHash": "p"})
	resp := c.recv()
	assert.Equal(t, MsgError, resp["type"])
	assert.Equal(t, ErrCodeNotRegistered, resp["code"])
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

func TestShutdownClosesClientsNormally(t *testing.T) {
	env := newTestEnv(t)
	c, _ := env.dial(t)
	c.register("ABCDEF")

	env.handler.Shutdown()

	require.NoError(t, c.ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := c.ws.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	assert.Equal(t, "server_shutting_down", closeErr.Text)
}
