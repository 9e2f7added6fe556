package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Hamza-Labs-Core/zajel-sub017/internal/bootstrap"
	"github.com/Hamza-Labs-Core/zajel-sub017/internal/cluster"
	"github.com/Hamza-Labs-Core/zajel-sub017/internal/config"
	"github.com/Hamza-Labs-Core/zajel-sub017/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Identity.KeyPath = filepath.Join(t.TempDir(), "identity.json")
	cfg.Network.Host = "127.0.0.1"
	cfg.Network.PublicEndpoint = "ws://127.0.0.1:8420"
	cfg.Gossip.ReconnectBase = 10 * time.Millisecond
	cfg.Gossip.ReconnectMaxInterval = 50 * time.Millisecond
	return cfg
}

func newTestServer(t *testing.T, clock clockwork.Clock) *Server {
	t.Helper()
	s, err := New(testConfig(t), clock, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(s.transport.Close)
	return s
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, clockwork.NewRealClock())
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status   string  `json:"status"`
		ServerID string  `json:"serverId"`
		Uptime   float64 `json:"uptime"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "ok", body.Status)
	require.True(t, strings.HasPrefix(body.ServerID, "ed25519:"))
	require.GreaterOrEqual(t, body.Uptime, float64(0))
}

func TestStatsEndpoint(t *testing.T) {
	s := newTestServer(t, clockwork.NewRealClock())
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		ServerID string `json:"serverId"`
		NodeID   string `json:"nodeId"`
		Clients  struct {
			Connected int `json:"connected"`
		} `json:"clients"`
		Cluster struct {
			MembersByStatus map[string]int `json:"membersByStatus"`
			RingNodes       int            `json:"ringNodes"`
		} `json:"cluster"`
		Rendezvous struct {
			DailyPoints  int `json:"dailyPoints"`
			HourlyTokens int `json:"hourlyTokens"`
		} `json:"rendezvous"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, s.id.ServerID, body.ServerID)
	require.Equal(t, s.id.NodeID, body.NodeID)
	require.Zero(t, body.Clients.Connected)
	require.Zero(t, body.Rendezvous.DailyPoints)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, clockwork.NewRealClock())
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestClientEndpointThroughRouter(t *testing.T) {
	s := newTestServer(t, clockwork.NewRealClock())
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	var info map[string]any
	require.NoError(t, ws.ReadJSON(&info))
	require.Equal(t, "server_info", info["type"])
	require.Equal(t, s.id.ServerID, info["serverId"])
}

func TestSweepRemovesExpiredEntries(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := newTestServer(t, clock)
	now := clock.Now()

	_, err := s.st.UpsertDailyPoint(store.DailyPointEntry{
		PointHash: "dp-old", PeerID: "peer-a",
		ExpiresAt: now.Add(-time.Minute),
		Clock:     store.VectorClock{s.id.ServerID: 1},
	})
	require.NoError(t, err)
	_, err = s.st.UpsertHourlyToken(store.HourlyTokenEntry{
		TokenHash: "ht-old", PeerID: "peer-a",
		ExpiresAt: now.Add(-time.Minute),
		Clock:     store.VectorClock{s.id.ServerID: 1},
	})
	require.NoError(t, err)
	_, err = s.st.UpsertHourlyToken(store.HourlyTokenEntry{
		TokenHash: "ht-live", PeerID: "peer-b",
		ExpiresAt: now.Add(time.Hour),
		Clock:     store.VectorClock{s.id.ServerID: 1},
	})
	require.NoError(t, err)

	s.sweep()

	require.Empty(t, s.st.AllDailyPoints())
	require.Len(t, s.st.AllHourlyTokens(), 1)
	require.Equal(t, float64(1), testutil.ToFloat64(s.metrics.EntriesSweptDaily))
	require.Equal(t, float64(1), testutil.ToFloat64(s.metrics.EntriesSweptHourly))
}

func TestSweepPersistsMembership(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := newTestServer(t, clock)

	s.table.Apply(cluster.Member{
		ServerID: "ed25519:peer", NodeID: "feed", Endpoint: "ws://peer:8420",
		Status: cluster.StatusSuspect, Incarnation: 3,
	}, clock.Now())

	s.sweep()

	recs := s.st.LoadMembers()
	require.Len(t, recs, 1)
	require.Equal(t, "ed25519:peer", recs[0].ServerID)
	require.Equal(t, uint64(3), recs[0].Incarnation)
}

func TestRestoreMembersSeedsTableAndIncarnation(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := newTestServer(t, clock)

	require.NoError(t, s.st.SaveMembers([]store.MemberRecord{
		{ServerID: s.id.ServerID, NodeID: s.id.NodeID, Incarnation: 7, Status: "alive"},
		{ServerID: "ed25519:peer", NodeID: "feed", Endpoint: "ws://peer:8420",
			Status: "suspect", Incarnation: 2},
	}))

	s.restoreMembers()

	require.Equal(t, uint64(8), s.gossip.Incarnation())
	m, ok := s.table.Get("ed25519:peer")
	require.True(t, ok)
	require.Equal(t, cluster.StatusSuspect, m.Status)
}

func TestSeedPeersAppliesToMembership(t *testing.T) {
	s := newTestServer(t, clockwork.NewRealClock())

	s.seedPeers([]bootstrap.Peer{{
		ServerID: "ed25519:remote", Endpoint: "ws://127.0.0.1:1", PublicKey: "pk",
	}})

	m, ok := s.table.Get("ed25519:remote")
	require.True(t, ok)
	require.Equal(t, cluster.StatusAlive, m.Status)
	require.Equal(t, "ws://127.0.0.1:1", m.Endpoint)
}

func TestServeAndGracefulShutdown(t *testing.T) {
	s := newTestServer(t, clockwork.NewRealClock())

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, l) }()

	base := "http://" + l.Addr().String()
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 20*time.Millisecond)

	// Self lands in the ring once serving.
	require.Equal(t, 1, s.ring.Size())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not complete")
	}

	// Membership snapshot was persisted on the way down.
	require.NotEmpty(t, s.st.LoadMembers())
}
