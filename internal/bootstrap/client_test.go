package bootstrap

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type directoryStub struct {
	mu         sync.Mutex
	registered []Registration
	heartbeats int
	deleted    []string
	failFirst  int // fail this many register calls with 500
	peers      []Peer
}

func (d *directoryStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /servers", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.failFirst > 0 {
			d.failFirst--
			http.Error(w, "down", http.StatusInternalServerError)
			return
		}
		var reg Registration
		_ = json.NewDecoder(r.Body).Decode(&reg)
		d.registered = append(d.registered, reg)
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "server": reg})
	})
	mux.HandleFunc("POST /servers/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.heartbeats++
		_ = json.NewEncoder(w).Encode(heartbeatResponse{Success: true, Peers: d.peers})
	})
	mux.HandleFunc("DELETE /servers/{id}", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.deleted = append(d.deleted, r.PathValue("id"))
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func (d *directoryStub) registeredCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.registered)
}

func (d *directoryStub) heartbeatCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.heartbeats
}

func testClient(t *testing.T, stub *directoryStub, onPeers func([]Peer)) *Client {
	t.Helper()
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)
	return New(Config{
		ServerURL:         srv.URL,
		HeartbeatInterval: 20 * time.Millisecond,
		RetryInterval:     5 * time.Millisecond,
		RequestTimeout:    time.Second,
	}, Registration{
		ServerID:  "ed25519:self",
		Endpoint:  "ws://self:9443",
		PublicKey: "pk",
		Region:    "eu-central",
	}, onPeers, clockwork.NewRealClock(), zerolog.Nop())
}

func TestRegisterAndHeartbeat(t *testing.T) {
	stub := &directoryStub{peers: []Peer{
		{ServerID: "ed25519:other", Endpoint: "ws://other:9443", PublicKey: "pk2"},
	}}

	var mu sync.Mutex
	var seen []Peer
	c := testClient(t, stub, func(peers []Peer) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, peers...)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.Eventually(t, func() bool { return stub.heartbeatCount() >= 2 }, 3*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, stub.registeredCount())
	stub.mu.Lock()
	assert.Equal(t, "ed25519:self", stub.registered[0].ServerID)
	assert.Equal(t, "eu-central", stub.registered[0].Region)
	stub.mu.Unlock()

	mu.Lock()
	require.NotEmpty(t, seen)
	assert.Equal(t, "ed25519:other", seen[0].ServerID)
	mu.Unlock()
}

func TestRegistrationRetriesUntilDirectoryRecovers(t *testing.T) {
	stub := &directoryStub{failFirst: 3}
	c := testClient(t, stub, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.Eventually(t, func() bool { return stub.registeredCount() == 1 }, 3*time.Second, 5*time.Millisecond)
}

func TestDeregisterRemovesEntry(t *testing.T) {
	stub := &directoryStub{}
	c := testClient(t, stub, nil)

	c.Deregister(context.Background())

	stub.mu.Lock()
	defer stub.mu.Unlock()
	require.Len(t, stub.deleted, 1)
	assert.Equal(t, "ed25519:self", stub.deleted[0])
}

func TestRunWithoutDirectoryIsNoop(t *testing.T) {
	c := New(Config{}, Registration{ServerID: "ed25519:self"}, nil, clockwork.NewRealClock(), zerolog.Nop())
	done := make(chan struct{})
	go func() {
		c.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run should return immediately with no directory configured")
	}
}
