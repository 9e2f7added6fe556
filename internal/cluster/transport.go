package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Hamza-Labs-Core/zajel-sub017/internal/config"
	"github.com/Hamza-Labs-Core/zajel-sub017/internal/identity"
	"github.com/Hamza-Labs-Core/zajel-sub017/internal/metrics"
)

// ClusterPath is the WebSocket route peers dial.
const ClusterPath = "/cluster/ws"

var (
	ErrPeerUnknown   = errors.New("cluster: no connection to peer")
	ErrSendQueueFull = errors.New("cluster: peer send queue full")
	ErrRPCTimeout    = errors.New("cluster: rpc timed out")
)

// Sender is the messaging capability the gossip engine and the
// rendezvous/pairing forwarders consume. *Transport implements it;
// tests substitute fakes.
type Sender interface {
	// Send signs and enqueues a one-way message.
	Send(serverID string, msg *GossipMessage) error
	// Request signs msg, assigns a correlation id, and waits for the
	// matching ack.
	Request(ctx context.Context, serverID string, msg *GossipMessage) (*GossipMessage, error)
	// Reply sends an ack correlated to a received request.
	Reply(serverID, requestID string, payload json.RawMessage) error
	// Connected reports whether a live link to the peer exists.
	Connected(serverID string) bool
}

// Handler receives verified inbound gossip messages.
type Handler interface {
	HandleGossip(msg *GossipMessage)
	// PeerConnected fires after a successful handshake in either
	// direction, letting membership learn the peer.
	PeerConnected(hs Handshake)
	// PeerDisconnected fires when a link drops.
	PeerDisconnected(serverID string)
}

type link struct {
	serverID string
	conn     *websocket.Conn
	outgoing bool
	send     chan []byte
	closed   chan struct{}
	once     sync.Once
}

func (l *link) close() {
	l.once.Do(func() {
		close(l.closed)
		l.conn.Close()
	})
}

// Transport maintains signed WebSocket links to every known peer.
// Outgoing links reconnect with capped exponential backoff; incoming
// links are the dialing peer's problem.
type Transport struct {
	id      *identity.Identity
	self    Handshake // template: our side of every handshake
	cfg     config.Gossip
	log     zerolog.Logger
	metrics *metrics.Metrics
	handler Handler

	// lookup resolves a peer's current endpoint for reconnects.
	lookup func(serverID string) (Member, bool)

	mu      sync.Mutex
	links   map[string]*link
	dialing map[string]bool
	closed  bool

	pendMu  sync.Mutex
	pending map[string]chan *GossipMessage

	wg sync.WaitGroup

	upgrader websocket.Upgrader
}

// NewTransport wires a transport for the given identity. handler and
// lookup must be set via Attach before any connection is made.
func NewTransport(id *identity.Identity, endpoint, region string, cfg config.Gossip, m *metrics.Metrics, log zerolog.Logger) *Transport {
	return &Transport{
		id: id,
		self: Handshake{
			ServerID:  id.ServerID,
			NodeID:    id.NodeID,
			Endpoint:  endpoint,
			PublicKey: identity.EncodeKey(id.PublicKey),
			Metadata:  map[string]string{"region": region, "ephemeralId": id.EphemeralID},
		},
		cfg:     cfg,
		log:     log.With().Str("component", "transport").Logger(),
		metrics: m,
		links:   make(map[string]*link),
		dialing: make(map[string]bool),
		pending: make(map[string]chan *GossipMessage),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Peers are authenticated by the signed handshake, not by origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Attach sets the inbound handler and the endpoint lookup. Must be
// called before Connect or ServeHTTP.
func (t *Transport) Attach(h Handler, lookup func(serverID string) (Member, bool)) {
	t.handler = h
	t.lookup = lookup
}

// Connected implements Sender.
func (t *Transport) Connected(serverID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.links[serverID]
	return ok
}

// Peers lists servers with a live link.
func (t *Transport) Peers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.links))
	for id := range t.links {
		out = append(out, id)
	}
	return out
}

// Connect ensures an outgoing link to the member exists, dialing in the
// background if needed.
func (t *Transport) Connect(m Member) {
	t.mu.Lock()
	if t.closed || t.links[m.ServerID] != nil || t.dialing[m.ServerID] {
		t.mu.Unlock()
		return
	}
	t.dialing[m.ServerID] = true
	t.mu.Unlock()

	t.wg.Add(1)
	go t.dialLoop(m.ServerID)
}

// dialLoop retries an outgoing connection with exponential backoff and
// ±1s jitter until it succeeds, the peer is forgotten, or the transport
// closes.
func (t *Transport) dialLoop(serverID string) {
	defer t.wg.Done()
	defer func() {
		t.mu.Lock()
		delete(t.dialing, serverID)
		t.mu.Unlock()
	}()

	for attempt := 0; ; attempt++ {
		t.mu.Lock()
		closed := t.closed
		haveLink := t.links[serverID] != nil
		t.mu.Unlock()
		if closed || haveLink {
			return
		}

		m, ok := t.lookup(serverID)
		if !ok || m.Status == StatusLeft {
			return
		}

		if err := t.dial(m); err == nil {
			return
		} else {
			t.log.Debug().Str("peer", shortID(serverID)).Int("attempt", attempt).
				Err(err).Msg("peer dial failed")
		}

		backoff := t.cfg.ReconnectBase << attempt
		if backoff > t.cfg.ReconnectMaxInterval || backoff <= 0 {
			backoff = t.cfg.ReconnectMaxInterval
		}
		jitter := time.Duration(rand.Int63n(int64(2*time.Second))) - time.Second
		wait := backoff + jitter
		if wait < 100*time.Millisecond {
			wait = 100 * time.Millisecond
		}
		time.Sleep(wait)
	}
}

// dial performs one connection attempt including the handshake.
func (t *Transport) dial(m Member) error {
	url := strings.TrimSuffix(m.Endpoint, "/") + ClusterPath
	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.HandshakeTimeout}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}

	hs := t.self
	hs.Type = MsgHandshake
	if err := SignHandshake(t.id, &hs); err != nil {
		conn.Close()
		return err
	}
	deadline := time.Now().Add(t.cfg.HandshakeTimeout)
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(&hs); err != nil {
		conn.Close()
		return fmt.Errorf("send handshake: %w", err)
	}

	var ack Handshake
	conn.SetReadDeadline(deadline)
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		return fmt.Errorf("read handshake_ack: %w", err)
	}
	if ack.Type != MsgHandshakeAck || ack.ServerID != m.ServerID || !VerifyHandshake(&ack) {
		t.metrics.SignatureDrops.Inc()
		conn.Close()
		return fmt.Errorf("handshake_ack rejected from %s", url)
	}
	conn.SetReadDeadline(time.Time{})
	conn.SetWriteDeadline(time.Time{})

	t.register(&link{
		serverID: ack.ServerID,
		conn:     conn,
		outgoing: true,
		send:     make(chan []byte, 256),
		closed:   make(chan struct{}),
	}, ack)
	return nil
}

// ServeHTTP accepts an incoming peer connection: upgrade, await a
// signed handshake, answer with a signed handshake_ack.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	deadline := time.Now().Add(t.cfg.HandshakeTimeout)
	var hs Handshake
	conn.SetReadDeadline(deadline)
	if err := conn.ReadJSON(&hs); err != nil {
		conn.Close()
		return
	}
	if hs.Type != MsgHandshake || hs.ServerID == t.id.ServerID || !VerifyHandshake(&hs) {
		// Bad signatures are dropped without telling the peer which
		// check failed.
		t.metrics.SignatureDrops.Inc()
		conn.Close()
		return
	}

	ack := t.self
	ack.Type = MsgHandshakeAck
	if err := SignHandshake(t.id, &ack); err != nil {
		conn.Close()
		return
	}
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(&ack); err != nil {
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})
	conn.SetWriteDeadline(time.Time{})

	t.register(&link{
		serverID: hs.ServerID,
		conn:     conn,
		outgoing: false,
		send:     make(chan []byte, 256),
		closed:   make(chan struct{}),
	}, hs)
}

// register installs a link, resolving duplicate connections: the server
// with the lexicographically smaller id keeps its outgoing side.
func (t *Transport) register(l *link, hs Handshake) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"), time.Now().Add(time.Second))
		l.close()
		return
	}
	if existing, ok := t.links[l.serverID]; ok {
		keepOutgoing := t.id.ServerID < l.serverID
		if l.outgoing == keepOutgoing {
			// New link wins; retire the old one.
			delete(t.links, l.serverID)
			existing.close()
		} else {
			t.mu.Unlock()
			l.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "duplicate"), time.Now().Add(time.Second))
			l.close()
			return
		}
	}
	t.links[l.serverID] = l
	t.mu.Unlock()

	t.metrics.PeerConnections.Inc()
	t.log.Info().Str("peer", shortID(l.serverID)).Bool("outgoing", l.outgoing).
		Msg("peer link established")

	t.wg.Add(2)
	go t.readLoop(l)
	go t.writeLoop(l)

	t.handler.PeerConnected(hs)
}

func (t *Transport) unregister(l *link) {
	t.mu.Lock()
	current := t.links[l.serverID] == l
	if current {
		delete(t.links, l.serverID)
	}
	closed := t.closed
	t.mu.Unlock()

	l.close()
	if !current {
		return
	}
	t.metrics.PeerConnections.Dec()
	t.log.Info().Str("peer", shortID(l.serverID)).Msg("peer link closed")
	t.handler.PeerDisconnected(l.serverID)

	// Only the dialing side reconnects.
	if l.outgoing && !closed {
		if m, ok := t.lookup(l.serverID); ok && m.Status != StatusLeft && m.Status != StatusFailed {
			t.Connect(m)
		}
	}
}

func (t *Transport) readLoop(l *link) {
	defer t.wg.Done()
	defer t.unregister(l)

	l.conn.SetReadLimit(1 << 20)
	l.conn.SetReadDeadline(time.Now().Add(2 * t.cfg.PingInterval))
	l.conn.SetPongHandler(func(string) error {
		return l.conn.SetReadDeadline(time.Now().Add(2 * t.cfg.PingInterval))
	})

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			return
		}
		l.conn.SetReadDeadline(time.Now().Add(2 * t.cfg.PingInterval))

		var msg GossipMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type != MsgGossip {
			continue
		}
		if msg.From != l.serverID || !VerifyGossip(&msg) {
			t.metrics.SignatureDrops.Inc()
			continue
		}

		// Acks resolve a pending request when one is waiting; anything
		// else goes to the handler.
		if msg.Sub == SubAck && msg.ID != "" {
			if ch := t.takePending(msg.ID); ch != nil {
				ch <- &msg
				continue
			}
		}
		t.handler.HandleGossip(&msg)
	}
}

func (t *Transport) writeLoop(l *link) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-l.send:
			l.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				l.close()
				return
			}
		case <-ticker.C:
			if err := l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				l.close()
				return
			}
		case <-l.closed:
			return
		}
	}
}

// Send implements Sender.
func (t *Transport) Send(serverID string, msg *GossipMessage) error {
	if err := SignGossip(t.id, msg); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	t.mu.Lock()
	l, ok := t.links[serverID]
	t.mu.Unlock()
	if !ok {
		return ErrPeerUnknown
	}
	select {
	case l.send <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Request implements Sender.
func (t *Transport) Request(ctx context.Context, serverID string, msg *GossipMessage) (*GossipMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	ch := make(chan *GossipMessage, 1)
	t.pendMu.Lock()
	t.pending[msg.ID] = ch
	t.pendMu.Unlock()
	defer t.takePending(msg.ID)

	if err := t.Send(serverID, msg); err != nil {
		return nil, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ErrRPCTimeout
	}
}

// Reply implements Sender.
func (t *Transport) Reply(serverID, requestID string, payload json.RawMessage) error {
	return t.Send(serverID, &GossipMessage{Sub: SubAck, ID: requestID, Payload: payload})
}

func (t *Transport) takePending(id string) chan *GossipMessage {
	t.pendMu.Lock()
	defer t.pendMu.Unlock()
	ch := t.pending[id]
	delete(t.pending, id)
	return ch
}

// Close tears down every link and waits for the pumps to finish.
func (t *Transport) Close() {
	t.mu.Lock()
	t.closed = true
	links := make([]*link, 0, len(t.links))
	for _, l := range t.links {
		links = append(links, l)
	}
	t.mu.Unlock()

	for _, l := range links {
		l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"), time.Now().Add(time.Second))
		l.close()
	}
	t.wg.Wait()
}

// shortID trims a server id for logs.
func shortID(serverID string) string {
	if len(serverID) > 20 {
		return serverID[:20]
	}
	return serverID
}
