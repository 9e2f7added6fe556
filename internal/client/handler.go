package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/Hamza-Labs-Core/zajel-sub017/internal/config"
	"github.com/Hamza-Labs-Core/zajel-sub017/internal/identity"
	"github.com/Hamza-Labs-Core/zajel-sub017/internal/metrics"
	"github.com/Hamza-Labs-Core/zajel-sub017/internal/pairing"
	"github.com/Hamza-Labs-Core/zajel-sub017/internal/rendezvous"
	"github.com/Hamza-Labs-Core/zajel-sub017/internal/signaling"
)

// Relay candidates attached to query answers: relays above this load
// ratio are skipped, and at most this many are offered.
const (
	relayCandidateCapRatio = 0.9
	relayCandidateLimit    = 3
)

// Handler owns all client connections on this server and dispatches
// their frames. It is an http.Handler for the /ws route.
type Handler struct {
	cfg      config.Client
	id       *identity.Identity
	registry *pairing.Registry
	relay    *signaling.Relay
	engine   *rendezvous.Engine
	metrics  *metrics.Metrics
	clock    clockwork.Clock
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[string]*Conn
	closed bool
}

func NewHandler(cfg config.Client, id *identity.Identity, registry *pairing.Registry, relay *signaling.Relay, engine *rendezvous.Engine, m *metrics.Metrics, clock clockwork.Clock, log zerolog.Logger) *Handler {
	return &Handler{
		cfg:      cfg,
		id:       id,
		registry: registry,
		relay:    relay,
		engine:   engine,
		metrics:  m,
		clock:    clock,
		log:      log.With().Str("component", "client").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Clients connect from app contexts, not browsers with a
			// meaningful Origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[string]*Conn),
	}
}

// ServeHTTP upgrades the connection, proves the server's identity with
// a signed nonce, and starts the pumps.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	h.mu.Unlock()

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("upgrade failed")
		return
	}

	c := &Conn{
		id:      uuid.NewString(),
		ws:      ws,
		h:       h,
		send:    make(chan []byte, h.cfg.SendQueueSize),
		done:    make(chan struct{}),
		limiter: newTokenBucket(h.cfg.RateLimitPerMinute, h.clock),
	}

	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	h.metrics.ClientConnections.Inc()

	nonce := uuid.NewString()
	c.enqueue(serverInfoMsg{
		Type:      MsgServerInfo,
		ServerID:  h.id.ServerID,
		PublicKey: identity.EncodeKey(h.id.PublicKey),
		Nonce:     nonce,
		Signature: base64.StdEncoding.EncodeToString(h.id.Sign([]byte(nonce))),
	})

	go c.writePump()
	go c.readPump()
}

// drop releases everything a connection held: its pairing code, its
// ephemeral rendezvous entries, and its relay registration.
func (h *Handler) drop(c *Conn) {
	h.mu.Lock()
	_, present := h.conns[c.id]
	delete(h.conns, c.id)
	h.mu.Unlock()
	if !present {
		return
	}
	h.metrics.ClientConnections.Dec()

	code, peerID := c.registration()
	if code != "" {
		h.registry.Unregister(code)
	}
	h.engine.ConnectionClosed(context.Background(), c.id, peerID)
}

// peerConns counts live connections registered under the given public
// key, skipping exceptID so a re-register on the same connection never
// counts itself.
func (h *Handler) peerConns(publicKey, exceptID string) int {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	n := 0
	for _, c := range conns {
		if c.id == exceptID {
			continue
		}
		if _, peerID := c.registration(); peerID == publicKey {
			n++
		}
	}
	return n
}

// ConnCount reports the live connection count for /stats.
func (h *Handler) ConnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Shutdown closes every connection with a normal-closure status and
// refuses new upgrades.
func (h *Handler) Shutdown() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.close(websocket.CloseNormalClosure, "server_shutting_down")
	}
}

// dispatch processes one inbound frame. Frames on one connection are
// handled in arrival order; errors are answered on the same connection
// and never close it unless the client is flooding garbage.
func (h *Handler) dispatch(c *Conn, raw []byte) {
	if !c.limiter.allow() {
		h.metrics.RateLimitHits.Inc()
		c.enqueue(errorMsg{Type: MsgError, Code: ErrCodeRateLimit})
		if c.strike() >= maxStrikes {
			c.close(websocket.ClosePolicyViolation, closeSlowConsumer)
		}
		return
	}

	var msg envelope
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.protocolError(c, ErrCodeBadRequest, "not json")
		if c.strike() >= maxStrikes {
			c.close(websocket.ClosePolicyViolation, closeSlowConsumer)
		}
		return
	}
	h.metrics.MessagesIn.WithLabelValues(msg.Type).Inc()

	switch msg.Type {
	case MsgRegister:
		h.handleRegister(c, msg)
	case MsgPairRequest:
		h.handlePairRequest(c, msg)
	case MsgPairResponse:
		h.handlePairResponse(c, msg)
	case MsgPairCancel:
		h.handlePairCancel(c, msg)
	case MsgOffer, MsgAnswer, MsgICECandidate:
		h.handleSignal(c, msg)
	case MsgPublishDaily:
		h.handlePublishDaily(c, msg)
	case MsgPublishHourly:
		h.handlePublishHourly(c, msg)
	case MsgQuery:
		h.handleQuery(c, msg)
	case MsgUnpublish:
		h.handleUnpublish(c, msg)
	case MsgRelayAnnounce:
		h.handleRelayAnnounce(c, msg)
	case MsgRelayUpdate:
		h.handleRelayUpdate(c, msg)
	case MsgPing:
		c.enqueue(pongMsg{Type: MsgPong})
	default:
		h.protocolError(c, ErrCodeUnknownType, msg.Type)
	}
}

func (h *Handler) handleRegister(c *Conn, msg envelope) {
	if msg.PairingCode == "" || msg.PublicKey == "" {
		h.protocolError(c, ErrCodeBadRequest, "pairingCode and publicKey required")
		return
	}
	if h.peerConns(msg.PublicKey, c.id) >= h.cfg.MaxConnectionsPerPeer {
		h.protocolError(c, ErrCodeTooManyConns, "")
		return
	}
	if err := h.registry.Register(context.Background(), msg.PairingCode, msg.PublicKey, c); err != nil {
		switch {
		case errors.Is(err, pairing.ErrInvalidCode):
			h.protocolError(c, ErrCodeInvalidCode, "")
		case errors.Is(err, pairing.ErrCodeTaken):
			// The client generates codes; on collision it picks
			// another and registers again.
			h.protocolError(c, ErrCodeCodeTaken, "")
		default:
			h.protocolError(c, ErrCodePairFailed, "")
		}
		return
	}
	if prev := c.setRegistered(msg.PairingCode, msg.PublicKey); prev != "" && prev != msg.PairingCode {
		h.registry.Unregister(prev)
	}
	c.enqueue(registeredMsg{Type: MsgRegistered, ServerID: h.id.ServerID})
}

func (h *Handler) handlePairRequest(c *Conn, msg envelope) {
	code, _ := c.registration()
	if code == "" {
		h.protocolError(c, ErrCodeNotRegistered, "")
		return
	}
	if err := h.registry.Request(context.Background(), code, msg.TargetCode); err != nil {
		c.enqueue(pairErrorMsg{Type: MsgPairError, Code: pairErrorCode(err)})
	}
}

func (h *Handler) handlePairResponse(c *Conn, msg envelope) {
	code, _ := c.registration()
	if code == "" {
		h.protocolError(c, ErrCodeNotRegistered, "")
		return
	}
	if err := h.registry.Respond(code, msg.TargetCode, msg.Accepted); err != nil {
		c.enqueue(pairErrorMsg{Type: MsgPairError, Code: pairErrorCode(err)})
	}
}

func (h *Handler) handlePairCancel(c *Conn, msg envelope) {
	code, _ := c.registration()
	if code == "" {
		h.protocolError(c, ErrCodeNotRegistered, "")
		return
	}
	if err := h.registry.Cancel(context.Background(), code, msg.TargetCode); err != nil {
		c.enqueue(pairErrorMsg{Type: MsgPairError, Code: pairErrorCode(err)})
	}
}

func (h *Handler) handleSignal(c *Conn, msg envelope) {
	code, _ := c.registration()
	if code == "" {
		h.protocolError(c, ErrCodeNotRegistered, "")
		return
	}
	if err := h.relay.Forward(code, msg.Target, msg.Type, msg.Payload); err != nil {
		switch {
		case errors.Is(err, signaling.ErrNotPaired):
			h.protocolError(c, ErrCodeNotPaired, "")
		default:
			h.protocolError(c, ErrCodeBadRequest, "")
		}
	}
}

func (h *Handler) handlePublishDaily(c *Conn, msg envelope) {
	_, peerID := c.registration()
	if peerID == "" {
		h.protocolError(c, ErrCodeNotRegistered, "")
		return
	}
	if msg.PointHash == "" {
		h.protocolError(c, ErrCodeBadRequest, "pointHash required")
		return
	}
	h.engine.PublishDailyPoint(context.Background(), msg.PointHash, peerID, msg.DeadDrop, msg.RelayID, time.Duration(msg.TTLMs)*time.Millisecond)
}

func (h *Handler) handlePublishHourly(c *Conn, msg envelope) {
	_, peerID := c.registration()
	if peerID == "" {
		h.protocolError(c, ErrCodeNotRegistered, "")
		return
	}
	if msg.TokenHash == "" {
		h.protocolError(c, ErrCodeBadRequest, "tokenHash required")
		return
	}
	h.engine.PublishHourlyToken(context.Background(), msg.TokenHash, peerID, msg.RelayID, c.id, msg.Ephemeral, time.Duration(msg.TTLMs)*time.Millisecond)
}

func (h *Handler) handleQuery(c *Conn, msg envelope) {
	out := h.engine.Query(context.Background(), msg.DailyPoints, msg.HourlyTokens)

	resp := rendezvousResultMsg{
		Type:        MsgRendezvousResult,
		LiveMatches: out.LiveMatches,
		DeadDrops:   out.DeadDrops,
	}
	if resp.LiveMatches == nil {
		resp.LiveMatches = []rendezvous.LiveMatch{}
	}
	if resp.DeadDrops == nil {
		resp.DeadDrops = []rendezvous.DeadDropResult{}
	}
	if out.Partial() {
		resp.Type = MsgRendezvousPartial
		resp.Redirects = out.Redirects
	}
	for _, lm := range out.LiveMatches {
		if lm.RelayID != "" {
			continue
		}
		// A live match without a relay still needs somewhere to meet.
		_, peerID := c.registration()
		resp.Relays = h.engine.PickAvailableRelays([]string{peerID}, relayCandidateCapRatio, relayCandidateLimit)
		break
	}
	c.enqueue(resp)
}

func (h *Handler) handleUnpublish(c *Conn, msg envelope) {
	_, peerID := c.registration()
	if peerID == "" {
		h.protocolError(c, ErrCodeNotRegistered, "")
		return
	}
	h.engine.Unpublish(context.Background(), peerID, msg.DailyPoints, msg.HourlyTokens)
}

func (h *Handler) handleRelayAnnounce(c *Conn, msg envelope) {
	_, peerID := c.registration()
	if peerID == "" {
		h.protocolError(c, ErrCodeNotRegistered, "")
		return
	}
	if msg.MaxConnections <= 0 {
		h.protocolError(c, ErrCodeBadRequest, "maxConnections must be positive")
		return
	}
	h.engine.AnnounceRelay(context.Background(), peerID, peerID, msg.MaxConnections)
}

func (h *Handler) handleRelayUpdate(c *Conn, msg envelope) {
	_, peerID := c.registration()
	if peerID == "" {
		h.protocolError(c, ErrCodeNotRegistered, "")
		return
	}
	h.engine.UpdateRelayLoad(context.Background(), peerID, msg.ConnectedCount)
}

func (h *Handler) protocolError(c *Conn, code, message string) {
	h.metrics.ProtocolErrors.WithLabelValues(code).Inc()
	c.enqueue(errorMsg{Type: MsgError, Code: code, Message: message})
}

func pairErrorCode(err error) string {
	switch {
	case errors.Is(err, pairing.ErrInvalidCode):
		return ErrCodeInvalidCode
	case errors.Is(err, pairing.ErrUnknownCode):
		return ErrCodeUnknownCode
	case errors.Is(err, pairing.ErrTargetBusy):
		return ErrCodeTargetBusy
	case errors.Is(err, pairing.ErrDuplicateRequest):
		return ErrCodeDuplicate
	case errors.Is(err, pairing.ErrNoPending):
		return ErrCodePairFailed
	default:
		return ErrCodePairFailed
	}
}
