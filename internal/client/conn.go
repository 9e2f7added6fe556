package client

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second

	// Malformed frames and rate-limit hits both count as strikes. The
	// first offense is answered with an error frame; this many close
	// the connection.
	maxStrikes = 6

	// closeSlowConsumer is the close reason for clients that flood or
	// fail to drain.
	closeSlowConsumer = "slow_consumer"
)

// Conn is one client WebSocket connection. It implements the pairing
// registry's Client surface, so pair events land straight on the
// outbound queue.
type Conn struct {
	id      string
	ws      *websocket.Conn
	h       *Handler
	send    chan []byte
	done    chan struct{}
	limiter *tokenBucket

	closeOnce sync.Once

	mu      sync.Mutex
	code    string // registered pairing code, empty before register
	peerID  string // client public key from register
	strikes int
}

// setRegistered records a successful register.
func (c *Conn) setRegistered(code, publicKey string) (previous string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	previous = c.code
	c.code = code
	c.peerID = publicKey
	return previous
}

func (c *Conn) registration() (code, peerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code, c.peerID
}

func (c *Conn) strike() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strikes++
	return c.strikes
}

// enqueue marshals and queues an outbound frame. A full queue means the
// client is not draining; the connection is closed as a slow consumer
// rather than letting it stall every subsystem behind it.
func (c *Conn) enqueue(v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- raw:
	case <-c.done:
	default:
		c.h.metrics.SlowConsumerCloses.Inc()
		c.close(websocket.ClosePolicyViolation, closeSlowConsumer)
	}
}

// close sends a close frame with the given status and tears the
// connection down once.
func (c *Conn) close(status int, reason string) {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(status, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
		close(c.done)
		_ = c.ws.Close()
	})
}

// readPump owns the read side. It applies the frame-size limit and the
// heartbeat deadline, and hands each frame to the handler in arrival
// order.
func (c *Conn) readPump() {
	defer c.h.drop(c)
	defer c.close(websocket.CloseNormalClosure, "")

	c.ws.SetReadLimit(c.h.cfg.MaxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.h.cfg.HeartbeatTimeout))

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.h.cfg.HeartbeatTimeout))
		c.h.dispatch(c, raw)
	}
}

// writePump owns the write side: queued frames plus protocol-level
// pings to detect dead clients.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case raw := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
			c.h.metrics.MessagesOut.WithLabelValues(frameType(raw)).Inc()
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
			return
		}
	}
}

// frameType peeks at the type tag for the outbound counter.
func frameType(raw []byte) string {
	var t struct {
		Type string `json:"type"`
	}
	if json.Unmarshal(raw, &t) != nil || t.Type == "" {
		return "unknown"
	}
	return t.Type
}

// ─── pairing.Client ──────────────────────────────────────────────────────────

func (c *Conn) ConnID() string { return c.id }

func (c *Conn) PairIncoming(fromCode string) {
	c.enqueue(pairIncomingMsg{Type: MsgPairIncoming, FromCode: fromCode})
}

func (c *Conn) PairMatched(peerCode string, isInitiator bool) {
	c.enqueue(pairMatchedMsg{Type: MsgPairMatched, PeerCode: peerCode, IsInitiator: isInitiator})
}

func (c *Conn) PairWarning(secondsRemaining int) {
	c.enqueue(pairWarningMsg{Type: MsgPairWarning, SecondsRemaining: secondsRemaining})
}

func (c *Conn) PairExpired(peerCode string) {
	c.enqueue(pairEventMsg{Type: MsgPairExpired, PeerCode: peerCode})
}

func (c *Conn) PairRejected(peerCode string) {
	c.enqueue(pairEventMsg{Type: MsgPairRejected, PeerCode: peerCode})
}

func (c *Conn) Signal(msgType, fromCode string, payload json.RawMessage) {
	c.enqueue(signalMsg{Type: msgType, From: fromCode, Payload: payload})
}
