// Package pairing mediates the introduction of two clients that typed
// each other's short codes. A code lives only as long as the connection
// that registered it. Uniqueness is cluster-wide: the ring owners of
// hash(code) keep a claim index, so two clients on different servers
// cannot hold the same code at once. Pair requests are explicit-approval
// with a deadline; the side that waits gets a warning shortly before
// the request expires.
package pairing

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/Hamza-Labs-Core/zajel-sub017/internal/cluster"
	"github.com/Hamza-Labs-Core/zajel-sub017/internal/config"
	"github.com/Hamza-Labs-Core/zajel-sub017/internal/metrics"
)

var (
	ErrInvalidCode      = errors.New("pairing: malformed code")
	ErrCodeTaken        = errors.New("pairing: code already registered")
	ErrUnknownCode      = errors.New("pairing: no such code")
	ErrTargetBusy       = errors.New("pairing: target has too many pending requests")
	ErrDuplicateRequest = errors.New("pairing: request already pending")
	ErrNoPending        = errors.New("pairing: no pending request")
	ErrNotPaired        = errors.New("pairing: peers are not paired")
)

// Client is the connection-side surface the registry notifies. The
// websocket handler implements it; calls must not block.
type Client interface {
	ConnID() string
	PairIncoming(fromCode string)
	PairMatched(peerCode string, isInitiator bool)
	PairWarning(secondsRemaining int)
	PairExpired(peerCode string)
	PairRejected(peerCode string)
	Signal(msgType, fromCode string, payload json.RawMessage)
}

// RPCRegistry is where the registry hangs its cross-server handler.
type RPCRegistry interface {
	RegisterRPC(sub string, h cluster.RPCHandler)
}

// forward actions carried in pair_forward frames.
const (
	actionClaim   = "claim"
	actionRelease = "release"
	actionResolve = "resolve"
	actionRequest = "request"
	actionCancel  = "cancel"
	actionResult  = "result"
	actionSignal  = "signal"
)

// result states delivered back to a remote requester's server.
const (
	resultMatched  = "matched"
	resultRejected = "rejected"
	resultExpired  = "expired"
	resultWarning  = "warning"
)

type forwardPayload struct {
	Action       string          `json:"action"`
	Code         string          `json:"code,omitempty"`
	FromCode     string          `json:"fromCode,omitempty"`
	TargetCode   string          `json:"targetCode,omitempty"`
	HostServerID string          `json:"hostServerId,omitempty"`
	HostEndpoint string          `json:"hostEndpoint,omitempty"`
	Accepted     bool            `json:"accepted,omitempty"`
	State        string          `json:"state,omitempty"`
	IsInitiator  bool            `json:"isInitiator,omitempty"`
	Seconds      int             `json:"seconds,omitempty"`
	MsgType      string          `json:"msgType,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

type forwardReply struct {
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
	Taken    bool   `json:"taken,omitempty"`
	ServerID string `json:"serverId,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
}

type registration struct {
	code      string
	publicKey string
	client    Client
}

// claim is the ring-owner index entry: which server hosts a code.
type claim struct {
	serverID string
	endpoint string
}

type requestKey struct {
	requester string
	target    string
}

type pairRequest struct {
	key             requestKey
	requesterServer string // empty when the requester is local
	warnTimer       clockwork.Timer
	expireTimer     clockwork.Timer
}

type matchKey struct{ a, b string }

func matchKeyFor(x, y string) matchKey {
	if x < y {
		x, y = y, x
	}
	return matchKey{a: x, b: y}
}

// match records where each side of an established pair lives so that
// signaling can be routed. Empty server means local.
type match struct {
	servers map[string]string // code → hosting serverID
}

// Registry is this server's pairing state plus its view of the claim
// index for codes it owns on the ring.
type Registry struct {
	selfID       string
	selfEndpoint string
	cfg          config.Client
	rf           int
	ring         *cluster.Ring
	sender       cluster.Sender
	metrics      *metrics.Metrics
	clock        clockwork.Clock
	log          zerolog.Logger
	rpcTimeout   time.Duration

	mu              sync.Mutex
	local           map[string]*registration
	claims          map[string]claim
	pending         map[requestKey]*pairRequest
	pendingByTarget map[string]int
	matches         map[matchKey]match
}

func claimKey(code string) string { return "pair/" + code }

// NewRegistry builds the registry and hangs its pair_forward handler on
// the gossip dispatcher.
func NewRegistry(selfID, selfEndpoint string, cfg config.Client, replicationFactor int, rpcTimeout time.Duration, ring *cluster.Ring, sender cluster.Sender, gossip RPCRegistry, m *metrics.Metrics, clock clockwork.Clock, log zerolog.Logger) *Registry {
	r := &Registry{
		selfID:          selfID,
		selfEndpoint:    selfEndpoint,
		cfg:             cfg,
		rf:              replicationFactor,
		ring:            ring,
		sender:          sender,
		metrics:         m,
		clock:           clock,
		log:             log.With().Str("component", "pairing").Logger(),
		rpcTimeout:      rpcTimeout,
		local:           make(map[string]*registration),
		claims:          make(map[string]claim),
		pending:         make(map[requestKey]*pairRequest),
		pendingByTarget: make(map[string]int),
		matches:         make(map[matchKey]match),
	}
	gossip.RegisterRPC(cluster.SubPairForward, r.handleForward)
	return r
}

// ─── Registration ────────────────────────────────────────────────────────────

// Register binds a code to a connection, after checking cluster-wide
// uniqueness with the ring owners of the code. The client picked the
// code; on ErrCodeTaken it picks another and retries.
func (r *Registry) Register(ctx context.Context, code, publicKey string, client Client) error {
	if !ValidCode(code) {
		return ErrInvalidCode
	}

	r.mu.Lock()
	if _, exists := r.local[code]; exists {
		r.mu.Unlock()
		return ErrCodeTaken
	}
	if c, exists := r.claims[code]; exists && c.serverID != r.selfID {
		r.mu.Unlock()
		return ErrCodeTaken
	}
	// Reserve before the network round trip so a concurrent Register
	// for the same code fails fast.
	r.local[code] = &registration{code: code, publicKey: publicKey, client: client}
	r.mu.Unlock()

	taken := false
	for _, owner := range r.ring.ResponsibleNodes(claimKey(code), r.rf) {
		if owner.ServerID == r.selfID {
			continue
		}
		reply, err := r.forward(ctx, owner.ServerID, forwardPayload{
			Action:       actionClaim,
			Code:         code,
			HostServerID: r.selfID,
			HostEndpoint: r.selfEndpoint,
		})
		if err != nil {
			// Owner unreachable: registration proceeds; the claim
			// index heals when the owner next sees the code.
			continue
		}
		if reply.Taken {
			taken = true
			break
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if taken {
		delete(r.local, code)
		return ErrCodeTaken
	}
	if r.ring.IsResponsible(claimKey(code), r.selfID, r.rf) {
		r.claims[code] = claim{serverID: r.selfID, endpoint: r.selfEndpoint}
	}
	return nil
}

// Unregister drops a code and everything hanging off it: its claim on
// the owners, its pending requests in both directions, and its matches.
func (r *Registry) Unregister(code string) {
	r.mu.Lock()
	if _, exists := r.local[code]; !exists {
		r.mu.Unlock()
		return
	}
	delete(r.local, code)
	if c, ok := r.claims[code]; ok && c.serverID == r.selfID {
		delete(r.claims, code)
	}

	var notify []func()
	for key, req := range r.pending {
		if key.requester != code && key.target != code {
			continue
		}
		r.dropPendingLocked(req)
		switch {
		case key.target == code && req.requesterServer != "":
			r.notifyRemoteResult(req.requesterServer, key.requester, code, resultRejected, false)
		case key.target == code:
			if peer, ok := r.local[key.requester]; ok {
				c := peer.client
				from := code
				notify = append(notify, func() { c.PairRejected(from) })
			}
		case key.requester == code:
			if peer, ok := r.local[key.target]; ok {
				c := peer.client
				from := code
				notify = append(notify, func() { c.PairRejected(from) })
			}
		}
		r.metrics.PairRequests.WithLabelValues("cancelled").Inc()
	}
	for key := range r.matches {
		if key.a == code || key.b == code {
			delete(r.matches, key)
		}
	}
	r.mu.Unlock()

	for _, fn := range notify {
		fn()
	}

	for _, owner := range r.ring.ResponsibleNodes(claimKey(code), r.rf) {
		if owner.ServerID == r.selfID {
			continue
		}
		r.send(owner.ServerID, forwardPayload{
			Action:       actionRelease,
			Code:         code,
			HostServerID: r.selfID,
		})
	}
}

// ─── Pair requests ───────────────────────────────────────────────────────────

// Request starts a pair request from a locally registered code toward a
// target code anywhere in the cluster.
func (r *Registry) Request(ctx context.Context, requesterCode, targetCode string) error {
	if !ValidCode(targetCode) {
		return ErrInvalidCode
	}
	if requesterCode == targetCode {
		return ErrInvalidCode
	}

	r.mu.Lock()
	_, requesterLocal := r.local[requesterCode]
	_, targetLocal := r.local[targetCode]
	r.mu.Unlock()
	if !requesterLocal {
		return ErrUnknownCode
	}
	if targetLocal {
		return r.startRequest(requesterCode, targetCode, "")
	}

	host, err := r.resolveHost(ctx, targetCode)
	if err != nil {
		return err
	}
	reply, err := r.forward(ctx, host, forwardPayload{
		Action:     actionRequest,
		FromCode:   requesterCode,
		TargetCode: targetCode,
	})
	if err != nil {
		return ErrUnknownCode
	}
	if !reply.OK {
		return replyError(reply.Error)
	}
	return nil
}

// startRequest runs the local half of the state machine on the server
// hosting the target. requesterServer is empty for a local requester.
func (r *Registry) startRequest(requesterCode, targetCode, requesterServer string) error {
	key := requestKey{requester: requesterCode, target: targetCode}

	r.mu.Lock()
	target, ok := r.local[targetCode]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownCode
	}
	if _, dup := r.pending[key]; dup {
		r.mu.Unlock()
		return ErrDuplicateRequest
	}
	if r.pendingByTarget[targetCode] >= r.cfg.MaxPendingPerTarget {
		r.mu.Unlock()
		return ErrTargetBusy
	}

	req := &pairRequest{key: key, requesterServer: requesterServer}
	warnDelay := r.cfg.PairRequestTimeout - r.cfg.PairRequestWarningTime
	req.warnTimer = r.clock.AfterFunc(warnDelay, func() { r.warn(key) })
	req.expireTimer = r.clock.AfterFunc(r.cfg.PairRequestTimeout, func() { r.expire(key) })
	r.pending[key] = req
	r.pendingByTarget[targetCode]++
	client := target.client
	r.mu.Unlock()

	r.metrics.PairRequests.WithLabelValues("pending").Inc()
	client.PairIncoming(requesterCode)
	return nil
}

// Respond settles a pending request aimed at a locally registered code.
func (r *Registry) Respond(responderCode, requesterCode string, accepted bool) error {
	key := requestKey{requester: requesterCode, target: responderCode}

	r.mu.Lock()
	req, ok := r.pending[key]
	if !ok {
		r.mu.Unlock()
		return ErrNoPending
	}
	r.dropPendingLocked(req)

	responder, responderOK := r.local[responderCode]
	requester, requesterLocal := r.local[requesterCode]
	if accepted {
		m := match{servers: map[string]string{
			responderCode: "",
			requesterCode: req.requesterServer,
		}}
		r.matches[matchKeyFor(responderCode, requesterCode)] = m
	}
	r.mu.Unlock()

	if accepted {
		r.metrics.PairRequests.WithLabelValues("matched").Inc()
		if responderOK {
			responder.client.PairMatched(requesterCode, false)
		}
		if requesterLocal {
			requester.client.PairMatched(responderCode, true)
		} else if req.requesterServer != "" {
			r.notifyRemoteResult(req.requesterServer, requesterCode, responderCode, resultMatched, true)
		}
		return nil
	}

	r.metrics.PairRequests.WithLabelValues("rejected").Inc()
	if requesterLocal {
		requester.client.PairRejected(responderCode)
	} else if req.requesterServer != "" {
		r.notifyRemoteResult(req.requesterServer, requesterCode, responderCode, resultRejected, false)
	}
	return nil
}

// Cancel withdraws a request the local requester made earlier. The
// target side sees it as a rejection.
func (r *Registry) Cancel(ctx context.Context, requesterCode, targetCode string) error {
	key := requestKey{requester: requesterCode, target: targetCode}

	r.mu.Lock()
	req, pendingHere := r.pending[key]
	if pendingHere {
		r.dropPendingLocked(req)
	}
	target, targetLocal := r.local[targetCode]
	r.mu.Unlock()

	if pendingHere {
		r.metrics.PairRequests.WithLabelValues("cancelled").Inc()
		if targetLocal {
			target.client.PairRejected(requesterCode)
		}
		return nil
	}

	// The state machine runs on the target's host; relay the cancel.
	host, err := r.resolveHost(ctx, targetCode)
	if err != nil {
		return err
	}
	r.send(host, forwardPayload{
		Action:     actionCancel,
		FromCode:   requesterCode,
		TargetCode: targetCode,
	})
	return nil
}

func (r *Registry) warn(key requestKey) {
	r.mu.Lock()
	req, ok := r.pending[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	requesterServer := req.requesterServer
	requester, requesterLocal := r.local[key.requester]
	r.mu.Unlock()

	seconds := int(r.cfg.PairRequestWarningTime / time.Second)
	if requesterLocal {
		requester.client.PairWarning(seconds)
	} else if requesterServer != "" {
		r.send(requesterServer, forwardPayload{
			Action:     actionResult,
			TargetCode: key.requester,
			FromCode:   key.target,
			State:      resultWarning,
			Seconds:    seconds,
		})
	}
}

func (r *Registry) expire(key requestKey) {
	r.mu.Lock()
	req, ok := r.pending[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	r.dropPendingLocked(req)
	requesterServer := req.requesterServer
	requester, requesterLocal := r.local[key.requester]
	target, targetLocal := r.local[key.target]
	r.mu.Unlock()

	r.metrics.PairRequests.WithLabelValues("expired").Inc()
	if targetLocal {
		target.client.PairExpired(key.requester)
	}
	if requesterLocal {
		requester.client.PairExpired(key.target)
	} else if requesterServer != "" {
		r.notifyRemoteResult(requesterServer, key.requester, key.target, resultExpired, false)
	}
}

// dropPendingLocked stops timers and removes the request. Caller holds mu.
func (r *Registry) dropPendingLocked(req *pairRequest) {
	req.warnTimer.Stop()
	req.expireTimer.Stop()
	delete(r.pending, req.key)
	if n := r.pendingByTarget[req.key.target]; n <= 1 {
		delete(r.pendingByTarget, req.key.target)
	} else {
		r.pendingByTarget[req.key.target] = n - 1
	}
}

// ─── Signaling support ───────────────────────────────────────────────────────

// IsPaired reports whether the two codes completed a pair on this
// server's books.
func (r *Registry) IsPaired(a, b string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.matches[matchKeyFor(a, b)]
	return ok
}

// DeliverSignal routes a signaling frame from a local paired client to
// its peer, locally or across the cluster. The payload is opaque.
func (r *Registry) DeliverSignal(fromCode, targetCode, msgType string, payload json.RawMessage) error {
	r.mu.Lock()
	m, paired := r.matches[matchKeyFor(fromCode, targetCode)]
	if !paired {
		r.mu.Unlock()
		return ErrNotPaired
	}
	hostServer := m.servers[targetCode]
	target, targetLocal := r.local[targetCode]
	r.mu.Unlock()

	if targetLocal {
		target.client.Signal(msgType, fromCode, payload)
		return nil
	}
	if hostServer == "" {
		return ErrUnknownCode
	}
	r.send(hostServer, forwardPayload{
		Action:     actionSignal,
		FromCode:   fromCode,
		TargetCode: targetCode,
		MsgType:    msgType,
		Payload:    payload,
	})
	return nil
}

// ─── Cross-server plumbing ───────────────────────────────────────────────────

// resolveHost finds which server hosts a code by asking the ring owners
// of its claim key.
func (r *Registry) resolveHost(ctx context.Context, code string) (string, error) {
	r.mu.Lock()
	if c, ok := r.claims[code]; ok {
		r.mu.Unlock()
		return c.serverID, nil
	}
	r.mu.Unlock()

	for _, owner := range r.ring.ResponsibleNodes(claimKey(code), r.rf) {
		if owner.ServerID == r.selfID {
			continue
		}
		reply, err := r.forward(ctx, owner.ServerID, forwardPayload{Action: actionResolve, Code: code})
		if err != nil {
			continue
		}
		if reply.OK && reply.ServerID != "" {
			return reply.ServerID, nil
		}
	}
	return "", ErrUnknownCode
}

func (r *Registry) forward(ctx context.Context, serverID string, p forwardPayload) (*forwardReply, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	rctx, cancel := context.WithTimeout(ctx, r.rpcTimeout)
	defer cancel()
	resp, err := r.sender.Request(rctx, serverID, &cluster.GossipMessage{
		Sub:     cluster.SubPairForward,
		Payload: raw,
	})
	if err != nil {
		return nil, err
	}
	var reply forwardReply
	if err := json.Unmarshal(resp.Payload, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// send is the one-way variant for results, signals, and releases.
func (r *Registry) send(serverID string, p forwardPayload) {
	raw, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := r.sender.Send(serverID, &cluster.GossipMessage{
		Sub:     cluster.SubPairForward,
		Payload: raw,
	}); err != nil {
		r.log.Debug().Err(err).Str("peer", serverID).Msg("pair forward send failed")
	}
}

func (r *Registry) notifyRemoteResult(serverID, recipientCode, peerCode, state string, isInitiator bool) {
	r.send(serverID, forwardPayload{
		Action:      actionResult,
		TargetCode:  recipientCode,
		FromCode:    peerCode,
		State:       state,
		IsInitiator: isInitiator,
	})
}

// handleForward dispatches inbound pair_forward frames. Frames that
// need an answer came through Request and get a Reply; the rest are
// one-way.
func (r *Registry) handleForward(from, requestID string, payload json.RawMessage) {
	var p forwardPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	switch p.Action {
	case actionClaim:
		r.reply(from, requestID, r.handleClaim(p))
	case actionRelease:
		r.handleRelease(p)
	case actionResolve:
		r.reply(from, requestID, r.handleResolve(p))
	case actionRequest:
		err := r.startRequest(p.FromCode, p.TargetCode, from)
		if err != nil {
			r.reply(from, requestID, forwardReply{Error: errorCode(err)})
		} else {
			r.reply(from, requestID, forwardReply{OK: true})
		}
	case actionCancel:
		key := requestKey{requester: p.FromCode, target: p.TargetCode}
		r.mu.Lock()
		req, ok := r.pending[key]
		if ok {
			r.dropPendingLocked(req)
		}
		target, targetLocal := r.local[p.TargetCode]
		r.mu.Unlock()
		if ok {
			r.metrics.PairRequests.WithLabelValues("cancelled").Inc()
			if targetLocal {
				target.client.PairRejected(p.FromCode)
			}
		}
	case actionResult:
		r.handleResult(from, p)
	case actionSignal:
		r.mu.Lock()
		target, ok := r.local[p.TargetCode]
		r.mu.Unlock()
		if ok {
			target.client.Signal(p.MsgType, p.FromCode, p.Payload)
		}
	}
}

func (r *Registry) handleClaim(p forwardPayload) forwardReply {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.claims[p.Code]; ok && existing.serverID != p.HostServerID {
		return forwardReply{OK: true, Taken: true}
	}
	if _, ok := r.local[p.Code]; ok && p.HostServerID != r.selfID {
		return forwardReply{OK: true, Taken: true}
	}
	r.claims[p.Code] = claim{serverID: p.HostServerID, endpoint: p.HostEndpoint}
	return forwardReply{OK: true}
}

func (r *Registry) handleRelease(p forwardPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.claims[p.Code]; ok && existing.serverID == p.HostServerID {
		delete(r.claims, p.Code)
	}
}

func (r *Registry) handleResolve(p forwardPayload) forwardReply {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.local[p.Code]; ok {
		return forwardReply{OK: true, ServerID: r.selfID, Endpoint: r.selfEndpoint}
	}
	if c, ok := r.claims[p.Code]; ok {
		return forwardReply{OK: true, ServerID: c.serverID, Endpoint: c.endpoint}
	}
	return forwardReply{OK: false}
}

// handleResult lands on the requester's server after the target's host
// settled (or warned about) a forwarded request.
func (r *Registry) handleResult(from string, p forwardPayload) {
	r.mu.Lock()
	reg, ok := r.local[p.TargetCode]
	if ok && p.State == resultMatched {
		r.matches[matchKeyFor(p.TargetCode, p.FromCode)] = match{servers: map[string]string{
			p.TargetCode: "",
			p.FromCode:   from,
		}}
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	switch p.State {
	case resultMatched:
		reg.client.PairMatched(p.FromCode, p.IsInitiator)
	case resultRejected:
		reg.client.PairRejected(p.FromCode)
	case resultExpired:
		reg.client.PairExpired(p.FromCode)
	case resultWarning:
		reg.client.PairWarning(p.Seconds)
	}
}

func (r *Registry) reply(serverID, requestID string, reply forwardReply) {
	raw, err := json.Marshal(reply)
	if err != nil {
		return
	}
	if err := r.sender.Reply(serverID, requestID, raw); err != nil {
		r.log.Debug().Err(err).Msg("pair forward reply failed")
	}
}

// errorCode flattens registry errors onto the wire; replyError is its
// inverse on the requester side.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnknownCode):
		return "unknown_code"
	case errors.Is(err, ErrTargetBusy):
		return "target_busy"
	case errors.Is(err, ErrDuplicateRequest):
		return "duplicate_request"
	default:
		return "pair_failed"
	}
}

func replyError(code string) error {
	switch code {
	case "unknown_code":
		return ErrUnknownCode
	case "target_busy":
		return ErrTargetBusy
	case "duplicate_request":
		return ErrDuplicateRequest
	default:
		return ErrNoPending
	}
}
