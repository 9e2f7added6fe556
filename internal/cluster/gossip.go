package cluster

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/Hamza-Labs-Core/zajel-sub017/internal/config"
	"github.com/Hamza-Labs-Core/zajel-sub017/internal/identity"
	"github.com/Hamza-Labs-Core/zajel-sub017/internal/metrics"
)

// deltaRetransmits is how many probe messages a membership change
// piggybacks on before it is considered disseminated.
const deltaRetransmits = 3

// failedGCHorizon keeps failed members in the table (but out of the
// routing set) long enough for suspicion-refutation to work, then
// forgets them.
const failedGCHorizon = 10 * time.Minute

// RPCHandler serves a forwarded subsystem request (rv_replicate,
// rv_query_forward, pair_forward). Implementations reply through
// Sender.Reply using requestID when the subtype expects a response.
type RPCHandler func(from, requestID string, payload json.RawMessage)

type delta struct {
	state     MemberState
	remaining int
}

// Engine is the SWIM failure detector and gossip dispatcher.
//
// Per tick: probe one random alive peer directly; on timeout ask k
// others to probe it indirectly; no ack from any path marks the peer
// suspect. Suspects become failed after the failure timeout. A server
// that hears itself called suspect or failed refutes by bumping its own
// incarnation and re-announcing alive. Probe timeouts are state
// transitions, never errors.
type Engine struct {
	id      *identity.Identity
	cfg     config.Gossip
	table   *Table
	sender  Sender
	connect func(Member)
	metrics *metrics.Metrics
	log     zerolog.Logger
	clock   clockwork.Clock

	incarnation atomic.Uint64
	seq         atomic.Uint64

	deltaMu sync.Mutex
	deltas  map[string]*delta

	rpcMu sync.RWMutex
	rpc   map[string]RPCHandler

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewEngine builds the gossip engine. connect is invoked for alive
// members that lack a transport link (Transport.Connect in production).
func NewEngine(id *identity.Identity, cfg config.Gossip, table *Table, sender Sender, connect func(Member), m *metrics.Metrics, clock clockwork.Clock, log zerolog.Logger) *Engine {
	e := &Engine{
		id:      id,
		cfg:     cfg,
		table:   table,
		sender:  sender,
		connect: connect,
		metrics: m,
		log:     log.With().Str("component", "gossip").Logger(),
		clock:   clock,
		deltas:  make(map[string]*delta),
		rpc:     make(map[string]RPCHandler),
		stop:    make(chan struct{}),
	}
	e.incarnation.Store(1)
	return e
}

// Incarnation returns this server's current incarnation.
func (e *Engine) Incarnation() uint64 { return e.incarnation.Load() }

// SetIncarnation restores a persisted incarnation at startup.
func (e *Engine) SetIncarnation(v uint64) {
	if v > 0 {
		e.incarnation.Store(v)
	}
}

// SelfState is this server's own membership claim.
func (e *Engine) SelfState(endpoint string) MemberState {
	return MemberState{
		ServerID:    e.id.ServerID,
		NodeID:      e.id.NodeID,
		Endpoint:    endpoint,
		PublicKey:   identity.EncodeKey(e.id.PublicKey),
		Status:      StatusAlive,
		Incarnation: e.incarnation.Load(),
	}
}

// RegisterRPC installs the handler for a forwarded subsystem subtype.
func (e *Engine) RegisterRPC(sub string, h RPCHandler) {
	e.rpcMu.Lock()
	defer e.rpcMu.Unlock()
	e.rpc[sub] = h
}

// Seed applies bootstrap peers and dials them.
func (e *Engine) Seed(members []Member) {
	now := e.clock.Now()
	for _, m := range members {
		if m.ServerID == e.id.ServerID {
			continue
		}
		if m.Status == "" {
			m.Status = StatusAlive
		}
		e.table.Apply(m, now)
		if m.Status == StatusAlive {
			e.connect(m)
		}
	}
}

// Start launches the probe and state-exchange loops.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.run()
}

// Stop halts the loops; safe to call once.
func (e *Engine) Stop() {
	close(e.stop)
	e.wg.Wait()
}

func (e *Engine) run() {
	defer e.wg.Done()
	probe := e.clock.NewTicker(e.cfg.Interval)
	defer probe.Stop()
	exchange := e.clock.NewTicker(e.cfg.StateExchangeInterval)
	defer exchange.Stop()

	for {
		select {
		case <-probe.Chan():
			e.tick()
		case <-exchange.Chan():
			e.stateExchange()
		case <-e.stop:
			return
		}
	}
}

// tick runs one SWIM protocol round.
func (e *Engine) tick() {
	now := e.clock.Now()

	// Suspect silent peers, promote overdue suspects, forget stale
	// failures.
	suspects, fails, gc := e.table.DueTransitions(now, e.cfg.SuspicionTimeout, e.cfg.FailureTimeout, failedGCHorizon)
	for _, m := range suspects {
		if changed, ok := e.table.SetStatus(m.ServerID, StatusSuspect, now); ok {
			e.log.Warn().Str("peer", shortID(m.ServerID)).Msg("member suspected")
			e.queueDelta(MemberToState(changed))
		}
	}
	for _, m := range fails {
		if changed, ok := e.table.SetStatus(m.ServerID, StatusFailed, now); ok {
			e.log.Warn().Str("peer", shortID(m.ServerID)).Msg("member failed")
			e.queueDelta(MemberToState(changed))
		}
	}
	for _, m := range gc {
		e.table.Remove(m.ServerID)
	}

	// Keep links to every alive member.
	for _, m := range e.table.Alive() {
		if !e.sender.Connected(m.ServerID) {
			e.connect(m)
		}
	}

	targets := e.table.RandomAlive(1)
	if len(targets) == 0 {
		return
	}
	e.probe(targets[0])
}

// probe runs the direct → indirect ladder against one peer.
func (e *Engine) probe(target Member) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ProbeTimeout)
	_, err := e.sender.Request(ctx, target.ServerID, &GossipMessage{
		Sub:     SubPing,
		Seq:     e.seq.Add(1),
		Members: e.takeDeltas(),
	})
	cancel()
	if err == nil {
		e.metrics.GossipProbes.WithLabelValues("ack").Inc()
		e.table.Touch(target.ServerID, e.clock.Now())
		return
	}

	for _, helper := range e.table.RandomAlive(e.cfg.IndirectPingCount, target.ServerID) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*e.cfg.ProbeTimeout)
		_, err := e.sender.Request(ctx, helper.ServerID, &GossipMessage{
			Sub:    SubIndirectPing,
			Target: target.ServerID,
			Seq:    e.seq.Add(1),
		})
		cancel()
		if err == nil {
			e.metrics.GossipProbes.WithLabelValues("indirect_ack").Inc()
			e.table.Touch(target.ServerID, e.clock.Now())
			return
		}
	}

	e.metrics.GossipProbes.WithLabelValues("timeout").Inc()
	if changed, ok := e.table.SetStatus(target.ServerID, StatusSuspect, e.clock.Now()); ok {
		e.log.Warn().Str("peer", shortID(target.ServerID)).Msg("member suspected")
		e.queueDelta(MemberToState(changed))
	}
}

// stateExchange pushes the full membership list to one random peer.
func (e *Engine) stateExchange() {
	peers := e.table.RandomAlive(1)
	if len(peers) == 0 {
		return
	}
	states := []MemberState{e.SelfState(e.selfEndpoint())}
	for _, m := range e.table.Snapshot() {
		states = append(states, MemberToState(m))
	}
	if err := e.sender.Send(peers[0].ServerID, &GossipMessage{
		Sub:     SubStateExchange,
		Members: states,
	}); err != nil {
		e.log.Debug().Err(err).Msg("state exchange send failed")
	}
}

func (e *Engine) selfEndpoint() string {
	if m, ok := e.table.Get(e.id.ServerID); ok {
		return m.Endpoint
	}
	return ""
}

// ─── Inbound (Handler implementation) ────────────────────────────────────────

// HandleGossip processes one verified message from a peer.
func (e *Engine) HandleGossip(msg *GossipMessage) {
	e.applyStates(msg.Members)
	e.table.Touch(msg.From, e.clock.Now())

	switch msg.Sub {
	case SubPing:
		// Ack carries our pending deltas back to the prober.
		if err := e.sender.Send(msg.From, &GossipMessage{
			Sub:     SubAck,
			ID:      msg.ID,
			Members: e.takeDeltas(),
		}); err != nil {
			e.log.Debug().Err(err).Msg("ack send failed")
		}
	case SubAck:
		// Piggyback already applied; an ack with no waiting request
		// carries nothing else.
	case SubIndirectPing:
		e.handleIndirectPing(msg)
	case SubStateExchange:
		// Reconciliation happened in applyStates.
	case SubRVReplicate, SubRVQueryFwd, SubPairForward:
		e.rpcMu.RLock()
		h := e.rpc[msg.Sub]
		e.rpcMu.RUnlock()
		if h != nil {
			h(msg.From, msg.ID, msg.Payload)
		}
	default:
		e.log.Debug().Str("sub", msg.Sub).Msg("unknown gossip subtype")
	}
}

// handleIndirectPing probes the target on behalf of the requester and
// acks only if the target answers.
func (e *Engine) handleIndirectPing(msg *GossipMessage) {
	requester := msg.From
	requestID := msg.ID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ProbeTimeout)
		defer cancel()
		_, err := e.sender.Request(ctx, msg.Target, &GossipMessage{
			Sub: SubPing,
			Seq: e.seq.Add(1),
		})
		if err != nil {
			return // silence tells the requester the probe failed
		}
		if err := e.sender.Reply(requester, requestID, nil); err != nil {
			e.log.Debug().Err(err).Msg("indirect ack send failed")
		}
	}()
}

// PeerConnected learns a member from a completed handshake.
func (e *Engine) PeerConnected(hs Handshake) {
	m := Member{
		ServerID:  hs.ServerID,
		NodeID:    hs.NodeID,
		Endpoint:  hs.Endpoint,
		PublicKey: hs.PublicKey,
		Status:    StatusAlive,
		Metadata:  hs.Metadata,
	}
	if e.table.Apply(m, e.clock.Now()) {
		e.queueDelta(MemberToState(m))
	}
}

// PeerDisconnected is informational; the failure detector decides what
// a dropped link means.
func (e *Engine) PeerDisconnected(serverID string) {}

// applyStates reconciles gossiped member states, handling refutation of
// claims about ourselves.
func (e *Engine) applyStates(states []MemberState) {
	now := e.clock.Now()
	for _, s := range states {
		if s.ServerID == e.id.ServerID {
			if (s.Status == StatusSuspect || s.Status == StatusFailed) &&
				s.Incarnation >= e.incarnation.Load() {
				// Someone thinks we are down. Refute with a higher
				// incarnation; remote gossip at or below it is ignored.
				next := s.Incarnation + 1
				e.incarnation.Store(next)
				refutation := e.SelfState(e.selfEndpoint())
				e.queueDelta(refutation)
				e.broadcast(refutation)
				e.log.Info().Uint64("incarnation", next).Msg("refuted suspicion")
			}
			continue
		}
		member := StateToMember(s)
		wasAlive := s.Status == StatusAlive
		if e.table.Apply(member, now) {
			e.queueDelta(s)
			if wasAlive && !e.sender.Connected(s.ServerID) {
				e.connect(member)
			}
		}
	}
}

// broadcast pushes a state to every connected alive peer immediately,
// used for refutations where waiting a tick would leave us routed out.
func (e *Engine) broadcast(s MemberState) {
	for _, m := range e.table.Alive() {
		if err := e.sender.Send(m.ServerID, &GossipMessage{
			Sub:     SubAck,
			Members: []MemberState{s},
		}); err != nil && e.log.GetLevel() <= zerolog.DebugLevel {
			e.log.Debug().Err(err).Msg("refutation send failed")
		}
	}
}

// queueDelta schedules a membership change for piggybacked dissemination.
func (e *Engine) queueDelta(s MemberState) {
	e.deltaMu.Lock()
	defer e.deltaMu.Unlock()
	e.deltas[s.ServerID] = &delta{state: s, remaining: deltaRetransmits}
}

// takeDeltas returns pending deltas and decrements their retransmission
// budget.
func (e *Engine) takeDeltas() []MemberState {
	e.deltaMu.Lock()
	defer e.deltaMu.Unlock()
	out := make([]MemberState, 0, len(e.deltas))
	for id, d := range e.deltas {
		out = append(out, d.state)
		d.remaining--
		if d.remaining <= 0 {
			delete(e.deltas, id)
		}
	}
	return out
}
