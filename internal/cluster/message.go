package cluster

import (
	"encoding/json"
	"time"

	"github.com/Hamza-Labs-Core/zajel-sub017/internal/identity"
)

// Server-to-server message types.
const (
	MsgHandshake    = "handshake"
	MsgHandshakeAck = "handshake_ack"
	MsgGossip       = "gossip"
)

// Gossip subtypes.
const (
	SubPing          = "ping"
	SubAck           = "ack"
	SubIndirectPing  = "indirect_ping"
	SubStateExchange = "state_exchange"
	SubRVReplicate   = "rv_replicate"
	SubRVQueryFwd    = "rv_query_forward"
	SubPairForward   = "pair_forward"
)

// Handshake opens every server-to-server connection. It is signed by
// the dialing (or answering) server; the receiver verifies the
// signature against the public key embedded in the claimed server id.
type Handshake struct {
	Type      string            `json:"type"` // handshake | handshake_ack
	ServerID  string            `json:"serverId"`
	NodeID    string            `json:"nodeId"`
	Endpoint  string            `json:"endpoint"`
	PublicKey string            `json:"publicKey"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp int64             `json:"timestamp"`
	Signature string            `json:"signature,omitempty"`
}

// MemberState is the wire form of a membership entry, carried in state
// exchanges and piggybacked deltas.
type MemberState struct {
	ServerID    string       `json:"serverId"`
	NodeID      string       `json:"nodeId"`
	Endpoint    string       `json:"endpoint"`
	PublicKey   string       `json:"publicKey"`
	Status      MemberStatus `json:"status"`
	Incarnation uint64       `json:"incarnation"`
}

// GossipMessage is the single framed payload exchanged after the
// handshake. Sub selects the state machine it feeds; ID correlates
// request/response pairs for the forwarded-RPC subtypes.
type GossipMessage struct {
	Type      string          `json:"type"` // always "gossip"
	Sub       string          `json:"sub"`
	From      string          `json:"from"` // sender serverId
	ID        string          `json:"id,omitempty"`
	Target    string          `json:"target,omitempty"` // indirect_ping subject
	Seq       uint64          `json:"seq,omitempty"`
	Members   []MemberState   `json:"members,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Signature string          `json:"signature,omitempty"`
}

// SignHandshake fills Timestamp and Signature.
func SignHandshake(id *identity.Identity, h *Handshake) error {
	h.Timestamp = time.Now().UnixMilli()
	h.Signature = ""
	sig, err := id.SignJSON(h)
	if err != nil {
		return err
	}
	h.Signature = sig
	return nil
}

// VerifyHandshake checks the signature against the key derived from the
// claimed server id. A handshake whose embedded publicKey disagrees
// with the server id is rejected even if the signature verifies.
func VerifyHandshake(h *Handshake) bool {
	pub, err := identity.PublicKeyFromServerID(h.ServerID)
	if err != nil {
		return false
	}
	unsigned := *h
	unsigned.Signature = ""
	return identity.VerifyJSON(pub, unsigned, h.Signature)
}

// SignGossip fills Type, From, Timestamp and Signature.
func SignGossip(id *identity.Identity, m *GossipMessage) error {
	m.Type = MsgGossip
	m.From = id.ServerID
	m.Timestamp = time.Now().UnixMilli()
	m.Signature = ""
	sig, err := id.SignJSON(m)
	if err != nil {
		return err
	}
	m.Signature = sig
	return nil
}

// VerifyGossip checks the signature against the claimed sender.
func VerifyGossip(m *GossipMessage) bool {
	pub, err := identity.PublicKeyFromServerID(m.From)
	if err != nil {
		return false
	}
	unsigned := *m
	unsigned.Signature = ""
	return identity.VerifyJSON(pub, unsigned, m.Signature)
}

// MemberToState converts a table entry to its wire form.
func MemberToState(m Member) MemberState {
	return MemberState{
		ServerID:    m.ServerID,
		NodeID:      m.NodeID,
		Endpoint:    m.Endpoint,
		PublicKey:   m.PublicKey,
		Status:      m.Status,
		Incarnation: m.Incarnation,
	}
}

// StateToMember converts a wire entry back into a table entry.
func StateToMember(s MemberState) Member {
	return Member{
		ServerID:    s.ServerID,
		NodeID:      s.NodeID,
		Endpoint:    s.Endpoint,
		PublicKey:   s.PublicKey,
		Status:      s.Status,
		Incarnation: s.Incarnation,
	}
}
