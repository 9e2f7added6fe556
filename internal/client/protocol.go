// Package client is the WebSocket endpoint peers connect to. It parses
// the line-JSON client protocol, rate-limits per connection, and
// dispatches to the pairing registry, the signaling relay, and the
// rendezvous engine.
package client

import (
	"encoding/json"

	"github.com/Hamza-Labs-Core/zajel-sub017/internal/rendezvous"
	"github.com/Hamza-Labs-Core/zajel-sub017/internal/store"
)

// Client→server message types.
const (
	MsgRegister      = "register"
	MsgPairRequest   = "pair_request"
	MsgPairResponse  = "pair_response"
	MsgPairCancel    = "pair_cancel"
	MsgOffer         = "offer"
	MsgAnswer        = "answer"
	MsgICECandidate  = "ice_candidate"
	MsgPublishDaily  = "rv_publish_daily"
	MsgPublishHourly = "rv_publish_hourly"
	MsgQuery         = "rv_query"
	MsgUnpublish     = "rv_unpublish"
	MsgRelayAnnounce = "relay_announce"
	MsgRelayUpdate   = "relay_update"
	MsgPing          = "ping"
)

// Server→client message types.
const (
	MsgServerInfo        = "server_info"
	MsgRegistered        = "registered"
	MsgPairIncoming      = "pair_incoming"
	MsgPairMatched       = "pair_matched"
	MsgPairWarning       = "pair_warning"
	MsgPairExpired       = "pair_expired"
	MsgPairRejected      = "pair_rejected"
	MsgPairError         = "pair_error"
	MsgRendezvousResult  = "rendezvous_result"
	MsgRendezvousPartial = "rendezvous_partial"
	MsgPong              = "pong"
	MsgError             = "error"
)

// Error codes carried by error / pair_error frames.
const (
	ErrCodeBadRequest    = "bad_request"
	ErrCodeUnknownType   = "unknown_type"
	ErrCodeRateLimit     = "rate_limit"
	ErrCodeNotRegistered = "not_registered"
	ErrCodeTooManyConns  = "too_many_connections"
	ErrCodeInvalidCode   = "invalid_code"
	ErrCodeCodeTaken     = "code_taken"
	ErrCodeUnknownCode   = "unknown_code"
	ErrCodeTargetBusy    = "target_busy"
	ErrCodeDuplicate     = "duplicate_request"
	ErrCodeNotPaired     = "not_paired"
	ErrCodePairFailed    = "pair_failed"
)

// envelope is the union of all inbound client frames; Type selects the
// populated fields.
type envelope struct {
	Type string `json:"type"`

	PairingCode string `json:"pairingCode,omitempty"`
	PublicKey   string `json:"publicKey,omitempty"`

	TargetCode string `json:"targetCode,omitempty"`
	Accepted   bool   `json:"accepted,omitempty"`

	Target  string          `json:"target,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	PointHash    string   `json:"pointHash,omitempty"`
	TokenHash    string   `json:"tokenHash,omitempty"`
	DeadDrop     string   `json:"deadDrop,omitempty"`
	RelayID      string   `json:"relayId,omitempty"`
	TTLMs        int64    `json:"ttlMs,omitempty"`
	Ephemeral    bool     `json:"ephemeral,omitempty"`
	DailyPoints  []string `json:"dailyPoints,omitempty"`
	HourlyTokens []string `json:"hourlyTokens,omitempty"`

	MaxConnections int `json:"maxConnections,omitempty"`
	ConnectedCount int `json:"connectedCount,omitempty"`
}

// Outbound frames. Each carries its own type tag so marshaling is a
// single json.Marshal.

type serverInfoMsg struct {
	Type      string `json:"type"`
	ServerID  string `json:"serverId"`
	PublicKey string `json:"publicKey"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

type registeredMsg struct {
	Type     string `json:"type"`
	ServerID string `json:"serverId"`
}

type pairIncomingMsg struct {
	Type     string `json:"type"`
	FromCode string `json:"fromCode"`
}

type pairMatchedMsg struct {
	Type        string `json:"type"`
	PeerCode    string `json:"peerCode"`
	IsInitiator bool   `json:"isInitiator"`
}

type pairWarningMsg struct {
	Type             string `json:"type"`
	SecondsRemaining int    `json:"secondsRemaining"`
}

type pairEventMsg struct {
	Type     string `json:"type"`
	PeerCode string `json:"peerCode,omitempty"`
}

type pairErrorMsg struct {
	Type string `json:"type"`
	Code string `json:"code"`
}

type signalMsg struct {
	Type    string          `json:"type"`
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

type rendezvousResultMsg struct {
	Type        string                      `json:"type"`
	LiveMatches []rendezvous.LiveMatch      `json:"liveMatches"`
	DeadDrops   []rendezvous.DeadDropResult `json:"deadDrops"`
	Redirects   []rendezvous.Redirect       `json:"redirects,omitempty"`
	// Relays are fallback candidates, attached when a live match does
	// not name its own relay.
	Relays []store.RelayEntry `json:"relays,omitempty"`
}

type pongMsg struct {
	Type string `json:"type"`
}

type errorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}
