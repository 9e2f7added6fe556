// Package signaling relays WebRTC negotiation frames between paired
// clients. The relay checks that the two codes completed a pair and
// rewrites the envelope (target becomes from); the SDP/ICE payload is
// opaque and never inspected or logged.
package signaling

import (
	"encoding/json"
	"errors"

	"github.com/rs/zerolog"

	"github.com/Hamza-Labs-Core/zajel-sub017/internal/pairing"
)

var (
	ErrUnknownSignalType = errors.New("signaling: unknown message type")
	ErrNotPaired         = pairing.ErrNotPaired
)

// Signal message types a client may relay.
const (
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice_candidate"
)

// Pairer is the slice of the pairing registry the relay needs.
type Pairer interface {
	IsPaired(a, b string) bool
	DeliverSignal(fromCode, targetCode, msgType string, payload json.RawMessage) error
}

// Relay forwards offer/answer/ICE frames between paired clients.
type Relay struct {
	pairs Pairer
	log   zerolog.Logger
}

func NewRelay(pairs Pairer, log zerolog.Logger) *Relay {
	return &Relay{
		pairs: pairs,
		log:   log.With().Str("component", "signaling").Logger(),
	}
}

// Forward relays one frame from a registered local code to its paired
// peer. Unpaired signaling is rejected.
func (r *Relay) Forward(fromCode, targetCode, msgType string, payload json.RawMessage) error {
	switch msgType {
	case TypeOffer, TypeAnswer, TypeICECandidate:
	default:
		return ErrUnknownSignalType
	}
	if !r.pairs.IsPaired(fromCode, targetCode) {
		return ErrNotPaired
	}
	return r.pairs.DeliverSignal(fromCode, targetCode, msgType, payload)
}
