package signaling

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePairer struct {
	paired    map[string]bool
	delivered []string // from|target|type
}

func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

func (f *fakePairer) IsPaired(a, b string) bool { return f.paired[pairKey(a, b)] }

func (f *fakePairer) DeliverSignal(fromCode, targetCode, msgType string, payload json.RawMessage) error {
	f.delivered = append(f.delivered, fromCode+"|"+targetCode+"|"+msgType)
	return nil
}

func newRelay(paired ...string) (*Relay, *fakePairer) {
	p := &fakePairer{paired: map[string]bool{}}
	for i := 0; i+1 < len(paired); i += 2 {
		p.paired[pairKey(paired[i], paired[i+1])] = true
	}
	return NewRelay(p, zerolog.Nop()), p
}

func TestForwardDeliversToPairedPeer(t *testing.T) {
	relay, pairer := newRelay("AAAAAA", "BBBBBB")

	for _, typ := range []string{TypeOffer, TypeAnswer, TypeICECandidate} {
		require.NoError(t, relay.Forward("AAAAAA", "BBBBBB", typ, json.RawMessage(`{"sdp":"x"}`)))
	}
	assert.Equal(t, []string{
		"AAAAAA|BBBBBB|offer",
		"AAAAAA|BBBBBB|answer",
		"AAAAAA|BBBBBB|ice_candidate",
	}, pairer.delivered)
}

func TestForwardRejectsUnpairedSender(t *testing.T) {
	relay, pairer := newRelay()

	err := relay.Forward("AAAAAA", "BBBBBB", TypeOffer, nil)
	assert.ErrorIs(t, err, ErrNotPaired)
	assert.Empty(t, pairer.delivered)
}

func TestForwardRejectsUnknownType(t *testing.T) {
	relay, pairer := newRelay("AAAAAA", "BBBBBB")

	err := relay.Forward("AAAAAA", "BBBBBB", "renegotiate", nil)
	assert.ErrorIs(t, err, ErrUnknownSignalType)
	assert.Empty(t, pairer.delivered)
}
