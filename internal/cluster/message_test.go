package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hamza-Labs-Core/zajel-sub017/internal/identity"
)

func TestHandshakeSignVerify(t *testing.T) {
	id, err := identity.Generate("")
	require.NoError(t, err)

	hs := Handshake{
		Type:      MsgHandshake,
		ServerID:  id.ServerID,
		NodeID:    id.NodeID,
		Endpoint:  "ws://localhost:8420",
		PublicKey: identity.EncodeKey(id.PublicKey),
		Metadata:  map[string]string{"region": "eu"},
	}
	require.NoError(t, SignHandshake(id, &hs))
	assert.NotEmpty(t, hs.Signature)
	assert.True(t, VerifyHandshake(&hs))

	// Any field change invalidates the signature.
	tampered := hs
	tampered.Endpoint = "ws://evil:8420"
	assert.False(t, VerifyHandshake(&tampered))

	// A handshake claiming someone else's id fails: the signature was
	// not made by that id's key.
	other, err := identity.Generate("")
	require.NoError(t, err)
	stolen := hs
	stolen.ServerID = other.ServerID
	assert.False(t, VerifyHandshake(&stolen))
}

func TestGossipSignVerify(t *testing.T) {
	id, err := identity.Generate("")
	require.NoError(t, err)

	msg := GossipMessage{
		Sub: SubPing,
		Seq: 42,
		Members: []MemberState{
			{ServerID: "ed25519:x", Status: StatusAlive, Incarnation: 1},
		},
	}
	require.NoError(t, SignGossip(id, &msg))
	assert.Equal(t, MsgGossip, msg.Type)
	assert.Equal(t, id.ServerID, msg.From)
	assert.True(t, VerifyGossip(&msg))

	tampered := msg
	tampered.Seq = 43
	assert.False(t, VerifyGossip(&tampered))

	bogus := msg
	bogus.From = "ed25519:AAAA"
	assert.False(t, VerifyGossip(&bogus))
}

func TestMemberStateRoundTrip(t *testing.T) {
	m := Member{
		ServerID:    "ed25519:a",
		NodeID:      "node-a",
		Endpoint:    "ws://a:1",
		PublicKey:   "pk",
		Status:      StatusSuspect,
		Incarnation: 9,
	}
	assert.Equal(t, m, StateToMember(MemberToState(m)))
}
