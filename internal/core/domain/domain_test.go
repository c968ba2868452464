package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestElectInitiator_IsAntisymmetric(t *testing.T) {
	pairs := [][2]PeerID{{"alice", "bob"}, {"b", "a"}, {"peer-10", "peer-9"}}
	for _, p := range pairs {
		assert.NotEqual(t, ElectInitiator(p[0], p[1]), ElectInitiator(p[1], p[0]), "pair %v", p)
	}
}

func TestMessage_WithHopDoesNotAlias(t *testing.T) {
	m := &Message{ID: "m1", SenderID: "alice", BridgePath: []PeerID{"carol"}}

	c := m.WithHop("dave")

	assert.Equal(t, []PeerID{"carol"}, m.BridgePath)
	assert.Equal(t, []PeerID{"carol", "dave"}, c.BridgePath)
	assert.Equal(t, m.ID, c.ID)
	assert.Equal(t, 2, c.Hops())
	assert.True(t, c.Visited("alice"))
	assert.True(t, c.Visited("dave"))
	assert.False(t, c.Visited("bob"))
}

func TestEnvelope_RoundTripAndValidate(t *testing.T) {
	env := &Envelope{
		Kind:   KindChat,
		RoomID: "lobby",
		From:   "alice",
		Message: &Message{
			ID: "m1", Content: "hello", SenderID: "alice", RoomID: "lobby",
			Sequence: 1, Timestamp: time.Unix(1700000000, 0).UTC(),
		},
	}

	data, err := EncodeEnvelope(env)
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, env.Message.ID, decoded.Message.ID)
	assert.True(t, env.Message.Timestamp.Equal(decoded.Message.Timestamp))

	_, err = DecodeEnvelope([]byte(`{"kind":"chat","room_id":"lobby"}`))
	assert.Error(t, err)
	_, err = DecodeEnvelope([]byte(`{"kind":"offer","sdp":"v=0"}`))
	assert.Error(t, err)
	_, err = DecodeEnvelope([]byte(`{"kind":"telepathy"}`))
	assert.Error(t, err)
	_, err = DecodeEnvelope([]byte(`not json`))
	assert.Error(t, err)
}

func TestQualityTier(t *testing.T) {
	assert.False(t, QualityExcellent.Degraded())
	assert.False(t, QualityGood.Degraded())
	assert.True(t, QualityPoor.Degraded())
	assert.True(t, QualityCritical.Degraded())
	assert.Less(t, QualityGood.Rank(), QualityPoor.Rank())
}

func TestParseRouteMode(t *testing.T) {
	m, err := ParseRouteMode("mesh")
	require.NoError(t, err)
	assert.Equal(t, RouteMesh, m)

	_, err = ParseRouteMode("smoke-signals")
	assert.Error(t, err)
}
