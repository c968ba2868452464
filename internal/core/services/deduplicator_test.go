package services

import (
	"fmt"
	"testing"

	"crowdlink/internal/core/domain"

	"github.com/stretchr/testify/assert"
)

func msg(id string, sender domain.PeerID, seq uint64) *domain.Message {
	return &domain.Message{ID: domain.MessageID(id), SenderID: sender, Sequence: seq, Content: id}
}

func TestDeduplicator_AcceptsOnce(t *testing.T) {
	d := NewDeduplicator("bob", 1000)

	assert.Equal(t, Accepted, d.Accept(msg("m1", "alice", 1)))
	assert.Equal(t, DuplicateID, d.Accept(msg("m1", "alice", 1)))

	bridged := msg("m1", "alice", 1)
	bridged.BridgePath = []domain.PeerID{"carol"}
	assert.Equal(t, DuplicateID, d.Accept(bridged))
	assert.Equal(t, 2, d.Dropped())
}

func TestDeduplicator_SequenceMonotonic(t *testing.T) {
	d := NewDeduplicator("bob", 1000)

	assert.Equal(t, Accepted, d.Accept(msg("m3", "alice", 3)))
	assert.Equal(t, StaleSequence, d.Accept(msg("m2", "alice", 2)))
	assert.Equal(t, StaleSequence, d.Accept(msg("m3b", "alice", 3)))
	assert.Equal(t, Accepted, d.Accept(msg("m4", "alice", 4)))
	assert.Equal(t, uint64(4), d.LastSequence("alice"))

	// other senders are independent
	assert.Equal(t, Accepted, d.Accept(msg("c1", "carol", 1)))
}

func TestDeduplicator_ForgetSenderAllowsRestartedSequence(t *testing.T) {
	d := NewDeduplicator("bob", 1000)

	assert.Equal(t, Accepted, d.Accept(msg("a7", "alice", 7)))
	assert.Equal(t, StaleSequence, d.Accept(msg("fresh1", "alice", 1)))

	d.ForgetSender("alice")
	assert.Equal(t, uint64(0), d.LastSequence("alice"))
	assert.Equal(t, Accepted, d.Accept(msg("fresh1b", "alice", 1)))
	assert.Equal(t, DuplicateID, d.Accept(msg("a7", "alice", 7)), "ids survive")
}

func TestDeduplicator_OwnEchoCheckedFirst(t *testing.T) {
	d := NewDeduplicator("alice", 1000)
	d.MarkOwn("mine")

	assert.Equal(t, DuplicateOwn, d.Accept(msg("mine", "mallory", 99)))
	assert.Equal(t, DuplicateOwn, d.Accept(msg("other", "alice", 1)))
	assert.Equal(t, uint64(0), d.LastSequence("mallory"))
	assert.True(t, d.Seen("mine"))
}

func TestDeduplicator_EvictsOldestHalfPastCapacity(t *testing.T) {
	d := NewDeduplicator("bob", 10)

	for i := 1; i <= 10; i++ {
		assert.Equal(t, Accepted, d.Accept(msg(fmt.Sprintf("m%d", i), "alice", uint64(i))))
	}
	assert.Equal(t, 10, d.Len())

	assert.Equal(t, Accepted, d.Accept(msg("m11", "alice", 11)))
	assert.Equal(t, 5, d.Len())

	assert.False(t, d.Seen("m1"))
	assert.False(t, d.Seen("m6"))
	assert.True(t, d.Seen("m7"))
	assert.True(t, d.Seen("m11"))

	// evicted ids are still rejected by the sequence check
	assert.Equal(t, StaleSequence, d.Accept(msg("m1", "alice", 1)))
}

func TestDeduplicator_Reset(t *testing.T) {
	d := NewDeduplicator("bob", 100)
	d.Accept(msg("m1", "alice", 5))
	d.MarkOwn("x")

	d.Reset()

	assert.Equal(t, 0, d.Len())
	assert.False(t, d.Seen("x"))
	assert.Equal(t, Accepted, d.Accept(msg("m1", "alice", 1)))
}
