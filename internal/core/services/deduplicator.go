package services

import (
	"fmt"

	"crowdlink/internal/core/domain"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Verdict is the outcome of a deduplication check.
type Verdict int

const (
	Accepted Verdict = iota
	DuplicateOwn
	DuplicateID
	StaleSequence
)

func (v Verdict) String() string {
	switch v {
	case Accepted:
		return "accepted"
	case DuplicateOwn:
		return "own_echo"
	case DuplicateID:
		return "duplicate_id"
	case StaleSequence:
		return "stale_sequence"
	default:
		return "unknown"
	}
}

// Deduplicator recognizes message copies arriving over different transports.
// It is owned by a session and only touched from the session's executor.
type Deduplicator struct {
	self     domain.PeerID
	capacity int

	seen    *lru.Cache[domain.MessageID, struct{}]
	own     *lru.Cache[domain.MessageID, struct{}]
	lastSeq map[domain.PeerID]uint64
	dropped int
}

func NewDeduplicator(self domain.PeerID, capacity int) *Deduplicator {
	if capacity < 2 {
		capacity = 2
	}
	d := &Deduplicator{self: self, capacity: capacity}
	d.Reset()
	return d
}

// Reset forgets every id and sequence.
func (d *Deduplicator) Reset() {
	// one slot of headroom so eviction is always ours, never the LRU's
	seen, err := lru.New[domain.MessageID, struct{}](d.capacity + 1)
	if err != nil {
		panic(fmt.Sprintf("dedup: %v", err))
	}
	own, err := lru.New[domain.MessageID, struct{}](d.capacity)
	if err != nil {
		panic(fmt.Sprintf("dedup: %v", err))
	}
	d.seen = seen
	d.own = own
	d.lastSeq = make(map[domain.PeerID]uint64)
	d.dropped = 0
}

// MarkOwn records an id this peer originated so echoes are recognized.
func (d *Deduplicator) MarkOwn(id domain.MessageID) {
	d.own.Add(id, struct{}{})
}

// Check classifies msg without recording it.
func (d *Deduplicator) Check(msg *domain.Message) Verdict {
	if d.own.Contains(msg.ID) || msg.SenderID == d.self {
		return DuplicateOwn
	}
	if d.seen.Contains(msg.ID) {
		return DuplicateID
	}
	if msg.Sequence <= d.lastSeq[msg.SenderID] {
		return StaleSequence
	}
	return Accepted
}

// Accept checks msg and, when it is new, records its id and sequence.
func (d *Deduplicator) Accept(msg *domain.Message) Verdict {
	v := d.Check(msg)
	if v != Accepted {
		d.dropped++
		return v
	}

	d.seen.Add(msg.ID, struct{}{})
	if d.seen.Len() > d.capacity {
		for d.seen.Len() > d.capacity/2 {
			d.seen.RemoveOldest()
		}
	}
	d.lastSeq[msg.SenderID] = msg.Sequence
	return Accepted
}

// ForgetSender drops the last accepted sequence for sender so a restarted
// sender counting from one again is not taken for a replay. Seen ids are kept.
func (d *Deduplicator) ForgetSender(sender domain.PeerID) {
	delete(d.lastSeq, sender)
}

// LastSequence returns the last accepted sequence for sender.
func (d *Deduplicator) LastSequence(sender domain.PeerID) uint64 {
	return d.lastSeq[sender]
}

// Seen reports whether id was accepted or originated here.
func (d *Deduplicator) Seen(id domain.MessageID) bool {
	return d.seen.Contains(id) || d.own.Contains(id)
}

func (d *Deduplicator) Len() int {
	return d.seen.Len()
}

// Dropped is the number of rejected copies since the last reset.
func (d *Deduplicator) Dropped() int {
	return d.dropped
}
