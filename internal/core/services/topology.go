package services

import (
	"sort"
	"time"

	"crowdlink/internal/core/domain"
	"crowdlink/pkg/cache"

	"github.com/benbjohnson/clock"
)

const defaultAdjacencyTTL = 30 * time.Second

// Topology remembers which peers advertised a direct link to which others.
// Adverts expire so departed or partitioned peers stop attracting bridge
// traffic.
type Topology struct {
	adjacency *cache.Cache[domain.PeerID, []domain.PeerID]
}

func NewTopology(ttl time.Duration, clk clock.Clock) *Topology {
	if ttl <= 0 {
		ttl = defaultAdjacencyTTL
	}
	return &Topology{adjacency: cache.New[domain.PeerID, []domain.PeerID](ttl, clk)}
}

// Update replaces the advertised neighbor set of peer.
func (t *Topology) Update(peer domain.PeerID, links []domain.PeerID) {
	clean := make([]domain.PeerID, 0, len(links))
	for _, l := range links {
		if l != peer && l != "" {
			clean = append(clean, l)
		}
	}
	t.adjacency.Set(peer, clean)
}

func (t *Topology) Remove(peer domain.PeerID) {
	t.adjacency.Delete(peer)
}

func (t *Topology) Neighbors(peer domain.PeerID) []domain.PeerID {
	links, _ := t.adjacency.Get(peer)
	return links
}

// Reaches reports whether via advertised a direct link to target.
func (t *Topology) Reaches(via, target domain.PeerID) bool {
	for _, l := range t.Neighbors(via) {
		if l == target {
			return true
		}
	}
	return false
}

func (t *Topology) Clear() {
	t.adjacency.Clear()
}

// Purge drops expired adverts.
func (t *Topology) Purge() int {
	return t.adjacency.Purge()
}

// hopCandidate is a neighbor scored for route-based forwarding.
type hopCandidate struct {
	peer  domain.PeerID
	reach []domain.PeerID
	rtt   time.Duration
}

// BestHops picks up to two neighbors that together reach the most peers in
// targets. Neighbors that reach nobody new are skipped; lower RTT breaks ties.
// With no usable adjacency knowledge it falls back to the fastest neighbor.
func (t *Topology) BestHops(neighbors []domain.PeerID, targets []domain.PeerID, rtt func(domain.PeerID) time.Duration) []domain.PeerID {
	if len(neighbors) == 0 {
		return nil
	}

	wanted := make(map[domain.PeerID]bool, len(targets))
	for _, p := range targets {
		wanted[p] = true
	}

	cands := make([]hopCandidate, 0, len(neighbors))
	for _, n := range neighbors {
		c := hopCandidate{peer: n, rtt: rtt(n)}
		for _, l := range t.Neighbors(n) {
			if wanted[l] {
				c.reach = append(c.reach, l)
			}
		}
		cands = append(cands, c)
	}
	sort.Slice(cands, func(i, j int) bool {
		if len(cands[i].reach) != len(cands[j].reach) {
			return len(cands[i].reach) > len(cands[j].reach)
		}
		if cands[i].rtt != cands[j].rtt {
			return fasterRTT(cands[i].rtt, cands[j].rtt)
		}
		return cands[i].peer < cands[j].peer
	})

	if len(cands[0].reach) == 0 {
		return []domain.PeerID{cands[0].peer}
	}

	covered := make(map[domain.PeerID]bool)
	var hops []domain.PeerID
	for _, c := range cands {
		if len(hops) == 2 {
			break
		}
		gain := 0
		for _, p := range c.reach {
			if !covered[p] {
				gain++
			}
		}
		if gain == 0 {
			continue
		}
		for _, p := range c.reach {
			covered[p] = true
		}
		hops = append(hops, c.peer)
	}
	return hops
}

// fasterRTT orders known RTTs before unknown (zero) ones.
func fasterRTT(a, b time.Duration) bool {
	switch {
	case a == 0:
		return false
	case b == 0:
		return true
	default:
		return a < b
	}
}
