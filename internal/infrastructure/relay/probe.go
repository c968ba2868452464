package relay

import (
	"sync"
	"time"

	"crowdlink/internal/core/domain"
)

type probe struct {
	seq      uint64
	sentAt   time.Time
	rtt      time.Duration
	answered bool
}

// probeWindow keeps the most recent keepalive pings and derives round trip
// time and loss from their pongs. A ping counts as lost once it has gone
// unanswered for longer than settle.
type probeWindow struct {
	mu     sync.Mutex
	size   int
	settle time.Duration
	next   uint64
	probes []probe
}

func newProbeWindow(size int, settle time.Duration) *probeWindow {
	return &probeWindow{size: size, settle: settle}
}

func (w *probeWindow) sent(now time.Time) uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.next++
	w.probes = append(w.probes, probe{seq: w.next, sentAt: now})
	if len(w.probes) > w.size {
		w.probes = w.probes[len(w.probes)-w.size:]
	}
	return w.next
}

func (w *probeWindow) answered(seq uint64, now time.Time) (time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for i := range w.probes {
		p := &w.probes[i]
		if p.seq != seq {
			continue
		}
		if p.answered {
			return p.rtt, false
		}
		p.answered = true
		p.rtt = now.Sub(p.sentAt)
		return p.rtt, true
	}
	return 0, false
}

func (w *probeWindow) sample(now time.Time) (domain.LinkSample, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var rttSum time.Duration
	answered, settled, lost := 0, 0, 0
	for _, p := range w.probes {
		switch {
		case p.answered:
			rttSum += p.rtt
			answered++
			settled++
		case now.Sub(p.sentAt) >= w.settle:
			lost++
			settled++
		}
	}
	if answered == 0 {
		return domain.LinkSample{}, false
	}

	return domain.LinkSample{
		Latency:       rttSum / time.Duration(answered),
		PacketLossPct: 100 * float64(lost) / float64(settled),
	}, true
}

func (w *probeWindow) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.probes = w.probes[:0]
}
