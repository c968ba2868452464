package services

import (
	"time"

	"crowdlink/internal/core/domain"
	"crowdlink/internal/core/ports"
)

// RouteInput is everything the selector needs to route to one peer.
type RouteInput struct {
	Peer            domain.PeerID
	Preference      domain.RouteMode
	LinkEstablished bool
	LinkRTT         time.Duration // 0 when unknown
	RelayConnected  bool
	Tier            domain.QualityTier
	BridgeAlways    bool
}

// RouteSelector picks the transport for each recipient. Availability is
// checked with Ready first; the chosen transport then claims its breaker slot
// with ShouldAllow, so an unused half-open probe is never consumed.
type RouteSelector struct {
	breakers    ports.CircuitBreakers
	lowLatency  time.Duration
	highLatency time.Duration

	last map[domain.PeerID]domain.TransportKind
}

func NewRouteSelector(breakers ports.CircuitBreakers, lowLatency, highLatency time.Duration) *RouteSelector {
	return &RouteSelector{
		breakers:    breakers,
		lowLatency:  lowLatency,
		highLatency: highLatency,
		last:        make(map[domain.PeerID]domain.TransportKind),
	}
}

// Select returns the route for one recipient and claims the breaker slot of
// the chosen transport.
func (r *RouteSelector) Select(in RouteInput) domain.Route {
	return r.pick(in, r.claim, true)
}

// Peek returns the route Select would choose without claiming a half-open
// probe or updating stickiness.
func (r *RouteSelector) Peek(in RouteInput) domain.Route {
	return r.pick(in, func(domain.TransportKind) bool { return true }, false)
}

func (r *RouteSelector) pick(in RouteInput, claim func(domain.TransportKind) bool, commit bool) domain.Route {
	remember := func(route domain.Route) domain.Route {
		if commit {
			return r.remember(in.Peer, route)
		}
		return route
	}

	directReady := in.LinkEstablished && r.breakers.Ready(domain.TransportDirect)
	relayReady := in.RelayConnected && r.breakers.Ready(domain.TransportRelay)

	route := domain.Route{Bridge: in.BridgeAlways || in.Tier.Degraded()}

	switch in.Preference {
	case domain.RouteRelay:
		if relayReady && claim(domain.TransportRelay) {
			route.Primary = domain.TransportRelay
			return remember(route)
		}
	case domain.RouteDirect:
		if directReady && claim(domain.TransportDirect) {
			route.Primary = domain.TransportDirect
			return remember(route)
		}
	}

	order := r.order(in, directReady, relayReady)
	for i, kind := range order {
		if !claim(kind) {
			continue
		}
		route.Primary = kind
		if in.Preference == domain.RouteMesh && i+1 < len(order) {
			route.Backup = order[i+1]
		}
		return remember(route)
	}

	// Neither transport: relay best-effort plus the bridge queue.
	route.Primary = domain.TransportRelay
	route.None = true
	route.Bridge = true
	return route
}

// order lists the ready transports, preferred first.
func (r *RouteSelector) order(in RouteInput, directReady, relayReady bool) []domain.TransportKind {
	switch {
	case directReady && relayReady:
		if r.preferDirect(in) {
			return []domain.TransportKind{domain.TransportDirect, domain.TransportRelay}
		}
		return []domain.TransportKind{domain.TransportRelay, domain.TransportDirect}
	case directReady:
		return []domain.TransportKind{domain.TransportDirect}
	case relayReady:
		return []domain.TransportKind{domain.TransportRelay}
	}
	return nil
}

// preferDirect is the low-latency heuristic. A known RTT is compared against
// a hysteresis band so a peer near the threshold does not flap.
func (r *RouteSelector) preferDirect(in RouteInput) bool {
	if in.Tier.Degraded() {
		return false
	}
	if in.LinkRTT <= 0 {
		return true
	}
	if r.last[in.Peer] == domain.TransportDirect {
		return in.LinkRTT <= r.highLatency
	}
	return in.LinkRTT <= r.lowLatency
}

func (r *RouteSelector) claim(kind domain.TransportKind) bool {
	return r.breakers.ShouldAllow(kind)
}

func (r *RouteSelector) remember(peer domain.PeerID, route domain.Route) domain.Route {
	if peer != "" {
		r.last[peer] = route.Primary
	}
	return route
}

// Forget drops the stickiness for peer.
func (r *RouteSelector) Forget(peer domain.PeerID) {
	delete(r.last, peer)
}

// Reset drops all stickiness.
func (r *RouteSelector) Reset() {
	r.last = make(map[domain.PeerID]domain.TransportKind)
}
