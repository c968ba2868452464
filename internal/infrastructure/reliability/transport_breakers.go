package reliability

import (
	"time"

	"crowdlink/internal/core/domain"
	"crowdlink/internal/core/ports"
	"crowdlink/pkg/circuitbreaker"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// StateObserver is notified of every breaker transition, e.g. to export it
// as a metric.
type StateObserver func(kind domain.TransportKind, state circuitbreaker.State)

// TransportBreakers holds one circuit breaker per primary transport.
type TransportBreakers struct {
	breakers map[domain.TransportKind]*circuitbreaker.CircuitBreaker
	logger   *zap.SugaredLogger
}

// NewTransportBreakers creates breakers for the relay and direct transports.
// The direct breaker additionally forgets failures older than directWindow.
func NewTransportBreakers(
	cfg circuitbreaker.Config,
	directWindow time.Duration,
	clk clock.Clock,
	logger *zap.SugaredLogger,
	observer StateObserver,
) *TransportBreakers {
	tb := &TransportBreakers{
		breakers: make(map[domain.TransportKind]*circuitbreaker.CircuitBreaker, 2),
		logger:   logger,
	}

	for _, kind := range []domain.TransportKind{domain.TransportRelay, domain.TransportDirect} {
		kindCfg := cfg
		if kind == domain.TransportDirect {
			kindCfg.FailureWindow = directWindow
		}
		cb := circuitbreaker.New(kindCfg, clk)

		kind := kind
		cb.OnStateChange(func(from, to circuitbreaker.State) {
			logger.Infow("circuit breaker state changed",
				"transport", kind,
				"from", from.String(),
				"to", to.String(),
			)
			if observer != nil {
				observer(kind, to)
			}
		})
		tb.breakers[kind] = cb
	}

	return tb
}

func (tb *TransportBreakers) ShouldAllow(kind domain.TransportKind) bool {
	cb, ok := tb.breakers[kind]
	return ok && cb.ShouldAllow()
}

func (tb *TransportBreakers) Ready(kind domain.TransportKind) bool {
	cb, ok := tb.breakers[kind]
	return ok && cb.Ready()
}

func (tb *TransportBreakers) RecordSuccess(kind domain.TransportKind) {
	if cb, ok := tb.breakers[kind]; ok {
		cb.RecordSuccess()
	}
}

func (tb *TransportBreakers) RecordFailure(kind domain.TransportKind) {
	cb, ok := tb.breakers[kind]
	if !ok {
		return
	}
	cb.RecordFailure()
	tb.logger.Debugw("transport failure recorded",
		"transport", kind,
		"consecutive_failures", cb.GetStats().ConsecutiveFailures,
	)
}

// Release returns an unfinished half-open trial on kind.
func (tb *TransportBreakers) Release(kind domain.TransportKind) {
	if cb, ok := tb.breakers[kind]; ok {
		cb.Release()
	}
}

// Reset closes every breaker and clears its counters.
func (tb *TransportBreakers) Reset() {
	for _, cb := range tb.breakers {
		cb.Reset()
	}
}

// Breaker exposes the underlying breaker for kind.
func (tb *TransportBreakers) Breaker(kind domain.TransportKind) *circuitbreaker.CircuitBreaker {
	return tb.breakers[kind]
}

func (tb *TransportBreakers) Views() map[domain.TransportKind]ports.CircuitView {
	views := make(map[domain.TransportKind]ports.CircuitView, len(tb.breakers))
	for kind, cb := range tb.breakers {
		stats := cb.GetStats()
		views[kind] = ports.CircuitView{
			State:               stats.State.String(),
			ConsecutiveFailures: stats.ConsecutiveFailures,
			IsOpen:              stats.IsOpen,
		}
	}
	return views
}
