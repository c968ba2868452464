package monitoring

import (
	"context"
	"errors"
	"time"

	"crowdlink/internal/core/ports"
	"crowdlink/internal/infrastructure/relay"
)

// Pinger is satisfied by the repository factory.
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

// AddStorageCheck checks the shared room state backend.
func (h *HealthChecker) AddStorageCheck(storage Pinger, interval, timeout time.Duration) {
	h.AddCheck("storage", func(ctx context.Context) (bool, error) {
		if err := storage.HealthCheck(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddRelayCheck fails once the relay server stops accepting peers.
func (h *HealthChecker) AddRelayCheck(server *relay.Server, interval, timeout time.Duration) {
	h.AddCheck("relay", func(ctx context.Context) (bool, error) {
		if server.Stats().Closed {
			return false, errors.New("relay server closed")
		}
		return true, nil
	}, interval, timeout)
}

// AddSessionCheck fails while the session has no relay connection.
func (h *HealthChecker) AddSessionCheck(session ports.SessionController, interval, timeout time.Duration) {
	h.AddCheck("session", func(ctx context.Context) (bool, error) {
		if !session.GetStatus().Connected {
			return false, errors.New("relay disconnected")
		}
		return true, nil
	}, interval, timeout)
}
