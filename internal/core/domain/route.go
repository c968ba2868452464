package domain

import "fmt"

// RouteMode is the user's route preference.
type RouteMode string

const (
	RouteAuto   RouteMode = "auto"
	RouteRelay  RouteMode = "relay"
	RouteDirect RouteMode = "direct"
	RouteMesh   RouteMode = "mesh"
)

func ParseRouteMode(s string) (RouteMode, error) {
	switch m := RouteMode(s); m {
	case RouteAuto, RouteRelay, RouteDirect, RouteMesh:
		return m, nil
	}
	return "", fmt.Errorf("unknown route mode %q", s)
}

// Route is the transport decision for one recipient.
type Route struct {
	Primary TransportKind `json:"primary,omitempty"`
	Backup  TransportKind `json:"backup,omitempty"`
	Bridge  bool          `json:"bridge"`
	// None means neither transport is available; the message goes to the
	// relay best-effort and into the bridge queue.
	None bool `json:"none"`
}

func (r Route) String() string {
	switch {
	case r.None:
		return "unavailable"
	case r.Backup != "":
		return fmt.Sprintf("%s+%s", r.Primary, r.Backup)
	default:
		return string(r.Primary)
	}
}
