package firewall

import "errors"

// Configuration errors that abort compilation for a host. The host keeps its
// previously applied ruleset.
var (
	ErrUnknownZone      = errors.New("no provider claims zone")
	ErrDanglingTarget   = errors.New("port forward target is not inside any zone")
	ErrInvalidRule      = errors.New("invalid firewall rule")
	ErrInvalidZone      = errors.New("invalid zone")
	ErrOverlappingZones = errors.New("zone address spaces overlap")

	ErrShadowedInterface = errors.New("interface name is claimed by a built-in zone")
)
