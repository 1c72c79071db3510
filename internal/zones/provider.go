// Package zones assembles a host's firewall zones from its network
// interfaces and the zone data providers that own them.
package zones

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"grimm.is/fleetwall/internal/firewall"
	"grimm.is/fleetwall/internal/netaddr"
)

// ZoneData is what a provider knows about one zone on one host.
type ZoneData struct {
	AddressSpace netaddr.CIDRRange
	// Addresses are the host's own addresses in the zone. Only the external
	// zone uses them.
	Addresses     []netaddr.IPv4
	InboundRules  []firewall.Rule
	OutboundRules []firewall.Rule
	PortForwards  []firewall.PortForward
}

// Provider owns every zone whose name starts with its prefix.
type Provider interface {
	Prefix() string
	// MatchInterface maps a NIC to one of the provider's zones.
	MatchInterface(ctx context.Context, hostID, nic string) (zone string, ok bool, err error)
	// ProvideData reads the zone's current data. It is not cached.
	ProvideData(ctx context.Context, hostID, zone string) (*ZoneData, error)
}

// Registry is the ordered list of providers. The first registered provider
// whose prefix matches wins.
type Registry struct {
	mu        sync.RWMutex
	providers []Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends a provider. Prefixes must be unique and non-empty.
func (r *Registry) Register(p Provider) error {
	prefix := p.Prefix()
	if prefix == "" {
		return fmt.Errorf("provider prefix must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.providers {
		if existing.Prefix() == prefix {
			return fmt.Errorf("provider for prefix %q already registered", prefix)
		}
	}
	r.providers = append(r.providers, p)
	return nil
}

// MustRegister is Register for process start-up wiring.
func (r *Registry) MustRegister(providers ...Provider) *Registry {
	for _, p := range providers {
		if err := r.Register(p); err != nil {
			panic(err)
		}
	}
	return r
}

// Providers returns the providers in registration order.
func (r *Registry) Providers() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, len(r.providers))
	copy(out, r.providers)
	return out
}

// Owner returns the provider owning zone.
func (r *Registry) Owner(zone string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.providers {
		if strings.HasPrefix(zone, p.Prefix()) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", firewall.ErrUnknownZone, zone)
}

// MatchInterface asks each provider in order to claim nic.
func (r *Registry) MatchInterface(ctx context.Context, hostID, nic string) (string, bool, error) {
	for _, p := range r.Providers() {
		zone, ok, err := p.MatchInterface(ctx, hostID, nic)
		if err != nil {
			return "", false, fmt.Errorf("failed to match %s with provider %q: %w", nic, p.Prefix(), err)
		}
		if ok {
			return zone, true, nil
		}
	}
	return "", false, nil
}
