package host

import (
	"context"
	"fmt"
	"sync"
)

// StaticInventory is an in-memory Inventory, for tests and offline tools.
type StaticInventory struct {
	mu       sync.RWMutex
	ifaces   map[string][]Interface
	external map[string]string
}

// NewStaticInventory creates an empty inventory.
func NewStaticInventory() *StaticInventory {
	return &StaticInventory{
		ifaces:   make(map[string][]Interface),
		external: make(map[string]string),
	}
}

// SetInterfaces replaces a host's interfaces. defaultRouteDev names the NIC
// holding the IPv4 default route; empty means none.
func (s *StaticInventory) SetInterfaces(hostID string, ifaces []Interface, defaultRouteDev string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ifaces[hostID] = ifaces
	s.external[hostID] = defaultRouteDev
}

func (s *StaticInventory) QueryAllNetworkInterfaces(ctx context.Context, hostID string) ([]string, error) {
	ifaces, err := s.QueryAllNetworkInterfacesWithAddresses(ctx, hostID)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(ifaces))
	for i, iface := range ifaces {
		names[i] = iface.IfName
	}
	return names, nil
}

func (s *StaticInventory) QueryAllNetworkInterfacesWithAddresses(_ context.Context, hostID string) ([]Interface, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ifaces, ok := s.ifaces[hostID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHost, hostID)
	}
	out := make([]Interface, len(ifaces))
	copy(out, ifaces)
	return out, nil
}

func (s *StaticInventory) QueryExternalIPv4Subnet(ctx context.Context, hostID string) (ExternalSubnet, error) {
	ifaces, err := s.QueryAllNetworkInterfacesWithAddresses(ctx, hostID)
	if err != nil {
		return ExternalSubnet{}, err
	}
	s.mu.RLock()
	dev := s.external[hostID]
	s.mu.RUnlock()
	if dev == "" {
		return ExternalSubnet{}, fmt.Errorf("%w on %s", ErrNoDefaultRoute, hostID)
	}
	return externalFrom(ifaces, dev, hostID)
}

// IPv4Interface is shorthand for an interface with one IPv4 address.
func IPv4Interface(name, local string, prefixLen int) Interface {
	iface := Interface{IfName: name}
	if local != "" {
		iface.AddrInfo = []AddrInfo{{Family: "inet", Local: local, PrefixLen: prefixLen}}
	}
	return iface
}
