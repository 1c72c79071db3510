package simulator

import (
	"fmt"
	"sort"

	"grimm.is/fleetwall/internal/firewall"
	"grimm.is/fleetwall/internal/netaddr"
)

// Location is where an address lives in the fleet.
type Location interface {
	location()
	String() string
}

// HostLocation is one of a host's external addresses.
type HostLocation struct {
	HostID string
}

// VNetLocation is an address inside one of a host's custom zones.
type VNetLocation struct {
	HostID string
	Zone   string
}

// HostsNetLocation is anywhere outside the fleet.
type HostsNetLocation struct{}

func (HostLocation) location()     {}
func (VNetLocation) location()     {}
func (HostsNetLocation) location() {}

func (l HostLocation) String() string   { return "host " + l.HostID }
func (l VNetLocation) String() string   { return fmt.Sprintf("zone %s on %s", l.Zone, l.HostID) }
func (HostsNetLocation) String() string { return "hosts-net" }

func hostOf(l Location) string {
	switch v := l.(type) {
	case HostLocation:
		return v.HostID
	case VNetLocation:
		return v.HostID
	}
	return ""
}

// snapshot is every host's zones at the start of one simulation.
type snapshot struct {
	hostIDs []string
	zones   map[string]*firewall.ZoneCollection
}

func (s *snapshot) resolveOn(hostID string, addr netaddr.IPv4) (Location, bool) {
	zc, ok := s.zones[hostID]
	if !ok {
		return nil, false
	}
	for _, a := range zc.External.Addresses {
		if a == addr {
			return HostLocation{HostID: hostID}, true
		}
	}
	if z, ok := zc.ZoneFor(addr); ok {
		return VNetLocation{HostID: hostID, Zone: z.Name}, true
	}
	return nil, false
}

// resolve scans every host's external addresses first, then every zone's
// address space. Hosts are scanned in id order.
func (s *snapshot) resolve(addr netaddr.IPv4) Location {
	for _, id := range s.hostIDs {
		for _, a := range s.zones[id].External.Addresses {
			if a == addr {
				return HostLocation{HostID: id}
			}
		}
	}
	for _, id := range s.hostIDs {
		if z, ok := s.zones[id].ZoneFor(addr); ok {
			return VNetLocation{HostID: id, Zone: z.Name}
		}
	}
	return HostsNetLocation{}
}

func (s *snapshot) zone(l VNetLocation) *firewall.Zone {
	zc := s.zones[l.HostID]
	for i := range zc.Custom {
		if zc.Custom[i].Name == l.Zone {
			return &zc.Custom[i]
		}
	}
	return nil
}

func newSnapshot(zones map[string]*firewall.ZoneCollection) *snapshot {
	s := &snapshot{zones: zones}
	for id := range zones {
		s.hostIDs = append(s.hostIDs, id)
	}
	sort.Strings(s.hostIDs)
	return s
}
