package zones

import (
	"context"
	"fmt"
	"sort"

	"grimm.is/fleetwall/internal/events"
	"grimm.is/fleetwall/internal/firewall"
	"grimm.is/fleetwall/internal/host"
	"grimm.is/fleetwall/internal/logging"
	"grimm.is/fleetwall/internal/metrics"
)

// Classify maps a NIC to a built-in zone by name. ok is false when the NIC
// must be offered to the providers.
func Classify(nic string) (zone string, ok bool) {
	return firewall.ClassifyInterface(nic)
}

// Assembler builds zone collections and announces zone changes.
type Assembler struct {
	registry  *Registry
	inventory host.Inventory
	hub       *events.Hub
	metrics   *metrics.Registry
	logger    *logging.Logger
}

// NewAssembler creates an assembler. hub and m may be nil.
func NewAssembler(registry *Registry, inv host.Inventory, hub *events.Hub, m *metrics.Registry, logger *logging.Logger) *Assembler {
	if logger == nil {
		logger = logging.WithComponent("zones")
	}
	return &Assembler{registry: registry, inventory: inv, hub: hub, metrics: m, logger: logger}
}

// Assemble enumerates the host's NICs, assigns each to a zone and reads
// every zone's data from its provider. The result is sorted and complete;
// a zone whose provider is missing fails the whole host.
func (a *Assembler) Assemble(ctx context.Context, hostID string) (*firewall.ZoneCollection, error) {
	nics, err := a.inventory.QueryAllNetworkInterfaces(ctx, hostID)
	if err != nil {
		return nil, fmt.Errorf("failed to list interfaces of %s: %w", hostID, err)
	}

	groups := make(map[string][]string)
	unclaimed := 0
	for _, nic := range nics {
		zone, ok := Classify(nic)
		if !ok {
			zone, ok, err = a.registry.MatchInterface(ctx, hostID, nic)
			if err != nil {
				return nil, fmt.Errorf("host %s: %w", hostID, err)
			}
		}
		if !ok {
			unclaimed++
			a.logger.Warn("interface not claimed by any zone", "host", hostID, "interface", nic)
			continue
		}
		groups[zone] = append(groups[zone], nic)
	}
	if a.metrics != nil {
		a.metrics.UnclaimedNICs.WithLabelValues(hostID).Set(float64(unclaimed))
	}

	zoneNames := make([]string, 0, len(groups))
	for z, members := range groups {
		sort.Strings(members)
		zoneNames = append(zoneNames, z)
	}
	sort.Strings(zoneNames)

	zc := &firewall.ZoneCollection{}
	for _, zone := range zoneNames {
		members := groups[zone]
		switch zone {
		case firewall.ZoneTrusted:
			zc.Trusted.InterfaceNames = members
			continue
		case firewall.ZoneDocker, firewall.ZoneLibvirt, firewall.ZoneLXC:
			zc.Reserved = append(zc.Reserved, firewall.ReservedZone{Name: zone, InterfaceNames: members})
			continue
		}

		data, err := a.provide(ctx, hostID, zone)
		if err != nil {
			return nil, err
		}
		if zone == firewall.ZoneExternal {
			zc.External = firewall.ExternalZone{
				InterfaceNames: members,
				Addresses:      data.Addresses,
				InboundRules:   data.InboundRules,
				OutboundRules:  data.OutboundRules,
				PortForwards:   data.PortForwards,
			}
			continue
		}
		zc.Custom = append(zc.Custom, firewall.Zone{
			Name:           zone,
			AddressSpace:   data.AddressSpace,
			InterfaceNames: members,
			InboundRules:   data.InboundRules,
			OutboundRules:  data.OutboundRules,
		})
	}

	a.logger.Debug("zones assembled", "host", hostID, "custom", len(zc.Custom),
		"external", len(zc.External.InterfaceNames), "unclaimed", unclaimed)
	return zc, nil
}

func (a *Assembler) provide(ctx context.Context, hostID, zone string) (*ZoneData, error) {
	p, err := a.registry.Owner(zone)
	if err != nil {
		return nil, fmt.Errorf("host %s: %w", hostID, err)
	}
	data, err := p.ProvideData(ctx, hostID, zone)
	if err != nil {
		return nil, fmt.Errorf("failed to read zone %s on %s: %w", zone, hostID, err)
	}
	if data == nil {
		data = &ZoneData{}
	}
	return data, nil
}

// NotifyChanged announces that something in hostID's zones changed. An empty
// hostID means every host.
func (a *Assembler) NotifyChanged(hostID string) {
	a.NotifyZoneChanged(hostID, "")
}

// NotifyZoneChanged announces a change to one zone.
func (a *Assembler) NotifyZoneChanged(hostID, zone string) {
	if a.hub == nil {
		return
	}
	a.hub.EmitZoneChanged(hostID, zone)
}
