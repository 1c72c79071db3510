package zones

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"grimm.is/fleetwall/internal/firewall"
	"grimm.is/fleetwall/internal/host"
	"grimm.is/fleetwall/internal/netaddr"
	"grimm.is/fleetwall/internal/state"
)

// Prefixes of the built-in providers.
const (
	PrefixExternal = firewall.ZoneExternal
	PrefixVNet     = "vnet-"
	PrefixVPN      = "vpn-"
)

// RuleSource reads stored rules. *state.SQLiteStore implements it.
type RuleSource interface {
	FirewallRules(ctx context.Context, hostID, zone string, dir firewall.Direction) ([]firewall.Rule, error)
	PortForwards(ctx context.Context, hostID string) ([]firewall.PortForward, error)
}

func zoneRules(ctx context.Context, src RuleSource, hostID, zone string, data *ZoneData) error {
	var err error
	if data.InboundRules, err = src.FirewallRules(ctx, hostID, zone, firewall.Inbound); err != nil {
		return fmt.Errorf("failed to read inbound rules of %s: %w", zone, err)
	}
	if data.OutboundRules, err = src.FirewallRules(ctx, hostID, zone, firewall.Outbound); err != nil {
		return fmt.Errorf("failed to read outbound rules of %s: %w", zone, err)
	}
	return nil
}

// HostProvider owns the external zone: host-level rules, port forwards, and
// the address on the default route.
type HostProvider struct {
	Rules     RuleSource
	Inventory host.Inventory
}

func (p *HostProvider) Prefix() string { return PrefixExternal }

// MatchInterface claims the default route's NIC when its name does not
// already classify it as external.
func (p *HostProvider) MatchInterface(ctx context.Context, hostID, nic string) (string, bool, error) {
	ext, err := p.Inventory.QueryExternalIPv4Subnet(ctx, hostID)
	if errors.Is(err, host.ErrNoDefaultRoute) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return firewall.ZoneExternal, ext.Interface == nic, nil
}

func (p *HostProvider) ProvideData(ctx context.Context, hostID, zone string) (*ZoneData, error) {
	if zone != firewall.ZoneExternal {
		return nil, fmt.Errorf("%w: %s", firewall.ErrUnknownZone, zone)
	}
	data := &ZoneData{}
	ext, err := p.Inventory.QueryExternalIPv4Subnet(ctx, hostID)
	switch {
	case errors.Is(err, host.ErrNoDefaultRoute):
	case err != nil:
		return nil, err
	default:
		data.AddressSpace = ext.Subnet
		data.Addresses = []netaddr.IPv4{ext.Address}
	}
	if err := zoneRules(ctx, p.Rules, hostID, zone, data); err != nil {
		return nil, err
	}
	if data.PortForwards, err = p.Rules.PortForwards(ctx, hostID); err != nil {
		return nil, fmt.Errorf("failed to read port forwards: %w", err)
	}
	return data, nil
}

// VirtualNetworkSource reads stored virtual networks.
type VirtualNetworkSource interface {
	VirtualNetwork(ctx context.Context, hostID, name string) (state.VirtualNetwork, error)
	VirtualNetworkByBridge(ctx context.Context, hostID, nic string) (state.VirtualNetwork, error)
}

// VirtualNetworkProvider owns the "vnet-<name>" zones, one per bridged VM
// network.
type VirtualNetworkProvider struct {
	Rules    RuleSource
	Networks VirtualNetworkSource
}

func (p *VirtualNetworkProvider) Prefix() string { return PrefixVNet }

func (p *VirtualNetworkProvider) MatchInterface(ctx context.Context, hostID, nic string) (string, bool, error) {
	vn, err := p.Networks.VirtualNetworkByBridge(ctx, hostID, nic)
	if state.IsNotFound(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return PrefixVNet + vn.Name, true, nil
}

func (p *VirtualNetworkProvider) ProvideData(ctx context.Context, hostID, zone string) (*ZoneData, error) {
	vn, err := p.Networks.VirtualNetwork(ctx, hostID, strings.TrimPrefix(zone, PrefixVNet))
	if err != nil {
		return nil, fmt.Errorf("failed to read virtual network for %s: %w", zone, err)
	}
	data := &ZoneData{AddressSpace: vn.AddressSpace}
	if err := zoneRules(ctx, p.Rules, hostID, zone, data); err != nil {
		return nil, err
	}
	return data, nil
}

// VPNGatewaySource reads stored VPN gateways.
type VPNGatewaySource interface {
	VPNGateway(ctx context.Context, hostID, name string) (state.VPNGateway, error)
	VPNGatewayByInterface(ctx context.Context, hostID, nic string) (state.VPNGateway, error)
}

// VPNGatewayProvider owns the "vpn-<name>" zones, one per tunnel interface.
type VPNGatewayProvider struct {
	Rules    RuleSource
	Gateways VPNGatewaySource
}

func (p *VPNGatewayProvider) Prefix() string { return PrefixVPN }

func (p *VPNGatewayProvider) MatchInterface(ctx context.Context, hostID, nic string) (string, bool, error) {
	gw, err := p.Gateways.VPNGatewayByInterface(ctx, hostID, nic)
	if state.IsNotFound(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return PrefixVPN + gw.Name, true, nil
}

func (p *VPNGatewayProvider) ProvideData(ctx context.Context, hostID, zone string) (*ZoneData, error) {
	gw, err := p.Gateways.VPNGateway(ctx, hostID, strings.TrimPrefix(zone, PrefixVPN))
	if err != nil {
		return nil, fmt.Errorf("failed to read vpn gateway for %s: %w", zone, err)
	}
	data := &ZoneData{AddressSpace: gw.AddressSpace}
	if err := zoneRules(ctx, p.Rules, hostID, zone, data); err != nil {
		return nil, err
	}
	return data, nil
}

// NewDefaultRegistry registers the built-in providers over one store.
func NewDefaultRegistry(store *state.SQLiteStore, inv host.Inventory) *Registry {
	return NewRegistry().MustRegister(
		&HostProvider{Rules: store, Inventory: inv},
		&VirtualNetworkProvider{Rules: store, Networks: store},
		&VPNGatewayProvider{Rules: store, Gateways: store},
	)
}
