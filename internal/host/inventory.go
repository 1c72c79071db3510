package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"grimm.is/fleetwall/internal/netaddr"
)

// AddrInfo is one address of an interface, in `ip -j addr` shape.
type AddrInfo struct {
	Family    string `json:"family"`
	Local     string `json:"local"`
	PrefixLen int    `json:"prefixlen"`
}

// Interface is a network interface and its addresses.
type Interface struct {
	IfName   string     `json:"ifname"`
	AddrInfo []AddrInfo `json:"addr_info"`
}

// IPv4Ranges returns the interface's IPv4 networks.
func (i Interface) IPv4Ranges() []netaddr.CIDRRange {
	var out []netaddr.CIDRRange
	for _, a := range i.AddrInfo {
		if a.Family != "inet" {
			continue
		}
		ip, err := netaddr.ParseIPv4(a.Local)
		if err != nil || a.PrefixLen < 0 || a.PrefixLen > 32 {
			continue
		}
		out = append(out, netaddr.FromIP(ip, uint8(a.PrefixLen)))
	}
	return out
}

// ExternalSubnet is the host's primary internet-facing IPv4 address.
type ExternalSubnet struct {
	Interface string
	Address   netaddr.IPv4
	Subnet    netaddr.CIDRRange
}

// ErrNoDefaultRoute is returned when a host has no IPv4 default route.
var ErrNoDefaultRoute = errors.New("no IPv4 default route")

// Inventory reads a host's interfaces.
type Inventory interface {
	QueryAllNetworkInterfaces(ctx context.Context, hostID string) ([]string, error)
	QueryAllNetworkInterfacesWithAddresses(ctx context.Context, hostID string) ([]Interface, error)
	QueryExternalIPv4Subnet(ctx context.Context, hostID string) (ExternalSubnet, error)
}

// CLIInventory reads interfaces through `ip -j` on any reachable host.
type CLIInventory struct {
	Runners Source
}

// NewCLIInventory creates an inventory backed by the given runners.
func NewCLIInventory(runners Source) *CLIInventory {
	return &CLIInventory{Runners: runners}
}

// QueryAllNetworkInterfaces returns interface names.
func (inv *CLIInventory) QueryAllNetworkInterfaces(ctx context.Context, hostID string) ([]string, error) {
	ifaces, err := inv.QueryAllNetworkInterfacesWithAddresses(ctx, hostID)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(ifaces))
	for i, iface := range ifaces {
		names[i] = iface.IfName
	}
	return names, nil
}

// QueryAllNetworkInterfacesWithAddresses returns interfaces with addresses.
func (inv *CLIInventory) QueryAllNetworkInterfacesWithAddresses(ctx context.Context, hostID string) ([]Interface, error) {
	r, err := inv.Runners.Runner(ctx, hostID)
	if err != nil {
		return nil, err
	}
	out, err := r.Output(ctx, "ip", "-j", "addr", "show")
	if err != nil {
		return nil, fmt.Errorf("failed to list interfaces on %s: %w", hostID, err)
	}
	return ParseAddrJSON(out)
}

type routeJSON struct {
	Dst string `json:"dst"`
	Dev string `json:"dev"`
}

// QueryExternalIPv4Subnet finds the interface holding the default route and
// returns its first IPv4 address.
func (inv *CLIInventory) QueryExternalIPv4Subnet(ctx context.Context, hostID string) (ExternalSubnet, error) {
	r, err := inv.Runners.Runner(ctx, hostID)
	if err != nil {
		return ExternalSubnet{}, err
	}
	out, err := r.Output(ctx, "ip", "-j", "-4", "route", "show", "default")
	if err != nil {
		return ExternalSubnet{}, fmt.Errorf("failed to read routes on %s: %w", hostID, err)
	}
	var routes []routeJSON
	if err := json.Unmarshal(out, &routes); err != nil {
		return ExternalSubnet{}, fmt.Errorf("failed to parse routes on %s: %w", hostID, err)
	}
	if len(routes) == 0 || routes[0].Dev == "" {
		return ExternalSubnet{}, fmt.Errorf("%w on %s", ErrNoDefaultRoute, hostID)
	}
	ifaces, err := inv.QueryAllNetworkInterfacesWithAddresses(ctx, hostID)
	if err != nil {
		return ExternalSubnet{}, err
	}
	return externalFrom(ifaces, routes[0].Dev, hostID)
}

func externalFrom(ifaces []Interface, dev, hostID string) (ExternalSubnet, error) {
	for _, iface := range ifaces {
		if iface.IfName != dev {
			continue
		}
		for _, a := range iface.AddrInfo {
			if a.Family != "inet" {
				continue
			}
			ip, err := netaddr.ParseIPv4(a.Local)
			if err != nil {
				continue
			}
			return ExternalSubnet{
				Interface: dev,
				Address:   ip,
				Subnet:    netaddr.FromIP(ip, uint8(a.PrefixLen)),
			}, nil
		}
	}
	return ExternalSubnet{}, fmt.Errorf("default route device %s on %s has no IPv4 address", dev, hostID)
}

// ParseAddrJSON parses `ip -j addr show` output.
func ParseAddrJSON(data []byte) ([]Interface, error) {
	var ifaces []Interface
	if err := json.Unmarshal(data, &ifaces); err != nil {
		return nil, fmt.Errorf("failed to parse ip addr output: %w", err)
	}
	return ifaces, nil
}

// InventoryRouter sends each host to its own inventory, and every other host
// to Default.
type InventoryRouter struct {
	Default Inventory
	Hosts   map[string]Inventory
}

func (r *InventoryRouter) pick(hostID string) Inventory {
	if inv, ok := r.Hosts[hostID]; ok {
		return inv
	}
	return r.Default
}

func (r *InventoryRouter) QueryAllNetworkInterfaces(ctx context.Context, hostID string) ([]string, error) {
	return r.pick(hostID).QueryAllNetworkInterfaces(ctx, hostID)
}

func (r *InventoryRouter) QueryAllNetworkInterfacesWithAddresses(ctx context.Context, hostID string) ([]Interface, error) {
	return r.pick(hostID).QueryAllNetworkInterfacesWithAddresses(ctx, hostID)
}

func (r *InventoryRouter) QueryExternalIPv4Subnet(ctx context.Context, hostID string) (ExternalSubnet, error) {
	return r.pick(hostID).QueryExternalIPv4Subnet(ctx, hostID)
}
