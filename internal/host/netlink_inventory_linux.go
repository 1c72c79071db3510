//go:build linux

package host

import (
	"context"
	"fmt"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
)

// NetlinkInventory reads the inventory of the local machine over netlink,
// optionally inside a named network namespace. It serves only the local host.
type NetlinkInventory struct {
	LocalHost string
	// Namespace is an `ip netns` name; empty means the current namespace.
	Namespace string
}

func (inv *NetlinkInventory) handle(hostID string) (*netlink.Handle, error) {
	if hostID != inv.LocalHost {
		return nil, fmt.Errorf("%w: %s is not the local host", ErrUnknownHost, hostID)
	}
	if inv.Namespace == "" {
		return netlink.NewHandle()
	}
	ns, err := netns.GetFromName(inv.Namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to open netns %s: %w", inv.Namespace, err)
	}
	defer ns.Close()
	return netlink.NewHandleAt(ns)
}

// QueryAllNetworkInterfaces returns interface names.
func (inv *NetlinkInventory) QueryAllNetworkInterfaces(ctx context.Context, hostID string) ([]string, error) {
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
func (inv *NetlinkInventory) QueryAllNetworkInterfacesWithAddresses(_ context.Context, hostID string) ([]Interface, error) {
	h, err := inv.handle(hostID)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	links, err := h.LinkList()
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}
	out := make([]Interface, 0, len(links))
	for _, link := range links {
		iface := Interface{IfName: link.Attrs().Name}
		for _, fam := range []int{unix.AF_INET, unix.AF_INET6} {
			addrs, err := h.AddrList(link, fam)
			if err != nil {
				continue
			}
			for _, a := range addrs {
				ones, _ := a.IPNet.Mask.Size()
				family := "inet"
				if fam == unix.AF_INET6 {
					family = "inet6"
				}
				iface.AddrInfo = append(iface.AddrInfo, AddrInfo{
					Family:    family,
					Local:     a.IP.String(),
					PrefixLen: ones,
				})
			}
		}
		out = append(out, iface)
	}
	return out, nil
}

// QueryExternalIPv4Subnet returns the address on the default route's link.
func (inv *NetlinkInventory) QueryExternalIPv4Subnet(ctx context.Context, hostID string) (ExternalSubnet, error) {
	h, err := inv.handle(hostID)
	if err != nil {
		return ExternalSubnet{}, err
	}
	routes, err := h.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		h.Close()
		return ExternalSubnet{}, fmt.Errorf("failed to list routes: %w", err)
	}
	linkIndex := -1
	for _, r := range routes {
		if r.Dst == nil {
			linkIndex = r.LinkIndex
			break
		}
		if ones, _ := r.Dst.Mask.Size(); ones == 0 {
			linkIndex = r.LinkIndex
			break
		}
	}
	if linkIndex < 0 {
		h.Close()
		return ExternalSubnet{}, fmt.Errorf("%w on %s", ErrNoDefaultRoute, hostID)
	}
	link, err := h.LinkByIndex(linkIndex)
	h.Close()
	if err != nil {
		return ExternalSubnet{}, fmt.Errorf("failed to resolve default route link: %w", err)
	}

	ifaces, err := inv.QueryAllNetworkInterfacesWithAddresses(ctx, hostID)
	if err != nil {
		return ExternalSubnet{}, err
	}
	return externalFrom(ifaces, link.Attrs().Name, hostID)
}
