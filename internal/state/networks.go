package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"grimm.is/fleetwall/internal/firewall"
	"grimm.is/fleetwall/internal/netaddr"
)

// VirtualNetwork is a bridged VM network on one host. Its zone is
// "vnet-<Name>" and its NIC is Bridge.
type VirtualNetwork struct {
	HostID       string
	Name         string
	Bridge       string
	AddressSpace netaddr.CIDRRange
}

// VPNGateway is a tunnel endpoint on one host. Its zone is "vpn-<Name>" and
// its NIC is Interface.
type VPNGateway struct {
	HostID       string
	Name         string
	Interface    string
	AddressSpace netaddr.CIDRRange
}

// segment is the shared shape of virtual_networks and vpn_gateways rows.
type segment struct {
	host, name, nic string
	space           netaddr.CIDRRange
}

type segmentTable struct {
	table   string
	nicCol  string
	display string
}

var (
	vnetTable = segmentTable{table: "virtual_networks", nicCol: "bridge", display: "virtual network"}
	vpnTable  = segmentTable{table: "vpn_gateways", nicCol: "interface", display: "vpn gateway"}
)

func (s *SQLiteStore) putSegment(ctx context.Context, t segmentTable, seg segment) error {
	if seg.name == "" || seg.nic == "" {
		return fmt.Errorf("%s needs a name and an interface", t.display)
	}
	if err := firewall.CheckSegmentInterface(seg.nic); err != nil {
		return fmt.Errorf("%s %s: %w", t.display, seg.name, err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO `+t.table+` (host_id, name, `+t.nicCol+`, address_space, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(host_id, name) DO UPDATE SET
				`+t.nicCol+` = excluded.`+t.nicCol+`,
				address_space = excluded.address_space,
				updated_at = excluded.updated_at`,
			seg.host, seg.name, seg.nic, seg.space.String(), now())
		return err
	})
}

func (s *SQLiteStore) deleteSegment(ctx context.Context, t segmentTable, hostID, name string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM `+t.table+` WHERE host_id = ? AND name = ?`, hostID, name)
		if err != nil {
			return err
		}
		return mustAffect(res, t.display+" "+hostID+"/"+name)
	})
}

func (s *SQLiteStore) listSegments(ctx context.Context, t segmentTable, where string, args ...any) ([]segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT host_id, name, `+t.nicCol+`, address_space FROM `+t.table+
		` `+where+` ORDER BY host_id, name`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", t.table, err)
	}
	defer rows.Close()

	var out []segment
	for rows.Next() {
		var (
			seg   segment
			space string
		)
		if err := rows.Scan(&seg.host, &seg.name, &seg.nic, &space); err != nil {
			return nil, err
		}
		if seg.space, err = netaddr.ParseCIDR(space); err != nil {
			return nil, fmt.Errorf("corrupt %s %s: %w", t.display, seg.name, err)
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) oneSegment(ctx context.Context, t segmentTable, where string, args ...any) (segment, error) {
	segs, err := s.listSegments(ctx, t, where, args...)
	if err != nil {
		return segment{}, err
	}
	if len(segs) == 0 {
		return segment{}, fmt.Errorf("%s: %w", t.display, ErrNotFound)
	}
	return segs[0], nil
}

// PutVirtualNetwork creates or replaces a virtual network.
func (s *SQLiteStore) PutVirtualNetwork(ctx context.Context, vn VirtualNetwork) error {
	return s.putSegment(ctx, vnetTable, segment{host: vn.HostID, name: vn.Name, nic: vn.Bridge, space: vn.AddressSpace})
}

// DeleteVirtualNetwork removes a virtual network.
func (s *SQLiteStore) DeleteVirtualNetwork(ctx context.Context, hostID, name string) error {
	return s.deleteSegment(ctx, vnetTable, hostID, name)
}

// VirtualNetworks returns a host's virtual networks. An empty hostID lists
// every host.
func (s *SQLiteStore) VirtualNetworks(ctx context.Context, hostID string) ([]VirtualNetwork, error) {
	where, args := "", []any(nil)
	if hostID != "" {
		where, args = "WHERE host_id = ?", []any{hostID}
	}
	segs, err := s.listSegments(ctx, vnetTable, where, args...)
	if err != nil {
		return nil, err
	}
	out := make([]VirtualNetwork, len(segs))
	for i, seg := range segs {
		out[i] = seg.vnet()
	}
	return out, nil
}

// VirtualNetwork returns one virtual network by name.
func (s *SQLiteStore) VirtualNetwork(ctx context.Context, hostID, name string) (VirtualNetwork, error) {
	seg, err := s.oneSegment(ctx, vnetTable, "WHERE host_id = ? AND name = ?", hostID, name)
	return seg.vnet(), err
}

// VirtualNetworkByBridge returns the virtual network whose bridge is nic.
func (s *SQLiteStore) VirtualNetworkByBridge(ctx context.Context, hostID, nic string) (VirtualNetwork, error) {
	seg, err := s.oneSegment(ctx, vnetTable, "WHERE host_id = ? AND bridge = ?", hostID, nic)
	return seg.vnet(), err
}

func (seg segment) vnet() VirtualNetwork {
	return VirtualNetwork{HostID: seg.host, Name: seg.name, Bridge: seg.nic, AddressSpace: seg.space}
}

// PutVPNGateway creates or replaces a VPN gateway.
func (s *SQLiteStore) PutVPNGateway(ctx context.Context, gw VPNGateway) error {
	return s.putSegment(ctx, vpnTable, segment{host: gw.HostID, name: gw.Name, nic: gw.Interface, space: gw.AddressSpace})
}

// DeleteVPNGateway removes a VPN gateway.
func (s *SQLiteStore) DeleteVPNGateway(ctx context.Context, hostID, name string) error {
	return s.deleteSegment(ctx, vpnTable, hostID, name)
}

// VPNGateways returns a host's VPN gateways.
func (s *SQLiteStore) VPNGateways(ctx context.Context, hostID string) ([]VPNGateway, error) {
	segs, err := s.listSegments(ctx, vpnTable, "WHERE host_id = ?", hostID)
	if err != nil {
		return nil, err
	}
	out := make([]VPNGateway, len(segs))
	for i, seg := range segs {
		out[i] = seg.vpn()
	}
	return out, nil
}

// VPNGateway returns one VPN gateway by name.
func (s *SQLiteStore) VPNGateway(ctx context.Context, hostID, name string) (VPNGateway, error) {
	seg, err := s.oneSegment(ctx, vpnTable, "WHERE host_id = ? AND name = ?", hostID, name)
	return seg.vpn(), err
}

// VPNGatewayByInterface returns the gateway whose tunnel interface is nic.
func (s *SQLiteStore) VPNGatewayByInterface(ctx context.Context, hostID, nic string) (VPNGateway, error) {
	seg, err := s.oneSegment(ctx, vpnTable, "WHERE host_id = ? AND interface = ?", hostID, nic)
	return seg.vpn(), err
}

func (seg segment) vpn() VPNGateway {
	return VPNGateway{HostID: seg.host, Name: seg.name, Interface: seg.nic, AddressSpace: seg.space}
}

// IsNotFound reports whether err is a missing-row error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
