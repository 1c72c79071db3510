package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"grimm.is/fleetwall/internal/firewall"
	"grimm.is/fleetwall/internal/host"
	"grimm.is/fleetwall/internal/netaddr"
	"grimm.is/fleetwall/internal/state"
)

// HostSpecs returns the fleet's host specs in file order.
func (c *Config) HostSpecs() []host.Spec {
	specs := make([]host.Spec, 0, len(c.Hosts))
	for _, h := range c.Hosts {
		specs = append(specs, h.Spec())
	}
	return specs
}

// Spec converts the block to a host spec.
func (h *Host) Spec() host.Spec {
	s := host.Spec{ID: h.ID, Local: h.Local}
	if h.Local {
		return s
	}
	port := h.Port
	if port == 0 {
		port = 22
	}
	s.SSH = host.SSHConfig{
		Address:        net.JoinHostPort(h.Address, strconv.Itoa(port)),
		User:           h.User,
		PrivateKeyFile: h.PrivateKeyFile,
		KnownHostsFile: h.KnownHostsFile,
	}
	if d, err := time.ParseDuration(h.Timeout); err == nil {
		s.SSH.Timeout = d
	}
	return s
}

func orAny(s string) string {
	if strings.TrimSpace(s) == "" {
		return firewall.Any
	}
	return s
}

// Record converts the block to a store record. The rule's ports and
// addresses are checked the same way the compiler reads them.
func (r *FirewallRule) Record() (state.RuleRecord, error) {
	if err := validRuleZone(r.Zone); err != nil {
		return state.RuleRecord{}, err
	}
	dir := firewall.Direction(strings.ToLower(r.Direction))
	if dir != firewall.Inbound && dir != firewall.Outbound {
		return state.RuleRecord{}, fmt.Errorf("%w: direction %q", firewall.ErrInvalidRule, r.Direction)
	}
	if r.Priority < 0 || r.Priority >= firewall.TerminalPriority {
		return state.RuleRecord{}, fmt.Errorf("%w: priority %d out of range", firewall.ErrInvalidRule, r.Priority)
	}
	proto, ok := firewall.ParseProtocol(r.Protocol)
	if !ok {
		return state.RuleRecord{}, fmt.Errorf("%w: protocol %q", firewall.ErrInvalidRule, r.Protocol)
	}
	action, ok := firewall.ParseAction(r.Action)
	if !ok {
		return state.RuleRecord{}, fmt.Errorf("%w: action %q", firewall.ErrInvalidRule, r.Action)
	}
	rule := firewall.Rule{
		Priority:              uint16(r.Priority),
		DestinationPortRanges: orAny(r.Ports),
		Protocol:              proto,
		Source:                orAny(r.Source),
		Destination:           orAny(r.Destination),
		Action:                action,
		Comment:               r.Comment,
	}
	if _, err := firewall.Flatten(rule); err != nil {
		return state.RuleRecord{}, err
	}
	return state.RuleRecord{HostID: r.Host, Zone: r.Zone, Direction: dir, Rule: rule}, nil
}

// Forward converts the block to a port forward.
func (p *PortForward) Forward() (firewall.PortForward, error) {
	proto, ok := firewall.ParseProtocol(p.Protocol)
	if !ok || (proto != firewall.ProtocolTCP && proto != firewall.ProtocolUDP) {
		return firewall.PortForward{}, fmt.Errorf("%w: forward protocol must be tcp or udp, got %q", firewall.ErrInvalidRule, p.Protocol)
	}
	target, err := netaddr.ParseIPv4(p.Target)
	if err != nil {
		return firewall.PortForward{}, fmt.Errorf("%w: target: %v", firewall.ErrInvalidRule, err)
	}
	tport := p.TargetPort
	if tport == 0 {
		tport = p.Port
	}
	for _, port := range []int{p.Port, tport} {
		if port < 1 || port > 65535 {
			return firewall.PortForward{}, fmt.Errorf("%w: port %d out of range", firewall.ErrInvalidRule, port)
		}
	}
	return firewall.PortForward{
		Protocol:         proto,
		Port:             uint16(p.Port),
		TargetAddress:    target,
		TargetPort:       uint16(tport),
		ExternalZoneOnly: p.ExternalZoneOnly,
		Comment:          p.Comment,
	}, nil
}

// Record converts the block to a store record.
func (v *VirtualNetwork) Record() (state.VirtualNetwork, error) {
	space, err := netaddr.ParseCIDR(v.AddressSpace)
	if err != nil {
		return state.VirtualNetwork{}, fmt.Errorf("virtual network %s: %w", v.Name, err)
	}
	return state.VirtualNetwork{HostID: v.Host, Name: v.Name, Bridge: v.Bridge, AddressSpace: space}, nil
}

// Record converts the block to a store record.
func (g *VPNGateway) Record() (state.VPNGateway, error) {
	space, err := netaddr.ParseCIDR(g.AddressSpace)
	if err != nil {
		return state.VPNGateway{}, fmt.Errorf("vpn gateway %s: %w", g.Name, err)
	}
	return state.VPNGateway{HostID: g.Host, Name: g.Name, Interface: g.Interface, AddressSpace: space}, nil
}
