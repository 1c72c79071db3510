// Package simulator answers what-if questions about how the fleet's
// firewalls would handle a packet, without sending any traffic.
package simulator

import (
	"context"
	"fmt"
	"strings"

	"grimm.is/fleetwall/internal/firewall"
	"grimm.is/fleetwall/internal/host"
	"grimm.is/fleetwall/internal/logging"
	"grimm.is/fleetwall/internal/netaddr"
)

const maxHops = 8

// HostLister lists the fleet's host ids. *host.Fleet implements it.
type HostLister interface {
	Hosts() []string
}

// ZoneSource assembles a host's zones. *zones.Assembler implements it.
type ZoneSource interface {
	Assemble(ctx context.Context, hostID string) (*firewall.ZoneCollection, error)
}

// Request describes the hypothetical packet.
type Request struct {
	Protocol firewall.Protocol
	Source   string
	Target   string
	Port     uint16
}

// Result is the outcome of a simulation. Lines is the human readable trace.
type Result struct {
	Lines    []string
	Admitted bool
	// Decision is the rule that decided admission, nil on a dead end.
	Decision *firewall.Decision
	Origin   Location
	Reached  Location
}

// Simulator is read-only: it never changes zone or firewall state.
type Simulator struct {
	hosts     HostLister
	zones     ZoneSource
	inventory host.Inventory
	logger    *logging.Logger
}

// New creates a simulator. inv may be nil, in which case the first interface
// of a zone is taken as its bridge.
func New(hosts HostLister, zones ZoneSource, inv host.Inventory, logger *logging.Logger) *Simulator {
	if logger == nil {
		logger = logging.WithComponent("simulator")
	}
	return &Simulator{hosts: hosts, zones: zones, inventory: inv, logger: logger}
}

type run struct {
	ctx   context.Context
	sim   *Simulator
	snap  *snapshot
	proto firewall.Protocol
	src   netaddr.IPv4
	res   *Result
}

func (r *run) logf(format string, args ...any) {
	r.res.Lines = append(r.res.Lines, fmt.Sprintf(format, args...))
}

// Simulate traces req through the fleet. Only malformed input is an error;
// unreachable targets end the trace with a "no route found" line.
func (s *Simulator) Simulate(ctx context.Context, req Request) (*Result, error) {
	src, err := netaddr.ParseIPv4(req.Source)
	if err != nil {
		return nil, fmt.Errorf("invalid source address: %w", err)
	}
	dst, err := netaddr.ParseIPv4(req.Target)
	if err != nil {
		return nil, fmt.Errorf("invalid target address: %w", err)
	}
	proto := req.Protocol
	if proto == "" {
		proto = firewall.ProtocolTCP
	}
	if proto == firewall.ProtocolAny {
		return nil, fmt.Errorf("%w: simulated packets need a concrete protocol", firewall.ErrInvalidRule)
	}

	res := &Result{}
	r := &run{ctx: ctx, sim: s, proto: proto, src: src, res: res}
	r.snap = s.snapshot(ctx, r)

	res.Origin = r.snap.resolve(src)
	target := r.snap.resolve(dst)
	r.logf("origin %s is on %s", src, res.Origin)
	r.logf("target %s is on %s", dst, target)

	r.route(res.Origin, target, dst, req.Port, "", 0)
	s.logger.Debug("simulation finished", "source", src.String(), "target", dst.String(),
		"admitted", res.Admitted, "steps", len(res.Lines))
	return res, nil
}

func (s *Simulator) snapshot(ctx context.Context, r *run) *snapshot {
	zones := make(map[string]*firewall.ZoneCollection)
	for _, id := range s.hosts.Hosts() {
		zc, err := s.zones.Assemble(ctx, id)
		if err != nil {
			s.logger.Warn("host skipped in simulation", "host", id, "error", err)
			r.logf("host %s unavailable: %v", id, err)
			continue
		}
		zones[id] = zc
	}
	return newSnapshot(zones)
}

func (r *run) packet(dst netaddr.IPv4, port uint16) firewall.Packet {
	return firewall.Packet{Protocol: r.proto, Source: r.src, Destination: dst, Port: port}
}

func (r *run) deadEnd(format string, args ...any) {
	r.logf("no route found: "+format, args...)
	r.res.Admitted = false
	r.res.Decision = nil
}

// route moves the packet from src towards dst. forwardedBy is the host
// that DNATed it, if any.
func (r *run) route(src, dst Location, addr netaddr.IPv4, port uint16, forwardedBy string, hops int) {
	r.res.Reached = dst
	if hops >= maxHops {
		r.deadEnd("gave up after %d hops", hops)
		return
	}

	switch d := dst.(type) {
	case HostsNetLocation:
		r.deadEnd("%s is outside the fleet", addr)

	case HostLocation:
		if hostOf(src) == d.HostID {
			r.sameHost(src, d, addr, port)
			return
		}
		if !r.leave(src, addr, port) {
			return
		}
		zc := r.snap.zones[d.HostID]
		if pf, ok := findForward(zc.External.PortForwards, r.proto, port, true); ok {
			r.dnat(src, d.HostID, addr, port, pf, hops)
			return
		}
		r.logf("%s: entry check on external zone", d.HostID)
		r.admit(zc.External.InboundRules, firewall.Inbound, "external inbound", r.packet(addr, port))

	case VNetLocation:
		r.toVNet(src, d, addr, port, forwardedBy)
	}
}

// leave checks the egress path of a packet leaving its origin host. It
// reports false when the packet is stopped there.
func (r *run) leave(src Location, addr netaddr.IPv4, port uint16) bool {
	switch s := src.(type) {
	case HostLocation:
		zc := r.snap.zones[s.HostID]
		r.logf("%s: leaves via external zone", s.HostID)
		d, err := firewall.Evaluate(zc.External.OutboundRules, firewall.Outbound, r.packet(addr, port))
		if err != nil || !d.Allowed() {
			r.admitWith(d, err, "external outbound")
			return false
		}
	case VNetLocation:
		z := r.snap.zone(s)
		r.logf("%s: forwarded out of zone %s", s.HostID, s.Zone)
		if z == nil {
			r.deadEnd("zone %s vanished on %s", s.Zone, s.HostID)
			return false
		}
		d, err := firewall.Evaluate(z.OutboundRules, firewall.Outbound, r.packet(addr, port))
		if err != nil || !d.Allowed() {
			r.admitWith(d, err, s.Zone+" outbound")
			return false
		}
		if ext := r.snap.zones[s.HostID].External.Addresses; len(ext) > 0 {
			r.logf("%s: masqueraded to %s", s.HostID, ext[0])
			r.src = ext[0]
		}
	}
	return true
}

// sameHost handles delivery to the host's own external address.
func (r *run) sameHost(src Location, d HostLocation, addr netaddr.IPv4, port uint16) {
	zc := r.snap.zones[d.HostID]
	switch s := src.(type) {
	case HostLocation:
		r.logf("%s: same host, delivered over loopback", d.HostID)
		r.res.Admitted = true
		r.res.Decision = &firewall.Decision{Action: firewall.Allow, Implicit: true, Comment: "trusted"}
	case VNetLocation:
		// A hairpin through a forward that is not external-only.
		if pf, ok := findForward(zc.External.PortForwards, r.proto, port, false); ok && len(zc.External.Addresses) > 0 {
			r.dnat(src, d.HostID, addr, port, pf, 0)
			return
		}
		z := r.snap.zone(s)
		if z == nil {
			r.deadEnd("zone %s vanished on %s", s.Zone, s.HostID)
			return
		}
		r.logf("%s: same host, entry check from zone %s", d.HostID, s.Zone)
		r.admit(z.OutboundRules, firewall.Outbound, s.Zone+" outbound", r.packet(addr, port))
	}
}

func (r *run) dnat(src Location, hostID string, addr netaddr.IPv4, port uint16, pf firewall.PortForward, hops int) {
	r.logf("%s: DNAT %s %s:%d to %s:%d", hostID, strings.ToLower(string(pf.Protocol)), addr, port, pf.TargetAddress, pf.TargetPort)
	next, ok := r.snap.resolveOn(hostID, pf.TargetAddress)
	if !ok {
		next = r.snap.resolve(pf.TargetAddress)
	}
	r.logf("forward target %s is on %s", pf.TargetAddress, next)
	r.route(src, next, pf.TargetAddress, pf.TargetPort, hostID, hops+1)
}

func (r *run) toVNet(src Location, d VNetLocation, addr netaddr.IPv4, port uint16, forwardedBy string) {
	z := r.snap.zone(d)
	if z == nil {
		r.deadEnd("zone %s vanished on %s", d.Zone, d.HostID)
		return
	}

	switch {
	case forwardedBy == d.HostID:
		r.logf("%s: enters zone %s", d.HostID, d.Zone)
		r.admit(z.InboundRules, firewall.Inbound, d.Zone+" inbound", r.packet(addr, port))

	case forwardedBy != "":
		r.deadEnd("%s forwarded into %s, which is not its own zone", forwardedBy, d)

	case hostOf(src) != d.HostID:
		r.deadEnd("%s is private to %s", addr, d.HostID)

	default:
		switch s := src.(type) {
		case HostLocation:
			bridge, ok := r.bridgeFor(d.HostID, z, addr)
			if !ok {
				r.deadEnd("no interface on %s holds %s", d.HostID, addr)
				return
			}
			r.logf("%s: host to own zone %s via %s", d.HostID, d.Zone, bridge)
			r.admit(z.InboundRules, firewall.Inbound, d.Zone+" inbound", r.packet(addr, port))
		case VNetLocation:
			if s.Zone == d.Zone {
				r.logf("%s: bridged inside zone %s", d.HostID, d.Zone)
				r.admit(z.InboundRules, firewall.Inbound, d.Zone+" inbound", r.packet(addr, port))
				return
			}
			from := r.snap.zone(s)
			if from == nil {
				r.deadEnd("zone %s vanished on %s", s.Zone, s.HostID)
				return
			}
			r.logf("%s: forwarded from zone %s to zone %s", d.HostID, s.Zone, d.Zone)
			r.admit(from.OutboundRules, firewall.Outbound, s.Zone+" outbound", r.packet(addr, port))
		}
	}
}

// bridgeFor finds the host interface whose subnet contains addr.
func (r *run) bridgeFor(hostID string, z *firewall.Zone, addr netaddr.IPv4) (string, bool) {
	if r.sim.inventory == nil {
		if len(z.InterfaceNames) == 0 {
			return "", false
		}
		return z.InterfaceNames[0], true
	}
	ifaces, err := r.sim.inventory.QueryAllNetworkInterfacesWithAddresses(r.ctx, hostID)
	if err != nil {
		r.logf("%s: interface lookup failed: %v", hostID, err)
		return "", false
	}
	for _, iface := range ifaces {
		for _, subnet := range iface.IPv4Ranges() {
			if subnet.Includes(addr) {
				return iface.IfName, true
			}
		}
	}
	return "", false
}

func (r *run) admit(rules []firewall.Rule, dir firewall.Direction, what string, p firewall.Packet) {
	d, err := firewall.Evaluate(rules, dir, p)
	r.admitWith(d, err, what)
}

func (r *run) admitWith(d firewall.Decision, err error, what string) {
	if err != nil {
		r.logf("%s: rules cannot be evaluated: %v", what, err)
		r.res.Admitted = false
		r.res.Decision = nil
		return
	}
	verb := "admitted"
	if !d.Allowed() {
		verb = "blocked"
	}
	switch {
	case d.Implicit:
		r.logf("%s: %s by implicit rule (%s)", what, verb, d.Comment)
	case d.Comment != "":
		r.logf("%s: %s by rule priority %d (%s)", what, verb, d.Priority, d.Comment)
	default:
		r.logf("%s: %s by rule priority %d", what, verb, d.Priority)
	}
	r.res.Admitted = d.Allowed()
	r.res.Decision = &d
}

// findForward returns the forward for proto/port. arrivingExternal says
// whether the packet came in on an external interface.
func findForward(forwards []firewall.PortForward, proto firewall.Protocol, port uint16, arrivingExternal bool) (firewall.PortForward, bool) {
	for _, pf := range forwards {
		if pf.Protocol != proto || pf.Port != port {
			continue
		}
		if pf.ExternalZoneOnly && !arrivingExternal {
			continue
		}
		return pf, true
	}
	return firewall.PortForward{}, false
}
