package firewall

import (
	"fmt"
	"sort"
	"strings"

	"grimm.is/fleetwall/internal/netaddr"
)

// Direction selects a zone's inbound or outbound rule list.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Protocol is the L4 protocol a rule applies to.
type Protocol string

const (
	ProtocolAny  Protocol = "Any"
	ProtocolTCP  Protocol = "TCP"
	ProtocolUDP  Protocol = "UDP"
	ProtocolICMP Protocol = "ICMP"
)

// ParseProtocol accepts the protocol names case-insensitively. An empty
// string means Any.
func ParseProtocol(s string) (Protocol, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "any":
		return ProtocolAny, true
	case "tcp":
		return ProtocolTCP, true
	case "udp":
		return ProtocolUDP, true
	case "icmp":
		return ProtocolICMP, true
	}
	return "", false
}

// Action is the verdict of a rule.
type Action string

const (
	Allow Action = "Allow"
	Deny  Action = "Deny"
)

// ParseAction accepts "allow"/"accept" and "deny"/"drop".
func ParseAction(s string) (Action, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allow", "accept":
		return Allow, true
	case "deny", "drop":
		return Deny, true
	}
	return "", false
}

// Any is the wildcard token for ports and addresses.
const Any = "Any"

// TerminalPriority is the priority of the implicit rule that ends every list.
const TerminalPriority = 65535

// Rule is a declarative allow/deny rule. Ports, Source and Destination are
// either Any or comma separated lists (ports as N or N-M, addresses as IP or
// CIDR). Priorities are unique per host and direction; lower wins.
type Rule struct {
	Priority              uint16
	DestinationPortRanges string
	Protocol              Protocol
	Source                string
	Destination           string
	Action                Action
	Comment               string
}

// TerminalRule returns the implicit last rule for a direction: deny everything
// inbound, allow everything outbound.
func TerminalRule(dir Direction) Rule {
	action := Deny
	if dir == Outbound {
		action = Allow
	}
	return Rule{
		Priority:              TerminalPriority,
		DestinationPortRanges: Any,
		Protocol:              ProtocolAny,
		Source:                Any,
		Destination:           Any,
		Action:                action,
		Comment:               "implicit " + string(dir) + " " + strings.ToLower(string(action)),
	}
}

// WithTerminal returns rules sorted by priority followed by the terminal rule.
// The input is not modified.
func WithTerminal(rules []Rule, dir Direction) []Rule {
	out := make([]Rule, len(rules), len(rules)+1)
	copy(out, rules)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return append(out, TerminalRule(dir))
}

// PortForward redirects traffic hitting the host's external side to an
// address inside one of its custom zones. (Protocol, Port) is unique per host.
type PortForward struct {
	Protocol         Protocol
	Port             uint16
	TargetAddress    netaddr.IPv4
	TargetPort       uint16
	ExternalZoneOnly bool
	Comment          string
}

// Zone is a custom zone: one network segment with its own rules.
type Zone struct {
	Name           string
	AddressSpace   netaddr.CIDRRange
	InterfaceNames []string
	InboundRules   []Rule
	OutboundRules  []Rule
}

// ExternalZone is the internet facing side of a host.
type ExternalZone struct {
	InterfaceNames []string
	Addresses      []netaddr.IPv4
	InboundRules   []Rule
	OutboundRules  []Rule
	PortForwards   []PortForward
}

// TrustedZone holds interfaces whose traffic is always accepted.
type TrustedZone struct {
	InterfaceNames []string
}

// ReservedZone is a container or VM runtime bridge zone. Its runtime owns its
// filtering, so it never gets chains of its own.
type ReservedZone struct {
	Name           string
	InterfaceNames []string
}

// Reserved zone names.
const (
	ZoneExternal = "external"
	ZoneTrusted  = "trusted"
	ZoneDocker   = "docker"
	ZoneLibvirt  = "libvirt"
	ZoneLXC      = "lxc"
)

// IsReservedZoneName reports whether name belongs to a built-in zone.
func IsReservedZoneName(name string) bool {
	switch name {
	case ZoneExternal, ZoneTrusted, ZoneDocker, ZoneLibvirt, ZoneLXC:
		return true
	}
	return false
}

// ZoneCollection is every zone of one host at one instant. It is rebuilt on
// each recomputation and never patched.
type ZoneCollection struct {
	Custom   []Zone
	External ExternalZone
	Trusted  TrustedZone
	Reserved []ReservedZone
}

// ZoneFor returns the custom zone whose address space contains addr.
func (zc *ZoneCollection) ZoneFor(addr netaddr.IPv4) (*Zone, bool) {
	for i := range zc.Custom {
		if zc.Custom[i].AddressSpace.Includes(addr) {
			return &zc.Custom[i], true
		}
	}
	return nil, false
}

// ZoneByInterface returns the custom zone owning nic.
func (zc *ZoneCollection) ZoneByInterface(nic string) (*Zone, bool) {
	for i := range zc.Custom {
		for _, n := range zc.Custom[i].InterfaceNames {
			if n == nic {
				return &zc.Custom[i], true
			}
		}
	}
	return nil, false
}

// chainSuffix makes a zone name legal inside a chain identifier.
func chainSuffix(zone string) string {
	return strings.ReplaceAll(zone, "-", "_")
}

// EnterChain is the chain holding a zone's inbound rules.
func EnterChain(zone string) string { return "ENTER_zone_" + chainSuffix(zone) }

// ExitChain is the chain holding a zone's outbound rules.
func ExitChain(zone string) string { return "EXIT_zone_" + chainSuffix(zone) }

// BridgeChain is the per-zone chain in the bridge filter table.
func BridgeChain(zone string) string { return "zone_" + chainSuffix(zone) }

// ClassifyInterface maps a NIC to a built-in zone by name. Name rules run
// before any provider is consulted, so a segment NIC matching one is
// shadowed.
func ClassifyInterface(nic string) (zone string, ok bool) {
	switch {
	case nic == "lo":
		return ZoneTrusted, true
	case strings.HasPrefix(nic, "en"), strings.HasPrefix(nic, "eth"):
		return ZoneExternal, true
	case strings.HasPrefix(nic, "docker"), strings.HasPrefix(nic, "br-"), strings.HasPrefix(nic, "veth"):
		return ZoneDocker, true
	case strings.HasPrefix(nic, "virbr"), strings.HasPrefix(nic, "tap"):
		return ZoneLibvirt, true
	case strings.HasPrefix(nic, "lxcbr"), strings.HasPrefix(nic, "lxdbr"):
		return ZoneLXC, true
	}
	return "", false
}

// CheckSegmentInterface rejects segment NICs that a built-in zone would claim.
func CheckSegmentInterface(nic string) error {
	if zone, ok := ClassifyInterface(nic); ok {
		return fmt.Errorf("%w: %s would be classified into zone %s", ErrShadowedInterface, nic, zone)
	}
	return nil
}
