package firewall

import (
	"fmt"
	"strconv"
	"strings"

	"grimm.is/fleetwall/internal/netaddr"
	"grimm.is/fleetwall/internal/nft"
)

// PortRange is an inclusive destination port range.
type PortRange struct {
	From uint16
	To   uint16
}

func (p PortRange) String() string {
	if p.From == p.To {
		return strconv.Itoa(int(p.From))
	}
	return fmt.Sprintf("%d-%d", p.From, p.To)
}

// FlatRule is one concrete single-protocol match derived from a Rule.
// Nil fields match anything.
type FlatRule struct {
	Priority    uint16
	Action      Action
	Protocol    Protocol
	Ports       *PortRange
	Source      *netaddr.CIDRRange
	Destination *netaddr.CIDRRange
}

// Flatten expands a rule into the cross product of its port, source and
// destination tokens and its protocols. Protocol Any becomes TCP, UDP and ICMP
// without a port restriction, and TCP and UDP with one.
func Flatten(r Rule) ([]FlatRule, error) {
	ports, err := parsePortTokens(r.DestinationPortRanges)
	if err != nil {
		return nil, fmt.Errorf("%w: priority %d: %v", ErrInvalidRule, r.Priority, err)
	}
	sources, err := parseAddressTokens(r.Source)
	if err != nil {
		return nil, fmt.Errorf("%w: priority %d: source: %v", ErrInvalidRule, r.Priority, err)
	}
	destinations, err := parseAddressTokens(r.Destination)
	if err != nil {
		return nil, fmt.Errorf("%w: priority %d: destination: %v", ErrInvalidRule, r.Priority, err)
	}

	out := make([]FlatRule, 0, len(ports)*len(sources)*len(destinations)*3)
	for _, port := range ports {
		protocols, err := expandProtocol(r.Protocol, port != nil)
		if err != nil {
			return nil, fmt.Errorf("%w: priority %d: %v", ErrInvalidRule, r.Priority, err)
		}
		for _, src := range sources {
			for _, dst := range destinations {
				for _, proto := range protocols {
					out = append(out, FlatRule{
						Priority:    r.Priority,
						Action:      r.Action,
						Protocol:    proto,
						Ports:       port,
						Source:      src,
						Destination: dst,
					})
				}
			}
		}
	}
	return out, nil
}

func expandProtocol(p Protocol, hasPorts bool) ([]Protocol, error) {
	switch p {
	case ProtocolAny, "":
		if hasPorts {
			return []Protocol{ProtocolTCP, ProtocolUDP}, nil
		}
		return []Protocol{ProtocolTCP, ProtocolUDP, ProtocolICMP}, nil
	case ProtocolTCP, ProtocolUDP:
		return []Protocol{p}, nil
	case ProtocolICMP:
		if hasPorts {
			return nil, fmt.Errorf("ICMP cannot have destination ports")
		}
		return []Protocol{p}, nil
	}
	return nil, fmt.Errorf("unknown protocol %q", p)
}

func splitTokens(s string) []string {
	if strings.TrimSpace(s) == "" {
		return []string{Any}
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func isAny(tok string) bool {
	return strings.EqualFold(tok, Any)
}

func parsePortTokens(s string) ([]*PortRange, error) {
	var out []*PortRange
	for _, tok := range splitTokens(s) {
		if isAny(tok) {
			out = append(out, nil)
			continue
		}
		pr, err := parsePortRange(tok)
		if err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	return out, nil
}

func parsePortRange(tok string) (*PortRange, error) {
	from, to, isRange := strings.Cut(tok, "-")
	lo, err := strconv.ParseUint(strings.TrimSpace(from), 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q", tok)
	}
	hi := lo
	if isRange {
		hi, err = strconv.ParseUint(strings.TrimSpace(to), 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid port range %q", tok)
		}
	}
	if lo == 0 || hi < lo {
		return nil, fmt.Errorf("invalid port range %q", tok)
	}
	return &PortRange{From: uint16(lo), To: uint16(hi)}, nil
}

func parseAddressTokens(s string) ([]*netaddr.CIDRRange, error) {
	var out []*netaddr.CIDRRange
	for _, tok := range splitTokens(s) {
		if isAny(tok) {
			out = append(out, nil)
			continue
		}
		r, err := netaddr.ParseCIDR(tok)
		if err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, nil
}

// Conditions returns the netfilter match for the flat rule.
func (f FlatRule) Conditions() []nft.Condition {
	conds := []nft.Condition{
		nft.Match(nft.Meta{Key: "l4proto"}, nft.Value{V: strings.ToLower(string(f.Protocol))}),
	}
	if f.Source != nil {
		conds = append(conds, nft.Match(
			nft.Payload{Protocol: "ip", Field: "saddr"},
			nft.Prefix{Addr: f.Source.NetAddress.String(), Len: f.Source.Prefix},
		))
	}
	if f.Destination != nil {
		conds = append(conds, nft.Match(
			nft.Payload{Protocol: "ip", Field: "daddr"},
			nft.Prefix{Addr: f.Destination.NetAddress.String(), Len: f.Destination.Prefix},
		))
	}
	if f.Ports != nil {
		conds = append(conds, nft.Match(nft.Payload{Protocol: "th", Field: "dport"}, portOperand(*f.Ports)))
	}
	return conds
}

// Verdict maps the rule action to its netfilter policy.
func (f FlatRule) Verdict() nft.Policy {
	if f.Action == Allow {
		return nft.Accept{}
	}
	return nft.Drop{}
}

func portOperand(p PortRange) nft.Operand {
	if p.From == p.To {
		return nft.Value{V: strconv.Itoa(int(p.From))}
	}
	return nft.Range{Lo: strconv.Itoa(int(p.From)), Hi: strconv.Itoa(int(p.To))}
}
