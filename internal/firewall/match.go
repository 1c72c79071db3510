package firewall

import (
	"grimm.is/fleetwall/internal/netaddr"
)

// Packet is a hypothetical packet used for admission checks.
type Packet struct {
	Protocol    Protocol
	Source      netaddr.IPv4
	Destination netaddr.IPv4
	Port        uint16
}

// MatchRule reports whether a flat rule matches the packet. The compiler emits
// the same fields as netfilter conditions, so this is the one definition of
// what a rule matches.
func MatchRule(f FlatRule, p Packet) bool {
	if f.Protocol != p.Protocol {
		return false
	}
	if f.Source != nil && !f.Source.Includes(p.Source) {
		return false
	}
	if f.Destination != nil && !f.Destination.Includes(p.Destination) {
		return false
	}
	if f.Ports != nil {
		if p.Protocol == ProtocolICMP {
			return false
		}
		if p.Port < f.Ports.From || p.Port > f.Ports.To {
			return false
		}
	}
	return true
}

// Decision is the outcome of evaluating a rule list against a packet.
type Decision struct {
	Action   Action
	Priority uint16
	Implicit bool
	Comment  string
}

// Allowed reports whether the packet is admitted.
func (d Decision) Allowed() bool { return d.Action == Allow }

// Evaluate runs first-match evaluation in priority order, ending with the
// terminal rule for dir.
func Evaluate(rules []Rule, dir Direction, p Packet) (Decision, error) {
	for _, r := range WithTerminal(rules, dir) {
		flat, err := Flatten(r)
		if err != nil {
			return Decision{}, err
		}
		for _, f := range flat {
			if MatchRule(f, p) {
				return Decision{
					Action:   r.Action,
					Priority: r.Priority,
					Implicit: r.Priority == TerminalPriority,
					Comment:  r.Comment,
				}, nil
			}
		}
	}
	// Only reachable for protocols the terminal rule does not expand to.
	t := TerminalRule(dir)
	return Decision{Action: t.Action, Priority: t.Priority, Implicit: true, Comment: t.Comment}, nil
}
