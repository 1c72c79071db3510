// Package nft holds the structured intermediate representation of a netfilter
// ruleset and the codecs that move it across the wire: nft script rendering,
// decoding of libnftables JSON (nft -j) and translation into google/nftables
// expressions for netlink programming.
package nft

import (
	"fmt"
	"strings"
)

// Family is the netfilter address family of a table.
type Family string

const (
	FamilyIP     Family = "ip"
	FamilyIP6    Family = "ip6"
	FamilyBridge Family = "bridge"
)

// Op is a comparison operator.
type Op string

const (
	OpEq Op = "=="
	OpNe Op = "!="
	OpIn Op = "in"
)

// Operand is one side of a Condition.
type Operand interface {
	operand()
	String() string
}

// Meta selects packet metadata such as iifname or l4proto.
type Meta struct{ Key string }

// Payload selects a header field, e.g. ip saddr or th dport.
type Payload struct {
	Protocol string
	Field    string
}

// Prefix is an address with a prefix length.
type Prefix struct {
	Addr string
	Len  uint8
}

// Value is a single literal.
type Value struct{ V string }

// Values is an anonymous set of literals.
type Values struct{ V []string }

// CT selects a conntrack key.
type CT struct{ Key string }

// Range is an inclusive literal range.
type Range struct{ Lo, Hi string }

func (Meta) operand()    {}
func (Payload) operand() {}
func (Prefix) operand()  {}
func (Value) operand()   {}
func (Values) operand()  {}
func (CT) operand()      {}
func (Range) operand()   {}

func (m Meta) String() string    { return "meta " + m.Key }
func (p Payload) String() string { return p.Protocol + " " + p.Field }
func (p Prefix) String() string  { return fmt.Sprintf("%s/%d", p.Addr, p.Len) }
func (v Value) String() string   { return v.V }
func (v Values) String() string  { return "{ " + strings.Join(v.V, ", ") + " }" }
func (c CT) String() string      { return "ct " + c.Key }
func (r Range) String() string   { return r.Lo + "-" + r.Hi }

// Condition is a single match inside a rule.
type Condition struct {
	Left  Operand
	Op    Op
	Right Operand
}

// Match builds an equality condition.
func Match(left, right Operand) Condition {
	return Condition{Left: left, Op: OpEq, Right: right}
}

// Policy is the statement a rule executes once all conditions match.
type Policy interface {
	policy()
	String() string
}

type Accept struct{}
type Drop struct{}
type Return struct{}

// Reject rejects with an ICMP type, e.g. Reject{Type: "icmp", Expr: "port-unreachable"}.
type Reject struct {
	Type string
	Expr string
}

// Jump continues evaluation in another chain of the same table.
type Jump struct{ Target string }

// DNAT rewrites the destination address and port.
type DNAT struct {
	Addr string
	Port uint16
}

type Masquerade struct{}

// Mangle sets a packet attribute without issuing a verdict.
type Mangle struct {
	Key   Operand
	Value string
}

func (Accept) policy()     {}
func (Drop) policy()       {}
func (Return) policy()     {}
func (Reject) policy()     {}
func (Jump) policy()       {}
func (DNAT) policy()       {}
func (Masquerade) policy() {}
func (Mangle) policy()     {}

func (Accept) String() string     { return "accept" }
func (Drop) String() string       { return "drop" }
func (Return) String() string     { return "return" }
func (Masquerade) String() string { return "masquerade" }
func (j Jump) String() string     { return "jump " + j.Target }

func (r Reject) String() string {
	if r.Type == "" {
		return "reject"
	}
	return fmt.Sprintf("reject with %s type %s", r.Type, r.Expr)
}

func (d DNAT) String() string {
	if d.Port == 0 {
		return "dnat to " + d.Addr
	}
	return fmt.Sprintf("dnat to %s:%d", d.Addr, d.Port)
}

func (m Mangle) String() string {
	return fmt.Sprintf("%s set %s", m.Key, m.Value)
}

// PortUnreachable is the terminal reject used by the filter base chains.
var PortUnreachable = Reject{Type: "icmp", Expr: "port-unreachable"}

// Rule is an ordered list of conditions followed by one policy.
// Handle is only populated for rules decoded from a live ruleset.
type Rule struct {
	Handle     uint64
	Conditions []Condition
	Policy     Policy
	Comment    string
}

// Chain is a named rule list. Chains with a Hook are base chains.
type Chain struct {
	Name   string
	Type   string
	Hook   string
	Prio   int
	Policy string
	Rules  []Rule
}

// IsBase reports whether the chain is attached to a netfilter hook.
func (c *Chain) IsBase() bool { return c.Hook != "" }

// Table is a named set of chains in one family.
type Table struct {
	Name   string
	Family Family
	Chains []Chain
}

// Chain returns the named chain, or nil.
func (t *Table) Chain(name string) *Chain {
	for i := range t.Chains {
		if t.Chains[i].Name == name {
			return &t.Chains[i]
		}
	}
	return nil
}

// FindTable returns the table with the given family and name, or nil.
func FindTable(tables []Table, family Family, name string) *Table {
	for i := range tables {
		if tables[i].Family == family && tables[i].Name == name {
			return &tables[i]
		}
	}
	return nil
}

// RuleCount returns the number of rules across all tables.
func RuleCount(tables []Table) int {
	n := 0
	for _, t := range tables {
		for _, c := range t.Chains {
			n += len(c.Rules)
		}
	}
	return n
}
