package firewall

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"grimm.is/fleetwall/internal/netaddr"
	"grimm.is/fleetwall/internal/nft"
)

// CompileOptions carries host capabilities that shape the output.
type CompileOptions struct {
	// BridgeConntrack is set when the host's netfilter supports ct matches in
	// the bridge family (nft 1.0 and later).
	BridgeConntrack bool
}

const (
	chainInput       = "INPUT"
	chainForward     = "FORWARD"
	chainOutput      = "OUTPUT"
	chainPrerouting  = "PREROUTING"
	chainPostrouting = "POSTROUTING"

	prioFilter = 0
	prioDstNAT = -100
	prioSrcNAT = 100
)

var (
	ctState      = nft.CT{Key: "state"}
	iifname      = nft.Meta{Key: "iifname"}
	oifname      = nft.Meta{Key: "oifname"}
	l4proto      = nft.Meta{Key: "l4proto"}
	ipSaddr      = nft.Payload{Protocol: "ip", Field: "saddr"}
	ipDaddr      = nft.Payload{Protocol: "ip", Field: "daddr"}
	thDport      = nft.Payload{Protocol: "th", Field: "dport"}
	establishedR = nft.Values{V: []string{"established", "related"}}
)

// Compile turns a host's zone collection into its complete netfilter
// configuration. The result is a full replacement, never a delta, and is a
// pure function of its inputs.
func Compile(zc *ZoneCollection, trace *TraceSettings, opts CompileOptions) ([]nft.Table, error) {
	c, err := newCompiler(zc, trace, opts)
	if err != nil {
		return nil, err
	}

	filter, err := c.filterTable()
	if err != nil {
		return nil, err
	}
	nat, err := c.natTable()
	if err != nil {
		return nil, err
	}
	bridge, err := c.bridgeTable()
	if err != nil {
		return nil, err
	}
	return []nft.Table{filter, nat, bridge, ip6Table()}, nil
}

type compiler struct {
	zc       *ZoneCollection
	trace    *TraceSettings
	opts     CompileOptions
	zones    []Zone
	forwards []PortForward
}

func newCompiler(zc *ZoneCollection, trace *TraceSettings, opts CompileOptions) (*compiler, error) {
	if err := Validate(zc); err != nil {
		return nil, err
	}

	zones := make([]Zone, len(zc.Custom))
	copy(zones, zc.Custom)
	sort.Slice(zones, func(i, j int) bool { return zones[i].Name < zones[j].Name })

	forwards := make([]PortForward, len(zc.External.PortForwards))
	copy(forwards, zc.External.PortForwards)
	sort.Slice(forwards, func(i, j int) bool {
		if forwards[i].Protocol != forwards[j].Protocol {
			return forwards[i].Protocol < forwards[j].Protocol
		}
		return forwards[i].Port < forwards[j].Port
	})

	return &compiler{zc: zc, trace: trace, opts: opts, zones: zones, forwards: forwards}, nil
}

// Validate checks the structural invariants compilation relies on.
func Validate(zc *ZoneCollection) error {
	seen := make(map[string]bool, len(zc.Custom))
	for i, z := range zc.Custom {
		if z.Name == "" || IsReservedZoneName(z.Name) {
			return fmt.Errorf("%w: %q cannot be a custom zone name", ErrInvalidZone, z.Name)
		}
		if seen[z.Name] {
			return fmt.Errorf("%w: duplicate zone %q", ErrInvalidZone, z.Name)
		}
		seen[z.Name] = true
		for _, other := range zc.Custom[:i] {
			if z.AddressSpace.Overlaps(other.AddressSpace) {
				return fmt.Errorf("%w: %s (%s) and %s (%s)", ErrOverlappingZones,
					z.Name, z.AddressSpace, other.Name, other.AddressSpace)
			}
		}
	}
	for _, pf := range zc.External.PortForwards {
		if pf.Protocol != ProtocolTCP && pf.Protocol != ProtocolUDP {
			return fmt.Errorf("%w: port forward %d has protocol %q", ErrInvalidRule, pf.Port, pf.Protocol)
		}
		if _, ok := zc.ZoneFor(pf.TargetAddress); !ok {
			return fmt.Errorf("%w: %s %d -> %s:%d", ErrDanglingTarget,
				pf.Protocol, pf.Port, pf.TargetAddress, pf.TargetPort)
		}
	}
	return nil
}

// ifaceMatch matches one or more interface names. ok is false when names is
// empty, in which case the rule using it must be skipped.
func ifaceMatch(key nft.Meta, names []string) (nft.Condition, bool) {
	switch len(names) {
	case 0:
		return nft.Condition{}, false
	case 1:
		return nft.Match(key, nft.Value{V: names[0]}), true
	}
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	return nft.Condition{Left: key, Op: nft.OpIn, Right: nft.Values{V: sorted}}, true
}

func zonePrefix(z *Zone) nft.Prefix {
	return nft.Prefix{Addr: z.AddressSpace.NetAddress.String(), Len: z.AddressSpace.Prefix}
}

func baseChain(name, typ, hook string, prio int, policy string) nft.Chain {
	return nft.Chain{Name: name, Type: typ, Hook: hook, Prio: prio, Policy: policy}
}

// ruleChain compiles a rule list plus its terminal rule into a regular chain.
func ruleChain(name string, rules []Rule, dir Direction) (nft.Chain, error) {
	ch := nft.Chain{Name: name}
	for _, r := range WithTerminal(rules, dir) {
		flat, err := Flatten(r)
		if err != nil {
			return nft.Chain{}, fmt.Errorf("chain %s: %w", name, err)
		}
		for _, f := range flat {
			ch.Rules = append(ch.Rules, nft.Rule{
				Conditions: f.Conditions(),
				Policy:     f.Verdict(),
				Comment:    ruleComment(r),
			})
		}
	}
	return ch, nil
}

func ruleComment(r Rule) string {
	c := "prio " + strconv.Itoa(int(r.Priority))
	if r.Comment != "" {
		c += ": " + strings.ReplaceAll(r.Comment, `"`, "'")
	}
	return c
}

func conntrackHead() []nft.Rule {
	return []nft.Rule{
		{Conditions: []nft.Condition{nft.Match(ctState, nft.Value{V: "invalid"})}, Policy: nft.Drop{}},
		{Conditions: []nft.Condition{{Left: ctState, Op: nft.OpIn, Right: establishedR}}, Policy: nft.Accept{}},
	}
}

func (c *compiler) filterTable() (nft.Table, error) {
	input, err := c.inputChain()
	if err != nil {
		return nft.Table{}, err
	}
	forward, err := c.forwardChain()
	if err != nil {
		return nft.Table{}, err
	}
	output, err := c.outputChain()
	if err != nil {
		return nft.Table{}, err
	}

	t := nft.Table{Name: "filter", Family: nft.FamilyIP, Chains: []nft.Chain{input, forward, output}}

	enterExt, err := ruleChain(EnterChain(ZoneExternal), c.zc.External.InboundRules, Inbound)
	if err != nil {
		return nft.Table{}, err
	}
	exitExt, err := ruleChain(ExitChain(ZoneExternal), c.zc.External.OutboundRules, Outbound)
	if err != nil {
		return nft.Table{}, err
	}
	t.Chains = append(t.Chains, enterExt, exitExt)

	for i := range c.zones {
		z := &c.zones[i]
		enter, err := ruleChain(EnterChain(z.Name), z.InboundRules, Inbound)
		if err != nil {
			return nft.Table{}, fmt.Errorf("zone %s: %w", z.Name, err)
		}
		exit, err := ruleChain(ExitChain(z.Name), z.OutboundRules, Outbound)
		if err != nil {
			return nft.Table{}, fmt.Errorf("zone %s: %w", z.Name, err)
		}
		t.Chains = append(t.Chains, enter, exit)
	}
	return t, nil
}

// inputChain: traffic addressed to the host. Ingress on a custom zone's
// interface is checked against that zone's outbound rules.
func (c *compiler) inputChain() (nft.Chain, error) {
	ch := baseChain(chainInput, "filter", "input", prioFilter, "drop")
	trace, err := traceRules(c.trace, HookInput)
	if err != nil {
		return nft.Chain{}, err
	}
	ch.Rules = append(ch.Rules, trace...)
	ch.Rules = append(ch.Rules, conntrackHead()...)

	if m, ok := ifaceMatch(iifname, c.zc.Trusted.InterfaceNames); ok {
		ch.Rules = append(ch.Rules, nft.Rule{Conditions: []nft.Condition{m}, Policy: nft.Accept{}})
	}
	if m, ok := ifaceMatch(iifname, c.zc.External.InterfaceNames); ok {
		ch.Rules = append(ch.Rules, nft.Rule{Conditions: []nft.Condition{m}, Policy: nft.Jump{Target: EnterChain(ZoneExternal)}})
	}
	for i := range c.zones {
		z := &c.zones[i]
		if m, ok := ifaceMatch(iifname, z.InterfaceNames); ok {
			ch.Rules = append(ch.Rules, nft.Rule{Conditions: []nft.Condition{m}, Policy: nft.Jump{Target: ExitChain(z.Name)}})
		}
	}
	ch.Rules = append(ch.Rules, nft.Rule{Policy: nft.PortUnreachable})
	return ch, nil
}

// outputChain mirrors inputChain for traffic the host originates.
func (c *compiler) outputChain() (nft.Chain, error) {
	ch := baseChain(chainOutput, "filter", "output", prioFilter, "drop")
	trace, err := traceRules(c.trace, HookOutput)
	if err != nil {
		return nft.Chain{}, err
	}
	ch.Rules = append(ch.Rules, trace...)
	ch.Rules = append(ch.Rules, conntrackHead()...)

	if m, ok := ifaceMatch(oifname, c.zc.Trusted.InterfaceNames); ok {
		ch.Rules = append(ch.Rules, nft.Rule{Conditions: []nft.Condition{m}, Policy: nft.Accept{}})
	}
	if m, ok := ifaceMatch(oifname, c.zc.External.InterfaceNames); ok {
		ch.Rules = append(ch.Rules, nft.Rule{Conditions: []nft.Condition{m}, Policy: nft.Jump{Target: ExitChain(ZoneExternal)}})
	}
	for i := range c.zones {
		z := &c.zones[i]
		if m, ok := ifaceMatch(oifname, z.InterfaceNames); ok {
			ch.Rules = append(ch.Rules, nft.Rule{Conditions: []nft.Condition{m}, Policy: nft.Jump{Target: EnterChain(z.Name)}})
		}
	}
	ch.Rules = append(ch.Rules, nft.Rule{Policy: nft.PortUnreachable})
	return ch, nil
}

func (c *compiler) forwardChain() (nft.Chain, error) {
	ch := baseChain(chainForward, "filter", "forward", prioFilter, "drop")
	trace, err := traceRules(c.trace, HookForward)
	if err != nil {
		return nft.Chain{}, err
	}
	ch.Rules = append(ch.Rules, trace...)
	ch.Rules = append(ch.Rules, nft.Rule{
		Conditions: []nft.Condition{{Left: ctState, Op: nft.OpIn, Right: establishedR}},
		Policy:     nft.Accept{},
	})

	// Only the first packet of a forwarded flow needs the zone check; the
	// rest rides the conntrack accept above.
	for _, pf := range c.forwards {
		target, _ := c.zc.ZoneFor(pf.TargetAddress)
		conds := []nft.Condition{nft.Match(ctState, nft.Value{V: "new"})}
		if pf.ExternalZoneOnly {
			m, ok := ifaceMatch(iifname, c.zc.External.InterfaceNames)
			if !ok {
				continue
			}
			conds = append(conds, m)
		}
		conds = append(conds,
			nft.Match(l4proto, nft.Value{V: strings.ToLower(string(pf.Protocol))}),
			nft.Match(ipDaddr, nft.Value{V: pf.TargetAddress.String()}),
			nft.Match(thDport, nft.Value{V: strconv.Itoa(int(pf.TargetPort))}),
		)
		ch.Rules = append(ch.Rules, nft.Rule{
			Conditions: conds,
			Policy:     nft.Jump{Target: EnterChain(target.Name)},
			Comment:    forwardComment(pf),
		})
	}

	for i := range c.zones {
		z := &c.zones[i]
		out, ok := ifaceMatch(oifname, z.InterfaceNames)
		if ok {
			ch.Rules = append(ch.Rules, nft.Rule{
				Conditions: []nft.Condition{
					out,
					nft.Match(ipDaddr, zonePrefix(z)),
					{Left: ctState, Op: nft.OpIn, Right: establishedR},
				},
				Policy: nft.Accept{},
			})
		}
		in, ok := ifaceMatch(iifname, z.InterfaceNames)
		if ok {
			ch.Rules = append(ch.Rules, nft.Rule{
				Conditions: []nft.Condition{in, nft.Match(ipSaddr, zonePrefix(z))},
				Policy:     nft.Jump{Target: ExitChain(z.Name)},
			})
		}
	}
	ch.Rules = append(ch.Rules, nft.Rule{Policy: nft.PortUnreachable})
	return ch, nil
}

func forwardComment(pf PortForward) string {
	c := fmt.Sprintf("forward %s %d", strings.ToLower(string(pf.Protocol)), pf.Port)
	if pf.Comment != "" {
		c += ": " + strings.ReplaceAll(pf.Comment, `"`, "'")
	}
	return c
}

func (c *compiler) natTable() (nft.Table, error) {
	pre := baseChain(chainPrerouting, "nat", "prerouting", prioDstNAT, "accept")
	for _, pf := range c.forwards {
		var match nft.Condition
		if pf.ExternalZoneOnly || len(c.zc.External.Addresses) == 0 {
			m, ok := ifaceMatch(iifname, c.zc.External.InterfaceNames)
			if !ok {
				continue
			}
			match = m
		} else {
			match = externalAddressMatch(c.zc.External)
		}
		pre.Rules = append(pre.Rules, nft.Rule{
			Conditions: []nft.Condition{
				match,
				nft.Match(l4proto, nft.Value{V: strings.ToLower(string(pf.Protocol))}),
				nft.Match(thDport, nft.Value{V: strconv.Itoa(int(pf.Port))}),
			},
			Policy:  nft.DNAT{Addr: pf.TargetAddress.String(), Port: pf.TargetPort},
			Comment: forwardComment(pf),
		})
	}

	post := baseChain(chainPostrouting, "nat", "postrouting", prioSrcNAT, "accept")
	for i := range c.zones {
		z := &c.zones[i]
		if r, ok := MasqueradeRule(c.zc.External, z.Name, z.AddressSpace); ok {
			post.Rules = append(post.Rules, r)
		}
	}
	return nft.Table{Name: "nat", Family: nft.FamilyIP, Chains: []nft.Chain{pre, post}}, nil
}

// MasqueradeRule is the nat/POSTROUTING rule masquerading traffic from space
// that leaves through the external NICs. ok is false without external NICs.
func MasqueradeRule(ext ExternalZone, name string, space netaddr.CIDRRange) (nft.Rule, bool) {
	out, ok := ifaceMatch(oifname, ext.InterfaceNames)
	if !ok {
		return nft.Rule{}, false
	}
	return nft.Rule{
		Conditions: []nft.Condition{out, nft.Match(ipSaddr, nft.Prefix{Addr: space.NetAddress.String(), Len: space.Prefix})},
		Policy:     nft.Masquerade{},
		Comment:    "masquerade " + name,
	}, true
}

func externalAddressMatch(ext ExternalZone) nft.Condition {
	if len(ext.Addresses) == 1 {
		return nft.Match(ipDaddr, nft.Value{V: ext.Addresses[0].String()})
	}
	addrs := append(ext.Addresses[:0:0], ext.Addresses...)
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	vals := make([]string, len(addrs))
	for i, a := range addrs {
		vals[i] = a.String()
	}
	return nft.Condition{Left: ipDaddr, Op: nft.OpIn, Right: nft.Values{V: vals}}
}

// bridgeTable lets traffic between endpoints of the same zone be switched
// at layer 2 subject to the zone's inbound rules.
func (c *compiler) bridgeTable() (nft.Table, error) {
	t := nft.Table{Name: "filter", Family: nft.FamilyBridge}
	if !c.opts.BridgeConntrack {
		return t, nil
	}

	fwd := baseChain(chainForward, "filter", "forward", prioFilter, "accept")
	trace, err := traceRules(c.trace, HookBridgeForward)
	if err != nil {
		return nft.Table{}, err
	}
	fwd.Rules = append(fwd.Rules, trace...)
	fwd.Rules = append(fwd.Rules,
		nft.Rule{Conditions: []nft.Condition{{Left: ctState, Op: nft.OpIn, Right: establishedR}}, Policy: nft.Accept{}},
		nft.Rule{Conditions: []nft.Condition{nft.Match(nft.Meta{Key: "protocol"}, nft.Value{V: "arp"})}, Policy: nft.Accept{}},
	)

	zoneChains := make([]nft.Chain, 0, len(c.zones))
	for i := range c.zones {
		z := &c.zones[i]
		fwd.Rules = append(fwd.Rules, nft.Rule{
			Conditions: []nft.Condition{nft.Match(ipSaddr, zonePrefix(z)), nft.Match(ipDaddr, zonePrefix(z))},
			Policy:     nft.Jump{Target: BridgeChain(z.Name)},
		})
		zch, err := ruleChain(BridgeChain(z.Name), z.InboundRules, Inbound)
		if err != nil {
			return nft.Table{}, fmt.Errorf("zone %s: %w", z.Name, err)
		}
		zoneChains = append(zoneChains, zch)
	}
	t.Chains = append([]nft.Chain{fwd}, zoneChains...)
	return t, nil
}

// ip6Table blocks IPv6 outright with empty drop-policy base chains.
func ip6Table() nft.Table {
	return nft.Table{
		Name:   "filter",
		Family: nft.FamilyIP6,
		Chains: []nft.Chain{
			baseChain(chainInput, "filter", "input", prioFilter, "drop"),
			baseChain(chainForward, "filter", "forward", prioFilter, "drop"),
			baseChain(chainOutput, "filter", "output", prioFilter, "drop"),
		},
	}
}
