package ruleset

import (
	"context"
	"fmt"

	"grimm.is/fleetwall/internal/netaddr"
	"grimm.is/fleetwall/internal/nft"
)

// Predicate selects rules.
type Predicate func(*nft.Rule) bool

// FindRule returns the first rule of family/table/chain matching pred.
func FindRule(tables []nft.Table, family nft.Family, table, chain string, pred Predicate) (*nft.Rule, bool) {
	t := nft.FindTable(tables, family, table)
	if t == nil {
		return nil, false
	}
	c := t.Chain(chain)
	if c == nil {
		return nil, false
	}
	for i := range c.Rules {
		if pred(&c.Rules[i]) {
			return &c.Rules[i], true
		}
	}
	return nil, false
}

// MasqueradeFrom matches a masquerade whose ip saddr equals cidr.
func MasqueradeFrom(cidr netaddr.CIDRRange) Predicate {
	want := nft.Prefix{Addr: cidr.NetAddress.String(), Len: cidr.Prefix}
	return func(r *nft.Rule) bool {
		if _, ok := r.Policy.(nft.Masquerade); !ok {
			return false
		}
		for _, c := range r.Conditions {
			p, ok := c.Left.(nft.Payload)
			if !ok || p.Protocol != "ip" || p.Field != "saddr" || c.Op == nft.OpNe {
				continue
			}
			if c.Right == want {
				return true
			}
			// nft prints a /32 as a bare address.
			if v, ok := c.Right.(nft.Value); ok && cidr.Prefix == 32 && v.V == want.Addr {
				return true
			}
		}
		return false
	}
}

// DeleteMasqueradeRule removes the live masquerade rule for cidr from
// nat/POSTROUTING.
func DeleteMasqueradeRule(ctx context.Context, a Adapter, hostID string, cidr netaddr.CIDRRange) error {
	tables, err := a.ReadActiveRuleSet(ctx, hostID)
	if err != nil {
		return err
	}
	const chain = "POSTROUTING"
	rule, ok := FindRule(tables, nft.FamilyIP, NATTable, chain, MasqueradeFrom(cidr))
	if !ok {
		return fmt.Errorf("%w: masquerade for %s on %s", ErrRuleNotFound, cidr, hostID)
	}
	return a.DeleteNATRule(ctx, hostID, chain, rule.Handle)
}
