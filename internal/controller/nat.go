package controller

import (
	"context"
	"fmt"

	"grimm.is/fleetwall/internal/firewall"
	"grimm.is/fleetwall/internal/netaddr"
	"grimm.is/fleetwall/internal/nft"
	"grimm.is/fleetwall/internal/ruleset"
)

const postrouting = "POSTROUTING"

// AddMasquerade inserts a masquerade for cidr into the host's live
// nat/POSTROUTING chain without recompiling. The next full apply replaces
// it with whatever the zones produce.
func (c *Controller) AddMasquerade(ctx context.Context, hostID string, cidr netaddr.CIDRRange) error {
	l := c.hostLock(hostID)
	l.Lock()
	defer l.Unlock()

	tables, err := c.adapter.ReadActiveRuleSet(ctx, hostID)
	if err != nil {
		return err
	}
	if _, ok := ruleset.FindRule(tables, nft.FamilyIP, ruleset.NATTable, postrouting, ruleset.MasqueradeFrom(cidr)); ok {
		return nil
	}
	zc, err := c.zones.Assemble(ctx, hostID)
	if err != nil {
		return err
	}
	rule, ok := firewall.MasqueradeRule(zc.External, "adhoc "+cidr.String(), cidr)
	if !ok {
		return fmt.Errorf("host %s has no external interface to masquerade through", hostID)
	}
	if err := c.adapter.AddNATRule(ctx, hostID, postrouting, rule); err != nil {
		return err
	}
	c.logger.Audit("nat.masquerade.add", hostID, map[string]any{"cidr": cidr.String()})
	return nil
}

// DeleteMasquerade removes the live masquerade for cidr by handle.
func (c *Controller) DeleteMasquerade(ctx context.Context, hostID string, cidr netaddr.CIDRRange) error {
	l := c.hostLock(hostID)
	l.Lock()
	defer l.Unlock()

	if err := ruleset.DeleteMasqueradeRule(ctx, c.adapter, hostID, cidr); err != nil {
		return err
	}
	c.logger.Audit("nat.masquerade.delete", hostID, map[string]any{"cidr": cidr.String()})
	return nil
}

// Masquerades lists the live masquerade rules of a host.
func (c *Controller) Masquerades(ctx context.Context, hostID string) ([]nft.Rule, error) {
	tables, err := c.adapter.ReadActiveRuleSet(ctx, hostID)
	if err != nil {
		return nil, err
	}
	var out []nft.Rule
	t := nft.FindTable(tables, nft.FamilyIP, ruleset.NATTable)
	if t == nil {
		return nil, nil
	}
	if ch := t.Chain(postrouting); ch != nil {
		for _, r := range ch.Rules {
			if _, ok := r.Policy.(nft.Masquerade); ok {
				out = append(out, r)
			}
		}
	}
	return out, nil
}
