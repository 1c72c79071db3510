package config

import (
	"context"
	"errors"
	"fmt"

	"grimm.is/fleetwall/internal/firewall"
	"grimm.is/fleetwall/internal/state"
)

// Seeder is the part of the state store that import writes to.
type Seeder interface {
	AddFirewallRule(ctx context.Context, rec state.RuleRecord) error
	UpdateFirewallRule(ctx context.Context, rec state.RuleRecord) error
	AddPortForward(ctx context.Context, hostID string, pf firewall.PortForward) error
	DeletePortForward(ctx context.Context, k state.ForwardKey) error
	PutVirtualNetwork(ctx context.Context, vn state.VirtualNetwork) error
	PutVPNGateway(ctx context.Context, gw state.VPNGateway) error
}

// ImportStats counts what Import wrote.
type ImportStats struct {
	Rules           int
	Forwards        int
	VirtualNetworks int
	VPNGateways     int
	// Hosts whose state changed.
	Hosts []string
}

// Import copies the seed blocks into the store. Existing rules and forwards
// with the same key are replaced.
func Import(ctx context.Context, store Seeder, c *Config) (ImportStats, error) {
	var stats ImportStats
	touched := make(map[string]bool)
	touch := func(hostID string) {
		if !touched[hostID] {
			touched[hostID] = true
			stats.Hosts = append(stats.Hosts, hostID)
		}
	}

	for _, vn := range c.VirtualNetworks {
		rec, err := vn.Record()
		if err != nil {
			return stats, err
		}
		if err := store.PutVirtualNetwork(ctx, rec); err != nil {
			return stats, fmt.Errorf("failed to import virtual network %s: %w", vn.Name, err)
		}
		stats.VirtualNetworks++
		touch(vn.Host)
	}
	for _, gw := range c.VPNGateways {
		rec, err := gw.Record()
		if err != nil {
			return stats, err
		}
		if err := store.PutVPNGateway(ctx, rec); err != nil {
			return stats, fmt.Errorf("failed to import vpn gateway %s: %w", gw.Name, err)
		}
		stats.VPNGateways++
		touch(gw.Host)
	}
	for _, r := range c.FirewallRules {
		rec, err := r.Record()
		if err != nil {
			return stats, err
		}
		err = store.AddFirewallRule(ctx, rec)
		if errors.Is(err, state.ErrExists) {
			err = store.UpdateFirewallRule(ctx, rec)
		}
		if err != nil {
			return stats, fmt.Errorf("failed to import firewall rule %s: %w", rec.Key(), err)
		}
		stats.Rules++
		touch(r.Host)
	}
	for _, p := range c.PortForwards {
		pf, err := p.Forward()
		if err != nil {
			return stats, err
		}
		err = store.AddPortForward(ctx, p.Host, pf)
		if errors.Is(err, state.ErrExists) {
			k := state.ForwardKey{HostID: p.Host, Protocol: pf.Protocol, Port: pf.Port}
			if err = store.DeletePortForward(ctx, k); err == nil {
				err = store.AddPortForward(ctx, p.Host, pf)
			}
		}
		if err != nil {
			return stats, fmt.Errorf("failed to import port forward %s/%d: %w", pf.Protocol, pf.Port, err)
		}
		stats.Forwards++
		touch(p.Host)
	}
	return stats, nil
}
