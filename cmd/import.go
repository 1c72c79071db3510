package cmd

import (
	"context"
	"fmt"

	"grimm.is/fleetwall/internal/config"
)

// RunImport copies the seed blocks of a config file into the state store.
func RunImport(args []string) error {
	fs, configFile := newFlagSet("import")
	from := fs.String("from", "", "File to import seeds from (default: the config file)")
	apply := fs.Bool("apply", true, "Apply the ruleset of every host the import touched")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := openStack(*configFile)
	if err != nil {
		return err
	}
	defer s.Close()

	seeds := s.cfg
	if *from != "" {
		if seeds, err = config.LoadFile(*from); err != nil {
			return fmt.Errorf("failed to load %s: %w", *from, err)
		}
	}
	for _, id := range seedHosts(seeds) {
		if err := s.requireHost(id); err != nil {
			return err
		}
	}

	ctx := context.Background()
	stats, err := config.Import(ctx, s.store, seeds)
	if err != nil {
		return err
	}
	s.logger.Audit("config.import", "", map[string]any{
		"rules":            stats.Rules,
		"forwards":         stats.Forwards,
		"virtual_networks": stats.VirtualNetworks,
		"vpn_gateways":     stats.VPNGateways,
	})
	Printer.Printf("Imported %d rules, %d forwards, %d virtual networks and %d VPN gateways\n",
		stats.Rules, stats.Forwards, stats.VirtualNetworks, stats.VPNGateways)

	if !*apply {
		return nil
	}
	var failed int
	for _, id := range stats.Hosts {
		if err := s.ctrl.ApplyRuleSet(ctx, id); err != nil {
			Printer.Printf("  %s: %v\n", id, err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("ruleset apply failed on %d host(s)", failed)
	}
	return nil
}

// seedHosts lists every host a config's seed blocks reference.
func seedHosts(c *config.Config) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, r := range c.FirewallRules {
		add(r.Host)
	}
	for _, pf := range c.PortForwards {
		add(pf.Host)
	}
	for _, vn := range c.VirtualNetworks {
		add(vn.Host)
	}
	for _, gw := range c.VPNGateways {
		add(gw.Host)
	}
	return out
}
