package cmd

import (
	"context"
	"fmt"
	"os"

	"grimm.is/fleetwall/internal/config"
)

// RunExport writes the stored rules, forwards and segments back out as HCL
// seed blocks, alongside the config's host blocks.
func RunExport(args []string) error {
	fs, configFile := newFlagSet("export")
	out := fs.String("o", "", "Output file (default: stdout)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := openStack(*configFile)
	if err != nil {
		return err
	}
	defer s.Close()

	exported, err := s.exportConfig(context.Background())
	if err != nil {
		return err
	}
	data := config.GenerateHCL(exported)
	if *out == "" {
		_, err := stdout.Write(data)
		return err
	}
	if err := os.WriteFile(*out, data, 0o640); err != nil {
		return fmt.Errorf("failed to write %s: %w", *out, err)
	}
	Printer.Printf("Exported state to %s\n", *out)
	return nil
}

func (s *stack) exportConfig(ctx context.Context) (*config.Config, error) {
	out := *s.cfg
	out.FirewallRules = nil
	out.PortForwards = nil
	out.VirtualNetworks = nil
	out.VPNGateways = nil

	for _, id := range s.fleet.Hosts() {
		recs, err := s.store.ListFirewallRules(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			out.FirewallRules = append(out.FirewallRules, config.RuleBlock(rec))
		}

		forwards, err := s.store.PortForwards(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, pf := range forwards {
			out.PortForwards = append(out.PortForwards, config.ForwardBlock(id, pf))
		}

		vnets, err := s.store.VirtualNetworks(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, vn := range vnets {
			out.VirtualNetworks = append(out.VirtualNetworks, config.VirtualNetworkBlock(vn))
		}

		gateways, err := s.store.VPNGateways(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, gw := range gateways {
			out.VPNGateways = append(out.VPNGateways, config.VPNGatewayBlock(gw))
		}
	}
	return &out, nil
}
