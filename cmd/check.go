package cmd

import (
	"fmt"
	"text/tabwriter"

	"grimm.is/fleetwall/internal/brand"
	"grimm.is/fleetwall/internal/config"
)

// RunCheck validates the configuration file syntax and semantics.
func RunCheck(configFile string, verbose bool) error {
	if len(configFile) == 0 {
		return fmt.Errorf("usage: %s check [-v] <config-file>\nExample: %s check -v %s", brand.BinaryName, brand.BinaryName, brand.ConfigPath())
	}

	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	Printer.Printf("Configuration valid!\n")
	Printer.Printf("Schema Version: %s\n", cfg.SchemaVersion)
	Printer.Printf("Hosts: %d\n", len(cfg.Hosts))
	Printer.Printf("Firewall rules: %d\n", len(cfg.FirewallRules))
	Printer.Printf("Port forwards: %d\n", len(cfg.PortForwards))
	Printer.Printf("Virtual networks: %d\n", len(cfg.VirtualNetworks))
	Printer.Printf("VPN gateways: %d\n", len(cfg.VPNGateways))

	if verbose {
		Printer.Println()
		printSummary(cfg)
	}
	return nil
}

func printSummary(cfg *config.Config) {
	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "HOST\tCONNECTION\tRULES\tFORWARDS\tSEGMENTS")
	for _, h := range cfg.Hosts {
		conn := "local"
		if !h.Local {
			conn = fmt.Sprintf("ssh %s@%s:%d", h.User, h.Address, h.Port)
		}
		var rules, forwards, segments int
		for _, r := range cfg.FirewallRules {
			if r.Host == h.ID {
				rules++
			}
		}
		for _, pf := range cfg.PortForwards {
			if pf.Host == h.ID {
				forwards++
			}
		}
		for _, vn := range cfg.VirtualNetworks {
			if vn.Host == h.ID {
				segments++
			}
		}
		for _, gw := range cfg.VPNGateways {
			if gw.Host == h.ID {
				segments++
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\n", h.ID, conn, rules, forwards, segments)
	}
	w.Flush()
}
