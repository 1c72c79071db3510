package cmd

import (
	"context"
	"fmt"

	"grimm.is/fleetwall/internal/netaddr"
	"grimm.is/fleetwall/internal/nft"
)

// RunNAT edits a host's live masquerade rules in place:
// nat <masquerade|unmasquerade|ls> -host <id> [-cidr <range>].
// Changes last until the next full apply.
func RunNAT(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: nat <masquerade|unmasquerade|ls> -host <id> [-cidr <range>]")
	}
	action := args[0]

	fs, configFile := newFlagSet("nat " + action)
	hostID := fs.String("host", "", "Host to edit")
	cidrFlag := fs.String("cidr", "", "Source range, e.g. 10.5.0.0/24")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	s, err := openStack(*configFile)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.requireHost(*hostID); err != nil {
		return err
	}
	ctx := context.Background()

	if action == "ls" {
		rules, err := s.ctrl.Masquerades(ctx, *hostID)
		if err != nil {
			return err
		}
		for i := range rules {
			fmt.Fprintf(stdout, "handle %d: %s\n", rules[i].Handle, nft.RuleExpr(&rules[i]))
		}
		return nil
	}

	cidr, err := netaddr.ParseCIDR(*cidrFlag)
	if err != nil {
		return fmt.Errorf("-cidr: %w", err)
	}
	switch action {
	case "masquerade":
		if err := s.ctrl.AddMasquerade(ctx, *hostID, cidr); err != nil {
			return err
		}
		Printer.Printf("Masquerading %s on %s\n", cidr, *hostID)
	case "unmasquerade":
		if err := s.ctrl.DeleteMasquerade(ctx, *hostID, cidr); err != nil {
			return err
		}
		Printer.Printf("Removed masquerade for %s on %s\n", cidr, *hostID)
	default:
		return fmt.Errorf("unknown nat action %q", action)
	}
	return nil
}
