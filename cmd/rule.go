package cmd

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"grimm.is/fleetwall/internal/config"
	"grimm.is/fleetwall/internal/firewall"
	"grimm.is/fleetwall/internal/state"
)

// RunRule manages stored firewall rules: rule <add|rm|ls> -host <id> ...
func RunRule(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: rule <add|rm|ls> -host <id> [options]")
	}
	action := args[0]

	fs, configFile := newFlagSet("rule " + action)
	hostID := fs.String("host", "", "Host the rule belongs to")
	zone := fs.String("zone", "", "Zone name")
	direction := fs.String("dir", "inbound", "Direction (inbound, outbound)")
	priority := fs.Int("priority", -1, "Rule priority, lower runs first")
	proto := fs.String("proto", "", "Protocol (tcp, udp, icmp; empty for any)")
	ports := fs.String("ports", "", "Destination ports, e.g. 22,8000-8080")
	src := fs.String("src", "", "Source addresses")
	dst := fs.String("dst", "", "Destination addresses")
	verdict := fs.String("action", "allow", "allow or deny")
	comment := fs.String("comment", "", "Free-form comment")
	apply := fs.Bool("apply", true, "Apply the host's ruleset after the change")
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

	switch action {
	case "ls":
		recs, err := s.svc.Rules(ctx, *hostID)
		if err != nil {
			return err
		}
		printRules(recs)
		return nil
	case "add":
		if *priority < 0 {
			return fmt.Errorf("-priority is required")
		}
		block := &config.FirewallRule{
			Host:        *hostID,
			Zone:        *zone,
			Direction:   *direction,
			Priority:    *priority,
			Protocol:    *proto,
			Ports:       *ports,
			Source:      *src,
			Destination: *dst,
			Action:      *verdict,
			Comment:     *comment,
		}
		rec, err := block.Record()
		if err != nil {
			return err
		}
		if err := s.svc.AddRule(ctx, rec); err != nil {
			return err
		}
		Printer.Printf("Added rule %s\n", rec.Key())
	case "rm":
		if *priority < 0 {
			return fmt.Errorf("-priority is required")
		}
		k := state.RuleKey{
			HostID:    *hostID,
			Zone:      *zone,
			Direction: firewall.Direction(strings.ToLower(*direction)),
			Priority:  uint16(*priority),
		}
		if err := s.svc.DeleteRule(ctx, k); err != nil {
			return err
		}
		Printer.Printf("Removed rule %s\n", k)
	default:
		return fmt.Errorf("unknown rule action %q", action)
	}

	if !*apply {
		return nil
	}
	return s.svc.ApplyNow(ctx, *hostID)
}

func printRules(recs []state.RuleRecord) {
	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ZONE\tDIR\tPRIO\tPROTO\tPORTS\tSOURCE\tDESTINATION\tACTION\tCOMMENT")
	for _, rec := range recs {
		r := rec.Rule
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.Zone, rec.Direction, r.Priority, r.Protocol, r.DestinationPortRanges,
			r.Source, r.Destination, r.Action, r.Comment)
	}
	w.Flush()
}
