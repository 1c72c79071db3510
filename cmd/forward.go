package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"

	"grimm.is/fleetwall/internal/config"
	"grimm.is/fleetwall/internal/firewall"
	"grimm.is/fleetwall/internal/state"
)

// RunForward manages port forwards: forward <add|rm|ls> -host <id> ...
func RunForward(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: forward <add|rm|ls> -host <id> [options]")
	}
	action := args[0]

	fs, configFile := newFlagSet("forward " + action)
	hostID := fs.String("host", "", "Host that owns the forward")
	proto := fs.String("proto", "tcp", "tcp or udp")
	port := fs.Int("port", 0, "Port on the host")
	target := fs.String("target", "", "Target address")
	targetPort := fs.Int("target-port", 0, "Target port (default: same as -port)")
	externalOnly := fs.Bool("external-only", false, "Only forward traffic arriving from the external zone")
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
		forwards, err := s.svc.Forwards(ctx, *hostID)
		if err != nil {
			return err
		}
		printForwards(forwards)
		return nil
	case "add":
		block := &config.PortForward{
			Host:             *hostID,
			Protocol:         *proto,
			Port:             *port,
			Target:           *target,
			TargetPort:       *targetPort,
			ExternalZoneOnly: *externalOnly,
			Comment:          *comment,
		}
		if block.TargetPort == 0 {
			block.TargetPort = block.Port
		}
		pf, err := block.Forward()
		if err != nil {
			return err
		}
		if err := s.svc.AddForward(ctx, *hostID, pf); err != nil {
			return err
		}
		Printer.Printf("Added forward %s %d -> %s:%d\n", pf.Protocol, pf.Port, pf.TargetAddress, pf.TargetPort)
	case "rm":
		p, ok := firewall.ParseProtocol(*proto)
		if !ok || *port <= 0 || *port > 65535 {
			return fmt.Errorf("-proto and -port identify the forward to remove")
		}
		k := state.ForwardKey{HostID: *hostID, Protocol: p, Port: uint16(*port)}
		if err := s.svc.DeleteForward(ctx, k); err != nil {
			return err
		}
		Printer.Printf("Removed forward %s\n", k)
	default:
		return fmt.Errorf("unknown forward action %q", action)
	}

	if !*apply {
		return nil
	}
	return s.svc.ApplyNow(ctx, *hostID)
}

func printForwards(forwards []firewall.PortForward) {
	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROTO\tPORT\tTARGET\tEXTERNAL-ONLY\tCOMMENT")
	for _, pf := range forwards {
		fmt.Fprintf(w, "%s\t%d\t%s:%d\t%t\t%s\n",
			pf.Protocol, pf.Port, pf.TargetAddress, pf.TargetPort, pf.ExternalZoneOnly, pf.Comment)
	}
	w.Flush()
}
