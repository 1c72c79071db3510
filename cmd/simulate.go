package cmd

import (
	"context"
	"fmt"
	"strconv"

	"grimm.is/fleetwall/internal/firewall"
	"grimm.is/fleetwall/internal/simulator"
)

// RunSimulate traces a hypothetical packet between two addresses through the
// fleet's zones and firewall rules.
func RunSimulate(args []string) error {
	fs, configFile := newFlagSet("simulate")
	proto := fs.String("proto", "tcp", "Protocol (tcp, udp, icmp)")
	port := fs.Uint("port", 0, "Destination port")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: simulate [-proto tcp] [-port N] <source-ip> <target-ip>\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		fs.Usage()
		return fmt.Errorf("simulate needs a source and a target address")
	}
	p, ok := firewall.ParseProtocol(*proto)
	if !ok || p == firewall.ProtocolAny {
		return fmt.Errorf("unknown protocol %q", *proto)
	}
	if *port > 65535 {
		return fmt.Errorf("port %s out of range", strconv.FormatUint(uint64(*port), 10))
	}

	s, err := openStack(*configFile)
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := s.simulator().Simulate(context.Background(), simulator.Request{
		Protocol: p,
		Source:   fs.Arg(0),
		Target:   fs.Arg(1),
		Port:     uint16(*port),
	})
	if err != nil {
		return err
	}
	for _, line := range res.Lines {
		fmt.Fprintln(stdout, line)
	}
	if res.Admitted {
		Printer.Println("Result: ADMITTED")
	} else {
		Printer.Println("Result: BLOCKED")
	}
	return nil
}
