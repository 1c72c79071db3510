package cmd

import (
	"context"
	"fmt"

	"grimm.is/fleetwall/internal/nft"
)

// RunCompile prints the ruleset a host would get, without applying it.
func RunCompile(args []string) error {
	fs, configFile := newFlagSet("compile")
	hostID := fs.String("host", "", "Host to compile for")
	if err := fs.Parse(args); err != nil {
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

	tables, err := s.ctrl.Compile(context.Background(), *hostID)
	if err != nil {
		return err
	}
	fmt.Fprint(stdout, nft.Render(tables))
	return nil
}
