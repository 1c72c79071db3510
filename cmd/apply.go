package cmd

import (
	"context"
	"fmt"
	"sort"
)

// RunApply recomputes and applies one host's ruleset, or every host's.
func RunApply(args []string) error {
	fs, configFile := newFlagSet("apply")
	hostID := fs.String("host", "", "Host to apply (default: all hosts)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := openStack(*configFile)
	if err != nil {
		return err
	}
	defer s.Close()
	ctx := context.Background()

	if *hostID != "" {
		if err := s.requireHost(*hostID); err != nil {
			return err
		}
		if err := s.ctrl.ApplyRuleSet(ctx, *hostID); err != nil {
			return err
		}
		Printer.Printf("Applied ruleset to %s\n", *hostID)
		return nil
	}

	failed := s.ctrl.ApplyAll(ctx)
	hosts := s.fleet.Hosts()
	Printer.Printf("Applied ruleset to %d of %d hosts\n", len(hosts)-len(failed), len(hosts))
	if len(failed) == 0 {
		return nil
	}
	ids := make([]string, 0, len(failed))
	for id := range failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		Printer.Printf("  %s: %v\n", id, failed[id])
	}
	return fmt.Errorf("apply failed on %d host(s)", len(failed))
}
