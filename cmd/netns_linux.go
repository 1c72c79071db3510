//go:build linux

package cmd

import (
	"context"
	"fmt"
	"runtime"

	"github.com/vishvananda/netns"

	"grimm.is/fleetwall/internal/brand"
	"grimm.is/fleetwall/internal/logging"
	"grimm.is/fleetwall/internal/nft"
	"grimm.is/fleetwall/internal/ruleset"
)

var scratchNS = brand.LowerName + "-diff"

// normalizeRuleset loads tables into a throwaway network namespace and reads
// them back, so the desired side of a diff is in the kernel's own form.
func normalizeRuleset(ctx context.Context, tables []nft.Table, logger *logging.Logger) ([]nft.Table, error) {
	if err := createScratchNS(); err != nil {
		return nil, err
	}
	defer func() {
		if err := netns.DeleteNamed(scratchNS); err != nil {
			logger.Warn("failed to delete scratch netns", "netns", scratchNS, "error", err)
		}
	}()

	const scratchHost = "scratch"
	a := ruleset.NewNetlinkAdapter(ruleset.NetlinkOptions{LocalHost: scratchHost, Namespace: scratchNS}, logger)
	if err := a.WriteRuleSet(ctx, scratchHost, tables); err != nil {
		return nil, err
	}
	return a.ReadActiveRuleSet(ctx, scratchHost)
}

func createScratchNS() error {
	// NewNamed switches the calling thread into the new namespace.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	origns, err := netns.Get()
	if err != nil {
		return fmt.Errorf("failed to get original netns: %w", err)
	}
	defer origns.Close()

	if old, err := netns.GetFromName(scratchNS); err == nil {
		old.Close()
		if err := netns.DeleteNamed(scratchNS); err != nil {
			return fmt.Errorf("failed to delete stale netns %s: %w", scratchNS, err)
		}
	}
	ns, err := netns.NewNamed(scratchNS)
	if err != nil {
		return fmt.Errorf("failed to create netns %s: %w", scratchNS, err)
	}
	ns.Close()

	if err := netns.Set(origns); err != nil {
		return fmt.Errorf("failed to switch back to original ns: %w", err)
	}
	return nil
}
