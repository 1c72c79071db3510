//go:build linux

package cmd

import (
	"grimm.is/fleetwall/internal/host"
	"grimm.is/fleetwall/internal/logging"
	"grimm.is/fleetwall/internal/ruleset"
)

// localBackends drives the local host over netlink instead of the CLI.
func localBackends(hostID, bootPath string, logger *logging.Logger) (ruleset.Adapter, host.Inventory) {
	a := ruleset.NewNetlinkAdapter(ruleset.NetlinkOptions{LocalHost: hostID, BootPath: bootPath}, logger)
	return a, &host.NetlinkInventory{LocalHost: hostID}
}
