//go:build !linux

package cmd

import (
	"grimm.is/fleetwall/internal/host"
	"grimm.is/fleetwall/internal/logging"
	"grimm.is/fleetwall/internal/ruleset"
)

func localBackends(string, string, *logging.Logger) (ruleset.Adapter, host.Inventory) {
	return nil, nil
}
