//go:build !linux

package cmd

import (
	"context"
	"errors"

	"grimm.is/fleetwall/internal/logging"
	"grimm.is/fleetwall/internal/nft"
)

func normalizeRuleset(context.Context, []nft.Table, *logging.Logger) ([]nft.Table, error) {
	return nil, errors.New("network namespaces are only available on linux")
}
