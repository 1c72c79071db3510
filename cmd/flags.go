package cmd

import (
	"flag"

	"grimm.is/fleetwall/internal/brand"
)

// newFlagSet returns a flag set carrying the shared -config/-c flag.
func newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configFile := fs.String("config", brand.ConfigPath(), "Configuration file")
	fs.StringVar(configFile, "c", brand.ConfigPath(), "Configuration file (short)")
	return fs, configFile
}
