package cmd

import (
	"io"
	"os"

	"grimm.is/fleetwall/internal/i18n"
)

// Printer is the global message printer for the CLI
var Printer = i18n.NewCLIPrinter()

// stdout is where command output goes; tests swap it.
var stdout io.Writer = os.Stdout
