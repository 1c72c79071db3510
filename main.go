package main

import (
	"errors"
	"flag"
	"os"

	"grimm.is/fleetwall/cmd"
	"grimm.is/fleetwall/internal/brand"
	"grimm.is/fleetwall/internal/i18n"
)

var printer = i18n.NewCLIPrinter()

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	args := os.Args[2:]

	switch os.Args[1] {
	case "serve":
		err = cmd.RunServe(args)

	case "compile":
		err = cmd.RunCompile(args)

	case "apply":
		err = cmd.RunApply(args)

	case "diff":
		err = cmd.RunDiff(args)

	case "simulate", "sim":
		err = cmd.RunSimulate(args)

	case "trace":
		err = cmd.RunTrace(args)

	case "rule":
		err = cmd.RunRule(args)

	case "forward":
		err = cmd.RunForward(args)

	case "nat":
		err = cmd.RunNAT(args)

	case "import":
		err = cmd.RunImport(args)

	case "export":
		err = cmd.RunExport(args)

	case "history":
		err = cmd.RunHistory(args)

	case "check":
		checkFlags := flag.NewFlagSet("check", flag.ExitOnError)
		verbose := checkFlags.Bool("verbose", false, "Show host summary")
		checkFlags.BoolVar(verbose, "v", false, "Show host summary (short)")
		checkFlags.Parse(args)

		configFile := brand.ConfigPath()
		if checkFlags.NArg() > 0 {
			configFile = checkFlags.Arg(0)
		}
		err = cmd.RunCheck(configFile, *verbose)

	case "version":
		printer.Printf("%s version %s\n", brand.Name, brand.Version)
		printer.Printf("Commit: %s\n", brand.GitCommit)

	case "help", "-h", "--help":
		printUsage()

	default:
		printer.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		printer.Fprintf(os.Stderr, "%s failed: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func printUsage() {
	printer.Printf(`%s - %s

Usage:
  %s <command> [options]

Every command accepts --config (-c) <file>, default %s.

Controller:
  serve     Apply every host's ruleset and keep it in sync
            Options: --apply=false (skip the startup apply)
  apply     Recompute and apply rulesets
            Options: --host <id> (default: all hosts)
  compile   Print the ruleset a host would get
  diff      Compare a host's desired and active rulesets
            Options: --normalize (round-trip through a scratch netns)

State:
  rule      Manage firewall rules
            Subcommands: add, rm, ls
  forward   Manage port forwards
            Subcommands: add, rm, ls
  nat       Edit live masquerade rules until the next apply
            Subcommands: masquerade, unmasquerade, ls (--cidr <range>)
  import    Copy the config's seed blocks into the state store
  export    Print the stored state as HCL
  history   Show a host's recent ruleset applies

Debugging:
  simulate  Trace a hypothetical packet through the fleet
            Usage: simulate [-proto tcp] [-port N] <source-ip> <target-ip>
  trace     Manage packet tracing on a running serve process
            Subcommands: enable, disable, show, clear
  check     Validate configuration file
            Options: --verbose (-v)
  version   Show version

Examples:
  %s apply --host edge-1
  %s rule add --host edge-1 --zone external --priority 10 --proto tcp --ports 22
  %s simulate --port 443 203.0.113.9 10.1.0.5
  %s trace enable --host edge-1 --hooks input --proto tcp --ports 443
`,
		brand.Name, brand.Get().Description,
		brand.BinaryName, brand.ConfigPath(),
		brand.BinaryName, brand.BinaryName, brand.BinaryName, brand.BinaryName)
}
