// Package ruleset reads and writes the active netfilter ruleset of a host.
package ruleset

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"grimm.is/fleetwall/internal/host"
	"grimm.is/fleetwall/internal/logging"
	"grimm.is/fleetwall/internal/nft"
)

// DefaultBootPath is where the boot-time ruleset is persisted.
const DefaultBootPath = "/etc/nftables.conf"

// NATTable is the table single-rule NAT operations act on.
const NATTable = "nat"

var (
	// ErrRuleNotFound is returned when a structural lookup matches nothing.
	ErrRuleNotFound = errors.New("rule not found")
	// ErrNotLocal is returned when a local-only adapter is asked about another host.
	ErrNotLocal = errors.New("host is not the local host")
)

// Adapter applies and reads rulesets on hosts.
type Adapter interface {
	ReadActiveRuleSet(ctx context.Context, hostID string) ([]nft.Table, error)
	// WriteRuleSet replaces the host's entire ruleset and makes it durable
	// across reboots.
	WriteRuleSet(ctx context.Context, hostID string, tables []nft.Table) error
	AddNATRule(ctx context.Context, hostID, chain string, rule nft.Rule) error
	DeleteNATRule(ctx context.Context, hostID, chain string, handle uint64) error
	ReadNetfilterVersion(ctx context.Context, hostID string) (nft.Version, error)
}

// CLIAdapter drives the nft binary through a host runner, so it works for
// local and SSH hosts alike.
type CLIAdapter struct {
	runners  host.Source
	bootPath string
	logger   *logging.Logger
}

// NewCLIAdapter creates an adapter. An empty bootPath uses DefaultBootPath.
func NewCLIAdapter(runners host.Source, bootPath string, logger *logging.Logger) *CLIAdapter {
	if bootPath == "" {
		bootPath = DefaultBootPath
	}
	if logger == nil {
		logger = logging.WithComponent("ruleset")
	}
	return &CLIAdapter{runners: runners, bootPath: bootPath, logger: logger}
}

// ReadActiveRuleSet lists and decodes the live ruleset.
func (a *CLIAdapter) ReadActiveRuleSet(ctx context.Context, hostID string) ([]nft.Table, error) {
	r, err := a.runners.Runner(ctx, hostID)
	if err != nil {
		return nil, err
	}
	out, err := r.Output(ctx, "nft", "-j", "list", "ruleset")
	if err != nil {
		return nil, fmt.Errorf("failed to list ruleset on %s: %w", hostID, err)
	}
	tables, err := nft.DecodeRuleset(out)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ruleset of %s: %w", hostID, err)
	}
	return tables, nil
}

// WriteRuleSet validates the rendered script with `nft -c`, applies it and
// persists it. A rejected script leaves the live ruleset untouched.
func (a *CLIAdapter) WriteRuleSet(ctx context.Context, hostID string, tables []nft.Table) error {
	r, err := a.runners.Runner(ctx, hostID)
	if err != nil {
		return err
	}
	script := nft.Render(tables)

	if err := r.RunInput(ctx, script, "nft", "-c", "-f", "-"); err != nil {
		return fmt.Errorf("script validation failed on %s: %w", hostID, err)
	}
	if err := r.RunInput(ctx, script, "nft", "-f", "-"); err != nil {
		return fmt.Errorf("script application failed on %s: %w", hostID, err)
	}
	if err := a.persist(ctx, r, script); err != nil {
		return fmt.Errorf("failed to persist ruleset on %s: %w", hostID, err)
	}
	a.logger.Info("ruleset written", "host", hostID, "rules", nft.RuleCount(tables))
	return nil
}

// persist stores the script at the boot path and enables the loader unit.
// Render output already starts with "flush ruleset".
func (a *CLIAdapter) persist(ctx context.Context, r host.Runner, script string) error {
	if !strings.HasPrefix(script, "flush ruleset\n") {
		script = "flush ruleset\n" + script
	}
	if err := r.RunInput(ctx, script, "tee", a.bootPath); err != nil {
		return err
	}
	return r.Run(ctx, "systemctl", "enable", "nftables")
}

// AddNATRule appends one rule to a chain of the ip nat table.
func (a *CLIAdapter) AddNATRule(ctx context.Context, hostID, chain string, rule nft.Rule) error {
	r, err := a.runners.Runner(ctx, hostID)
	if err != nil {
		return err
	}
	b := nft.NewScriptBuilder()
	b.AddRule(nft.FamilyIP, NATTable, chain, &rule)
	if err := r.RunInput(ctx, b.Build(), "nft", "-f", "-"); err != nil {
		return fmt.Errorf("failed to add nat rule to %s on %s: %w", chain, hostID, err)
	}
	return nil
}

// DeleteNATRule removes a rule of the ip nat table by handle.
func (a *CLIAdapter) DeleteNATRule(ctx context.Context, hostID, chain string, handle uint64) error {
	r, err := a.runners.Runner(ctx, hostID)
	if err != nil {
		return err
	}
	b := nft.NewScriptBuilder()
	b.DeleteRule(nft.FamilyIP, NATTable, chain, handle)
	if err := r.RunInput(ctx, b.Build(), "nft", "-f", "-"); err != nil {
		return fmt.Errorf("failed to delete nat rule %d from %s on %s: %w", handle, chain, hostID, err)
	}
	return nil
}

// ReadNetfilterVersion parses `nft --version`.
func (a *CLIAdapter) ReadNetfilterVersion(ctx context.Context, hostID string) (nft.Version, error) {
	r, err := a.runners.Runner(ctx, hostID)
	if err != nil {
		return nft.Version{}, err
	}
	out, err := r.Output(ctx, "nft", "--version")
	if err != nil {
		return nft.Version{}, fmt.Errorf("failed to read nft version on %s: %w", hostID, err)
	}
	return nft.ParseVersion(string(out))
}

// HostRouter sends each host to its own adapter, and every other host to
// Default.
type HostRouter struct {
	Default Adapter
	Hosts   map[string]Adapter
}

func (r *HostRouter) pick(hostID string) Adapter {
	if a, ok := r.Hosts[hostID]; ok {
		return a
	}
	return r.Default
}

func (r *HostRouter) ReadActiveRuleSet(ctx context.Context, hostID string) ([]nft.Table, error) {
	return r.pick(hostID).ReadActiveRuleSet(ctx, hostID)
}

func (r *HostRouter) WriteRuleSet(ctx context.Context, hostID string, tables []nft.Table) error {
	return r.pick(hostID).WriteRuleSet(ctx, hostID, tables)
}

func (r *HostRouter) AddNATRule(ctx context.Context, hostID, chain string, rule nft.Rule) error {
	return r.pick(hostID).AddNATRule(ctx, hostID, chain, rule)
}

func (r *HostRouter) DeleteNATRule(ctx context.Context, hostID, chain string, handle uint64) error {
	return r.pick(hostID).DeleteNATRule(ctx, hostID, chain, handle)
}

func (r *HostRouter) ReadNetfilterVersion(ctx context.Context, hostID string) (nft.Version, error) {
	return r.pick(hostID).ReadNetfilterVersion(ctx, hostID)
}
