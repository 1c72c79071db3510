//go:build linux

package ruleset

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/nftables"
	"github.com/vishvananda/netns"

	"grimm.is/fleetwall/internal/host"
	"grimm.is/fleetwall/internal/logging"
	"grimm.is/fleetwall/internal/nft"
)

// Conn is the subset of *nftables.Conn the netlink adapter uses.
type Conn interface {
	FlushRuleset()
	AddTable(t *nftables.Table) *nftables.Table
	AddChain(c *nftables.Chain) *nftables.Chain
	AddSet(s *nftables.Set, vals []nftables.SetElement) error
	AddRule(r *nftables.Rule) *nftables.Rule
	DelRule(r *nftables.Rule) error
	Flush() error
}

// NetlinkAdapter talks to the local kernel directly. Reads and the version
// query go through the nft binary.
type NetlinkAdapter struct {
	localHost string
	namespace string
	cli       *CLIAdapter
	logger    *logging.Logger

	mu      sync.Mutex
	newConn func() (Conn, error)
}

// NetlinkOptions configures a NetlinkAdapter.
type NetlinkOptions struct {
	// LocalHost is the only host id the adapter accepts.
	LocalHost string
	// Namespace, if set, targets a named network namespace. Writes into a
	// namespace are not persisted.
	Namespace string
	BootPath  string
}

// NewNetlinkAdapter creates an adapter for the local host.
func NewNetlinkAdapter(opts NetlinkOptions, logger *logging.Logger) *NetlinkAdapter {
	if logger == nil {
		logger = logging.WithComponent("ruleset")
	}
	var runner host.Runner = &host.LocalRunner{}
	if opts.Namespace != "" {
		runner = &host.NamespaceRunner{Namespace: opts.Namespace, Runner: runner}
	}
	a := &NetlinkAdapter{
		localHost: opts.LocalHost,
		namespace: opts.Namespace,
		cli:       NewCLIAdapter(host.StaticSource{opts.LocalHost: runner}, opts.BootPath, logger),
		logger:    logger,
	}
	a.newConn = a.dial
	return a
}

func (a *NetlinkAdapter) dial() (Conn, error) {
	if a.namespace == "" {
		return nftables.New()
	}
	ns, err := netns.GetFromName(a.namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to open netns %s: %w", a.namespace, err)
	}
	defer ns.Close()
	return nftables.New(nftables.WithNetNSFd(int(ns)))
}

func (a *NetlinkAdapter) conn(hostID string) (Conn, error) {
	if hostID != a.localHost {
		return nil, fmt.Errorf("%w: %s", ErrNotLocal, hostID)
	}
	c, err := a.newConn()
	if err != nil {
		return nil, fmt.Errorf("failed to open netlink connection: %w", err)
	}
	return c, nil
}

func (a *NetlinkAdapter) ReadActiveRuleSet(ctx context.Context, hostID string) ([]nft.Table, error) {
	return a.cli.ReadActiveRuleSet(ctx, hostID)
}

func (a *NetlinkAdapter) ReadNetfilterVersion(ctx context.Context, hostID string) (nft.Version, error) {
	return a.cli.ReadNetfilterVersion(ctx, hostID)
}

// WriteRuleSet replaces the ruleset in one netlink batch, then persists the
// rendered script.
func (a *NetlinkAdapter) WriteRuleSet(ctx context.Context, hostID string, tables []nft.Table) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	c, err := a.conn(hostID)
	if err != nil {
		return err
	}
	c.FlushRuleset()
	for i := range tables {
		if err := addTable(c, &tables[i]); err != nil {
			return err
		}
	}
	if err := c.Flush(); err != nil {
		return fmt.Errorf("failed to commit ruleset: %w", err)
	}

	if a.namespace == "" {
		r, err := a.cli.runners.Runner(ctx, hostID)
		if err != nil {
			return err
		}
		if err := a.cli.persist(ctx, r, nft.Render(tables)); err != nil {
			return fmt.Errorf("failed to persist ruleset: %w", err)
		}
	}
	a.logger.Info("ruleset written via netlink", "host", hostID, "rules", nft.RuleCount(tables))
	return nil
}

func addTable(c Conn, t *nft.Table) error {
	family, err := nft.TableFamily(t.Family)
	if err != nil {
		return fmt.Errorf("table %s: %w", t.Name, err)
	}
	nt := c.AddTable(&nftables.Table{Name: t.Name, Family: family})

	// Declare every chain before any rule so jumps resolve.
	chains := make(map[string]*nftables.Chain, len(t.Chains))
	for i := range t.Chains {
		nc, err := nft.NetlinkChain(nt, &t.Chains[i])
		if err != nil {
			return fmt.Errorf("table %s: %w", t.Name, err)
		}
		chains[t.Chains[i].Name] = c.AddChain(nc)
	}
	for i := range t.Chains {
		ch := &t.Chains[i]
		for j := range ch.Rules {
			if err := addRule(c, nt, chains[ch.Name], &ch.Rules[j]); err != nil {
				return fmt.Errorf("%s/%s rule %d: %w", t.Name, ch.Name, j, err)
			}
		}
	}
	return nil
}

func addRule(c Conn, table *nftables.Table, chain *nftables.Chain, r *nft.Rule) error {
	exprs, sets, err := nft.RuleExprs(table, r)
	if err != nil {
		return err
	}
	for i := range sets {
		if err := c.AddSet(sets[i].Set, sets[i].Elements); err != nil {
			return fmt.Errorf("failed to add set: %w", err)
		}
		sets[i].Bind()
	}
	c.AddRule(&nftables.Rule{
		Table:    table,
		Chain:    chain,
		Exprs:    exprs,
		UserData: nft.RuleUserData(r),
	})
	return nil
}

func natChain(chain string) (*nftables.Table, *nftables.Chain) {
	t := &nftables.Table{Name: NATTable, Family: nftables.TableFamilyIPv4}
	return t, &nftables.Chain{Name: chain, Table: t}
}

func (a *NetlinkAdapter) AddNATRule(_ context.Context, hostID, chain string, rule nft.Rule) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	c, err := a.conn(hostID)
	if err != nil {
		return err
	}
	t, ch := natChain(chain)
	if err := addRule(c, t, ch, &rule); err != nil {
		return fmt.Errorf("failed to add nat rule to %s: %w", chain, err)
	}
	if err := c.Flush(); err != nil {
		return fmt.Errorf("failed to add nat rule to %s: %w", chain, err)
	}
	return nil
}

func (a *NetlinkAdapter) DeleteNATRule(_ context.Context, hostID, chain string, handle uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	c, err := a.conn(hostID)
	if err != nil {
		return err
	}
	t, ch := natChain(chain)
	if err := c.DelRule(&nftables.Rule{Table: t, Chain: ch, Handle: handle}); err != nil {
		return fmt.Errorf("failed to delete nat rule %d from %s: %w", handle, chain, err)
	}
	if err := c.Flush(); err != nil {
		return fmt.Errorf("failed to delete nat rule %d from %s: %w", handle, chain, err)
	}
	return nil
}
