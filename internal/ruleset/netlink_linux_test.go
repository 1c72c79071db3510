//go:build linux

package ruleset

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/fleetwall/internal/nft"
)

type fakeConn struct {
	ops      []string
	sets     []*nftables.Set
	rules    []*nftables.Rule
	deleted  []*nftables.Rule
	flushErr error
}

func (c *fakeConn) FlushRuleset() { c.ops = append(c.ops, "flush ruleset") }

func (c *fakeConn) AddTable(t *nftables.Table) *nftables.Table {
	c.ops = append(c.ops, "table "+t.Name)
	return t
}

func (c *fakeConn) AddChain(ch *nftables.Chain) *nftables.Chain {
	c.ops = append(c.ops, "chain "+ch.Name)
	return ch
}

func (c *fakeConn) AddSet(s *nftables.Set, _ []nftables.SetElement) error {
	s.ID = uint32(len(c.sets) + 1)
	s.Name = fmt.Sprintf("__set%d", len(c.sets))
	c.sets = append(c.sets, s)
	c.ops = append(c.ops, "set "+s.Name)
	return nil
}

func (c *fakeConn) AddRule(r *nftables.Rule) *nftables.Rule {
	c.rules = append(c.rules, r)
	c.ops = append(c.ops, "rule "+r.Chain.Name)
	return r
}

func (c *fakeConn) DelRule(r *nftables.Rule) error {
	c.deleted = append(c.deleted, r)
	return nil
}

func (c *fakeConn) Flush() error {
	c.ops = append(c.ops, "commit")
	return c.flushErr
}

func newNetlinkAdapter(conn *fakeConn) *NetlinkAdapter {
	a := NewNetlinkAdapter(NetlinkOptions{LocalHost: "local", Namespace: "fw-test"}, nil)
	a.newConn = func() (Conn, error) { return conn, nil }
	return a
}

func TestNetlinkAdapter_WriteRuleSet(t *testing.T) {
	conn := &fakeConn{}
	a := newNetlinkAdapter(conn)
	tables := []nft.Table{{
		Name:   "filter",
		Family: nft.FamilyIP,
		Chains: []nft.Chain{
			{
				Name: "INPUT", Type: "filter", Hook: "input", Policy: "drop",
				Rules: []nft.Rule{{
					Conditions: []nft.Condition{nft.Match(nft.Meta{Key: "iifname"}, nft.Values{V: []string{"eth0", "eth1"}})},
					Policy:     nft.Jump{Target: "ENTER_zone_external"},
				}},
			},
			{
				Name:  "ENTER_zone_external",
				Rules: []nft.Rule{{Policy: nft.Accept{}, Comment: "ssh"}},
			},
		},
	}}

	require.NoError(t, a.WriteRuleSet(context.Background(), "local", tables))
	assert.Equal(t, []string{
		"flush ruleset",
		"table filter",
		"chain INPUT",
		"chain ENTER_zone_external",
		"set __set0",
		"rule INPUT",
		"rule ENTER_zone_external",
		"commit",
	}, conn.ops)

	require.Len(t, conn.rules, 2)
	var lookup *expr.Lookup
	for _, e := range conn.rules[0].Exprs {
		if l, ok := e.(*expr.Lookup); ok {
			lookup = l
		}
	}
	require.NotNil(t, lookup)
	assert.Equal(t, "__set0", lookup.SetName)
	assert.Equal(t, uint32(1), lookup.SetID)
	assert.NotEmpty(t, conn.rules[1].UserData)
}

func TestNetlinkAdapter_RejectsRemoteHost(t *testing.T) {
	a := newNetlinkAdapter(&fakeConn{})
	err := a.WriteRuleSet(context.Background(), "remote", nil)
	assert.ErrorIs(t, err, ErrNotLocal)
}

func TestNetlinkAdapter_CommitFailure(t *testing.T) {
	a := newNetlinkAdapter(&fakeConn{flushErr: errors.New("EPERM")})
	err := a.WriteRuleSet(context.Background(), "local", []nft.Table{{Name: "nat", Family: nft.FamilyIP}})
	assert.ErrorContains(t, err, "EPERM")
}

func TestNetlinkAdapter_NATRules(t *testing.T) {
	conn := &fakeConn{}
	a := newNetlinkAdapter(conn)
	ctx := context.Background()

	require.NoError(t, a.AddNATRule(ctx, "local", "POSTROUTING", nft.Rule{Policy: nft.Masquerade{}}))
	require.Len(t, conn.rules, 1)
	assert.Equal(t, "nat", conn.rules[0].Table.Name)
	assert.Equal(t, nftables.TableFamilyIPv4, conn.rules[0].Table.Family)

	require.NoError(t, a.DeleteNATRule(ctx, "local", "POSTROUTING", 42))
	require.Len(t, conn.deleted, 1)
	assert.Equal(t, uint64(42), conn.deleted[0].Handle)
	assert.Equal(t, "POSTROUTING", conn.deleted[0].Chain.Name)
}
