package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/fleetwall/internal/clock"
	"grimm.is/fleetwall/internal/events"
	"grimm.is/fleetwall/internal/firewall"
	"grimm.is/fleetwall/internal/netaddr"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(DefaultOptions(":memory:"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sshRule(prio uint16) firewall.Rule {
	return firewall.Rule{
		Priority:              prio,
		DestinationPortRanges: "22",
		Protocol:              firewall.ProtocolTCP,
		Source:                firewall.Any,
		Destination:           firewall.Any,
		Action:                firewall.Allow,
		Comment:               "ssh",
	}
}

func TestNewSQLiteStore_FileBackend(t *testing.T) {
	path := t.TempDir() + "/fleetwall.db"
	ctx := context.Background()

	store, err := NewSQLiteStore(DefaultOptions(path))
	require.NoError(t, err)
	require.NoError(t, store.PutVirtualNetwork(ctx, VirtualNetwork{
		HostID: "h1", Name: "app", Bridge: "vbr-app", AddressSpace: netaddr.MustParseCIDR("10.1.0.0/24"),
	}))
	require.NoError(t, store.Close())
	assert.NoError(t, store.Close())

	store2, err := NewSQLiteStore(DefaultOptions(path))
	require.NoError(t, err)
	defer store2.Close()
	vn, err := store2.VirtualNetwork(ctx, "h1", "app")
	require.NoError(t, err)
	assert.Equal(t, "vbr-app", vn.Bridge)
}

func TestFirewallRules(t *testing.T) {
	restore := clock.SetDefault(clock.NewMockClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)))
	defer restore()

	store := newTestStore(t)
	ctx := context.Background()

	rec := RuleRecord{HostID: "h1", Zone: firewall.ZoneExternal, Direction: firewall.Inbound, Rule: sshRule(20)}
	require.NoError(t, store.AddFirewallRule(ctx, rec))
	require.NoError(t, store.AddFirewallRule(ctx, RuleRecord{
		HostID: "h1", Zone: firewall.ZoneExternal, Direction: firewall.Inbound, Rule: sshRule(10),
	}))

	err := store.AddFirewallRule(ctx, rec)
	assert.ErrorIs(t, err, ErrExists)

	// Same priority is free in another direction.
	require.NoError(t, store.AddFirewallRule(ctx, RuleRecord{
		HostID: "h1", Zone: firewall.ZoneExternal, Direction: firewall.Outbound, Rule: sshRule(20),
	}))

	rules, err := store.FirewallRules(ctx, "h1", firewall.ZoneExternal, firewall.Inbound)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.EqualValues(t, 10, rules[0].Priority)
	assert.Equal(t, sshRule(20), rules[1])

	rec.Rule.Action = firewall.Deny
	require.NoError(t, store.UpdateFirewallRule(ctx, rec))
	all, err := store.ListFirewallRules(ctx, "h1")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, firewall.Deny, all[1].Rule.Action)
	assert.Equal(t, 2026, all[1].UpdatedAt.Year())

	require.NoError(t, store.DeleteFirewallRule(ctx, rec.Key()))
	err = store.DeleteFirewallRule(ctx, rec.Key())
	assert.True(t, IsNotFound(err))

	missing := rec
	missing.Rule.Priority = 999
	assert.ErrorIs(t, store.UpdateFirewallRule(ctx, missing), ErrNotFound)
}

func TestPortForwards(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	pf := firewall.PortForward{
		Protocol:         firewall.ProtocolTCP,
		Port:             8080,
		TargetAddress:    netaddr.MustParseIPv4("10.1.0.5"),
		TargetPort:       80,
		ExternalZoneOnly: true,
		Comment:          "web",
	}
	require.NoError(t, store.AddPortForward(ctx, "h1", pf))
	assert.ErrorIs(t, store.AddPortForward(ctx, "h1", pf), ErrExists)

	udp := pf
	udp.Protocol = firewall.ProtocolUDP
	udp.ExternalZoneOnly = false
	require.NoError(t, store.AddPortForward(ctx, "h1", udp))

	got, err := store.PortForwards(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, []firewall.PortForward{pf, udp}, got)

	none, err := store.PortForwards(ctx, "h2")
	require.NoError(t, err)
	assert.Empty(t, none)

	require.NoError(t, store.DeletePortForward(ctx, ForwardKey{HostID: "h1", Protocol: firewall.ProtocolTCP, Port: 8080}))
	assert.ErrorIs(t, store.DeletePortForward(ctx, ForwardKey{HostID: "h1", Protocol: firewall.ProtocolTCP, Port: 8080}), ErrNotFound)
}

func TestVirtualNetworksAndGateways(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	app := VirtualNetwork{HostID: "h1", Name: "app", Bridge: "vbr-app", AddressSpace: netaddr.MustParseCIDR("10.1.0.0/24")}
	db := VirtualNetwork{HostID: "h2", Name: "db", Bridge: "vbr-db", AddressSpace: netaddr.MustParseCIDR("10.2.0.0/24")}
	require.NoError(t, store.PutVirtualNetwork(ctx, app))
	require.NoError(t, store.PutVirtualNetwork(ctx, db))

	app.AddressSpace = netaddr.MustParseCIDR("10.1.0.0/16")
	require.NoError(t, store.PutVirtualNetwork(ctx, app))

	got, err := store.VirtualNetworkByBridge(ctx, "h1", "vbr-app")
	require.NoError(t, err)
	assert.Equal(t, app, got)

	_, err = store.VirtualNetworkByBridge(ctx, "h2", "vbr-app")
	assert.ErrorIs(t, err, ErrNotFound)

	all, err := store.VirtualNetworks(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []VirtualNetwork{app, db}, all)

	assert.Error(t, store.PutVirtualNetwork(ctx, VirtualNetwork{HostID: "h1", Name: "nobridge"}))
	err = store.PutVirtualNetwork(ctx, VirtualNetwork{HostID: "h1", Name: "web", Bridge: "br-web",
		AddressSpace: netaddr.MustParseCIDR("10.4.0.0/24")})
	assert.ErrorIs(t, err, firewall.ErrShadowedInterface)
	err = store.PutVPNGateway(ctx, VPNGateway{HostID: "h1", Name: "ovpn", Interface: "tap0",
		AddressSpace: netaddr.MustParseCIDR("10.8.0.0/24")})
	assert.ErrorIs(t, err, firewall.ErrShadowedInterface)

	gw := VPNGateway{HostID: "h1", Name: "office", Interface: "wg0", AddressSpace: netaddr.MustParseCIDR("10.9.0.0/24")}
	require.NoError(t, store.PutVPNGateway(ctx, gw))
	gotGW, err := store.VPNGatewayByInterface(ctx, "h1", "wg0")
	require.NoError(t, err)
	assert.Equal(t, gw, gotGW)
	gws, err := store.VPNGateways(ctx, "h1")
	require.NoError(t, err)
	assert.Len(t, gws, 1)

	require.NoError(t, store.DeleteVPNGateway(ctx, "h1", "office"))
	_, err = store.VPNGateway(ctx, "h1", "office")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, store.DeleteVirtualNetwork(ctx, "h2", "db"))
	assert.ErrorIs(t, store.DeleteVirtualNetwork(ctx, "h2", "db"), ErrNotFound)
}

func TestApplyHistory(t *testing.T) {
	mc := clock.NewMockClock(time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC))
	restore := clock.SetDefault(mc)
	defer restore()

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordApply(ctx, ApplyRecord{HostID: "h1", Rules: 10, Duration: 250 * time.Millisecond}))
	mc.Advance(time.Minute)
	require.NoError(t, store.RecordApply(ctx, ApplyRecord{HostID: "h1", Error: "nft: syntax error"}))

	hist, err := store.ApplyHistory(ctx, "h1", 0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "nft: syntax error", hist[0].Error)
	assert.Equal(t, time.Date(2026, 5, 4, 3, 3, 1, 0, time.UTC), hist[0].AppliedAt)
	assert.Equal(t, 10, hist[1].Rules)
	assert.Equal(t, 250*time.Millisecond, hist[1].Duration)

	n, err := store.PruneApplyHistory(ctx, time.Date(2026, 5, 4, 3, 3, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	hist, err = store.ApplyHistory(ctx, "h1", 0)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "nft: syntax error", hist[0].Error)
}

func TestHistoryRecorder(t *testing.T) {
	store := newTestStore(t)
	hub := events.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := NewHistoryRecorder(store, hub, nil)
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	// Wait for the subscription before publishing.
	require.Eventually(t, func() bool {
		hub.EmitRuleset(events.RulesetData{HostID: "h1", Rules: 4})
		hist, err := store.ApplyHistory(context.Background(), "h1", 1)
		return err == nil && len(hist) == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestClosedStore(t *testing.T) {
	store, err := NewSQLiteStore(DefaultOptions(":memory:"))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = store.PortForwards(context.Background(), "h1")
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.ErrorIs(t, store.RecordApply(context.Background(), ApplyRecord{HostID: "h1"}), ErrStoreClosed)
}
