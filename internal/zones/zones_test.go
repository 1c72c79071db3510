package zones

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/fleetwall/internal/events"
	"grimm.is/fleetwall/internal/firewall"
	"grimm.is/fleetwall/internal/host"
	"grimm.is/fleetwall/internal/metrics"
	"grimm.is/fleetwall/internal/netaddr"
	"grimm.is/fleetwall/internal/state"
)

type fakeProvider struct {
	prefix string
	claims map[string]string
	data   map[string]*ZoneData
	err    error
}

func (p *fakeProvider) Prefix() string { return p.prefix }

func (p *fakeProvider) MatchInterface(_ context.Context, _, nic string) (string, bool, error) {
	if p.err != nil {
		return "", false, p.err
	}
	z, ok := p.claims[nic]
	return z, ok, nil
}

func (p *fakeProvider) ProvideData(_ context.Context, _, zone string) (*ZoneData, error) {
	return p.data[zone], nil
}

func TestClassify(t *testing.T) {
	tests := []struct {
		nic  string
		zone string
		ok   bool
	}{
		{"lo", firewall.ZoneTrusted, true},
		{"eth0", firewall.ZoneExternal, true},
		{"enp3s0", firewall.ZoneExternal, true},
		{"docker0", firewall.ZoneDocker, true},
		{"br-1a2b", firewall.ZoneDocker, true},
		{"veth99", firewall.ZoneDocker, true},
		{"virbr0", firewall.ZoneLibvirt, true},
		{"tap3", firewall.ZoneLibvirt, true},
		{"lxcbr0", firewall.ZoneLXC, true},
		{"lxdbr0", firewall.ZoneLXC, true},
		{"vbr-app", "", false},
		{"wg0", "", false},
		{"loopback", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.nic, func(t *testing.T) {
			zone, ok := Classify(tt.nic)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.zone, zone)
		})
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	first := &fakeProvider{prefix: "vnet-", claims: map[string]string{"x0": "vnet-a"}}
	second := &fakeProvider{prefix: "vn", claims: map[string]string{"x0": "vn-b", "y0": "vn-c"}}
	require.NoError(t, r.Register(first))
	require.NoError(t, r.Register(second))
	assert.Error(t, r.Register(&fakeProvider{prefix: "vnet-"}))
	assert.Error(t, r.Register(&fakeProvider{}))

	ctx := context.Background()
	zone, ok, err := r.MatchInterface(ctx, "h1", "x0")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "vnet-a", zone, "first registered provider wins")

	zone, ok, err = r.MatchInterface(ctx, "h1", "y0")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "vn-c", zone)

	_, ok, err = r.MatchInterface(ctx, "h1", "z0")
	require.NoError(t, err)
	assert.False(t, ok)

	p, err := r.Owner("vnet-a")
	require.NoError(t, err)
	assert.Same(t, first, p)

	_, err = r.Owner("vpn-office")
	assert.ErrorIs(t, err, firewall.ErrUnknownZone)

	assert.Len(t, r.Providers(), 2)
}

func TestRegistry_MatchError(t *testing.T) {
	r := NewRegistry().MustRegister(&fakeProvider{prefix: "vpn-", err: errors.New("store down")})
	_, _, err := r.MatchInterface(context.Background(), "h1", "wg0")
	assert.ErrorContains(t, err, "store down")
}

type fixture struct {
	store *state.SQLiteStore
	inv   *host.StaticInventory
	hub   *events.Hub
	asm   *Assembler
	m     *metrics.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := state.NewSQLiteStore(state.DefaultOptions(":memory:"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	inv := host.NewStaticInventory()
	inv.SetInterfaces("h1", []host.Interface{
		host.IPv4Interface("lo", "127.0.0.1", 8),
		host.IPv4Interface("eth0", "203.0.113.10", 24),
		host.IPv4Interface("vbr-app", "10.1.0.1", 24),
		host.IPv4Interface("wg0", "10.9.0.1", 24),
		host.IPv4Interface("docker0", "172.17.0.1", 16),
		host.IPv4Interface("virbr0", "192.168.122.1", 24),
		host.IPv4Interface("dummy7", "", 0),
	}, "eth0")

	ctx := context.Background()
	require.NoError(t, store.PutVirtualNetwork(ctx, state.VirtualNetwork{
		HostID: "h1", Name: "app", Bridge: "vbr-app", AddressSpace: netaddr.MustParseCIDR("10.1.0.0/24"),
	}))
	require.NoError(t, store.PutVPNGateway(ctx, state.VPNGateway{
		HostID: "h1", Name: "office", Interface: "wg0", AddressSpace: netaddr.MustParseCIDR("10.9.0.0/24"),
	}))
	require.NoError(t, store.AddFirewallRule(ctx, state.RuleRecord{
		HostID: "h1", Zone: firewall.ZoneExternal, Direction: firewall.Inbound,
		Rule: firewall.Rule{Priority: 10, DestinationPortRanges: "22", Protocol: firewall.ProtocolTCP,
			Source: firewall.Any, Destination: firewall.Any, Action: firewall.Allow},
	}))
	require.NoError(t, store.AddFirewallRule(ctx, state.RuleRecord{
		HostID: "h1", Zone: "vnet-app", Direction: firewall.Inbound,
		Rule: firewall.Rule{Priority: 5, DestinationPortRanges: "80", Protocol: firewall.ProtocolTCP,
			Source: firewall.Any, Destination: firewall.Any, Action: firewall.Allow},
	}))
	require.NoError(t, store.AddPortForward(ctx, "h1", firewall.PortForward{
		Protocol: firewall.ProtocolTCP, Port: 8080, TargetAddress: netaddr.MustParseIPv4("10.1.0.5"), TargetPort: 80,
	}))

	hub := events.NewHub()
	m := metrics.New()
	return &fixture{
		store: store,
		inv:   inv,
		hub:   hub,
		m:     m,
		asm:   NewAssembler(NewDefaultRegistry(store, inv), inv, hub, m, nil),
	}
}

func TestAssemble(t *testing.T) {
	f := newFixture(t)
	zc, err := f.asm.Assemble(context.Background(), "h1")
	require.NoError(t, err)

	assert.Equal(t, []string{"lo"}, zc.Trusted.InterfaceNames)
	assert.Equal(t, []string{"eth0"}, zc.External.InterfaceNames)
	assert.Equal(t, []netaddr.IPv4{netaddr.MustParseIPv4("203.0.113.10")}, zc.External.Addresses)
	require.Len(t, zc.External.InboundRules, 1)
	assert.EqualValues(t, 10, zc.External.InboundRules[0].Priority)
	require.Len(t, zc.External.PortForwards, 1)

	require.Len(t, zc.Custom, 2)
	assert.Equal(t, "vnet-app", zc.Custom[0].Name)
	assert.Equal(t, "10.1.0.0/24", zc.Custom[0].AddressSpace.String())
	assert.Equal(t, []string{"vbr-app"}, zc.Custom[0].InterfaceNames)
	require.Len(t, zc.Custom[0].InboundRules, 1)
	assert.Equal(t, "vpn-office", zc.Custom[1].Name)
	assert.Empty(t, zc.Custom[1].InboundRules)

	require.Len(t, zc.Reserved, 2)
	assert.Equal(t, firewall.ZoneDocker, zc.Reserved[0].Name)
	assert.Equal(t, firewall.ZoneLibvirt, zc.Reserved[1].Name)

	// The assembled collection compiles.
	_, err = firewall.Compile(zc, nil, firewall.CompileOptions{})
	assert.NoError(t, err)
}

func TestAssemble_ShadowedBridgeNeverStored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.inv.SetInterfaces("h3", []host.Interface{
		host.IPv4Interface("eth0", "203.0.113.20", 24),
		host.IPv4Interface("br-app", "10.3.0.1", 24),
	}, "eth0")

	err := f.store.PutVirtualNetwork(ctx, state.VirtualNetwork{
		HostID: "h3", Name: "app", Bridge: "br-app", AddressSpace: netaddr.MustParseCIDR("10.3.0.0/24"),
	})
	require.ErrorIs(t, err, firewall.ErrShadowedInterface)
	assert.ErrorContains(t, err, "zone docker")

	zc, err := f.asm.Assemble(ctx, "h3")
	require.NoError(t, err)
	assert.Empty(t, zc.Custom)
	require.Len(t, zc.Reserved, 1)
	assert.Equal(t, firewall.ZoneDocker, zc.Reserved[0].Name)

	// A bridge name outside the built-in patterns gets its own zone.
	f.inv.SetInterfaces("h3", []host.Interface{
		host.IPv4Interface("eth0", "203.0.113.20", 24),
		host.IPv4Interface("vbr-app3", "10.3.0.1", 24),
	}, "eth0")
	require.NoError(t, f.store.PutVirtualNetwork(ctx, state.VirtualNetwork{
		HostID: "h3", Name: "app", Bridge: "vbr-app3", AddressSpace: netaddr.MustParseCIDR("10.3.0.0/24"),
	}))
	require.NoError(t, f.store.AddPortForward(ctx, "h3", firewall.PortForward{
		Protocol: firewall.ProtocolTCP, Port: 8080, TargetAddress: netaddr.MustParseIPv4("10.3.0.5"), TargetPort: 80,
	}))
	zc, err = f.asm.Assemble(ctx, "h3")
	require.NoError(t, err)
	require.Len(t, zc.Custom, 1)
	assert.Equal(t, "vnet-app", zc.Custom[0].Name)
	_, err = firewall.Compile(zc, nil, firewall.CompileOptions{})
	assert.NoError(t, err)
}

func TestAssemble_DefaultRouteNICClaimedByHostProvider(t *testing.T) {
	f := newFixture(t)
	f.inv.SetInterfaces("h2", []host.Interface{
		host.IPv4Interface("wan0", "198.51.100.7", 24),
	}, "wan0")

	zc, err := f.asm.Assemble(context.Background(), "h2")
	require.NoError(t, err)
	assert.Equal(t, []string{"wan0"}, zc.External.InterfaceNames)
	assert.Equal(t, "198.51.100.7", zc.External.Addresses[0].String())
}

func TestAssemble_UnknownZone(t *testing.T) {
	f := newFixture(t)
	reg := NewRegistry().MustRegister(
		&fakeProvider{prefix: "external", data: map[string]*ZoneData{}},
		&fakeProvider{prefix: "x", claims: map[string]string{"wg0": "orphan-zone"}},
	)
	asm := NewAssembler(reg, f.inv, nil, nil, nil)
	_, err := asm.Assemble(context.Background(), "h1")
	assert.ErrorIs(t, err, firewall.ErrUnknownZone)
	assert.ErrorContains(t, err, "orphan-zone")
}

func TestAssemble_UnknownHost(t *testing.T) {
	f := newFixture(t)
	_, err := f.asm.Assemble(context.Background(), "nope")
	assert.ErrorIs(t, err, host.ErrUnknownHost)
}

func TestNotifyChanged(t *testing.T) {
	f := newFixture(t)
	ch := f.hub.Subscribe(4, events.EventZoneChanged)

	f.asm.NotifyChanged("h1")
	f.asm.NotifyZoneChanged("h1", "vnet-app")

	for _, want := range []events.ZoneChangedData{{HostID: "h1"}, {HostID: "h1", Zone: "vnet-app"}} {
		select {
		case e := <-ch:
			assert.Equal(t, want, e.Data)
		case <-time.After(100 * time.Millisecond):
			t.Fatal("no zone.changed event")
		}
	}

	NewAssembler(NewRegistry(), f.inv, nil, nil, nil).NotifyChanged("h1")
}
