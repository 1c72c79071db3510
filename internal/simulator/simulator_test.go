package simulator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/fleetwall/internal/firewall"
	"grimm.is/fleetwall/internal/host"
	"grimm.is/fleetwall/internal/netaddr"
)

type fakeFleet struct {
	zones map[string]*firewall.ZoneCollection
	fail  map[string]bool
	calls int
}

func (f *fakeFleet) Hosts() []string {
	ids := make([]string, 0, len(f.zones))
	for id := range f.zones {
		ids = append(ids, id)
	}
	for id := range f.fail {
		ids = append(ids, id)
	}
	return ids
}

func (f *fakeFleet) Assemble(_ context.Context, hostID string) (*firewall.ZoneCollection, error) {
	f.calls++
	if f.fail[hostID] {
		return nil, errors.New("ssh: connection refused")
	}
	zc, ok := f.zones[hostID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", host.ErrUnknownHost, hostID)
	}
	return zc, nil
}

func allow(prio uint16, proto firewall.Protocol, ports string) firewall.Rule {
	return firewall.Rule{Priority: prio, DestinationPortRanges: ports, Protocol: proto,
		Source: firewall.Any, Destination: firewall.Any, Action: firewall.Allow}
}

func deny(prio uint16, proto firewall.Protocol, ports, comment string) firewall.Rule {
	r := allow(prio, proto, ports)
	r.Action = firewall.Deny
	r.Comment = comment
	return r
}

// h1 is the port forwarding host: 203.0.113.10, vnet-app 10.1.0.0/24 and
// tcp/8080 forwarded to 10.1.0.5:80.
func h1(appInbound ...firewall.Rule) *firewall.ZoneCollection {
	return &firewall.ZoneCollection{
		External: firewall.ExternalZone{
			InterfaceNames: []string{"eth0"},
			Addresses:      []netaddr.IPv4{netaddr.MustParseIPv4("203.0.113.10")},
			InboundRules:   []firewall.Rule{allow(10, firewall.ProtocolTCP, "22")},
			PortForwards: []firewall.PortForward{{
				Protocol:      firewall.ProtocolTCP,
				Port:          8080,
				TargetAddress: netaddr.MustParseIPv4("10.1.0.5"),
				TargetPort:    80,
			}},
		},
		Custom: []firewall.Zone{
			{
				Name:           "vnet-app",
				AddressSpace:   netaddr.MustParseCIDR("10.1.0.0/24"),
				InterfaceNames: []string{"vbr-app"},
				InboundRules:   appInbound,
			},
			{
				Name:           "vnet-db",
				AddressSpace:   netaddr.MustParseCIDR("10.2.0.0/24"),
				InterfaceNames: []string{"vbr-db"},
				OutboundRules:  []firewall.Rule{deny(3, firewall.ProtocolTCP, "5432", "no db egress")},
			},
		},
	}
}

func h2() *firewall.ZoneCollection {
	return &firewall.ZoneCollection{
		External: firewall.ExternalZone{
			InterfaceNames: []string{"eth0"},
			Addresses:      []netaddr.IPv4{netaddr.MustParseIPv4("198.51.100.20")},
			OutboundRules:  []firewall.Rule{deny(7, firewall.ProtocolTCP, "25", "no smtp")},
		},
	}
}

func newSim(zones map[string]*firewall.ZoneCollection, inv host.Inventory) (*Simulator, *fakeFleet) {
	f := &fakeFleet{zones: zones}
	return New(f, f, inv, nil), f
}

func joined(res *Result) string { return strings.Join(res.Lines, "\n") }

func TestSimulate_PortForwardAdmitted(t *testing.T) {
	sim, _ := newSim(map[string]*firewall.ZoneCollection{
		"h1": h1(allow(5, firewall.ProtocolTCP, "80")),
	}, nil)

	res, err := sim.Simulate(context.Background(), Request{
		Protocol: firewall.ProtocolTCP, Source: "192.0.2.44", Target: "203.0.113.10", Port: 8080,
	})
	require.NoError(t, err)

	assert.Equal(t, HostsNetLocation{}, res.Origin)
	assert.Equal(t, VNetLocation{HostID: "h1", Zone: "vnet-app"}, res.Reached)
	assert.True(t, res.Admitted)
	require.NotNil(t, res.Decision)
	assert.EqualValues(t, 5, res.Decision.Priority)

	assert.Equal(t, []string{
		"origin 192.0.2.44 is on hosts-net",
		"target 203.0.113.10 is on host h1",
		"h1: DNAT tcp 203.0.113.10:8080 to 10.1.0.5:80",
		"forward target 10.1.0.5 is on zone vnet-app on h1",
		"h1: enters zone vnet-app",
		"vnet-app inbound: admitted by rule priority 5",
	}, res.Lines)
}

func TestSimulate_PortForwardBlocked(t *testing.T) {
	tests := []struct {
		name  string
		rules []firewall.Rule
		want  string
	}{
		{
			name:  "explicit deny",
			rules: []firewall.Rule{deny(4, firewall.ProtocolTCP, "80", "maintenance"), allow(5, firewall.ProtocolTCP, "80")},
			want:  "vnet-app inbound: blocked by rule priority 4 (maintenance)",
		},
		{
			name:  "implicit deny",
			rules: []firewall.Rule{allow(5, firewall.ProtocolTCP, "443")},
			want:  "vnet-app inbound: blocked by implicit rule (implicit inbound deny)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim, _ := newSim(map[string]*firewall.ZoneCollection{"h1": h1(tt.rules...)}, nil)
			res, err := sim.Simulate(context.Background(), Request{
				Protocol: firewall.ProtocolTCP, Source: "192.0.2.44", Target: "203.0.113.10", Port: 8080,
			})
			require.NoError(t, err)
			assert.False(t, res.Admitted)
			require.NotNil(t, res.Decision)
			assert.Equal(t, tt.want, res.Lines[len(res.Lines)-1])
		})
	}
}

func TestSimulate_ExternalEntryCheck(t *testing.T) {
	sim, _ := newSim(map[string]*firewall.ZoneCollection{"h1": h1()}, nil)
	ctx := context.Background()

	res, err := sim.Simulate(ctx, Request{Protocol: firewall.ProtocolTCP, Source: "192.0.2.44", Target: "203.0.113.10", Port: 22})
	require.NoError(t, err)
	assert.True(t, res.Admitted)
	assert.Contains(t, joined(res), "h1: entry check on external zone")

	res, err = sim.Simulate(ctx, Request{Protocol: firewall.ProtocolUDP, Source: "192.0.2.44", Target: "203.0.113.10", Port: 53})
	require.NoError(t, err)
	assert.False(t, res.Admitted)
	assert.True(t, res.Decision.Implicit)
}

func TestSimulate_CrossHost(t *testing.T) {
	sim, _ := newSim(map[string]*firewall.ZoneCollection{
		"h1": h1(allow(5, firewall.ProtocolTCP, "80")),
		"h2": h2(),
	}, nil)
	ctx := context.Background()

	res, err := sim.Simulate(ctx, Request{Protocol: firewall.ProtocolTCP, Source: "198.51.100.20", Target: "203.0.113.10", Port: 8080})
	require.NoError(t, err)
	assert.Equal(t, HostLocation{HostID: "h2"}, res.Origin)
	assert.True(t, res.Admitted)
	assert.Contains(t, joined(res), "h2: leaves via external zone")

	res, err = sim.Simulate(ctx, Request{Protocol: firewall.ProtocolTCP, Source: "198.51.100.20", Target: "203.0.113.10", Port: 25})
	require.NoError(t, err)
	assert.False(t, res.Admitted)
	assert.Equal(t, "external outbound: blocked by rule priority 7 (no smtp)", res.Lines[len(res.Lines)-1])
}

func TestSimulate_FromVNet(t *testing.T) {
	sim, _ := newSim(map[string]*firewall.ZoneCollection{
		"h1": h1(allow(5, firewall.ProtocolTCP, "80")),
		"h2": h2(),
	}, nil)
	ctx := context.Background()

	// Egress from a zone is masqueraded to the host address.
	res, err := sim.Simulate(ctx, Request{Protocol: firewall.ProtocolTCP, Source: "10.1.0.5", Target: "198.51.100.20", Port: 443})
	require.NoError(t, err)
	assert.Contains(t, joined(res), "h1: masqueraded to 203.0.113.10")
	assert.False(t, res.Admitted, "h2 has no inbound allow")

	// Zone outbound rules stop the packet before it leaves.
	res, err = sim.Simulate(ctx, Request{Protocol: firewall.ProtocolTCP, Source: "10.2.0.9", Target: "10.1.0.5", Port: 5432})
	require.NoError(t, err)
	assert.False(t, res.Admitted)
	assert.Equal(t, "vnet-db outbound: blocked by rule priority 3 (no db egress)", res.Lines[len(res.Lines)-1])

	// Same zone goes over the bridge.
	res, err = sim.Simulate(ctx, Request{Protocol: firewall.ProtocolTCP, Source: "10.1.0.7", Target: "10.1.0.5", Port: 80})
	require.NoError(t, err)
	assert.True(t, res.Admitted)
	assert.Contains(t, joined(res), "h1: bridged inside zone vnet-app")

	// Zone to its own host is checked against the zone's outbound rules.
	res, err = sim.Simulate(ctx, Request{Protocol: firewall.ProtocolTCP, Source: "10.2.0.9", Target: "203.0.113.10", Port: 5432})
	require.NoError(t, err)
	assert.False(t, res.Admitted)
	assert.Contains(t, joined(res), "h1: same host, entry check from zone vnet-db")

	// Hairpin through the forward.
	res, err = sim.Simulate(ctx, Request{Protocol: firewall.ProtocolTCP, Source: "10.2.0.9", Target: "203.0.113.10", Port: 8080})
	require.NoError(t, err)
	assert.True(t, res.Admitted)
	assert.Contains(t, joined(res), "h1: DNAT tcp 203.0.113.10:8080 to 10.1.0.5:80")
}

func TestSimulate_HostToOwnVNet(t *testing.T) {
	inv := host.NewStaticInventory()
	inv.SetInterfaces("h1", []host.Interface{
		host.IPv4Interface("eth0", "203.0.113.10", 24),
		host.IPv4Interface("vbr-app", "10.1.0.1", 24),
	}, "eth0")
	sim, _ := newSim(map[string]*firewall.ZoneCollection{"h1": h1(allow(5, firewall.ProtocolTCP, "80"))}, inv)
	ctx := context.Background()

	res, err := sim.Simulate(ctx, Request{Protocol: firewall.ProtocolTCP, Source: "203.0.113.10", Target: "10.1.0.5", Port: 80})
	require.NoError(t, err)
	assert.True(t, res.Admitted)
	assert.Contains(t, joined(res), "h1: host to own zone vnet-app via vbr-app")

	// vnet-db has no bridge address in the inventory.
	res, err = sim.Simulate(ctx, Request{Protocol: firewall.ProtocolTCP, Source: "203.0.113.10", Target: "10.2.0.3", Port: 80})
	require.NoError(t, err)
	assert.False(t, res.Admitted)
	assert.Nil(t, res.Decision)
	assert.Equal(t, "no route found: no interface on h1 holds 10.2.0.3", res.Lines[len(res.Lines)-1])

	res, err = sim.Simulate(ctx, Request{Protocol: firewall.ProtocolTCP, Source: "203.0.113.10", Target: "203.0.113.10", Port: 9999})
	require.NoError(t, err)
	assert.True(t, res.Admitted)
}

func TestSimulate_DeadEnds(t *testing.T) {
	sim, _ := newSim(map[string]*firewall.ZoneCollection{"h1": h1(), "h2": h2()}, nil)
	ctx := context.Background()

	tests := []struct {
		name   string
		source string
		target string
		want   string
	}{
		{"outside fleet", "192.0.2.1", "192.0.2.2", "no route found: 192.0.2.2 is outside the fleet"},
		{"private zone from outside", "192.0.2.1", "10.1.0.5", "no route found: 10.1.0.5 is private to h1"},
		{"private zone from other host", "198.51.100.20", "10.1.0.5", "no route found: 10.1.0.5 is private to h1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := sim.Simulate(ctx, Request{Protocol: firewall.ProtocolTCP, Source: tt.source, Target: tt.target, Port: 80})
			require.NoError(t, err)
			assert.False(t, res.Admitted)
			assert.Nil(t, res.Decision)
			assert.Equal(t, tt.want, res.Lines[len(res.Lines)-1])
		})
	}
}

func TestSimulate_InputErrors(t *testing.T) {
	sim, _ := newSim(map[string]*firewall.ZoneCollection{"h1": h1()}, nil)
	ctx := context.Background()

	_, err := sim.Simulate(ctx, Request{Source: "not-an-ip", Target: "203.0.113.10"})
	assert.ErrorContains(t, err, "invalid source")
	_, err = sim.Simulate(ctx, Request{Source: "192.0.2.1", Target: "203.0.113"})
	assert.ErrorContains(t, err, "invalid target")
	_, err = sim.Simulate(ctx, Request{Protocol: firewall.ProtocolAny, Source: "192.0.2.1", Target: "203.0.113.10"})
	assert.ErrorIs(t, err, firewall.ErrInvalidRule)
}

func TestSimulate_UnavailableHostIsSkipped(t *testing.T) {
	f := &fakeFleet{
		zones: map[string]*firewall.ZoneCollection{"h1": h1(allow(5, firewall.ProtocolTCP, "80"))},
		fail:  map[string]bool{"h3": true},
	}
	sim := New(f, f, nil, nil)
	res, err := sim.Simulate(context.Background(), Request{Source: "192.0.2.44", Target: "203.0.113.10", Port: 8080})
	require.NoError(t, err)
	assert.True(t, res.Admitted)
	assert.Contains(t, joined(res), "host h3 unavailable")
}

func TestSimulate_ReadOnly(t *testing.T) {
	zc := h1(allow(5, firewall.ProtocolTCP, "80"))
	before := fmt.Sprintf("%+v", *zc)
	sim, _ := newSim(map[string]*firewall.ZoneCollection{"h1": zc}, nil)
	_, err := sim.Simulate(context.Background(), Request{Source: "192.0.2.44", Target: "203.0.113.10", Port: 8080})
	require.NoError(t, err)
	assert.Equal(t, before, fmt.Sprintf("%+v", *zc))
}
