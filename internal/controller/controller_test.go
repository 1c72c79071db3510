package controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/fleetwall/internal/events"
	"grimm.is/fleetwall/internal/firewall"
	"grimm.is/fleetwall/internal/metrics"
	"grimm.is/fleetwall/internal/netaddr"
	"grimm.is/fleetwall/internal/nft"
	"grimm.is/fleetwall/internal/ruleset"
	"grimm.is/fleetwall/internal/state"
	"grimm.is/fleetwall/internal/tracing"
)

type staticHosts []string

func (h staticHosts) Hosts() []string { return h }

type fakeZones struct {
	mu    sync.Mutex
	calls map[string]int
	err   error
}

func (z *fakeZones) Assemble(_ context.Context, hostID string) (*firewall.ZoneCollection, error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.calls == nil {
		z.calls = make(map[string]int)
	}
	z.calls[hostID]++
	if z.err != nil {
		return nil, z.err
	}
	return &firewall.ZoneCollection{
		External: firewall.ExternalZone{
			InterfaceNames: []string{"eth0"},
			Addresses:      []netaddr.IPv4{netaddr.MustParseIPv4("203.0.113.10")},
		},
		Trusted: firewall.TrustedZone{InterfaceNames: []string{"lo"}},
	}, nil
}

func (z *fakeZones) count(hostID string) int {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.calls[hostID]
}

type fakeAdapter struct {
	mu       sync.Mutex
	version  nft.Version
	written  map[string][]nft.Table
	writeErr error

	// block, when set, stalls WriteRuleSet until closed.
	block  chan struct{}
	inside int
	max    int
	handle uint64
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{version: nft.Version{Major: 1, Minor: 0}, written: make(map[string][]nft.Table)}
}

func (a *fakeAdapter) ReadActiveRuleSet(_ context.Context, hostID string) ([]nft.Table, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.written[hostID], nil
}

func (a *fakeAdapter) WriteRuleSet(_ context.Context, hostID string, tables []nft.Table) error {
	a.mu.Lock()
	a.inside++
	if a.inside > a.max {
		a.max = a.inside
	}
	block := a.block
	a.mu.Unlock()
	if block != nil {
		<-block
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inside--
	if a.writeErr != nil {
		return a.writeErr
	}
	a.written[hostID] = tables
	return nil
}

func (a *fakeAdapter) natChain(hostID, chain string) *nft.Chain {
	t := nft.FindTable(a.written[hostID], nft.FamilyIP, "nat")
	if t == nil {
		return nil
	}
	return t.Chain(chain)
}

func (a *fakeAdapter) AddNATRule(_ context.Context, hostID, chain string, rule nft.Rule) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := a.natChain(hostID, chain)
	if c == nil {
		return errors.New("no such chain")
	}
	a.handle++
	rule.Handle = a.handle
	c.Rules = append(c.Rules, rule)
	return nil
}

func (a *fakeAdapter) DeleteNATRule(_ context.Context, hostID, chain string, handle uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := a.natChain(hostID, chain)
	if c == nil {
		return errors.New("no such chain")
	}
	for i := range c.Rules {
		if c.Rules[i].Handle == handle {
			c.Rules = append(c.Rules[:i], c.Rules[i+1:]...)
			return nil
		}
	}
	return errors.New("no such handle")
}
func (a *fakeAdapter) ReadNetfilterVersion(context.Context, string) (nft.Version, error) {
	return a.version, nil
}

func (a *fakeAdapter) tables(hostID string) []nft.Table {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.written[hostID]
}

type fakeTrace map[string]*firewall.TraceSettings

func (f fakeTrace) Settings(hostID string) *firewall.TraceSettings { return f[hostID] }

type fixture struct {
	ctrl    *Controller
	zones   *fakeZones
	adapter *fakeAdapter
	hub     *events.Hub
	m       *metrics.Registry
}

func newFixture(trace TraceSource) *fixture {
	f := &fixture{zones: &fakeZones{}, adapter: newFakeAdapter(), hub: events.NewHub(), m: metrics.New()}
	f.ctrl = New(Options{
		Hosts:   staticHosts{"h1", "h2"},
		Zones:   f.zones,
		Adapter: f.adapter,
		Tracing: trace,
		Hub:     f.hub,
		Metrics: f.m,
	})
	return f
}

func TestApplyRuleSet(t *testing.T) {
	f := newFixture(nil)
	results := f.hub.Subscribe(4, events.EventRulesetApplied, events.EventRulesetFailed)

	require.NoError(t, f.ctrl.ApplyRuleSet(context.Background(), "h1"))
	tables := f.adapter.tables("h1")
	require.NotEmpty(t, tables)
	bridge := nft.FindTable(tables, nft.FamilyBridge, "filter")
	require.NotNil(t, bridge)
	assert.NotEmpty(t, bridge.Chains, "nft 1.0 gets bridge conntrack")

	e := <-results
	assert.Equal(t, events.EventRulesetApplied, e.Type)
	data := e.Data.(events.RulesetData)
	assert.Equal(t, "h1", data.HostID)
	assert.Equal(t, nft.RuleCount(tables), data.Rules)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.m.CompileTotal.WithLabelValues("h1", "ok")))
	assert.Equal(t, float64(data.Rules), testutil.ToFloat64(f.m.RulesetRules.WithLabelValues("h1")))
}

func TestApplyRuleSet_OldNetfilter(t *testing.T) {
	f := newFixture(nil)
	f.adapter.version = nft.Version{Major: 0, Minor: 9}
	require.NoError(t, f.ctrl.ApplyRuleSet(context.Background(), "h1"))
	bridge := nft.FindTable(f.adapter.tables("h1"), nft.FamilyBridge, "filter")
	require.NotNil(t, bridge)
	assert.Empty(t, bridge.Chains)
}

func TestApplyRuleSet_Failures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*fixture)
	}{
		{"assemble", func(f *fixture) { f.zones.err = firewall.ErrUnknownZone }},
		{"write", func(f *fixture) { f.adapter.writeErr = errors.New("nft: syntax error") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(nil)
			tt.setup(f)
			results := f.hub.Subscribe(4, events.EventRulesetFailed)

			err := f.ctrl.ApplyRuleSet(context.Background(), "h1")
			require.Error(t, err)
			assert.Nil(t, f.adapter.tables("h1"))

			e := <-results
			assert.Equal(t, err.Error(), e.Data.(events.RulesetData).Error)
			assert.Equal(t, 1.0, testutil.ToFloat64(f.m.CompileTotal.WithLabelValues("h1", "error")))
		})
	}
}

func TestCompile_InjectsTracing(t *testing.T) {
	trace := fakeTrace{"h1": {Hooks: []firewall.Hook{firewall.HookInput}, Protocol: firewall.ProtocolTCP, Ports: "22"}}
	f := newFixture(trace)

	tables, err := f.ctrl.Compile(context.Background(), "h1")
	require.NoError(t, err)
	input := nft.FindTable(tables, nft.FamilyIP, "filter").Chain("INPUT")
	require.NotNil(t, input)
	require.NotEmpty(t, input.Rules)
	assert.Equal(t, "trace", input.Rules[0].Comment)

	untraced, err := f.ctrl.Compile(context.Background(), "h2")
	require.NoError(t, err)
	for _, r := range nft.FindTable(untraced, nft.FamilyIP, "filter").Chain("INPUT").Rules {
		assert.NotEqual(t, "trace", r.Comment)
	}
	assert.Nil(t, f.adapter.tables("h1"), "compile writes nothing")
}

func TestApplyRuleSet_SerializedPerHost(t *testing.T) {
	f := newFixture(nil)
	f.adapter.block = make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.ctrl.ApplyRuleSet(context.Background(), "h1")
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(f.adapter.block)
	wg.Wait()

	assert.Equal(t, 1, f.adapter.max)
	assert.Equal(t, 3, f.zones.count("h1"))
}

func TestApplyAll(t *testing.T) {
	f := newFixture(nil)
	failed := f.ctrl.ApplyAll(context.Background())
	assert.Empty(t, failed)
	assert.NotNil(t, f.adapter.tables("h1"))
	assert.NotNil(t, f.adapter.tables("h2"))

	f.zones.err = errors.New("inventory down")
	failed = f.ctrl.ApplyAll(context.Background())
	assert.Len(t, failed, 2)
}

func TestRun_ReactsToEvents(t *testing.T) {
	f := newFixture(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.ctrl.Run(ctx, true)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return f.zones.count("h1") == 1 && f.zones.count("h2") == 1
	}, time.Second, 5*time.Millisecond, "startup apply")

	f.hub.EmitZoneChanged("h2", "vnet-app")
	assert.Eventually(t, func() bool { return f.zones.count("h2") == 2 }, time.Second, 5*time.Millisecond)

	f.hub.EmitTracingChanged("h1", true)
	assert.Eventually(t, func() bool { return f.zones.count("h1") == 2 }, time.Second, 5*time.Millisecond)

	f.hub.EmitZoneChanged("", "")
	assert.Eventually(t, func() bool {
		return f.zones.count("h1") == 3 && f.zones.count("h2") == 3
	}, time.Second, 5*time.Millisecond, "empty host id means all hosts")

	f.hub.EmitZoneChanged("h9", "")
	cancel()
	<-done

	assert.Equal(t, 1.0, testutil.ToFloat64(f.m.ReconcileQueued.WithLabelValues("h1", TriggerTracing)))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.m.ReconcileQueued.WithLabelValues("h2", TriggerZone)))
}

func TestRun_Resync(t *testing.T) {
	f := newFixture(nil)
	// Queued before Run starts; picked up once it does.
	f.ctrl.Resync()
	f.ctrl.Resync()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.ctrl.Run(ctx, false)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return f.zones.count("h1") == 1 && f.zones.count("h2") == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, 1.0, testutil.ToFloat64(f.m.ReconcileQueued.WithLabelValues("h1", TriggerResync)))
}

type memStore struct {
	rules    map[state.RuleKey]state.RuleRecord
	forwards map[state.ForwardKey]firewall.PortForward
}

func newMemStore() *memStore {
	return &memStore{
		rules:    make(map[state.RuleKey]state.RuleRecord),
		forwards: make(map[state.ForwardKey]firewall.PortForward),
	}
}

func (m *memStore) AddFirewallRule(_ context.Context, rec state.RuleRecord) error {
	if _, ok := m.rules[rec.Key()]; ok {
		return state.ErrExists
	}
	m.rules[rec.Key()] = rec
	return nil
}

func (m *memStore) UpdateFirewallRule(_ context.Context, rec state.RuleRecord) error {
	if _, ok := m.rules[rec.Key()]; !ok {
		return state.ErrNotFound
	}
	m.rules[rec.Key()] = rec
	return nil
}

func (m *memStore) DeleteFirewallRule(_ context.Context, k state.RuleKey) error {
	if _, ok := m.rules[k]; !ok {
		return state.ErrNotFound
	}
	delete(m.rules, k)
	return nil
}

func (m *memStore) ListFirewallRules(_ context.Context, hostID string) ([]state.RuleRecord, error) {
	var out []state.RuleRecord
	for _, r := range m.rules {
		if r.HostID == hostID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) AddPortForward(_ context.Context, hostID string, pf firewall.PortForward) error {
	k := state.ForwardKey{HostID: hostID, Protocol: pf.Protocol, Port: pf.Port}
	if _, ok := m.forwards[k]; ok {
		return state.ErrExists
	}
	m.forwards[k] = pf
	return nil
}

func (m *memStore) DeletePortForward(_ context.Context, k state.ForwardKey) error {
	if _, ok := m.forwards[k]; !ok {
		return state.ErrNotFound
	}
	delete(m.forwards, k)
	return nil
}

func (m *memStore) PortForwards(_ context.Context, hostID string) ([]firewall.PortForward, error) {
	var out []firewall.PortForward
	for k, pf := range m.forwards {
		if k.HostID == hostID {
			out = append(out, pf)
		}
	}
	return out, nil
}

type recordingNotifier struct{ changes []string }

func (n *recordingNotifier) NotifyZoneChanged(hostID, zone string) {
	n.changes = append(n.changes, hostID+"/"+zone)
}

type fakeTracer struct {
	enabled map[string]bool
	err     error
}

func (t *fakeTracer) Enable(_ context.Context, hostID string, _ firewall.TraceSettings) (tracing.SessionInfo, error) {
	if t.err != nil {
		return tracing.SessionInfo{}, t.err
	}
	t.enabled[hostID] = true
	return tracing.SessionInfo{ID: "s1", HostID: hostID}, nil
}

func (t *fakeTracer) Disable(hostID string) error {
	if !t.enabled[hostID] {
		return tracing.ErrNotEnabled
	}
	delete(t.enabled, hostID)
	return nil
}

func sshRecord(prio uint16) state.RuleRecord {
	return state.RuleRecord{
		HostID:    "h1",
		Zone:      firewall.ZoneExternal,
		Direction: firewall.Inbound,
		Rule: firewall.Rule{
			Priority:              prio,
			DestinationPortRanges: "22",
			Protocol:              firewall.ProtocolTCP,
			Source:                firewall.Any,
			Destination:           firewall.Any,
			Action:                firewall.Allow,
		},
	}
}

func TestService_Rules(t *testing.T) {
	ctx := context.Background()
	store, notifier := newMemStore(), &recordingNotifier{}
	svc := NewService(store, notifier, nil, nil, nil)

	require.NoError(t, svc.AddRule(ctx, sshRecord(10)))
	assert.ErrorIs(t, svc.AddRule(ctx, sshRecord(10)), state.ErrExists)

	upd := sshRecord(10)
	upd.Rule.Action = firewall.Deny
	require.NoError(t, svc.UpdateRule(ctx, upd))
	rules, err := svc.Rules(ctx, "h1")
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, firewall.Deny, rules[0].Rule.Action)

	require.NoError(t, svc.DeleteRule(ctx, upd.Key()))
	assert.ErrorIs(t, svc.DeleteRule(ctx, upd.Key()), state.ErrNotFound)
	assert.Equal(t, []string{"h1/external", "h1/external", "h1/external"}, notifier.changes)
}

func TestValidateRule(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*state.RuleRecord)
		target error
	}{
		{"ok", func(*state.RuleRecord) {}, nil},
		{"custom zone", func(r *state.RuleRecord) { r.Zone = "vnet-app" }, nil},
		{"no host", func(r *state.RuleRecord) { r.HostID = "" }, firewall.ErrInvalidRule},
		{"reserved zone", func(r *state.RuleRecord) { r.Zone = firewall.ZoneDocker }, firewall.ErrInvalidZone},
		{"direction", func(r *state.RuleRecord) { r.Direction = "sideways" }, firewall.ErrInvalidRule},
		{"terminal priority", func(r *state.RuleRecord) { r.Rule.Priority = firewall.TerminalPriority }, firewall.ErrInvalidRule},
		{"bad ports", func(r *state.RuleRecord) { r.Rule.DestinationPortRanges = "80-" }, firewall.ErrInvalidRule},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := sshRecord(1)
			tt.mutate(&rec)
			err := ValidateRule(rec)
			if tt.target == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.target)
		})
	}
}

func TestService_Forwards(t *testing.T) {
	ctx := context.Background()
	store, notifier := newMemStore(), &recordingNotifier{}
	svc := NewService(store, notifier, nil, nil, nil)

	pf := firewall.PortForward{
		Protocol:      firewall.ProtocolTCP,
		Port:          8080,
		TargetAddress: netaddr.MustParseIPv4("10.1.0.5"),
		TargetPort:    80,
	}
	require.NoError(t, svc.AddForward(ctx, "h1", pf))
	assert.ErrorIs(t, svc.AddForward(ctx, "h1", pf), state.ErrExists)

	icmp := pf
	icmp.Protocol = firewall.ProtocolICMP
	assert.ErrorIs(t, svc.AddForward(ctx, "h1", icmp), firewall.ErrInvalidRule)

	fwds, err := svc.Forwards(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, []firewall.PortForward{pf}, fwds)

	require.NoError(t, svc.DeleteForward(ctx, state.ForwardKey{HostID: "h1", Protocol: firewall.ProtocolTCP, Port: 8080}))
	assert.Equal(t, []string{"h1/external", "h1/external"}, notifier.changes)
}

func TestService_TracingAndApply(t *testing.T) {
	ctx := context.Background()
	f := newFixture(nil)
	tracer := &fakeTracer{enabled: make(map[string]bool)}
	svc := NewService(newMemStore(), nil, tracer, f.ctrl, nil)

	info, err := svc.EnableTracing(ctx, "h1", firewall.TraceSettings{Hooks: []firewall.Hook{firewall.HookInput}})
	require.NoError(t, err)
	assert.Equal(t, "s1", info.ID)
	require.NoError(t, svc.DisableTracing("h1"))
	assert.ErrorIs(t, svc.DisableTracing("h1"), tracing.ErrNotEnabled)

	tracer.err = errors.New("nft: not found")
	_, err = svc.EnableTracing(ctx, "h1", firewall.TraceSettings{Hooks: []firewall.Hook{firewall.HookInput}})
	assert.Error(t, err)

	require.NoError(t, svc.ApplyNow(ctx, "h2"))
	assert.NotNil(t, f.adapter.tables("h2"))
	assert.Nil(t, f.adapter.tables("h1"))

	require.NoError(t, svc.ApplyNow(ctx, ""))
	assert.NotNil(t, f.adapter.tables("h1"))

	f.adapter.writeErr = errors.New("boom")
	assert.ErrorContains(t, svc.ApplyNow(ctx, ""), "2 host(s)")
}

func TestMasquerade(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()
	cidr := netaddr.MustParseCIDR("10.5.0.0/24")

	assert.Error(t, f.ctrl.AddMasquerade(ctx, "h1", cidr), "no live nat table yet")

	require.NoError(t, f.ctrl.ApplyRuleSet(ctx, "h1"))
	before, err := f.ctrl.Masquerades(ctx, "h1")
	require.NoError(t, err)

	require.NoError(t, f.ctrl.AddMasquerade(ctx, "h1", cidr))
	require.NoError(t, f.ctrl.AddMasquerade(ctx, "h1", cidr))
	after, err := f.ctrl.Masquerades(ctx, "h1")
	require.NoError(t, err)
	require.Len(t, after, len(before)+1)
	added := after[len(after)-1]
	assert.Contains(t, added.Conditions, nft.Match(nft.Meta{Key: "oifname"}, nft.Value{V: "eth0"}))
	assert.Contains(t, added.Conditions, nft.Match(nft.Payload{Protocol: "ip", Field: "saddr"}, nft.Prefix{Addr: "10.5.0.0", Len: 24}))

	require.NoError(t, f.ctrl.DeleteMasquerade(ctx, "h1", cidr))
	after, err = f.ctrl.Masquerades(ctx, "h1")
	require.NoError(t, err)
	assert.Len(t, after, len(before))

	err = f.ctrl.DeleteMasquerade(ctx, "h1", cidr)
	assert.ErrorIs(t, err, ruleset.ErrRuleNotFound)
}
