package nft

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTables() []Table {
	return []Table{
		{
			Name:   "filter",
			Family: FamilyIP,
			Chains: []Chain{
				{
					Name: "INPUT", Type: "filter", Hook: "input", Prio: 0, Policy: "drop",
					Rules: []Rule{
						{Conditions: []Condition{Match(CT{Key: "state"}, Values{V: []string{"established", "related"}})}, Policy: Accept{}},
						{Conditions: []Condition{Match(Meta{Key: "iifname"}, Value{V: "eth0"})}, Policy: Jump{Target: "ENTER_zone_external"}},
						{Policy: PortUnreachable},
					},
				},
				{
					Name: "ENTER_zone_external",
					Rules: []Rule{
						{
							Conditions: []Condition{
								Match(Meta{Key: "l4proto"}, Value{V: "tcp"}),
								Match(Payload{Protocol: "ip", Field: "saddr"}, Prefix{Addr: "10.0.0.0", Len: 8}),
								Match(Payload{Protocol: "th", Field: "dport"}, Range{Lo: "22", Hi: "23"}),
							},
							Policy:  Accept{},
							Comment: "ssh",
						},
					},
				},
			},
		},
		{
			Name:   "nat",
			Family: FamilyIP,
			Chains: []Chain{
				{
					Name: "PREROUTING", Type: "nat", Hook: "prerouting", Prio: -100,
					Rules: []Rule{{
						Conditions: []Condition{Match(Meta{Key: "l4proto"}, Value{V: "tcp"})},
						Policy:     DNAT{Addr: "10.1.0.5", Port: 80},
					}},
				},
			},
		},
	}
}

func TestRender(t *testing.T) {
	script := Render(sampleTables())
	lines := strings.Split(strings.TrimSpace(script), "\n")

	require.NotEmpty(t, lines)
	assert.Equal(t, "flush ruleset", lines[0])
	assert.Contains(t, lines, "add table ip filter")
	assert.Contains(t, lines, "add chain ip filter INPUT { type filter hook input priority 0; policy drop; }")
	assert.Contains(t, lines, "add chain ip filter ENTER_zone_external")
	assert.Contains(t, lines, "add rule ip filter INPUT ct state { established, related } accept")
	assert.Contains(t, lines, `add rule ip filter INPUT meta iifname "eth0" jump ENTER_zone_external`)
	assert.Contains(t, lines, "add rule ip filter INPUT reject with icmp type port-unreachable")
	assert.Contains(t, lines, `add rule ip filter ENTER_zone_external meta l4proto tcp ip saddr 10.0.0.0/8 th dport 22-23 accept comment "ssh"`)
	assert.Contains(t, lines, "add chain ip nat PREROUTING { type nat hook prerouting priority -100; }")
	assert.Contains(t, lines, "add rule ip nat PREROUTING meta l4proto tcp dnat to 10.1.0.5:80")
}

func TestRender_ChainsDeclaredBeforeRules(t *testing.T) {
	script := Render(sampleTables())
	chainIdx := strings.Index(script, "add chain ip filter ENTER_zone_external")
	jumpIdx := strings.Index(script, "jump ENTER_zone_external")
	require.True(t, chainIdx >= 0 && jumpIdx >= 0)
	assert.Less(t, chainIdx, jumpIdx)
}

func TestRender_Deterministic(t *testing.T) {
	assert.Equal(t, Render(sampleTables()), Render(sampleTables()))
}

func TestConditionExpr_NotEqual(t *testing.T) {
	c := Condition{Left: Meta{Key: "oifname"}, Op: OpNe, Right: Value{V: "br-1"}}
	assert.Equal(t, `meta oifname != "br-1"`, ConditionExpr(c))
}

func TestMangleString(t *testing.T) {
	m := Mangle{Key: Meta{Key: "nftrace"}, Value: "1"}
	assert.Equal(t, "meta nftrace set 1", m.String())
}

const liveRuleset = `{"nftables": [
 {"metainfo": {"version": "1.0.6", "release_name": "Lester Gooch #5", "json_schema_version": 1}},
 {"table": {"family": "ip", "name": "nat", "handle": 2}},
 {"chain": {"family": "ip", "table": "nat", "name": "POSTROUTING", "handle": 2, "type": "nat", "hook": "postrouting", "prio": 100, "policy": "accept"}},
 {"rule": {"family": "ip", "table": "nat", "chain": "POSTROUTING", "handle": 7, "expr": [
   {"match": {"op": "==", "left": {"meta": {"key": "oifname"}}, "right": "eth0"}},
   {"match": {"op": "==", "left": {"payload": {"protocol": "ip", "field": "saddr"}}, "right": {"prefix": {"addr": "10.1.0.0", "len": 24}}}},
   {"counter": {"packets": 0, "bytes": 0}},
   {"masquerade": null}]}},
 {"chain": {"family": "ip", "table": "nat", "name": "PREROUTING", "handle": 1, "type": "nat", "hook": "prerouting", "prio": -100, "policy": "accept"}},
 {"rule": {"family": "ip", "table": "nat", "chain": "PREROUTING", "handle": 9, "comment": "fwd", "expr": [
   {"match": {"op": "==", "left": {"meta": {"key": "l4proto"}}, "right": "tcp"}},
   {"match": {"op": "==", "left": {"payload": {"protocol": "th", "field": "dport"}}, "right": 8080}},
   {"dnat": {"addr": "10.1.0.5", "port": 80}}]}},
 {"table": {"family": "ip", "name": "filter", "handle": 3}},
 {"chain": {"family": "ip", "table": "filter", "name": "FORWARD", "handle": 1, "type": "filter", "hook": "forward", "prio": 0, "policy": "drop"}},
 {"rule": {"family": "ip", "table": "filter", "chain": "FORWARD", "handle": 4, "expr": [
   {"match": {"op": "in", "left": {"ct": {"key": "state"}}, "right": ["established", "related"]}},
   {"accept": null}]}},
 {"rule": {"family": "ip", "table": "filter", "chain": "FORWARD", "handle": 5, "expr": [
   {"match": {"op": "==", "left": {"payload": {"protocol": "th", "field": "dport"}}, "right": {"range": [1000, 2000]}}},
   {"mangle": {"key": {"meta": {"key": "nftrace"}}, "value": 1}}]}},
 {"rule": {"family": "ip", "table": "filter", "chain": "FORWARD", "handle": 6, "expr": [
   {"reject": {"type": "icmp", "expr": "port-unreachable"}}]}}
]}`

func TestDecodeRuleset(t *testing.T) {
	tables, err := DecodeRuleset([]byte(liveRuleset))
	require.NoError(t, err)
	require.Len(t, tables, 2)

	nat := FindTable(tables, FamilyIP, "nat")
	require.NotNil(t, nat)
	post := nat.Chain("POSTROUTING")
	require.NotNil(t, post)
	assert.Equal(t, "postrouting", post.Hook)
	assert.Equal(t, 100, post.Prio)
	require.Len(t, post.Rules, 1)

	masq := post.Rules[0]
	assert.Equal(t, uint64(7), masq.Handle)
	assert.Equal(t, Masquerade{}, masq.Policy)
	require.Len(t, masq.Conditions, 2)
	assert.Equal(t, Prefix{Addr: "10.1.0.0", Len: 24}, masq.Conditions[1].Right)

	pre := nat.Chain("PREROUTING")
	require.NotNil(t, pre)
	require.Len(t, pre.Rules, 1)
	assert.Equal(t, "fwd", pre.Rules[0].Comment)
	assert.Equal(t, DNAT{Addr: "10.1.0.5", Port: 80}, pre.Rules[0].Policy)
	assert.Equal(t, Value{V: "8080"}, pre.Rules[0].Conditions[1].Right)

	filter := FindTable(tables, FamilyIP, "filter")
	require.NotNil(t, filter)
	fwd := filter.Chain("FORWARD")
	require.NotNil(t, fwd)
	require.Len(t, fwd.Rules, 3)
	assert.Equal(t, OpIn, fwd.Rules[0].Conditions[0].Op)
	assert.Equal(t, Values{V: []string{"established", "related"}}, fwd.Rules[0].Conditions[0].Right)
	assert.Equal(t, Range{Lo: "1000", Hi: "2000"}, fwd.Rules[1].Conditions[0].Right)
	assert.Equal(t, Mangle{Key: Meta{Key: "nftrace"}, Value: "1"}, fwd.Rules[1].Policy)
	assert.Equal(t, PortUnreachable, fwd.Rules[2].Policy)
}

func TestDecodeRuleset_Errors(t *testing.T) {
	_, err := DecodeRuleset([]byte("not json"))
	assert.Error(t, err)

	_, err = DecodeRuleset([]byte(`{"nftables":[{"chain":{"family":"ip","table":"missing","name":"X"}}]}`))
	assert.Error(t, err)

	_, err = DecodeRuleset([]byte(`{"nftables":[
 {"table":{"family":"ip","name":"filter"}},
 {"chain":{"family":"ip","table":"filter","name":"INPUT"}},
 {"rule":{"family":"ip","table":"filter","chain":"INPUT","handle":3,"expr":[{"reject":{"type":5}}]}}]}`))
	assert.ErrorContains(t, err, "rule 3: bad reject")
}

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("nftables v1.0.2 (Lester Gooch #3)\n")
	require.NoError(t, err)
	assert.Equal(t, Version{Major: 1, Minor: 0}, v)
	assert.True(t, v.SupportsBridgeConntrack())

	v, err = ParseVersion("nftables v0.9.3 (Topsy)")
	require.NoError(t, err)
	assert.False(t, v.SupportsBridgeConntrack())

	_, err = ParseVersion("garbage")
	assert.Error(t, err)
}
