package firewall

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHook(t *testing.T) {
	tests := []struct {
		in      string
		want    Hook
		wantErr bool
	}{
		{"input", HookInput, false},
		{" FORWARD ", HookForward, false},
		{"bridge_forward", HookBridgeForward, false},
		{"Output", HookOutput, false},
		{"prerouting", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseHook(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTraceSettings_Normalize(t *testing.T) {
	s := &TraceSettings{Hooks: []Hook{HookOutput, HookInput, HookOutput, HookBridgeForward}}
	s.Normalize()
	assert.Equal(t, []Hook{HookBridgeForward, HookInput, HookOutput}, s.Hooks)
	assert.True(t, s.Enabled(HookInput))
	assert.False(t, s.Enabled(HookForward))

	var off *TraceSettings
	assert.False(t, off.Enabled(HookInput))
}

func TestTraceSettings_Rule(t *testing.T) {
	r := (&TraceSettings{Protocol: ProtocolTCP, Ports: "443"}).Rule()
	assert.Equal(t, Any, r.Source)
	assert.Equal(t, Any, r.Destination)
	assert.Equal(t, "443", r.DestinationPortRanges)
	assert.Equal(t, Allow, r.Action)

	r = (&TraceSettings{}).Rule()
	assert.Equal(t, ProtocolAny, r.Protocol)
	assert.Equal(t, Any, r.DestinationPortRanges)
}

func TestTraceRules(t *testing.T) {
	s := &TraceSettings{Hooks: []Hook{HookInput}, Protocol: ProtocolUDP, Ports: "53"}

	rules, err := traceRules(s, HookForward)
	require.NoError(t, err)
	assert.Nil(t, rules)

	rules, err = traceRules(s, HookInput)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, nftrace, rules[0].Policy)
	assert.Equal(t, "trace", rules[0].Comment)

	_, err = traceRules(&TraceSettings{Hooks: []Hook{HookInput}, Ports: "99999"}, HookInput)
	assert.Error(t, err)
}
