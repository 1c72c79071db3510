package firewall

import (
	"fmt"
	"sort"
	"strings"

	"grimm.is/fleetwall/internal/nft"
)

// Hook is a packet path tracing can be attached to.
type Hook string

const (
	HookBridgeForward Hook = "BRIDGE_FORWARD"
	HookForward       Hook = "FORWARD"
	HookInput         Hook = "INPUT"
	HookOutput        Hook = "OUTPUT"
)

// ParseHook accepts hook names case-insensitively.
func ParseHook(s string) (Hook, error) {
	switch h := Hook(strings.ToUpper(strings.TrimSpace(s))); h {
	case HookBridgeForward, HookForward, HookInput, HookOutput:
		return h, nil
	}
	return "", fmt.Errorf("unknown trace hook %q", s)
}

// TraceSettings selects which packets get marked for kernel tracing. Empty
// predicate fields mean Any.
type TraceSettings struct {
	Hooks       []Hook
	Protocol    Protocol
	Ports       string
	Source      string
	Destination string
}

// Enabled reports whether tracing is active on h.
func (s *TraceSettings) Enabled(h Hook) bool {
	if s == nil {
		return false
	}
	for _, x := range s.Hooks {
		if x == h {
			return true
		}
	}
	return false
}

// Normalize sorts and dedupes the hook list.
func (s *TraceSettings) Normalize() {
	seen := make(map[Hook]bool, len(s.Hooks))
	out := s.Hooks[:0]
	for _, h := range s.Hooks {
		if !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	s.Hooks = out
}

// Rule returns the predicate as an Allow rule so it flattens like any other.
func (s *TraceSettings) Rule() Rule {
	or := func(v string) string {
		if strings.TrimSpace(v) == "" {
			return Any
		}
		return v
	}
	proto := s.Protocol
	if proto == "" {
		proto = ProtocolAny
	}
	return Rule{
		Priority:              0,
		DestinationPortRanges: or(s.Ports),
		Protocol:              proto,
		Source:                or(s.Source),
		Destination:           or(s.Destination),
		Action:                Allow,
		Comment:               "trace",
	}
}

var nftrace = nft.Mangle{Key: nft.Meta{Key: "nftrace"}, Value: "1"}

// traceRules builds the nftrace marking rules for hook h, or nil when
// tracing is off there.
func traceRules(s *TraceSettings, h Hook) ([]nft.Rule, error) {
	if !s.Enabled(h) {
		return nil, nil
	}
	flat, err := Flatten(s.Rule())
	if err != nil {
		return nil, fmt.Errorf("trace predicate: %w", err)
	}
	rules := make([]nft.Rule, 0, len(flat))
	for _, f := range flat {
		rules = append(rules, nft.Rule{Conditions: f.Conditions(), Policy: nftrace, Comment: "trace"})
	}
	return rules, nil
}
