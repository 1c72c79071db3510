package tracing

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Kind is the type of an `nft monitor trace` line.
type Kind string

const (
	KindPacket  Kind = "packet"
	KindRule    Kind = "rule"
	KindVerdict Kind = "verdict"
	KindPolicy  Kind = "policy"
)

// Packet holds the header fields nft prints on a packet line.
type Packet struct {
	InIface  string `json:"iif,omitempty"`
	OutIface string `json:"oif,omitempty"`
	Source   string `json:"saddr,omitempty"`
	Dest     string `json:"daddr,omitempty"`
	Protocol string `json:"protocol,omitempty"`
	SrcPort  uint16 `json:"sport,omitempty"`
	DstPort  uint16 `json:"dport,omitempty"`
}

// Entry is one parsed trace event.
type Entry struct {
	Time    time.Time `json:"time"`
	TraceID string    `json:"trace_id"`
	Family  string    `json:"family"`
	Table   string    `json:"table"`
	Chain   string    `json:"chain"`
	Kind    Kind      `json:"kind"`
	// Detail is the rule expression for rule lines and the raw header text
	// for packet lines.
	Detail  string  `json:"detail,omitempty"`
	Verdict string  `json:"verdict,omitempty"`
	Packet  *Packet `json:"packet,omitempty"`
	Raw     string  `json:"raw"`
}

// Format: trace id <id> <family> <table> <chain> <event...>
// Example: trace id 3c1a9f2e ip filter INPUT rule tcp dport 22 accept (verdict accept)
var traceRe = regexp.MustCompile(`^trace id (\S+) (\S+) (\S+) (\S+) (.*)$`)

var ruleVerdictRe = regexp.MustCompile(`^(.*?)\s*\(verdict ([^)]*)\)$`)

// ParseLine parses one line of `nft monitor trace` output. ok is false for
// lines that are not trace events.
func ParseLine(line string) (Entry, bool) {
	line = strings.TrimSpace(line)
	m := traceRe.FindStringSubmatch(line)
	if m == nil {
		return Entry{}, false
	}
	e := Entry{TraceID: m[1], Family: m[2], Table: m[3], Chain: m[4], Raw: line}
	rest := m[5]

	switch {
	case strings.HasPrefix(rest, "packet:"):
		e.Kind = KindPacket
		e.Detail = strings.TrimSpace(strings.TrimPrefix(rest, "packet:"))
		e.Packet = parsePacket(e.Detail)
	case strings.HasPrefix(rest, "rule "):
		e.Kind = KindRule
		body := strings.TrimPrefix(rest, "rule ")
		if vm := ruleVerdictRe.FindStringSubmatch(body); vm != nil {
			e.Detail, e.Verdict = vm[1], vm[2]
		} else {
			e.Detail = body
		}
	case strings.HasPrefix(rest, "verdict "):
		e.Kind = KindVerdict
		e.Verdict = strings.TrimSpace(strings.TrimPrefix(rest, "verdict "))
	case strings.HasPrefix(rest, "policy "):
		e.Kind = KindPolicy
		e.Verdict = strings.TrimSpace(strings.TrimPrefix(rest, "policy "))
	default:
		return Entry{}, false
	}
	return e, true
}

func parsePacket(s string) *Packet {
	p := &Packet{}
	f := strings.Fields(s)
	for i := 0; i < len(f); i++ {
		next := func() string {
			if i+1 < len(f) {
				i++
				return strings.Trim(f[i], `"`)
			}
			return ""
		}
		switch f[i] {
		case "iif":
			p.InIface = next()
		case "oif":
			p.OutIface = next()
		case "saddr":
			if i > 0 && f[i-1] == "ip" {
				p.Source = next()
			}
		case "daddr":
			if i > 0 && f[i-1] == "ip" {
				p.Dest = next()
			}
		case "tcp", "udp":
			p.Protocol = f[i]
		case "icmp":
			if p.Protocol == "" {
				p.Protocol = "icmp"
			}
		case "sport":
			p.SrcPort = port(next())
		case "dport":
			p.DstPort = port(next())
		}
	}
	return p
}

func port(s string) uint16 {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0
	}
	return uint16(n)
}
