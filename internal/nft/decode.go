package nft

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
)

// Version is a netfilter userspace version.
type Version struct {
	Major int
	Minor int
}

func (v Version) String() string { return fmt.Sprintf("%d.%d", v.Major, v.Minor) }

// SupportsBridgeConntrack reports whether ct matches work in the bridge family.
func (v Version) SupportsBridgeConntrack() bool { return v.Major >= 1 }

var versionRegex = regexp.MustCompile(`v?(\d+)\.(\d+)`)

// ParseVersion extracts the version from `nft --version` output such as
// "nftables v1.0.2 (Lester Gooch #3)".
func ParseVersion(out string) (Version, error) {
	m := versionRegex.FindStringSubmatch(out)
	if m == nil {
		return Version{}, fmt.Errorf("no version in %q", out)
	}
	major, _ := strconv.Atoi(m[1])
	minor, _ := strconv.Atoi(m[2])
	return Version{Major: major, Minor: minor}, nil
}

type jsonRuleset struct {
	Nftables []map[string]json.RawMessage `json:"nftables"`
}

type jsonTable struct {
	Family string `json:"family"`
	Name   string `json:"name"`
}

type jsonChain struct {
	Family string `json:"family"`
	Table  string `json:"table"`
	Name   string `json:"name"`
	Type   string `json:"type"`
	Hook   string `json:"hook"`
	Prio   int    `json:"prio"`
	Policy string `json:"policy"`
}

type jsonRule struct {
	Family  string            `json:"family"`
	Table   string            `json:"table"`
	Chain   string            `json:"chain"`
	Handle  uint64            `json:"handle"`
	Expr    []json.RawMessage `json:"expr"`
	Comment string            `json:"comment"`
}

type jsonMatch struct {
	Op    string          `json:"op"`
	Left  json.RawMessage `json:"left"`
	Right json.RawMessage `json:"right"`
}

// DecodeRuleset parses `nft -j list ruleset` output into tables, keeping
// rule handles. Statements without an IR equivalent (counters, logs) are
// skipped.
func DecodeRuleset(data []byte) ([]Table, error) {
	var doc jsonRuleset
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse nft json: %w", err)
	}

	var tables []Table
	findTable := func(family, name string) *Table {
		return FindTable(tables, Family(family), name)
	}

	for _, obj := range doc.Nftables {
		if raw, ok := obj["table"]; ok {
			var jt jsonTable
			if err := json.Unmarshal(raw, &jt); err != nil {
				return nil, fmt.Errorf("failed to parse table: %w", err)
			}
			tables = append(tables, Table{Name: jt.Name, Family: Family(jt.Family)})
			continue
		}
		if raw, ok := obj["chain"]; ok {
			var jc jsonChain
			if err := json.Unmarshal(raw, &jc); err != nil {
				return nil, fmt.Errorf("failed to parse chain: %w", err)
			}
			t := findTable(jc.Family, jc.Table)
			if t == nil {
				return nil, fmt.Errorf("chain %s references unknown table %s %s", jc.Name, jc.Family, jc.Table)
			}
			t.Chains = append(t.Chains, Chain{
				Name:   jc.Name,
				Type:   jc.Type,
				Hook:   jc.Hook,
				Prio:   jc.Prio,
				Policy: jc.Policy,
			})
			continue
		}
		if raw, ok := obj["rule"]; ok {
			var jr jsonRule
			if err := json.Unmarshal(raw, &jr); err != nil {
				return nil, fmt.Errorf("failed to parse rule: %w", err)
			}
			t := findTable(jr.Family, jr.Table)
			if t == nil {
				return nil, fmt.Errorf("rule %d references unknown table %s %s", jr.Handle, jr.Family, jr.Table)
			}
			c := t.Chain(jr.Chain)
			if c == nil {
				return nil, fmt.Errorf("rule %d references unknown chain %s", jr.Handle, jr.Chain)
			}
			rule, err := decodeRule(jr)
			if err != nil {
				return nil, err
			}
			c.Rules = append(c.Rules, rule)
		}
	}
	return tables, nil
}

func decodeRule(jr jsonRule) (Rule, error) {
	rule := Rule{Handle: jr.Handle, Comment: jr.Comment}
	for _, raw := range jr.Expr {
		var stmt map[string]json.RawMessage
		if err := json.Unmarshal(raw, &stmt); err != nil {
			return Rule{}, fmt.Errorf("rule %d: bad statement: %w", jr.Handle, err)
		}
		for key, body := range stmt {
			switch key {
			case "match":
				cond, err := decodeMatch(body)
				if err != nil {
					return Rule{}, fmt.Errorf("rule %d: %w", jr.Handle, err)
				}
				rule.Conditions = append(rule.Conditions, cond)
			case "accept":
				rule.Policy = Accept{}
			case "drop":
				rule.Policy = Drop{}
			case "return":
				rule.Policy = Return{}
			case "masquerade":
				rule.Policy = Masquerade{}
			case "jump", "goto":
				var j struct {
					Target string `json:"target"`
				}
				if err := json.Unmarshal(body, &j); err != nil {
					return Rule{}, fmt.Errorf("rule %d: bad jump: %w", jr.Handle, err)
				}
				rule.Policy = Jump{Target: j.Target}
			case "reject":
				var r struct {
					Type string `json:"type"`
					Expr string `json:"expr"`
				}
				if !isNull(body) {
					if err := json.Unmarshal(body, &r); err != nil {
						return Rule{}, fmt.Errorf("rule %d: bad reject: %w", jr.Handle, err)
					}
				}
				rule.Policy = Reject{Type: r.Type, Expr: r.Expr}
			case "dnat":
				var d struct {
					Addr json.RawMessage `json:"addr"`
					Port uint16          `json:"port"`
				}
				if err := json.Unmarshal(body, &d); err != nil {
					return Rule{}, fmt.Errorf("rule %d: bad dnat: %w", jr.Handle, err)
				}
				addr, err := decodeScalar(d.Addr)
				if err != nil {
					return Rule{}, fmt.Errorf("rule %d: bad dnat addr: %w", jr.Handle, err)
				}
				rule.Policy = DNAT{Addr: addr, Port: d.Port}
			case "mangle":
				var m struct {
					Key   json.RawMessage `json:"key"`
					Value json.RawMessage `json:"value"`
				}
				if err := json.Unmarshal(body, &m); err != nil {
					return Rule{}, fmt.Errorf("rule %d: bad mangle: %w", jr.Handle, err)
				}
				key, err := decodeOperand(m.Key)
				if err != nil {
					return Rule{}, fmt.Errorf("rule %d: bad mangle key: %w", jr.Handle, err)
				}
				val, err := decodeScalar(m.Value)
				if err != nil {
					return Rule{}, fmt.Errorf("rule %d: bad mangle value: %w", jr.Handle, err)
				}
				rule.Policy = Mangle{Key: key, Value: val}
			}
		}
	}
	return rule, nil
}

func decodeMatch(body json.RawMessage) (Condition, error) {
	var m jsonMatch
	if err := json.Unmarshal(body, &m); err != nil {
		return Condition{}, fmt.Errorf("bad match: %w", err)
	}
	left, err := decodeOperand(m.Left)
	if err != nil {
		return Condition{}, fmt.Errorf("bad match left: %w", err)
	}
	right, err := decodeOperand(m.Right)
	if err != nil {
		return Condition{}, fmt.Errorf("bad match right: %w", err)
	}
	op := Op(m.Op)
	if _, isSet := right.(Values); isSet && op == OpEq {
		op = OpIn
	}
	return Condition{Left: left, Op: op, Right: right}, nil
}

func decodeOperand(raw json.RawMessage) (Operand, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty operand")
	}
	switch raw[0] {
	case '[':
		return decodeSet(raw)
	case '{':
	default:
		s, err := decodeScalar(raw)
		if err != nil {
			return nil, err
		}
		return Value{V: s}, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	for key, body := range obj {
		switch key {
		case "meta":
			var v struct {
				Key string `json:"key"`
			}
			if err := json.Unmarshal(body, &v); err != nil {
				return nil, err
			}
			return Meta{Key: v.Key}, nil
		case "payload":
			var v struct {
				Protocol string `json:"protocol"`
				Field    string `json:"field"`
			}
			if err := json.Unmarshal(body, &v); err != nil {
				return nil, err
			}
			return Payload{Protocol: v.Protocol, Field: v.Field}, nil
		case "ct":
			var v struct {
				Key string `json:"key"`
			}
			if err := json.Unmarshal(body, &v); err != nil {
				return nil, err
			}
			return CT{Key: v.Key}, nil
		case "prefix":
			var v struct {
				Addr string `json:"addr"`
				Len  uint8  `json:"len"`
			}
			if err := json.Unmarshal(body, &v); err != nil {
				return nil, err
			}
			return Prefix{Addr: v.Addr, Len: v.Len}, nil
		case "range":
			var v []json.RawMessage
			if err := json.Unmarshal(body, &v); err != nil || len(v) != 2 {
				return nil, fmt.Errorf("bad range %s", body)
			}
			lo, err := decodeScalar(v[0])
			if err != nil {
				return nil, err
			}
			hi, err := decodeScalar(v[1])
			if err != nil {
				return nil, err
			}
			return Range{Lo: lo, Hi: hi}, nil
		case "set":
			return decodeSet(body)
		}
	}
	return nil, fmt.Errorf("unsupported operand %s", raw)
}

func decodeSet(raw json.RawMessage) (Operand, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		// nft emits a bare scalar for single-element sets.
		s, serr := decodeScalar(raw)
		if serr != nil {
			return nil, err
		}
		return Values{V: []string{s}}, nil
	}
	vals := make([]string, 0, len(items))
	for _, it := range items {
		op, err := decodeOperand(it)
		if err != nil {
			return nil, err
		}
		vals = append(vals, op.String())
	}
	return Values{V: vals}, nil
}

func decodeScalar(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("unsupported scalar %s", raw)
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null"
}
