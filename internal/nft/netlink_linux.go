//go:build linux

package nft

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"github.com/google/nftables/userdata"
	"golang.org/x/sys/unix"
)

// AnonSet is an anonymous constant set a rule looks up. It must be added to
// the connection before the rule that references it, then Bind fills in the
// name and id the connection assigned.
type AnonSet struct {
	Set      *nftables.Set
	Elements []nftables.SetElement
	lookup   *expr.Lookup
}

// Bind points the rule's lookup at the added set.
func (a *AnonSet) Bind() {
	a.lookup.SetName = a.Set.Name
	a.lookup.SetID = a.Set.ID
}

// TableFamily maps an IR family to its netlink value.
func TableFamily(f Family) (nftables.TableFamily, error) {
	switch f {
	case FamilyIP:
		return nftables.TableFamilyIPv4, nil
	case FamilyIP6:
		return nftables.TableFamilyIPv6, nil
	case FamilyBridge:
		return nftables.TableFamilyBridge, nil
	}
	return 0, fmt.Errorf("unsupported family %q", f)
}

// NetlinkChain builds the netlink chain object for c.
func NetlinkChain(table *nftables.Table, c *Chain) (*nftables.Chain, error) {
	nc := &nftables.Chain{Name: c.Name, Table: table}
	if !c.IsBase() {
		return nc, nil
	}

	switch c.Type {
	case "filter":
		nc.Type = nftables.ChainTypeFilter
	case "nat":
		nc.Type = nftables.ChainTypeNAT
	case "route":
		nc.Type = nftables.ChainTypeRoute
	default:
		return nil, fmt.Errorf("chain %s: unsupported type %q", c.Name, c.Type)
	}

	switch c.Hook {
	case "prerouting":
		nc.Hooknum = nftables.ChainHookPrerouting
	case "input":
		nc.Hooknum = nftables.ChainHookInput
	case "forward":
		nc.Hooknum = nftables.ChainHookForward
	case "output":
		nc.Hooknum = nftables.ChainHookOutput
	case "postrouting":
		nc.Hooknum = nftables.ChainHookPostrouting
	default:
		return nil, fmt.Errorf("chain %s: unsupported hook %q", c.Name, c.Hook)
	}

	nc.Priority = nftables.ChainPriorityRef(nftables.ChainPriority(c.Prio))

	switch c.Policy {
	case "":
	case "accept":
		p := nftables.ChainPolicyAccept
		nc.Policy = &p
	case "drop":
		p := nftables.ChainPolicyDrop
		nc.Policy = &p
	default:
		return nil, fmt.Errorf("chain %s: unsupported policy %q", c.Name, c.Policy)
	}
	return nc, nil
}

// RuleUserData encodes the rule comment the way nft stores it.
func RuleUserData(r *Rule) []byte {
	if r.Comment == "" {
		return nil
	}
	return userdata.AppendString([]byte{}, userdata.TypeComment, r.Comment)
}

// RuleExprs translates r into netlink expressions.
func RuleExprs(table *nftables.Table, r *Rule) ([]expr.Any, []AnonSet, error) {
	var exprs []expr.Any
	var sets []AnonSet
	for _, c := range r.Conditions {
		e, set, err := conditionExprs(table, c)
		if err != nil {
			return nil, nil, err
		}
		exprs = append(exprs, e...)
		if set != nil {
			sets = append(sets, *set)
		}
	}
	pe, err := policyExprs(r.Policy)
	if err != nil {
		return nil, nil, err
	}
	return append(exprs, pe...), sets, nil
}

func cmpOp(op Op) expr.CmpOp {
	if op == OpNe {
		return expr.CmpOpNeq
	}
	return expr.CmpOpEq
}

func ifname(n string) []byte {
	b := make([]byte, 16)
	copy(b, n+"\x00")
	return b
}

func conditionExprs(table *nftables.Table, c Condition) ([]expr.Any, *AnonSet, error) {
	switch left := c.Left.(type) {
	case Meta:
		return metaExprs(table, left, c)
	case Payload:
		return payloadExprs(table, left, c)
	case CT:
		if left.Key != "state" {
			return nil, nil, fmt.Errorf("unsupported ct key %q", left.Key)
		}
		bits, err := ctStateBits(c.Right)
		if err != nil {
			return nil, nil, err
		}
		match := expr.CmpOpNeq
		if c.Op == OpNe {
			match = expr.CmpOpEq
		}
		return []expr.Any{
			&expr.Ct{Key: expr.CtKeySTATE, Register: 1},
			&expr.Bitwise{
				SourceRegister: 1,
				DestRegister:   1,
				Len:            4,
				Mask:           binaryutil.NativeEndian.PutUint32(bits),
				Xor:            []byte{0, 0, 0, 0},
			},
			&expr.Cmp{Op: match, Register: 1, Data: []byte{0, 0, 0, 0}},
		}, nil, nil
	}
	return nil, nil, fmt.Errorf("unsupported condition %s", ConditionExpr(c))
}

func metaExprs(table *nftables.Table, m Meta, c Condition) ([]expr.Any, *AnonSet, error) {
	switch m.Key {
	case "iifname", "oifname":
		key := expr.MetaKeyIIFNAME
		if m.Key == "oifname" {
			key = expr.MetaKeyOIFNAME
		}
		load := &expr.Meta{Key: key, Register: 1}
		switch right := c.Right.(type) {
		case Value:
			return []expr.Any{load, &expr.Cmp{Op: cmpOp(c.Op), Register: 1, Data: ifname(right.V)}}, nil, nil
		case Values:
			elems := make([]nftables.SetElement, len(right.V))
			for i, v := range right.V {
				elems[i] = nftables.SetElement{Key: ifname(v)}
			}
			set := &nftables.Set{Table: table, Anonymous: true, Constant: true, KeyType: nftables.TypeIFName}
			lookup := &expr.Lookup{SourceRegister: 1, Invert: c.Op == OpNe}
			return []expr.Any{load, lookup}, &AnonSet{Set: set, Elements: elems, lookup: lookup}, nil
		}
	case "l4proto":
		right, ok := c.Right.(Value)
		if !ok {
			break
		}
		proto, err := l4proto(right.V)
		if err != nil {
			return nil, nil, err
		}
		return []expr.Any{
			&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
			&expr.Cmp{Op: cmpOp(c.Op), Register: 1, Data: []byte{proto}},
		}, nil, nil
	case "protocol":
		right, ok := c.Right.(Value)
		if !ok || right.V != "arp" {
			break
		}
		return []expr.Any{
			&expr.Meta{Key: expr.MetaKeyPROTOCOL, Register: 1},
			&expr.Cmp{Op: cmpOp(c.Op), Register: 1, Data: binaryutil.BigEndian.PutUint16(unix.ETH_P_ARP)},
		}, nil, nil
	}
	return nil, nil, fmt.Errorf("unsupported condition %s", ConditionExpr(c))
}

func payloadExprs(table *nftables.Table, p Payload, c Condition) ([]expr.Any, *AnonSet, error) {
	switch p.Field {
	case "saddr", "daddr":
		if p.Protocol != "ip" {
			break
		}
		offset := uint32(12)
		if p.Field == "daddr" {
			offset = 16
		}
		load := &expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: offset, Len: 4}
		switch right := c.Right.(type) {
		case Prefix:
			ip := net.ParseIP(right.Addr).To4()
			if ip == nil {
				return nil, nil, fmt.Errorf("invalid prefix address %q", right.Addr)
			}
			return []expr.Any{
				load,
				&expr.Bitwise{
					SourceRegister: 1,
					DestRegister:   1,
					Len:            4,
					Mask:           net.CIDRMask(int(right.Len), 32),
					Xor:            []byte{0, 0, 0, 0},
				},
				&expr.Cmp{Op: cmpOp(c.Op), Register: 1, Data: ip},
			}, nil, nil
		case Value:
			ip := net.ParseIP(right.V).To4()
			if ip == nil {
				return nil, nil, fmt.Errorf("invalid address %q", right.V)
			}
			return []expr.Any{load, &expr.Cmp{Op: cmpOp(c.Op), Register: 1, Data: ip}}, nil, nil
		case Values:
			elems := make([]nftables.SetElement, 0, len(right.V))
			for _, v := range right.V {
				ip := net.ParseIP(v).To4()
				if ip == nil {
					return nil, nil, fmt.Errorf("invalid address %q", v)
				}
				elems = append(elems, nftables.SetElement{Key: ip})
			}
			set := &nftables.Set{Table: table, Anonymous: true, Constant: true, KeyType: nftables.TypeIPAddr}
			lookup := &expr.Lookup{SourceRegister: 1, Invert: c.Op == OpNe}
			return []expr.Any{load, lookup}, &AnonSet{Set: set, Elements: elems, lookup: lookup}, nil
		}
	case "dport", "sport":
		offset := uint32(2)
		if p.Field == "sport" {
			offset = 0
		}
		load := &expr.Payload{DestRegister: 1, Base: expr.PayloadBaseTransportHeader, Offset: offset, Len: 2}
		switch right := c.Right.(type) {
		case Value:
			port, err := parsePort(right.V)
			if err != nil {
				return nil, nil, err
			}
			return []expr.Any{load, &expr.Cmp{Op: cmpOp(c.Op), Register: 1, Data: binaryutil.BigEndian.PutUint16(port)}}, nil, nil
		case Range:
			lo, err := parsePort(right.Lo)
			if err != nil {
				return nil, nil, err
			}
			hi, err := parsePort(right.Hi)
			if err != nil {
				return nil, nil, err
			}
			return []expr.Any{
				load,
				&expr.Cmp{Op: expr.CmpOpGte, Register: 1, Data: binaryutil.BigEndian.PutUint16(lo)},
				&expr.Cmp{Op: expr.CmpOpLte, Register: 1, Data: binaryutil.BigEndian.PutUint16(hi)},
			}, nil, nil
		}
	}
	return nil, nil, fmt.Errorf("unsupported condition %s", ConditionExpr(c))
}

func policyExprs(p Policy) ([]expr.Any, error) {
	switch v := p.(type) {
	case nil:
		return nil, nil
	case Accept:
		return []expr.Any{&expr.Verdict{Kind: expr.VerdictAccept}}, nil
	case Drop:
		return []expr.Any{&expr.Verdict{Kind: expr.VerdictDrop}}, nil
	case Return:
		return []expr.Any{&expr.Verdict{Kind: expr.VerdictReturn}}, nil
	case Jump:
		return []expr.Any{&expr.Verdict{Kind: expr.VerdictJump, Chain: v.Target}}, nil
	case Reject:
		// ICMP code 3 is port unreachable.
		return []expr.Any{&expr.Reject{Type: unix.NFT_REJECT_ICMP_UNREACH, Code: 3}}, nil
	case Masquerade:
		return []expr.Any{&expr.Masq{}}, nil
	case DNAT:
		ip := net.ParseIP(v.Addr).To4()
		if ip == nil {
			return nil, fmt.Errorf("invalid dnat address %q", v.Addr)
		}
		exprs := []expr.Any{&expr.Immediate{Register: 1, Data: ip}}
		nat := &expr.NAT{Type: expr.NATTypeDestNAT, Family: unix.NFPROTO_IPV4, RegAddrMin: 1}
		if v.Port != 0 {
			exprs = append(exprs, &expr.Immediate{Register: 2, Data: binaryutil.BigEndian.PutUint16(v.Port)})
			nat.RegProtoMin = 2
		}
		return append(exprs, nat), nil
	case Mangle:
		m, ok := v.Key.(Meta)
		if !ok || m.Key != "nftrace" {
			return nil, fmt.Errorf("unsupported mangle %s", v)
		}
		return []expr.Any{
			&expr.Immediate{Register: 1, Data: []byte{1}},
			&expr.Meta{Key: expr.MetaKeyNFTRACE, SourceRegister: true, Register: 1},
		}, nil
	}
	return nil, fmt.Errorf("unsupported policy %s", p)
}

func ctStateBits(o Operand) (uint32, error) {
	var names []string
	switch v := o.(type) {
	case Value:
		names = strings.Split(v.V, ",")
	case Values:
		names = v.V
	default:
		return 0, fmt.Errorf("unsupported ct state operand %s", o)
	}
	var bits uint32
	for _, n := range names {
		switch strings.TrimSpace(n) {
		case "invalid":
			bits |= expr.CtStateBitINVALID
		case "new":
			bits |= expr.CtStateBitNEW
		case "established":
			bits |= expr.CtStateBitESTABLISHED
		case "related":
			bits |= expr.CtStateBitRELATED
		default:
			return 0, fmt.Errorf("unknown ct state %q", n)
		}
	}
	return bits, nil
}

func l4proto(name string) (byte, error) {
	switch name {
	case "tcp":
		return unix.IPPROTO_TCP, nil
	case "udp":
		return unix.IPPROTO_UDP, nil
	case "icmp":
		return unix.IPPROTO_ICMP, nil
	}
	n, err := strconv.ParseUint(name, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("unknown l4proto %q", name)
	}
	return byte(n), nil
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return uint16(n), nil
}
