package netaddr

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// CIDRRange is an IPv4 network. NetAddress must already be masked to Prefix.
type CIDRRange struct {
	NetAddress IPv4
	Prefix     uint8
}

// NewCIDRRange builds a range from a network address taken literally.
// The caller guarantees that no host bits are set.
func NewCIDRRange(network IPv4, prefix uint8) CIDRRange {
	return CIDRRange{NetAddress: network, Prefix: prefix}
}

// FromIP returns the network containing ip with the given prefix length,
// clearing any host bits.
func FromIP(ip IPv4, prefix uint8) CIDRRange {
	if prefix > 32 {
		prefix = 32
	}
	shift := 32 - uint(prefix)
	var network IPv4
	if shift < 32 {
		network = IPv4(uint32(ip) >> shift << shift)
	}
	return CIDRRange{NetAddress: network, Prefix: prefix}
}

// FromAddressAndSubnetMask derives the prefix length from a dotted subnet
// mask and truncates address to it.
func FromAddressAndSubnetMask(address, mask IPv4) CIDRRange {
	prefix := 0
	for _, octet := range mask.Bytes() {
		prefix += bits.OnesCount8(octet)
	}
	return FromIP(address, uint8(prefix))
}

// ParseCIDR parses "a.b.c.d/n" or a bare address, which becomes a /32.
// Host bits are cleared.
func ParseCIDR(s string) (CIDRRange, error) {
	addr, prefixStr, hasPrefix := strings.Cut(strings.TrimSpace(s), "/")
	ip, err := ParseIPv4(addr)
	if err != nil {
		return CIDRRange{}, err
	}
	if !hasPrefix {
		return CIDRRange{NetAddress: ip, Prefix: 32}, nil
	}
	n, err := strconv.ParseUint(prefixStr, 10, 8)
	if err != nil || n > 32 {
		return CIDRRange{}, fmt.Errorf("invalid prefix length in %q", s)
	}
	return FromIP(ip, uint8(n)), nil
}

// MustParseCIDR is like ParseCIDR but panics on error.
func MustParseCIDR(s string) CIDRRange {
	r, err := ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return r
}

// SubnetMask returns the mask for the range's prefix length.
func (r CIDRRange) SubnetMask() IPv4 {
	if r.Prefix == 0 {
		return 0
	}
	return IPv4(^uint32(0) << (32 - uint(r.Prefix)))
}

// GenerateSubnetMask builds the mask one octet at a time. It must agree with
// SubnetMask for every prefix length.
func (r CIDRRange) GenerateSubnetMask() IPv4 {
	remaining := int(r.Prefix)
	var octets [4]byte
	for i := range octets {
		switch {
		case remaining >= 8:
			octets[i] = 0xff
			remaining -= 8
		case remaining > 0:
			octets[i] = byte(0xff << (8 - remaining))
			remaining = 0
		}
	}
	return FromBytes(octets[:])
}

// BroadcastAddress returns the last address in the range.
func (r CIDRRange) BroadcastAddress() IPv4 {
	return r.NetAddress | ^r.SubnetMask()
}

// Includes reports whether addr lies inside the range.
func (r CIDRRange) Includes(addr IPv4) bool {
	return addr&r.SubnetMask() == r.NetAddress
}

// Contains reports whether other is fully inside r.
func (r CIDRRange) Contains(other CIDRRange) bool {
	return other.Prefix >= r.Prefix && r.Includes(other.NetAddress)
}

// Overlaps reports whether the two ranges share any address.
func (r CIDRRange) Overlaps(other CIDRRange) bool {
	return r.Contains(other) || other.Contains(r)
}

func (r CIDRRange) String() string {
	return fmt.Sprintf("%s/%d", r.NetAddress, r.Prefix)
}
