// Package netaddr provides fixed-width IPv4 address and CIDR range arithmetic.
//
// Addresses are plain uint32 values so they can be compared, incremented and
// masked without allocation. CIDRRange keeps its network address pre-masked;
// use FromIP whenever the input may carry host bits.
package netaddr

import (
	"fmt"
	"strconv"
	"strings"
)

// IPv4 is an IPv4 address in host byte order.
type IPv4 uint32

// ParseIPv4 parses a dotted-decimal address.
func ParseIPv4(s string) (IPv4, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return 0, fmt.Errorf("invalid IPv4 address %q", s)
	}
	var v uint32
	for _, p := range parts {
		if p == "" || len(p) > 3 {
			return 0, fmt.Errorf("invalid IPv4 address %q", s)
		}
		n, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return 0, fmt.Errorf("invalid IPv4 address %q", s)
		}
		v = v<<8 | uint32(n)
	}
	return IPv4(v), nil
}

// MustParseIPv4 is like ParseIPv4 but panics on error.
func MustParseIPv4(s string) IPv4 {
	ip, err := ParseIPv4(s)
	if err != nil {
		panic(err)
	}
	return ip
}

// FromBytes builds an address from four octets in network order.
func FromBytes(b []byte) IPv4 {
	if len(b) != 4 {
		return 0
	}
	return IPv4(uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]))
}

// Bytes returns the address as four octets in network order.
func (ip IPv4) Bytes() []byte {
	return []byte{byte(ip >> 24), byte(ip >> 16), byte(ip >> 8), byte(ip)}
}

// Next returns the successor address, wrapping at 255.255.255.255.
func (ip IPv4) Next() IPv4 { return ip + 1 }

// Prev returns the predecessor address, wrapping at 0.0.0.0.
func (ip IPv4) Prev() IPv4 { return ip - 1 }

func (ip IPv4) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", byte(ip>>24), byte(ip>>16), byte(ip>>8), byte(ip))
}
