// Package firewall holds the zone model and compiles it into nftables rules.
//
// # Overview
//
// A host's zones (external, docker, one per virtual network and VPN
// gateway) each carry an inbound and an outbound rule list. Compile turns a
// ZoneCollection into the complete set of tables for the host; the result
// is applied as a whole, never patched.
//
// # Architecture
//
//	ZoneCollection → Validate → Flatten → compiler → []nft.Table → ruleset.Adapter
//
// Tables generated:
//
//	ip  filter   INPUT, FORWARD, OUTPUT and one chain per zone and direction
//	ip  nat      PREROUTING (port forwards) and POSTROUTING (masquerade)
//	ip6 filter   drops everything
//	bridge filter  FORWARD, only when the host's nft supports bridge conntrack
//
// # Rule evaluation
//
// Rule lists run in ascending priority order; the first match decides. Every
// list ends with an implicit terminal rule at TerminalPriority: deny inbound,
// allow outbound. Evaluate applies the same semantics in memory, which is
// what the packet simulator uses.
//
// # Tracing
//
// TraceSettings marks matching packets with meta nftrace at the start of the
// selected hooks so `nft monitor trace` reports their path.
package firewall
