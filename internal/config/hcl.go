package config

import (
	"strings"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclwrite"

	"grimm.is/fleetwall/internal/firewall"
	"grimm.is/fleetwall/internal/state"
)

// GenerateHCL renders c as formatted HCL.
func GenerateHCL(c *Config) []byte {
	f := hclwrite.NewEmptyFile()
	gohcl.EncodeIntoBody(c, f.Body())
	return hclwrite.Format(f.Bytes())
}

func anyToEmpty(s string) string {
	if s == firewall.Any {
		return ""
	}
	return s
}

// RuleBlock is the inverse of FirewallRule.Record.
func RuleBlock(rec state.RuleRecord) *FirewallRule {
	r := rec.Rule
	proto := ""
	if r.Protocol != firewall.ProtocolAny {
		proto = strings.ToLower(string(r.Protocol))
	}
	return &FirewallRule{
		Host:        rec.HostID,
		Zone:        rec.Zone,
		Direction:   string(rec.Direction),
		Priority:    int(r.Priority),
		Protocol:    proto,
		Ports:       anyToEmpty(r.DestinationPortRanges),
		Source:      anyToEmpty(r.Source),
		Destination: anyToEmpty(r.Destination),
		Action:      strings.ToLower(string(r.Action)),
		Comment:     r.Comment,
	}
}

// ForwardBlock is the inverse of PortForward.Forward.
func ForwardBlock(hostID string, pf firewall.PortForward) *PortForward {
	return &PortForward{
		Host:             hostID,
		Protocol:         strings.ToLower(string(pf.Protocol)),
		Port:             int(pf.Port),
		Target:           pf.TargetAddress.String(),
		TargetPort:       int(pf.TargetPort),
		ExternalZoneOnly: pf.ExternalZoneOnly,
		Comment:          pf.Comment,
	}
}

// VirtualNetworkBlock is the inverse of VirtualNetwork.Record.
func VirtualNetworkBlock(vn state.VirtualNetwork) *VirtualNetwork {
	return &VirtualNetwork{Name: vn.Name, Host: vn.HostID, Bridge: vn.Bridge, AddressSpace: vn.AddressSpace.String()}
}

// VPNGatewayBlock is the inverse of VPNGateway.Record.
func VPNGatewayBlock(gw state.VPNGateway) *VPNGateway {
	return &VPNGateway{Name: gw.Name, Host: gw.HostID, Interface: gw.Interface, AddressSpace: gw.AddressSpace.String()}
}
