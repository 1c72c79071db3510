// Package config loads the fleet configuration file (fleetwall.hcl).
//
// The file names the managed hosts and daemon settings. It may also carry
// seed blocks (firewall_rule, port_forward, virtual_network, vpn_gateway)
// that `fleetwall import` copies into the state store.
package config

import (
	"fmt"
	"strings"
	"time"

	"grimm.is/fleetwall/internal/scheduler"
)

// CurrentSchemaVersion is the latest config schema version
const CurrentSchemaVersion = "1.0"

// Config is the top-level configuration.
type Config struct {
	SchemaVersion      string `hcl:"schema_version,optional"`
	LogLevel           string `hcl:"log_level,optional"`
	LogJSON            bool   `hcl:"log_json,optional"`
	StatePath          string `hcl:"state_path,optional"`
	BootRulesetPath    string `hcl:"boot_ruleset_path,optional"`
	MetricsListen      string `hcl:"metrics_listen,optional"`
	TraceBufferEntries int    `hcl:"trace_buffer_entries,optional"`
	// ResyncSchedule re-applies every host's ruleset: a duration ("10m"), a
	// cron expression, or "off".
	ResyncSchedule string `hcl:"resync_schedule,optional"`
	// HistoryRetention is how long apply history is kept, or "off".
	HistoryRetention string `hcl:"history_retention,optional"`

	Hosts           []*Host           `hcl:"host,block"`
	FirewallRules   []*FirewallRule   `hcl:"firewall_rule,block"`
	PortForwards    []*PortForward    `hcl:"port_forward,block"`
	VirtualNetworks []*VirtualNetwork `hcl:"virtual_network,block"`
	VPNGateways     []*VPNGateway     `hcl:"vpn_gateway,block"`
}

// Host is a managed host. Local hosts run commands directly; the rest are
// reached over SSH.
type Host struct {
	ID             string `hcl:"id,label"`
	Address        string `hcl:"address,optional"`
	Port           int    `hcl:"port,optional"`
	User           string `hcl:"user,optional"`
	PrivateKeyFile string `hcl:"private_key_file,optional"`
	KnownHostsFile string `hcl:"known_hosts_file,optional"`
	Local          bool   `hcl:"local,optional"`
	Timeout        string `hcl:"timeout,optional"` // e.g. "10s"
}

// FirewallRule seeds one zone rule.
//
// Example:
//
//	firewall_rule {
//	  host      = "h1"
//	  zone      = "external"
//	  direction = "inbound"
//	  priority  = 10
//	  protocol  = "tcp"
//	  ports     = "22"
//	  action    = "allow"
//	}
type FirewallRule struct {
	Host        string `hcl:"host"`
	Zone        string `hcl:"zone"`
	Direction   string `hcl:"direction"`
	Priority    int    `hcl:"priority"`
	Protocol    string `hcl:"protocol,optional"`
	Ports       string `hcl:"ports,optional"`
	Source      string `hcl:"source,optional"`
	Destination string `hcl:"destination,optional"`
	Action      string `hcl:"action"`
	Comment     string `hcl:"comment,optional"`
}

// PortForward seeds one DNAT forward. TargetPort defaults to Port.
type PortForward struct {
	Host             string `hcl:"host"`
	Protocol         string `hcl:"protocol"`
	Port             int    `hcl:"port"`
	Target           string `hcl:"target"`
	TargetPort       int    `hcl:"target_port,optional"`
	ExternalZoneOnly bool   `hcl:"external_zone_only,optional"`
	Comment          string `hcl:"comment,optional"`
}

// VirtualNetwork seeds a bridged VM network; its zone is "vnet-<name>".
type VirtualNetwork struct {
	Name         string `hcl:"name,label"`
	Host         string `hcl:"host"`
	Bridge       string `hcl:"bridge"`
	AddressSpace string `hcl:"address_space"`
}

// VPNGateway seeds a tunnel endpoint; its zone is "vpn-<name>".
type VPNGateway struct {
	Name         string `hcl:"name,label"`
	Host         string `hcl:"host"`
	Interface    string `hcl:"interface"`
	AddressSpace string `hcl:"address_space"`
}

// Host returns the host block with id.
func (c *Config) Host(id string) (*Host, bool) {
	for _, h := range c.Hosts {
		if h.ID == id {
			return h, true
		}
	}
	return nil, false
}

// Off disables an optional periodic job.
const Off = "off"

// Resync returns the resync schedule, nil when disabled.
func (c *Config) Resync() (scheduler.Schedule, error) {
	if strings.EqualFold(c.ResyncSchedule, Off) {
		return nil, nil
	}
	return scheduler.ParseSchedule(c.ResyncSchedule)
}

// Retention returns how long apply history is kept, zero when pruning is
// disabled.
func (c *Config) Retention() (time.Duration, error) {
	if strings.EqualFold(c.HistoryRetention, Off) {
		return 0, nil
	}
	d, err := time.ParseDuration(c.HistoryRetention)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive: %s", c.HistoryRetention)
	}
	return d, nil
}
