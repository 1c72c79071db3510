package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"grimm.is/fleetwall/internal/firewall"
	"grimm.is/fleetwall/internal/netaddr"
)

// ErrInvalidConfig is matched by every ValidationErrors.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Is lets errors.Is(err, ErrInvalidConfig) match.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

func (e *ValidationErrors) add(field, format string, args ...any) {
	*e = append(*e, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Validate checks the whole config. Seed blocks are checked by converting
// them, so a config that validates imports cleanly into an empty store.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs.add("log_level", "unknown level %q", c.LogLevel)
	}
	if c.TraceBufferEntries < 0 {
		errs.add("trace_buffer_entries", "must not be negative")
	}
	if c.ResyncSchedule != "" {
		if _, err := c.Resync(); err != nil {
			errs.add("resync_schedule", "%v", err)
		}
	}
	if c.HistoryRetention != "" {
		if _, err := c.Retention(); err != nil {
			errs.add("history_retention", "%v", err)
		}
	}

	hosts := make(map[string]bool)
	for i, h := range c.Hosts {
		field := fmt.Sprintf("host[%q]", h.ID)
		if h.ID == "" {
			errs.add(fmt.Sprintf("host[%d]", i), "id is required")
			continue
		}
		if hosts[h.ID] {
			errs.add(field, "duplicate host")
		}
		hosts[h.ID] = true
		if h.Local {
			continue
		}
		if h.Address == "" {
			errs.add(field+".address", "required for remote hosts")
		}
		if h.Port < 0 || h.Port > 65535 {
			errs.add(field+".port", "out of range: %d", h.Port)
		}
		if h.PrivateKeyFile == "" {
			errs.add(field+".private_key_file", "required for remote hosts")
		}
		if h.Timeout != "" {
			if _, err := time.ParseDuration(h.Timeout); err != nil {
				errs.add(field+".timeout", "%v", err)
			}
		}
	}

	checkHost := func(field, id string) {
		if !hosts[id] {
			errs.add(field+".host", "unknown host %q", id)
		}
	}

	rules := make(map[string]bool)
	for i, r := range c.FirewallRules {
		field := fmt.Sprintf("firewall_rule[%d]", i)
		checkHost(field, r.Host)
		rec, err := r.Record()
		if err != nil {
			errs.add(field, "%v", err)
			continue
		}
		k := rec.Key().String()
		if rules[k] {
			errs.add(field, "duplicate priority %d for %s %s", r.Priority, r.Zone, r.Direction)
		}
		rules[k] = true
	}

	forwards := make(map[string]bool)
	for i, pf := range c.PortForwards {
		field := fmt.Sprintf("port_forward[%d]", i)
		checkHost(field, pf.Host)
		fwd, err := pf.Forward()
		if err != nil {
			errs.add(field, "%v", err)
			continue
		}
		k := fmt.Sprintf("%s/%s/%d", pf.Host, fwd.Protocol, fwd.Port)
		if forwards[k] {
			errs.add(field, "duplicate forward of %s port %d", fwd.Protocol, fwd.Port)
		}
		forwards[k] = true
	}

	segments := make(map[string]bool)
	segment := func(field, hostID, zone, nic, space string) {
		checkHost(field, hostID)
		if nic == "" {
			errs.add(field, "interface is required")
		} else if err := firewall.CheckSegmentInterface(nic); err != nil {
			errs.add(field, "%v", err)
		}
		if _, err := netaddr.ParseCIDR(space); err != nil {
			errs.add(field+".address_space", "%v", err)
		}
		k := hostID + "/" + zone
		if segments[k] {
			errs.add(field, "duplicate zone %s", zone)
		}
		segments[k] = true
	}
	for _, vn := range c.VirtualNetworks {
		segment(fmt.Sprintf("virtual_network[%q]", vn.Name), vn.Host, "vnet-"+vn.Name, vn.Bridge, vn.AddressSpace)
	}
	for _, gw := range c.VPNGateways {
		segment(fmt.Sprintf("vpn_gateway[%q]", gw.Name), gw.Host, "vpn-"+gw.Name, gw.Interface, gw.AddressSpace)
	}
	return errs
}

func validRuleZone(zone string) error {
	if zone == "" {
		return fmt.Errorf("%w: zone is required", firewall.ErrInvalidZone)
	}
	if zone != firewall.ZoneExternal && firewall.IsReservedZoneName(zone) {
		return fmt.Errorf("%w: zone %s takes no rules", firewall.ErrInvalidZone, zone)
	}
	return nil
}
