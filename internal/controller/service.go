package controller

import (
	"context"
	"fmt"

	"grimm.is/fleetwall/internal/firewall"
	"grimm.is/fleetwall/internal/logging"
	"grimm.is/fleetwall/internal/state"
	"grimm.is/fleetwall/internal/tracing"
)

// Store is the configuration the service edits. *state.SQLiteStore
// implements it.
type Store interface {
	AddFirewallRule(ctx context.Context, rec state.RuleRecord) error
	UpdateFirewallRule(ctx context.Context, rec state.RuleRecord) error
	DeleteFirewallRule(ctx context.Context, k state.RuleKey) error
	ListFirewallRules(ctx context.Context, hostID string) ([]state.RuleRecord, error)
	AddPortForward(ctx context.Context, hostID string, pf firewall.PortForward) error
	DeletePortForward(ctx context.Context, k state.ForwardKey) error
	PortForwards(ctx context.Context, hostID string) ([]firewall.PortForward, error)
}

// Notifier announces zone changes. *zones.Assembler implements it.
type Notifier interface {
	NotifyZoneChanged(hostID, zone string)
}

// Tracer runs trace sessions. *tracing.Controller implements it.
type Tracer interface {
	Enable(ctx context.Context, hostID string, settings firewall.TraceSettings) (tracing.SessionInfo, error)
	Disable(hostID string) error
}

// Service is the configuration-layer entry point. Every mutation ends by
// announcing the change, which queues a recompute for the host.
type Service struct {
	store    Store
	notifier Notifier
	tracer   Tracer
	ctrl     *Controller
	logger   *logging.Logger
}

// NewService creates a service.
func NewService(store Store, notifier Notifier, tracer Tracer, ctrl *Controller, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.WithComponent("service")
	}
	return &Service{store: store, notifier: notifier, tracer: tracer, ctrl: ctrl, logger: logger}
}

// ValidateRule checks a rule record before it is stored.
func ValidateRule(rec state.RuleRecord) error {
	if rec.HostID == "" {
		return fmt.Errorf("%w: host is required", firewall.ErrInvalidRule)
	}
	if rec.Zone == "" || (rec.Zone != firewall.ZoneExternal && firewall.IsReservedZoneName(rec.Zone)) {
		return fmt.Errorf("%w: zone %q takes no rules", firewall.ErrInvalidZone, rec.Zone)
	}
	if rec.Direction != firewall.Inbound && rec.Direction != firewall.Outbound {
		return fmt.Errorf("%w: direction %q", firewall.ErrInvalidRule, rec.Direction)
	}
	if rec.Rule.Priority == firewall.TerminalPriority {
		return fmt.Errorf("%w: priority %d is reserved", firewall.ErrInvalidRule, firewall.TerminalPriority)
	}
	if _, err := firewall.Flatten(rec.Rule); err != nil {
		return err
	}
	return nil
}

// ValidateForward checks a port forward before it is stored.
func ValidateForward(pf firewall.PortForward) error {
	if pf.Protocol != firewall.ProtocolTCP && pf.Protocol != firewall.ProtocolUDP {
		return fmt.Errorf("%w: forward protocol must be TCP or UDP", firewall.ErrInvalidRule)
	}
	if pf.Port == 0 || pf.TargetPort == 0 {
		return fmt.Errorf("%w: forward ports must be non-zero", firewall.ErrInvalidRule)
	}
	return nil
}

func (s *Service) changed(hostID, zone string) {
	if s.notifier != nil {
		s.notifier.NotifyZoneChanged(hostID, zone)
	}
}

// AddRule stores a new rule.
func (s *Service) AddRule(ctx context.Context, rec state.RuleRecord) error {
	if err := ValidateRule(rec); err != nil {
		return err
	}
	if err := s.store.AddFirewallRule(ctx, rec); err != nil {
		return err
	}
	s.logger.Audit("rule.add", rec.HostID, map[string]any{"rule": rec.Key().String()})
	s.changed(rec.HostID, rec.Zone)
	return nil
}

// UpdateRule replaces an existing rule.
func (s *Service) UpdateRule(ctx context.Context, rec state.RuleRecord) error {
	if err := ValidateRule(rec); err != nil {
		return err
	}
	if err := s.store.UpdateFirewallRule(ctx, rec); err != nil {
		return err
	}
	s.logger.Audit("rule.update", rec.HostID, map[string]any{"rule": rec.Key().String()})
	s.changed(rec.HostID, rec.Zone)
	return nil
}

// DeleteRule removes a rule.
func (s *Service) DeleteRule(ctx context.Context, k state.RuleKey) error {
	if err := s.store.DeleteFirewallRule(ctx, k); err != nil {
		return err
	}
	s.logger.Audit("rule.delete", k.HostID, map[string]any{"rule": k.String()})
	s.changed(k.HostID, k.Zone)
	return nil
}

// Rules lists a host's rules.
func (s *Service) Rules(ctx context.Context, hostID string) ([]state.RuleRecord, error) {
	return s.store.ListFirewallRules(ctx, hostID)
}

// AddForward stores a new port forward.
func (s *Service) AddForward(ctx context.Context, hostID string, pf firewall.PortForward) error {
	if err := ValidateForward(pf); err != nil {
		return err
	}
	if err := s.store.AddPortForward(ctx, hostID, pf); err != nil {
		return err
	}
	s.logger.Audit("forward.add", hostID, map[string]any{
		"forward": fmt.Sprintf("%s/%d", pf.Protocol, pf.Port),
		"target":  fmt.Sprintf("%s:%d", pf.TargetAddress, pf.TargetPort),
	})
	s.changed(hostID, firewall.ZoneExternal)
	return nil
}

// DeleteForward removes a port forward.
func (s *Service) DeleteForward(ctx context.Context, k state.ForwardKey) error {
	if err := s.store.DeletePortForward(ctx, k); err != nil {
		return err
	}
	s.logger.Audit("forward.delete", k.HostID, map[string]any{"forward": k.String()})
	s.changed(k.HostID, firewall.ZoneExternal)
	return nil
}

// Forwards lists a host's port forwards.
func (s *Service) Forwards(ctx context.Context, hostID string) ([]firewall.PortForward, error) {
	return s.store.PortForwards(ctx, hostID)
}

// EnableTracing starts tracing on a host. The tracer announces the change.
func (s *Service) EnableTracing(ctx context.Context, hostID string, settings firewall.TraceSettings) (tracing.SessionInfo, error) {
	info, err := s.tracer.Enable(ctx, hostID, settings)
	if err != nil {
		return tracing.SessionInfo{}, err
	}
	s.logger.Audit("tracing.enable", hostID, map[string]any{"session": info.ID})
	return info, nil
}

// DisableTracing stops tracing on a host.
func (s *Service) DisableTracing(hostID string) error {
	if err := s.tracer.Disable(hostID); err != nil {
		return err
	}
	s.logger.Audit("tracing.disable", hostID, nil)
	return nil
}

// ApplyNow recomputes a host synchronously, or every host when hostID is
// empty.
func (s *Service) ApplyNow(ctx context.Context, hostID string) error {
	if hostID != "" {
		return s.ctrl.ApplyRuleSet(ctx, hostID)
	}
	failed := s.ctrl.ApplyAll(ctx)
	if len(failed) > 0 {
		return fmt.Errorf("ruleset apply failed on %d host(s)", len(failed))
	}
	return nil
}
