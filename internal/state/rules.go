package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"grimm.is/fleetwall/internal/firewall"
	"grimm.is/fleetwall/internal/netaddr"
)

// RuleKey identifies one firewall rule.
type RuleKey struct {
	HostID    string
	Zone      string
	Direction firewall.Direction
	Priority  uint16
}

func (k RuleKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%d", k.HostID, k.Zone, k.Direction, k.Priority)
}

// RuleRecord is a stored firewall rule.
type RuleRecord struct {
	HostID    string
	Zone      string
	Direction firewall.Direction
	Rule      firewall.Rule
	UpdatedAt time.Time
}

// Key returns the record's primary key.
func (r RuleRecord) Key() RuleKey {
	return RuleKey{HostID: r.HostID, Zone: r.Zone, Direction: r.Direction, Priority: r.Rule.Priority}
}

// AddFirewallRule inserts a rule. The priority must be free for the host,
// zone and direction.
func (s *SQLiteStore) AddFirewallRule(ctx context.Context, rec RuleRecord) error {
	k := rec.Key()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		dup, err := exists(ctx, tx, `SELECT COUNT(*) FROM firewall_rules
			WHERE host_id = ? AND zone = ? AND direction = ? AND priority = ?`,
			k.HostID, k.Zone, string(k.Direction), k.Priority)
		if err != nil {
			return err
		}
		if dup {
			return fmt.Errorf("firewall rule %s: %w", k, ErrExists)
		}
		r := rec.Rule
		_, err = tx.ExecContext(ctx, `INSERT INTO firewall_rules
			(host_id, zone, direction, priority, ports, protocol, source, destination, action, comment, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			k.HostID, k.Zone, string(k.Direction), r.Priority, r.DestinationPortRanges,
			string(r.Protocol), r.Source, r.Destination, string(r.Action), r.Comment, now())
		return err
	})
}

// UpdateFirewallRule replaces an existing rule in place.
func (s *SQLiteStore) UpdateFirewallRule(ctx context.Context, rec RuleRecord) error {
	k := rec.Key()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		r := rec.Rule
		res, err := tx.ExecContext(ctx, `UPDATE firewall_rules
			SET ports = ?, protocol = ?, source = ?, destination = ?, action = ?, comment = ?, updated_at = ?
			WHERE host_id = ? AND zone = ? AND direction = ? AND priority = ?`,
			r.DestinationPortRanges, string(r.Protocol), r.Source, r.Destination, string(r.Action), r.Comment, now(),
			k.HostID, k.Zone, string(k.Direction), k.Priority)
		if err != nil {
			return err
		}
		return mustAffect(res, "firewall rule "+k.String())
	})
}

// DeleteFirewallRule removes one rule.
func (s *SQLiteStore) DeleteFirewallRule(ctx context.Context, k RuleKey) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM firewall_rules
			WHERE host_id = ? AND zone = ? AND direction = ? AND priority = ?`,
			k.HostID, k.Zone, string(k.Direction), k.Priority)
		if err != nil {
			return err
		}
		return mustAffect(res, "firewall rule "+k.String())
	})
}

// FirewallRules returns a zone's rules for one direction, ordered by priority.
func (s *SQLiteStore) FirewallRules(ctx context.Context, hostID, zone string, dir firewall.Direction) ([]firewall.Rule, error) {
	recs, err := s.queryRules(ctx, `WHERE host_id = ? AND zone = ? AND direction = ?`, hostID, zone, string(dir))
	if err != nil {
		return nil, err
	}
	out := make([]firewall.Rule, len(recs))
	for i, r := range recs {
		out[i] = r.Rule
	}
	return out, nil
}

// ListFirewallRules returns every rule of a host.
func (s *SQLiteStore) ListFirewallRules(ctx context.Context, hostID string) ([]RuleRecord, error) {
	return s.queryRules(ctx, `WHERE host_id = ?`, hostID)
}

func (s *SQLiteStore) queryRules(ctx context.Context, where string, args ...any) ([]RuleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT host_id, zone, direction, priority, ports, protocol,
		source, destination, action, comment, updated_at FROM firewall_rules `+where+`
		ORDER BY zone, direction, priority`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query firewall rules: %w", err)
	}
	defer rows.Close()

	var out []RuleRecord
	for rows.Next() {
		var (
			rec                         RuleRecord
			dir, proto, action, updated string
		)
		if err := rows.Scan(&rec.HostID, &rec.Zone, &dir, &rec.Rule.Priority, &rec.Rule.DestinationPortRanges,
			&proto, &rec.Rule.Source, &rec.Rule.Destination, &action, &rec.Rule.Comment, &updated); err != nil {
			return nil, err
		}
		rec.UpdatedAt = parseTime(updated)
		rec.Direction = firewall.Direction(dir)
		rec.Rule.Protocol = firewall.Protocol(proto)
		rec.Rule.Action = firewall.Action(action)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ForwardKey identifies one port forward.
type ForwardKey struct {
	HostID   string
	Protocol firewall.Protocol
	Port     uint16
}

func (k ForwardKey) String() string {
	return fmt.Sprintf("%s/%s/%d", k.HostID, k.Protocol, k.Port)
}

// AddPortForward inserts a port forward. (protocol, port) must be free.
func (s *SQLiteStore) AddPortForward(ctx context.Context, hostID string, pf firewall.PortForward) error {
	k := ForwardKey{HostID: hostID, Protocol: pf.Protocol, Port: pf.Port}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		dup, err := exists(ctx, tx, `SELECT COUNT(*) FROM port_forwards
			WHERE host_id = ? AND protocol = ? AND port = ?`, hostID, string(pf.Protocol), pf.Port)
		if err != nil {
			return err
		}
		if dup {
			return fmt.Errorf("port forward %s: %w", k, ErrExists)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO port_forwards
			(host_id, protocol, port, target_address, target_port, external_only, comment, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			hostID, string(pf.Protocol), pf.Port, pf.TargetAddress.String(), pf.TargetPort,
			pf.ExternalZoneOnly, pf.Comment, now())
		return err
	})
}

// DeletePortForward removes one port forward.
func (s *SQLiteStore) DeletePortForward(ctx context.Context, k ForwardKey) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM port_forwards
			WHERE host_id = ? AND protocol = ? AND port = ?`, k.HostID, string(k.Protocol), k.Port)
		if err != nil {
			return err
		}
		return mustAffect(res, "port forward "+k.String())
	})
}

// PortForwards returns a host's port forwards ordered by protocol and port.
func (s *SQLiteStore) PortForwards(ctx context.Context, hostID string) ([]firewall.PortForward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT protocol, port, target_address, target_port, external_only, comment
		FROM port_forwards WHERE host_id = ? ORDER BY protocol, port`, hostID)
	if err != nil {
		return nil, fmt.Errorf("failed to query port forwards: %w", err)
	}
	defer rows.Close()

	var out []firewall.PortForward
	for rows.Next() {
		var (
			pf            firewall.PortForward
			proto, target string
		)
		if err := rows.Scan(&proto, &pf.Port, &target, &pf.TargetPort, &pf.ExternalZoneOnly, &pf.Comment); err != nil {
			return nil, err
		}
		pf.Protocol = firewall.Protocol(proto)
		if pf.TargetAddress, err = netaddr.ParseIPv4(target); err != nil {
			return nil, fmt.Errorf("corrupt port forward %s/%d: %w", proto, pf.Port, err)
		}
		out = append(out, pf)
	}
	return out, rows.Err()
}
