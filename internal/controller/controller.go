// Package controller keeps every host's netfilter ruleset in line with its
// zones. Changes arrive as events; each host has one worker that recomputes
// and submits the full ruleset, so applies for a host never interleave.
package controller

import (
	"context"
	"fmt"
	"sync"

	"grimm.is/fleetwall/internal/clock"
	"grimm.is/fleetwall/internal/events"
	"grimm.is/fleetwall/internal/firewall"
	"grimm.is/fleetwall/internal/logging"
	"grimm.is/fleetwall/internal/metrics"
	"grimm.is/fleetwall/internal/nft"
	"grimm.is/fleetwall/internal/ruleset"
)

// HostLister lists the fleet's host ids.
type HostLister interface {
	Hosts() []string
}

// forgetter drops a host's cached connection so the next call redials.
// *host.Fleet implements it.
type forgetter interface {
	Forget(hostID string)
}

// ZoneSource assembles a host's zones.
type ZoneSource interface {
	Assemble(ctx context.Context, hostID string) (*firewall.ZoneCollection, error)
}

// TraceSource returns a host's trace settings, nil when tracing is off.
type TraceSource interface {
	Settings(hostID string) *firewall.TraceSettings
}

// Options holds a Controller's collaborators. Hub, Metrics, Tracing and
// Logger may be nil.
type Options struct {
	Hosts   HostLister
	Zones   ZoneSource
	Adapter ruleset.Adapter
	Tracing TraceSource
	Hub     *events.Hub
	Metrics *metrics.Registry
	Logger  *logging.Logger
}

// Controller compiles and applies rulesets.
type Controller struct {
	hosts   HostLister
	zones   ZoneSource
	adapter ruleset.Adapter
	tracing TraceSource
	hub     *events.Hub
	metrics *metrics.Registry
	logger  *logging.Logger

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	resync chan struct{}
}

// New creates a controller.
func New(opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = logging.WithComponent("controller")
	}
	return &Controller{
		hosts:   opts.Hosts,
		zones:   opts.Zones,
		adapter: opts.Adapter,
		tracing: opts.Tracing,
		hub:     opts.Hub,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		locks:   make(map[string]*sync.Mutex),
		resync:  make(chan struct{}, 1),
	}
}

func (c *Controller) hostLock(hostID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[hostID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[hostID] = l
	}
	return l
}

// Compile assembles the host's zones and compiles them for the host's
// netfilter version. Nothing is written.
func (c *Controller) Compile(ctx context.Context, hostID string) ([]nft.Table, error) {
	zc, err := c.zones.Assemble(ctx, hostID)
	if err != nil {
		return nil, err
	}
	v, err := c.adapter.ReadNetfilterVersion(ctx, hostID)
	if err != nil {
		return nil, fmt.Errorf("failed to read netfilter version of %s: %w", hostID, err)
	}
	var trace *firewall.TraceSettings
	if c.tracing != nil {
		trace = c.tracing.Settings(hostID)
	}
	tables, err := firewall.Compile(zc, trace, firewall.CompileOptions{BridgeConntrack: v.SupportsBridgeConntrack()})
	if err != nil {
		return nil, fmt.Errorf("failed to compile ruleset for %s: %w", hostID, err)
	}
	return tables, nil
}

// ApplyRuleSet recomputes the host's ruleset and replaces the live one. On
// failure the host keeps its previous ruleset.
func (c *Controller) ApplyRuleSet(ctx context.Context, hostID string) error {
	l := c.hostLock(hostID)
	l.Lock()
	defer l.Unlock()

	start := clock.Now()
	tables, err := c.Compile(ctx, hostID)
	if err == nil {
		err = c.adapter.WriteRuleSet(ctx, hostID, tables)
		if f, ok := c.hosts.(forgetter); ok && err != nil {
			f.Forget(hostID)
		}
	}
	d := clock.Since(start)
	rules := nft.RuleCount(tables)

	if c.metrics != nil {
		c.metrics.RecordApply(hostID, rules, d, err)
	}
	if c.hub != nil {
		data := events.RulesetData{HostID: hostID, Rules: rules, Duration: d}
		if err != nil {
			data.Error = err.Error()
		}
		c.hub.EmitRuleset(data)
	}
	if err != nil {
		c.logger.Error("failed to apply ruleset", "host", hostID, "error", err)
		return err
	}
	c.logger.Audit("ruleset.apply", hostID, map[string]any{"rules": rules, "duration": d.String()})
	return nil
}

// ApplyAll applies every host in parallel and returns the failures keyed by
// host.
func (c *Controller) ApplyAll(ctx context.Context) map[string]error {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed = make(map[string]error)
	)
	for _, id := range c.hosts.Hosts() {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := c.ApplyRuleSet(ctx, id); err != nil {
				mu.Lock()
				failed[id] = err
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()
	return failed
}
