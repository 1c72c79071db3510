package controller

import (
	"context"
	"sync"

	"grimm.is/fleetwall/internal/events"
)

// Reconcile triggers, used as the metrics label.
const (
	TriggerStartup = "startup"
	TriggerZone    = "zone"
	TriggerTracing = "tracing"
	TriggerResync  = "resync"
)

// Resync asks Run to recompute every host. A resync that is still queued
// absorbs further calls.
func (c *Controller) Resync() {
	select {
	case c.resync <- struct{}{}:
	default:
	}
}

// worker is the single consumer of one host's recompute requests. Requests
// coalesce: while one is pending, more add nothing because the pending apply
// reads the latest state anyway.
type worker struct {
	hostID  string
	pending chan struct{}
}

func (c *Controller) enqueue(w *worker, trigger string) {
	if c.metrics != nil {
		c.metrics.ReconcileQueued.WithLabelValues(w.hostID, trigger).Inc()
	}
	select {
	case w.pending <- struct{}{}:
	default:
	}
}

func (c *Controller) runWorker(ctx context.Context, w *worker) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.pending:
			// Errors are logged, counted and published by ApplyRuleSet.
			_ = c.ApplyRuleSet(ctx, w.hostID)
		}
	}
}

// Run starts one worker per host and feeds them zone and tracing changes
// until ctx is done. With applyOnStart every host is recomputed once at
// startup.
func (c *Controller) Run(ctx context.Context, applyOnStart bool) {
	ch := c.hub.Subscribe(256, events.EventZoneChanged, events.EventTracingChanged)
	defer c.hub.Unsubscribe(ch)

	var wg sync.WaitGroup
	defer wg.Wait()

	workers := make(map[string]*worker)
	for _, id := range c.hosts.Hosts() {
		w := &worker{hostID: id, pending: make(chan struct{}, 1)}
		workers[id] = w
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.runWorker(ctx, w)
		}()
		if applyOnStart {
			c.enqueue(w, TriggerStartup)
		}
	}
	c.logger.Info("controller started", "hosts", len(workers))

	dispatch := func(hostID, trigger string) {
		if hostID == "" {
			for _, w := range workers {
				c.enqueue(w, trigger)
			}
			return
		}
		w, ok := workers[hostID]
		if !ok {
			c.logger.Warn("change for unknown host", "host", hostID, "trigger", trigger)
			return
		}
		c.enqueue(w, trigger)
	}

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("controller stopping")
			return
		case <-c.resync:
			dispatch("", TriggerResync)
		case e := <-ch:
			switch data := e.Data.(type) {
			case events.ZoneChangedData:
				dispatch(data.HostID, TriggerZone)
			case events.TracingChangedData:
				dispatch(data.HostID, TriggerTracing)
			}
		}
	}
}
