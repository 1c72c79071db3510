// Package tracing runs live `nft monitor trace` sessions on hosts and keeps
// the captured trace events in bounded per-host buffers.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"grimm.is/fleetwall/internal/clock"
	"grimm.is/fleetwall/internal/events"
	"grimm.is/fleetwall/internal/firewall"
	"grimm.is/fleetwall/internal/host"
	"grimm.is/fleetwall/internal/logging"
	"grimm.is/fleetwall/internal/metrics"
)

// ErrNotEnabled is returned when a host has no tracing session.
var ErrNotEnabled = errors.New("tracing not enabled")

// SessionInfo describes a running session.
type SessionInfo struct {
	ID      string    `json:"id"`
	HostID  string    `json:"host_id"`
	Started time.Time `json:"started"`
}

type session struct {
	SessionInfo
	stream host.Session
	done   chan struct{}
}

type hostState struct {
	// op serializes Enable and Disable for one host.
	op sync.Mutex

	settings *firewall.TraceSettings
	session  *session
	buffer   *Buffer
}

// Options configures a Controller.
type Options struct {
	BufferEntries int
	MaxPending    int
}

// Controller owns at most one trace session per host.
type Controller struct {
	runners host.Source
	hub     *events.Hub
	metrics *metrics.Registry
	logger  *logging.Logger
	opts    Options

	mu    sync.Mutex
	hosts map[string]*hostState
}

// NewController creates a controller. hub and m may be nil.
func NewController(runners host.Source, hub *events.Hub, m *metrics.Registry, opts Options, logger *logging.Logger) *Controller {
	if logger == nil {
		logger = logging.WithComponent("tracing")
	}
	return &Controller{
		runners: runners,
		hub:     hub,
		metrics: m,
		logger:  logger,
		opts:    opts,
		hosts:   make(map[string]*hostState),
	}
}

func (c *Controller) state(hostID string) *hostState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.hosts[hostID]
	if !ok {
		st = &hostState{buffer: NewBuffer(c.opts.BufferEntries, c.opts.MaxPending)}
		if c.metrics != nil {
			counter := c.metrics.TraceEntries.WithLabelValues(hostID)
			st.buffer.onParse = func(n int) { counter.Add(float64(n)) }
		}
		c.hosts[hostID] = st
	}
	return st
}

func (c *Controller) lookup(hostID string) (*hostState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.hosts[hostID]
	return st, ok
}

// Enable replaces any running session on hostID with a new one using
// settings. Subscribers are told before the monitor starts so the marking
// rules get compiled in.
func (c *Controller) Enable(ctx context.Context, hostID string, settings firewall.TraceSettings) (SessionInfo, error) {
	if len(settings.Hooks) == 0 {
		return SessionInfo{}, fmt.Errorf("%w: at least one trace hook is required", firewall.ErrInvalidRule)
	}
	if _, err := firewall.Flatten(settings.Rule()); err != nil {
		return SessionInfo{}, fmt.Errorf("invalid trace predicate: %w", err)
	}
	settings.Hooks = append([]firewall.Hook(nil), settings.Hooks...)
	settings.Normalize()

	st := c.state(hostID)
	st.op.Lock()
	defer st.op.Unlock()

	c.closeSession(st)

	c.mu.Lock()
	st.settings = &settings
	c.mu.Unlock()
	c.publish(hostID, true)

	s, err := c.open(ctx, hostID, st.buffer)
	if err != nil {
		c.mu.Lock()
		st.settings = nil
		c.mu.Unlock()
		c.publish(hostID, false)
		return SessionInfo{}, err
	}

	c.mu.Lock()
	st.session = s
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.TracingSessions.Inc()
	}
	c.logger.Info("tracing enabled", "host", hostID, "session", s.ID, "hooks", settings.Hooks)
	return s.SessionInfo, nil
}

func (c *Controller) open(ctx context.Context, hostID string, buf *Buffer) (*session, error) {
	r, err := c.runners.Runner(ctx, hostID)
	if err != nil {
		return nil, err
	}
	// The monitor outlives the request that started it.
	stream, err := r.Start(context.WithoutCancel(ctx), "nft", "monitor", "trace")
	if err != nil {
		return nil, fmt.Errorf("failed to start trace monitor on %s: %w", hostID, err)
	}

	s := &session{
		SessionInfo: SessionInfo{ID: uuid.NewString(), HostID: hostID, Started: clock.Now()},
		stream:      stream,
		done:        make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		if _, err := io.Copy(buf, stream.Stdout()); err != nil {
			c.logger.Debug("trace stream ended", "host", hostID, "session", s.ID, "error", err)
		}
	}()
	return s, nil
}

// closeSession stops the host's session and waits for its reader. Caller
// holds st.op.
func (c *Controller) closeSession(st *hostState) {
	c.mu.Lock()
	s := st.session
	st.session = nil
	c.mu.Unlock()
	if s == nil {
		return
	}
	if err := s.stream.Close(); err != nil {
		c.logger.Warn("failed to close trace session", "host", s.HostID, "session", s.ID, "error", err)
	}
	<-s.done
	if c.metrics != nil {
		c.metrics.TracingSessions.Dec()
	}
	c.logger.Debug("trace session closed", "host", s.HostID, "session", s.ID)
}

// Disable drops the settings, tells subscribers, then closes the session.
func (c *Controller) Disable(hostID string) error {
	st, ok := c.lookup(hostID)
	if !ok {
		return fmt.Errorf("%w on %s", ErrNotEnabled, hostID)
	}
	st.op.Lock()
	defer st.op.Unlock()

	c.mu.Lock()
	was := st.settings != nil
	st.settings = nil
	c.mu.Unlock()
	if !was {
		return fmt.Errorf("%w on %s", ErrNotEnabled, hostID)
	}
	c.publish(hostID, false)
	c.closeSession(st)
	c.logger.Info("tracing disabled", "host", hostID)
	return nil
}

// Clear drops captured entries and keeps the session running.
func (c *Controller) Clear(hostID string) {
	if st, ok := c.lookup(hostID); ok {
		st.buffer.Clear()
	}
}

// Entries returns the host's captured entries, oldest first.
func (c *Controller) Entries(hostID string) []Entry {
	st, ok := c.lookup(hostID)
	if !ok {
		return nil
	}
	return st.buffer.Entries()
}

// Settings returns a copy of the host's trace settings, or nil when tracing
// is off. The compiler consumes it.
func (c *Controller) Settings(hostID string) *firewall.TraceSettings {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.hosts[hostID]
	if !ok || st.settings == nil {
		return nil
	}
	s := *st.settings
	s.Hooks = append([]firewall.Hook(nil), s.Hooks...)
	return &s
}

// Session returns the host's running session.
func (c *Controller) Session(hostID string) (SessionInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.hosts[hostID]
	if !ok || st.session == nil {
		return SessionInfo{}, false
	}
	return st.session.SessionInfo, true
}

// Close stops every session without publishing changes.
func (c *Controller) Close() {
	c.mu.Lock()
	states := make([]*hostState, 0, len(c.hosts))
	for _, st := range c.hosts {
		states = append(states, st)
	}
	c.mu.Unlock()

	for _, st := range states {
		st.op.Lock()
		c.closeSession(st)
		st.op.Unlock()
	}
}

func (c *Controller) publish(hostID string, enabled bool) {
	if c.hub != nil {
		c.hub.EmitTracingChanged(hostID, enabled)
	}
}
