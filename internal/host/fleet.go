package host

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"grimm.is/fleetwall/internal/logging"
)

// ErrUnknownHost is returned for host ids missing from the fleet.
var ErrUnknownHost = errors.New("unknown host")

// Spec describes one managed host.
type Spec struct {
	ID    string
	Local bool
	SSH   SSHConfig
}

// Fleet owns the connection handle of every managed host. Connections are
// dialed on first use and reused until Close or Forget.
type Fleet struct {
	mu      sync.Mutex
	specs   map[string]Spec
	runners map[string]Runner
	retry   RetryConfig
	logger  *logging.Logger
}

// NewFleet creates a fleet from host specs.
func NewFleet(specs []Spec, logger *logging.Logger) *Fleet {
	if logger == nil {
		logger = logging.WithComponent("fleet")
	}
	f := &Fleet{
		specs:   make(map[string]Spec, len(specs)),
		runners: make(map[string]Runner),
		retry:   DefaultRetryConfig(),
		logger:  logger,
	}
	for _, s := range specs {
		f.specs[s.ID] = s
	}
	return f
}

// Hosts returns the sorted host ids.
func (f *Fleet) Hosts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.specs))
	for id := range f.specs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsLocal reports whether hostID is this machine.
func (f *Fleet) IsLocal(hostID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.specs[hostID].Local
}

// Runner returns the runner for hostID, dialing if needed.
func (f *Fleet) Runner(ctx context.Context, hostID string) (Runner, error) {
	f.mu.Lock()
	spec, ok := f.specs[hostID]
	if r, cached := f.runners[hostID]; cached {
		f.mu.Unlock()
		return r, nil
	}
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHost, hostID)
	}

	var r Runner
	if spec.Local {
		r = &LocalRunner{}
	} else {
		// Dial without the lock so one slow host does not stall the others.
		sr, err := DialSSH(ctx, spec.SSH, f.retry, f.logger.WithFields(map[string]any{"host": hostID}))
		if err != nil {
			return nil, err
		}
		r = sr
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.runners[hostID]; ok {
		if c, ok := r.(interface{ Close() error }); ok {
			c.Close()
		}
		return existing, nil
	}
	f.runners[hostID] = r
	return r, nil
}

// Forget drops a cached connection, e.g. after a transport error.
func (f *Fleet) Forget(hostID string) {
	f.mu.Lock()
	r := f.runners[hostID]
	delete(f.runners, hostID)
	f.mu.Unlock()
	if c, ok := r.(interface{ Close() error }); ok {
		c.Close()
	}
}

// Close closes every open connection.
func (f *Fleet) Close() error {
	f.mu.Lock()
	runners := f.runners
	f.runners = make(map[string]Runner)
	f.mu.Unlock()
	var errs []error
	for id, r := range runners {
		if c, ok := r.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", id, err))
			}
		}
	}
	return errors.Join(errs...)
}

// StaticSource serves fixed runners, for tests and single-host tools.
type StaticSource map[string]Runner

// Runner implements Source.
func (s StaticSource) Runner(_ context.Context, hostID string) (Runner, error) {
	r, ok := s[hostID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHost, hostID)
	}
	return r, nil
}
