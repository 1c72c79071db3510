package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"grimm.is/fleetwall/internal/config"
	"grimm.is/fleetwall/internal/controller"
	"grimm.is/fleetwall/internal/events"
	"grimm.is/fleetwall/internal/host"
	"grimm.is/fleetwall/internal/logging"
	"grimm.is/fleetwall/internal/metrics"
	"grimm.is/fleetwall/internal/ruleset"
	"grimm.is/fleetwall/internal/simulator"
	"grimm.is/fleetwall/internal/state"
	"grimm.is/fleetwall/internal/tracing"
	"grimm.is/fleetwall/internal/zones"
)

// stack is every component a subcommand may need, wired from one config.
type stack struct {
	cfg       *config.Config
	logger    *logging.Logger
	hub       *events.Hub
	metrics   *metrics.Registry
	store     *state.SQLiteStore
	fleet     *host.Fleet
	inventory host.Inventory
	assembler *zones.Assembler
	adapter   ruleset.Adapter
	tracing   *tracing.Controller
	ctrl      *controller.Controller
	svc       *controller.Service
}

func setupLogging(cfg *config.Config) *logging.Logger {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logging.LevelInfo
	}
	logger := logging.New(logging.Config{Level: level, Output: os.Stderr, JSON: cfg.LogJSON})
	logging.SetDefault(logger)
	return logger
}

func openStack(configFile string) (*stack, error) {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return newStack(cfg)
}

func newStack(cfg *config.Config) (*stack, error) {
	s := &stack{cfg: cfg, logger: setupLogging(cfg), hub: events.NewHub(), metrics: metrics.Get()}

	if cfg.StatePath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.StatePath), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	store, err := state.NewSQLiteStore(state.DefaultOptions(cfg.StatePath))
	if err != nil {
		return nil, err
	}
	s.store = store

	s.fleet = host.NewFleet(cfg.HostSpecs(), s.logger.WithComponent("fleet"))

	inventories := &host.InventoryRouter{Default: host.NewCLIInventory(s.fleet), Hosts: map[string]host.Inventory{}}
	adapters := &ruleset.HostRouter{
		Default: ruleset.NewCLIAdapter(s.fleet, cfg.BootRulesetPath, s.logger.WithComponent("ruleset")),
		Hosts:   map[string]ruleset.Adapter{},
	}
	for _, spec := range cfg.HostSpecs() {
		if !spec.Local {
			continue
		}
		a, inv := localBackends(spec.ID, cfg.BootRulesetPath, s.logger.WithComponent("ruleset"))
		if a != nil {
			adapters.Hosts[spec.ID] = a
		}
		if inv != nil {
			inventories.Hosts[spec.ID] = inv
		}
	}
	s.inventory = inventories
	s.adapter = adapters

	registry := zones.NewDefaultRegistry(store, s.inventory)
	s.assembler = zones.NewAssembler(registry, s.inventory, s.hub, s.metrics, s.logger.WithComponent("zones"))
	s.tracing = tracing.NewController(s.fleet, s.hub, s.metrics,
		tracing.Options{BufferEntries: cfg.TraceBufferEntries}, s.logger.WithComponent("tracing"))
	s.ctrl = controller.New(controller.Options{
		Hosts:   s.fleet,
		Zones:   s.assembler,
		Adapter: s.adapter,
		Tracing: s.tracing,
		Hub:     s.hub,
		Metrics: s.metrics,
		Logger:  s.logger.WithComponent("controller"),
	})
	s.svc = controller.NewService(store, s.assembler, s.tracing, s.ctrl, s.logger.WithComponent("service"))
	return s, nil
}

func (s *stack) simulator() *simulator.Simulator {
	return simulator.New(s.fleet, s.assembler, s.inventory, s.logger.WithComponent("simulator"))
}

func (s *stack) Close() {
	s.tracing.Close()
	if err := s.fleet.Close(); err != nil {
		s.logger.Warn("failed to close host connections", "error", err)
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warn("failed to close store", "error", err)
	}
}

// requireHost fails for ids missing from the config.
func (s *stack) requireHost(id string) error {
	if id == "" {
		return fmt.Errorf("-host is required")
	}
	if _, ok := s.cfg.Host(id); !ok {
		return fmt.Errorf("%w: %s", host.ErrUnknownHost, id)
	}
	return nil
}
