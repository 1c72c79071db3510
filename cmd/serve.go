package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"grimm.is/fleetwall/internal/controller"
	"grimm.is/fleetwall/internal/health"
	"grimm.is/fleetwall/internal/logging"
	"grimm.is/fleetwall/internal/metrics"
	"grimm.is/fleetwall/internal/scheduler"
	"grimm.is/fleetwall/internal/state"
)

// RunServe runs the controller: it applies every host's ruleset, then keeps
// rulesets in sync with zone and tracing changes until interrupted.
func RunServe(args []string) error {
	fs, configFile := newFlagSet("serve")
	applyOnStart := fs.Bool("apply", true, "Apply every host's ruleset on startup")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := openStack(*configFile)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.metrics.Register(metrics.NewHubCollector(s.hub.Stats)); err != nil {
		s.logger.Warn("failed to register event bus collector", "error", err)
	}

	sched, err := s.scheduler()
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		state.NewHistoryRecorder(s.store, s.hub, s.logger.WithComponent("history")).Run(ctx)
	}()
	go func() {
		defer wg.Done()
		s.ctrl.Run(ctx, *applyOnStart)
	}()
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()

	var srv *http.Server
	if s.cfg.MetricsListen != "" {
		checker := health.NewChecker()
		checker.Register("store", health.StoreCheck(s.store))
		for _, id := range s.fleet.Hosts() {
			checker.Register("host:"+id, health.HostCheck(s.adapter, id))
		}

		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		mux.Handle("/healthz", checker.Handler())
		mux.Handle("/readyz", checker.ReadinessHandler())
		mux.Handle("/livez", health.LivenessHandler())
		mux.Handle("/debug/logs", logging.RecentHandler())
		mux.Handle("/debug/trace/", controller.NewTraceHandler(s.svc, s.tracing))
		srv = &http.Server{
			Addr:              s.cfg.MetricsListen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			s.logger.Info("HTTP server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("HTTP server failed", "error", err)
				stop()
			}
		}()
	}

	s.logger.Info("controller started", "hosts", len(s.fleet.Hosts()))
	<-ctx.Done()
	s.logger.Info("shutting down")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("HTTP server shutdown failed", "error", err)
		}
	}
	wg.Wait()
	return nil
}

func (s *stack) scheduler() (*scheduler.Scheduler, error) {
	sched := scheduler.New(s.logger.WithComponent("scheduler"))

	resync, err := s.cfg.Resync()
	if err != nil {
		return nil, err
	}
	if resync != nil {
		if err := sched.AddTask(scheduler.ResyncTask(s.ctrl, resync)); err != nil {
			return nil, err
		}
	}

	retention, err := s.cfg.Retention()
	if err != nil {
		return nil, err
	}
	if retention > 0 {
		task := scheduler.PruneHistoryTask(s.store, scheduler.Every(time.Hour), retention)
		if err := sched.AddTask(task); err != nil {
			return nil, err
		}
	}
	return sched, nil
}
