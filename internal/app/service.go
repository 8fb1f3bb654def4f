package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"grouping/internal/clock"
	"grouping/internal/config"
	"grouping/internal/domain"
	"grouping/internal/engine"
	"grouping/internal/group"
	"grouping/internal/ingest"
	"grouping/internal/logging"
	"grouping/internal/metrics"
	"grouping/internal/sink"
	"grouping/internal/state"
	"grouping/internal/timers"
)

// Service composes runtime dependencies and process lifecycle.
// Params: config source and shared runtime components.
// Returns: runnable grouping service.
type Service struct {
	source    config.ConfigSource
	cfg       config.Config
	logger    *slog.Logger
	closeLog  func()
	metrics   *metrics.Metrics
	store     state.Store
	failover  *state.FailoverStore
	groups    *group.Manager
	timers    *timers.Manager
	pipeline  *Pipeline
	egress    sink.Sink
	httpSrv   *http.Server
	natsSub   interface{ Close() error }
	readyFlag atomic.Bool
	clock     clock.Clock
}

// NewService builds service instance from config source.
// Params: config source and clock implementation.
// Returns: initialized service or setup error.
func NewService(source config.ConfigSource, clk clock.Clock) (*Service, error) {
	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		return nil, err
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	service := &Service{
		source:   source,
		cfg:      cfg,
		logger:   logger,
		closeLog: closeLog,
		metrics:  metrics.NewMetrics(),
		clock:    clk,
	}

	if err := service.buildStore(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	if err := service.buildSink(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}

	service.groups = group.NewManager(service.store, clk, logger, service.metrics)
	service.timers = timers.NewManager(
		service.store,
		clk,
		cfg.Service.InstanceID,
		cfg.Storage.LeaseTTL.Std(),
		func(ctx context.Context, record domain.TimerRecord) error {
			return service.pipeline.OnTimerFire(ctx, record)
		},
		logger,
		service.metrics,
	)
	service.pipeline = NewPipeline(
		&service.cfg.Route,
		engine.KeyGenerator{MaxKeyLength: cfg.Service.MaxKeyLength},
		service.groups,
		service.timers,
		service.egress,
		clk,
		logger,
		service.metrics,
	)
	if service.failover != nil {
		service.failover.SetRestoreHook(service.pipeline.Restore)
	}

	if err := service.buildHTTPServer(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	if err := service.buildNATSSubscriber(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}

	return service, nil
}

// Run starts service lifecycle and blocks until shutdown signal.
// Params: root context for service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	shutdownCtx, shutdownCancel := context.WithCancel(ctx)
	defer shutdownCancel()

	restoreCtx, restoreCancel := context.WithTimeout(shutdownCtx, 30*time.Second)
	err := s.pipeline.Restore(restoreCtx)
	restoreCancel()
	if err != nil {
		s.logger.Error("state restore failed, starting empty", "error", err.Error())
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", "listen", s.cfg.Ingest.HTTP.Listen)
		err := s.httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.timers.Run(shutdownCtx)
	if s.failover != nil {
		go s.failover.Run(shutdownCtx)
	}

	cleanupTicker := time.NewTicker(s.cfg.Service.CleanupInterval.Std())
	defer cleanupTicker.Stop()
	go func() {
		for {
			select {
			case <-shutdownCtx.Done():
				return
			case <-cleanupTicker.C:
				removed := s.pipeline.Cleanup(shutdownCtx, s.cfg.Service.GroupExpiry.Std(), s.cfg.Service.GroupStaleAfter.Std())
				if removed > 0 {
					s.logger.Info("expired groups removed", "count", removed)
				}
			}
		}
	}()

	s.readyFlag.Store(true)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		return s.shutdown(shutdownCancel)
	case err := <-errChan:
		_ = s.shutdown(shutdownCancel)
		return fmt.Errorf("http server failed: %w", err)
	case <-sigChan:
		return s.shutdown(shutdownCancel)
	}
}

// shutdown closes runtime resources in dependency order.
// Params: cancel func stopping the background loops.
// Returns: first close error.
func (s *Service) shutdown(stopLoops context.CancelFunc) error {
	s.readyFlag.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var firstErr error
	markErr := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("http shutdown failed", "error", err.Error())
		markErr(fmt.Errorf("http shutdown: %w", err))
	}
	if s.natsSub != nil {
		if err := s.natsSub.Close(); err != nil {
			s.logger.Error("nats subscriber close failed", "error", err.Error())
			markErr(fmt.Errorf("nats subscriber close: %w", err))
		}
	}

	if s.cfg.Service.FlushOnShutdown {
		s.flushPending(ctx)
	}

	// Ingest is quiesced: stop the timer loop, failover probe, and cleanup loop.
	stopLoops()

	if err := s.egress.Close(); err != nil {
		s.logger.Error("sink close failed", "error", err.Error())
		markErr(fmt.Errorf("sink close: %w", err))
	}
	if err := s.store.Close(); err != nil {
		s.logger.Error("store close failed", "error", err.Error())
		markErr(fmt.Errorf("store close: %w", err))
	}
	if s.closeLog != nil {
		s.closeLog()
	}
	return firstErr
}

// flushPending fires every pending timer once before the process exits.
// Params: shutdown deadline context.
// Returns: best-effort final notifications for armed groups.
func (s *Service) flushPending(ctx context.Context) {
	pending := s.timers.PendingCount()
	if pending == 0 {
		return
	}
	s.logger.Info("flushing pending timers before shutdown", "pending", pending)
	s.timers.Flush(ctx)
}

// cleanupInitResources closes partially initialized resources on startup failures.
// Params: none.
// Returns: all acquired resources closed best-effort.
func (s *Service) cleanupInitResources() {
	if s.natsSub != nil {
		_ = s.natsSub.Close()
		s.natsSub = nil
	}
	if s.httpSrv != nil {
		_ = s.httpSrv.Close()
		s.httpSrv = nil
	}
	if s.egress != nil {
		_ = s.egress.Close()
		s.egress = nil
	}
	if s.store != nil {
		_ = s.store.Close()
		s.store = nil
	}
	if s.closeLog != nil {
		s.closeLog()
		s.closeLog = nil
	}
}

// buildStore creates runtime state backend from config.
// Params: none.
// Returns: setup error when the primary backend cannot be reached.
func (s *Service) buildStore() error {
	if isSingleMode(s.cfg) {
		s.store = state.NewMemoryStore(s.clock.Now)
		return nil
	}

	primary, err := state.NewNATSStore(s.cfg.Storage.NATS, s.cfg.Storage.LeaseTTL.Std())
	if err != nil {
		return fmt.Errorf("nats store init: %w", err)
	}
	fallback := state.NewMemoryStore(s.clock.Now)
	s.failover = state.NewFailoverStore(primary, fallback, s.cfg.Storage.HealthInterval.Std(), s.logger, state.FailoverHooks{
		OnFailover: s.metrics.RecordFailover,
		OnFailback: s.metrics.RecordFailback,
	})
	s.store = s.failover
	return nil
}

// buildSink creates the notification egress from config.
// Params: none.
// Returns: setup error when the NATS publisher cannot be connected.
func (s *Service) buildSink() error {
	if s.cfg.Sink.Mode == config.SinkModeNATS {
		egress, err := sink.NewNATSSink(s.cfg.Sink.NATS)
		if err != nil {
			return fmt.Errorf("nats sink init: %w", err)
		}
		s.egress = egress
		return nil
	}
	s.egress = sink.NewLogSink(s.logger)
	return nil
}

// buildHTTPServer wires router with ingest, query, and health endpoints.
// Params: none.
// Returns: setup error.
func (s *Service) buildHTTPServer() error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Ingest.HTTP.HealthPath, func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ok"))
	})
	mux.HandleFunc(s.cfg.Ingest.HTTP.ReadyPath, func(writer http.ResponseWriter, _ *http.Request) {
		if !s.readyFlag.Load() {
			writer.WriteHeader(http.StatusServiceUnavailable)
			_, _ = writer.Write([]byte("not-ready"))
			return
		}
		if s.failover != nil && s.failover.Degraded() {
			// Serving, but on the memory fallback.
			writer.WriteHeader(http.StatusOK)
			_, _ = writer.Write([]byte("ready-degraded"))
			return
		}
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ready"))
	})

	if s.cfg.Ingest.HTTP.Enabled {
		mux.Handle(s.cfg.Ingest.HTTP.AlertsPath, ingest.NewHTTPHandler(s.pipeline, s.cfg.Ingest.HTTP.MaxBodyBytes))
	}

	mux.HandleFunc("/api/v1/groups", s.handleListGroups)
	mux.HandleFunc("/api/v1/groups/", s.handleGetGroup)
	mux.HandleFunc("/api/v1/stats", s.handleStats)

	if s.cfg.Metrics.Enabled {
		mux.Handle(s.cfg.Metrics.Path, s.metrics.Handler())
	}

	s.httpSrv = &http.Server{
		Addr:              s.cfg.Ingest.HTTP.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// buildNATSSubscriber starts NATS ingest when enabled.
// Params: none.
// Returns: initialization error.
func (s *Service) buildNATSSubscriber() error {
	if !s.cfg.Ingest.NATS.Enabled {
		return nil
	}
	subscriber, err := ingest.NewNATSSubscriber(s.cfg.Ingest.NATS, s.pipeline, s.logger)
	if err != nil {
		return err
	}
	s.natsSub = subscriber
	return nil
}

func isSingleMode(cfg config.Config) bool {
	return config.NormalizeServiceMode(cfg.Service.Mode) == config.ServiceModeSingle
}
