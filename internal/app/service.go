package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"tgmonitor/internal/api"
	"tgmonitor/internal/cache"
	"tgmonitor/internal/clock"
	"tgmonitor/internal/config"
	"tgmonitor/internal/delivery"
	"tgmonitor/internal/domain"
	"tgmonitor/internal/gateway"
	"tgmonitor/internal/logging"
	"tgmonitor/internal/monitor"
	"tgmonitor/internal/outbox"
	"tgmonitor/internal/peer"
	"tgmonitor/internal/session"
	"tgmonitor/internal/storage"
	"tgmonitor/internal/supervisor"
)

const shutdownTimeout = 10 * time.Second

// Service composes runtime dependencies and process lifecycle.
// Params: config snapshot and shared runtime components.
// Returns: runnable monitor service.
type Service struct {
	cfg       config.Config
	logger    *slog.Logger
	closeLog  func()
	clock     clock.Clock
	store     cache.Store
	cache     *cache.Logged
	repo      *storage.Repository
	keywords  *storage.KeywordService
	dialer    *gateway.NATSDialer
	session   *session.Manager
	resolver  *peer.Resolver
	pipeline  *monitor.Pipeline
	hub       *api.Hub
	producer  *outbox.Producer
	worker    *outbox.Worker
	health    *supervisor.HealthChecker
	ads       *supervisor.AdvertisementFetcher
	httpSrv   *http.Server
	readyFlag atomic.Bool
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

	service := &Service{cfg: cfg, logger: logger, closeLog: closeLog, clock: clk}
	steps := []func() error{
		service.buildCache,
		service.buildStorage,
		service.buildSession,
		service.buildPipeline,
		service.buildSupervisors,
		service.buildHTTPServer,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			service.cleanupInitResources()
			return nil, err
		}
	}
	return service, nil
}

// Run starts service lifecycle and blocks until shutdown signal.
// Params: root context for service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		s.logger.Info("http server starting", "listen", s.cfg.HTTP.Listen)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		s.readyFlag.Store(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})
	if s.health != nil {
		group.Go(func() error { return s.health.Run(groupCtx) })
	}
	if s.ads != nil {
		group.Go(func() error {
			if err := s.ads.Run(groupCtx); err != nil {
				s.logger.Error("advertisement refresher stopped", "error", err.Error())
			}
			return nil
		})
	}
	group.Go(func() error {
		s.restoreSession(groupCtx)
		return nil
	})

	s.readyFlag.Store(true)
	runErr := group.Wait()
	if err := s.shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// restoreSession logs in with the bound phone and cached session, then honors auto_start.
// Params: run context.
// Returns: nothing; failures are logged and left to the health check.
func (s *Service) restoreSession(ctx context.Context) {
	if s.session.Phone() == "" {
		s.logger.Info("no phone configured, waiting for login")
		return
	}
	state, err := s.session.Reconnect(ctx)
	if err != nil {
		s.logger.Warn("session restore failed", "error", err.Error())
		return
	}
	s.logger.Info("session restored", "state", state.String())
	if state != domain.LoggedIn || !s.cfg.Monitor.AutoStart {
		return
	}
	result := s.pipeline.Start(ctx)
	s.logger.Info("monitor auto-start", "result", result.String())
}

// shutdown closes runtime resources in dependency order.
// Params: none.
// Returns: first close error.
func (s *Service) shutdown() error {
	s.readyFlag.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var firstErr error
	markErr := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	s.hub.Close()
	if err := s.pipeline.Shutdown(ctx); err != nil {
		s.logger.Error("monitor shutdown failed", "error", err.Error())
		markErr(fmt.Errorf("monitor shutdown: %w", err))
	}
	if s.worker != nil {
		if err := s.worker.Close(); err != nil {
			s.logger.Error("outbox worker close failed", "error", err.Error())
			markErr(fmt.Errorf("outbox worker close: %w", err))
		}
	}
	if s.producer != nil {
		if err := s.producer.Close(); err != nil {
			s.logger.Error("outbox producer close failed", "error", err.Error())
			markErr(fmt.Errorf("outbox producer close: %w", err))
		}
	}
	s.session.Disconnect(ctx)
	if err := s.dialer.Close(); err != nil {
		s.logger.Error("gateway close failed", "error", err.Error())
		markErr(fmt.Errorf("gateway close: %w", err))
	}
	if err := s.repo.Close(); err != nil {
		s.logger.Error("storage close failed", "error", err.Error())
		markErr(fmt.Errorf("storage close: %w", err))
	}
	if err := s.store.Close(); err != nil {
		s.logger.Error("cache close failed", "error", err.Error())
		markErr(fmt.Errorf("cache close: %w", err))
	}
	s.logger.Info("service stopped")
	if s.closeLog != nil {
		s.closeLog()
	}
	return firstErr
}

// cleanupInitResources closes partially initialized resources on startup failures.
// Params: none.
// Returns: all acquired resources closed best-effort.
func (s *Service) cleanupInitResources() {
	if s.pipeline != nil {
		_ = s.pipeline.Shutdown(context.Background())
		s.pipeline = nil
	}
	if s.worker != nil {
		_ = s.worker.Close()
		s.worker = nil
	}
	if s.producer != nil {
		_ = s.producer.Close()
		s.producer = nil
	}
	if s.dialer != nil {
		_ = s.dialer.Close()
		s.dialer = nil
	}
	if s.repo != nil {
		_ = s.repo.Close()
		s.repo = nil
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

// buildCache opens the session/snapshot cache.
func (s *Service) buildCache() error {
	store, err := cache.Open(s.cfg.Cache, s.clock)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	s.store = store
	s.cache = cache.NewLogged(store, s.logger)
	return nil
}

// buildStorage opens the keyword database.
func (s *Service) buildStorage() error {
	repo, err := storage.Open(s.cfg.Storage.DSN, s.clock)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	s.repo = repo
	s.keywords = storage.NewKeywordService(repo, s.cache, s.logger)
	return nil
}

// buildSession connects the gateway transport and binds the configured phone.
func (s *Service) buildSession() error {
	dialer, err := gateway.NewNATSDialer(s.cfg.Gateway, s.logger)
	if err != nil {
		return err
	}
	s.dialer = dialer
	s.session = session.NewManager(dialer, s.cache, s.logger)
	if phone := s.cfg.Session.Phone; phone != "" {
		if err := s.session.BindPhone(phone); err != nil {
			return fmt.Errorf("session.phone: %w", err)
		}
	}
	return nil
}

// buildPipeline wires resolver, delivery path, pipeline and websocket hub.
func (s *Service) buildPipeline() error {
	s.resolver = peer.NewResolver(s.session.Client, s.logger)

	direct := delivery.New(s.cfg.Delivery, s.session, s.logger)
	var sender monitor.Sender = direct
	if s.cfg.Delivery.Queue.Enabled {
		producer, err := outbox.NewProducer(s.cfg.Delivery.Queue, s.clock)
		if err != nil {
			return err
		}
		s.producer = producer
		worker, err := outbox.NewWorker(s.cfg.Delivery.Queue, s.logger, func(ctx context.Context, job outbox.Job) error {
			return direct.Send(ctx, job.ChatID, job.Text)
		})
		if err != nil {
			return err
		}
		s.worker = worker
		sender = producer
	}

	s.pipeline = monitor.NewPipeline(s.session, s.resolver, s.keywords, sender, monitor.Options{
		DialogLimit: s.cfg.Monitor.DialogLimit,
	}, s.logger)
	if s.cfg.Monitor.TargetChatID != 0 {
		s.pipeline.SetTarget(s.cfg.Monitor.TargetChatID)
	}
	s.session.OnDisconnect(s.pipeline.Stop)
	s.session.OnDisconnect(s.resolver.Clear)

	s.hub = api.NewHub(s.pipeline, s.logger)
	s.pipeline.AddObserver(s.hub)
	return nil
}

// buildSupervisors creates the health checker and advertisement refresher when enabled.
func (s *Service) buildSupervisors() error {
	if s.cfg.Health.IsEnabled() {
		s.health = supervisor.NewHealthChecker(s.session, s.pipeline, s.cfg.Health.Interval(), s.logger)
	}
	if s.cfg.Advertisement.Enabled {
		s.ads = supervisor.NewAdvertisementFetcher(s.cfg.Advertisement, s.pipeline, s.logger)
	}
	return nil
}

// buildHTTPServer wires the API router.
func (s *Service) buildHTTPServer() error {
	server := api.NewServer(s.session, s.pipeline, s.keywords, s.hub, s.cfg.HTTP, s.readyFlag.Load, s.logger)
	s.httpSrv = &http.Server{
		Addr:              s.cfg.HTTP.Listen,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}
