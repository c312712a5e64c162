// Package hunter assembles the hold hunter from its parts and owns their lifecycle.
package hunter

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/alarm"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/config"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/constants"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/dispatch"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/dtmf"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/handlers"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/legs"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/lock"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/metrics"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/provider"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/race"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/reconcile"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/server"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/store"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/strategy"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/stream"
)

type Service struct {
	config  *config.Config
	logger  *logrus.Logger
	metrics *metrics.Metrics

	store      *store.Store
	alarms     *alarm.Alarms
	executor   *race.Executor
	registry   *stream.Registry
	dispatcher *dispatch.Dispatcher
	producer   *dispatch.Producer
	consumer   *dispatch.Consumer
	router     *mux.Router
	server     *http.Server
}

// NewService builds every component against one Redis client and one call provider
func NewService(rdb *redis.Client, p provider.Provider, cfg *config.Config, gatherer prometheus.Gatherer, logger *logrus.Logger, m *metrics.Metrics) *Service {
	st := store.New(rdb, cfg.JobTTL(), logger, m)
	locker := lock.NewRedisLocker(rdb)
	alarms := alarm.New(logger)

	scheduler := dtmf.New(cfg.DTMF, p, st, alarms, logger)
	executor := race.NewExecutor(st, locker, p, cfg.LoserHangupMaxDelay, logger, m)
	coordinator := race.NewCoordinator(st, locker, executor, cfg.WinnerLockTTL(), logger, m)

	var evaluator *strategy.Evaluator
	if cfg.Strategy.Enabled {
		evaluator = strategy.NewEvaluator(cfg.Strategy)
	}
	manager := legs.NewManager(st, evaluator, coordinator, scheduler, logger, m)

	registry := stream.NewRegistry(cfg.Detection, st, p, manager, coordinator, alarms, logger, m)
	scheduler.SetListener(registry)

	dispatcher := dispatch.NewDispatcher(rdb, st, p, cfg.Placement, logger, m)
	leader := dispatch.NewLeaderElection(
		locker,
		constants.PlacementLeaderKey,
		cfg.PodID,
		cfg.LeaderElectionTTLDuration(),
		constants.SecondsToDuration(constants.DefaultLeaderElectionIntervalSeconds),
		logger,
		m,
	)
	producer := dispatch.NewProducer(rdb, cfg.ConsumerGroupName, cfg.CheckInterval(), leader, logger, m)
	consumer := dispatch.NewConsumer(rdb, st, p, manager, cfg, logger, m)
	reconciler := reconcile.New(st, locker, p, logger, m)

	// Whoever closes a leg, its pending digits and audio session go with it
	closeLeg := func(legID string) {
		alarms.Cancel(legID)
		registry.CloseLeg(legID)
	}
	manager.OnLegClosed(closeLeg)
	executor.OnLegClosed(closeLeg)
	dispatcher.OnLegClosed(closeLeg)
	reconciler.OnLegClosed(closeLeg)

	handler := handlers.NewHandler(handlers.Dependencies{
		Redis:       rdb,
		Store:       st,
		Dispatcher:  dispatcher,
		Legs:        manager,
		Coordinator: coordinator,
		Registry:    registry,
		Reconciler:  reconciler,
		PodID:       cfg.PodID,
		StreamURL:   cfg.MediaStreamURL(),
		IsLeader:    producer.IsLeader,
	}, logger)

	return &Service{
		config:     cfg,
		logger:     logger,
		metrics:    m,
		store:      st,
		alarms:     alarms,
		executor:   executor,
		registry:   registry,
		dispatcher: dispatcher,
		producer:   producer,
		consumer:   consumer,
		router:     server.NewRouter(handler, stream.NewHandler(registry, logger), gatherer, logger),
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("Starting hold hunter")

	// Start placement producer (handles leader election internally)
	if err := s.producer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start placement producer: %w", err)
	}

	// Every pod places calls
	if err := s.consumer.Start(ctx); err != nil {
		s.producer.Stop()
		return fmt.Errorf("failed to start placement consumer: %w", err)
	}

	s.server = server.NewHTTPServer(s.config.Port, s.router)
	go func() {
		s.logger.WithField("port", s.config.Port).Info("Starting HTTP server")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Fatal("HTTP server failed")
		}
	}()

	s.logger.WithField("pod_id", s.config.PodID).Info("Hold hunter started successfully")
	return nil
}

// Stop drains in flight work. Calls already placed are left to the provider;
// a later reconcile releases any leg whose job finished meanwhile.
func (s *Service) Stop(ctx context.Context) error {
	s.logger.Info("Stopping hold hunter")

	s.producer.Stop()
	s.consumer.Stop()

	var shutdownErr error
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.WithError(err).Error("Failed to shutdown HTTP server gracefully")
			shutdownErr = err
		}
	}

	s.registry.CloseAll()
	s.alarms.StopAll()
	s.executor.Wait()

	s.logger.Info("Hold hunter stopped")
	return shutdownErr
}

func (s *Service) IsLeader() bool {
	return s.producer.IsLeader()
}

// Handler exposes the routed HTTP surface, mainly for tests
func (s *Service) Handler() http.Handler {
	return s.router
}
