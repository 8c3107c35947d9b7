/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package server wires configuration, storage, dispatch and the HTTP API
// into one process.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/hestia/internal/api"
	"github.com/friendsincode/hestia/internal/clock"
	"github.com/friendsincode/hestia/internal/config"
	"github.com/friendsincode/hestia/internal/db"
	"github.com/friendsincode/hestia/internal/dispatcher"
	"github.com/friendsincode/hestia/internal/eventbus"
	"github.com/friendsincode/hestia/internal/events"
	"github.com/friendsincode/hestia/internal/executor"
	"github.com/friendsincode/hestia/internal/leadership"
	"github.com/friendsincode/hestia/internal/platform"
	"github.com/friendsincode/hestia/internal/queue"
	"github.com/friendsincode/hestia/internal/scheduler"
	"github.com/friendsincode/hestia/internal/store"
	"github.com/friendsincode/hestia/internal/telemetry"
	"github.com/friendsincode/hestia/internal/version"
)

// Server bundles HTTP and supporting services.
type Server struct {
	cfg        *config.Config
	logger     zerolog.Logger
	router     chi.Router
	httpServer *http.Server
	closers    []func() error

	db                    *gorm.DB
	bus                   *events.Bus
	store                 *store.Store
	dispatcher            *dispatcher.Dispatcher
	leaderAwareDispatcher *scheduler.LeaderAwareDispatcher
	scheduler             *scheduler.Service
	api                   *api.API
	mirror                *eventbus.Mirror
	updateChecker         *version.Checker

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// New constructs the server and wires dependencies.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(securityHeadersMiddleware)
	router.Use(telemetry.TracingMiddleware("hestia-api"))
	router.Use(telemetry.MetricsMiddleware)
	router.Use(middleware.Timeout(60 * time.Second))

	s := &Server{
		cfg:    cfg,
		logger: logger,
		router: router,
	}

	if err := s.initDependencies(); err != nil {
		s.Close()
		return nil, err
	}

	s.configureRoutes()
	s.startBackgroundWorkers()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.HTTPPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'self'; frame-ancestors 'none'; base-uri 'self'")

		// Only advertise HSTS for requests served over HTTPS.
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) initDependencies() error {
	database, err := db.Connect(s.cfg)
	if err != nil {
		return err
	}
	if err := db.Migrate(database); err != nil {
		return err
	}
	if err := db.RegisterCallbacks(database); err != nil {
		return err
	}
	s.db = database
	s.DeferClose(func() error { return db.Close(database) })

	s.bus = events.NewBus()
	s.store = store.New(database, s.logger)

	adapter := platform.NewHTTPAdapter(s.cfg.PlatformBaseURL, s.cfg.PlatformToken, s.cfg.PlatformTimeout, s.logger)

	clk := clock.System()

	exec := executor.New(s.store, adapter, clk, s.bus, executor.Config{
		MaxAttempts: s.cfg.ExecutorMaxAttempts,
		BackoffBase: s.cfg.ExecutorBackoffBase,
		BackoffCap:  s.cfg.ExecutorBackoffCap,
		CallTimeout: s.cfg.ExecutorCallTimeout,
	}, s.logger)

	s.dispatcher = dispatcher.New(s.store, queue.New(), exec, clk, s.bus, dispatcher.Config{
		MaxConcurrent:     s.cfg.MaxConcurrentDispatch,
		StoreRetryBackoff: s.cfg.StoreRetryBackoff,
		CatchUp:           dispatcher.CatchUpPolicy(s.cfg.CatchUpPolicy),
	}, s.logger)

	// Multi-instance mode: only the leader runs the dispatch loop.
	if s.cfg.LeaderElectionEnabled {
		electionConfig := leadership.ElectionConfig{
			RedisAddr:       s.cfg.RedisAddr,
			RedisPassword:   s.cfg.RedisPassword,
			RedisDB:         s.cfg.RedisDB,
			LeaseDuration:   15 * time.Second,
			RenewalInterval: 5 * time.Second,
			RetryInterval:   2 * time.Second,
			InstanceID:      s.cfg.InstanceID,
		}

		election, err := leadership.NewElection(electionConfig, s.logger)
		if err != nil {
			return fmt.Errorf("create leader election: %w", err)
		}

		s.leaderAwareDispatcher = scheduler.NewLeaderAware(s.dispatcher, election, s.logger)
		s.DeferClose(func() error { return s.leaderAwareDispatcher.Stop() })

		s.logger.Info().
			Str("redis_addr", s.cfg.RedisAddr).
			Str("instance_id", electionConfig.InstanceID).
			Msg("leader election enabled for dispatcher")
	}

	s.scheduler = scheduler.New(s.store, s.dispatcher, s.bus, s.logger)
	s.api = api.New(database, []byte(s.cfg.JWTSigningKey), s.scheduler, s.bus, s.logger)

	if s.cfg.NATSEnabled {
		natsCfg := eventbus.DefaultNATSConfig()
		natsCfg.URL = s.cfg.NATSURL
		natsCfg.Token = s.cfg.NATSToken
		mirror, err := eventbus.NewMirror(natsCfg, s.bus, s.logger)
		if err != nil {
			s.logger.Warn().Err(err).Msg("NATS mirroring unavailable, continuing without it")
		} else {
			s.mirror = mirror
			s.DeferClose(func() error { return s.mirror.Close() })
		}
	}

	return nil
}

// HTTPServer exposes the underlying net/http server.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Dispatcher exposes the dispatch loop, mainly for tests.
func (s *Server) Dispatcher() *dispatcher.Dispatcher {
	return s.dispatcher
}

// Close releases owned resources in reverse order.
func (s *Server) Close() error {
	s.stopBackgroundWorkers()
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DeferClose registers a cleanup hook.
func (s *Server) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

func (s *Server) startBackgroundWorkers() {
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	// Dispatch loop: leader-aware if configured, otherwise direct.
	if s.leaderAwareDispatcher != nil {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			if err := s.leaderAwareDispatcher.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error().Err(err).Msg("leader-aware dispatcher exited")
			}
			<-ctx.Done()
		}()
	} else {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			if err := s.dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error().Err(err).Msg("dispatcher loop exited")
			}
		}()
	}

	if s.mirror != nil {
		s.mirror.Start(ctx,
			events.EventOccurrenceCreated,
			events.EventOccurrenceFailed,
			events.EventOccurrenceRetried,
			events.EventDefinitionCreated,
			events.EventDefinitionDisabled,
		)
	}

	s.updateChecker = version.NewChecker(s.logger)
	s.updateChecker.Start(ctx)
	s.api.SetUpdateChecker(s.updateChecker)

	// Connection pool metrics.
	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				db.UpdateConnectionMetrics(s.db)
			}
		}
	}()
}

func (s *Server) stopBackgroundWorkers() {
	if s.bgCancel == nil {
		return
	}
	s.bgCancel()
	s.bgWG.Wait()
	s.bgCancel = nil
}

func (s *Server) configureRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)

		response := `{"status":"ok"`
		if s.leaderAwareDispatcher != nil {
			if s.leaderAwareDispatcher.IsLeader() {
				response += `,"leader":true`
			} else {
				response += `,"leader":false`
			}
		}
		response += `}`
		_, _ = w.Write([]byte(response))
	})

	s.router.Handle("/metrics", telemetry.Handler())

	s.api.Routes(s.router)
}
