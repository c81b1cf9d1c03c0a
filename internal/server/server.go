package server

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/taskhub/apiserver/config"
	"github.com/taskhub/apiserver/internal/audit"
	"github.com/taskhub/apiserver/internal/db"
	"github.com/taskhub/apiserver/internal/handlers"
	"github.com/taskhub/apiserver/internal/logging"
	"github.com/taskhub/apiserver/internal/mq"
	"github.com/taskhub/apiserver/internal/services"
	"github.com/taskhub/apiserver/internal/storage"
	"github.com/taskhub/apiserver/internal/store"
	"github.com/taskhub/apiserver/internal/token"
)

// Server wraps the HTTP server, router, and the dependency objects
// whose lifecycle it owns. Everything is constructed once here and
// passed by reference; there is no import-time shared state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	db         *sql.DB
	broker     *mq.MQ
	recorder   *audit.Recorder
	archiver   *audit.Archiver
	log        logging.Logger
}

// New constructs a Server with its full dependency graph.
func New(ctx context.Context, cfg config.Config, log logging.Logger) (*Server, error) {
	dbConn, err := db.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}

	signer, err := token.NewSigner(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, cfg.Auth.MFATokenTTL)
	if err != nil {
		_ = dbConn.Close()
		return nil, fmt.Errorf("init signer: %w", err)
	}

	userRepo := store.NewUserRepository(dbConn)
	tenantRepo := store.NewTenantRepository(dbConn)
	taskRepo := store.NewTaskRepository(dbConn)
	attemptRepo := store.NewLoginAttemptRepository(dbConn)
	eventRepo := store.NewSecurityEventRepository(dbConn)

	broker, err := mq.Open(ctx, cfg.Audit.Broker, cfg)
	if err != nil {
		_ = dbConn.Close()
		return nil, err
	}

	var publisher audit.Publisher
	if broker != nil {
		publisher = broker
	}
	recorder := audit.NewRecorder(eventRepo, publisher, cfg.Audit.Channel, cfg.Audit.BufferSize, log)
	recorder.Start()

	archiver, err := openArchiver(ctx, cfg, eventRepo, log)
	if err != nil {
		recorder.Close()
		if broker != nil {
			_ = broker.Close()
		}
		_ = dbConn.Close()
		return nil, err
	}
	if archiver != nil {
		archiver.Start()
	}

	authService := services.NewAuthService(
		userRepo,
		attemptRepo,
		signer,
		recorder,
		log,
		services.WithLockoutPolicy(cfg.Auth.LockoutThreshold, cfg.Auth.LockoutDuration),
		services.WithAttemptThrottle(cfg.Auth.LoginFailureLimit, cfg.Auth.LoginFailureWindow),
		services.WithMFAIssuer(cfg.Auth.MFAIssuer),
	)
	userService := services.NewUserService(userRepo)
	tenantService := services.NewTenantService(tenantRepo)
	taskService := services.NewTaskService(taskRepo)

	authHandler := handlers.NewAuthHandler(authService, userService, signer, recorder, cfg.Auth.LoginRatePerMinute)
	tenantHandler := handlers.NewTenantHandler(tenantService, userService)
	taskHandler := handlers.NewTaskHandler(taskService)

	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		middleware.Logger,
		middleware.Timeout(60*time.Second),
	)
	router.Get("/healthz", handlers.Healthz)
	router.Route("/auth", func(r chi.Router) {
		handlers.AuthRouter(r, authHandler)
	})
	router.Route("/tenants", func(r chi.Router) {
		handlers.TenantRouter(r, tenantHandler, authHandler.RequireAuth)
	})
	router.Route("/tasks", func(r chi.Router) {
		handlers.TaskRouter(r, taskHandler, authHandler.RequireAuth)
	})

	port := cfg.ServerPort
	if port == 0 {
		port = 8080
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: httpServer,
		router:     router,
		db:         dbConn,
		broker:     broker,
		recorder:   recorder,
		archiver:   archiver,
		log:        log,
	}, nil
}

func openArchiver(ctx context.Context, cfg config.Config, events *store.SecurityEventRepository, log logging.Logger) (*audit.Archiver, error) {
	objectStore, err := storage.Open(ctx, cfg.Audit.ArchiveBackend, cfg)
	if err != nil {
		return nil, err
	}
	if objectStore == nil {
		return nil, nil
	}
	if err := objectStore.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return audit.NewArchiver(events, objectStore, cfg.Audit.ArchiveInterval, log), nil
}

// Router exposes the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start runs the HTTP server.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests first, then drains the audit
// pipeline before closing shared resources, so in-flight logins can
// still record their events.
func (s *Server) Shutdown() error {
	err := s.httpServer.Close()
	if s.archiver != nil {
		s.archiver.Close()
	}
	if s.recorder != nil {
		s.recorder.Close()
	}
	if s.broker != nil {
		_ = s.broker.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
	return err
}
