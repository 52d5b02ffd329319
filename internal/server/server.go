// Package server wires the store, services, handlers and routes together and
// runs the HTTP server.
//
// This is the composition root: every dependency is built here in New and
// handed down, so handlers only see small interfaces and services only see
// repositories.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/sakif/clickmodel/internal/auth"
	"github.com/sakif/clickmodel/internal/config"
	"github.com/sakif/clickmodel/internal/email"
	"github.com/sakif/clickmodel/internal/fal"
	"github.com/sakif/clickmodel/internal/handler"
	"github.com/sakif/clickmodel/internal/metrics"
	"github.com/sakif/clickmodel/internal/middleware"
	"github.com/sakif/clickmodel/internal/repository"
	"github.com/sakif/clickmodel/internal/repository/postgres"
	sqliteRepo "github.com/sakif/clickmodel/internal/repository/sqlite"
	"github.com/sakif/clickmodel/internal/scheduler"
	"github.com/sakif/clickmodel/internal/service"
	"github.com/sakif/clickmodel/internal/storage"
)

const shutdownTimeout = 30 * time.Second

// Server owns the router and every long-lived resource behind it. The store,
// the scheduler and the rate limiter's cleanup loop are released on shutdown.
type Server struct {
	router    *chi.Mux
	cfg       *config.Config
	logger    *slog.Logger
	store     repository.Store
	scheduler *scheduler.Scheduler
	limiter   *middleware.RateLimiter
	stop      chan struct{}
}

// New opens the configured store and builds the server around it.
//
// Wiring order:
//  1. store (sqlite or postgres)
//  2. fal client
//  3. services, then handlers, then routes (newServer)
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	store, err := openStore(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s, err := newServer(cfg, store, fal.NewClient(cfg.Provider, logger), logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	return s, nil
}

func openStore(cfg config.DatabaseConfig) (repository.Store, error) {
	switch cfg.Driver {
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return postgres.Open(ctx, cfg.URL)
	default:
		if cfg.Path != ":memory:" {
			// MkdirAll is a no-op when the directory already exists.
			if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
				return nil, fmt.Errorf("creating database directory: %w", err)
			}
		}
		return sqliteRepo.New(cfg.Path)
	}
}

// newServer builds services, handlers and routes on an already open store.
// It does not take ownership of the store on error.
func newServer(cfg *config.Config, store repository.Store, provider service.Provider, logger *slog.Logger) (*Server, error) {
	tokens, err := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.SessionTTL)
	if err != nil {
		return nil, fmt.Errorf("creating token service: %w", err)
	}

	mailer, err := email.NewMailer(cfg.Email, publicURL(cfg), logger)
	if err != nil {
		return nil, fmt.Errorf("creating mailer: %w", err)
	}

	authService, err := service.NewAuthService(store, store, store, tokens, auth.NewPasswordService(), mailer,
		service.AuthOptions{RequireEmailVerification: cfg.Auth.RequireEmailVerification}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating auth service: %w", err)
	}

	generationService := service.NewGenerationService(store, store, provider, service.GenerationOptions{
		Cost:            cfg.Generation.Cost,
		RefundOnFailure: cfg.Generation.RefundOnFailure,
		ProviderTimeout: cfg.Provider.Timeout,
	}, logger)

	creditService := service.NewCreditService(store, logger)

	sched, err := scheduler.New(cfg.Generation.MonthlyResetCron, creditService, logger)
	if err != nil {
		return nil, fmt.Errorf("creating scheduler: %w", err)
	}

	s := &Server{
		router:    chi.NewRouter(),
		cfg:       cfg,
		logger:    logger,
		store:     store,
		scheduler: sched,
		limiter:   middleware.NewRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst, handler.WriteError, logger),
		stop:      make(chan struct{}),
	}

	if err := s.setupRoutes(tokens, authService, generationService, creditService); err != nil {
		return nil, fmt.Errorf("setting up routes: %w", err)
	}
	return s, nil
}

// setupRoutes registers middleware and routes.
//
// ROUTES:
//
//	GET  /healthz, /metrics
//	GET  /, /login, /dashboard, /verify-email, /reset-password   pages
//	POST /auth/{signup,login,logout,resend-verification,forgot-password,reset-password}
//	GET  /auth/google, /auth/callback                            when Google is configured
//	GET  /api/check-env, /api/history
//	GET  /api/me, /api/credits, /api/credits/transactions        session required
//	POST /api/generate, /api/uploads                             session required
//
// Middleware order: request ID and real IP first so the logger sees them,
// then the logger, then Recoverer so a panic is still logged as a 500.
func (s *Server) setupRoutes(
	tokens *auth.TokenService,
	authService *service.AuthService,
	generationService *service.GenerationService,
	creditService *service.CreditService,
) error {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(metrics.InstrumentHandler)

	// A nil interface, never a typed nil pointer: the handler checks for nil.
	var google handler.OAuthProvider
	if s.cfg.GoogleEnabled() {
		google = auth.NewGoogleProvider(auth.GoogleConfig{
			ClientID:     s.cfg.Auth.GoogleClientID,
			ClientSecret: s.cfg.Auth.GoogleClientSecret,
			CallbackURL:  s.cfg.Auth.GoogleCallbackURL,
		})
	}

	authHandler := handler.NewAuthHandler(authService, google, handler.AuthHandlerOptions{
		SessionTTL:    tokens.TTL(),
		SecureCookies: s.cfg.Auth.SecureCookies,
		Development:   s.cfg.Development(),
		SiteURL:       s.cfg.Server.SiteURL,
		AppURL:        s.cfg.Server.AppURL,
	}, s.logger)
	generationHandler := handler.NewGenerationHandler(generationService, s.cfg.Server.ServiceKey, s.logger)
	creditHandler := handler.NewCreditHandler(creditService, s.logger)
	systemHandler := handler.NewSystemHandler(s.cfg.Server.SiteURL, s.cfg.Server.AppURL, s.store, s.logger)

	pageHandler, err := handler.NewPageHandler(google != nil, s.logger)
	if err != nil {
		return fmt.Errorf("creating page handler: %w", err)
	}

	var uploadHandler *handler.UploadHandler
	if s.cfg.StorageEnabled() {
		uploader, err := storage.NewUploader(s.cfg.Storage)
		if err != nil {
			return fmt.Errorf("creating uploader: %w", err)
		}
		uploadHandler = handler.NewUploadHandler(uploader, s.logger)
	} else {
		s.logger.Warn("storage not configured, /api/uploads is disabled")
	}

	requireAuth := auth.RequireAuth(tokens)

	// === Operational ===
	s.router.Get("/healthz", systemHandler.HandleHealth)
	s.router.Handle("/metrics", metrics.Handler())

	// === Pages ===
	s.router.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
	})
	s.router.With(auth.RedirectMembers(tokens, "/dashboard")).Get("/login", pageHandler.HandleLogin)
	s.router.With(auth.RedirectGuests(tokens, "/login")).Get("/dashboard", pageHandler.HandleDashboard)
	s.router.Get("/verify-email", authHandler.HandleVerifyEmail)
	s.router.Get("/reset-password", pageHandler.HandleResetPassword)

	// === Auth ===
	s.router.Route("/auth", func(r chi.Router) {
		r.Post("/signup", authHandler.HandleSignup)
		r.Post("/login", authHandler.HandleLogin)
		r.Post("/logout", authHandler.HandleLogout)
		r.Post("/resend-verification", authHandler.HandleResendVerification)
		r.Post("/forgot-password", authHandler.HandleForgotPassword)
		r.Post("/reset-password", authHandler.HandleResetPassword)
		r.Get("/google", authHandler.HandleGoogleLogin)
		r.Get("/callback", authHandler.HandleCallback)
	})

	// === API ===
	s.router.Route("/api", func(r chi.Router) {
		if len(s.cfg.Server.AllowedOrigins) > 0 {
			r.Use(cors.Handler(cors.Options{
				AllowedOrigins:   s.cfg.Server.AllowedOrigins,
				AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
				AllowedHeaders:   []string{"Content-Type", handler.ServiceKeyHeader},
				AllowCredentials: true,
				MaxAge:           300,
			}))
		}

		r.Get("/check-env", systemHandler.HandleCheckEnv)
		r.With(auth.OptionalAuth(tokens)).Get("/history", generationHandler.HandleHistory)

		r.Group(func(r chi.Router) {
			r.Use(requireAuth)
			r.Get("/me", authHandler.HandleMe)
			r.Get("/credits", creditHandler.HandleBalance)
			r.Get("/credits/transactions", creditHandler.HandleTransactions)
			// Limited after auth so the bucket is keyed by user, not IP.
			r.With(s.limiter.Handler).Post("/generate", generationHandler.HandleGenerate)
			if uploadHandler != nil {
				r.Post("/uploads", uploadHandler.HandleUpload)
			}
		})
	})

	return nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs the scheduler and the HTTP server and blocks until SIGINT or
// SIGTERM, then shuts everything down.
//
// GRACEFUL SHUTDOWN:
//  1. stop accepting connections and wait for in-flight requests
//  2. stop the scheduler, waiting for a running reset
//  3. stop the limiter cleanup and close the store
func (s *Server) Start() error {
	defer s.Close()

	s.scheduler.Start()
	s.limiter.StartCleanup(time.Minute, s.stop)

	// A generation can hold the connection for the whole provider timeout.
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: s.cfg.Provider.Timeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.cfg.Server.Port),
			slog.String("env", s.cfg.Env),
			slog.String("database", s.cfg.Database.Driver),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		if err := s.scheduler.Stop(ctx); err != nil {
			s.logger.Warn("scheduler did not stop in time", slog.String("error", err.Error()))
		}
		s.logger.Info("server stopped gracefully")
	}

	return nil
}

// Close releases the limiter cleanup loop and the store. It is safe to call
// more than once.
func (s *Server) Close() error {
	select {
	case <-s.stop:
		return nil
	default:
		close(s.stop)
	}
	return s.store.Close()
}

// publicURL is the origin used in emailed links.
func publicURL(cfg *config.Config) string {
	switch {
	case cfg.Server.SiteURL != "":
		return cfg.Server.SiteURL
	case cfg.Server.AppURL != "":
		return cfg.Server.AppURL
	default:
		return fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}
}
