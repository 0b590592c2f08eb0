// Package web exposes the job store contract over HTTP as a JSON API
package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v8"
	"github.com/didip/tollbooth/v8/limiter"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"
	"golang.org/x/crypto/bcrypt"

	"github.com/sitekit/jobstore/app/notify"
	"github.com/sitekit/jobstore/app/store"
)

// createLimiter caps job creation rate per client
var createLimiter = tollbooth.NewLimiter(10, &limiter.ExpirableOptions{DefaultExpirationTTL: time.Minute})

// Server represents the web server
type Server struct {
	store        store.Interface
	notifier     *notify.Service
	version      string
	passwordHash string // bcrypt hash for basic auth, empty disables auth
	jobsRoot     string // checked for free space before create
	minFreeMB    uint64 // refuse creates below this free space, 0 disables the guard
}

// Config holds server configuration
type Config struct {
	Store        store.Interface
	Notifier     *notify.Service // optional, nil disables notifications
	Version      string
	PasswordHash string // bcrypt hash for basic auth (empty to disable)
	JobsRoot     string // jobs root path for the disk free-space guard
	MinFreeMB    uint64 // minimal free space in MB required for creates (0 to disable)
}

// New creates a new web server
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("web server initialization failed: store is required")
	}
	return &Server{
		store:        cfg.Store,
		notifier:     cfg.Notifier,
		version:      cfg.Version,
		passwordHash: cfg.PasswordHash,
		jobsRoot:     cfg.JobsRoot,
		minFreeMB:    cfg.MinFreeMB,
	}, nil
}

// Run starts the web server, blocking until the context is canceled
func (s *Server) Run(ctx context.Context, address string) error {
	server := &http.Server{
		Addr:              address,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown server: %v", err)
		}
	}()

	log.Printf("[INFO] starting web server on %s", address)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web server failed: %w", err)
	}
	return nil
}

// routes returns the http.Handler with all routes configured
func (s *Server) routes() http.Handler {
	router := routegroup.New(http.NewServeMux())

	// global middleware - applied to all routes
	router.Use(
		rest.RealIP,
		rest.Recoverer(log.Default()),
		rest.Throttle(1000),
		rest.AppInfo("jobstore", "sitekit", s.version),
		rest.Ping,
		rest.Trace,
		rest.SizeLimit(1024*1024), // 1MB max request size
		logger.New(logger.Log(log.Default()), logger.Prefix("[DEBUG]")).Handler,
	)

	if s.passwordHash != "" {
		log.Printf("[INFO] authentication enabled for API")
		router.Use(s.authMiddleware)
	}

	router.Mount("/api/v1").Route(func(api *routegroup.Bundle) {
		api.Use(rest.NoCache)

		api.HandleFunc("GET /jobs", s.handleListJobs)
		api.With(tollbooth.HTTPMiddleware(createLimiter)).HandleFunc("POST /jobs", s.handleCreateJob)
		api.HandleFunc("GET /jobs/{id}", s.handleGetJob)
		api.HandleFunc("PUT /jobs/{id}", s.handleUpdateJob)
		api.HandleFunc("DELETE /jobs/{id}", s.handleDeleteJob)
		api.HandleFunc("GET /jobs/{id}/log", s.handleGetLog)
		api.HandleFunc("POST /jobs/{id}/log", s.handleAppendLog)
		api.HandleFunc("GET /status", s.handleStatus)
	})

	return router
}

// authMiddleware checks basic auth credentials against the configured bcrypt hash
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, pass, ok := r.BasicAuth()
		if !ok || bcrypt.CompareHashAndPassword([]byte(s.passwordHash), []byte(pass)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="jobstore"`)
			s.sendError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}
