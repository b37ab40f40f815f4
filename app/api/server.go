// Package api implements the HTTP surface of job tracking: category state, uploads, job details
// and polling control
package api

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

	"github.com/umputun/rowjobs/app/backend"
	"github.com/umputun/rowjobs/app/job"
	"github.com/umputun/rowjobs/app/sheet"
	"github.com/umputun/rowjobs/app/store"
)

const authUser = "rowjobs"

// Engine is a job category as seen by the api, implemented by engine.Engine
type Engine interface {
	Name() string
	ProcessFileAndCreateJob(ctx context.Context, f backend.File, rows []sheet.Row) (job.Job, error)
	CreateJobFromUploadedFile(ctx context.Context, fileID string) (job.Job, error)
	LoadJobDetails(ctx context.Context, jobIDOrFileID string) []job.RawRow
	Running() []job.Job
	Completed() []job.Job
	IsLoadingOverview() bool
	Polling() (overview, running bool)
	ClearPersistedState()
}

// Coordinator controls polling of all categories, implemented by poller.Coordinator
type Coordinator interface {
	StopAll()
	Resume() bool
	NavigationStarted()
	Active() bool
}

// Snapshotter provides state of all categories, implemented by store.Store
type Snapshotter interface {
	Snapshot() map[job.Type]store.State
	TotalRunning() int
	TotalCompleted() int
}

// Config holds server configuration
type Config struct {
	Engines      []Engine
	Coordinator  Coordinator
	Store        Snapshotter
	Version      string
	PasswordHash string        // bcrypt hash for basic auth, empty to disable
	UploadLimit  int64         // max upload size, default 32MB
	UploadRate   float64       // uploads per second per client, default 1
	Timeout      time.Duration // upload handler timeout, default 2m
}

// Server serves the api
type Server struct {
	engines      map[job.Type]Engine
	order        []job.Type
	coordinator  Coordinator
	store        Snapshotter
	version      string
	passwordHash string
	uploadLimit  int64
	uploadLmt    *limiter.Limiter
	timeout      time.Duration
}

// New makes Server
func New(cfg Config) (*Server, error) {
	if len(cfg.Engines) == 0 {
		return nil, fmt.Errorf("api initialization failed: no categories")
	}
	if cfg.Coordinator == nil || cfg.Store == nil {
		return nil, fmt.Errorf("api initialization failed: coordinator and store are required")
	}
	if cfg.UploadLimit <= 0 {
		cfg.UploadLimit = 32 * 1024 * 1024
	}
	if cfg.UploadRate <= 0 {
		cfg.UploadRate = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}

	s := &Server{
		engines:      make(map[job.Type]Engine, len(cfg.Engines)),
		coordinator:  cfg.Coordinator,
		store:        cfg.Store,
		version:      cfg.Version,
		passwordHash: cfg.PasswordHash,
		uploadLimit:  cfg.UploadLimit,
		timeout:      cfg.Timeout,
	}
	for _, e := range cfg.Engines {
		t := job.Type(e.Name())
		if _, dup := s.engines[t]; dup {
			return nil, fmt.Errorf("api initialization failed: duplicate category %s", t)
		}
		s.engines[t] = e
		s.order = append(s.order, t)
	}

	s.uploadLmt = tollbooth.NewLimiter(cfg.UploadRate, nil)
	s.uploadLmt.SetIPLookup(limiter.IPLookup{Name: "RemoteAddr"})
	s.uploadLmt.SetMessage(`{"error":"too many uploads"}`)
	s.uploadLmt.SetMessageContentType("application/json")
	return s, nil
}

// Run starts the http server and blocks until ctx is done
func (s *Server) Run(ctx context.Context, address string) error {
	server := &http.Server{
		Addr:              address,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.timeout + 10*time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown api server: %v", err)
		}
	}()

	log.Printf("[INFO] starting api server on %s", address)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

func (s *Server) routes() http.Handler {
	router := routegroup.New(http.NewServeMux())
	router.Use(
		rest.RealIP,
		rest.Recoverer(log.Default()),
		rest.Throttle(100),
		rest.AppInfo("rowjobs", "umputun", s.version),
		rest.Ping,
		logger.New(logger.Log(log.Default()), logger.Prefix("[DEBUG]")).Handler,
	)
	if s.passwordHash != "" {
		log.Printf("[INFO] authentication enabled for api")
		router.Use(s.authMiddleware)
	}

	router.Mount("/api/v1").Route(func(api *routegroup.Bundle) {
		api.Use(rest.NoCache)
		api.HandleFunc("GET /status", s.handleStatus)
		api.HandleFunc("GET /categories/{category}/jobs", s.handleJobs)
		api.With(tollbooth.HTTPMiddleware(s.uploadLmt)).HandleFunc("POST /categories/{category}/upload", s.handleUpload)
		api.HandleFunc("POST /categories/{category}/files/{file}", s.handleCreateFromFile)
		api.HandleFunc("GET /categories/{category}/jobs/{id}/rows", s.handleJobRows)
		api.HandleFunc("DELETE /categories/{category}/state", s.handleClearState)
		api.HandleFunc("POST /polling/stop", s.handlePollingStop)
		api.HandleFunc("POST /polling/resume", s.handlePollingResume)
		api.HandleFunc("POST /navigate", s.handleNavigate)
	})
	return router
}
