// internal/server/server.go
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/mcoda/mcoda/internal/jobs"
	"github.com/mcoda/mcoda/internal/workspace"
)

// Server exposes the workspace's jobs over a local HTTP API: list and
// inspect jobs, cancel them, and watch their event stream over a
// websocket.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	hub        *Hub

	store   *workspace.Store
	runtime *jobs.Runtime
	log     *slog.Logger

	startTime time.Time
}

func New(store *workspace.Store, runtime *jobs.Runtime, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		hub:       NewHub(runtime.Bus(), log),
		store:     store,
		runtime:   runtime,
		log:       log,
		startTime: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()
	s.router.Use(s.requestLogger)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/jobs", s.handleListJobs).Methods("GET")
	api.HandleFunc("/jobs/{id}", s.handleGetJob).Methods("GET")
	api.HandleFunc("/jobs/{id}/checkpoints", s.handleJobCheckpoints).Methods("GET")
	api.HandleFunc("/jobs/{id}/log", s.handleJobLog).Methods("GET")
	api.HandleFunc("/jobs/{id}/cancel", s.handleCancelJob).Methods("POST")

	s.router.HandleFunc("/ws/jobs/{id}", s.handleWatchJob)
}

// Handler returns the route tree. Tests mount it on httptest servers.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("jobs API listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests and closes websocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
