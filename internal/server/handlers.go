// internal/server/handlers.go
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/mcoda/mcoda/internal/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true }, // local API
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, map[string]any{
		"status":  "ok",
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
		"clients": s.hub.ClientCount(),
	})
}

// handleListJobs returns jobs, optionally filtered by ?state=running,paused.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var states []types.JobState
	if raw := r.URL.Query().Get("state"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			state := types.JobState(strings.TrimSpace(part))
			if !types.IsValidJobState(state) {
				s.respondError(w, http.StatusBadRequest, "unknown job state "+string(state))
				return
			}
			states = append(states, state)
		}
	}
	limit := 50
	jobsList, err := s.store.ListJobs(states, limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, map[string]any{"jobs": jobsList, "count": len(jobsList)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	insp, err := s.runtime.Inspect(id)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, insp)
}

func (s *Server) handleJobCheckpoints(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	cps, err := s.runtime.Checkpoints(id)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, map[string]any{"checkpoints": cps, "count": len(cps)})
}

func (s *Server) handleJobLog(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.store.GetJob(id); err != nil {
		s.respondStoreError(w, err)
		return
	}
	log, err := s.runtime.ReadLog(id)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(log))
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	force := r.URL.Query().Get("force") == "true"

	job, err := s.runtime.Cancel(id, force)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, job)
}

// handleWatchJob upgrades to a websocket and streams the job's bus events.
func (s *Server) handleWatchJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id != "all" {
		if _, err := s.store.GetJob(id); err != nil {
			s.respondStoreError(w, err)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.hub.Attach(conn, id)
}

func (s *Server) respondJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("response not encoded", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// respondStoreError maps the error taxonomy onto HTTP statuses.
func (s *Server) respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrValidation):
		s.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, types.ErrPrecondition), errors.Is(err, types.ErrResumeNotAllowed):
		s.respondError(w, http.StatusConflict, err.Error())
	default:
		s.respondError(w, http.StatusInternalServerError, err.Error())
	}
}
