package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/tarn/internal/model"
	"github.com/seantiz/tarn/internal/store"
)

// environmentView is a persisted environment record annotated with whether
// this controller currently holds a worker for it.
type environmentView struct {
	*model.Environment
	Live bool `json:"live"`
}

type listEnvironmentsResponse struct {
	Environments []environmentView `json:"environments"`
}

type listEventsResponse struct {
	Environment string        `json:"environment"`
	Events      []model.Event `json:"events"`
}

func (s *Server) handleListEnvironments(w http.ResponseWriter, r *http.Request) {
	envs, err := s.store.ListEnvironments(r.Context())
	if err != nil {
		s.logger.Error("list environments", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list environments")
		return
	}

	live := s.liveEnvironments()
	views := make([]environmentView, len(envs))
	for i, e := range envs {
		views[i] = environmentView{Environment: e, Live: live[e.Name]}
	}

	s.writeJSON(w, http.StatusOK, listEnvironmentsResponse{Environments: views})
}

func (s *Server) handleGetEnvironment(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookupEnvironment(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, environmentView{Environment: e, Live: s.liveEnvironments()[e.Name]})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookupEnvironment(w, r)
	if !ok {
		return
	}

	events, err := s.store.ListEvents(r.Context(), e.Name)
	if err != nil {
		s.logger.Error("list events", "environment", e.Name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}

	s.writeJSON(w, http.StatusOK, listEventsResponse{Environment: e.Name, Events: events})
}

// handleExitEnvironment stops the environment's worker if this controller
// owns one. Exiting an environment with no worker is not an error.
func (s *Server) handleExitEnvironment(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookupEnvironment(w, r)
	if !ok {
		return
	}

	if err := s.controller.Exit(r.Context(), e.Name); err != nil {
		environmentExitsTotal.WithLabelValues("failure").Inc()
		s.logger.Error("exit environment", "environment", e.Name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to exit environment")
		return
	}

	environmentExitsTotal.WithLabelValues("success").Inc()

	e, err := s.store.GetEnvironment(r.Context(), e.Name)
	if err != nil {
		s.logger.Error("get exited environment", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve environment")
		return
	}

	s.writeJSON(w, http.StatusOK, environmentView{Environment: e, Live: false})
}

// lookupEnvironment loads the environment named in the URL, writing a 404
// or 500 response and returning false when it cannot.
func (s *Server) lookupEnvironment(w http.ResponseWriter, r *http.Request) (*model.Environment, bool) {
	name := chi.URLParam(r, "name")

	e, err := s.store.GetEnvironment(r.Context(), name)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "environment not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("get environment", "environment", name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get environment")
		return nil, false
	}
	return e, true
}

func (s *Server) liveEnvironments() map[string]bool {
	live := make(map[string]bool)
	for _, e := range s.controller.Environments() {
		if e.State == model.StateLaunched {
			live[e.Name] = true
		}
	}
	return live
}
