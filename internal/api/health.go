package api

import "net/http"

type healthResponse struct {
	Status       string `json:"status"`
	Environments int    `json:"environments"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:       "ok",
		Environments: len(s.controller.Environments()),
	})
}
