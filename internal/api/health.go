package api

import (
	"net/http"
)

// healthResponse reports liveness and the engines runs can be submitted to.
type healthResponse struct {
	Status  string   `json:"status"`
	Engines []string `json:"engines"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	infos := s.registry.List()
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name)
	}
	status := "ok"
	if len(names) == 0 {
		status = "no engines registered"
	}
	s.writeJSON(w, http.StatusOK, healthResponse{Status: status, Engines: names})
}
