package httpapi

import "net/http"

func (s *Server) handleStepStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.StepSnapshot())
}
