package httpapi

import (
	"fmt"
	"net/http"

	"github.com/agentworkforce/episodesync/internal/health"
)

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request, correlationID string) {
	metrics, err := s.backend.Health(r.Context())
	if err != nil {
		s.logf("correlation_id=%s dashboard failed: %v", correlationID, err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to collect health metrics", correlationID)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprint(w, health.FormatDashboard(metrics))
}
