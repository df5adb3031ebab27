package httpapi

import (
	"net/http"
	"time"

	"github.com/ent0n29/parley/internal/observability"
)

// handlePerfLatency reports rolling per-stage latency for this process.
func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	snap := observability.StageSnapshot{GeneratedAt: time.Now().UTC(), Stages: []observability.StageStats{}}
	if s.metrics != nil {
		snap = s.metrics.SnapshotStages()
	}
	respondJSON(w, http.StatusOK, snap)
}
