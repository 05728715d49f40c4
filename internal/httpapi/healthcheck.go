package httpapi

import (
	"database/sql"
	"log/slog"
	"net/http"

	"solarpi/internal/db"
	"solarpi/internal/utils"
)

type healthchecker struct {
	db     *sql.DB
	health HealthSource
}

// handleHealthz fails when the store is unreachable or the sink is
// dropping batches. Devices in backoff do not fail it; that is what
// /status is for.
func (h *healthchecker) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := db.Ping(r.Context(), h.db); err != nil {
		slog.Error("failed to check database connectivity", "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to check database connectivity")
		return
	}
	if s := h.health.Health(); s.SinkDegraded {
		utils.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"error":  s.SinkLastError,
		})
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func registerHealthcheck(mux *http.ServeMux, db *sql.DB, health HealthSource) {
	h := &healthchecker{db: db, health: health}
	mux.HandleFunc("GET /healthz", h.handleHealthz)
}
