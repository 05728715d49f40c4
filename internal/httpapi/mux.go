package httpapi

import (
	"database/sql"
	"net/http"

	"solarpi/internal/metrics"
	"solarpi/internal/supervisor"
)

// HealthSource is satisfied by *supervisor.Supervisor.
type HealthSource interface {
	Health() supervisor.Health
}

func NewMux(db *sql.DB, health HealthSource) *http.ServeMux {
	mux := http.NewServeMux()
	registerHealthcheck(mux, db, health)
	registerStatus(mux, health)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}
