package httpapi

import (
	"net/http"

	"solarpi/internal/types"
	"solarpi/internal/utils"
)

func registerStatus(mux *http.ServeMux, health HealthSource) {
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		utils.WriteJSON(w, http.StatusOK, health.Health())
	})
	mux.HandleFunc("GET /status/{kind}", func(w http.ResponseWriter, r *http.Request) {
		kind := types.DeviceKind(r.PathValue("kind"))
		d, ok := health.Health().Device(kind)
		if !ok {
			utils.WriteError(w, http.StatusNotFound, "unknown device kind "+string(kind))
			return
		}
		utils.WriteJSON(w, http.StatusOK, d)
	})
}
