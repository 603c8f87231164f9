package registry

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// NewHTTPHandler exposes the presence table over HTTP:
//
//	GET /        liveness probe
//	GET /agents  all registered agents, capabilities expanded
func NewHTTPHandler(reg *Registry, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, logger, http.StatusOK, map[string]string{
			"status": "registry is running",
		})
	})

	mux.HandleFunc("GET /agents", func(w http.ResponseWriter, r *http.Request) {
		agents, err := reg.List(r.Context())
		if err != nil {
			logger.Error("agent list failed", "error", err)
			writeJSON(w, logger, http.StatusInternalServerError, map[string]string{
				"error": "agent list unavailable",
			})
			return
		}
		writeJSON(w, logger, http.StatusOK, map[string]any{"agents": agents})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("response encode failed", "error", err)
	}
}
