package health

import (
	"encoding/json"
	"net/http"
)

// DetailFunc supplies extra detail for the status endpoint, typically
// the per-partition consumer snapshots.
type DetailFunc func() any

// NewHTTPHandler serves probes from the monitor:
//
//	GET /healthz  liveness, 200 while the process runs
//	GET /readyz   readiness, 200 unless any component is unhealthy
//	GET /status   full per-component detail
func NewHTTPHandler(m *Monitor, detail DetailFunc) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeStatus(w, http.StatusOK, map[string]string{"status": "alive"})
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, _ *http.Request) {
		agg := m.Aggregate("streamsink")
		code := http.StatusOK
		if agg.IsUnhealthy() {
			code = http.StatusServiceUnavailable
		}
		writeStatus(w, code, agg)
	})

	mux.HandleFunc("GET /status", func(w http.ResponseWriter, _ *http.Request) {
		body := map[string]any{
			"aggregate":  m.Aggregate("streamsink"),
			"components": m.GetAll(),
		}
		if detail != nil {
			body["detail"] = detail()
		}
		writeStatus(w, http.StatusOK, body)
	})

	return mux
}

func writeStatus(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
