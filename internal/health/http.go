package health

import (
	"encoding/json"
	"net/http"
)

// RegisterHandlers mounts the probe endpoints on mux.
func (m *Manager) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", m.handleHealth)
	mux.HandleFunc("GET /readiness", m.handleReadiness)
	mux.HandleFunc("GET /liveness", m.handleLiveness)
}

func (m *Manager) handleHealth(w http.ResponseWriter, _ *http.Request) {
	overall := m.Overall()
	code := http.StatusOK
	if !overall.Ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, overall)
}

func (m *Manager) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	if m.Ready() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
}

// Liveness only proves the process is serving; dependency state is the
// readiness probe's concern.
func (m *Manager) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
