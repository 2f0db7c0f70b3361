// Package health serves the admin server's liveness and readiness probes.
//
//   - /healthz answers 200 whenever the process can serve HTTP at all.
//   - /readyz runs the registered probes (archive connectivity, provider
//     construction) and answers 503 as soon as any of them fails.
//
// Responses are JSON with a top-level "status" of "ok" or "fail" and a
// per-probe "checks" map, so a failing dependency can be named from the
// probe output alone.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// probeTimeout bounds one readiness probe. A wedged dependency should turn
// the pod unready, not hang the probe request.
const probeTimeout = 5 * time.Second

// Probe is one named readiness check. Check returns nil when the dependency
// is usable and must respect context cancellation.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// report is the JSON body for both endpoints.
type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler evaluates probes for /readyz. The probe list is fixed at
// construction, so the handler itself carries no mutable state.
type Handler struct {
	probes []Probe
}

// New builds a Handler over the given probes, evaluated in order on every
// /readyz request.
func New(probes ...Probe) *Handler {
	h := &Handler{probes: make([]Probe, len(probes))}
	copy(h.probes, probes)
	return h
}

// Healthz is the liveness endpoint; it always reports ok.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: "ok"})
}

// Readyz runs every probe under its own timeout and reports 503 with the
// failing probes named when any of them errors.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.probes))
	status := http.StatusOK
	body := report{Status: "ok", Checks: checks}

	for _, p := range h.probes {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		err := p.Check(ctx)
		cancel()
		if err != nil {
			checks[p.Name] = "fail: " + err.Error()
			body.Status = "fail"
			status = http.StatusServiceUnavailable
			continue
		}
		checks[p.Name] = "ok"
	}

	writeJSON(w, status, body)
}

// Register mounts both endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
