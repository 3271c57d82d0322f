// Package health serves the liveness and readiness endpoints on the voxchat
// metrics listener.
//
// Liveness (/healthz) only asserts the process is up and serving HTTP.
// Readiness (/readyz) runs the registered probes — for voxchat typically the
// conversation history store and the voice session — and reports 503 when any
// of them fails. Each probe result carries its observed latency so a slow
// history backend is visible before it becomes a failing one.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// probeTimeout bounds a single readiness probe. Probes guard interactive
// chat, so a backend that cannot answer within this window counts as down.
const probeTimeout = 3 * time.Second

// Probe is a named readiness check. Run returns nil when the dependency can
// serve the conversation right now.
type Probe struct {
	// Name labels the probe in the JSON report, e.g. "history" or "voice".
	Name string

	// Run checks the dependency. It must honor ctx cancellation.
	Run func(ctx context.Context) error
}

type probeResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Latency string `json:"latency"`
}

type report struct {
	Status string        `json:"status"`
	Probes []probeResult `json:"probes,omitempty"`
}

// Handler serves /healthz and /readyz. The probe list is fixed at
// construction, so the handler is safe for concurrent use.
type Handler struct {
	probes []Probe
}

// New builds a [Handler] that evaluates the given probes, in order, on each
// /readyz request.
func New(probes ...Probe) *Handler {
	h := &Handler{probes: make([]Probe, len(probes))}
	copy(h.probes, probes)
	return h
}

// Healthz answers the liveness probe. A process that reaches this handler is
// alive, so the answer is always 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: "ok"})
}

// Readyz runs every probe with a [probeTimeout] deadline and reports 200 only
// when all of them pass. Failing probes carry the error text in the report.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := report{Status: "ok", Probes: make([]probeResult, 0, len(h.probes))}
	code := http.StatusOK

	for _, p := range h.probes {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		start := time.Now()
		err := p.Run(ctx)
		latency := time.Since(start)
		cancel()

		res := probeResult{Name: p.Name, Status: "ok", Latency: latency.String()}
		if err != nil {
			res.Status = "fail"
			res.Error = err.Error()
			rep.Status = "fail"
			code = http.StatusServiceUnavailable
		}
		rep.Probes = append(rep.Probes, res)
	}

	writeJSON(w, code, rep)
}

// Register adds the /healthz and /readyz routes to mux. Only GET is
// accepted; other methods get 405, matching the "GET /path" mux patterns
// available on newer Go toolchains.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", onlyGet(h.Healthz))
	mux.HandleFunc("/readyz", onlyGet(h.Readyz))
}

func onlyGet(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
