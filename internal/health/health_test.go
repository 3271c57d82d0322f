package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/voxchat/internal/health"
)

type reportBody struct {
	Status string `json:"status"`
	Probes []struct {
		Name    string `json:"name"`
		Status  string `json:"status"`
		Error   string `json:"error"`
		Latency string `json:"latency"`
	} `json:"probes"`
}

func getReady(t *testing.T, h *health.Handler) (int, reportBody) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	var body reportBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding readyz body %q: %v", rec.Body.String(), err)
	}
	return rec.Code, body
}

func TestHealthz_AlwaysOK(t *testing.T) {
	failing := health.Probe{Name: "history", Run: func(context.Context) error {
		return errors.New("store offline")
	}}
	mux := http.NewServeMux()
	health.New(failing).Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("healthz = %d; want 200 even with failing probes", rec.Code)
	}
}

func TestReadyz_AllProbesPass(t *testing.T) {
	h := health.New(
		health.Probe{Name: "history", Run: func(context.Context) error { return nil }},
		health.Probe{Name: "voice", Run: func(context.Context) error { return nil }},
	)

	code, body := getReady(t, h)
	if code != http.StatusOK {
		t.Fatalf("readyz = %d; want 200", code)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q; want ok", body.Status)
	}
	if len(body.Probes) != 2 {
		t.Fatalf("report has %d probes; want 2", len(body.Probes))
	}
	for _, p := range body.Probes {
		if p.Status != "ok" {
			t.Errorf("probe %s status = %q; want ok", p.Name, p.Status)
		}
		if p.Latency == "" {
			t.Errorf("probe %s is missing its latency", p.Name)
		}
	}
}

func TestReadyz_FailingProbeReports503(t *testing.T) {
	h := health.New(
		health.Probe{Name: "history", Run: func(context.Context) error { return nil }},
		health.Probe{Name: "voice", Run: func(context.Context) error {
			return errors.New("session in error state")
		}},
	)

	code, body := getReady(t, h)
	if code != http.StatusServiceUnavailable {
		t.Fatalf("readyz = %d; want 503", code)
	}
	if body.Status != "fail" {
		t.Errorf("status = %q; want fail", body.Status)
	}
	var found bool
	for _, p := range body.Probes {
		if p.Name == "voice" {
			found = true
			if p.Error != "session in error state" {
				t.Errorf("voice probe error = %q; want the probe's error text", p.Error)
			}
		}
	}
	if !found {
		t.Error("voice probe missing from the report")
	}
}

func TestReadyz_ProbeGetsDeadline(t *testing.T) {
	h := health.New(health.Probe{Name: "history", Run: func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("no deadline")
		}
		return nil
	}})

	code, _ := getReady(t, h)
	if code != http.StatusOK {
		t.Errorf("readyz = %d; probes must run under a deadline", code)
	}
}

func TestReadyz_NoProbes(t *testing.T) {
	code, body := getReady(t, health.New())
	if code != http.StatusOK {
		t.Errorf("readyz without probes = %d; want 200", code)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q; want ok", body.Status)
	}
}
