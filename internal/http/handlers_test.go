package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fluidnet/sim/internal/feed"
	"fluidnet/sim/internal/fluid"
	"fluidnet/sim/internal/logging"
	"fluidnet/sim/internal/simulation"
	"fluidnet/sim/internal/store"
)

type stubReadiness struct {
	uptime time.Duration
	err    error
}

func (s *stubReadiness) StartupError() error   { return s.err }
func (s *stubReadiness) Uptime() time.Duration { return s.uptime }

type stubLimiter struct {
	remaining int
}

func (s *stubLimiter) Allow(string) bool {
	if s.remaining <= 0 {
		return false
	}
	s.remaining--
	return true
}

func TestLivenessHandlerReturnsJSON(t *testing.T) {
	fixed := time.Date(2026, time.January, 2, 15, 4, 5, 0, time.UTC)
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), TimeSource: func() time.Time { return fixed }})
	rr := httptest.NewRecorder()
	handlers.LivenessHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/livez", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var payload struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != "alive" || payload.Timestamp != fixed.Format(time.RFC3339Nano) {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestReadinessHandlerUnavailable(t *testing.T) {
	handlers := NewHandlerSet(Options{
		Logger:    logging.NewTestLogger(),
		Readiness: &stubReadiness{uptime: 45 * time.Second, err: errors.New("scenario missing")},
		Ticks:     func() simulation.TickMetricsSnapshot { return simulation.TickMetricsSnapshot{LastTick: 812} },
		Feed:      func() feed.Stats { return feed.Stats{Clients: 3} },
	})
	rr := httptest.NewRecorder()
	handlers.ReadinessHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	var payload struct {
		Status        string  `json:"status"`
		Message       string  `json:"message"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Tick          uint64  `json:"tick"`
		Viewers       int     `json:"viewers"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != "error" || payload.Message != "scenario missing" || payload.UptimeSeconds != 45 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if payload.Tick != 812 || payload.Viewers != 3 {
		t.Fatalf("unexpected simulation fields: %+v", payload)
	}
}

func TestMetricsHandlerOutputsPrometheusFormat(t *testing.T) {
	handlers := NewHandlerSet(Options{
		Logger:    logging.NewTestLogger(),
		Readiness: &stubReadiness{uptime: 90 * time.Second},
		Ticks: func() simulation.TickMetricsSnapshot {
			return simulation.TickMetricsSnapshot{LastTick: 40, Average: 2 * time.Millisecond, Overruns: 1, Anomalies: 2}
		},
		Feed:        func() feed.Stats { return feed.Stats{Clients: 2, Broadcasts: 9, Dropped: 1} },
		Persistence: func() store.PersisterStats { return store.PersisterStats{Saved: 4} },
	})

	rr := httptest.NewRecorder()
	handlers.MetricsHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if got := rr.Header().Get("Content-Type"); got != "text/plain; version=0.0.4" {
		t.Fatalf("unexpected content type %q", got)
	}
	body := rr.Body.String()
	for _, substr := range []string{
		"fluidsim_uptime_seconds 90",
		"fluidsim_tick 40",
		"fluidsim_tick_duration_seconds_avg 0.002000",
		"fluidsim_tick_overruns 1",
		"fluidsim_pipe_anomalies 2",
		"fluidsim_feed_viewers 2",
		"fluidsim_feed_dropped_total 1",
		"fluidsim_snapshots_saved_total 4",
	} {
		if !strings.Contains(body, substr) {
			t.Fatalf("metrics missing %q:\n%s", substr, body)
		}
	}
	if strings.Contains(body, "fluidsim_replay") {
		t.Fatalf("unconfigured replay metrics should be omitted:\n%s", body)
	}
}

func TestClearExplosionHandlerAuthAndRateLimits(t *testing.T) {
	var repaired []fluid.ContainerID
	handlers := NewHandlerSet(Options{
		Logger: logging.NewTestLogger(),
		Repair: RepairerFunc(func(id fluid.ContainerID) error {
			if id == 9 {
				return fmt.Errorf("%w: %d", fluid.ErrUnknownContainer, id)
			}
			repaired = append(repaired, id)
			return nil
		}),
		AdminToken:  "topsecret",
		RateLimiter: &stubLimiter{remaining: 3},
	})

	makeRequest := func(method, token, container string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(method, "/admin/clear-explosion?container="+container, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		handlers.ClearExplosionHandler().ServeHTTP(rr, req)
		return rr
	}

	if resp := makeRequest(http.MethodGet, "topsecret", "1"); resp.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.Code)
	}
	if resp := makeRequest(http.MethodPost, "", "1"); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized for missing token, got %d", resp.Code)
	}
	if resp := makeRequest(http.MethodPost, "topsecret", "4"); resp.Code != http.StatusOK {
		t.Fatalf("expected 200 for authorised request, got %d", resp.Code)
	}
	if resp := makeRequest(http.MethodPost, "topsecret", "tank"); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed id, got %d", resp.Code)
	}
	if resp := makeRequest(http.MethodPost, "topsecret", "9"); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown container, got %d", resp.Code)
	}
	if resp := makeRequest(http.MethodPost, "topsecret", "4"); resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected rate limit, got %d", resp.Code)
	}
	if len(repaired) != 1 || repaired[0] != 4 {
		t.Fatalf("unexpected repairs %v", repaired)
	}
}

func TestClearExplosionHandlerDisabledWithoutToken(t *testing.T) {
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger()})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/admin/clear-explosion?container=1", nil)
	req.Header.Set("Authorization", "Bearer anything")
	handlers.ClearExplosionHandler().ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}
