package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fluidnet/sim/internal/feed"
	"fluidnet/sim/internal/fluid"
	"fluidnet/sim/internal/logging"
	"fluidnet/sim/internal/replay"
	"fluidnet/sim/internal/simulation"
	"fluidnet/sim/internal/store"
)

// ReadinessProvider exposes process state required for readiness checks.
type ReadinessProvider interface {
	StartupError() error
	Uptime() time.Duration
}

// Repairer resets an exploded container once it has been dealt with.
type Repairer interface {
	ClearExplosion(id fluid.ContainerID) error
}

// RepairerFunc adapts a function into a Repairer.
type RepairerFunc func(id fluid.ContainerID) error

// ClearExplosion implements Repairer.
func (f RepairerFunc) ClearExplosion(id fluid.ContainerID) error { return f(id) }

// RateLimiter gates how frequently sensitive operations may be invoked per caller.
type RateLimiter interface {
	Allow(key string) bool
}

// Options configures the HandlerSet. Every stats source is optional.
type Options struct {
	Logger      *logging.Logger
	Readiness   ReadinessProvider
	Ticks       func() simulation.TickMetricsSnapshot
	Feed        func() feed.Stats
	Replay      func() replay.Stats
	Storage     func() replay.StorageStats
	Persistence func() store.PersisterStats
	Repair      Repairer
	AdminToken  string
	RateLimiter RateLimiter
	TimeSource  func() time.Time
}

// HandlerSet bundles the operational HTTP handlers served next to the live feed.
type HandlerSet struct {
	opts Options
	log  *logging.Logger
	now  func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	opts.AdminToken = strings.TrimSpace(opts.AdminToken)
	return &HandlerSet{opts: opts, log: logger, now: now}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/metrics", h.MetricsHandler())
	mux.HandleFunc("/admin/clear-explosion", h.ClearExplosionHandler())
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports startup status, uptime and the last simulated tick.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		Message       string  `json:"message,omitempty"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Tick          uint64  `json:"tick"`
		Viewers       int     `json:"viewers"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.opts.Readiness != nil {
			resp.UptimeSeconds = h.opts.Readiness.Uptime().Seconds()
			if err := h.opts.Readiness.StartupError(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		if h.opts.Ticks != nil {
			resp.Tick = h.opts.Ticks().LastTick
		}
		if h.opts.Feed != nil {
			resp.Viewers = h.opts.Feed().Clients
		}
		writeJSON(w, status, resp)
	}
}

// MetricsHandler emits Prometheus compatible text metrics.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		if h.opts.Readiness != nil {
			metric(w, "fluidsim_uptime_seconds", "gauge", "Process uptime in seconds.", fmt.Sprintf("%.0f", h.opts.Readiness.Uptime().Seconds()))
		}
		if h.opts.Ticks != nil {
			ticks := h.opts.Ticks()
			metric(w, "fluidsim_tick", "counter", "Last completed simulation tick.", strconv.FormatUint(ticks.LastTick, 10))
			metric(w, "fluidsim_tick_duration_seconds_avg", "gauge", "Mean wall time of recent ticks.", seconds(ticks.Average))
			metric(w, "fluidsim_tick_duration_seconds_max", "gauge", "Slowest recent tick.", seconds(ticks.Max))
			metric(w, "fluidsim_tick_overruns", "gauge", "Recent ticks that exceeded their budget.", strconv.Itoa(ticks.Overruns))
			metric(w, "fluidsim_overload_events", "gauge", "Explosion and rupture events in the sample window.", strconv.Itoa(ticks.Events))
			metric(w, "fluidsim_pipe_anomalies", "gauge", "Pipes skipped for failed preconditions in the sample window.", strconv.Itoa(ticks.Anomalies))
		}
		if h.opts.Feed != nil {
			stats := h.opts.Feed()
			metric(w, "fluidsim_feed_viewers", "gauge", "Connected live feed viewers.", strconv.Itoa(stats.Clients))
			metric(w, "fluidsim_feed_broadcasts_total", "counter", "Frames broadcast to viewers.", strconv.FormatInt(stats.Broadcasts, 10))
			metric(w, "fluidsim_feed_dropped_total", "counter", "Frames dropped for slow viewers.", strconv.FormatInt(stats.Dropped, 10))
		}
		if h.opts.Replay != nil {
			stats := h.opts.Replay()
			metric(w, "fluidsim_replay_events_total", "counter", "Overload events written to the replay bundle.", strconv.FormatInt(stats.Events, 10))
			metric(w, "fluidsim_replay_frames_total", "counter", "Snapshot frames written to the replay bundle.", strconv.FormatInt(stats.Frames, 10))
			metric(w, "fluidsim_replay_errors_total", "counter", "Replay write failures.", strconv.FormatInt(stats.Errors, 10))
		}
		if h.opts.Storage != nil {
			stats := h.opts.Storage()
			metric(w, "fluidsim_replay_bundles", "gauge", "Replay bundles retained on disk.", strconv.Itoa(stats.Bundles))
			metric(w, "fluidsim_replay_bytes", "gauge", "Disk usage of retained replay bundles.", strconv.FormatInt(stats.Bytes, 10))
		}
		if h.opts.Persistence != nil {
			stats := h.opts.Persistence()
			metric(w, "fluidsim_snapshots_saved_total", "counter", "Snapshots saved to the state database.", strconv.FormatInt(stats.Saved, 10))
			metric(w, "fluidsim_snapshots_failed_total", "counter", "Snapshot saves that failed.", strconv.FormatInt(stats.Failed, 10))
		}
	}
}

func metric(w http.ResponseWriter, name, kind, help, value string) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
	fmt.Fprintf(w, "%s %s\n", name, value)
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 6, 64)
}

// ClearExplosionHandler authorises and applies a repair: POST /admin/clear-explosion?container=N.
func (h *HandlerSet) ClearExplosionHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Container uint32 `json:"container"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.log.With(
			logging.String("handler", "clear_explosion"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.opts.AdminToken == "" {
			reqLogger.Warn("repair denied: admin auth disabled")
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			reqLogger.Warn("repair denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.opts.RateLimiter != nil && !h.opts.RateLimiter.Allow(clientKey(r)) {
			reqLogger.Warn("repair denied: rate limit exceeded")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		if h.opts.Repair == nil {
			http.Error(w, "repairs are unavailable", http.StatusServiceUnavailable)
			return
		}
		raw := r.URL.Query().Get("container")
		id, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			http.Error(w, fmt.Sprintf("container must be a container id, got %q", raw), http.StatusBadRequest)
			return
		}
		if err := h.opts.Repair.ClearExplosion(fluid.ContainerID(id)); err != nil {
			if errors.Is(err, fluid.ErrUnknownContainer) {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			reqLogger.Error("repair failed", logging.Error(err))
			http.Error(w, "repair failed", http.StatusInternalServerError)
			return
		}
		reqLogger.Info("container repaired", logging.Uint64("container", id))
		writeJSON(w, http.StatusOK, response{Status: "repaired", Container: uint32(id)})
	}
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.opts.AdminToken)) == 1
}

func clientKey(r *http.Request) string {
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
