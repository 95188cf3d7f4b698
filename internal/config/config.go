package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	// DefaultTickHz is the simulation frequency targeted by the fixed-step loop.
	DefaultTickHz = 20.0
	// DefaultGamma is the global saturation exponent used past a type's critical pressure.
	DefaultGamma = 65536.0
	// DefaultFlowCoefficient scales the pressure-gradient flow law.
	DefaultFlowCoefficient = 1.0
	// DefaultCreationThreshold is the smallest transfer allowed to open a new mass slot.
	DefaultCreationThreshold = 1e-3
	// DefaultWorkers bounds stage parallelism. Zero selects GOMAXPROCS.
	DefaultWorkers = 0

	// DefaultLogLevel controls verbosity for simulator logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "fluidsim.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true

	// DefaultStateInterval controls how frequently snapshots are persisted.
	DefaultStateInterval = 30 * time.Second
	// DefaultStateRetain bounds how many snapshots the store keeps.
	DefaultStateRetain = 20
	// DefaultReplayFrameTicks controls how many ticks pass between replay frames.
	DefaultReplayFrameTicks = 10
	// DefaultReplayMaxBundles limits how many replay bundles retention keeps.
	DefaultReplayMaxBundles = 10
	// DefaultReplayMaxAge discards replay bundles older than this.
	DefaultReplayMaxAge = 72 * time.Hour

	// DefaultFeedAddr is where the WebSocket metrics feed listens.
	DefaultFeedAddr = ":43130"
	// DefaultFeedIntervalTicks controls how often metrics are broadcast.
	DefaultFeedIntervalTicks = 40
	// DefaultDiagAddr is where the gRPC diagnostics service listens.
	DefaultDiagAddr = ":43131"
)

// Config captures all runtime tunables for the fluid simulator.
type Config struct {
	TickHz            float64
	Gamma             float64
	FlowCoefficient   float64
	CreationThreshold float64
	Workers           int
	ScenarioPath      string
	Logging           LoggingConfig
	StatePath         string
	StateInterval     time.Duration
	StateRetain       int
	ReplayDir         string
	ReplayFrameTicks  int
	ReplayMaxBundles  int
	ReplayMaxAge      time.Duration
	FeedAddr          string
	FeedIntervalTicks int
	AllowedOrigins    []string
	FeedSecret        string
	AdminToken        string
	DiagAddr          string
	DiagSecret        string
	DiagCertPath      string
	DiagKeyPath       string
	DiagClientCAPath  string
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// LoadDotEnv merges KEY=VALUE pairs from the given files into the process environment.
// Missing files are skipped; variables already set win over file values.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		if strings.TrimSpace(path) == "" {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// Load reads the simulator configuration from environment variables, applying defaults
// and returning one descriptive error for every invalid override.
func Load() (*Config, error) {
	cfg := &Config{
		TickHz:            DefaultTickHz,
		Gamma:             DefaultGamma,
		FlowCoefficient:   DefaultFlowCoefficient,
		CreationThreshold: DefaultCreationThreshold,
		Workers:           DefaultWorkers,
		ScenarioPath:      strings.TrimSpace(os.Getenv("FLUID_SCENARIO_PATH")),
		Logging: LoggingConfig{
			Level:      getString("FLUID_LOG_LEVEL", DefaultLogLevel),
			Path:       getString("FLUID_LOG_PATH", DefaultLogPath),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
		StatePath:         strings.TrimSpace(os.Getenv("FLUID_STATE_PATH")),
		StateInterval:     DefaultStateInterval,
		StateRetain:       DefaultStateRetain,
		ReplayDir:         strings.TrimSpace(os.Getenv("FLUID_REPLAY_DIR")),
		ReplayFrameTicks:  DefaultReplayFrameTicks,
		ReplayMaxBundles:  DefaultReplayMaxBundles,
		ReplayMaxAge:      DefaultReplayMaxAge,
		FeedAddr:          getString("FLUID_FEED_ADDR", DefaultFeedAddr),
		FeedIntervalTicks: DefaultFeedIntervalTicks,
		AllowedOrigins:    parseList(os.Getenv("FLUID_ALLOWED_ORIGINS")),
		FeedSecret:        strings.TrimSpace(os.Getenv("FLUID_FEED_SECRET")),
		AdminToken:        strings.TrimSpace(os.Getenv("FLUID_ADMIN_TOKEN")),
		DiagAddr:          getString("FLUID_DIAG_ADDR", DefaultDiagAddr),
		DiagSecret:        strings.TrimSpace(os.Getenv("FLUID_DIAG_SECRET")),
		DiagCertPath:      strings.TrimSpace(os.Getenv("FLUID_DIAG_TLS_CERT")),
		DiagKeyPath:       strings.TrimSpace(os.Getenv("FLUID_DIAG_TLS_KEY")),
		DiagClientCAPath:  strings.TrimSpace(os.Getenv("FLUID_DIAG_CLIENT_CA")),
	}

	var problems []string

	positiveFloat := func(key string, dst *float64) {
		raw := strings.TrimSpace(os.Getenv(key))
		if raw == "" {
			return
		}
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil || !(value > 0) || math.IsInf(value, 0) {
			problems = append(problems, fmt.Sprintf("%s must be a positive number, got %q", key, raw))
			return
		}
		*dst = value
	}
	positiveInt := func(key string, dst *int, allowZero bool) {
		raw := strings.TrimSpace(os.Getenv(key))
		if raw == "" {
			return
		}
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 || (value == 0 && !allowZero) {
			kind := "a positive integer"
			if allowZero {
				kind = "a non-negative integer"
			}
			problems = append(problems, fmt.Sprintf("%s must be %s, got %q", key, kind, raw))
			return
		}
		*dst = value
	}

	positiveFloat("FLUID_TICK_HZ", &cfg.TickHz)
	positiveFloat("FLUID_GAMMA", &cfg.Gamma)
	positiveFloat("FLUID_FLOW_COEFFICIENT", &cfg.FlowCoefficient)
	positiveInt("FLUID_WORKERS", &cfg.Workers, true)
	positiveInt("FLUID_LOG_MAX_SIZE_MB", &cfg.Logging.MaxSizeMB, false)
	positiveInt("FLUID_LOG_MAX_BACKUPS", &cfg.Logging.MaxBackups, true)
	positiveInt("FLUID_LOG_MAX_AGE_DAYS", &cfg.Logging.MaxAgeDays, true)
	positiveInt("FLUID_STATE_RETAIN", &cfg.StateRetain, false)
	positiveInt("FLUID_REPLAY_FRAME_TICKS", &cfg.ReplayFrameTicks, false)
	positiveInt("FLUID_FEED_INTERVAL_TICKS", &cfg.FeedIntervalTicks, false)
	positiveInt("FLUID_REPLAY_MAX_BUNDLES", &cfg.ReplayMaxBundles, true)

	if raw := strings.TrimSpace(os.Getenv("FLUID_CREATION_THRESHOLD")); raw != "" {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil || value < 0 || math.IsInf(value, 0) || math.IsNaN(value) {
			problems = append(problems, fmt.Sprintf("FLUID_CREATION_THRESHOLD must be a non-negative number, got %q", raw))
		} else {
			cfg.CreationThreshold = value
		}
	}

	if cfg.Gamma < 1 {
		problems = append(problems, fmt.Sprintf("FLUID_GAMMA must be at least 1, got %v", cfg.Gamma))
	}

	if raw := strings.TrimSpace(os.Getenv("FLUID_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("FLUID_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FLUID_STATE_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("FLUID_STATE_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.StateInterval = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FLUID_REPLAY_MAX_AGE")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration < 0 {
			problems = append(problems, fmt.Sprintf("FLUID_REPLAY_MAX_AGE must be a non-negative duration, got %q", raw))
		} else {
			cfg.ReplayMaxAge = duration
		}
	}

	if (cfg.DiagCertPath == "") != (cfg.DiagKeyPath == "") {
		problems = append(problems, "FLUID_DIAG_TLS_CERT and FLUID_DIAG_TLS_KEY must be provided together")
	}
	if cfg.DiagClientCAPath != "" && cfg.DiagCertPath == "" {
		problems = append(problems, "FLUID_DIAG_CLIENT_CA requires FLUID_DIAG_TLS_CERT and FLUID_DIAG_TLS_KEY")
	}

	if len(problems) > 0 {
		return nil, errors.New(strings.Join(problems, "; "))
	}

	return cfg, nil
}

// StateEveryTicks converts the persistence interval into a tick count for the configured rate.
func (c *Config) StateEveryTicks() int {
	if c == nil || c.TickHz <= 0 || c.StateInterval <= 0 {
		return 0
	}
	ticks := int(math.Round(c.StateInterval.Seconds() * c.TickHz))
	if ticks < 1 {
		ticks = 1
	}
	return ticks
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}
