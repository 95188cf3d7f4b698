package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"fluidnet/sim/internal/config"
	"fluidnet/sim/internal/diagnostics"
	"fluidnet/sim/internal/feed"
	"fluidnet/sim/internal/fluid"
	httpapi "fluidnet/sim/internal/http"
	"fluidnet/sim/internal/logging"
	"fluidnet/sim/internal/replay"
	"fluidnet/sim/internal/scenario"
	"fluidnet/sim/internal/simulation"
	"fluidnet/sim/internal/store"
)

const (
	shutdownTimeout      = 10 * time.Second
	retentionInterval    = time.Hour
	feedTokenLeeway      = 30 * time.Second
	adminRateLimitWindow = time.Minute
	adminRateLimit       = 10
)

// readiness reports process uptime and any failure that happened after startup began.
type readiness struct {
	started time.Time

	mu  sync.RWMutex
	err error
}

func (r *readiness) StartupError() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.err
}

// fail records the first failure; readiness checks report it from then on.
func (r *readiness) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == nil {
		r.err = err
	}
}

func (r *readiness) Uptime() time.Duration { return time.Since(r.started) }

func main() {
	if err := config.LoadDotEnv(".env", ".env.local"); err != nil {
		fmt.Fprintf(os.Stderr, "load env files: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configure logging: %v\n", err)
		os.Exit(1)
	}
	logging.ReplaceGlobals(logger)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("simulator stopped", logging.Error(err))
	}
	logger.Info("simulator stopped")
}

// run wires every component around one engine and blocks until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	ready := &readiness{started: time.Now()}

	//1.- Durable state is optional; an existing snapshot wins over the scenario file.
	var st *store.Store
	if cfg.StatePath != "" {
		opened, err := store.Open(ctx, cfg.StatePath)
		if err != nil {
			return fmt.Errorf("open state store: %w", err)
		}
		st = opened
		defer st.Close()
	}
	engine, err := buildEngine(ctx, cfg, st, logger)
	if err != nil {
		return err
	}

	loopStep := time.Duration(float64(time.Second) / cfg.TickHz)
	runner := simulation.NewRunner(engine, simulation.NewTickMonitor(loopStep), logger)
	events := diagnostics.NewEventBus()
	runner.AddSink(events)

	var persister *store.Persister
	if st != nil {
		persister = store.NewPersister(st, cfg.StateEveryTicks(), cfg.StateRetain, logger)
		runner.AddSink(persister)
	}

	//2.- Replay bundles go under their own directory with retention sweeping old runs.
	var recorder *replay.Recorder
	var cleaner *replay.Cleaner
	if cfg.ReplayDir != "" {
		writer, manifest, err := replay.NewWriter(cfg.ReplayDir, "fluidsim", cfg.ReplayFrameTicks, time.Now)
		if err != nil {
			logger.Error("replay disabled", logging.Error(err))
		} else {
			recorder = replay.NewRecorder(writer, manifest.FrameTicks, logger)
			runner.AddSink(recorder)
			cleaner = replay.NewCleaner(cfg.ReplayDir, replay.RetentionPolicy{MaxBundles: cfg.ReplayMaxBundles, MaxAge: cfg.ReplayMaxAge}, logger)
			cleaner.Protect(writer.Directory())
			go cleaner.Run(ctx, retentionInterval)
		}
	}

	//3.- Viewers get events and periodic metrics over the WebSocket feed.
	hubOpts := feed.Options{AllowedOrigins: cfg.AllowedOrigins, Logger: logger}
	if cfg.FeedSecret != "" {
		auth, err := feed.NewTokenAuth(cfg.FeedSecret, feedTokenLeeway)
		if err != nil {
			return fmt.Errorf("feed auth: %w", err)
		}
		hubOpts.Auth = auth
	}
	hub := feed.NewHub(hubOpts)
	runner.AddSink(feed.NewPublisher(hub, cfg.FeedIntervalTicks, logger))

	handlerOpts := httpapi.Options{
		Logger:    logger,
		Readiness: ready,
		Ticks:     runner.Monitor().Snapshot,
		Feed:      hub.Stats,
		Repair: httpapi.RepairerFunc(func(id fluid.ContainerID) error {
			return runner.Mutate(func(e *fluid.Engine) error { return e.ClearExplosion(id) })
		}),
		AdminToken:  cfg.AdminToken,
		RateLimiter: httpapi.NewWindowLimiter(adminRateLimitWindow, adminRateLimit, nil),
	}
	if recorder != nil {
		handlerOpts.Replay = recorder.Stats
		handlerOpts.Storage = cleaner.Stats
	}
	if persister != nil {
		handlerOpts.Persistence = persister.Stats
	}
	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	httpapi.NewHandlerSet(handlerOpts).Register(mux)
	httpServer := &http.Server{
		Addr:              cfg.FeedAddr,
		Handler:           logging.HTTPMiddleware(logger)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	//4.- Diagnostics run on their own gRPC listener.
	serverOpts, err := configureDiagnosticsSecurity(cfg, logger)
	if err != nil {
		return fmt.Errorf("diagnostics security: %w", err)
	}
	listener, err := net.Listen("tcp", cfg.DiagAddr)
	if err != nil {
		return fmt.Errorf("listen diagnostics: %w", err)
	}
	grpcServer := grpc.NewServer(serverOpts...)
	service := diagnostics.NewService(runner, events, logger)
	service.Register(grpcServer)

	serveErr := make(chan error, 2)
	go func() {
		logger.Info("feed listening", logging.String("url", listenerURL("ws", cfg.FeedAddr, "/ws", false)))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("feed server: %w", err)
		}
	}()
	go func() {
		logger.Info("diagnostics listening", logging.String("target", dialTarget(cfg.DiagAddr)), logging.Bool("tls", cfg.DiagCertPath != ""))
		if err := grpcServer.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			serveErr <- fmt.Errorf("diagnostics server: %w", err)
		}
	}()

	logger.Info("simulation starting",
		logging.Float64("tick_hz", cfg.TickHz),
		logging.Uint64("tick", engine.TickCount()),
		logging.Int("containers", len(engine.Containers())),
		logging.Int("pipes", len(engine.Pipes())),
	)
	loop := simulation.NewLoop(cfg.TickHz, simulation.DefaultMaxCatchUp, func(step time.Duration) { runner.Step(step) })
	loop.Start(ctx)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
		ready.fail(runErr)
	}

	//5.- Stop producing ticks before tearing down the consumers.
	loop.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("feed shutdown", logging.Error(err))
	}
	hub.Close()
	service.Shutdown()
	grpcServer.GracefulStop()
	if persister != nil {
		if err := persister.Close(); err != nil {
			logger.Warn("final snapshot failed", logging.Error(err))
		}
	}
	if recorder != nil {
		if err := recorder.Close(replay.ParametersOf(runner.Snapshot(), loop.StepDuration())); err != nil {
			logger.Warn("replay close failed", logging.Error(err))
		}
	}
	return runErr
}

// buildEngine restores the latest stored snapshot when one exists, otherwise it builds
// a fresh engine and applies the configured scenario.
func buildEngine(ctx context.Context, cfg *config.Config, st *store.Store, logger *logging.Logger) (*fluid.Engine, error) {
	opts := fluid.Options{
		Gamma:             cfg.Gamma,
		FlowCoefficient:   cfg.FlowCoefficient,
		CreationThreshold: cfg.CreationThreshold,
		Workers:           cfg.Workers,
		Logger:            logger,
	}
	if st != nil {
		snap, record, err := st.Latest(ctx)
		switch {
		case err == nil:
			engine, err := fluid.Restore(snap, opts)
			if err != nil {
				return nil, fmt.Errorf("restore snapshot %d: %w", record.ID, err)
			}
			logger.Info("restored snapshot", logging.Uint64("tick", record.Tick), logging.String("saved_at", record.SavedAt.Format(time.RFC3339)))
			return engine, nil
		case !errors.Is(err, store.ErrNoSnapshot):
			return nil, fmt.Errorf("load snapshot: %w", err)
		}
	}

	engine, err := fluid.NewEngine(opts)
	if err != nil {
		return nil, err
	}
	if cfg.ScenarioPath == "" {
		logger.Warn("no scenario configured; starting with an empty network")
		return engine, nil
	}
	sc, err := scenario.Load(cfg.ScenarioPath)
	if err != nil {
		return nil, err
	}
	if _, err := sc.Apply(engine); err != nil {
		return nil, fmt.Errorf("apply scenario %s: %w", cfg.ScenarioPath, err)
	}
	logger.Info("scenario loaded", logging.String("scenario", sc.Name), logging.String("path", cfg.ScenarioPath))
	return engine, nil
}
