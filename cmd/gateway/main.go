// cmd/gateway/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"waternet-gateway/internal/alerting"
	"waternet-gateway/internal/anomaly"
	"waternet-gateway/internal/api"
	"waternet-gateway/internal/auth"
	"waternet-gateway/internal/config"
	"waternet-gateway/internal/data"
	"waternet-gateway/internal/feed"
	"waternet-gateway/internal/forecast"
	"waternet-gateway/internal/metrics"
	"waternet-gateway/internal/storage"
	"waternet-gateway/internal/telemetry"
	"waternet-gateway/internal/timeseries"
	"waternet-gateway/internal/valve"
	"waternet-gateway/internal/websocket"
)

func main() {
	configPath := flag.String("config", ".", "Path to the configuration file directory")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("cannot start", "error", err)
		os.Exit(1)
	}

	logger, closeLog := newLogger(cfg.Log)
	defer closeLog()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("gateway stopped with error", "error", err)
		closeLog()
		os.Exit(1)
	}
	logger.Info("gateway stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting gateway", "valves", cfg.ValveIDs(), "sensors", cfg.SensorIDs(), "topic", cfg.MQTT.Topic)

	// --- Metrics ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New()
	if err := m.Register(reg); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	// --- Persistence ---
	var state storage.StateStore = storage.NewMemoryState()
	if cfg.Persistence.Path != "" {
		bolt, err := storage.OpenBolt(cfg.Persistence.Path)
		if err != nil {
			logger.Error("state database unavailable, keeping state in memory", "path", cfg.Persistence.Path, "error", err)
		} else {
			state = bolt
		}
	}
	defer state.Close()

	// --- Core ---
	classifier, err := anomaly.NewClassifier(cfg.Thresholds)
	if err != nil {
		return err
	}
	faultLog := storage.NewFaultLog(cfg.Faults.Capacity)
	limits := classifier.Thresholds()
	hub := websocket.NewHub(
		websocket.WithFaultCapacity(faultLog.Capacity()),
		websocket.WithThresholds(limits.Critical, limits.Warning),
		websocket.WithDataWindow(cfg.Telemetry.WindowDuration),
		websocket.WithLogger(logger.With("component", "hub")),
		websocket.WithMetrics(m),
	)
	defer hub.Close()

	recorder := alerting.NewRecorder(classifier, faultLog,
		alerting.WithPublisher(hub),
		alerting.WithStore(state),
		alerting.WithLeadTime(cfg.Forecast.LeadTime),
		alerting.WithLogger(logger.With("component", "faults")),
		alerting.WithMetrics(m),
	)
	if err := recorder.Restore(); err != nil {
		logger.Warn("fault history not restored", "error", err)
	}

	mongoClient, err := timeseries.Connect(ctx, cfg.Mongo)
	if err != nil {
		return err
	}
	source := timeseries.NewMongoSource(mongoClient, cfg.Mongo.Database, cfg.Sensors, logger.With("component", "mongo"))
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = source.Close(cctx)
	}()

	sensorIDs := cfg.SensorIDs()
	windows := telemetry.NewWindowStore(source, sensorIDs, cfg.Telemetry.WindowDuration, cfg.Telemetry.MaxReadings,
		telemetry.WithQueryTimeout(cfg.Telemetry.QueryTimeout),
		telemetry.WithWindowPublisher(hub),
		telemetry.WithWindowLogger(logger.With("component", "windows")),
		telemetry.WithWindowMetrics(m),
	)
	playback := telemetry.NewPlayback(windows, sensorIDs, cfg.Telemetry.StaleThreshold, classifier,
		telemetry.WithFaultObserver(recorder),
		telemetry.WithPlaybackPublisher(hub),
		telemetry.WithCursorStore(state),
		telemetry.WithPlaybackLogger(logger.With("component", "playback")),
		telemetry.WithPlaybackMetrics(m),
	)
	if err := playback.Restore(); err != nil {
		logger.Warn("playback cursors not restored", "error", err)
	}
	windows.OnRefresh(playback.Reset)

	synchronizer, err := valve.NewSynchronizer(cfg.MQTT.Topic, cfg.Valves, cfg.MQTT.Debounce, hub,
		valve.WithLogger(logger.With("component", "valves")),
		valve.WithMetrics(m),
	)
	if err != nil {
		return err
	}
	defer synchronizer.Close()

	hub.Seed(initialSnapshot(synchronizer.States(), playback.Readouts(), recorder.History()))
	hub.OnFirstSubscriber(func() {
		if err := windows.RefreshAll(ctx); err != nil {
			logger.Warn("refresh on first subscriber incomplete", "error", err)
		}
	})

	// --- Feed ---
	subscriber := feed.NewSubscriber(cfg.MQTT, synchronizer, feed.WithLogger(logger.With("component", "mqtt")))
	if err := subscriber.Start(ctx); err != nil {
		logger.Warn("mqtt feed not connected at startup", "error", err)
	}
	defer subscriber.Stop()

	// --- HTTP ---
	authManager := auth.NewAuthManager(cfg.Auth)
	if !authManager.Enabled() {
		logger.Warn("jwt secret not set, viewer endpoints are unauthenticated")
	}
	handler := api.NewAPIHandler(api.Deps{
		Hub:     hub,
		Valves:  synchronizer,
		Faults:  recorder,
		Windows: windows,
		Auth:    authManager,
		Health: map[string]api.HealthCheck{
			"mongo": source.Ping,
			"mqtt": func(context.Context) error {
				if !subscriber.Connected() {
					return errors.New("not connected")
				}
				return nil
			},
		},
		DataWindow: cfg.Telemetry.WindowDuration,
		WebDir:     cfg.Server.WebDir,
		Origins:    cfg.Server.AllowedOrigins,
		Logger:     logger.With("component", "api"),
	})

	servers := []*http.Server{{
		Addr:              fmt.Sprintf(":%d", cfg.Server.APIPort),
		Handler:           api.SetupAPIRouter(handler, reg, cfg.Server.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}}
	if cfg.Server.UIPort > 0 && cfg.Server.UIPort != cfg.Server.APIPort {
		servers = append(servers, &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.UIPort),
			Handler:           api.SetupUIRouter(handler),
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	// --- Run ---
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		windows.Run(gctx, cfg.Telemetry.RefreshInterval)
		return nil
	})
	g.Go(func() error {
		playback.Run(gctx, cfg.Telemetry.TickInterval)
		return nil
	})
	if cfg.Forecast.Enabled {
		client := forecast.NewClient(cfg.Forecast, cfg.Sensors, forecast.WithLogger(logger.With("component", "forecast")))
		poller := forecast.NewPoller(client, classifier,
			forecast.WithFaultObserver(recorder),
			forecast.WithPublisher(hub),
			forecast.WithPollerLogger(logger.With("component", "forecast")),
			forecast.WithMetrics(m),
		)
		g.Go(func() error {
			poller.Run(gctx, cfg.Forecast.PollInterval)
			return nil
		})
	}
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			logger.Info("http server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(sctx); err != nil {
				logger.Warn("server shutdown", "addr", srv.Addr, "error", err)
			}
		}
		return nil
	})

	return g.Wait()
}

// initialSnapshot seeds the hub so the first subscriber sees every
// configured instrument, restored faults included.
func initialSnapshot(valves []data.ValveState, readouts []data.SensorReadout, faults []data.FaultRecord) data.Snapshot {
	s := data.Snapshot{
		Valves:  make(map[int]data.ValveState, len(valves)),
		Sensors: make(map[string]data.SensorReadout, len(readouts)),
		Faults:  faults,
	}
	for _, v := range valves {
		s.Valves[v.ID] = v
	}
	for _, r := range readouts {
		s.Sensors[r.SensorID] = r
	}
	return s
}
