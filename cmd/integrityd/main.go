package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sgerhart/aegisflux/backend/integrity/internal/api"
	"github.com/sgerhart/aegisflux/backend/integrity/internal/bus"
	"github.com/sgerhart/aegisflux/backend/integrity/internal/config"
	"github.com/sgerhart/aegisflux/backend/integrity/internal/correlation"
	"github.com/sgerhart/aegisflux/backend/integrity/internal/detection"
	"github.com/sgerhart/aegisflux/backend/integrity/internal/logging"
	"github.com/sgerhart/aegisflux/backend/integrity/internal/metrics"
	"github.com/sgerhart/aegisflux/backend/integrity/internal/model"
	"github.com/sgerhart/aegisflux/backend/integrity/internal/monitor"
	"github.com/sgerhart/aegisflux/backend/integrity/internal/natsbridge"
	"github.com/sgerhart/aegisflux/backend/integrity/internal/sink"
	"github.com/sgerhart/aegisflux/backend/integrity/internal/store"
)

func main() {
	cfg, err := config.Load(os.Getenv("INTEGRITY_CONFIG_FILE"))
	if err != nil {
		logging.NewLogger("info").Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.LogLevel)
	logger.LogSystemEvent("config_loaded",
		"http_addr", cfg.HTTPAddr,
		"nats_url", cfg.NATSURL,
		"subject_id", cfg.SubjectID,
		"logs_dir", cfg.LogsDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prometheusMetrics := metrics.NewMetrics()
	configManager := config.NewManager(cfg, logger.WithComponent("config"))

	// Persistence
	fileSink, err := sink.NewFileSink(cfg.LogsDir, logger.WithComponent("file-sink"))
	if err != nil {
		logger.Error("Failed to create file sink", "error", err)
		os.Exit(1)
	}

	alertStore := store.NewMemoryStore(cfg.Store.MaxAlerts, cfg.Store.DedupeCap,
		time.Duration(cfg.Store.DedupeCooldownSeconds)*time.Second)
	if persisted, err := fileSink.LoadAlerts(); err != nil {
		logger.Warn("Failed to load persisted alerts", "error", err)
	} else {
		for _, alert := range persisted {
			alertStore.Restore(alert)
		}
		logger.Info("Alert store initialized", "restored", len(persisted), "max_alerts", cfg.Store.MaxAlerts)
	}

	durable := []sink.Sink{fileSink}

	var bridge *natsbridge.Bridge
	if cfg.NATSURL != "" {
		nc, err := natsbridge.Connect(cfg.NATSURL, logger.WithComponent("nats"))
		if err != nil {
			logger.LogSystemEvent("nats_unavailable", "error", err)
		} else {
			defer nc.Close()
			logger.LogSystemEvent("nats_connected", "url", cfg.NATSURL)

			bridge = natsbridge.New(nc, logger.WithComponent("nats-bridge"), prometheusMetrics)
			durable = append(durable, bridge)

			if err := configManager.SubscribeNATS(nc); err != nil {
				logger.Warn("Live configuration updates disabled", "error", err)
			}
		}
	}

	durableSink := sink.NewMultiSink(logger.WithComponent("sink"), prometheusMetrics, durable...)
	coreSink := sink.NewMultiSink(logger.WithComponent("sink"), prometheusMetrics, append(durable, alertStore)...)

	// Event buses
	busOpts := []bus.Option{
		bus.WithSendTimeout(cfg.Bus.SendTimeout()),
		bus.WithDropHook(prometheusMetrics.IncBusDropped),
	}
	detections := bus.New[*model.DetectionEvent]("detections", cfg.Bus.Capacity, logger.WithComponent("bus"), busOpts...)
	correlated := bus.New[*model.CorrelatedEvent]("correlated", cfg.Bus.Capacity, logger.WithComponent("bus"), busOpts...)

	// Detection
	engine := detection.NewEngine(cfg, detections, logger.WithComponent("detection"), prometheusMetrics)
	samples := detection.NewTextQueue(0)
	if err := registerDetectors(engine, cfg, samples); err != nil {
		logger.Error("Failed to create detectors", "error", err)
		os.Exit(1)
	}

	// Correlation
	correlator := correlation.NewEngine(cfg.Correlation, logger.WithComponent("correlation"),
		correlation.WithMetrics(prometheusMetrics))
	correlator.StartGC(time.Duration(cfg.Correlation.GCIntervalSeconds) * time.Second)
	defer correlator.StopGC()

	correlationSub, err := detections.Subscribe("correlation", bus.Block)
	if err != nil {
		logger.Error("Failed to subscribe correlation consumer", "error", err)
		os.Exit(1)
	}
	consumer := correlation.NewConsumer(correlator, correlationSub, correlated, coreSink, configManager,
		logger.WithComponent("correlation"))

	// Behavioral session monitoring
	registry := monitor.NewRegistry(
		func(string) monitor.BehavioralAnalyzer {
			return monitor.NewScriptAnalyzer(configManager.Current().Bam)
		},
		coreSink, configManager, logger.WithComponent("monitor"), prometheusMetrics)

	configManager.Subscribe(func(next *config.Config) {
		logger.SetLogLevel(next.LogLevel)
		engine.ApplyConfig(next)
		correlator.ApplyConfig(next)
	})

	// Detections are recorded on disk here; NATS gets them from the forwarder
	logDetections, err := detections.Subscribe("event-logger", bus.DropOnFull)
	if err != nil {
		logger.Error("Failed to subscribe event logger", "error", err)
		os.Exit(1)
	}
	logCorrelated, err := correlated.Subscribe("event-logger", bus.DropOnFull)
	if err != nil {
		logger.Error("Failed to subscribe event logger", "error", err)
		os.Exit(1)
	}
	eventLogger := sink.NewEventLogger(fileSink, logger.WithComponent("events"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error { return eventLogger.Run(gctx, logDetections, logCorrelated) })

	if bridge != nil {
		detSub, err := detections.Subscribe("nats", bus.DropOnFull)
		if err != nil {
			logger.Error("Failed to subscribe NATS forwarder", "error", err)
			os.Exit(1)
		}
		corrSub, err := correlated.Subscribe("nats", bus.DropOnFull)
		if err != nil {
			logger.Error("Failed to subscribe NATS forwarder", "error", err)
			os.Exit(1)
		}
		g.Go(func() error { return bridge.Forward(gctx, detSub, corrSub) })
	}

	engine.Start(ctx)

	if cfg.Bam.AutoStart {
		if _, err := registry.Start(cfg.SubjectID); err != nil {
			logger.Error("Failed to start session monitoring", "session_id", cfg.SubjectID, "error", err)
		}
	}

	// HTTP API
	server := api.NewServer(api.Deps{
		Sessions:    fileSink,
		Exporter:    fileSink,
		Events:      fileSink,
		Monitors:    registry,
		Scanner:     engine,
		Correlation: correlator,
		Alerts:      alertStore,
		Sink:        durableSink,
		Samples:     samples,
		Metrics:     prometheusMetrics,
	}, logger.WithComponent("api"))

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.LogSystemEvent("http_server_started", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	logger.LogSystemEvent("service_started", "modules", engine.Running())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.LogSystemEvent("shutdown_signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := registry.StopAll(shutdownCtx); err != nil {
		logger.Error("Session monitors did not stop in time", "error", err)
	}
	engine.Stop()

	// Closing the buses ends the consumers and the forwarder once drained
	detections.Close()
	correlated.Close()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Pipeline stopped with error", "error", err)
	}
	cancel()

	logger.LogSystemEvent("service_stopped")
}

func registerDetectors(engine *detection.Engine, cfg *config.Config, samples *detection.TextQueue) error {
	processes, err := detection.NewProcessDetector(cfg.Detection.Process, detection.SystemProcesses{})
	if err != nil {
		return err
	}
	files, err := detection.NewFilesystemDetector(cfg.Detection.Filesystem)
	if err != nil {
		return err
	}

	var resolver detection.Resolver
	if cfg.Detection.Network.ResolveDomains {
		resolver = net.DefaultResolver
	}

	engine.Register(processes)
	engine.Register(detection.NewNetworkDetector(cfg.Detection.Network, detection.SystemConnections{}, resolver))
	engine.Register(files)
	engine.Register(detection.NewBrowserDetector(cfg.Detection.Browser))
	engine.Register(detection.NewScreenDetector(cfg.Detection.Screen, detection.NoScreenAnalyzer{}))
	engine.Register(detection.NewOutputDetector(cfg.Detection.Output, samples))
	return nil
}
