// Package main implements the streamsink entry point: a partitioned
// event-ingestion pipeline that reads telemetry streams from JetStream,
// validates and decodes each record, upserts it into a local document
// store, and tracks progress with durable per-partition checkpoints. An
// embedded registry service maintains the agent presence table from the
// control request stream.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/streamsink/checkpoint"
	"github.com/c360/streamsink/config"
	"github.com/c360/streamsink/docstore/pebbledoc"
	"github.com/c360/streamsink/health"
	"github.com/c360/streamsink/ingest"
	"github.com/c360/streamsink/metric"
	"github.com/c360/streamsink/natsclient"
	"github.com/c360/streamsink/registry"
	"github.com/c360/streamsink/stream"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "streamsink"
)

// readyMarker is printed to stdout once all claimed partitions are
// consuming. Supervisors wait for this exact line.
const readyMarker = "PROCESSOR_READY"

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("streamsink failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cliCfg.Validate {
		logger.Info("configuration is valid")
		return nil
	}

	streamType, err := stream.ParseType(cliCfg.StreamType)
	if err != nil {
		return err
	}
	descs, err := stream.Select(streamType)
	if err != nil {
		return err
	}

	logger.Info("starting streamsink",
		"stream_type", string(streamType),
		"partitions", cfg.Consumer.Partitions,
		"group", cfg.Consumer.Group,
		"instance", cfg.Consumer.InstanceID,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := metric.NewRegistry()
	monitor := health.NewMonitor()

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open document store: %w", err)
	}
	defer func() { _ = store.Close() }()
	monitor.UpdateHealthy("store", "open")

	client, err := connectNATS(ctx, cfg, logger, metrics.Metrics, monitor)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = client.Close(closeCtx)
	}()

	pipeline := ingest.NewPipeline(client, store, descs, pipelineConfig(cfg),
		ingest.WithPipelineLogger(logger),
		ingest.WithPipelineMetrics(metrics.Metrics),
	)
	if err := pipeline.Start(ctx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}
	defer func() { _ = pipeline.Stop(cliCfg.ShutdownTimeout) }()
	monitor.UpdateHealthy("pipeline", "consuming")

	var agents *registry.Registry
	var regSvc *registry.Service
	if cfg.Registry.Enabled {
		agents, regSvc, err = startRegistry(ctx, cfg, client, logger)
		if err != nil {
			return fmt.Errorf("start registry: %w", err)
		}
		defer func() { _ = regSvc.Stop(cliCfg.ShutdownTimeout) }()
		monitor.UpdateHealthy("registry", "consuming")
	}

	httpServer := startHTTPServer(cfg, logger, metrics, monitor, agents, pipeline)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	go watchHealth(ctx, client, pipeline, monitor)

	fmt.Println(readyMarker)
	logger.Info("streamsink ready")

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		return nil
	case err := <-pipeline.Faults():
		return fmt.Errorf("partition faulted: %w", err)
	}
}

func openStore(cfg *config.Config) (*pebbledoc.Store, error) {
	fsync := pebbledoc.FsyncAlways
	if cfg.Store.Fsync == config.FsyncNever {
		fsync = pebbledoc.FsyncNever
	}
	return pebbledoc.Open(pebbledoc.Options{
		DataDir: cfg.Store.DataDir,
		Fsync:   fsync,
	})
}

func connectNATS(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	metrics *metric.Metrics,
	monitor *health.Monitor,
) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithName(cfg.NATS.Name),
		natsclient.WithLogger(&slogAdapter{logger: logger.With("component", "natsclient")}),
		natsclient.WithMetrics(metrics),
		natsclient.WithDisconnectCallback(func(err error) {
			msg := "disconnected"
			if err != nil {
				msg = err.Error()
			}
			monitor.UpdateDegraded("nats", msg)
		}),
		natsclient.WithReconnectCallback(func() {
			monitor.UpdateHealthy("nats", "reconnected")
		}),
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}

	client, err := natsclient.NewClient(cfg.NATS.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	monitor.UpdateHealthy("nats", "connected")

	return client, nil
}

func pipelineConfig(cfg *config.Config) ingest.PipelineConfig {
	var policy checkpoint.Policy = checkpoint.EveryRecord{}
	if cfg.Consumer.CheckpointMaxRecords > 0 {
		policy = checkpoint.Batched{
			MaxRecords:  cfg.Consumer.CheckpointMaxRecords,
			MaxInterval: cfg.Consumer.CheckpointMaxInterval,
		}
	}

	start := ingest.StartLatest
	if cfg.Consumer.Start == string(ingest.StartEarliest) {
		start = ingest.StartEarliest
	}

	return ingest.PipelineConfig{
		Group:            cfg.Consumer.Group,
		InstanceID:       cfg.Consumer.InstanceID,
		Partitions:       cfg.Consumer.Partitions,
		Start:            start,
		Database:         cfg.Store.Database,
		CheckpointBucket: cfg.Consumer.CheckpointBucket,
		LeaseBucket:      cfg.Consumer.LeaseBucket,
		LeaseTTL:         cfg.Consumer.LeaseTTL,
		Policy:           policy,
	}
}

// startRegistry wires the agent registry: its presence bucket, the
// control request stream consumed from the earliest retained message,
// and the response stream for acknowledgements.
func startRegistry(
	ctx context.Context,
	cfg *config.Config,
	client *natsclient.Client,
	logger *slog.Logger,
) (*registry.Registry, *registry.Service, error) {
	bucket, err := client.EnsureKeyValue(ctx, cfg.Registry.AgentBucket, 0)
	if err != nil {
		return nil, nil, err
	}
	agents := registry.New(client.NewKVStore(bucket))

	if _, err := client.EnsureStream(ctx, cfg.Registry.RequestTopic,
		[]string{cfg.Registry.RequestTopic + ".>"}); err != nil {
		return nil, nil, err
	}
	if _, err := client.EnsureStream(ctx, cfg.Registry.ResponseTopic,
		[]string{cfg.Registry.ResponseTopic + ".>"}); err != nil {
		return nil, nil, err
	}

	// Registrations are replayed from the beginning so the presence
	// table survives restarts of this instance.
	consumer, err := client.PartitionConsumer(ctx,
		cfg.Registry.RequestTopic,
		cfg.Registry.RequestTopic+".>",
		cfg.Consumer.Group+"-registry",
		natsclient.FromEarliest(),
	)
	if err != nil {
		return nil, nil, err
	}

	svc := registry.NewService(agents,
		ingest.NewJetStreamSource(consumer),
		client,
		natsclient.PartitionSubject(cfg.Registry.ResponseTopic, 0),
		registry.WithServiceLogger(logger),
		registry.WithServerID(cfg.Registry.ServerID),
	)
	if err := svc.Start(ctx); err != nil {
		return nil, nil, err
	}

	return agents, svc, nil
}

func startHTTPServer(
	cfg *config.Config,
	logger *slog.Logger,
	metrics *metric.Registry,
	monitor *health.Monitor,
	agents *registry.Registry,
	pipeline *ingest.Pipeline,
) *http.Server {
	mux := http.NewServeMux()

	mux.Handle("/metrics", metrics.Handler())

	healthHandler := health.NewHTTPHandler(monitor, func() any {
		return pipeline.Statuses()
	})
	mux.Handle("/healthz", healthHandler)
	mux.Handle("/readyz", healthHandler)
	mux.Handle("/status", healthHandler)

	if agents != nil {
		agentHandler := registry.NewHTTPHandler(agents, logger)
		mux.Handle("/agents", agentHandler)
		mux.Handle("/", agentHandler)
	}

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http server listening", "addr", cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
		}
	}()

	return server
}

// watchHealth folds partition snapshots into the health monitor.
func watchHealth(ctx context.Context, client *natsclient.Client, pipeline *ingest.Pipeline, monitor *health.Monitor) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if client.IsHealthy() {
				monitor.UpdateHealthy("nats", "connected")
			} else {
				monitor.UpdateDegraded("nats", client.Status().String())
			}

			faulted := 0
			for _, s := range pipeline.Statuses() {
				if s.Phase == ingest.PhaseFaulted {
					faulted++
				}
			}
			if faulted > 0 {
				monitor.UpdateUnhealthy("pipeline", fmt.Sprintf("%d partitions faulted", faulted))
			} else {
				monitor.UpdateHealthy("pipeline", "consuming")
			}
		}
	}
}
