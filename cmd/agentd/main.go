// Command agentd wires one agent process: configuration, checkpoint
// store, blob store, sandbox runner, tool registry, discovery registry,
// and the agent component itself. The broker client and LLM adapter are
// external collaborators; this entrypoint expects them injected through
// build-specific constructors (see newBrokerClient / newLLMAdapter below).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"goa.design/clue/log"

	"github.com/solacelabs/sam-core/agent"
	"github.com/solacelabs/sam-core/blobstore"
	"github.com/solacelabs/sam-core/broker"
	"github.com/solacelabs/sam-core/checkpoint"
	"github.com/solacelabs/sam-core/config"
	"github.com/solacelabs/sam-core/internal/telemetry"
	"github.com/solacelabs/sam-core/registry"
	"github.com/solacelabs/sam-core/sandbox"
	"github.com/solacelabs/sam-core/toolruntime"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	ctx := log.Context(context.Background(), log.WithFormat(log.FormatJSON))

	cfg, err := config.Load(".env")
	if err != nil {
		return err
	}

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.AgentName, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Error(ctx, err)
		}
	}()

	logger := telemetry.NewClueLogger()
	tracer := telemetry.NewClueTracer()
	metrics := telemetry.NewPromMetrics(nil)

	store, err := checkpoint.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	defer store.Close()
	if err := checkpoint.Migrate(migrateDSN(cfg.DatabaseURL)); err != nil {
		return fmt.Errorf("run checkpoint migrations: %w", err)
	}

	blobs, err := blobstore.Open(ctx, blobstore.BackendConfig{
		Type:           string(cfg.ObjectStorageType),
		Bucket:         cfg.ObjectStorageBucket,
		FilesystemRoot: cfg.FilesystemRoot,
	})
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	sbxCfg := sandbox.DefaultConfig(cfg.SandboxBaseDir, cfg.SandboxToolsDir)
	sbxCfg.MaxConcurrentExecutions = int64(cfg.MaxConcurrentExecutions)
	runner := sandbox.New(sbxCfg, logger)

	reg := registry.New(registry.Config{
		TTL:           time.Duration(cfg.DiscoveryTTLSeconds) * time.Second,
		SweepInterval: time.Duration(cfg.DiscoveryIntervalSeconds) * time.Second,
	}, logger)

	tools := toolruntime.NewRegistry()

	client, err := newBrokerClient(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	defer client.Close()

	llm, err := newLLMAdapter(ctx, cfg)
	if err != nil {
		return fmt.Errorf("construct llm adapter: %w", err)
	}

	a := agent.New(agent.Config{
		Name:                cfg.AgentName,
		Namespace:           cfg.Namespace,
		AppName:             cfg.AgentName,
		HeartbeatInterval:   cfg.HeartbeatInterval(),
		WorkerPoolSize:      cfg.WorkerPoolSize,
		BatchThresholdBytes: cfg.StreamBatchThresholdBytes,
		TrackTokenUsage:     cfg.TrackTokenUsage,
	}, agent.Options{
		Broker:   client,
		Store:    store,
		Tools:    tools,
		Sandbox:  runner,
		Blobs:    blobstore.NewArtifactStore(blobs),
		Registry: reg,
		LLM:      llm,
		Logger:   logger,
		Tracer:   tracer,
		Metrics:  metrics,
	})

	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("start agent: %w", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Infof(ctx, "shutting down")
	a.Stop(ctx)
	return nil
}

// migrateDSN rewrites a postgres:// DATABASE_URL to the pgx5:// scheme
// golang-migrate's driver registers.
func migrateDSN(dsn string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + strings.TrimPrefix(dsn, prefix)
		}
	}
	return dsn
}

// newBrokerClient constructs the deployment's broker client. The concrete
// pub/sub transport is out of scope for the core engine; deployments link
// their own implementation of broker.Client here.
func newBrokerClient(_ context.Context, _ *config.Config) (broker.Client, error) {
	return nil, fmt.Errorf("no broker client linked into this build")
}

// newLLMAdapter constructs the deployment's model adapter. Only the event
// stream shape matters to the engine; deployments link their provider
// adapter here.
func newLLMAdapter(_ context.Context, _ *config.Config) (agent.LLM, error) {
	return nil, fmt.Errorf("no llm adapter linked into this build")
}
