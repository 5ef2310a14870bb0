package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiliton/mongo/cfg"
	"github.com/kiliton/mongo/cursor"
	"github.com/kiliton/mongo/hlc"
	"github.com/kiliton/mongo/id"
	"github.com/kiliton/mongo/notify"
	"github.com/kiliton/mongo/oplog"
	"github.com/kiliton/mongo/pipeline"
	"github.com/kiliton/mongo/server"
	"github.com/kiliton/mongo/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const pipelineCacheSize = 256

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Mongod - Document Change Streams")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	clock := hlc.NewClock(cfg.Config.NodeID)
	hub := notify.NewHub()

	log.Info().Msg("Opening change event log")
	eventLog, err := openOplog(clock, hub)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open change event log")
		return
	}
	defer eventLog.Close()

	compiler, err := pipeline.NewCompiler(pipelineCacheSize)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create pipeline compiler")
		return
	}

	gen := id.NewHLCGenerator(clock)
	manager := cursor.NewManager(eventLog, hub, compiler, gen)

	capture, err := server.NewCaptureFilter(cfg.Config.Oplog.CaptureExclude)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid capture exclude patterns")
		return
	}

	collector := telemetry.NewMetricsCollector(manager, hub, 10*time.Second)
	collector.Start()
	defer collector.Stop()

	handlers := server.NewHandlers(eventLog, manager, capture, gen, cfg.Config.ChangeStream)
	httpServer := server.NewServer(
		cfg.Config.HTTP.BindAddress,
		cfg.Config.HTTP.Port,
		handlers,
		telemetry.GetMetricsHandler(),
	)
	httpServer.Start()

	log.Info().Msg("Mongod started successfully")
	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Int("http_port", cfg.Config.HTTP.Port).
		Str("data_dir", cfg.Config.DataDir).
		Msg("Node is operational")

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Stop(ctx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown failed")
	}
}

// openOplog builds the configured log backend and wires the wake hub into
// its append path.
func openOplog(clock *hlc.Clock, hub *notify.Hub) (oplog.Log, error) {
	if cfg.Config.Oplog.InMemory {
		log.Info().Int("retention_events", cfg.Config.Oplog.RetentionEvents).Msg("Using in-memory change event log")
		ml := oplog.NewMemoryLog(clock, cfg.Config.Oplog.RetentionEvents)
		ml.SetNotifier(hub)
		return ml, nil
	}

	pl, err := oplog.NewPebbleLog(cfg.Config.DataDir, clock, oplog.PebbleOptions{
		CompressionLevel:     cfg.Config.Oplog.CompressionLevel,
		CompressionThreshold: cfg.Config.Oplog.CompressionThreshold,
		RetentionLowWater:    cfg.Config.Oplog.RetentionLowWater,
	})
	if err != nil {
		return nil, err
	}
	pl.SetNotifier(hub)
	log.Info().Str("data_dir", cfg.Config.DataDir).Msg("Using persistent change event log")
	return pl, nil
}
