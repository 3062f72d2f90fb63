package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maxpert/batchapply/admin"
	"github.com/maxpert/batchapply/applier"
	"github.com/maxpert/batchapply/batch"
	"github.com/maxpert/batchapply/cfg"
	"github.com/maxpert/batchapply/lifecycle"
	"github.com/maxpert/batchapply/partition"
	"github.com/maxpert/batchapply/pipeline"
	"github.com/maxpert/batchapply/position"
	"github.com/maxpert/batchapply/publisher"
	_ "github.com/maxpert/batchapply/publisher/sink"
	"github.com/maxpert/batchapply/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	inputStore   = "input"
	applierStage = "applier"

	metricsInterval = 5 * time.Second
)

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

	setupLogging()

	log.Info().Str("service", cfg.Config.Service).Msg("batchapply - batch load applier")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("batchapply stopped with an error")
	}
}

func setupLogging() {
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Str("service", cfg.Config.Service).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stage, err := buildApplier()
	if err != nil {
		return err
	}

	p, err := pipeline.NewBuilder().
		AddStore(inputStore, cfg.Config.Pipeline.QueueCapacity).
		AddStage(applierStage, inputStore, "", stage).
		Build()
	if err != nil {
		stage.Release(context.Background())
		return fmt.Errorf("build pipeline: %w", err)
	}

	var pub *publisher.CommitPublisher
	if len(cfg.Config.Publisher.Sinks) > 0 {
		pub, err = publisher.NewCommitPublisher(cfg.Config.Service, cfg.Config.Publisher.Sinks)
		if err != nil {
			stage.Release(context.Background())
			return err
		}
		p.CommitStore().AddListener(pub)
		if err := pub.Start(); err != nil {
			return err
		}
		defer pub.Stop()
	}

	if err := p.Start(ctx); err != nil {
		return err
	}

	collector := telemetry.NewMetricsCollector(p, metricsInterval)
	collector.Start()
	defer collector.Stop()

	watchTimeout := time.Duration(cfg.Config.Pipeline.WatchTimeoutMS) * time.Millisecond
	if cfg.Config.Admin.Enabled {
		var sinks admin.SinkReporter
		if pub != nil {
			sinks = pub
		}
		srv, err := admin.NewServer(cfg.Config.Admin.Address, cfg.Config.Admin.Port,
			admin.NewAdminHandlers(p, sinks, watchTimeout))
		if err != nil {
			shutdownPipeline(p)
			return err
		}
		srv.Start()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				log.Warn().Err(err).Msg("Admin server shutdown failed")
			}
		}()
	}

	log.Info().
		Str("staging_dir", cfg.Config.Batch.StagingDir).
		Str("loader", cfg.Config.Loader.Type).
		Str("partition", cfg.Config.Partition.Strategy).
		Msg("batchapply started")

	replayDone := make(chan error, 1)
	if *cfg.ReplayFlag != "" {
		go func() {
			replayDone <- replayAndWait(ctx, *cfg.ReplayFlag, p)
		}()
	}

	var replayErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Signal received, shutting down")
	case <-p.Done():
	case replayErr = <-replayDone:
		if replayErr == nil {
			log.Info().Msg("Replay committed, shutting down")
		}
	}

	err = shutdownPipeline(p)
	return errors.Join(replayErr, err)
}

// shutdownPipeline drains gracefully for the configured budget, then cancels
func shutdownPipeline(p *pipeline.Pipeline) error {
	timeout := time.Duration(cfg.Config.Pipeline.ShutdownTimeoutMS) * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := p.Shutdown(ctx, false)
	if errors.Is(err, pipeline.ErrNotRunning) {
		return nil
	}
	return err
}

func buildApplier() (*applier.Applier, error) {
	partCfg, err := partition.FromConfiguration(cfg.Config.Partition)
	if err != nil {
		return nil, err
	}
	part, err := partition.New(partCfg)
	if err != nil {
		return nil, err
	}

	filter, err := applier.NewTableFilter(cfg.Config.Filter.Tables, cfg.Config.Filter.Schemas)
	if err != nil {
		return nil, err
	}

	loader, err := lifecycle.NewLoader(lifecycle.LoaderConfig{
		LoaderConfiguration: cfg.Config.Loader,
		Service:             cfg.Config.Service,
		StagingDir:          cfg.Config.Batch.StagingDir,
	})
	if err != nil {
		return nil, err
	}

	writer, err := batch.NewWriter(batch.FromConfiguration(cfg.Config.Batch))
	if err != nil {
		return nil, err
	}

	var pos *position.Store
	if cfg.Config.Position.Enabled {
		pos, err = position.Open(cfg.Config.Position.Dir)
		if err != nil {
			writer.Close()
			return nil, err
		}
	}

	a, err := applier.New(applier.Config{
		Service:     cfg.Config.Service,
		Partitioner: part,
		Granularity: partCfg.Granularity,
		Writer:      writer,
		Controller:  lifecycle.NewController(applierStage, loader),
		Filter:      filter,
		Position:    pos,
	})
	if err != nil {
		writer.Close()
		if pos != nil {
			pos.Close()
		}
		return nil, err
	}
	return a, nil
}
