// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// cdcd watches MongoDB change streams and persists flattened records of
// every change into SQLite.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/juju/cdc/core/changefeed"
	checkpointstate "github.com/juju/cdc/domain/checkpoint/state"
	flatrecordstate "github.com/juju/cdc/domain/flatrecord/state"
	"github.com/juju/cdc/internal/changestream/mongo"
	"github.com/juju/cdc/internal/config"
	"github.com/juju/cdc/internal/database"
	internallogger "github.com/juju/cdc/internal/logger"
	"github.com/juju/cdc/internal/tracing"
	"github.com/juju/cdc/internal/transform"
	"github.com/juju/cdc/internal/worker/pipeline"
	"github.com/juju/cdc/internal/worker/pipelinemanager"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

var logger = internallogger.GetLogger("cdc.cmd.cdcd")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := Main(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type command struct {
	configPath      string
	resetCheckpoint string
	dryRun          bool
}

func (c *command) setFlags(f *gnuflag.FlagSet) {
	f.StringVar(&c.configPath, "config", "/etc/cdcd/cdcd.yaml", "path of the YAML configuration file")
	f.StringVar(&c.resetCheckpoint, "reset-checkpoint", "", "remove the checkpoint of the named feed and exit")
	f.BoolVar(&c.dryRun, "dry-run", false, "validate the configuration and open the stores without starting any feed")
}

// Main runs cdcd with the given arguments and returns its exit code.
func Main(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var cmd command
	flags := gnuflag.NewFlagSet("cdcd", gnuflag.ContinueOnError)
	flags.SetOutput(stderr)
	cmd.setFlags(flags)
	if err := flags.Parse(true, args); err != nil {
		return exitUsage
	}
	if flags.NArg() > 0 {
		fmt.Fprintf(stderr, "unexpected arguments: %v\n", flags.Args())
		return exitUsage
	}

	if err := cmd.run(ctx, stdout); err != nil {
		fmt.Fprintf(stderr, "ERROR %v\n", err)
		return exitFailure
	}
	return exitOK
}

func (c *command) run(ctx context.Context, stdout io.Writer) error {
	cfg, err := config.Read(c.configPath)
	if err != nil {
		return errors.Trace(err)
	}
	if err := internallogger.ConfigureLoggers(cfg.Logging); err != nil {
		return errors.Annotate(err, "configuring logging")
	}

	db, err := database.Open(ctx, cfg.SQLitePath(),
		database.WithLogger(internallogger.GetLogger("cdc.database")),
	)
	if err != nil {
		return errors.Annotatef(err, "opening %q", cfg.SQLitePath())
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warningf(ctx, "closing database: %v", err)
		}
	}()

	records, err := flatrecordstate.NewState(db)
	if err != nil {
		return errors.Trace(err)
	}
	checkpoints, err := checkpointstate.NewState(db, clock.WallClock)
	if err != nil {
		return errors.Trace(err)
	}

	switch {
	case c.resetCheckpoint != "":
		return resetCheckpoint(ctx, cfg, checkpoints, c.resetCheckpoint, stdout)
	case c.dryRun:
		return dryRun(ctx, cfg, records, checkpoints, stdout)
	}
	return serve(ctx, cfg, records, checkpoints)
}

func resetCheckpoint(
	ctx context.Context, cfg *config.Config, checkpoints *checkpointstate.State,
	feed string, stdout io.Writer,
) error {
	if _, err := cfg.Feed(feed); err != nil {
		return errors.Trace(err)
	}
	token, err := checkpoints.Load(ctx, feed)
	if err != nil {
		return errors.Trace(err)
	}
	if err := checkpoints.Reset(ctx, feed); err != nil {
		return errors.Trace(err)
	}
	logger.Warningf(ctx, "removed checkpoint %q of feed %q", token, feed)
	fmt.Fprintf(stdout, "removed checkpoint %s of feed %s\n", token, feed)
	return nil
}

func dryRun(
	ctx context.Context, cfg *config.Config, records *flatrecordstate.State,
	checkpoints *checkpointstate.State, stdout io.Writer,
) error {
	stored := make(map[string]changefeed.ResumeToken)
	list, err := checkpoints.List(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	for _, cp := range list {
		stored[cp.Feed] = cp.ResumeToken
	}

	for _, f := range cfg.Feeds {
		tcfg, err := cfg.TransformConfig(f)
		if err != nil {
			return errors.Trace(err)
		}
		if _, err := transform.New(tcfg); err != nil {
			return errors.Annotatef(err, "feed %q", f.Name)
		}
		count, err := records.Count(ctx, f.Name)
		if err != nil {
			return errors.Trace(err)
		}

		from := string(stored[f.Name])
		if from == "" {
			from = "start-from " + f.StartFrom
		}
		fmt.Fprintf(stdout, "feed %s: %s.%s, %d records, resume %s\n",
			f.Name, f.Database, f.Collection, count, from)
	}
	return nil
}

func serve(
	ctx context.Context, cfg *config.Config, records *flatrecordstate.State,
	checkpoints *checkpointstate.State,
) error {
	session, err := mongo.Dial(cfg.Mongo.URL, cfg.Mongo.DialTimeout)
	if err != nil {
		return errors.Trace(err)
	}
	defer session.Close()

	collections := make(map[string]mongo.Collection, len(cfg.Feeds))
	for _, f := range cfg.Feeds {
		kinds, err := f.OperationKinds()
		if err != nil {
			return errors.Trace(err)
		}
		collections[f.Name] = mongo.Collection{
			Database:   f.Database,
			Collection: f.Collection,
			Kinds:      kinds,
		}
	}
	source, err := mongo.NewSource(mongo.Config{
		Watcher:   mongo.SessionWatcher{Session: session},
		Feeds:     collections,
		MaxAwait:  cfg.Mongo.MaxAwait,
		BatchSize: cfg.Mongo.BatchSize,
		Clock:     clock.WallClock,
		Logger:    internallogger.GetLogger("cdc.changestream.mongo"),
	})
	if err != nil {
		return errors.Trace(err)
	}

	metrics := pipeline.NewMetricsCollector()
	hub := pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{
		Logger: loggo.GetLogger("cdc.pubsub"),
	})
	unsubscribe := hub.Subscribe(pipeline.StateTopic, func(_ string, data any) {
		change, ok := data.(pipeline.StateChange)
		if ok && change.To == pipeline.Faulted {
			logger.Criticalf(ctx, "feed %q faulted, reset its checkpoint with -reset-checkpoint to continue: %s",
				change.Feed, change.Reason)
		}
	})
	defer unsubscribe()

	pipelineLogger := internallogger.GetLogger("cdc.worker.pipeline")
	managerCfg := pipelinemanager.Config{
		NewRunner: pipelinemanager.NewPipelineRunner,
		Logger:    internallogger.GetLogger("cdc.worker.pipelinemanager"),
	}
	for _, f := range cfg.Feeds {
		tcfg, err := cfg.TransformConfig(f)
		if err != nil {
			return errors.Trace(err)
		}
		transformer, err := transform.New(tcfg)
		if err != nil {
			return errors.Annotatef(err, "feed %q", f.Name)
		}
		managerCfg.Pipelines = append(managerCfg.Pipelines, pipeline.Config{
			Feed:            f.Name,
			Source:          source,
			Sink:            records,
			Checkpoints:     checkpoints,
			Transformer:     transformer,
			StartFrom:       f.StartToken(),
			OpTimeout:       cfg.Pipeline.OpTimeout,
			MinBackoff:      cfg.Pipeline.MinBackoff,
			MaxBackoff:      cfg.Pipeline.MaxBackoff,
			DrainTimeout:    cfg.Pipeline.DrainTimeout,
			StartupAttempts: cfg.Pipeline.StartupAttempts,
			Clock:           clock.WallClock,
			Logger:          pipelineLogger.Child(f.Name),
			Hub:             hub,
			Metrics:         metrics,
		})
	}

	if cfg.Tracing.Enabled() {
		provider, err := tracing.NewProvider(ctx, tracing.Config{
			Endpoint:    cfg.Tracing.Endpoint,
			Insecure:    cfg.Tracing.Insecure,
			SampleRatio: cfg.Tracing.SampleRatio,
			InstanceID:  hostname(),
		})
		if err != nil {
			return errors.Trace(err)
		}
		otel.SetTracerProvider(provider)
		defer func() {
			if err := provider.Close(5 * time.Second); err != nil {
				logger.Warningf(ctx, "closing tracer provider: %v", err)
			}
		}()
	}

	manager, err := pipelinemanager.NewWorker(managerCfg)
	if err != nil {
		return errors.Trace(err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		manager.Kill()
		return nil
	})
	g.Go(func() error {
		err := manager.Wait()
		if err == nil {
			err = errStopped
		}
		return err
	})
	if cfg.MetricsAddress != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(metrics)
		server := newMetricsServer(cfg.MetricsAddress, registry)
		g.Go(func() error {
			logger.Infof(ctx, "serving metrics on %s", cfg.MetricsAddress)
			if err := server.ListenAndServe(); err != http.ErrServerClosed {
				return errors.Annotate(err, "serving metrics")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return errors.Trace(server.Shutdown(shutdownCtx))
		})
	}

	err = g.Wait()
	if errors.Is(err, errStopped) {
		logger.Infof(context.Background(), "stopped")
		return nil
	}
	return errors.Trace(err)
}

// errStopped ends the serving group once every pipeline stopped cleanly.
const errStopped = errors.ConstError("pipelines stopped")

func newMetricsServer(addr string, registry *prometheus.Registry) *http.Server {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}
