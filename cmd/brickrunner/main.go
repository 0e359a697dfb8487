// Command brickrunner executes one brick instance of a flow.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	natsconn "github.com/wehubfusion/brickrunner/internal/nats"
	"github.com/wehubfusion/brickrunner/internal/reporting"
	"github.com/wehubfusion/brickrunner/internal/tracing"
	"github.com/wehubfusion/brickrunner/pkg/bricks"
	"github.com/wehubfusion/brickrunner/pkg/concurrency"
	"github.com/wehubfusion/brickrunner/pkg/config"
	"github.com/wehubfusion/brickrunner/pkg/definition"
	"github.com/wehubfusion/brickrunner/pkg/gridmanager"
	"github.com/wehubfusion/brickrunner/pkg/metrics"
	"github.com/wehubfusion/brickrunner/pkg/runner"
	"github.com/wehubfusion/brickrunner/pkg/state"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "brickrunner: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("brickrunner", pflag.ContinueOnError)
	definitionPath := flags.StringP("definition", "d", "", "brick instance definition file (YAML or JSON)")
	runnerID := flags.String("runner-id", "", "id announced to the grid manager (random when empty)")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *definitionPath == "" {
		return errors.New("--definition is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	undo := concurrency.InitializeForKubernetes(logger)
	defer undo()

	inst, err := definition.Load(*definitionPath)
	if err != nil {
		return err
	}
	id := *runnerID
	if id == "" {
		id = uuid.NewString()
	}
	logger = logger.With(zap.String("runnerId", id))
	logger.Info("Starting brick runner",
		zap.String("brick", inst.Brick.Name),
		zap.String("brickId", inst.ID),
		zap.Stringer("config", cfg))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEndpoint != "" {
		tc := tracing.DefaultConfig("brickrunner", cfg.TracingEndpoint)
		tc.Environment = cfg.Environment
		tc.Attributes = map[string]string{"flow.id": inst.FlowID, "brick.id": inst.ID}
		shutdown, err := tracing.SetupTracing(ctx, tc, logger)
		if err != nil {
			logger.Warn("Failed to setup tracing, continuing without tracing", zap.Error(err))
		} else {
			defer func() { _ = tracing.ShutdownTracing(shutdown, logger) }()
		}
	}

	reporter, err := reporting.New(reporting.Options{
		DSN:         cfg.SentryDSN,
		Environment: cfg.Environment,
		ServerName:  id,
	}, logger)
	if err != nil {
		return err
	}
	defer reporter.Flush(2 * time.Second)

	transform, err := bricks.NewRegistry().New(inst.Brick.Name, inst.Parameters)
	if err != nil {
		return err
	}

	var conns []*nats.Conn
	defer func() {
		for _, c := range conns {
			_ = natsconn.Close(c)
		}
	}()
	connect := func(url string) (*nats.Conn, error) {
		c, err := natsconn.Connect(ctx, natsconn.DefaultConnectionConfig(url), logger)
		if err != nil {
			return nil, err
		}
		conns = append(conns, c)
		return c, nil
	}

	store, err := openStore(ctx, cfg, connect, logger)
	if err != nil {
		return err
	}
	sink, err := openSink(cfg, connect, logger)
	if err != nil {
		return err
	}

	grid, err := gridmanager.New(cfg.GridManagerURL, gridmanager.Options{RetryInterval: cfg.RegistrationBackoff}, logger)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r, err := runner.New(runner.Options{
		RunnerID:   id,
		Instance:   inst,
		Transform:  transform,
		Config:     cfg,
		Grid:       grid,
		State:      state.NewScoped(store, inst.FlowID, inst.ID),
		Sink:       sink,
		Registerer: reg,
		Report:     reporter.Report,
	}, logger)
	if err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           newDiagnosticsRouter(reg, r.State),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Diagnostics server failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logger.Info("Diagnostics server listening", zap.String("addr", cfg.MetricsAddr))
	}

	if err := r.Run(ctx); err != nil {
		logger.Error("Runner stopped with errors", zap.Error(err))
		return err
	}
	logger.Info("Runner stopped")
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

// openStore picks the brick state backend: NATS key/value, blob storage or
// process memory, in that order of preference.
func openStore(ctx context.Context, cfg *config.Config, connect func(string) (*nats.Conn, error), logger *zap.Logger) (state.Store, error) {
	switch {
	case cfg.NATSURL != "":
		conn, err := connect(cfg.NATSURL)
		if err != nil {
			return nil, err
		}
		kv, err := natsconn.KeyValue(ctx, conn, cfg.StateBucket)
		if err != nil {
			return nil, err
		}
		return state.NewNATSStore(kv, logger), nil
	case cfg.BlobConnection != "":
		return state.NewBlobStore(cfg.BlobConnection, cfg.BlobContainer, logger)
	default:
		logger.Warn("No state backend configured, brick state is kept in memory")
		return state.NewMemoryStore(), nil
	}
}

// openSink returns nil when metrics do not leave the process.
func openSink(cfg *config.Config, connect func(string) (*nats.Conn, error), logger *zap.Logger) (metrics.Sink, error) {
	if !cfg.MetricsEnabled() {
		logger.Info("Metric emission disabled")
		return nil, nil
	}
	switch cfg.MetricsSink {
	case config.SinkNATS:
		conn, err := connect(strings.Join(cfg.MetricsEndpoints, ","))
		if err != nil {
			return nil, err
		}
		return metrics.NewNATSSink(conn, cfg.MetricsTopic)
	default:
		return metrics.NewKafkaSink(cfg.MetricsEndpoints, cfg.MetricsTopic, logger)
	}
}
