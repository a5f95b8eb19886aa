package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	natsconn "github.com/marc45/rule-engine/internal/nats"
	"github.com/marc45/rule-engine/internal/tracing"
	"github.com/marc45/rule-engine/pkg/concurrency"
	"github.com/marc45/rule-engine/pkg/config"
	"github.com/marc45/rule-engine/pkg/natsctx"
	"github.com/marc45/rule-engine/pkg/node"
	"github.com/marc45/rule-engine/pkg/registry"
	"github.com/marc45/rule-engine/pkg/reporting"
	"github.com/marc45/rule-engine/pkg/storage"
)

const (
	envNATSURL   = "RULENODE_NATS_URL"
	envSentryDSN = "SENTRY_DSN"

	breakerThreshold = 10
	breakerReset     = 30 * time.Second
	drainTimeout     = 10 * time.Second
)

var (
	natsURL   string
	sentryDSN string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the configured nodes until interrupted",
	RunE:  runNodes,
}

func init() {
	runCmd.Flags().StringVar(&natsURL, "nats-url", "", "NATS server URL (env "+envNATSURL+")")
	runCmd.Flags().StringVar(&sentryDSN, "sentry-dsn", "", "Sentry DSN (env "+envSentryDSN+")")
}

func runNodes(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	f, err := config.Load(configPath)
	if err != nil {
		return err
	}
	applyOverrides(f)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	undo := concurrency.Init(logger)
	defer undo()

	shutdown, err := tracing.Setup(ctx, f.Tracing, version, logger)
	if err != nil {
		return err
	}
	defer func() { _ = tracing.Shutdown(shutdown, logger) }()

	reporter, flush, err := newReporter(f, logger)
	if err != nil {
		return err
	}
	defer flush()

	nc, err := natsconn.Connect(ctx, f.NATS, logger)
	if err != nil {
		return err
	}
	defer func() { _ = natsconn.Close(nc) }()

	opts := []natsctx.Option{natsctx.WithReporter(reporter)}
	if f.NATS.JetStream {
		js, err := nc.JetStream()
		if err != nil {
			return fmt.Errorf("failed to create JetStream context: %w", err)
		}
		opts = append(opts, natsctx.WithJetStream(natsctx.WrapJetStream(js)))
	}

	reg := registry.Default(logger)
	conn := natsctx.WrapConn(nc)

	g, gctx := errgroup.WithContext(ctx)
	for i := range f.Nodes {
		spec := f.Nodes[i]
		g.Go(func() error {
			return serveNode(gctx, conn, reg, spec, logger, opts)
		})
	}
	logger.Info("Rule nodes running", zap.Int("nodes", len(f.Nodes)), zap.String("version", version))
	return g.Wait()
}

// serveNode runs one node until ctx is done, then tears it down and waits
// for its outstanding event acknowledgements.
func serveNode(ctx context.Context, conn natsctx.Conn, reg *registry.Registry, spec config.NodeSpec, logger *zap.Logger, opts []natsctx.Option) error {
	workers := spec.Workers
	if workers == 0 {
		workers = concurrency.DefaultWorkers()
	}
	nodeLogger := logger.With(zap.String("nodeId", spec.ID))

	ectx, err := natsctx.New(conn, spec.ID, natsctx.SubjectsFor(spec), append(slices.Clone(opts),
		natsctx.WithLogger(logger),
		natsctx.WithWorkers(workers),
		natsctx.WithCircuitBreaker(concurrency.NewCircuitBreaker(breakerThreshold, breakerReset)),
	)...)
	if err != nil {
		return fmt.Errorf("node %s: %w", spec.ID, err)
	}

	metrics := node.NewMetricsCollector()
	n, err := reg.CreateNode(&spec.RuleNodeConfig, node.WithLogger(logger), node.WithMetrics(metrics))
	if err != nil {
		return err
	}
	if err := n.Start(ctx, ectx); err != nil {
		return err
	}

	<-ctx.Done()
	ectx.Stop()

	wctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := n.Wait(wctx); err != nil {
		nodeLogger.Warn("Gave up waiting for event acknowledgements", zap.Error(err))
	}

	m := n.Metrics()
	nodeLogger.Info("Node finished",
		zap.Int64("itemsProcessed", m.ItemsProcessed),
		zap.Int64("resultsWritten", m.ResultsWritten),
		zap.Int64("errors", m.Errors),
		zap.Float64("errorRate", metrics.ErrorRate()))
	return nil
}

// applyOverrides lets flags, then the environment, replace file settings.
func applyOverrides(f *config.File) {
	if natsURL != "" {
		f.NATS.URL = natsURL
	} else if v, ok := os.LookupEnv(envNATSURL); ok && v != "" {
		f.NATS.URL = v
	}
	if sentryDSN != "" {
		f.Sentry.DSN = sentryDSN
	} else if v, ok := os.LookupEnv(envSentryDSN); ok && v != "" {
		f.Sentry.DSN = v
	}
}

// newReporter combines the log reporter with the Sentry and dead-letter
// reporters enabled in f. flush waits for buffered Sentry events.
func newReporter(f *config.File, logger *zap.Logger) (reporting.Reporter, func(), error) {
	reporters := []reporting.Reporter{reporting.NewLogReporter(logger)}
	flush := func() {}

	if f.Sentry.DSN != "" {
		sr, err := reporting.NewSentryReporterFromConfig(f.Sentry)
		if err != nil {
			return nil, nil, err
		}
		reporters = append(reporters, sr)
		flush = func() { sr.Flush(2 * time.Second) }
	}

	if f.DeadLetter.ConnectionString != "" {
		store, err := storage.NewAzureBlobClient(f.DeadLetter.ConnectionString, f.DeadLetter.Container, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create dead-letter store: %w", err)
		}
		reporters = append(reporters, reporting.NewDeadLetterReporter(store, logger))
	}

	return reporting.Multi(reporters...), flush, nil
}
