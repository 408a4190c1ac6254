package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	events "github.com/ortelius/pdvd-vulncorr/events/modules/snapshots"
	"github.com/ortelius/pdvd-vulncorr/internal/api"
	"github.com/ortelius/pdvd-vulncorr/internal/kafka"
	"github.com/ortelius/pdvd-vulncorr/internal/services"
	"github.com/ortelius/pdvd-vulncorr/model"
	"github.com/ortelius/pdvd-vulncorr/restapi"
	"github.com/ortelius/pdvd-vulncorr/scheduler"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API, the refresh scheduler and the optional Kafka consumer",
	RunE:  runServe,
}

// notifiers fans a calculated summary out to several receivers
type notifiers []scheduler.Notifier

func (n notifiers) AlertsCalculated(ctx context.Context, snap model.Snapshot, summary model.AlertSummary) error {
	var errs []error
	for _, r := range n {
		errs = append(errs, r.AlertsCalculated(ctx, snap, summary))
	}
	return errors.Join(errs...)
}

// gauges refreshes the open alert gauges after every calculation
type gauges struct {
	a *app
}

func (g gauges) AlertsCalculated(ctx context.Context, _ model.Snapshot, _ model.AlertSummary) error {
	_, err := g.a.calculator.GlobalSummary(ctx)
	return err
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// Step 1: scheduler, triggered by every completed snapshot
	sched := scheduler.New(a.fetcher, a.calculator, a.store, cfg.SchedulerOptions(), logger)
	a.snapshots.OnCompleted(func(_ context.Context, snap model.Snapshot) {
		sched.Trigger(snap.ProjectID)
	})
	notify := notifiers{gauges{a: a}}

	// Step 2: Kafka consumer and producer
	if cfg.Kafka.Enabled {
		producer := events.NewAlertProducer(cfg.Kafka.Brokers, cfg.Kafka.AlertsTopic, kafka.NewTransport(cfg.Kafka))
		defer producer.Close()
		notify = append(notify, producer)

		processor := kafka.NewProcessor(cfg.Kafka,
			services.NewURLFetcher(cfg.Feed.Timeout, logger),
			&services.SnapshotServiceWrapper{Snapshots: a.snapshots},
			logger)
		if _, err := processor.Run(ctx); err != nil {
			logger.Sugar().Errorf("Kafka event processor not started: %v", err)
		}
	}
	sched.SetNotifier(notify)

	schedDone := make(chan error, 1)
	go func() {
		schedDone <- sched.Run(ctx)
	}()

	// Step 3: HTTP server
	deps := restapi.Deps{
		Store:     a.store,
		Snapshots: a.snapshots,
		Alerts:    a.calculator,
		Scheduler: sched,
	}
	opts := api.Options{
		AllowOrigins: cfg.Server.AllowOrigins,
		RequestLog:   cfg.Server.RequestLog,
	}
	if cfg.Metrics.Enabled {
		opts.Metrics = a.metrics
	}
	server, err := api.NewFiberApp(deps, opts)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		if err := server.ShutdownWithTimeout(10 * time.Second); err != nil {
			logger.Sugar().Warnf("Server shutdown: %v", err)
		}
	}()

	logger.Sugar().Infof("Starting server on port %s", cfg.Server.Port)
	logger.Sugar().Infof("GraphQL endpoint available at /api/v1/graphql")
	if err := server.Listen(":" + cfg.Server.Port); err != nil {
		stop()
		return err
	}

	stop()
	if err := <-schedDone; err != nil && !errors.Is(err, context.Canceled) {
		logger.Sugar().Warnf("Scheduler stopped: %v", err)
	}
	sched.Wait()
	logger.Info("Shut down", zap.String("port", cfg.Server.Port))
	return nil
}
