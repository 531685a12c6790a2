package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kernelci/hwaggregator/pkg/config"
	"github.com/kernelci/hwaggregator/pkg/metrics"
	"github.com/kernelci/hwaggregator/pkg/scheduler"
	"github.com/kernelci/hwaggregator/pkg/store"
)

var (
	batchSize       int
	loopMode        bool
	intervalSeconds int
)

var processCmd = &cobra.Command{
	Use:   "process-pending",
	Short: "Aggregate pending tests into hardware status",
	Long: `Page through the pending test queue, aggregate every test whose build and
checkout are available and remove it from the queue. Without --loop the
command exits after one full sweep.`,
	RunE: runProcess,
}

func init() {
	processCmd.Flags().IntVar(&batchSize, "batch-size", config.DefaultBatchSize,
		"number of pending tests processed per cycle")
	processCmd.Flags().BoolVar(&loopMode, "loop", false,
		"keep sweeping until interrupted")
	processCmd.Flags().IntVar(&intervalSeconds, "interval", int(config.DefaultInterval/time.Second),
		"seconds to sleep after an idle sweep in loop mode")

	rootCmd.AddCommand(processCmd)
}

// applyProcessFlags lets explicit flags override the config file.
func applyProcessFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()

	if flags.Changed("batch-size") {
		if batchSize <= 0 {
			return fmt.Errorf("--batch-size must be positive, got %d", batchSize)
		}

		cfg.Aggregation.BatchSize = batchSize
	}

	if flags.Changed("loop") {
		cfg.Aggregation.Loop = loopMode
	}

	if flags.Changed("interval") {
		if intervalSeconds <= 0 {
			return fmt.Errorf("--interval must be positive, got %d", intervalSeconds)
		}

		cfg.Aggregation.Interval = time.Duration(intervalSeconds) * time.Second
	}

	return cfg.Validate()
}

func runProcess(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if err := applyProcessFlags(cmd, cfg); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			log.WithField("signal", sig).Info("Shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	db := store.NewStore(log, &cfg.Database)
	if err := db.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	defer func() {
		if err := db.Stop(); err != nil {
			log.WithError(err).Warn("Failed to close store")
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := metrics.New(reg)

	sched := scheduler.New(log, db, scheduler.Config{
		BatchSize:          cfg.Aggregation.BatchSize,
		Loop:               cfg.Aggregation.Loop,
		Interval:           cfg.Aggregation.Interval,
		PendingTTL:         cfg.Aggregation.PendingTTL,
		MaxCyclesPerSecond: cfg.Aggregation.MaxCyclesPerSecond,
	}, m)

	g, gCtx := errgroup.WithContext(ctx)

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(log, cfg.Metrics.Listen, reg, db)
		if err := srv.Start(gCtx); err != nil {
			return fmt.Errorf("starting metrics server: %w", err)
		}

		g.Go(func() error {
			<-gCtx.Done()

			return srv.Stop()
		})
	}

	g.Go(func() error {
		// Stopping the scheduler releases the metrics server.
		defer cancel()

		return sched.Run(gCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"state":  sched.State().String(),
		"cursor": sched.Cursor(),
	}).Info("Pending aggregation processor stopped")

	return nil
}
