package main

import (
	"context"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kernelci/hwaggregator/pkg/ingest"
	"github.com/kernelci/hwaggregator/pkg/store"
)

var stageFiles []string

var stageCmd = &cobra.Command{
	Use:   "stage",
	Short: "Store KCIDB submission files and queue them for aggregation",
	Long: `Read one or more KCIDB-style submission files, store their checkouts,
builds and tests, refresh the latest checkout per tree and enqueue the
builds and tests for the pending aggregation processor.`,
	RunE: runStage,
}

func init() {
	stageCmd.Flags().StringSliceVar(&stageFiles, "file", nil,
		"submission file (repeatable)")
	_ = stageCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(stageCmd)
}

// loadSubmissions decodes files concurrently and merges them in argument
// order.
func loadSubmissions(ctx context.Context, paths []string) (*ingest.Submission, error) {
	subs := make([]*ingest.Submission, len(paths))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))

	for i, path := range paths {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}

			sub, err := ingest.LoadFile(path)
			if err != nil {
				return err
			}

			subs[i] = sub

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return ingest.Merge(subs...), nil
}

func runStage(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	sub, err := loadSubmissions(ctx, stageFiles)
	if err != nil {
		return fmt.Errorf("loading submissions: %w", err)
	}

	db := store.NewStore(log, &cfg.Database)
	if err := db.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	defer func() {
		if err := db.Stop(); err != nil {
			log.WithError(err).Warn("Failed to close store")
		}
	}()

	if _, err := ingest.NewStager(log, db).StageSubmission(ctx, sub); err != nil {
		return fmt.Errorf("staging submissions: %w", err)
	}

	return nil
}
