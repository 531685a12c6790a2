package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/kernelci/hwaggregator/pkg/store"
)

var statusCheckout string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the hardware status of a checkout",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusCheckout, "checkout", "", "checkout id")
	_ = statusCmd.MarkFlagRequired("checkout")

	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
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

	db := store.NewStore(log, &cfg.Database)
	if err := db.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	defer func() {
		if err := db.Stop(); err != nil {
			log.WithError(err).Warn("Failed to close store")
		}
	}()

	rows, err := db.ListHardwareStatus(ctx, statusCheckout)
	if err != nil {
		return err
	}

	pendingTests, pendingBuilds, err := db.CountPending(ctx)
	if err != nil {
		return err
	}

	return printStatus(cmd.OutOrStdout(), statusCheckout, rows,
		pendingTests, pendingBuilds, time.Now())
}

func printStatus(
	out io.Writer,
	checkoutID string,
	rows []store.HardwareStatus,
	pendingTests, pendingBuilds int64,
	now time.Time,
) error {
	fmt.Fprintf(out, "checkout %s: %d hardware entries, %d tests and %d builds pending\n",
		checkoutID, len(rows), pendingTests, pendingBuilds)

	if len(rows) == 0 {
		return nil
	}

	fmt.Fprintf(out, "started %s ago\n\n", units.HumanDuration(now.Sub(rows[0].StartTime)))

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	fmt.Fprintln(w, "ORIGIN\tPLATFORM\tBUILD P/F/I\tBOOT P/F/I\tTEST P/F/I\tCOMPATIBLES\tUPDATED")

	for i := range rows {
		r := &rows[i]

		updated := "-"
		if !r.UpdatedAt.IsZero() {
			updated = units.HumanDuration(now.Sub(r.UpdatedAt)) + " ago"
		}

		fmt.Fprintf(w, "%s\t%s\t%d/%d/%d\t%d/%d/%d\t%d/%d/%d\t%s\t%s\n",
			r.Origin, r.Platform,
			r.BuildPass, r.BuildFailed, r.BuildInc,
			r.BootPass, r.BootFailed, r.BootInc,
			r.TestPass, r.TestFailed, r.TestInc,
			strings.Join(r.CompatiblesList(), ","),
			updated,
		)
	}

	return w.Flush()
}
