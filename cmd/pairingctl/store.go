package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/kioskshop/pairing-server-go/internal/jobs"
	"github.com/kioskshop/pairing-server-go/internal/model"
)

var (
	cleanupMaxAge   time.Duration
	cleanupOrphans  time.Duration
	forcePendingYes bool
)

var statsCmd = &cobra.Command{
	Use:     "stats",
	Short:   "Show device session counts by status",
	GroupID: "store",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		stats, err := s.lifecycle.Stats(cmd.Context())
		if err != nil {
			return fmt.Errorf("reading stats: %w", err)
		}

		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), stats)
		}
		printStats(cmd.OutOrStdout(), stats)
		return nil
	},
}

var cleanupCmd = &cobra.Command{
	Use:     "cleanup",
	Short:   "Expire stale pending sessions and delete expired ones",
	GroupID: "store",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cleanupMaxAge < 0 || cleanupOrphans < 0 {
			return errors.New("--max-age and --orphans must not be negative")
		}

		s, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		report := jobs.Sweep(cmd.Context(), s.lifecycle, jobs.SweepOptions{
			Trigger: jobs.TriggerManual,
			MaxAge:  cleanupMaxAge,
			Orphans: cleanupOrphans,
		})

		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), report)
		}
		printReport(cmd.OutOrStdout(), report)
		return nil
	},
}

var forcePendingCmd = &cobra.Command{
	Use:     "force-pending",
	Short:   "Delete every pending session, including ones a kiosk is waiting on",
	GroupID: "store",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !forcePendingYes {
			return errors.New("refusing to delete pending sessions without --yes")
		}

		s, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		start := time.Now()
		report := jobs.CleanupReport{
			Trigger: jobs.TriggerForced,
			Pending: s.lifecycle.DeleteByStatus(cmd.Context(), model.SessionStatusPending),
		}
		report.DurationMs = time.Since(start).Milliseconds()

		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), report)
		}
		printReport(cmd.OutOrStdout(), report)
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:     "migrate",
	Short:   "Apply schema migrations",
	GroupID: "system",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.db.Migrate(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied")
		return nil
	},
}

func init() {
	cleanupCmd.Flags().DurationVar(&cleanupMaxAge, "max-age", 0, "keep sessions expired for less than this")
	cleanupCmd.Flags().DurationVar(&cleanupOrphans, "orphans", 0, "also delete pending sessions older than this (0 skips)")
	forcePendingCmd.Flags().BoolVar(&forcePendingYes, "yes", false, "confirm the deletion")
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling JSON: %w", err)
	}
	fmt.Fprintln(w, string(data))
	return nil
}

func printStats(w io.Writer, stats *model.SessionStats) {
	fmt.Fprintf(w, "Total:         %d\n", stats.Total)
	fmt.Fprintf(w, "Pending:       %d\n", stats.Pending)
	fmt.Fprintf(w, "Authenticated: %d\n", stats.Authenticated)
	fmt.Fprintf(w, "Expired:       %d\n", stats.Expired)
	fmt.Fprintf(w, "Past expiry:   %d\n", stats.PastExpiry)
}

func printReport(w io.Writer, r jobs.CleanupReport) {
	fmt.Fprintf(w, "Cleanup (%s) finished in %dms\n", r.Trigger, r.DurationMs)
	if r.Expired > 0 {
		fmt.Fprintf(w, "  expired: %d\n", r.Expired)
	}
	fmt.Fprintf(w, "  deleted: %d\n", r.Total())
}
