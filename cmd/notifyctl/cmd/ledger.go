package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/notify_hook/internal/config"
	"github.com/austindbirch/notify_hook/internal/ledger"
)

var (
	ledgerDriver string
	ledgerPath   string
)

// ledgerCmd represents the ledger command
var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect or purge notification records",
	Long: `Work directly against the notification ledger configured by LEDGER_DRIVER
and LEDGER_PATH (or the DB_* variables for postgres).`,
}

var ledgerGetCmd = &cobra.Command{
	Use:   "get [dedup-key]",
	Short: "Show the record for a dedup key",
	Long: `Show the stored record for a dedup key.

Example:
  notifyctl ledger get pr_opened:9999`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		store, err := openLedger(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		rec, err := store.Get(ctx, args[0])
		if errors.Is(err, ledger.ErrNotFound) {
			return fmt.Errorf("no record for %s", args[0])
		}
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, rec)
			return nil
		}
		fmt.Fprintf(out, "Dedup key: %s\n", rec.DedupKey)
		fmt.Fprintf(out, "  Event type: %s\n", rec.EventType)
		fmt.Fprintf(out, "  Change: %d\n", rec.ChangeID)
		fmt.Fprintf(out, "  Received: %s\n", rec.ReceivedAt.Format(time.RFC3339))
		fmt.Fprintf(out, "  Ticket: %s %s\n", rec.Ticket.Status, rec.Ticket.Key)
		if rec.Ticket.Reason != "" {
			fmt.Fprintf(out, "    Reason: %s\n", rec.Ticket.Reason)
		}
		for _, c := range rec.Ticket.Comments {
			switch {
			case c.Posted:
				fmt.Fprintf(out, "    Comment on %s: posted\n", c.Key)
			case c.Key == "":
				fmt.Fprintf(out, "    Comments: failed: %s\n", c.Reason)
			default:
				fmt.Fprintf(out, "    Comment on %s: failed: %s\n", c.Key, c.Reason)
			}
		}
		fmt.Fprintf(out, "  Chat: %s\n", rec.Chat.Status)
		if rec.Chat.Reason != "" {
			fmt.Fprintf(out, "    Reason: %s\n", rec.Chat.Reason)
		}
		fmt.Fprintf(out, "  Overall: %s\n", rec.Overall)
		return nil
	},
}

var ledgerPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete records received before a cutoff",
	Long: `Delete records received before a cutoff. A purged dedup key can be
processed again.

Example:
  notifyctl ledger purge --before 720h
  notifyctl ledger purge --before 2026-01-01T00:00:00Z
  notifyctl ledger purge --all`,
	RunE: func(cmd *cobra.Command, args []string) error {
		before, _ := cmd.Flags().GetString("before")
		all, _ := cmd.Flags().GetBool("all")
		if all == (before != "") {
			return fmt.Errorf("exactly one of --before or --all is required")
		}

		var cutoff time.Time
		if !all {
			var err error
			cutoff, err = parseCutoff(before, time.Now().UTC())
			if err != nil {
				return err
			}
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		store, err := openLedger(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		purger, ok := store.(ledger.Purger)
		if !ok {
			return fmt.Errorf("ledger driver %q does not support purge", ledgerDriver)
		}
		n, err := purger.Purge(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("purge: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, map[string]int64{"deleted": n})
		} else {
			fmt.Fprintf(out, "Deleted %d record(s)\n", n)
		}
		return nil
	},
}

// parseCutoff accepts a duration before now or an RFC3339 timestamp
func parseCutoff(s string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return time.Time{}, fmt.Errorf("--before duration must be positive")
		}
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("--before must be a duration (720h) or RFC3339 timestamp: %w", err)
	}
	return t.UTC(), nil
}

func openLedger(ctx context.Context) (ledger.Store, error) {
	cfg := config.Load()
	if ledgerDriver != "" {
		cfg.Ledger.Driver = ledgerDriver
	}
	if ledgerPath != "" {
		cfg.Ledger.Path = ledgerPath
	}
	if cfg.Ledger.Driver == "memory" {
		return nil, fmt.Errorf("the memory ledger lives inside the notifier process")
	}
	return ledger.Open(ctx, cfg)
}

func init() {
	rootCmd.AddCommand(ledgerCmd)
	ledgerCmd.AddCommand(ledgerGetCmd, ledgerPurgeCmd)

	ledgerCmd.PersistentFlags().StringVar(&ledgerDriver, "driver", "", "ledger driver (overrides LEDGER_DRIVER)")
	ledgerCmd.PersistentFlags().StringVar(&ledgerPath, "path", "", "SQLite ledger path (overrides LEDGER_PATH)")

	ledgerPurgeCmd.Flags().String("before", "", "delete records older than a duration or RFC3339 time")
	ledgerPurgeCmd.Flags().Bool("all", false, "delete every record")
}
