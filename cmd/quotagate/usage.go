package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/artpar/quotagate/adapters/clock"
	"github.com/artpar/quotagate/app"
	"github.com/artpar/quotagate/bootstrap"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var usageJSON bool

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarise stored usage",
	Long: `Read every usage record from the configured store and print totals.

Examples:
  quotagate stats
  quotagate stats --json`,
	Args: cobra.NoArgs,
	RunE: runStats,
}

var usageCmd = &cobra.Command{
	Use:   "usage <user-key>",
	Short: "Show one user's counters",
	Long: `Show the stored counters for a user key such as "user:42" or
"fp:0123...". Nothing is charged.

Examples:
  quotagate usage user:42`,
	Args: cobra.ExactArgs(1),
	RunE: runUsage,
}

var resetCmd = &cobra.Command{
	Use:   "reset <user-key>",
	Short: "Clear one user's counters",
	Long: `Replace the user's record with a fresh one and clear any block.

Writes go straight to the store. A running server keeps its own copy in
memory, so prefer POST /admin/users/{key}/reset while it is up.

Examples:
  quotagate reset user:42`,
	Args: cobra.ExactArgs(1),
	RunE: runReset,
}

func init() {
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(usageCmd)
	rootCmd.AddCommand(resetCmd)

	statsCmd.Flags().BoolVar(&usageJSON, "json", false, "print JSON")
	usageCmd.Flags().BoolVar(&usageJSON, "json", false, "print JSON")
}

// openEngine loads the store into an engine configured like the server.
func openEngine(ctx context.Context) (bootstrap.Store, *app.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	store, err := bootstrap.OpenStore(cfg.Storage)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.WarnLevel)
	engine, err := bootstrap.NewEngine(ctx, cfg, store, clock.System{}, logger)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return store, engine, nil
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, engine, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	stats := engine.Stats()
	if usageJSON {
		return printJSON(stats)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Users:\t%d\n", stats.TotalUsers)
	fmt.Fprintf(w, "Active today:\t%d\n", stats.ActiveToday)
	fmt.Fprintf(w, "Total actions:\t%d\n", stats.TotalActions)
	fmt.Fprintf(w, "Daily limit:\t%d\n", stats.Settings.DailyLimit)
	fmt.Fprintf(w, "Hourly limit:\t%d\n", stats.Settings.HourlyLimit)
	fmt.Fprintf(w, "Total limit:\t%d\n", stats.Settings.MonthlyLimit)
	fmt.Fprintf(w, "Per-action limit:\t%d\n", stats.Settings.PerActionLimit)
	fmt.Fprintf(w, "Cooldown:\t%d min\n", stats.Settings.CooldownMinutes)
	return w.Flush()
}

func runUsage(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, engine, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	userKey := args[0]
	rec, ok := engine.Usage(userKey)
	if !ok {
		return fmt.Errorf("no usage recorded for %q", userKey)
	}
	if usageJSON {
		return printJSON(rec)
	}

	now := engine.Now()
	counters := rec.Snapshot("", now)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "User:\t%s\n", userKey)
	fmt.Fprintf(w, "First seen:\t%s\n", rec.FirstSeen.Format(time.RFC3339))
	fmt.Fprintf(w, "Last seen:\t%s\n", rec.LastSeen.Format(time.RFC3339))
	fmt.Fprintf(w, "Today:\t%d\n", counters.Daily)
	fmt.Fprintf(w, "This hour:\t%d\n", counters.Hourly)
	fmt.Fprintf(w, "Total:\t%d\n", rec.TotalActions)
	for name, n := range rec.ActionCounts {
		fmt.Fprintf(w, "  %s:\t%d\n", name, n)
	}
	if rec.BlockedUntil != nil && rec.BlockedUntil.After(now) {
		fmt.Fprintf(w, "Blocked until:\t%s\n", rec.BlockedUntil.Format(time.RFC3339))
	}
	return w.Flush()
}

func runReset(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, engine, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := engine.Reset(args[0]); err != nil {
		return err
	}
	if err := store.Save(ctx, engine.TakeDirty()); err != nil {
		return fmt.Errorf("save: %w", err)
	}
	fmt.Printf("Reset %s\n", args[0])
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
