package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/cobra"

	"github.com/stellarlinkco/salesboard/internal/command"
	"github.com/stellarlinkco/salesboard/internal/config"
	"github.com/stellarlinkco/salesboard/internal/gateway"
	"github.com/stellarlinkco/salesboard/internal/leaderboard"
	"github.com/stellarlinkco/salesboard/internal/ledger"
	"github.com/stellarlinkco/salesboard/internal/mirror"
	"github.com/stellarlinkco/salesboard/internal/period"
	"github.com/stellarlinkco/salesboard/internal/sales"
	"github.com/stellarlinkco/salesboard/internal/storage"
	"github.com/stellarlinkco/salesboard/internal/telemetry"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:               "salesboard",
	Short:             "salesboard - Discord sales leaderboard bot",
	SilenceUsage:      true,
	PersistentPreRun:  func(cmd *cobra.Command, args []string) { config.LoadDotEnv() },
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to Discord and run the bot (channels + cron + health server)",
	RunE:  runBot,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and data directory",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and data summary",
	RunE:  runStatus,
}

var parseCmd = &cobra.Command{
	Use:   "parse <message>",
	Short: "Show the sales found in a chat message",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runParse,
}

var leaderboardCmd = &cobra.Command{
	Use:   "leaderboard [daily|weekly|monthly|alltime]",
	Short: "Print a leaderboard from the data file",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLeaderboard,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push the data file to the remote mirror once",
	RunE:  runSync,
}

var byCountFlag bool

func init() {
	leaderboardCmd.Flags().BoolVarP(&byCountFlag, "count", "c", false, "Rank by policy count instead of AP")
	rootCmd.AddCommand(runCmd, onboardCmd, statusCmd, parseCmd, leaderboardCmd, syncCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runBot(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx := context.Background()
	shutdown, err := telemetry.Init(ctx, cfg.Telemetry.Endpoint, cfg.Telemetry.ServiceName, version, cfg.Telemetry.Insecure)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(shutdownCtx)
	}()

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	return gw.Run(ctx)
}

func runOnboard(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(cfg.Data.Dir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	fmt.Fprintf(out, "Data directory ready: %s\n", cfg.Data.Dir)

	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s or set DISCORD_TOKEN, SALES_CHANNEL_ID and REPORTS_CHANNEL_ID\n", cfgPath)
	fmt.Fprintln(out, "  2. Optionally set GITHUB_TOKEN and GITHUB_REPO to mirror the data file")
	fmt.Fprintln(out, "  3. Run 'salesboard run'")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Discord token: %s\n", config.Mask(cfg.Discord.Token))
	fmt.Fprintf(out, "Sales channel: %s\n", orNotSet(cfg.Discord.SalesChannelID))
	fmt.Fprintf(out, "Reports channel: %s\n", orNotSet(cfg.Discord.ReportsChannelID))
	fmt.Fprintf(out, "Backup channel: %s\n", orNotSet(cfg.Discord.BackupChannelID))
	fmt.Fprintf(out, "Timezone: %s (quiet until %d:00)\n", cfg.Schedule.Timezone, cfg.Schedule.QuietUntilHour)
	if cfg.Mirror.Enabled() {
		fmt.Fprintf(out, "Mirror: %s/%s#%s (token %s)\n", cfg.Mirror.Host, cfg.Mirror.Repo, cfg.Mirror.Branch, config.Mask(cfg.Mirror.Token))
	} else {
		fmt.Fprintln(out, "Mirror: not configured")
	}

	store := storage.NewFileStore(cfg.DataPath())
	state, err := store.Load()
	switch {
	case errors.Is(err, storage.ErrNotFound):
		fmt.Fprintf(out, "Data: %s (not created yet)\n", store.Path())
	case err != nil:
		fmt.Fprintf(out, "Data: error (%v)\n", err)
	default:
		total, count := state.AllTime.Totals()
		fmt.Fprintf(out, "Data: %s\n", store.Path())
		fmt.Fprintf(out, "All-time: %d agents, %s, %s\n", len(state.AllTime), leaderboard.Money(total)+" AP", leaderboard.Policies(count))
		fmt.Fprintf(out, "Periods: %s / %s / %s\n", state.LastReset.Daily, state.LastReset.Weekly, state.LastReset.Monthly)
	}
	return nil
}

func orNotSet(s string) string {
	if s == "" {
		return "not set"
	}
	return s
}

func runParse(cmd *cobra.Command, args []string) error {
	printEntries(cmd.OutOrStdout(), sales.Parse(strings.Join(args, " ")))
	return nil
}

func printEntries(out io.Writer, entries []sales.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(out, "No sales found.")
		return
	}
	for i, e := range entries {
		fmt.Fprintf(out, "%d. %s %s\n", i+1, leaderboard.Money(e.Amount), e.Category)
	}
	if len(entries) > 1 {
		fmt.Fprintf(out, "Total: %s\n", leaderboard.Money(sales.Total(entries)))
	}
}

func runLeaderboard(cmd *cobra.Command, args []string) error {
	p := ledger.Daily
	if len(args) > 0 {
		var ok bool
		if p, ok = command.ParsePeriod(args[0]); !ok {
			return fmt.Errorf("unknown period %q", args[0])
		}
	}
	by := ledger.ByTotal
	if byCountFlag {
		by = ledger.ByCount
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	loc, err := period.LoadZone(cfg.Schedule.Timezone)
	if err != nil {
		return err
	}
	state, err := storage.NewFileStore(cfg.DataPath()).LoadOrNew()
	if err != nil {
		return fmt.Errorf("load sales data: %w", err)
	}

	// Read-only view: resets apply in memory so stale buckets are not shown.
	agg := ledger.New(state, nil, ledger.WithLocation(loc))
	if _, err := agg.CheckResets(); err != nil {
		return err
	}
	board := leaderboard.Render(agg.Bucket(p), p, leaderboard.Options{By: by})
	fmt.Fprint(cmd.OutOrStdout(), board.Text())
	return nil
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !cfg.Mirror.Enabled() {
		return fmt.Errorf("mirror not configured. Set GITHUB_TOKEN and GITHUB_REPO")
	}
	m := mirror.New(gateway.MirrorOptions(cfg), nil)

	res, err := m.Sync(context.Background(), "Manual sales data sync")
	printSteps(cmd.OutOrStdout(), res)
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	return nil
}

func printSteps(out io.Writer, res mirror.Result) {
	for _, s := range res.Steps {
		status := "ok"
		switch {
		case s.Skipped:
			status = "skipped"
		case !s.OK:
			status = "failed: " + s.Err.Error()
		}
		fmt.Fprintf(out, "%-18s %s\n", s.Name, status)
	}
	fmt.Fprintf(out, "changed=%v pushed=%v\n", res.Changed, res.Pushed)
}
