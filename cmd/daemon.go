package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/evanofslack/pihole-config-sync/config"
	"github.com/evanofslack/pihole-config-sync/daemon"
	"github.com/evanofslack/pihole-config-sync/history"
	"github.com/evanofslack/pihole-config-sync/logger"
	"github.com/evanofslack/pihole-config-sync/metrics"
	"github.com/evanofslack/pihole-config-sync/reconcile"
)

var (
	daemonInterval int
	daemonDryRun   bool
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Continuously synchronise on a fixed interval",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, instances, err := loadConfig()
		if err != nil {
			return err
		}
		interval := cfg.ResolveInterval(cmd.Flags().Changed("interval"), daemonInterval)
		dryRun := cfg.ResolveDryRun(cmd.Flags().Changed("dry-run"), daemonDryRun)
		return runDaemon(cfg, instances, daemon.Options{
			Interval:    interval,
			DryRun:      dryRun,
			MetricsAddr: cfg.Global.MetricsAddr,
		})
	},
}

func init() {
	daemonCmd.Flags().IntVar(&daemonInterval, "interval", 300, "seconds between reconciliation passes")
	daemonCmd.Flags().BoolVar(&daemonDryRun, "dry-run", false, "simulate changes without applying")
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cfg *config.Config, instances []config.Instance, opts daemon.Options) error {
	m := metrics.New(true)

	if cfg.Global.HistoryPath != "" {
		store, err := history.New(cfg.Global.HistoryPath, m)
		if err != nil {
			return fmt.Errorf("open history store: %w", err)
		}
		defer store.Close()
		opts.History = store
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orch := reconcile.NewOrchestrator(m)
	return daemon.New(orch, instances, m, opts).Run(ctx)
}

// runDaemonFromEnv bootstraps daemon mode purely from environment
// variables, the container deployment path.
func runDaemonFromEnv() error {
	path := os.Getenv("PIHOLE_SYNC_CONFIG_PATH")
	if path == "" {
		return fmt.Errorf("config path required, set PIHOLE_SYNC_CONFIG_PATH")
	}

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	logger.Configure(cfg.Global.Log.Level, cfg.Global.Log.Env)

	instances, err := cfg.FilterInstances(os.Getenv("PIHOLE_SYNC_INSTANCE"))
	if err != nil {
		return err
	}
	if len(instances) == 0 {
		return fmt.Errorf("no instances found in configuration")
	}

	return runDaemon(cfg, instances, daemon.Options{
		Interval:    cfg.ResolveInterval(false, 0),
		DryRun:      cfg.ResolveDryRun(false, false),
		MetricsAddr: cfg.Global.MetricsAddr,
	})
}
