package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/evanofslack/pihole-config-sync/config"
	"github.com/evanofslack/pihole-config-sync/logger"
)

var (
	cfgPath        string
	targetInstance string
)

var rootCmd = &cobra.Command{
	Use:   "pihole-config-sync",
	Short: "Keep Pi-hole instances in sync with declarative YAML configuration",
	Long: `pihole-config-sync reconciles one or more Pi-hole instances against a
declarative YAML description of settings, lists, domains, groups and
clients. The local configuration is always the source of truth.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVarP(&targetInstance, "instance", "i", "", "target a specific instance by name")
	_ = rootCmd.MarkPersistentFlagRequired("config")
}

// Execute runs the CLI. Container deployments can skip argument parsing
// entirely by setting PIHOLE_SYNC_DAEMON_MODE=true.
func Execute() {
	if strings.EqualFold(os.Getenv("PIHOLE_SYNC_DAEMON_MODE"), "true") {
		if err := runDaemonFromEnv(); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}
		return
	}
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads and validates configuration, configures logging, and
// applies the instance filter. A bad configuration or an unknown instance
// name fails here, before any network activity.
func loadConfig() (*config.Config, []config.Instance, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	logger.Configure(cfg.Global.Log.Level, cfg.Global.Log.Env)

	instances, err := cfg.FilterInstances(targetInstance)
	if err != nil {
		return nil, nil, err
	}
	if len(instances) == 0 {
		return nil, nil, fmt.Errorf("no instances found in configuration")
	}
	return cfg, instances, nil
}
