package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/evanofslack/pihole-config-sync/metrics"
	"github.com/evanofslack/pihole-config-sync/reconcile"
)

var syncDryRun bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronise local configuration to the Pi-hole instances",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, instances, err := loadConfig()
		if err != nil {
			return err
		}
		dryRun := cfg.ResolveDryRun(cmd.Flags().Changed("dry-run"), syncDryRun)

		orch := reconcile.NewOrchestrator(metrics.New(true))
		results := orch.Run(cmd.Context(), instances, dryRun)

		failed := 0
		for _, res := range results {
			if res.Err != nil {
				failed++
				slog.Error("Instance sync failed", "instance", res.Instance, "error", res.Err)
			}
		}
		if err := renderResults(results); err != nil {
			return err
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d instances failed", failed, len(results))
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncDryRun, "dry-run", false, "simulate changes without applying")
	rootCmd.AddCommand(syncCmd)
}

type resultDoc struct {
	Instance string                 `yaml:"instance"`
	Error    string                 `yaml:"error,omitempty"`
	Report   *reconcile.ApplyReport `yaml:"report,omitempty"`
}

func renderResults(results []reconcile.Result) error {
	docs := make([]resultDoc, 0, len(results))
	for _, res := range results {
		doc := resultDoc{Instance: res.Instance, Report: res.Report}
		if res.Err != nil {
			doc.Error = res.Err.Error()
		}
		docs = append(docs, doc)
	}
	encoder := yaml.NewEncoder(os.Stdout)
	encoder.SetIndent(2)
	defer encoder.Close()
	return encoder.Encode(docs)
}
