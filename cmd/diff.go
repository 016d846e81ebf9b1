package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/evanofslack/pihole-config-sync/metrics"
	"github.com/evanofslack/pihole-config-sync/reconcile"
)

var diffCmd = &cobra.Command{
	Use:   "diff",
	Short: "Show what a sync would change, without applying anything",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, instances, err := loadConfig()
		if err != nil {
			return err
		}

		orch := reconcile.NewOrchestrator(metrics.New(true))

		type diffDoc struct {
			Instance string              `yaml:"instance"`
			BaseURL  string              `yaml:"base_url"`
			Changes  reconcile.ChangeSet `yaml:"changes"`
		}

		docs := []diffDoc{}
		for idx := range instances {
			inst := &instances[idx]
			cs, err := orch.Plan(cmd.Context(), inst)
			if err != nil {
				slog.Error("Failed to compare configuration", "instance", inst.Name, "error", err)
				continue
			}
			if cs.IsEmpty() {
				slog.Info("No differences found", "instance", inst.Name)
				continue
			}
			docs = append(docs, diffDoc{Instance: inst.Name, BaseURL: inst.BaseURL, Changes: cs})
		}

		if len(docs) == 0 {
			return nil
		}
		encoder := yaml.NewEncoder(os.Stdout)
		encoder.SetIndent(2)
		defer encoder.Close()
		return encoder.Encode(docs)
	},
}

func init() {
	rootCmd.AddCommand(diffCmd)
}
