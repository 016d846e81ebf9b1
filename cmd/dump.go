package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/evanofslack/pihole-config-sync/metrics"
	"github.com/evanofslack/pihole-config-sync/pihole"
	"github.com/evanofslack/pihole-config-sync/reconcile"
)

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Fetch and display the current configuration of the instances",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, instances, err := loadConfig()
		if err != nil {
			return err
		}

		orch := reconcile.NewOrchestrator(metrics.New(true))

		// Shaped like the desired-state document so the output can seed a
		// configuration file.
		type dumpDoc struct {
			Name    string          `yaml:"name"`
			BaseURL string          `yaml:"base_url"`
			Config  pihole.Settings `yaml:"config"`
			Lists   []pihole.List   `yaml:"lists"`
			Domains []pihole.Domain `yaml:"domains"`
			Groups  []pihole.Group  `yaml:"groups"`
			Clients []pihole.Client `yaml:"clients"`
		}

		docs := []dumpDoc{}
		for idx := range instances {
			inst := &instances[idx]
			snapshot, err := orch.Snapshot(cmd.Context(), inst)
			if err != nil {
				slog.Error("Failed to dump instance", "instance", inst.Name, "error", err)
				continue
			}
			docs = append(docs, dumpDoc{
				Name:    inst.Name,
				BaseURL: inst.BaseURL,
				Config:  snapshot.Config,
				Lists:   snapshot.Lists,
				Domains: snapshot.Domains,
				Groups:  snapshot.Groups,
				Clients: snapshot.Clients,
			})
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
	rootCmd.AddCommand(dumpCmd)
}
