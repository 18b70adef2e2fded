package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/owui-pipes/responses/internal/config"
)

func init() {
	configCmd.AddCommand(configShowCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.Endpoint.APIKey != "" {
			cfg.Endpoint.APIKey = "******"
		}
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		dir, _ := config.GetConfigDir()
		fmt.Printf("# config dir: %s\n%s", dir, out)
		return nil
	},
}
