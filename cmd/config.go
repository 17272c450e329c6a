package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configOut string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the effective configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the defaults merged with --config as YAML",
	Long: `Prints the configuration every other command would use. With -o the
result is written to a file that can be edited and passed back with --config.`,
	Args: cobra.NoArgs,
	RunE: runConfigShow,
}

func init() {
	configShowCmd.Flags().StringVarP(&configOut, "out", "o", "", "Write the YAML to this file instead of stdout")
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if configOut != "" {
		if err := cfg.WriteYAML(configOut); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", configOut)
		return nil
	}

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return enc.Close()
}
