package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long: `Inspect the nightsync configuration. The config file is discovered in
./nightsync.yaml, /etc/nightsync/nightsync.yaml and
~/.config/nightsync/nightsync.yaml unless --config is given.`,
		Example: `  nightsync config show
  nightsync config validate --config /etc/nightsync/nightsync.yaml`,
	}

	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigValidateCmd(),
	)

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Long: `Display the current configuration in YAML format, with defaults
filled in for every key the file leaves out.`,
		Example: `  nightsync config show
  nightsync config show --config /etc/nightsync/nightsync.yaml`,
		RunE: configShowRun,
	}

	return cmd
}

func configShowRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	log.Debug("showing configuration", "path", cfgPath)

	data, err := yaml.Marshal(globalCfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	fmt.Println("Current Configuration:")
	fmt.Println("======================")
	fmt.Println(string(data))

	return nil
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration for mistakes",
		Long: `Check the configuration: duplicate or unknown telescopes and targets,
unknown target kinds, missing kind-specific settings and negative
thresholds.`,
		RunE: configValidateRun,
	}
}

func configValidateRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if err := globalCfg.Validate(); err != nil {
		return err
	}
	fmt.Printf("Configuration OK: %d telescopes, %d targets\n", len(globalCfg.Telescopes), len(globalCfg.Targets))
	return nil
}
