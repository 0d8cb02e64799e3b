package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aristath/deepproduct/internal/config"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or initialize configuration",
	}
	cmd.AddCommand(newConfigShowCmd(a), newConfigInitCmd(a))
	return cmd
}

func newConfigShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Long: `Print the configuration after merging defaults, the global file, the
project file and DEEPPRODUCT_* environment overrides.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := config.Marshal(a.cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func newConfigInitCmd(a *app) *cobra.Command {
	var (
		global bool
		force  bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration to the project (or global) file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			path := a.projectPath
			if global {
				path = a.globalPath
			}
			if path == "" {
				return fmt.Errorf("no config path")
			}

			if _, err := os.Stat(path); err == nil && !force {
				printStatus(out, "⚠", fmt.Sprintf("%s already exists (use --force to overwrite)", path), color.FgYellow)
				return nil
			}

			if err := config.Save(config.DefaultConfig(), path); err != nil {
				return err
			}
			printStatus(out, "✓", fmt.Sprintf("Wrote %s", path), color.FgGreen)
			return nil
		},
	}
	cmd.Flags().BoolVar(&global, "global", false, "Write the global config instead of the project config")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}
