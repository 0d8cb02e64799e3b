package main

import (
	"github.com/spf13/cobra"

	"github.com/aristath/deepproduct/internal/config"
)

// newRootCmd builds the command tree. Each call returns fresh flag state.
func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "deepproduct",
		Short: "Multi-agent product development orchestrator",
		Long: `deepproduct turns a product idea into a product plan by running a
team of agents through a staged pipeline: ideation, analysis, design,
decomposition, collaboration, review and output.

Agents work in parallel on the tasks of each stage. Disagreements are
settled by decision policies or escalated to the coordinator. Every run is
checkpointed and can be resumed, inspected and reverted to an earlier
decision.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}

	globalPath, err := config.GlobalPath()
	if err != nil {
		globalPath = ""
	}
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.globalPath, "global-config", globalPath, "Global config file")
	flags.StringVar(&a.projectPath, "config", config.ProjectPath(), "Project config file")
	flags.StringVar(&a.logLevel, "log-level", "", "Override the configured log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		newRunCmd(a),
		newResumeCmd(a),
		newStatusCmd(a),
		newRevertCmd(a),
		newServeCmd(a),
		newConfigCmd(a),
		newMemoryCmd(a),
	)
	return rootCmd
}
