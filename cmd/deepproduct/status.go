package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

func newStatusCmd(a *app) *cobra.Command {
	var (
		verbose bool
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show a run, or list every run",
		Long: `Without arguments, list every known run, newest first. With a run
ID, show its state, stage, failure causes and escalations; -v adds tasks,
decision history and stage outputs.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			s, err := a.openSession(ctx, nil, false)
			if err != nil {
				return err
			}
			defer s.Close()

			if len(args) == 0 {
				runs, err := s.engine.Runs(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, runs)
				}
				printRuns(out, runs)
				return nil
			}

			snap, err := s.engine.Snapshot(ctx, args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, snap)
			}
			printSnapshot(out, snap, verbose)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show tasks, decisions and stage outputs")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
