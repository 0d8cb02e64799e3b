package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aristath/deepproduct/internal/memory"
)

func newMemoryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect the shared memory of a run",
	}
	cmd.AddCommand(newMemoryListCmd(a))
	return cmd
}

func newMemoryListCmd(a *app) *cobra.Command {
	var (
		tag      string
		priority string
		query    string
		limit    int
		full     bool
	)
	cmd := &cobra.Command{
		Use:   "list <run-id>",
		Short: "List memory entries of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			runID := args[0]

			s, err := a.openSession(ctx, nil, false)
			if err != nil {
				return err
			}
			defer s.Close()

			if _, err := s.engine.Snapshot(ctx, runID); err != nil {
				return err
			}

			mem := s.engine.Memory(runID)
			var entries []*memory.Entry
			if query != "" {
				entries, err = mem.Search(ctx, query, limit)
			} else {
				entries, err = mem.List(ctx, memory.Filter{Tag: tag, Priority: memory.Priority(priority)})
			}
			if err != nil {
				return err
			}

			if len(entries) == 0 {
				fmt.Fprintln(out, "No memory entries.")
				return nil
			}
			for _, e := range entries {
				fmt.Fprintf(out, "%-28s %-6s [%s]\n", e.Key, e.Priority, strings.Join(e.Tags, ","))
				content := e.Content
				if !full {
					content = firstLine(content, 100)
				}
				fmt.Fprintf(out, "  %s\n", content)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tag, "tag", "", "Only entries with this tag")
	cmd.Flags().StringVar(&priority, "priority", "", "Only entries with this priority (high, normal, low)")
	cmd.Flags().StringVarP(&query, "query", "q", "", "Search keys and content")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum search results (0 for all)")
	cmd.Flags().BoolVar(&full, "full", false, "Print full content")
	return cmd
}
