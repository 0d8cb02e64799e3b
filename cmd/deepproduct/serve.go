package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/deepproduct/internal/agent"
	"github.com/aristath/deepproduct/internal/events"
	"github.com/aristath/deepproduct/internal/httpapi"
	"github.com/aristath/deepproduct/internal/metrics"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		addr   string
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and metrics",
		Long: `Run the engine as a service. Runs are submitted, inspected, aborted,
resumed and reverted over HTTP; Prometheus metrics are served at /metrics.
Runs still active at shutdown are checkpointed and can be resumed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if addr == "" {
				addr = a.cfg.Server.Addr
			}

			handler, err := metrics.InitMeterProvider(ctx, "deepproduct")
			if err != nil {
				return fmt.Errorf("initializing metrics: %w", err)
			}
			if err := metrics.InitMetrics(); err != nil {
				return fmt.Errorf("initializing metrics: %w", err)
			}

			bus := events.NewEventBus()
			defer bus.Close()

			s, err := a.openSession(ctx, bus, dryRun)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := metrics.RegisterGauges(agentCounts(s.engine.Agents), bus.Dropped); err != nil {
				return fmt.Errorf("registering gauges: %w", err)
			}
			defer metrics.UnregisterGauges()

			sub := bus.SubscribeAll(1024)
			server := httpapi.New(s.engine, handler, a.logger)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return server.ListenAndServe(gctx, addr)
			})
			g.Go(func() error {
				metrics.Consume(gctx, sub)
				return nil
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config server.addr)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Answer every task with the echo backend instead of the configured providers")
	return cmd
}

// agentCounts counts the agent pool by status for the agents gauge.
func agentCounts(list func() []agent.Agent) metrics.AgentCountFunc {
	return func() map[string]int64 {
		counts := make(map[string]int64)
		for _, a := range list() {
			counts[a.Status.String()]++
		}
		return counts
	}
}
