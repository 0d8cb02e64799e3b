package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/aristath/deepproduct/internal/events"
	"github.com/aristath/deepproduct/internal/orchestrator"
	"github.com/aristath/deepproduct/internal/tui"
)

// followOptions are the flags shared by the commands that drive a run.
type followOptions struct {
	tui    bool
	dryRun bool
}

func (o *followOptions) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&o.tui, "tui", false, "Watch the run in the terminal UI")
	cmd.Flags().BoolVar(&o.dryRun, "dry-run", false, "Answer every task with the echo backend instead of the configured providers")
}

// startFunc starts or continues a run and returns its ID.
type startFunc func(ctx context.Context, s *session) (string, error)

func newRunCmd(a *app) *cobra.Command {
	var opts followOptions
	cmd := &cobra.Command{
		Use:   "run <idea>",
		Short: "Run the pipeline on a product idea",
		Long: `Run every stage of the pipeline on the idea and print the final
product plan. Interrupting the command (Ctrl+C) checkpoints the run so it
can be continued with 'deepproduct resume'.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idea := strings.Join(args, " ")
			return a.drive(cmd, opts, func(ctx context.Context, s *session) (string, error) {
				return s.engine.Submit(ctx, idea)
			})
		},
	}
	opts.register(cmd)
	return cmd
}

func newResumeCmd(a *app) *cobra.Command {
	var opts followOptions
	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Continue an interrupted run from its newest checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return a.drive(cmd, opts, func(ctx context.Context, s *session) (string, error) {
				return id, s.engine.Resume(ctx, id)
			})
		},
	}
	opts.register(cmd)
	return cmd
}

func newRevertCmd(a *app) *cobra.Command {
	var opts followOptions
	cmd := &cobra.Command{
		Use:   "revert <run-id> <seq>",
		Short: "Roll a run back to a decision and run it again from there",
		Long: `Restore the checkpoint taken when decision history entry <seq> was
recorded, re-open that decision for the coordinator and run every stage
after it again. Use 'deepproduct status -v' to list the history.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			seq, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid history sequence %q: %w", args[1], err)
			}
			return a.drive(cmd, opts, func(ctx context.Context, s *session) (string, error) {
				return id, s.engine.Revert(ctx, id, seq)
			})
		},
	}
	opts.register(cmd)
	return cmd
}

// drive opens a session, starts the run and follows it to the end, either
// in the terminal UI or by waiting. Runs still active when following stops
// are interrupted and can be resumed.
func (a *app) drive(cmd *cobra.Command, opts followOptions, start startFunc) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	var (
		bus   *events.EventBus
		model tui.Model
	)
	if opts.tui {
		closeLog, err := a.logToFile()
		if err != nil {
			return err
		}
		defer closeLog()
		bus = events.NewEventBus()
		defer bus.Close()
	}

	s, err := a.openSession(ctx, bus, opts.dryRun)
	if err != nil {
		return err
	}
	defer s.Close()

	if opts.tui {
		// Subscribe before the run starts so no event is missed.
		model = tui.New(bus, "", a.cfg, a.globalPath, a.projectPath)
	}

	id, err := start(ctx, s)
	if err != nil {
		return err
	}
	a.logger.Info("following run", "run", id)

	if opts.tui {
		if err := runTUI(ctx, model); err != nil {
			return err
		}
	} else if _, err := s.engine.Wait(ctx, id); err != nil && ctx.Err() == nil {
		var runErr *orchestrator.RunError
		if !errors.As(err, &runErr) {
			return err
		}
	}

	s.stopEngine()
	snap, err := s.engine.Snapshot(context.WithoutCancel(ctx), id)
	if err != nil {
		return err
	}
	return report(out, snap)
}

// report prints the outcome of a run and returns an error for runs that
// failed or were aborted.
func report(w io.Writer, snap *orchestrator.RunSnapshot) error {
	printSnapshot(w, snap, false)
	switch {
	case snap.State == orchestrator.RunCompleted:
		fmt.Fprintf(w, "\n%s\n", snap.Output())
	case !snap.State.Terminal():
		fmt.Fprintf(w, "\nResume with: deepproduct resume %s\n", snap.ID)
	default:
		return &orchestrator.RunError{RunID: snap.ID, State: snap.State, Cause: snap.Cause}
	}
	return nil
}

// runTUI runs the monitor until the user quits or ctx is cancelled.
func runTUI(ctx context.Context, model tui.Model) error {
	p := tea.NewProgram(model, tea.WithAltScreen())

	errChan := make(chan error, 1)
	go func() {
		_, err := p.Run()
		errChan <- err
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		p.Quit()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		select {
		case err := <-errChan:
			return err
		case <-shutdownCtx.Done():
			return errors.New("terminal UI did not exit")
		}
	}
}

// logToFile sends logs to a file next to the project config while the
// terminal UI owns the screen.
func (a *app) logToFile() (func() error, error) {
	path := filepath.Join(filepath.Dir(a.projectPath), "deepproduct.log")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	logger, err := newLogger(a.cfg.Log, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	a.logger = logger
	slog.SetDefault(logger)
	return f.Close, nil
}
