package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"digestbot/internal/app"
	"digestbot/internal/dispatch"
	"digestbot/internal/runstate"
)

const stopTimeout = 15 * time.Second

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func NewServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler until interrupted",
		Long: `Start the task engine, notifier and tick scheduler, watch the config file for
changes and report readiness to systemd. Stops on SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()

			a, err := app.New(ctx, opts.ConfigPath, app.Options{LogLevel: opts.LogLevel})
			if err != nil {
				return commandError("load", err)
			}
			if err := a.Start(ctx); err != nil {
				return commandError("start", err)
			}

			reason := app.StopSignal
			select {
			case <-ctx.Done():
			case <-a.Done():
				reason = app.StopFatalError
			}
			stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
			defer stopCancel()
			_ = a.Stop(stopCtx, reason)
			if err := a.Err(); err != nil {
				return &ExitError{Code: ExitFailure, Message: "fatal", Err: err}
			}
			return nil
		},
	}
}

// oneShot builds the app, starts its workers, runs fn and waits for the runs it returns.
func oneShot(cmd *cobra.Command, opts *RootOptions, timeout time.Duration, fn func(ctx context.Context, a *app.App) ([]runstate.Run, error)) error {
	ctx, cancel := signalContext(cmd)
	defer cancel()
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	a, err := app.New(ctx, opts.ConfigPath, app.Options{LogLevel: opts.LogLevel})
	if err != nil {
		return commandError("load", err)
	}
	a.StartWorkers(ctx)
	runs, runErr := fn(ctx, a)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	_ = a.Stop(stopCtx, app.StopCommandEnd)

	if runErr != nil {
		return runErr
	}
	if err := newPrinter(opts, cmd.OutOrStdout()).runs(runs); err != nil {
		return err
	}
	if failed := dispatch.Failed(runs); len(failed) > 0 {
		return &ExitError{Code: ExitFailure, Message: fmt.Sprintf("%d run(s) failed: %v", len(failed), failed)}
	}
	return nil
}

func NewTickCommand(opts *RootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run one scheduling pass and wait for its runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return oneShot(cmd, opts, timeout, func(ctx context.Context, a *app.App) ([]runstate.Run, error) {
				b, err := a.Tick(ctx)
				if err != nil {
					return nil, commandError("tick", err)
				}
				for id, err := range b.Errors {
					if !errors.Is(err, dispatch.ErrInFlight) {
						fmt.Fprintf(cmd.ErrOrStderr(), "target %s: %v\n", id, err)
					}
				}
				runs, err := b.Wait(ctx)
				if err != nil {
					return runs, &ExitError{Code: ExitFailure, Message: "waiting for runs", Err: err}
				}
				return runs, nil
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "give up waiting after this long")
	return cmd
}

func NewDispatchCommand(opts *RootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "dispatch <target-id>",
		Short: "Run one target now, ignoring its schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return oneShot(cmd, opts, timeout, func(ctx context.Context, a *app.App) ([]runstate.Run, error) {
				h, err := a.Dispatcher().DispatchTarget(ctx, args[0])
				if err != nil {
					code := ExitFailure
					if errors.Is(err, dispatch.ErrUnknownTarget) || errors.Is(err, dispatch.ErrInactive) {
						code = ExitCommandError
					}
					return nil, &ExitError{Code: code, Message: "dispatch", Err: err}
				}
				run, err := h.Wait(ctx)
				if err != nil {
					return []runstate.Run{run}, &ExitError{Code: ExitFailure, Message: "waiting for run", Err: err}
				}
				if p := h.DigestPath(); p != "" {
					fmt.Fprintf(cmd.ErrOrStderr(), "digest: %s\n", p)
				}
				return []runstate.Run{run}, nil
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "give up waiting after this long")
	return cmd
}
