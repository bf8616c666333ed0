package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"digestbot/internal/config"
	"digestbot/internal/cronexpr"
)

func NewCronCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Check target schedule expressions",
	}
	cmd.AddCommand(newCronValidateCommand(opts), newCronNextCommand(opts))
	return cmd
}

func newCronValidateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <expr>",
		Short: "Report whether a 5-field target schedule is well-formed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			valid := cronexpr.IsValid(args[0])
			p := newPrinter(opts, cmd.OutOrStdout())
			if opts.Format == "json" {
				if err := p.json(map[string]any{"expr": args[0], "valid": valid}); err != nil {
					return err
				}
			} else if valid {
				fmt.Fprintln(cmd.OutOrStdout(), "valid")
			}
			if !valid {
				return &ExitError{Code: ExitFailure, Message: fmt.Sprintf("invalid cron expression %q", args[0])}
			}
			return nil
		},
	}
}

func newCronNextCommand(opts *RootOptions) *cobra.Command {
	var (
		from     string
		count    int
		timezone string
	)
	cmd := &cobra.Command{
		Use:   "next <expr>",
		Short: "Print the next fire times of a target schedule",
		Long: `Print up to --count fire times at or after --from. Each lookup scans at most
24 hours ahead, so sparse schedules may print fewer times.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			expr := args[0]
			if !cronexpr.IsValid(expr) {
				return &ExitError{Code: ExitFailure, Message: fmt.Sprintf("invalid cron expression %q", expr)}
			}
			loc, err := config.ParseLocation("--tz", timezone)
			if err != nil {
				return commandError("flags", err)
			}
			t := time.Now().In(loc)
			if from != "" {
				if t, err = time.ParseInLocation(time.RFC3339, from, loc); err != nil {
					return commandError("flags", fmt.Errorf("--from: %w", err))
				}
				t = t.In(loc)
			}

			times := NextRuns(expr, t, count)
			if opts.Format == "json" {
				out := make([]string, 0, len(times))
				for _, n := range times {
					out = append(out, n.Format(time.RFC3339))
				}
				return newPrinter(opts, cmd.OutOrStdout()).json(map[string]any{"expr": expr, "next": out})
			}
			for _, n := range times {
				fmt.Fprintln(cmd.OutOrStdout(), n.Format(time.RFC3339))
			}
			if len(times) == 0 {
				fmt.Fprintln(cmd.ErrOrStderr(), "no fire time within 24h")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "start time (RFC3339, default now)")
	cmd.Flags().IntVarP(&count, "count", "n", 5, "number of fire times")
	cmd.Flags().StringVar(&timezone, "tz", "", "IANA timezone the schedule is evaluated in (default UTC)")
	return cmd
}

// NextRuns chains cronexpr.NextRun, stopping early when a lookup finds nothing.
func NextRuns(expr string, from time.Time, n int) []time.Time {
	var out []time.Time
	t := from
	for len(out) < n {
		next, ok := cronexpr.NextRun(expr, t)
		if !ok {
			break
		}
		out = append(out, next)
		t = next.Add(time.Minute)
	}
	return out
}
