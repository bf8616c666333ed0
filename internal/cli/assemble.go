package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"digestbot/internal/artifact"
	"digestbot/internal/config"
	"digestbot/internal/report"
)

type assembleOptions struct {
	title    string
	target   string
	to       string
	days     int
	timezone string
	out      string
}

func NewAssembleCommand(opts *RootOptions) *cobra.Command {
	ao := &assembleOptions{}
	cmd := &cobra.Command{
		Use:   "assemble <artifact-dir>",
		Short: "Render a digest from the collector artifacts in a run directory",
		Long: `Load github.json and slack.json from <artifact-dir> and print the markdown digest.
Nothing is fetched or delivered.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAssemble(cmd, opts, ao, args[0])
		},
	}
	cmd.Flags().StringVar(&ao.title, "title", "Activity digest", "digest title")
	cmd.Flags().StringVar(&ao.target, "target", "", "target id shown in the header")
	cmd.Flags().StringVar(&ao.to, "to", "", "end of the window (RFC3339, default now)")
	cmd.Flags().IntVar(&ao.days, "days", 7, "window length in days")
	cmd.Flags().StringVar(&ao.timezone, "tz", "", "IANA timezone for rendered dates (default UTC)")
	cmd.Flags().StringVarP(&ao.out, "output", "o", "", "write the digest here instead of stdout")
	return cmd
}

func runAssemble(cmd *cobra.Command, opts *RootOptions, ao *assembleOptions, dir string) error {
	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		return commandError("artifact dir", fmt.Errorf("%s is not a directory", dir))
	}
	loc, err := config.ParseLocation("--tz", ao.timezone)
	if err != nil {
		return commandError("flags", err)
	}
	to := time.Now()
	if ao.to != "" {
		if to, err = time.Parse(time.RFC3339, ao.to); err != nil {
			return commandError("flags", fmt.Errorf("--to: %w", err))
		}
	}
	if ao.days <= 0 {
		return commandError("flags", fmt.Errorf("--days must be > 0"))
	}

	b, err := artifact.Load(dir)
	if err != nil {
		return commandError("load artifacts", err)
	}
	body := report.Assemble(b, report.Options{
		Title:       ao.title,
		Target:      ao.target,
		From:        to.AddDate(0, 0, -ao.days),
		To:          to,
		GeneratedAt: time.Now(),
		Location:    loc,
	})

	if ao.out != "" {
		if err := artifact.WriteFile(ao.out, []byte(body)); err != nil {
			return commandError("write", err)
		}
		if opts.Format == "json" {
			return newPrinter(opts, cmd.OutOrStdout()).json(map[string]any{"path": ao.out, "summary": report.Summarize(b)})
		}
		fmt.Fprintln(cmd.OutOrStdout(), ao.out)
		return nil
	}
	if opts.Format == "json" {
		return newPrinter(opts, cmd.OutOrStdout()).json(map[string]any{"digest": body, "summary": report.Summarize(b)})
	}
	_, err = fmt.Fprint(cmd.OutOrStdout(), body)
	return err
}
