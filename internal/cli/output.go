package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"digestbot/internal/runstate"
)

// Exit codes.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // a run failed or a check did not pass
	ExitCommandError = 2 // bad arguments, config or storage
)

// ExitError carries an exit code out of RunE.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Err }

func commandError(message string, err error) *ExitError {
	return &ExitError{Code: ExitCommandError, Message: message, Err: err}
}

// ExitCode maps an error returned by Execute to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ExitFailure
}

type printer struct {
	format string
	w      io.Writer
}

func newPrinter(opts *RootOptions, w io.Writer) printer {
	return printer{format: opts.Format, w: w}
}

func (p printer) json(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// runs prints run summaries: one table row per run in text mode.
func (p printer) runs(runs []runstate.Run) error {
	if p.format == "json" {
		if runs == nil {
			runs = []runstate.Run{}
		}
		return p.json(runs)
	}
	tw := tabwriter.NewWriter(p.w, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tTARGET\tSTATUS\tCREATED\tSTEPS")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.TargetID, r.Status, r.CreatedAt.UTC().Format(time.RFC3339), stepSummary(r.Steps))
	}
	return tw.Flush()
}

func stepSummary(steps []runstate.Step) string {
	parts := make([]string, 0, len(steps))
	for _, s := range steps {
		v := string(s.Name) + "=" + string(s.Status)
		if s.Reason != "" {
			v += "(" + s.Reason + ")"
		}
		parts = append(parts, v)
	}
	return strings.Join(parts, " ")
}
