package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"digestbot/internal/artifact"
	"digestbot/internal/eventbus"
	"digestbot/internal/model"
	"digestbot/internal/notifier"
	"digestbot/internal/report"
	"digestbot/internal/runstate"
	logx "digestbot/pkg/logx"
)

const (
	SummaryFile = "summary.json"
	DigestFile  = "digest.md"
)

// RunHandle is a joinable view of one dispatched run.
type RunHandle struct {
	tracker *runstate.Tracker
	target  model.Target
	cfg     Config
	now     time.Time
	dir     string
	log     logx.Logger

	mu      sync.Mutex
	labels  map[string]string
	failed  map[model.IntegrationType]string
	partial map[model.IntegrationType][]string
	pending int
	digest  string
}

func (h *RunHandle) ID() string             { return h.tracker.ID() }
func (h *RunHandle) TargetID() string       { return h.target.ID }
func (h *RunHandle) Dir() string            { return h.dir }
func (h *RunHandle) Done() <-chan struct{}  { return h.tracker.Done() }
func (h *RunHandle) Snapshot() runstate.Run { return h.tracker.Snapshot() }

// DigestPath is the written digest, empty until the assembler step succeeded.
func (h *RunHandle) DigestPath() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.digest
}

// Wait blocks until the run is terminal or ctx is done.
func (h *RunHandle) Wait(ctx context.Context) (runstate.Run, error) {
	return h.tracker.Wait(ctx)
}

// Cancel terminates the run. Collectors already running finish on their own.
func (h *RunHandle) Cancel(ctx context.Context, reason string) error {
	return h.tracker.Cancel(ctx, reason)
}

func (h *RunHandle) skip(ctx context.Context, step runstate.StepName, reason string) {
	if err := h.tracker.SkipStep(ctx, step, reason); err != nil {
		h.log.Debug("skip step rejected", logx.String("step", string(step)), logx.Err(err))
	}
	h.log.Info("step skipped", logx.String("step", string(step)), logx.String("reason", reason))
}

func (h *RunHandle) setLabel(id, name string) {
	h.mu.Lock()
	h.labels[id] = name
	h.mu.Unlock()
}

func (h *RunHandle) markFailed(it model.IntegrationType, err error) {
	h.mu.Lock()
	h.failed[it] = err.Error()
	h.mu.Unlock()
}

// markPartial replaces the identifiers collector it could not fetch on its latest attempt.
func (h *RunHandle) markPartial(it model.IntegrationType, ids []string) {
	h.mu.Lock()
	if len(ids) == 0 {
		delete(h.partial, it)
	} else {
		h.partial[it] = append([]string(nil), ids...)
	}
	h.mu.Unlock()
}

func (h *RunHandle) addPending() {
	h.mu.Lock()
	h.pending++
	h.mu.Unlock()
}

// collectorDone is called once per submitted collector plus once when submission ends.
// The last call starts the finalizer.
func (h *RunHandle) collectorDone(d *Dispatcher) {
	h.mu.Lock()
	h.pending--
	last := h.pending == 0
	h.mu.Unlock()
	if !last {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.FinalizeTimeout)
		defer cancel()
		d.finalize(ctx, h)
	}()
}

// finalize runs summarizer, assembler and sender after every collector step is terminal.
// When no collector ran at all, the remaining steps are skipped.
func (d *Dispatcher) finalize(ctx context.Context, h *RunHandle) {
	run := h.tracker.Snapshot()
	if run.Status.Terminal() {
		return
	}
	attempted := false
	for _, s := range run.Steps {
		if s.Name.IsCollector() && s.Status != runstate.StepSkipped {
			attempted = true
		}
	}
	if !attempted {
		for _, s := range []runstate.StepName{runstate.StepSummarizer, runstate.StepAssembler, runstate.StepSenderEmail} {
			h.skip(ctx, s, "no_collectors")
		}
		return
	}

	b, err := d.summarize(ctx, h)
	if err != nil {
		h.skip(ctx, runstate.StepAssembler, "summarizer_failed")
		h.skip(ctx, runstate.StepSenderEmail, "summarizer_failed")
		return
	}
	digest, err := d.assemble(ctx, h, b)
	if err != nil {
		h.skip(ctx, runstate.StepSenderEmail, "assembler_failed")
		return
	}
	d.send(ctx, h, digest)
}

func (d *Dispatcher) summarize(ctx context.Context, h *RunHandle) (*artifact.Bundle, error) {
	_ = h.tracker.StartStep(ctx, runstate.StepSummarizer)
	b, err := artifact.Load(h.dir)
	if err == nil {
		h.mu.Lock()
		for id, name := range h.labels {
			b.Labels[id] = name
		}
		for it, reason := range h.failed {
			b.MarkFailed(it, reason)
		}
		for it, ids := range h.partial {
			if _, whole := h.failed[it]; whole {
				continue
			}
			for _, id := range ids {
				b.MarkItemFailed(it, id, "fetch failed")
			}
		}
		h.mu.Unlock()
		err = artifact.WriteJSON(filepath.Join(h.dir, SummaryFile), report.Summarize(b))
	}
	if err != nil {
		h.log.Error("summarizer failed", logx.Err(err))
	}
	_ = h.tracker.FinishStep(ctx, runstate.StepSummarizer, err)
	return b, err
}

func (d *Dispatcher) assemble(ctx context.Context, h *RunHandle, b *artifact.Bundle) (notifier.Digest, error) {
	_ = h.tracker.StartStep(ctx, runstate.StepAssembler)
	from := h.now.AddDate(0, 0, -h.cfg.LookbackDays)
	name := h.target.DisplayName
	if name == "" {
		name = h.target.ID
	}
	opts := report.Options{
		Title:       h.cfg.Title,
		Target:      name,
		From:        from,
		To:          h.now,
		GeneratedAt: d.now(),
		Location:    h.cfg.Location,
	}
	body := report.Assemble(b, opts)
	path := filepath.Join(h.dir, DigestFile)
	err := artifact.WriteFile(path, []byte(body))
	if err != nil {
		h.log.Error("assembler failed", logx.Err(err))
	} else {
		h.mu.Lock()
		h.digest = path
		h.mu.Unlock()
		if d.deps.Bus != nil {
			d.deps.Bus.Publish(eventbus.Event{Type: eventbus.DigestWritten, Time: d.now(), Data: map[string]string{"run_id": h.ID(), "target_id": h.target.ID, "path": path}})
		}
		h.log.Info("digest written", logx.String("path", path), logx.Int("bytes", len(body)))
	}
	_ = h.tracker.FinishStep(ctx, runstate.StepAssembler, err)
	return notifier.Digest{RunID: h.ID(), TargetID: h.target.ID, Title: opts.Heading(), Body: body, Path: path, From: from, To: h.now}, err
}

func (d *Dispatcher) send(ctx context.Context, h *RunHandle, dg notifier.Digest) {
	if d.deps.Delivery == nil {
		h.skip(ctx, runstate.StepSenderEmail, "delivery_disabled")
		return
	}
	_ = h.tracker.StartStep(ctx, runstate.StepSenderEmail)
	err := d.deps.Delivery.Notify(ctx, dg, func(err error) {
		_ = h.tracker.FinishStep(context.Background(), runstate.StepSenderEmail, err)
	})
	switch {
	case err == nil:
	case errors.Is(err, notifier.ErrDuplicate):
		h.skip(ctx, runstate.StepSenderEmail, "duplicate")
	case errors.Is(err, notifier.ErrDisabled), errors.Is(err, notifier.ErrNoSenders):
		h.skip(ctx, runstate.StepSenderEmail, "delivery_disabled")
	default:
		h.log.Error("digest not queued", logx.Err(err))
		_ = h.tracker.FinishStep(ctx, runstate.StepSenderEmail, err)
	}
}

// Batch is the result of one Tick.
type Batch struct {
	At     time.Time
	Active int
	Due    []string
	Runs   []*RunHandle
	Errors map[string]error
}

// Wait joins every run of the batch. Runs are returned in dispatch order; on ctx expiry the
// snapshots so far are returned with ctx's error.
func (b *Batch) Wait(ctx context.Context) ([]runstate.Run, error) {
	if b == nil {
		return nil, nil
	}
	out := make([]runstate.Run, 0, len(b.Runs))
	for _, h := range b.Runs {
		r, err := h.Wait(ctx)
		out = append(out, r)
		if err != nil {
			for _, rest := range b.Runs[len(out):] {
				out = append(out, rest.Snapshot())
			}
			return out, err
		}
	}
	return out, nil
}

// Failed lists the target ids whose run ended failed, sorted.
func Failed(runs []runstate.Run) []string {
	var out []string
	for _, r := range runs {
		if r.Status == runstate.RunFailed {
			out = append(out, r.TargetID)
		}
	}
	sort.Strings(out)
	return out
}
