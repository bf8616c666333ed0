package runstate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"digestbot/internal/eventbus"
	logx "digestbot/pkg/logx"
)

// Store persists run history. storage.RunStore satisfies it.
type Store interface {
	SaveRun(ctx context.Context, r Run) error
	SaveStep(ctx context.Context, s Step) error
}

// RunEvent is the payload of run.* events.
type RunEvent struct {
	RunID    string    `json:"run_id"`
	TargetID string    `json:"target_id"`
	Status   RunStatus `json:"status"`
}

// StepEvent is the payload of step.status events.
type StepEvent struct {
	RunID    string     `json:"run_id"`
	TargetID string     `json:"target_id"`
	Step     StepName   `json:"step"`
	Status   StepStatus `json:"status"`
	Reason   string     `json:"reason,omitempty"`
	Error    string     `json:"error,omitempty"`
}

var ErrUnknownStep = errors.New("runstate: unknown step")

type Options struct {
	RunID string
	Store Store
	Bus   eventbus.Bus
	Log   logx.Logger
	Now   func() time.Time
}

// Tracker serialises transitions of one Run and its Steps, stamps times, persists every change
// and publishes lifecycle events. Persistence failures are logged, never returned: run history
// is an observation channel, not part of the control flow.
type Tracker struct {
	mu    sync.Mutex
	run   Run
	steps []*Step

	store Store
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time

	done     chan struct{}
	doneOnce sync.Once
}

// NewTracker creates a queued run for targetID with the given steps, all queued.
func NewTracker(ctx context.Context, targetID string, steps []StepName, opts Options) *Tracker {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	t := &Tracker{
		run:   Run{ID: opts.RunID, TargetID: targetID, Status: RunQueued, CreatedAt: opts.Now()},
		store: opts.Store,
		bus:   opts.Bus,
		log:   opts.Log.With(logx.String("run_id", opts.RunID), logx.String("target_id", targetID)),
		now:   opts.Now,
		done:  make(chan struct{}),
	}
	for _, n := range steps {
		t.steps = append(t.steps, &Step{RunID: opts.RunID, Name: n, Status: StepQueued})
	}

	t.persistRun(ctx, t.run)
	for _, s := range t.steps {
		t.persistStep(ctx, *s)
	}
	t.publish(eventbus.RunCreated, RunEvent{RunID: t.run.ID, TargetID: targetID, Status: RunQueued})
	t.maybeFinishLocked(ctx)
	return t
}

func (t *Tracker) ID() string       { return t.run.ID }
func (t *Tracker) TargetID() string { return t.run.TargetID }

// Done is closed once the run reaches a terminal status.
func (t *Tracker) Done() <-chan struct{} { return t.done }

// Snapshot returns a copy of the run with its steps.
func (t *Tracker) Snapshot() Run {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() Run {
	r := t.run
	r.Steps = make([]Step, len(t.steps))
	for i, s := range t.steps {
		r.Steps[i] = *s
	}
	return r
}

// Wait blocks until the run is terminal or ctx is done.
func (t *Tracker) Wait(ctx context.Context) (Run, error) {
	select {
	case <-t.done:
		return t.Snapshot(), nil
	case <-ctx.Done():
		return t.Snapshot(), ctx.Err()
	}
}

// StartStep moves a queued step to running; the run itself starts with its first step.
func (t *Tracker) StartStep(ctx context.Context, name StepName) error {
	return t.stepTransition(ctx, name, StepRunning, "", nil)
}

// FinishStep completes a running step: success when err is nil, failed otherwise.
func (t *Tracker) FinishStep(ctx context.Context, name StepName, err error) error {
	if err != nil {
		return t.stepTransition(ctx, name, StepFailed, "", err)
	}
	return t.stepTransition(ctx, name, StepSuccess, "", nil)
}

// SkipStep marks a queued or running step skipped.
func (t *Tracker) SkipStep(ctx context.Context, name StepName, reason string) error {
	return t.stepTransition(ctx, name, StepSkipped, reason, nil)
}

func (t *Tracker) stepTransition(ctx context.Context, name StepName, to StepStatus, reason string, cause error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.stepLocked(name)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrUnknownStep, name)
	}
	if err := TransitionStep(s, s.Status, to); err != nil {
		return err
	}
	now := t.now()
	if to == StepRunning {
		s.StartedAt = now
		if t.run.Status == RunQueued {
			t.setRunLocked(ctx, RunRunning, "")
		}
	} else {
		s.FinishedAt = now
	}
	s.Reason = reason
	if cause != nil {
		s.Error = cause.Error()
	}

	t.persistStep(ctx, *s)
	t.publish(eventbus.StepStatus, StepEvent{RunID: t.run.ID, TargetID: t.run.TargetID, Step: name, Status: to, Reason: reason, Error: s.Error})
	t.log.Debug("step.status", logx.String("step", string(name)), logx.String("status", string(to)), logx.String("reason", reason))

	t.maybeFinishLocked(ctx)
	return nil
}

// Cancel terminates the run from outside. Queued steps become skipped; running steps keep
// their own lifecycle but no longer influence the run status.
func (t *Tracker) Cancel(ctx context.Context, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.run.Status.Terminal() {
		return fmt.Errorf("run %s already %s", t.run.ID, t.run.Status)
	}
	for _, s := range t.steps {
		if s.Status == StepQueued {
			s.Status = StepSkipped
			s.Reason = "canceled"
			s.FinishedAt = t.now()
			t.persistStep(ctx, *s)
		}
	}
	t.setRunLocked(ctx, RunCanceled, reason)
	return nil
}

func (t *Tracker) stepLocked(name StepName) *Step {
	for _, s := range t.steps {
		if s.Name == name {
			return s
		}
	}
	return nil
}

func (t *Tracker) maybeFinishLocked(ctx context.Context) {
	if t.run.Status.Terminal() {
		return
	}
	steps := make([]Step, len(t.steps))
	for i, s := range t.steps {
		steps[i] = *s
	}
	status, ok := Derive(steps)
	if !ok {
		return
	}
	if t.run.Status == RunQueued {
		t.setRunLocked(ctx, RunRunning, "")
	}
	t.setRunLocked(ctx, status, "")
}

func (t *Tracker) setRunLocked(ctx context.Context, to RunStatus, reason string) {
	if err := TransitionRun(&t.run, t.run.Status, to); err != nil {
		t.log.Error("run transition rejected", logx.Err(err))
		return
	}
	now := t.now()
	switch {
	case to == RunRunning:
		t.run.StartedAt = now
	case to.Terminal():
		t.run.FinishedAt = now
		t.run.Reason = reason
	}
	t.persistRun(ctx, t.run)

	ev := RunEvent{RunID: t.run.ID, TargetID: t.run.TargetID, Status: to}
	if to.Terminal() {
		t.publish(eventbus.RunFinished, ev)
		t.log.Info("run.finished", logx.String("status", string(to)), logx.Duration("dur", t.run.FinishedAt.Sub(t.run.CreatedAt)))
		t.doneOnce.Do(func() { close(t.done) })
		return
	}
	t.publish(eventbus.RunStatus, ev)
}

func (t *Tracker) persistRun(ctx context.Context, r Run) {
	if t.store == nil {
		return
	}
	if err := t.store.SaveRun(context.WithoutCancel(ctx), r); err != nil {
		t.log.Warn("persist run failed", logx.Err(err))
	}
}

func (t *Tracker) persistStep(ctx context.Context, s Step) {
	if t.store == nil {
		return
	}
	if err := t.store.SaveStep(context.WithoutCancel(ctx), s); err != nil {
		t.log.Warn("persist step failed", logx.String("step", string(s.Name)), logx.Err(err))
	}
}

func (t *Tracker) publish(typ string, data any) {
	if t.bus != nil {
		t.bus.Publish(eventbus.Event{Type: typ, Time: t.now(), Data: data})
	}
}
