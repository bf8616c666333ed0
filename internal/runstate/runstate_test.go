package runstate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"digestbot/internal/eventbus"
	"digestbot/internal/model"
)

type memStore struct {
	mu    sync.Mutex
	runs  []Run
	steps []Step
}

func (m *memStore) SaveRun(ctx context.Context, r Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, r)
	return nil
}

func (m *memStore) SaveStep(ctx context.Context, s Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, s)
	return nil
}

func TestTransitions(t *testing.T) {
	t.Parallel()
	runCases := []struct {
		from, to RunStatus
		ok       bool
	}{
		{RunQueued, RunRunning, true},
		{RunQueued, RunCanceled, true},
		{RunQueued, RunSuccess, false},
		{RunRunning, RunSuccess, true},
		{RunRunning, RunFailed, true},
		{RunRunning, RunCanceled, true},
		{RunSuccess, RunFailed, false},
		{RunCanceled, RunRunning, false},
	}
	for _, tc := range runCases {
		r := &Run{ID: "r", Status: tc.from}
		err := TransitionRun(r, tc.from, tc.to)
		if (err == nil) != tc.ok {
			t.Fatalf("run %s -> %s: err=%v want ok=%v", tc.from, tc.to, err, tc.ok)
		}
		if !tc.ok && r.Status != tc.from {
			t.Fatalf("rejected transition mutated status to %s", r.Status)
		}
	}

	stepCases := []struct {
		from, to StepStatus
		ok       bool
	}{
		{StepQueued, StepRunning, true},
		{StepQueued, StepSkipped, true},
		{StepQueued, StepSuccess, false},
		{StepRunning, StepSuccess, true},
		{StepRunning, StepFailed, true},
		{StepRunning, StepSkipped, true},
		{StepFailed, StepSuccess, false},
	}
	for _, tc := range stepCases {
		s := &Step{Name: "x", Status: tc.from}
		if err := TransitionStep(s, tc.from, tc.to); (err == nil) != tc.ok {
			t.Fatalf("step %s -> %s: err=%v want ok=%v", tc.from, tc.to, err, tc.ok)
		}
	}

	s := &Step{Name: "x", Status: StepRunning}
	if err := TransitionStep(s, StepQueued, StepRunning); err == nil {
		t.Fatal("expected stale from-state to be rejected")
	}
}

func TestDerive(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		steps  []StepStatus
		want   RunStatus
		wantOK bool
	}{
		{"pending", []StepStatus{StepSuccess, StepRunning}, "", false},
		{"all success", []StepStatus{StepSuccess, StepSuccess}, RunSuccess, true},
		{"skipped counts as success", []StepStatus{StepSuccess, StepSkipped}, RunSuccess, true},
		{"any failed", []StepStatus{StepFailed, StepSuccess, StepSkipped}, RunFailed, true},
		{"failed but pending", []StepStatus{StepFailed, StepQueued}, "", false},
		{"no steps", nil, RunSuccess, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			steps := make([]Step, len(tc.steps))
			for i, st := range tc.steps {
				steps[i] = Step{Status: st}
			}
			got, ok := Derive(steps)
			if got != tc.want || ok != tc.wantOK {
				t.Fatalf("Derive = %q,%v want %q,%v", got, ok, tc.want, tc.wantOK)
			}
		})
	}
}

func TestTrackerPartialFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := &memStore{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()

	gh := CollectorStep(model.IntegrationGitHub)
	sl := CollectorStep(model.IntegrationSlack)
	tr := NewTracker(ctx, "t1", []StepName{gh, sl}, Options{Store: store, Bus: bus})

	if tr.Snapshot().Status != RunQueued {
		t.Fatalf("initial status %s", tr.Snapshot().Status)
	}
	if err := tr.StartStep(ctx, gh); err != nil {
		t.Fatal(err)
	}
	if err := tr.StartStep(ctx, sl); err != nil {
		t.Fatal(err)
	}
	if tr.Snapshot().Status != RunRunning {
		t.Fatal("run should be running once a step starts")
	}
	if err := tr.FinishStep(ctx, gh, errors.New("502 bad gateway")); err != nil {
		t.Fatal(err)
	}
	select {
	case <-tr.Done():
		t.Fatal("run finished while a step is still running")
	default:
	}
	if err := tr.FinishStep(ctx, sl, nil); err != nil {
		t.Fatal(err)
	}

	wctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	run, err := tr.Wait(wctx)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != RunFailed {
		t.Fatalf("run status %s, want failed", run.Status)
	}
	if s, _ := run.Step(sl); s.Status != StepSuccess {
		t.Fatalf("slack step %s, want success", s.Status)
	}
	if s, _ := run.Step(gh); s.Error != "502 bad gateway" {
		t.Fatalf("github step error %q", s.Error)
	}
	if len(store.runs) == 0 || store.runs[len(store.runs)-1].Status != RunFailed {
		t.Fatal("final run status not persisted")
	}

	var finished bool
	for len(events) > 0 {
		if e := <-events; e.Type == eventbus.RunFinished {
			finished = true
		}
	}
	if !finished {
		t.Fatal("run.finished not published")
	}
}

func TestTrackerAllSkippedSucceeds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr := NewTracker(ctx, "t1", []StepName{StepCollectorSlack, StepAssembler}, Options{})
	_ = tr.SkipStep(ctx, StepCollectorSlack, "no_credential")
	_ = tr.SkipStep(ctx, StepAssembler, "no_data")
	<-tr.Done()
	if got := tr.Snapshot().Status; got != RunSuccess {
		t.Fatalf("status %s, want success", got)
	}
}

func TestTrackerRejectsIllegalAndUnknown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr := NewTracker(ctx, "t1", []StepName{StepAssembler}, Options{})
	if err := tr.FinishStep(ctx, StepAssembler, nil); err == nil {
		t.Fatal("queued -> success should be rejected")
	}
	if err := tr.StartStep(ctx, StepSenderEmail); !errors.Is(err, ErrUnknownStep) {
		t.Fatalf("err = %v, want ErrUnknownStep", err)
	}
}

func TestTrackerCancel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr := NewTracker(ctx, "t1", []StepName{StepCollectorGitHub, StepAssembler}, Options{})
	_ = tr.StartStep(ctx, StepCollectorGitHub)
	if err := tr.Cancel(ctx, "shutdown"); err != nil {
		t.Fatal(err)
	}
	<-tr.Done()
	run := tr.Snapshot()
	if run.Status != RunCanceled || run.Reason != "shutdown" {
		t.Fatalf("run = %+v", run)
	}
	if s, _ := run.Step(StepAssembler); s.Status != StepSkipped {
		t.Fatalf("queued step after cancel = %s", s.Status)
	}
	if err := tr.FinishStep(ctx, StepCollectorGitHub, nil); err != nil {
		t.Fatalf("running step should still complete: %v", err)
	}
	if tr.Snapshot().Status != RunCanceled {
		t.Fatal("cancel must stay terminal")
	}
	if err := tr.Cancel(ctx, "again"); err == nil {
		t.Fatal("second cancel should error")
	}
}
