// Package runstate tracks the lifecycle of one dispatch attempt (a Run) and its per-stage Steps.
//
// Run:  queued -> running -> {success, failed, canceled}; queued -> canceled.
// Step: queued -> running -> {success, failed, skipped}; queued -> skipped.
//
// A Run becomes terminal once every Step is terminal: failed if any Step failed, success
// otherwise. canceled is only ever set from outside.
package runstate

import (
	"fmt"
	"time"

	"digestbot/internal/model"
)

type RunStatus string

const (
	RunQueued   RunStatus = "queued"
	RunRunning  RunStatus = "running"
	RunSuccess  RunStatus = "success"
	RunFailed   RunStatus = "failed"
	RunCanceled RunStatus = "canceled"
)

func (s RunStatus) Terminal() bool {
	return s == RunSuccess || s == RunFailed || s == RunCanceled
}

type StepStatus string

const (
	StepQueued  StepStatus = "queued"
	StepRunning StepStatus = "running"
	StepSuccess StepStatus = "success"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

func (s StepStatus) Terminal() bool {
	return s == StepSuccess || s == StepFailed || s == StepSkipped
}

type StepName string

const (
	StepCollectorSlack  StepName = "collector_slack"
	StepCollectorGitHub StepName = "collector_github"
	StepSummarizer      StepName = "summarizer"
	StepAssembler       StepName = "assembler"
	StepSenderEmail     StepName = "sender_email"
)

// CollectorStep names the collector step for an integration type.
func CollectorStep(t model.IntegrationType) StepName {
	return StepName("collector_" + string(t))
}

// IsCollector reports whether n is a collector step.
func (n StepName) IsCollector() bool {
	return len(n) > len("collector_") && n[:len("collector_")] == "collector_"
}

type Run struct {
	ID         string    `json:"run_id"`
	TargetID   string    `json:"target_id"`
	Status     RunStatus `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Steps      []Step    `json:"steps,omitempty"`
}

type Step struct {
	RunID      string     `json:"run_id"`
	Name       StepName   `json:"name"`
	Status     StepStatus `json:"status"`
	Reason     string     `json:"reason,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at,omitempty"`
	FinishedAt time.Time  `json:"finished_at,omitempty"`
}

// Step returns the named step of a run snapshot.
func (r Run) Step(name StepName) (Step, bool) {
	for _, s := range r.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return Step{}, false
}

func allowedRun(from, to RunStatus) bool {
	switch from {
	case RunQueued:
		return to == RunRunning || to == RunCanceled
	case RunRunning:
		return to == RunSuccess || to == RunFailed || to == RunCanceled
	default:
		return false
	}
}

func allowedStep(from, to StepStatus) bool {
	switch from {
	case StepQueued:
		return to == StepRunning || to == StepSkipped
	case StepRunning:
		return to == StepSuccess || to == StepFailed || to == StepSkipped
	default:
		return false
	}
}

// TransitionRun moves r from -> to. The expected prior state makes races observable:
// r is mutated only if it is currently in from and the edge is allowed.
func TransitionRun(r *Run, from, to RunStatus) error {
	if r.Status != from {
		return fmt.Errorf("run %s: expected %s, got %s", r.ID, from, r.Status)
	}
	if !allowedRun(from, to) {
		return fmt.Errorf("run %s: disallowed transition %s -> %s", r.ID, from, to)
	}
	r.Status = to
	return nil
}

// TransitionStep is TransitionRun for steps.
func TransitionStep(s *Step, from, to StepStatus) error {
	if s.Status != from {
		return fmt.Errorf("step %s: expected %s, got %s", s.Name, from, s.Status)
	}
	if !allowedStep(from, to) {
		return fmt.Errorf("step %s: disallowed transition %s -> %s", s.Name, from, to)
	}
	s.Status = to
	return nil
}

// Derive computes the run status implied by its steps. ok is false while any step is pending.
func Derive(steps []Step) (status RunStatus, ok bool) {
	failed := false
	for _, s := range steps {
		if !s.Status.Terminal() {
			return "", false
		}
		if s.Status == StepFailed {
			failed = true
		}
	}
	if failed {
		return RunFailed, true
	}
	return RunSuccess, true
}
