package app

import (
	"digestbot/internal/notifier"
	rtsup "digestbot/internal/runtime/supervisor"
	"digestbot/internal/task/engine"
	"digestbot/internal/task/scheduler"
)

// Status is the /healthz body.
type Status struct {
	Status     string                 `json:"status"`
	Supervisor rtsup.Counters         `json:"supervisor"`
	Scheduler  scheduler.Snapshot     `json:"scheduler"`
	Engine     engine.Snapshot        `json:"engine"`
	Deliveries []notifier.HistoryItem `json:"deliveries,omitempty"`
}

// Status reports component state. "degraded" means the supervisor recorded a fatal error.
func (a *App) Status() Status {
	st := Status{
		Status:     "ok",
		Scheduler:  a.sched.Snapshot(),
		Engine:     a.engine.Snapshot(),
		Deliveries: a.notif.Snapshot(),
	}
	if a.sup != nil {
		st.Supervisor = a.sup.Counters()
		if a.sup.Err() != nil {
			st.Status = "degraded"
		}
	}
	return st
}
