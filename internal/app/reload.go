package app

import (
	"context"
	"slices"

	"digestbot/internal/config"
	logx "digestbot/pkg/logx"
)

// restartOnly lists sections whose changes need a process restart.
var restartOnly = []string{"storage", "secrets", "collectors"}

// applyConfig pushes a validated config into the running components. The manager already
// logged the change summary.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	a.logs.Apply(mapLogConfig(cfg))

	if engCfg, err := mapEngineConfig(cfg); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.engine.Enabled()
		a.engine.Apply(ctx, engCfg)
		if !wasEnabled && engCfg.Enabled {
			a.engine.Start(ctx)
		}
	}

	if dcfg, err := mapDispatchConfig(cfg); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.disp.Apply(dcfg)
	}

	if ncfg, err := mapNotifierConfig(cfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else if senders, err := buildSenders(ctx, cfg, a.creds); err != nil {
		a.log.Warn("notifier senders not rebuilt; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.notif.Enabled()
		a.notif.Apply(ncfg, senders)
		switch {
		case wasEnabled && !ncfg.Enabled:
			a.notif.Stop(ctx)
		case !wasEnabled && ncfg.Enabled:
			a.notif.Start(ctx)
		}
	}

	// Apply handles timezone and enable flips; a new spec replaces the tick entry.
	if spec := tickSpec(cfg); spec != tickSpec(a.applied) {
		if err := a.sched.AddSchedule(TickSchedule, spec, 0, a.tick); err != nil {
			a.log.Warn("tick schedule not updated", logx.Err(err))
		}
	}
	a.sched.Apply(mapSchedulerConfig(cfg))

	if dc, err := mapDebugConfig(ctx, cfg, a.creds); err != nil {
		a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
	} else {
		a.debugCfg = dc
		a.debug.Reconfigure(ctx, dc)
	}

	changed, _ := config.SummarizeConfigChange(a.applied, cfg)
	for _, sec := range changed {
		if slices.Contains(restartOnly, sec) {
			a.log.Warn("config section changed; restart required", logx.String("section", sec))
		}
	}
	a.applied = cfg
}
