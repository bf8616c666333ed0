package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"digestbot/internal/collector"
	ghcollector "digestbot/internal/collector/github"
	slackcollector "digestbot/internal/collector/slack"
	"digestbot/internal/config"
	"digestbot/internal/dispatch"
	"digestbot/internal/notifier"
	"digestbot/internal/observability/debugsrv"
	"digestbot/internal/secrets"
	"digestbot/internal/storage"
	"digestbot/internal/task/engine"
	"digestbot/internal/task/scheduler"
	logx "digestbot/pkg/logx"
)

// DefaultTickSpec is used when scheduler.spec is empty.
const DefaultTickSpec = "*/15 * * * *"

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// StorageConfig maps the storage section for commands that only need the store.
func StorageConfig(cfg *config.Config) (storage.Config, error) { return mapStorageConfig(cfg) }

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		CatalogPath: strings.TrimSpace(sc.CatalogPath),
		BusyTimeout: busy,
	}, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	te := cfg.TaskEngine
	enabled := te.Enabled == nil || *te.Enabled

	var (
		out = engine.Config{
			Enabled:             enabled,
			Workers:             te.Workers,
			QueueSize:           te.QueueSize,
			HistorySize:         te.HistorySize,
			RetryMax:            te.RetryMax,
			CircuitTripFailures: te.CircuitTripFailures,
		}
		err error
	)
	durs := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"task_engine.default_timeout", te.DefaultTimeout, &out.DefaultTimeout},
		{"task_engine.max_queue_delay", te.MaxQueueDelay, &out.MaxQueueDelay},
		{"task_engine.circuit_base_delay", te.CircuitBaseDelay, &out.CircuitBaseDelay},
		{"task_engine.circuit_max_delay", te.CircuitMaxDelay, &out.CircuitMaxDelay},
		{"task_engine.circuit_reset_after", te.CircuitResetAfter, &out.CircuitResetAfter},
	}
	for _, d := range durs {
		if *d.dst, err = config.ParseDurationField(d.path, d.raw); err != nil {
			return engine.Config{}, err
		}
	}
	return out, nil
}

// schedulerTimezone falls back to the dispatch timezone so ticks and due checks agree.
func schedulerTimezone(cfg *config.Config) string {
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		return tz
	}
	return strings.TrimSpace(cfg.Dispatch.Timezone)
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: schedulerTimezone(cfg)}
}

func tickSpec(cfg *config.Config) string {
	if s := strings.TrimSpace(cfg.Scheduler.Spec); s != "" {
		return s
	}
	return DefaultTickSpec
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	d := cfg.Dispatch
	loc, err := config.ParseLocation("dispatch.timezone", d.Timezone)
	if err != nil {
		return dispatch.Config{}, err
	}
	out := dispatch.Config{
		OutDir:           strings.TrimSpace(d.OutDir),
		LookbackDays:     d.LookbackDays,
		GateOnSchedule:   d.GateOnSchedule,
		Location:         loc,
		Title:            strings.TrimSpace(d.Title),
		CollectorRetries: d.CollectorRetries,
	}
	if out.DueWindow, err = config.ParseDurationField("dispatch.due_window", d.DueWindow); err != nil {
		return dispatch.Config{}, err
	}
	if out.CollectorTimeout, err = config.ParseDurationField("dispatch.collector_timeout", d.CollectorTimeout); err != nil {
		return dispatch.Config{}, err
	}
	if out.FinalizeTimeout, err = config.ParseDurationField("dispatch.finalize_timeout", d.FinalizeTimeout); err != nil {
		return dispatch.Config{}, err
	}
	return out, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	out := notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
	}
	var err error
	if out.RetryBase, err = config.ParseDurationField("notifier.retry_base", n.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.SendTimeout, err = config.ParseDurationField("notifier.send_timeout", n.SendTimeout); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationField("notifier.dedup_window", n.DedupWindow); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

func buildSecrets(cfg *config.Config) secrets.Provider {
	providers := []secrets.Provider{secrets.NewEnvProvider(cfg.Secrets.EnvPrefix)}
	if f := strings.TrimSpace(cfg.Secrets.File); f != "" {
		providers = append(providers, secrets.NewFileProvider(f))
	}
	return secrets.NewChainProvider(providers...)
}

func buildCollectors(cfg *config.Config, log logx.Logger) *collector.Registry {
	var cs []collector.Collector
	gh := cfg.Collectors.GitHub
	if gh.Enabled == nil || *gh.Enabled {
		cs = append(cs, ghcollector.New(ghcollector.Config{
			BaseURL: gh.BaseURL,
			PerPage: gh.PerPage,
			RPS:     gh.RPS,
			Burst:   gh.Burst,
		}, log))
	}
	sl := cfg.Collectors.Slack
	if sl.Enabled == nil || *sl.Enabled {
		cs = append(cs, slackcollector.New(slackcollector.Config{
			APIURL:    sl.APIURL,
			PageSize:  sl.PageSize,
			RPS:       sl.RPS,
			Burst:     sl.Burst,
			Permalink: sl.Permalinks == nil || *sl.Permalinks,
		}, log))
	}
	return collector.NewRegistry(cs...)
}

func requireStore(st storage.Store, cfg storage.Config) error {
	if st == nil {
		return fmt.Errorf("storage driver %q has no catalog; configure storage.driver file or sqlite", cfg.Driver)
	}
	return nil
}

// mapDebugConfig resolves debug.token_ref, so it needs the credential resolver.
func mapDebugConfig(ctx context.Context, cfg *config.Config, creds credentialResolver) (debugsrv.Config, error) {
	d := cfg.Debug
	out := debugsrv.Config{
		Enabled:              d.Enabled,
		Addr:                 strings.TrimSpace(d.Addr),
		Prefix:               d.Prefix,
		AllowInsecure:        d.AllowInsecure,
		Pprof:                d.Pprof,
		MutexProfileFraction: d.MutexProfileFraction,
		BlockProfileRate:     d.BlockProfileRate,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("debug.read_timeout", d.ReadTimeout, 10*time.Second); err != nil {
		return out, err
	}
	// pprof profile and trace default to 30s captures.
	if out.WriteTimeout, err = config.ParseDurationOrDefault("debug.write_timeout", d.WriteTimeout, time.Minute); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("debug.idle_timeout", d.IdleTimeout, time.Minute); err != nil {
		return out, err
	}
	if ref := strings.TrimSpace(d.TokenRef); ref != "" && d.Enabled {
		tok, ok := creds.Resolve(ctx, &ref)
		if !ok {
			return out, fmt.Errorf("debug: token %q not resolvable", ref)
		}
		out.Token = tok
	}
	return out, nil
}
