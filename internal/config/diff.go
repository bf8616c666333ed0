package config

import (
	"reflect"
	"strings"

	logx "digestbot/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe structured attrs
// for logging. Webhook headers and secret references are reported as counts or flags only.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.spec", strings.TrimSpace(newCfg.Scheduler.Spec)),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		changed = append(changed, "task_engine")
		enabled := newCfg.TaskEngine.Enabled == nil || *newCfg.TaskEngine.Enabled
		attrs = append(attrs,
			logx.Bool("task_engine.enabled", enabled),
			logx.Int("task_engine.workers", newCfg.TaskEngine.Workers),
			logx.Int("task_engine.queue_size", newCfg.TaskEngine.QueueSize),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.String("dispatch.out_dir", newCfg.Dispatch.OutDir),
			logx.Int("dispatch.lookback_days", newCfg.Dispatch.LookbackDays),
			logx.String("dispatch.timezone", newCfg.Dispatch.Timezone),
			logx.Bool("dispatch.gate_on_schedule", newCfg.Dispatch.GateOnSchedule),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
		)
	}

	if !reflect.DeepEqual(oldCfg.Secrets, newCfg.Secrets) {
		changed = append(changed, "secrets")
		attrs = append(attrs,
			logx.String("secrets.env_prefix", newCfg.Secrets.EnvPrefix),
			logx.Bool("secrets.file_set", strings.TrimSpace(newCfg.Secrets.File) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Collectors, newCfg.Collectors) {
		changed = append(changed, "collectors")
		attrs = append(attrs,
			logx.Bool("collectors.github_enabled", boolOr(newCfg.Collectors.GitHub.Enabled, true)),
			logx.Bool("collectors.slack_enabled", boolOr(newCfg.Collectors.Slack.Enabled, true)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		n := newCfg.Notifier
		headers := 0
		if n.Webhook != nil {
			headers = len(n.Webhook.Headers)
		}
		attrs = append(attrs,
			logx.Bool("notifier.enabled", n.Enabled),
			logx.Strings("notifier.senders", SenderNames(n)),
			logx.Int("notifier.webhook_headers", headers),
		)
	}

	if !reflect.DeepEqual(oldCfg.Debug, newCfg.Debug) {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", strings.TrimSpace(newCfg.Debug.Addr)),
			logx.Bool("debug.pprof", newCfg.Debug.Pprof),
			logx.Bool("debug.token_set", strings.TrimSpace(newCfg.Debug.TokenRef) != ""),
		)
	}

	return changed, attrs
}

// SenderNames lists the configured notifier senders in a fixed order.
func SenderNames(n NotifierConfig) []string {
	var out []string
	if n.File != nil {
		out = append(out, "file")
	}
	if n.Webhook != nil {
		out = append(out, "webhook")
	}
	if n.Slack != nil {
		out = append(out, "slack")
	}
	if n.Email != nil {
		out = append(out, "email")
	}
	if n.Telegram != nil {
		out = append(out, "telegram")
	}
	return out
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
