package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"digestbot/internal/observability/debugsrv"
	"digestbot/internal/task/scheduler"
)

// Validate reports every problem in cfg at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if cfg.Scheduler.Enabled {
		spec := strings.TrimSpace(cfg.Scheduler.Spec)
		if spec != "" {
			if err := scheduler.ValidateSchedule(spec); err != nil {
				add(fmt.Errorf("scheduler.spec: %w", err))
			}
		}
	}
	_, err := ParseLocation("scheduler.timezone", cfg.Scheduler.Timezone)
	add(err)

	te := cfg.TaskEngine
	dur("task_engine.default_timeout", te.DefaultTimeout)
	dur("task_engine.max_queue_delay", te.MaxQueueDelay)
	dur("task_engine.circuit_base_delay", te.CircuitBaseDelay)
	dur("task_engine.circuit_max_delay", te.CircuitMaxDelay)
	dur("task_engine.circuit_reset_after", te.CircuitResetAfter)
	if te.Workers < 0 || te.QueueSize < 0 {
		add(errors.New("task_engine: workers and queue_size must be >= 0"))
	}

	d := cfg.Dispatch
	if d.LookbackDays < 0 {
		add(errors.New("dispatch.lookback_days must be >= 0"))
	}
	_, err = ParseLocation("dispatch.timezone", d.Timezone)
	add(err)
	dur("dispatch.due_window", d.DueWindow)
	dur("dispatch.collector_timeout", d.CollectorTimeout)
	dur("dispatch.finalize_timeout", d.FinalizeTimeout)

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "none":
	case "file":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(errors.New("storage.path is required for the file driver"))
		}
		if strings.TrimSpace(cfg.Storage.CatalogPath) == "" {
			add(errors.New("storage.catalog_path is required for the file driver"))
		}
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(errors.New("storage.path is required for the sqlite driver"))
		}
		dur("storage.busy_timeout", cfg.Storage.BusyTimeout)
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}

	for name, c := range map[string]struct {
		url  string
		page int
		rps  float64
	}{
		"collectors.github": {cfg.Collectors.GitHub.BaseURL, cfg.Collectors.GitHub.PerPage, cfg.Collectors.GitHub.RPS},
		"collectors.slack":  {cfg.Collectors.Slack.APIURL, cfg.Collectors.Slack.PageSize, cfg.Collectors.Slack.RPS},
	} {
		if c.url != "" {
			add(validURL(name+".url", c.url))
		}
		if c.page < 0 || c.rps < 0 {
			add(fmt.Errorf("%s: page size and rps must be >= 0", name))
		}
	}

	n := cfg.Notifier
	dur("notifier.retry_base", n.RetryBase)
	dur("notifier.retry_max_delay", n.RetryMaxDelay)
	dur("notifier.send_timeout", n.SendTimeout)
	dur("notifier.dedup_window", n.DedupWindow)
	if n.File != nil && strings.TrimSpace(n.File.Dir) == "" {
		add(errors.New("notifier.file.dir is required"))
	}
	if n.Webhook != nil {
		add(validURL("notifier.webhook.url", n.Webhook.URL))
	}
	if n.Slack != nil && strings.TrimSpace(n.Slack.WebhookURLRef) == "" {
		add(errors.New("notifier.slack.webhook_url_ref is required"))
	}
	if tg := n.Telegram; tg != nil {
		if strings.TrimSpace(tg.TokenRef) == "" || tg.ChatID == 0 {
			add(errors.New("notifier.telegram: token_ref and chat_id are required"))
		}
		if tg.APIURL != "" {
			add(validURL("notifier.telegram.api_url", tg.APIURL))
		}
	}
	if e := n.Email; e != nil {
		if strings.TrimSpace(e.Addr) == "" || strings.TrimSpace(e.From) == "" || len(e.To) == 0 {
			add(errors.New("notifier.email: addr, from and to are required"))
		}
		if e.Username != "" && strings.TrimSpace(e.PasswordRef) == "" {
			add(errors.New("notifier.email.password_ref is required with username"))
		}
	}

	dbg := cfg.Debug
	dur("debug.read_timeout", dbg.ReadTimeout)
	dur("debug.write_timeout", dbg.WriteTimeout)
	dur("debug.idle_timeout", dbg.IdleTimeout)
	if dbg.Enabled {
		addr := strings.TrimSpace(dbg.Addr)
		if addr == "" {
			addr = debugsrv.DefaultAddr
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			add(fmt.Errorf("debug.addr: %w", err))
		} else if err := debugsrv.CheckBind(addr, strings.TrimSpace(dbg.TokenRef), dbg.AllowInsecure); err != nil {
			add(fmt.Errorf("debug: %w", err))
		}
	}

	return errors.Join(errs...)
}

func validURL(path, raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s: invalid url %q", path, raw)
	}
	return nil
}
