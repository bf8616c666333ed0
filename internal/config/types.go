package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	TaskEngine TaskEngineConfig `json:"task_engine"`
	Dispatch   DispatchConfig   `json:"dispatch"`
	Storage    StorageConfig    `json:"storage"`
	Secrets    SecretsConfig    `json:"secrets"`
	Collectors CollectorsConfig `json:"collectors"`
	Notifier   NotifierConfig   `json:"notifier"`
	Debug      DebugConfig      `json:"debug"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the tick trigger.
//
// Spec is a robfig/cron expression (5 fields or a descriptor like "@every 15m").
// Defaults: spec "*/15 * * * *", timezone falls back to dispatch.timezone.
type SchedulerConfig struct {
	Enabled    bool   `json:"enabled"`
	Spec       string `json:"spec,omitempty"`
	Timezone   string `json:"timezone,omitempty"`
	RunOnStart bool   `json:"run_on_start,omitempty"`
}

// TaskEngineConfig controls the collector worker pool.
//
// Enabled is a pointer so "omitted" (enabled) differs from an explicit false.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 3
type TaskEngineConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`

	CircuitTripFailures int    `json:"circuit_trip_failures,omitempty"`
	CircuitBaseDelay    string `json:"circuit_base_delay,omitempty"`
	CircuitMaxDelay     string `json:"circuit_max_delay,omitempty"`
	CircuitResetAfter   string `json:"circuit_reset_after,omitempty"`
}

// DispatchConfig controls target selection and run layout.
//
// out_dir, lookback_days and timezone are overridden by DIGEST_OUT_DIR,
// DIGEST_LOOKBACK_DAYS and DIGEST_TIMEZONE.
type DispatchConfig struct {
	OutDir           string `json:"out_dir,omitempty"`
	LookbackDays     int    `json:"lookback_days,omitempty"`
	Timezone         string `json:"timezone,omitempty"`
	DueWindow        string `json:"due_window,omitempty"`
	GateOnSchedule   bool   `json:"gate_on_schedule,omitempty"`
	Title            string `json:"title,omitempty"`
	CollectorTimeout string `json:"collector_timeout,omitempty"`
	CollectorRetries int    `json:"collector_retries,omitempty"`
	FinalizeTimeout  string `json:"finalize_timeout,omitempty"`
}

// StorageConfig controls persistence.
//
// Example:
//
//	storage: { driver: file, path: ./data/state, catalog_path: ./catalog.yaml }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	CatalogPath string `json:"catalog_path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// SecretsConfig configures credential lookup: environment first, then the optional file.
type SecretsConfig struct {
	EnvPrefix string `json:"env_prefix,omitempty"`
	File      string `json:"file,omitempty"`
}

type CollectorsConfig struct {
	GitHub GitHubCollectorConfig `json:"github"`
	Slack  SlackCollectorConfig  `json:"slack"`
}

type GitHubCollectorConfig struct {
	Enabled *bool   `json:"enabled,omitempty"`
	BaseURL string  `json:"base_url,omitempty"`
	PerPage int     `json:"per_page,omitempty"`
	RPS     float64 `json:"rps,omitempty"`
	Burst   int     `json:"burst,omitempty"`
}

type SlackCollectorConfig struct {
	Enabled    *bool   `json:"enabled,omitempty"`
	APIURL     string  `json:"api_url,omitempty"`
	PageSize   int     `json:"page_size,omitempty"`
	RPS        float64 `json:"rps,omitempty"`
	Burst      int     `json:"burst,omitempty"`
	Permalinks *bool   `json:"permalinks,omitempty"`
}

// NotifierConfig controls digest delivery. Each sender block enables that sender.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	SendTimeout     string `json:"send_timeout,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`

	File     *FileSenderConfig     `json:"file,omitempty"`
	Webhook  *WebhookSenderConfig  `json:"webhook,omitempty"`
	Slack    *SlackSenderConfig    `json:"slack,omitempty"`
	Email    *EmailSenderConfig    `json:"email,omitempty"`
	Telegram *TelegramSenderConfig `json:"telegram,omitempty"`
}

type FileSenderConfig struct {
	Dir string `json:"dir"`
}

type WebhookSenderConfig struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// SlackSenderConfig posts to an incoming webhook. The URL is a secret reference.
type SlackSenderConfig struct {
	WebhookURLRef string `json:"webhook_url_ref"`
}

// EmailSenderConfig sends over SMTP. The password is a secret reference (never inline).
type EmailSenderConfig struct {
	Addr        string   `json:"addr"`
	Username    string   `json:"username,omitempty"`
	PasswordRef string   `json:"password_ref,omitempty"`
	From        string   `json:"from"`
	To          []string `json:"to"`
}

// TelegramSenderConfig uploads the digest as a document. The bot token is a secret reference.
type TelegramSenderConfig struct {
	TokenRef string `json:"token_ref"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	APIURL   string `json:"api_url,omitempty"`
}

// DebugConfig controls the operator HTTP endpoint (/healthz, /runs, optional pprof).
//
// token_ref is a secret reference. A non-loopback addr needs token_ref or allow_insecure.
// Defaults: addr "127.0.0.1:6060", prefix "/debug/pprof/".
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	TokenRef      string `json:"token_ref,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	Pprof                bool   `json:"pprof,omitempty"`
	Prefix               string `json:"prefix,omitempty"`
	MutexProfileFraction int    `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int    `json:"block_profile_rate,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
