package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"digestbot/internal/config"
	"digestbot/internal/runstate"
	logx "digestbot/pkg/logx"
)

const testCatalog = `
targets:
  - target_id: eng-weekly
    workspace_id: acme
    schedule_cron: "0 9 * * 1"
    is_active: true
sources:
  - {target_id: eng-weekly, source_type: slack_channel, source_ident: "#general"}
integrations:
  - workspace_id: acme
    type: slack
    credential_ref: acme-slack
    resource_cache: {channels: [{name: general, id: C123}]}
`

type fixture struct {
	dir     string
	cfgPath string
	outbox  string
}

// newFixture writes a catalog, a secrets file and a config whose slack collector talks to api.
func newFixture(t *testing.T, api string, extra string) fixture {
	t.Helper()
	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
		return p
	}
	catalog := write("catalog.yaml", testCatalog)
	secretsFile := write("secrets.yaml", "acme-slack: xoxb-test\n")
	outbox := filepath.Join(dir, "outbox")

	cfg := fmt.Sprintf(`
logging: {level: error}
scheduler: {enabled: false}
dispatch:
  out_dir: %q
  lookback_days: 7
storage:
  driver: file
  path: %q
  catalog_path: %q
secrets:
  env_prefix: DIGESTBOT_TEST_UNSET_
  file: %q
collectors:
  github: {enabled: false}
  slack: {api_url: %q, permalinks: false}
notifier:
  enabled: true
  retry_base: 10ms
  file: {dir: %q}
%s`, filepath.Join(dir, "runs"), filepath.Join(dir, "state"), catalog, secretsFile, api, outbox, extra)
	return fixture{dir: dir, cfgPath: write("config.yaml", cfg), outbox: outbox}
}

func slackAPI(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "conversations.history"):
			_, _ = w.Write([]byte(`{"ok":true,"messages":[],"has_more":false}`))
		default:
			_, _ = w.Write([]byte(`{"ok":true}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTickEndToEnd(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, slackAPI(t).URL, "")
	now := time.Date(2024, 1, 8, 8, 30, 0, 0, time.UTC)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a, err := New(ctx, fx.cfgPath, Options{Now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.StartWorkers(ctx)

	b, err := a.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	runs, err := b.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != runstate.RunSuccess {
		t.Fatalf("runs = %+v", runs)
	}
	for _, name := range []runstate.StepName{runstate.StepCollectorSlack, runstate.StepSummarizer, runstate.StepAssembler, runstate.StepSenderEmail} {
		if st, ok := runs[0].Step(name); !ok || st.Status != runstate.StepSuccess {
			t.Fatalf("step %s = %+v", name, st)
		}
	}

	delivered, _ := filepath.Glob(filepath.Join(fx.outbox, "eng-weekly-*.md"))
	if len(delivered) != 1 {
		t.Fatalf("delivered = %v", delivered)
	}

	hist, err := a.Store().ListRuns(ctx, "eng-weekly", 10)
	if err != nil || len(hist) != 1 || hist[0].ID != runs[0].ID {
		t.Fatalf("ListRuns = %+v, %v", hist, err)
	}

	if st := a.Status(); st.Status != "ok" || len(st.Scheduler.Schedules) != 1 || st.Scheduler.Schedules[0].Name != TickSchedule {
		t.Fatalf("status = %+v", st)
	}

	if err := a.Stop(ctx, StopCommandEnd); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestNewRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		extra string
		want  string
	}{
		{name: "unresolvable slack webhook", extra: "  slack: {webhook_url_ref: missing-ref}\n", want: "notifier.slack"},
		{name: "email password", extra: "  email: {addr: 'smtp:25', username: bot, password_ref: nope, from: a@b.c, to: [d@e.f]}\n", want: "notifier.email"},
		{name: "telegram token", extra: "  telegram: {token_ref: nope, chat_id: 42}\n", want: "notifier.telegram"},
		{name: "debug token", extra: "debug: {enabled: true, token_ref: nope}\n", want: "debug"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fx := newFixture(t, "http://127.0.0.1:1", tt.extra)
			_, err := New(context.Background(), fx.cfgPath, Options{})
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("New = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestNewRequiresCatalog(t *testing.T) {
	t.Parallel()

	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte("storage: {driver: none}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := New(context.Background(), p, Options{}); err == nil {
		t.Fatal("New accepted a config without storage")
	}
}

func TestMapping(t *testing.T) {
	t.Parallel()

	off := false
	cfg := &config.Config{
		Scheduler:  config.SchedulerConfig{Enabled: true},
		TaskEngine: config.TaskEngineConfig{Enabled: &off, Workers: 3, DefaultTimeout: "30s"},
		Dispatch:   config.DispatchConfig{Timezone: "Europe/Berlin", DueWindow: "90m"},
		Notifier:   config.NotifierConfig{RetryBase: "bad"},
	}

	if got := tickSpec(cfg); got != DefaultTickSpec {
		t.Fatalf("tickSpec = %q", got)
	}
	if sc := mapSchedulerConfig(cfg); sc.Timezone != "Europe/Berlin" || !sc.Enabled {
		t.Fatalf("scheduler = %+v", sc)
	}
	ec, err := mapEngineConfig(cfg)
	if err != nil || ec.Enabled || ec.Workers != 3 || ec.DefaultTimeout != 30*time.Second {
		t.Fatalf("engine = %+v, %v", ec, err)
	}
	dc, err := mapDispatchConfig(cfg)
	if err != nil || dc.DueWindow != 90*time.Minute || dc.Location.String() != "Europe/Berlin" {
		t.Fatalf("dispatch = %+v, %v", dc, err)
	}
	if _, err := mapNotifierConfig(cfg); err == nil {
		t.Fatal("bad notifier duration accepted")
	}
	if reg := buildCollectors(&config.Config{}, logx.Nop()); len(reg.Types()) != 2 {
		t.Fatalf("default collectors = %v", reg.Types())
	}
}

type staticCreds map[string]string

func (c staticCreds) Resolve(_ context.Context, ref *string) (string, bool) {
	if ref == nil {
		return "", false
	}
	v, ok := c[*ref]
	return v, ok
}

func TestMapDebugConfig(t *testing.T) {
	t.Parallel()

	creds := staticCreds{"debug-token": "s3cret"}
	cfg := &config.Config{Debug: config.DebugConfig{Enabled: true, Addr: " :6060 ", TokenRef: "debug-token", ReadTimeout: "2s"}}
	dc, err := mapDebugConfig(context.Background(), cfg, creds)
	if err != nil {
		t.Fatal(err)
	}
	if dc.Addr != ":6060" || dc.Token != "s3cret" || dc.ReadTimeout != 2*time.Second || dc.WriteTimeout != time.Minute {
		t.Fatalf("debug = %+v", dc)
	}

	cfg.Debug.TokenRef = "other"
	if _, err := mapDebugConfig(context.Background(), cfg, creds); err == nil {
		t.Fatal("unresolvable token accepted")
	}
	cfg.Debug.Enabled = false
	if _, err := mapDebugConfig(context.Background(), cfg, creds); err != nil {
		t.Fatalf("disabled debug resolved its token: %v", err)
	}
}
