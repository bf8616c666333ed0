package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"digestbot/internal/storage"
	logx "digestbot/pkg/logx"
)

var day = time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC)

type fakeSender struct {
	name  string
	fails atomic.Int32 // remaining failures
	calls atomic.Int32
}

func (f *fakeSender) Name() string { return f.name }

func (f *fakeSender) Send(ctx context.Context, d Digest) error {
	f.calls.Add(1)
	if f.fails.Load() > 0 {
		f.fails.Add(-1)
		return errors.New("transient")
	}
	return nil
}

func testConfig() Config {
	return Config{Enabled: true, Workers: 1, RatePerSec: 1000, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond, DedupWindow: time.Hour}
}

func notifyWait(t *testing.T, s *Service, d Digest) error {
	t.Helper()
	ch := make(chan error, 1)
	if err := s.Notify(context.Background(), d, func(err error) { ch <- err }); err != nil {
		return err
	}
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("delivery did not complete")
		return nil
	}
}

func TestRetryOnlyFailedSenders(t *testing.T) {
	t.Parallel()
	ok := &fakeSender{name: "ok"}
	flaky := &fakeSender{name: "flaky"}
	flaky.fails.Store(1)

	s := New(testConfig(), []Sender{ok, flaky}, logx.Nop(), nil, nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := notifyWait(t, s, Digest{RunID: "r1", TargetID: "eng", To: day, Body: "x"}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if ok.calls.Load() != 1 || flaky.calls.Load() != 2 {
		t.Fatalf("calls ok=%d flaky=%d", ok.calls.Load(), flaky.calls.Load())
	}
	if h := s.Snapshot(); len(h) != 1 || h[0].Error != "" || len(h[0].Senders) != 2 {
		t.Fatalf("history = %+v", h)
	}
}

func TestDedupAfterSuccessOnly(t *testing.T) {
	t.Parallel()
	flaky := &fakeSender{name: "flaky"}
	flaky.fails.Store(3)
	cfg := testConfig()
	cfg.RetryMax = 0

	s := New(cfg, []Sender{flaky}, logx.Nop(), nil, nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	d := Digest{RunID: "r1", TargetID: "eng", To: day}
	if err := notifyWait(t, s, d); err == nil {
		t.Fatal("expected failure")
	}
	flaky.fails.Store(0)
	if err := notifyWait(t, s, d); err != nil {
		t.Fatalf("retry after failure should be allowed: %v", err)
	}
	if err := s.Notify(context.Background(), d, nil); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second delivery err = %v, want ErrDuplicate", err)
	}
	other := d
	other.To = day.AddDate(0, 0, 1)
	if err := notifyWait(t, s, other); err != nil {
		t.Fatalf("next day: %v", err)
	}
}

func TestPersistedDedup(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	cfg := testConfig()
	cfg.PersistDedup = true
	d := Digest{RunID: "r1", TargetID: "eng", To: day}

	s1 := New(cfg, []Sender{&fakeSender{name: "a"}}, logx.Nop(), nil, st)
	s1.Start(context.Background())
	if err := notifyWait(t, s1, d); err != nil {
		t.Fatal(err)
	}
	s1.Stop(context.Background())

	s2 := New(cfg, []Sender{&fakeSender{name: "a"}}, logx.Nop(), nil, st)
	s2.Start(context.Background())
	defer s2.Stop(context.Background())
	if err := s2.Notify(context.Background(), d, nil); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate across restart", err)
	}
}

func TestNotifyStates(t *testing.T) {
	t.Parallel()
	d := Digest{TargetID: "eng", To: day}
	if err := New(Config{}, []Sender{&fakeSender{}}, logx.Nop(), nil, nil).Notify(context.Background(), d, nil); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled: %v", err)
	}
	if err := New(testConfig(), nil, logx.Nop(), nil, nil).Notify(context.Background(), d, nil); !errors.Is(err, ErrNoSenders) {
		t.Fatalf("no senders: %v", err)
	}
	if err := New(testConfig(), []Sender{&fakeSender{}}, logx.Nop(), nil, nil).Notify(context.Background(), d, nil); !errors.Is(err, ErrStopped) {
		t.Fatalf("not started: %v", err)
	}
}

func TestFileSender(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if err := (FileSender{Dir: dir}).Send(context.Background(), Digest{TargetID: "eng/weekly", To: day, Body: "# hi\n"}); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "eng_weekly-2024-01-08.md"))
	if err != nil || string(b) != "# hi\n" {
		t.Fatalf("file = %q err=%v", b, err)
	}
}

func TestWebhookSender(t *testing.T) {
	t.Parallel()
	var got Digest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Token") != "t" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	err := (WebhookSender{URL: srv.URL, Headers: map[string]string{"X-Token": "t"}}).Send(context.Background(), Digest{RunID: "r1", Body: "b"})
	if err != nil || got.RunID != "r1" {
		t.Fatalf("err=%v got=%+v", err, got)
	}
	if err := (WebhookSender{URL: srv.URL}).Send(context.Background(), Digest{}); err == nil {
		t.Fatal("401 should fail")
	}
}

func TestSlackSender(t *testing.T) {
	t.Parallel()
	var text string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var m map[string]any
		_ = json.NewDecoder(r.Body).Decode(&m)
		text, _ = m["text"].(string)
	}))
	defer srv.Close()
	if err := (SlackSender{WebhookURL: srv.URL, Client: srv.Client()}).Send(context.Background(), Digest{Body: "digest body"}); err != nil {
		t.Fatal(err)
	}
	if text != "digest body" {
		t.Fatalf("text = %q", text)
	}
}

func TestEmailSender(t *testing.T) {
	t.Parallel()
	var (
		mu  sync.Mutex
		msg string
		rcp []string
	)
	s := EmailSender{Addr: "smtp.example.com:587", From: "bot@example.com", To: []string{"a@example.com"},
		send: func(addr string, a smtp.Auth, from string, to []string, m []byte) error {
			mu.Lock()
			defer mu.Unlock()
			msg, rcp = string(m), to
			return nil
		}}
	if err := s.Send(context.Background(), Digest{Title: "Weekly", Body: "line1\nline2"}); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if !strings.Contains(msg, "Subject: Weekly\r\n") || !strings.HasSuffix(msg, "line1\r\nline2") || len(rcp) != 1 {
		t.Fatalf("msg = %q to=%v", msg, rcp)
	}
	if err := (EmailSender{}).Send(context.Background(), Digest{}); err == nil {
		t.Fatal("no recipients accepted")
	}
}

func TestTelegramSender(t *testing.T) {
	t.Parallel()
	var (
		mu                  sync.Mutex
		path, chat, caption string
		fileName, fileBody  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: no form"}`))
			return
		}
		mu.Lock()
		path, chat, caption = r.URL.Path, r.FormValue("chat_id"), r.FormValue("caption")
		if f, h, err := r.FormFile("document"); err == nil {
			b, _ := io.ReadAll(f)
			fileName, fileBody = h.Filename, string(b)
		} else {
			fileBody = r.FormValue("document")
		}
		mu.Unlock()
		if chat != "42" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"}}}`))
	}))
	defer srv.Close()

	d := Digest{TargetID: "eng", Title: "Weekly: eng", Body: "# Weekly\n", From: day.AddDate(0, 0, -7), To: day}
	s := TelegramSender{Token: "123:abc", ChatID: 42, APIURL: srv.URL, Client: srv.Client()}
	if err := s.Send(context.Background(), d); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	if path != "/bot123:abc/sendDocument" || fileBody != "# Weekly\n" {
		t.Fatalf("path=%q body=%q", path, fileBody)
	}
	if fileName != "" && !strings.HasSuffix(fileName, ".md") {
		t.Fatalf("file name = %q", fileName)
	}
	if caption != "Weekly: eng\n2024-01-01 to 2024-01-08" {
		t.Fatalf("caption = %q", caption)
	}
	mu.Unlock()

	s.ChatID = 7
	if err := s.Send(context.Background(), d); err == nil {
		t.Fatal("unknown chat accepted")
	}
	if err := (TelegramSender{}).Send(context.Background(), d); err == nil {
		t.Fatal("missing token accepted")
	}
}

func TestTruncateRunes(t *testing.T) {
	t.Parallel()
	if got := truncateRunes("héllo", 10); got != "héllo" {
		t.Fatalf("got %q", got)
	}
	if got := truncateRunes("héllo", 3); got != "hé…" {
		t.Fatalf("got %q", got)
	}
}
