package slack

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/slack-go/slack"

	"digestbot/internal/artifact"
	"digestbot/internal/collector"
	"digestbot/internal/task/engine"
	logx "digestbot/pkg/logx"
)

var now = time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func fakeSlack(t *testing.T, userCalls *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/conversations.history", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		switch r.Form.Get("channel") {
		case "C123":
			if r.Form.Get("oldest") == "" {
				t.Error("oldest not sent")
			}
			if r.Form.Get("cursor") == "" {
				writeJSON(w, map[string]any{
					"ok":       true,
					"has_more": true,
					"messages": []map[string]any{
						{"type": "message", "ts": "1704600000.000100", "user": "U1", "text": "ship it", "reply_count": 1,
							"reactions": []map[string]any{{"name": "tada", "count": 3}}},
					},
					"response_metadata": map[string]any{"next_cursor": "page2"},
				})
				return
			}
			writeJSON(w, map[string]any{
				"ok": true,
				"messages": []map[string]any{
					{"type": "message", "ts": "1704500000.000100", "user": "U1", "text": "earlier"},
					{"type": "message", "subtype": "channel_join", "ts": "1704400000.000100", "user": "U3"},
				},
			})
		default:
			writeJSON(w, map[string]any{"ok": false, "error": "channel_not_found"})
		}
	})
	mux.HandleFunc("/conversations.replies", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"ok": true,
			"messages": []map[string]any{
				{"type": "message", "ts": "1704600000.000100", "user": "U1", "text": "ship it"},
				{"type": "message", "ts": "1704600100.000200", "user": "U2", "text": "nice",
					"reactions": []map[string]any{{"name": "+1", "count": 2}}},
			},
		})
	})
	mux.HandleFunc("/chat.getPermalink", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		writeJSON(w, map[string]any{"ok": true, "channel": r.Form.Get("channel"), "permalink": "https://acme.slack.com/archives/C123/p" + r.Form.Get("message_ts")})
	})
	mux.HandleFunc("/users.info", func(w http.ResponseWriter, r *http.Request) {
		userCalls.Add(1)
		_ = r.ParseForm()
		writeJSON(w, map[string]any{"ok": true, "user": map[string]any{
			"id": r.Form.Get("user"), "name": "alice", "real_name": "Alice Example",
			"profile": map[string]any{"display_name": "ali", "real_name": "Alice Example"},
		}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchWritesArtifact(t *testing.T) {
	t.Parallel()
	var userCalls atomic.Int32
	srv := fakeSlack(t, &userCalls)
	c := New(Config{APIURL: srv.URL, Permalink: true}, logx.Nop())

	res, err := c.Fetch(context.Background(), collector.Request{Identifiers: "C123,CMISSING", Token: "xoxb-test", OutDir: t.TempDir(), LookbackDays: 7, Now: now})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Items != 1 || len(res.Failed) != 1 {
		t.Fatalf("result = %+v", res)
	}

	raw, err := os.ReadFile(res.Path)
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string][]artifact.SlackMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatal(err)
	}
	msgs := doc["C123"]
	if len(msgs) != 2 {
		t.Fatalf("messages = %+v", msgs)
	}
	first := msgs[0]
	if first.Score() != 3 || first.Thread == nil || len(first.Thread.Replies) != 1 {
		t.Fatalf("first = %+v", first)
	}
	if first.Thread.Replies[0].Text != "nice" || first.Thread.Replies[0].Score() != 2 {
		t.Fatalf("reply = %+v", first.Thread.Replies[0])
	}
	if first.Permalink == "" {
		t.Fatal("permalink missing")
	}
	if first.AuthorName() != "ali" {
		t.Fatalf("author = %q", first.AuthorName())
	}
	if got := userCalls.Load(); got != 2 {
		t.Fatalf("users.info calls = %d, want 2 (cached per user)", got)
	}

	b := artifact.NewBundle()
	if err := b.Add(c.Type(), raw); err != nil || len(b.Malformed) != 0 {
		t.Fatalf("artifact does not validate: %v %+v", err, b.Malformed)
	}
}

func TestFetchRequiresToken(t *testing.T) {
	t.Parallel()
	_, err := New(Config{}, logx.Nop()).Fetch(context.Background(), collector.Request{Identifiers: "C1", OutDir: t.TempDir()})
	if !engine.IsNoRetry(err) {
		t.Fatalf("err = %v, want no-retry", err)
	}
}

func TestClassifyRateLimited(t *testing.T) {
	t.Parallel()
	err := classify(&slack.RateLimitedError{RetryAfter: 20 * time.Second})
	var ra engine.RetryAfterError
	if !errors.As(err, &ra) || ra.RetryAfter() != 20*time.Second {
		t.Fatalf("classify = %v", err)
	}
	if !engine.IsNoRetry(classify(errors.New("channel_not_found"))) {
		t.Fatal("channel_not_found should be permanent")
	}
}
