package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	gh "github.com/google/go-github/v66/github"

	"digestbot/internal/artifact"
	"digestbot/internal/collector"
	"digestbot/internal/task/engine"
	logx "digestbot/pkg/logx"
)

var now = time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)

func fakeGitHub(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/api/commits", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer ghp_test" {
			t.Errorf("Authorization = %q", got)
		}
		if r.URL.Query().Get("since") == "" {
			t.Error("since not sent")
		}
		if r.URL.Query().Get("page") == "" {
			w.Header().Set("Link", fmt.Sprintf(`<%s/repos/acme/api/commits?page=2>; rel="next"`, "http://"+r.Host))
			_, _ = w.Write([]byte(`[{"sha":"a1","html_url":"https://x/a1","author":{"login":"alice"},"commit":{"message":"fix","author":{"name":"Alice","date":"2024-01-05T10:00:00Z"}}}]`))
			return
		}
		_, _ = w.Write([]byte(`[{"sha":"b2","html_url":"https://x/b2","commit":{"message":"docs","author":{"name":"Bob","date":"2024-01-06T10:00:00Z"}}}]`))
	})
	mux.HandleFunc("/repos/acme/api/pulls", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"number":12,"title":"Add retries","html_url":"https://x/12","user":{"login":"bob"},"updated_at":"2024-01-06T00:00:00Z","merged_at":"2024-01-06T00:00:00Z"},
			{"number":11,"title":"Closed unmerged","html_url":"https://x/11","user":{"login":"bob"},"updated_at":"2024-01-05T00:00:00Z"},
			{"number":3,"title":"Ancient","html_url":"https://x/3","user":{"login":"eve"},"updated_at":"2023-06-01T00:00:00Z","merged_at":"2023-06-01T00:00:00Z"}
		]`))
	})
	mux.HandleFunc("/repos/acme/api/issues", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"number":7,"title":"crash","html_url":"https://x/7","user":{"login":"carol"},"state":"closed","created_at":"2023-12-01T00:00:00Z","closed_at":"2024-01-03T00:00:00Z"},
			{"number":8,"title":"new bug","html_url":"https://x/8","user":{"login":"dan"},"state":"open","created_at":"2024-01-04T00:00:00Z"},
			{"number":12,"title":"Add retries","html_url":"https://x/12","user":{"login":"bob"},"state":"closed","created_at":"2024-01-04T00:00:00Z","pull_request":{"url":"https://x/pr/12"}}
		]`))
	})
	mux.HandleFunc("/repos/acme/gone/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"Not Found"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchWritesArtifact(t *testing.T) {
	t.Parallel()
	srv := fakeGitHub(t)
	c := New(Config{BaseURL: srv.URL}, logx.Nop())
	dir := t.TempDir()

	res, err := c.Fetch(context.Background(), collector.Request{Identifiers: "acme/api, acme/gone", Token: "ghp_test", OutDir: dir, LookbackDays: 7, Now: now})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Items != 1 || len(res.Failed) != 1 || res.Failed[0] != "acme/gone" {
		t.Fatalf("result = %+v", res)
	}

	raw, err := os.ReadFile(res.Path)
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]artifact.RepoActivity
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatal(err)
	}
	a := doc["acme/api"]
	if len(a.Commits) != 2 || a.Commits[0].Author != "alice" || a.Commits[1].Author != "Bob" {
		t.Fatalf("commits = %+v", a.Commits)
	}
	if len(a.MergedPRs) != 1 || a.MergedPRs[0].Number != 12 {
		t.Fatalf("merged PRs = %+v", a.MergedPRs)
	}
	if len(a.OpenedIssues) != 1 || a.OpenedIssues[0].Number != 8 {
		t.Fatalf("opened = %+v", a.OpenedIssues)
	}
	if len(a.ClosedIssues) != 1 || a.ClosedIssues[0].Number != 7 {
		t.Fatalf("closed = %+v", a.ClosedIssues)
	}

	b := artifact.NewBundle()
	if err := b.Add(c.Type(), raw); err != nil || len(b.Malformed) != 0 {
		t.Fatalf("artifact does not validate: %v %+v", err, b.Malformed)
	}
}

func TestFetchAllFailed(t *testing.T) {
	t.Parallel()
	srv := fakeGitHub(t)
	c := New(Config{BaseURL: srv.URL}, logx.Nop())
	_, err := c.Fetch(context.Background(), collector.Request{Identifiers: "acme/gone", OutDir: t.TempDir(), Now: now})
	if err == nil {
		t.Fatal("expected error when every repo failed")
	}
	if !engine.IsNoRetry(err) {
		t.Fatalf("404 should not be retried: %v", err)
	}
}

func TestClassifyRateLimit(t *testing.T) {
	t.Parallel()
	err := classify(fmt.Errorf("list commits: %w", &gh.AbuseRateLimitError{
		Response:   &http.Response{StatusCode: http.StatusForbidden, Request: httptest.NewRequest(http.MethodGet, "https://api.github.com/repos/acme/api/commits", nil)},
		Message:    "slow down",
		RetryAfter: ptr(30 * time.Second),
	}))
	var ra engine.RetryAfterError
	if !errors.As(err, &ra) || ra.RetryAfter() != 30*time.Second {
		t.Fatalf("classify = %v", err)
	}
}

func ptr[T any](v T) *T { return &v }
