package model

import (
	"encoding/json"
	"testing"
)

func TestSourceTypeIntegrationType(t *testing.T) {
	t.Parallel()
	if got := SourceSlackChannel.IntegrationType(); got != IntegrationSlack {
		t.Fatalf("slack_channel -> %q", got)
	}
	if got := SourceGitHubRepo.IntegrationType(); got != IntegrationGitHub {
		t.Fatalf("github_repo -> %q", got)
	}
	if got := SourceType("jira_board").IntegrationType(); got != "" {
		t.Fatalf("unknown -> %q, want empty", got)
	}
}

func TestParseResourceCache(t *testing.T) {
	t.Parallel()
	in := Integration{ResourceCacheJSON: json.RawMessage(`{"repos":[{"name":"api","full_name":"acme/api"}],"channels":[{"name":"general","id":"C123"}]}`)}
	rc, err := in.ParseResourceCache()
	if err != nil {
		t.Fatalf("ParseResourceCache: %v", err)
	}
	if len(rc.Repos) != 1 || rc.Repos[0].FullName != "acme/api" {
		t.Fatalf("repos = %+v", rc.Repos)
	}
	if len(rc.Channels) != 1 || rc.Channels[0].ID != "C123" {
		t.Fatalf("channels = %+v", rc.Channels)
	}

	empty, err := Integration{}.ParseResourceCache()
	if err != nil || len(empty.Repos) != 0 {
		t.Fatalf("empty cache: %+v, %v", empty, err)
	}

	bad, err := Integration{ResourceCacheJSON: json.RawMessage(`{"repos":"nope"}`)}.ParseResourceCache()
	if err == nil {
		t.Fatal("expected decode error for malformed cache")
	}
	if len(bad.Repos) != 0 {
		t.Fatalf("malformed cache must decode to empty, got %+v", bad)
	}
}

func TestTargetSchedule(t *testing.T) {
	t.Parallel()
	expr := " 0 9 * * * "
	if got := (Target{ScheduleCron: &expr}).Schedule(); got != "0 9 * * *" {
		t.Fatalf("Schedule = %q", got)
	}
	if got := (Target{}).Schedule(); got != "" {
		t.Fatalf("manual target Schedule = %q", got)
	}
}
