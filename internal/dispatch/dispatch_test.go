package dispatch

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"digestbot/internal/artifact"
	"digestbot/internal/collector"
	"digestbot/internal/model"
	"digestbot/internal/notifier"
	"digestbot/internal/runstate"
	"digestbot/internal/task/engine"
	logx "digestbot/pkg/logx"
)

// Monday 08:30 UTC.
var now = time.Date(2024, 1, 8, 8, 30, 0, 0, time.UTC)

func ptr(s string) *string { return &s }

type fakeCatalog struct {
	targets      []model.Target
	sources      []model.Source
	integrations []model.Integration
}

func (c *fakeCatalog) ListActiveTargets(context.Context) ([]model.Target, error) {
	var out []model.Target
	for _, t := range c.targets {
		if t.IsActive {
			out = append(out, t)
		}
	}
	return out, nil
}

func (c *fakeCatalog) GetTarget(_ context.Context, id string) (model.Target, bool, error) {
	for _, t := range c.targets {
		if t.ID == id {
			return t, true, nil
		}
	}
	return model.Target{}, false, nil
}

func (c *fakeCatalog) ListSources(_ context.Context, targetID string) ([]model.Source, error) {
	var out []model.Source
	for _, s := range c.sources {
		if s.TargetID == targetID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (c *fakeCatalog) ListIntegrations(_ context.Context, ws string) ([]model.Integration, error) {
	var out []model.Integration
	for _, in := range c.integrations {
		if in.WorkspaceID == ws {
			out = append(out, in)
		}
	}
	return out, nil
}

type fakeCreds map[string]string

func (f fakeCreds) Resolve(_ context.Context, ref *string) (string, bool) {
	if ref == nil {
		return "", false
	}
	tok, ok := f[*ref]
	return tok, ok
}

type fakeCollector struct {
	typ   model.IntegrationType
	fetch func(ctx context.Context, req collector.Request) (collector.Result, error)

	mu   sync.Mutex
	reqs []collector.Request
}

func (f *fakeCollector) Type() model.IntegrationType { return f.typ }

func (f *fakeCollector) Fetch(ctx context.Context, req collector.Request) (collector.Result, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	return f.fetch(ctx, req)
}

func slackOK(ctx context.Context, req collector.Request) (collector.Result, error) {
	doc := map[string][]artifact.SlackMessage{}
	for _, id := range req.IDs() {
		doc[id] = []artifact.SlackMessage{{TS: "1704700000.000100", User: "U1", Text: "shipped", Reactions: []artifact.Reaction{{Name: "tada", Count: 2}}}}
	}
	path, err := collector.Write(req.OutDir, model.IntegrationSlack, doc)
	return collector.Result{Path: path, Items: len(doc)}, err
}

func githubDown(ctx context.Context, req collector.Request) (collector.Result, error) {
	return collector.Result{}, engine.NoRetry(errors.New("github: 401 bad credentials"))
}

type fakeDelivery struct {
	mu      sync.Mutex
	digests []notifier.Digest
	err     error
}

func (f *fakeDelivery) Notify(_ context.Context, d notifier.Digest, done func(error)) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	f.digests = append(f.digests, d)
	f.mu.Unlock()
	go done(nil)
	return nil
}

func catalog() *fakeCatalog {
	return &fakeCatalog{
		targets: []model.Target{
			{ID: "eng", WorkspaceID: "acme", DisplayName: "Engineering", ScheduleCron: ptr("0 9 * * *"), IsActive: true},
			{ID: "evening", WorkspaceID: "acme", ScheduleCron: ptr("0 18 * * *"), IsActive: true},
			{ID: "manual", WorkspaceID: "acme", IsActive: true},
			{ID: "broken", WorkspaceID: "acme", ScheduleCron: ptr("nope"), IsActive: true},
			{ID: "paused", WorkspaceID: "acme", ScheduleCron: ptr("* * * * *"), IsActive: false},
			{ID: "nocreds", WorkspaceID: "other", ScheduleCron: ptr("0 9 * * *"), IsActive: true},
		},
		sources: []model.Source{
			{TargetID: "eng", Type: model.SourceGitHubRepo, Ident: "api"},
			{TargetID: "eng", Type: model.SourceSlackChannel, Ident: "#general"},
			{TargetID: "eng", Type: model.SourceSlackChannel, Ident: "#gone"},
			{TargetID: "nocreds", Type: model.SourceGitHubRepo, Ident: "api"},
		},
		integrations: []model.Integration{
			{WorkspaceID: "acme", Type: model.IntegrationGitHub, CredentialRef: ptr("gh"), ResourceCacheJSON: []byte(`{"repos":[{"name":"api","full_name":"acme/api"}]}`)},
			{WorkspaceID: "acme", Type: model.IntegrationSlack, CredentialRef: ptr("sl"), ResourceCacheJSON: []byte(`{"channels":[{"name":"general","id":"C1"}]}`)},
			{WorkspaceID: "other", Type: model.IntegrationGitHub, ResourceCacheJSON: []byte(`{"repos":[{"name":"api","full_name":"other/api"}]}`)},
		},
	}
}

type fixture struct {
	d      *Dispatcher
	github *fakeCollector
	slack  *fakeCollector
	deliv  *fakeDelivery
}

func newFixture(t *testing.T, cfg Config, gh func(context.Context, collector.Request) (collector.Result, error)) *fixture {
	t.Helper()
	eng := engine.New(engine.Config{Enabled: true, Workers: 2, DefaultTimeout: 10 * time.Second}, logx.Nop(), nil)
	eng.Start(context.Background())
	t.Cleanup(func() { eng.Stop(context.Background()) })

	f := &fixture{
		github: &fakeCollector{typ: model.IntegrationGitHub, fetch: gh},
		slack:  &fakeCollector{typ: model.IntegrationSlack, fetch: slackOK},
		deliv:  &fakeDelivery{},
	}
	if cfg.OutDir == "" {
		cfg.OutDir = t.TempDir()
	}
	f.d = New(cfg, Deps{
		Catalog:     catalog(),
		Credentials: fakeCreds{"gh": "ghp", "sl": "xoxb"},
		Collectors:  collector.NewRegistry(f.github, f.slack),
		Engine:      eng,
		Delivery:    f.deliv,
		Log:         logx.Nop(),
		Now:         func() time.Time { return now },
	})
	return f
}

func waitRun(t *testing.T, h *RunHandle) runstate.Run {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("run %s did not finish: %v (%+v)", h.ID(), err, r)
	}
	return r
}

func stepStatus(t *testing.T, r runstate.Run, name runstate.StepName) runstate.Step {
	t.Helper()
	s, ok := r.Step(name)
	if !ok {
		t.Fatalf("step %s missing in %+v", name, r.Steps)
	}
	return s
}

func TestPartialCollectorFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, githubDown)

	h, err := f.d.DispatchTarget(context.Background(), "eng")
	if err != nil {
		t.Fatal(err)
	}
	r := waitRun(t, h)

	if r.Status != runstate.RunFailed {
		t.Fatalf("run status = %s, want failed", r.Status)
	}
	if s := stepStatus(t, r, runstate.StepCollectorGitHub); s.Status != runstate.StepFailed || !strings.Contains(s.Error, "401") {
		t.Fatalf("github step = %+v", s)
	}
	for _, name := range []runstate.StepName{runstate.StepCollectorSlack, runstate.StepSummarizer, runstate.StepAssembler, runstate.StepSenderEmail} {
		if s := stepStatus(t, r, name); s.Status != runstate.StepSuccess {
			t.Fatalf("%s = %+v", name, s)
		}
	}

	if len(f.slack.reqs) != 1 || f.slack.reqs[0].Identifiers != "C1" || f.slack.reqs[0].Token != "xoxb" || f.slack.reqs[0].LookbackDays != 7 {
		t.Fatalf("slack request = %+v", f.slack.reqs)
	}

	body, err := os.ReadFile(h.DigestPath())
	if err != nil {
		t.Fatal(err)
	}
	digest := string(body)
	if !strings.HasPrefix(digest, "# Activity digest: Engineering\n") {
		t.Fatalf("digest heading:\n%s", digest)
	}
	for _, want := range []string{"## GitHub", "Collection failed", "## #general", "shipped"} {
		if !strings.Contains(digest, want) {
			t.Fatalf("digest missing %q:\n%s", want, digest)
		}
	}
	if _, err := os.Stat(h.Dir() + "/" + SummaryFile); err != nil {
		t.Fatalf("summary not written: %v", err)
	}
	if len(f.deliv.digests) != 1 || f.deliv.digests[0].TargetID != "eng" || f.deliv.digests[0].Title != "Activity digest: Engineering" || f.deliv.digests[0].Body != digest {
		t.Fatalf("delivered = %+v", f.deliv.digests)
	}
}

func TestTickSelection(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		name   string
		gate   bool
		wantRn []string
	}{
		{name: "full active set", gate: false, wantRn: []string{"eng", "evening", "manual", "broken", "nocreds"}},
		{name: "gated on schedule", gate: true, wantRn: []string{"eng", "nocreds"}},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, Config{GateOnSchedule: tc.gate}, githubDown)
			b, err := f.d.Tick(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if len(b.Due) != 2 || b.Due[0] != "eng" || b.Due[1] != "nocreds" {
				t.Fatalf("due = %v", b.Due)
			}
			var got []string
			for _, h := range b.Runs {
				got = append(got, h.TargetID())
			}
			if strings.Join(got, ",") != strings.Join(tc.wantRn, ",") {
				t.Fatalf("runs = %v, want %v", got, tc.wantRn)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			runs, err := b.Wait(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if failed := Failed(runs); len(failed) != 1 || failed[0] != "eng" {
				t.Fatalf("failed = %v", failed)
			}
		})
	}
}

func TestResolutionMissesSkipSteps(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, githubDown)

	h, err := f.d.DispatchTarget(context.Background(), "nocreds")
	if err != nil {
		t.Fatal(err)
	}
	r := waitRun(t, h)
	if r.Status != runstate.RunSuccess {
		t.Fatalf("status = %s", r.Status)
	}
	if s := stepStatus(t, r, runstate.StepCollectorGitHub); s.Status != runstate.StepSkipped || s.Reason != "no_credential" {
		t.Fatalf("collector = %+v", s)
	}
	for _, name := range []runstate.StepName{runstate.StepSummarizer, runstate.StepAssembler, runstate.StepSenderEmail} {
		if s := stepStatus(t, r, name); s.Status != runstate.StepSkipped || s.Reason != "no_collectors" {
			t.Fatalf("%s = %+v", name, s)
		}
	}
	if len(f.github.reqs) != 0 {
		t.Fatal("collector invoked without a credential")
	}

	h, err = f.d.DispatchTarget(context.Background(), "manual")
	if err != nil {
		t.Fatal(err)
	}
	if r := waitRun(t, h); r.Status != runstate.RunSuccess || len(r.Steps) != 3 {
		t.Fatalf("sourceless run = %+v", r)
	}
}

func TestInFlightLock(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	f := newFixture(t, Config{}, func(ctx context.Context, req collector.Request) (collector.Result, error) {
		<-gate
		return collector.Result{}, engine.NoRetry(errors.New("down"))
	})

	h, err := f.d.DispatchTarget(context.Background(), "eng")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.d.DispatchTarget(context.Background(), "eng"); !errors.Is(err, ErrInFlight) {
		t.Fatalf("second dispatch err = %v, want ErrInFlight", err)
	}
	close(gate)
	waitRun(t, h)

	// The lock is released once the run is terminal.
	deadline := time.Now().Add(5 * time.Second)
	for {
		h2, err := f.d.DispatchTarget(context.Background(), "eng")
		if err == nil {
			waitRun(t, h2)
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("lock never released: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDispatchTargetErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, githubDown)
	if _, err := f.d.DispatchTarget(context.Background(), "missing"); !errors.Is(err, ErrUnknownTarget) {
		t.Fatalf("missing: %v", err)
	}
	if _, err := f.d.DispatchTarget(context.Background(), "paused"); !errors.Is(err, ErrInactive) {
		t.Fatalf("paused: %v", err)
	}
}

func TestDuplicateDeliverySkipsSender(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, githubDown)
	f.deliv.err = notifier.ErrDuplicate

	h, err := f.d.DispatchTarget(context.Background(), "eng")
	if err != nil {
		t.Fatal(err)
	}
	r := waitRun(t, h)
	if s := stepStatus(t, r, runstate.StepSenderEmail); s.Status != runstate.StepSkipped || s.Reason != "duplicate" {
		t.Fatalf("sender = %+v", s)
	}
}

func TestDue(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, githubDown)
	ts, _ := f.d.deps.Catalog.ListActiveTargets(context.Background())
	due := f.d.Due(ts, now)
	if len(due) != 2 {
		t.Fatalf("due = %+v", due)
	}
	// 17:30 makes the evening target due.
	due = f.d.Due(ts, now.Add(9*time.Hour))
	if len(due) != 1 || due[0].ID != "evening" {
		t.Fatalf("due at 17:30 = %+v", due)
	}
}

// quietRepo is a schema-valid repository with no activity.
func quietRepo(owner, name string) artifact.RepoActivity {
	return artifact.RepoActivity{
		Repo:         artifact.RepoRef{Owner: owner, Name: name},
		Commits:      []artifact.CommitInfo{},
		MergedPRs:    []artifact.PRInfo{},
		OpenedIssues: []artifact.IssueInfo{},
		ClosedIssues: []artifact.IssueInfo{},
	}
}

func TestCircuitBreakerIsPerTarget(t *testing.T) {
	t.Parallel()
	const failing = 5
	cat := &fakeCatalog{}
	creds := fakeCreds{}
	for i := 0; i <= failing; i++ {
		id := "t" + strconv.Itoa(i)
		cat.targets = append(cat.targets, model.Target{ID: id, WorkspaceID: "ws" + id, IsActive: true})
		cat.sources = append(cat.sources, model.Source{TargetID: id, Type: model.SourceGitHubRepo, Ident: "api"})
		cat.integrations = append(cat.integrations, model.Integration{
			WorkspaceID:       "ws" + id,
			Type:              model.IntegrationGitHub,
			CredentialRef:     ptr(id),
			ResourceCacheJSON: []byte(`{"repos":[{"name":"api","full_name":"` + id + `/api"}]}`),
		})
		creds[id] = "tok-" + id
	}
	healthy := "t" + strconv.Itoa(failing)

	eng := engine.New(engine.Config{Enabled: true, Workers: 2, DefaultTimeout: 10 * time.Second}, logx.Nop(), nil)
	eng.Start(context.Background())
	t.Cleanup(func() { eng.Stop(context.Background()) })
	gh := &fakeCollector{typ: model.IntegrationGitHub, fetch: func(ctx context.Context, req collector.Request) (collector.Result, error) {
		if req.Token != "tok-"+healthy {
			return githubDown(ctx, req)
		}
		path, err := collector.Write(req.OutDir, model.IntegrationGitHub, map[string]artifact.RepoActivity{healthy + "/api": quietRepo(healthy, "api")})
		return collector.Result{Path: path, Items: 1}, err
	}}
	d := New(Config{OutDir: t.TempDir()}, Deps{
		Catalog:     cat,
		Credentials: creds,
		Collectors:  collector.NewRegistry(gh),
		Engine:      eng,
		Delivery:    &fakeDelivery{},
		Log:         logx.Nop(),
		Now:         func() time.Time { return now },
	})

	for _, target := range cat.targets {
		h, err := d.DispatchTarget(context.Background(), target.ID)
		if err != nil {
			t.Fatal(err)
		}
		r := waitRun(t, h)
		want := runstate.StepFailed
		if target.ID == healthy {
			want = runstate.StepSuccess
		}
		if s := stepStatus(t, r, runstate.StepCollectorGitHub); s.Status != want {
			t.Fatalf("%s collector = %+v, want %s", target.ID, s, want)
		}
	}
}

func TestPartialIdentifierFailure(t *testing.T) {
	t.Parallel()
	cat := &fakeCatalog{
		targets: []model.Target{{ID: "eng", WorkspaceID: "acme", IsActive: true}},
		sources: []model.Source{
			{TargetID: "eng", Type: model.SourceGitHubRepo, Ident: "api"},
			{TargetID: "eng", Type: model.SourceGitHubRepo, Ident: "web"},
		},
		integrations: []model.Integration{{
			WorkspaceID:       "acme",
			Type:              model.IntegrationGitHub,
			CredentialRef:     ptr("gh"),
			ResourceCacheJSON: []byte(`{"repos":[{"name":"api","full_name":"acme/api"},{"name":"web","full_name":"acme/web"}]}`),
		}},
	}
	eng := engine.New(engine.Config{Enabled: true, Workers: 2, DefaultTimeout: 10 * time.Second}, logx.Nop(), nil)
	eng.Start(context.Background())
	t.Cleanup(func() { eng.Stop(context.Background()) })
	gh := &fakeCollector{typ: model.IntegrationGitHub, fetch: func(ctx context.Context, req collector.Request) (collector.Result, error) {
		path, err := collector.Write(req.OutDir, model.IntegrationGitHub, map[string]artifact.RepoActivity{"acme/api": quietRepo("acme", "api")})
		return collector.Result{Path: path, Items: 1, Failed: []string{"acme/web"}}, err
	}}
	d := New(Config{OutDir: t.TempDir()}, Deps{
		Catalog:     cat,
		Credentials: fakeCreds{"gh": "ghp"},
		Collectors:  collector.NewRegistry(gh),
		Engine:      eng,
		Delivery:    &fakeDelivery{},
		Log:         logx.Nop(),
		Now:         func() time.Time { return now },
	})

	h, err := d.DispatchTarget(context.Background(), "eng")
	if err != nil {
		t.Fatal(err)
	}
	r := waitRun(t, h)
	if s := stepStatus(t, r, runstate.StepCollectorGitHub); s.Status != runstate.StepSuccess {
		t.Fatalf("collector = %+v", s)
	}
	body, err := os.ReadFile(h.DigestPath())
	if err != nil {
		t.Fatal(err)
	}
	digest := string(body)
	web := strings.Index(digest, "## acme/web")
	if !strings.Contains(digest, "## acme/api") || web < 0 {
		t.Fatalf("digest missing a repo section:\n%s", digest)
	}
	if !strings.Contains(digest[web:], "Collection failed") {
		t.Fatalf("acme/web not marked failed:\n%s", digest)
	}
	summary, err := os.ReadFile(h.Dir() + "/" + SummaryFile)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(summary), `"github:acme/web"`) {
		t.Fatalf("summary = %s", summary)
	}
}
