// Package github collects commits, merged pull requests and issue activity per repository.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	gh "github.com/google/go-github/v66/github"
	"golang.org/x/time/rate"

	"digestbot/internal/artifact"
	"digestbot/internal/collector"
	"digestbot/internal/model"
	"digestbot/internal/task/engine"
	logx "digestbot/pkg/logx"
)

type Config struct {
	// BaseURL overrides the API endpoint (GitHub Enterprise, tests). Empty means api.github.com.
	BaseURL string
	PerPage int
	// RPS and Burst bound outgoing API calls. RPS <= 0 disables limiting.
	RPS   float64
	Burst int

	HTTPClient *http.Client
}

type Collector struct {
	cfg     Config
	log     logx.Logger
	limiter *rate.Limiter
}

func New(cfg Config, log logx.Logger) *Collector {
	if cfg.PerPage <= 0 || cfg.PerPage > 100 {
		cfg.PerPage = 100
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Collector{cfg: cfg, log: log.With(logx.String("comp", "collector.github"))}
	if cfg.RPS > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), max(cfg.Burst, 1))
	}
	return c
}

func (c *Collector) Type() model.IntegrationType { return model.IntegrationGitHub }

func (c *Collector) client(token string) (*gh.Client, error) {
	cl := gh.NewClient(c.cfg.HTTPClient)
	if token != "" {
		cl = cl.WithAuthToken(token)
	}
	if base := strings.TrimSpace(c.cfg.BaseURL); base != "" {
		u, err := url.Parse(strings.TrimRight(base, "/") + "/")
		if err != nil {
			return nil, engine.NoRetry(fmt.Errorf("github base url: %w", err))
		}
		cl.BaseURL = u
	}
	return cl, nil
}

// Fetch collects every "owner/name" in req and writes the github artifact.
func (c *Collector) Fetch(ctx context.Context, req collector.Request) (collector.Result, error) {
	cl, err := c.client(req.Token)
	if err != nil {
		return collector.Result{}, err
	}
	since := req.Since()
	doc := map[string]artifact.RepoActivity{}

	failed, err := collector.FetchEach(ctx, c.log, req.IDs(), func(ctx context.Context, fullName string) error {
		owner, name, ok := strings.Cut(fullName, "/")
		if !ok || owner == "" || name == "" {
			return engine.NoRetry(fmt.Errorf("invalid repository %q", fullName))
		}
		a, err := c.repo(ctx, cl, owner, name, since)
		if err != nil {
			return classify(err)
		}
		doc[fullName] = a
		return nil
	})
	if err != nil {
		return collector.Result{Failed: failed}, err
	}

	path, err := collector.Write(req.OutDir, c.Type(), doc)
	if err != nil {
		return collector.Result{Failed: failed}, err
	}
	c.log.Info("github collected", logx.Int("repos", len(doc)), logx.Int("failed", len(failed)), logx.String("path", path))
	return collector.Result{Path: path, Items: len(doc), Failed: failed}, nil
}

func (c *Collector) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func (c *Collector) repo(ctx context.Context, cl *gh.Client, owner, name string, since time.Time) (artifact.RepoActivity, error) {
	a := artifact.RepoActivity{
		Repo:         artifact.RepoRef{Owner: owner, Name: name},
		Commits:      []artifact.CommitInfo{},
		MergedPRs:    []artifact.PRInfo{},
		OpenedIssues: []artifact.IssueInfo{},
		ClosedIssues: []artifact.IssueInfo{},
	}

	copt := &gh.CommitsListOptions{Since: since, ListOptions: gh.ListOptions{PerPage: c.cfg.PerPage}}
	for {
		if err := c.wait(ctx); err != nil {
			return a, err
		}
		commits, resp, err := cl.Repositories.ListCommits(ctx, owner, name, copt)
		if err != nil {
			return a, fmt.Errorf("list commits: %w", err)
		}
		for _, rc := range commits {
			a.Commits = append(a.Commits, commitInfo(rc))
		}
		if resp.NextPage == 0 {
			break
		}
		copt.Page = resp.NextPage
	}

	popt := &gh.PullRequestListOptions{State: "closed", Sort: "updated", Direction: "desc", ListOptions: gh.ListOptions{PerPage: c.cfg.PerPage}}
pulls:
	for {
		if err := c.wait(ctx); err != nil {
			return a, err
		}
		prs, resp, err := cl.PullRequests.List(ctx, owner, name, popt)
		if err != nil {
			return a, fmt.Errorf("list pull requests: %w", err)
		}
		for _, pr := range prs {
			// Sorted by update time: nothing older can have merged inside the window.
			if pr.GetUpdatedAt().Before(since) {
				break pulls
			}
			if pr.MergedAt != nil && !pr.GetMergedAt().Before(since) {
				a.MergedPRs = append(a.MergedPRs, artifact.PRInfo{
					Number:   pr.GetNumber(),
					Title:    pr.GetTitle(),
					User:     pr.GetUser().GetLogin(),
					HTMLURL:  pr.GetHTMLURL(),
					MergedAt: pr.GetMergedAt().UTC().Format(time.RFC3339),
				})
			}
		}
		if resp.NextPage == 0 {
			break
		}
		popt.Page = resp.NextPage
	}

	iopt := &gh.IssueListByRepoOptions{State: "all", Since: since, ListOptions: gh.ListOptions{PerPage: c.cfg.PerPage}}
	for {
		if err := c.wait(ctx); err != nil {
			return a, err
		}
		issues, resp, err := cl.Issues.ListByRepo(ctx, owner, name, iopt)
		if err != nil {
			return a, fmt.Errorf("list issues: %w", err)
		}
		for _, is := range issues {
			if is.IsPullRequest() {
				continue
			}
			info := issueInfo(is)
			if !is.GetCreatedAt().Before(since) {
				a.OpenedIssues = append(a.OpenedIssues, info)
			}
			if is.ClosedAt != nil && !is.GetClosedAt().Before(since) {
				a.ClosedIssues = append(a.ClosedIssues, info)
			}
		}
		if resp.NextPage == 0 {
			break
		}
		iopt.Page = resp.NextPage
	}
	return a, nil
}

func commitInfo(rc *gh.RepositoryCommit) artifact.CommitInfo {
	author := rc.GetAuthor().GetLogin()
	if author == "" {
		author = rc.GetCommit().GetAuthor().GetName()
	}
	date := ""
	if d := rc.GetCommit().GetAuthor().GetDate(); !d.IsZero() {
		date = d.UTC().Format(time.RFC3339)
	}
	return artifact.CommitInfo{
		SHA:     rc.GetSHA(),
		Message: rc.GetCommit().GetMessage(),
		Author:  author,
		HTMLURL: rc.GetHTMLURL(),
		Date:    date,
	}
}

func issueInfo(is *gh.Issue) artifact.IssueInfo {
	info := artifact.IssueInfo{
		Number:    is.GetNumber(),
		Title:     is.GetTitle(),
		User:      is.GetUser().GetLogin(),
		HTMLURL:   is.GetHTMLURL(),
		State:     is.GetState(),
		CreatedAt: is.GetCreatedAt().UTC().Format(time.RFC3339),
	}
	if is.ClosedAt != nil {
		s := is.GetClosedAt().UTC().Format(time.RFC3339)
		info.ClosedAt = &s
	}
	return info
}

// classify maps API failures onto engine retry semantics.
func classify(err error) error {
	var rl *gh.RateLimitError
	if errors.As(err, &rl) {
		return engine.RetryAfter(err, time.Until(rl.Rate.Reset.Time))
	}
	var abuse *gh.AbuseRateLimitError
	if errors.As(err, &abuse) {
		return engine.RetryAfter(err, abuse.GetRetryAfter())
	}
	var er *gh.ErrorResponse
	if errors.As(err, &er) && er.Response != nil {
		switch er.Response.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return engine.NoRetry(err)
		}
	}
	return err
}
