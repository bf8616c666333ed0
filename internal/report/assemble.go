// Package report renders a collected artifact bundle into a markdown digest.
//
// Everything except the header's generation timestamp is a pure function of the bundle, so two
// renders of the same input produce byte-identical section bodies.
package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"digestbot/internal/artifact"
	"digestbot/internal/model"
)

const separator = "---"

type Options struct {
	Title       string
	Target      string
	From, To    time.Time
	GeneratedAt time.Time
	Location    *time.Location
}

func (o Options) loc() *time.Location {
	if o.Location == nil {
		return time.UTC
	}
	return o.Location
}

// Section is one rendered block of the digest.
type Section struct {
	Key  string
	Body string
}

// Assemble renders the full digest: header, then every section followed by a separator.
func Assemble(b *artifact.Bundle, opts Options) string {
	var sb strings.Builder
	writeHeader(&sb, Summarize(b), opts)
	sections := AssembleSections(b, opts)
	if len(sections) == 0 {
		sb.WriteString("_No activity was collected for this period._\n")
		return sb.String()
	}
	for _, s := range sections {
		sb.WriteString(s.Body)
		sb.WriteString("\n" + separator + "\n\n")
	}
	return strings.TrimRight(sb.String(), "\n") + "\n"
}

// AssembleSections renders section bodies only, ordered by key.
func AssembleSections(b *artifact.Bundle, opts Options) []Section {
	var out []Section
	for t, reason := range b.Failed {
		out = append(out, Section{Key: string(t) + ":", Body: failedSection(t, reason)})
	}
	for t, bad := range b.Malformed {
		for key, reason := range bad {
			out = append(out, Section{Key: string(t) + ":" + key, Body: malformedSection(label(b, key), reason)})
		}
	}
	for t, bad := range b.ItemFailed {
		for key, reason := range bad {
			if _, ok := b.Malformed[t][key]; ok {
				continue
			}
			out = append(out, Section{Key: string(t) + ":" + key, Body: itemFailedSection(label(b, key), reason)})
		}
	}
	for key, a := range b.GitHub {
		out = append(out, Section{Key: string(model.IntegrationGitHub) + ":" + key, Body: githubSection(key, a)})
	}
	for id, msgs := range b.Slack {
		out = append(out, Section{Key: string(model.IntegrationSlack) + ":" + id, Body: slackSection(label(b, id), msgs, opts.loc())})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Heading is the digest title line: Title (or a default) followed by the target name.
func (o Options) Heading() string {
	title := o.Title
	if title == "" {
		title = "Activity digest"
	}
	if o.Target != "" {
		title += ": " + o.Target
	}
	return title
}

func writeHeader(sb *strings.Builder, s Summary, opts Options) {
	loc := opts.loc()
	fmt.Fprintf(sb, "# %s\n\n", opts.Heading())
	if !opts.From.IsZero() || !opts.To.IsZero() {
		fmt.Fprintf(sb, "**Period:** %s to %s\n", opts.From.In(loc).Format(time.DateOnly), opts.To.In(loc).Format(time.DateOnly))
	}
	fmt.Fprintf(sb, "**Generated:** %s\n", opts.GeneratedAt.In(loc).Format("2006-01-02 15:04 MST"))
	fmt.Fprintf(sb, "**Timezone:** %s\n\n", loc.String())

	var parts []string
	if s.Repos > 0 {
		parts = append(parts, plural(s.Repos, "repository", "repositories"), plural(s.Commits, "commit", "commits"), plural(s.MergedPRs, "merged PR", "merged PRs"))
	}
	if s.Channels > 0 {
		parts = append(parts, plural(s.Channels, "channel", "channels"), plural(s.Messages+s.Replies, "message", "messages"), plural(s.Reactions, "reaction", "reactions"))
	}
	if len(parts) > 0 {
		sb.WriteString(strings.Join(parts, " · ") + "\n\n")
	}
	sb.WriteString(separator + "\n\n")
}

func label(b *artifact.Bundle, key string) string {
	if l, ok := b.Labels[key]; ok && l != "" {
		return l
	}
	return key
}

func failedSection(t model.IntegrationType, reason string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## %s\n\n", integrationTitle(t))
	sb.WriteString("_Collection failed: this section could not be produced for this period._\n")
	if reason = strings.TrimSpace(reason); reason != "" {
		fmt.Fprintf(&sb, "\n> %s\n", EscapeMarkdown(firstLine(reason)))
	}
	return sb.String()
}

func itemFailedSection(name, reason string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## %s\n\n", name)
	sb.WriteString("_Collection failed: this section could not be produced for this period._\n")
	if reason = strings.TrimSpace(reason); reason != "" {
		fmt.Fprintf(&sb, "\n> %s\n", EscapeMarkdown(firstLine(reason)))
	}
	return sb.String()
}

func malformedSection(name, reason string) string {
	return fmt.Sprintf("## %s\n\n_No data: the collected records for this section were malformed._\n\n> %s\n", name, EscapeMarkdown(firstLine(reason)))
}

func githubSection(key string, a artifact.RepoActivity) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## %s\n\n", key)
	fmt.Fprintf(&sb, "%s, %s, %s opened, %s closed.\n\n",
		plural(len(a.Commits), "commit", "commits"),
		plural(len(a.MergedPRs), "merged pull request", "merged pull requests"),
		plural(len(a.OpenedIssues), "issue", "issues"),
		plural(len(a.ClosedIssues), "issue", "issues"),
	)

	sb.WriteString("### Top committers\n\n")
	top := TopCommitters(a.Commits, TopN)
	if len(top) == 0 {
		sb.WriteString("- none\n")
	}
	for i, r := range top {
		fmt.Fprintf(&sb, "%d. %s — %s\n", i+1, r.Name, plural(r.Count, "commit", "commits"))
	}

	sb.WriteString("\n### Commits\n\n")
	commits := a.Commits
	if len(commits) > MaxCommits {
		commits = commits[:MaxCommits]
	}
	if len(commits) == 0 {
		sb.WriteString("- none\n")
	}
	for _, c := range commits {
		fmt.Fprintf(&sb, "- [`%s`](%s) %s — %s (%s)\n", shortSHA(c.SHA), c.HTMLURL, c.Subject(), c.Author, isoDate(c.Date))
	}
	if extra := len(a.Commits) - len(commits); extra > 0 {
		fmt.Fprintf(&sb, "- … and %d more\n", extra)
	}

	sb.WriteString("\n### Merged pull requests\n\n")
	prs := SortMergedPRs(a.MergedPRs)
	if len(prs) == 0 {
		sb.WriteString("- none\n")
	}
	for _, pr := range prs {
		fmt.Fprintf(&sb, "- [#%d](%s) %s — %s (%s)\n", pr.Number, pr.HTMLURL, pr.Title, pr.User, isoDate(pr.MergedAt))
	}

	writeIssues(&sb, "Opened issues", a.OpenedIssues, func(i artifact.IssueInfo) string { return isoDate(i.CreatedAt) })
	writeIssues(&sb, "Closed issues", a.ClosedIssues, func(i artifact.IssueInfo) string {
		if i.ClosedAt == nil {
			return "closed"
		}
		return "closed " + isoDate(*i.ClosedAt)
	})
	return sb.String()
}

func writeIssues(sb *strings.Builder, heading string, issues []artifact.IssueInfo, when func(artifact.IssueInfo) string) {
	fmt.Fprintf(sb, "\n### %s\n\n", heading)
	if len(issues) == 0 {
		sb.WriteString("- none\n")
		return
	}
	for _, is := range issues {
		fmt.Fprintf(sb, "- [#%d](%s) %s — %s (%s)\n", is.Number, is.HTMLURL, is.Title, is.User, when(is))
	}
}

func slackSection(name string, msgs []artifact.SlackMessage, loc *time.Location) string {
	flat := Flatten(msgs)
	reactions := 0
	for _, m := range flat {
		reactions += m.Score()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## %s\n\n", name)
	fmt.Fprintf(&sb, "%s (%s in threads), %s.\n\n",
		plural(len(flat), "message", "messages"),
		plural(len(flat)-len(msgs), "reply", "replies"),
		plural(reactions, "reaction", "reactions"),
	)

	sb.WriteString("### Top highlights\n\n")
	top := TopHighlights(msgs, TopN)
	if len(top) == 0 {
		sb.WriteString("- none\n")
	}
	for i, m := range top {
		link := "message"
		if m.Permalink != "" {
			link = fmt.Sprintf("[message](%s)", m.Permalink)
		}
		when := m.TS
		if t, ok := slackTime(m.TS); ok {
			when = t.In(loc).Format("2006-01-02 15:04 MST")
		}
		fmt.Fprintf(&sb, "%d. %s · %s · %s · %s\n", i+1, link, plural(m.Score(), "reaction", "reactions"), when, m.AuthorName())
		if text := Excerpt(m.Text, ExcerptLen); text != "" {
			fmt.Fprintf(&sb, "   > %s\n", text)
		}
	}
	return sb.String()
}

func integrationTitle(t model.IntegrationType) string {
	switch t {
	case model.IntegrationGitHub:
		return "GitHub"
	case model.IntegrationSlack:
		return "Slack"
	default:
		return string(t)
	}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}
