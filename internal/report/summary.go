package report

import (
	"sort"

	"digestbot/internal/artifact"
)

// Summary is the cross-section rollup produced by the summarizer step and rendered in the
// digest header.
type Summary struct {
	Repos        int      `json:"repos"`
	Commits      int      `json:"commits"`
	MergedPRs    int      `json:"merged_prs"`
	OpenedIssues int      `json:"opened_issues"`
	ClosedIssues int      `json:"closed_issues"`
	Channels     int      `json:"channels"`
	Messages     int      `json:"messages"`
	Replies      int      `json:"replies"`
	Reactions    int      `json:"reactions"`
	Committers   []Ranked `json:"top_committers"`
	Failed       []string `json:"failed,omitempty"`
	FailedItems  []string `json:"failed_items,omitempty"`
	Malformed    int      `json:"malformed"`
}

// Summarize rolls a bundle up. Repos and channels are visited in sorted key order so the
// committer ranking is deterministic.
func Summarize(b *artifact.Bundle) Summary {
	var s Summary
	var commits []artifact.CommitInfo
	for _, key := range sortedKeys(b.GitHub) {
		a := b.GitHub[key]
		s.Repos++
		s.Commits += len(a.Commits)
		s.MergedPRs += len(a.MergedPRs)
		s.OpenedIssues += len(a.OpenedIssues)
		s.ClosedIssues += len(a.ClosedIssues)
		commits = append(commits, a.Commits...)
	}
	for _, key := range sortedKeys(b.Slack) {
		s.Channels++
		for _, m := range b.Slack[key] {
			s.Messages++
			s.Reactions += m.Score()
			if m.Thread != nil {
				for _, r := range Flatten(m.Thread.Replies) {
					s.Replies++
					s.Reactions += r.Score()
				}
			}
		}
	}
	s.Committers = TopCommitters(commits, TopN)
	for t := range b.Failed {
		s.Failed = append(s.Failed, string(t))
	}
	sort.Strings(s.Failed)
	for t, keys := range b.ItemFailed {
		for key := range keys {
			s.FailedItems = append(s.FailedItems, string(t)+":"+key)
		}
	}
	sort.Strings(s.FailedItems)
	for _, m := range b.Malformed {
		s.Malformed += len(m)
	}
	return s
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
