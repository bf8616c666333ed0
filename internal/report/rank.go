package report

import (
	"sort"
	"strings"

	"digestbot/internal/artifact"
)

const (
	TopN        = 5
	MaxCommits  = 30
	ExcerptLen  = 200
	unknownUser = "unknown"
)

// Ranked is one entry of a count ranking.
type Ranked struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// TopCommitters counts commits per author, highest first. Ties keep first-seen order.
func TopCommitters(commits []artifact.CommitInfo, n int) []Ranked {
	idx := map[string]int{}
	var out []Ranked
	for _, c := range commits {
		author := strings.TrimSpace(c.Author)
		if author == "" {
			author = unknownUser
		}
		i, ok := idx[author]
		if !ok {
			i = len(out)
			idx[author] = i
			out = append(out, Ranked{Name: author})
		}
		out[i].Count++
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Flatten returns every message followed by its thread replies, depth first.
func Flatten(msgs []artifact.SlackMessage) []artifact.SlackMessage {
	var out []artifact.SlackMessage
	for _, m := range msgs {
		out = append(out, m)
		if m.Thread != nil {
			out = append(out, Flatten(m.Thread.Replies)...)
		}
	}
	return out
}

// TopHighlights ranks flattened messages by reaction score, highest first. Ties keep sequence order.
func TopHighlights(msgs []artifact.SlackMessage, n int) []artifact.SlackMessage {
	flat := Flatten(msgs)
	sort.SliceStable(flat, func(i, j int) bool { return flat[i].Score() > flat[j].Score() })
	if n > 0 && len(flat) > n {
		flat = flat[:n]
	}
	return flat
}

// SortMergedPRs returns prs ordered by merge time, newest first.
func SortMergedPRs(prs []artifact.PRInfo) []artifact.PRInfo {
	out := append([]artifact.PRInfo(nil), prs...)
	sort.SliceStable(out, func(i, j int) bool {
		return instant(out[i].MergedAt).After(instant(out[j].MergedAt))
	})
	return out
}
