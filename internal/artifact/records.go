// Package artifact defines the raw collector artifacts on disk and parses them at the boundary.
//
// Each collector writes one JSON object per integration to <outDir>/<type>.json. Every entry is
// validated against a JSON schema before it is decoded, so malformed records never reach the
// report assembler; a bad entry is reported per section instead of failing the whole file.
package artifact

import "strings"

type CommitInfo struct {
	SHA     string `json:"sha"`
	Message string `json:"message"`
	Author  string `json:"author"`
	HTMLURL string `json:"html_url"`
	Date    string `json:"date"`
}

// Subject returns the first line of the commit message.
func (c CommitInfo) Subject() string {
	subject, _, _ := strings.Cut(c.Message, "\n")
	return strings.TrimSpace(subject)
}

type PRInfo struct {
	Number   int    `json:"number"`
	Title    string `json:"title"`
	User     string `json:"user"`
	HTMLURL  string `json:"html_url"`
	MergedAt string `json:"merged_at"`
}

type IssueInfo struct {
	Number    int     `json:"number"`
	Title     string  `json:"title"`
	User      string  `json:"user"`
	HTMLURL   string  `json:"html_url"`
	State     string  `json:"state"`
	CreatedAt string  `json:"created_at"`
	ClosedAt  *string `json:"closed_at,omitempty"`
}

type RepoRef struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

// RepoActivity is one entry of the GitHub artifact, keyed by "owner/name".
type RepoActivity struct {
	Repo         RepoRef      `json:"repo"`
	Commits      []CommitInfo `json:"commits"`
	MergedPRs    []PRInfo     `json:"mergedPRs"`
	OpenedIssues []IssueInfo  `json:"openedIssues"`
	ClosedIssues []IssueInfo  `json:"closedIssues"`
}

type Reaction struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type Thread struct {
	Replies []SlackMessage `json:"replies"`
}

type SlackProfile struct {
	DisplayName string `json:"display_name,omitempty"`
	RealName    string `json:"real_name,omitempty"`
}

type SlackUser struct {
	ID          string       `json:"id"`
	Name        string       `json:"name,omitempty"`
	RealName    string       `json:"real_name,omitempty"`
	DisplayName string       `json:"display_name,omitempty"`
	Profile     SlackProfile `json:"profile"`
}

// SlackMessage is one message of the Slack artifact (keyed by channel id), replies nested.
type SlackMessage struct {
	TS        string     `json:"ts"`
	User      string     `json:"user,omitempty"`
	Text      string     `json:"text,omitempty"`
	Permalink string     `json:"permalink,omitempty"`
	Reactions []Reaction `json:"reactions"`
	Thread    *Thread    `json:"thread,omitempty"`
	UserInfo  *SlackUser `json:"user_info,omitempty"`
}

// Score is the sum of reaction counts.
func (m SlackMessage) Score() int {
	n := 0
	for _, r := range m.Reactions {
		n += r.Count
	}
	return n
}

// AuthorName resolves a display name: profile display name, profile real name, real name,
// display name, name, then "@<user id>".
func (m SlackMessage) AuthorName() string {
	if u := m.UserInfo; u != nil {
		for _, n := range []string{u.Profile.DisplayName, u.Profile.RealName, u.RealName, u.DisplayName, u.Name} {
			if n = strings.TrimSpace(n); n != "" {
				return n
			}
		}
		if m.User == "" && u.ID != "" {
			return "@" + u.ID
		}
	}
	if m.User == "" {
		return "@unknown"
	}
	return "@" + m.User
}
