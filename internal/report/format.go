package report

import (
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

var markdownEscaper = strings.NewReplacer(
	"_", `\_`,
	"*", `\*`,
	"[", `\[`,
	"]", `\]`,
	"(", `\(`,
	")", `\)`,
	"#", `\#`,
	"+", `\+`,
	"-", `\-`,
	"!", `\!`,
	"`", "\\`",
)

// EscapeMarkdown backslash-escapes _ * [ ] ( ) # + - ! and backticks.
func EscapeMarkdown(s string) string { return markdownEscaper.Replace(s) }

// Excerpt flattens whitespace, truncates to at most max runes including the trailing "…" when
// cut, then escapes markdown.
func Excerpt(text string, max int) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) > max {
		keep := max - 1
		if keep < 0 {
			keep = 0
		}
		text = strings.TrimSpace(string([]rune(text)[:keep])) + "…"
	}
	return EscapeMarkdown(text)
}

// isoDate returns the date part of an ISO-8601 timestamp.
func isoDate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 10 {
		if _, err := time.Parse(time.DateOnly, s[:10]); err == nil {
			return s[:10]
		}
	}
	if s == "" {
		return "n/a"
	}
	return s
}

// instant parses an RFC 3339 timestamp; unparsable values sort as the zero time.
func instant(s string) time.Time {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}
	}
	return t
}

// slackTime converts a Slack "seconds.micros" ts.
func slackTime(ts string) (time.Time, bool) {
	sec, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	var us int64
	if frac != "" {
		if len(frac) > 6 {
			frac = frac[:6]
		}
		frac += strings.Repeat("0", 6-len(frac))
		us, _ = strconv.ParseInt(frac, 10, 64)
	}
	return time.Unix(s, us*1000), true
}

func plural(n int, one, many string) string {
	if n == 1 {
		return "1 " + one
	}
	return strconv.Itoa(n) + " " + many
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
