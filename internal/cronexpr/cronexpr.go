// Package cronexpr validates 5-field cron expressions and answers "when does it fire next".
//
// Grammar per field: "*", an integer, a comma list of integers, an inclusive range "a-b",
// or a step "*/n". Values are not range-checked: "99 * * * *" is well-formed and simply never
// matches a minute. A stepped range "a-b/n" is accepted and matched exactly like "*/n".
//
// All functions are pure and never panic on bad input: malformed expressions are reported as
// false return values.
package cronexpr

import (
	"strconv"
	"strings"
	"time"
)

// MaxSearchSteps bounds NextRun's forward scan (one step per minute, 24 hours).
const MaxSearchSteps = 1440

const fieldCount = 5

// IsValid reports whether expr has exactly five well-formed fields.
func IsValid(expr string) bool {
	fields := strings.Fields(expr)
	if len(fields) != fieldCount {
		return false
	}
	for _, f := range fields {
		if !validField(f) {
			return false
		}
	}
	return true
}

func validField(f string) bool {
	switch {
	case f == "*":
		return true
	case strings.Contains(f, "/"):
		base, step, ok := strings.Cut(f, "/")
		if !ok {
			return false
		}
		n, ok := atoi(step)
		if !ok || n <= 0 {
			return false
		}
		if base == "*" {
			return true
		}
		lo, hi, ok := strings.Cut(base, "-")
		if !ok {
			return false
		}
		_, okLo := atoi(lo)
		_, okHi := atoi(hi)
		return okLo && okHi
	case strings.Contains(f, ","):
		for _, item := range strings.Split(f, ",") {
			if _, ok := atoi(item); !ok {
				return false
			}
		}
		return true
	case strings.Contains(f, "-"):
		lo, hi, _ := strings.Cut(f, "-")
		_, okLo := atoi(lo)
		_, okHi := atoi(hi)
		return okLo && okHi
	default:
		_, ok := atoi(f)
		return ok
	}
}

// atoi accepts only plain decimal digits ("+1" and "-1" are rejected).
func atoi(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

// MatchesField reports whether value satisfies a single cron field.
//
// Step fields match when value%n == 0, independent of any start offset.
func MatchesField(value int, field string) bool {
	switch {
	case field == "*":
		return true
	case strings.Contains(field, "/"):
		_, step, _ := strings.Cut(field, "/")
		n, ok := atoi(step)
		if !ok || n <= 0 {
			return false
		}
		return value%n == 0
	case strings.Contains(field, ","):
		for _, item := range strings.Split(field, ",") {
			if n, ok := atoi(item); ok && n == value {
				return true
			}
		}
		return false
	case strings.Contains(field, "-"):
		lo, hi, _ := strings.Cut(field, "-")
		a, okLo := atoi(lo)
		b, okHi := atoi(hi)
		return okLo && okHi && a <= value && value <= b
	default:
		n, ok := atoi(field)
		return ok && n == value
	}
}

// Matches reports whether all five fields of expr match t (minute precision, t's location).
func Matches(expr string, t time.Time) bool {
	fields := strings.Fields(expr)
	if len(fields) != fieldCount {
		return false
	}
	return MatchesField(t.Minute(), fields[0]) &&
		MatchesField(t.Hour(), fields[1]) &&
		MatchesField(t.Day(), fields[2]) &&
		MatchesField(int(t.Month()), fields[3]) &&
		MatchesField(int(t.Weekday()), fields[4])
}

// NextRun returns the first minute at or after from on which every field matches.
//
// The scan starts at from rounded up to the whole minute and advances at most MaxSearchSteps
// minutes. ok=false means the answer could not be determined inside that horizon, not that the
// expression never fires.
func NextRun(expr string, from time.Time) (next time.Time, ok bool) {
	if !IsValid(expr) {
		return time.Time{}, false
	}
	t := from.Truncate(time.Minute)
	if t.Before(from) {
		t = t.Add(time.Minute)
	}
	for i := 0; i <= MaxSearchSteps; i++ {
		if Matches(expr, t) {
			return t, true
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}, false
}

// IsDueWithin reports whether the next run falls inside [from, from+window].
func IsDueWithin(expr string, from time.Time, window time.Duration) bool {
	next, ok := NextRun(expr, from)
	if !ok {
		return false
	}
	return !next.Before(from) && !next.After(from.Add(window))
}
