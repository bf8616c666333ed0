// Package resolve maps a target's abstract sources to platform-native identifiers using the
// integrations' cached resource lists.
//
// Resolution is best-effort: unmatched sources are reported, never raised.
package resolve

import (
	"sort"
	"strings"

	"digestbot/internal/model"
)

// SkipReason explains why a resolution carries no identifiers.
type SkipReason string

const (
	SkipNone          SkipReason = ""
	SkipNoIntegration SkipReason = "no_integration"
	SkipNoCredential  SkipReason = "no_credential"
	SkipNoMatch       SkipReason = "no_match"
)

// Resolution is the outcome for one integration type.
type Resolution struct {
	Type        model.IntegrationType
	Integration *model.Integration

	// Identifiers are GitHub full names or Slack channel ids, deduplicated, first-seen order.
	Identifiers []string
	// Labels maps an identifier to the human name it was matched by.
	Labels    map[string]string
	Unmatched []string
	Reason    SkipReason

	// CacheErr is set when the integration's resource cache could not be decoded.
	CacheErr error
}

// Empty reports whether there is nothing to collect.
func (r Resolution) Empty() bool { return len(r.Identifiers) == 0 }

// Plan holds the per-integration resolutions of one target.
// Integration types without any source of that kind are absent.
type Plan struct {
	TargetID string
	ByType   map[model.IntegrationType]Resolution
}

// Types returns the planned integration types in a stable order.
func (p Plan) Types() []model.IntegrationType {
	out := make([]model.IntegrationType, 0, len(p.ByType))
	for t := range p.ByType {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// NormalizeSlackIdent strips a single leading '#'.
func NormalizeSlackIdent(ident string) string {
	return strings.TrimPrefix(ident, "#")
}

// Resolve builds the plan for target from its sources and the workspace integrations.
func Resolve(target model.Target, sources []model.Source, integrations []model.Integration) Plan {
	plan := Plan{TargetID: target.ID, ByType: map[model.IntegrationType]Resolution{}}

	grouped := map[model.IntegrationType][]model.Source{}
	for _, s := range sources {
		if s.TargetID != "" && s.TargetID != target.ID {
			continue
		}
		it := s.Type.IntegrationType()
		if it == "" {
			continue
		}
		grouped[it] = append(grouped[it], s)
	}

	for it, srcs := range grouped {
		res := Resolution{Type: it, Labels: map[string]string{}}
		integ := findIntegration(integrations, target.WorkspaceID, it)
		switch {
		case integ == nil:
			res.Reason = SkipNoIntegration
			res.Unmatched = idents(srcs)
		case !integ.HasCredential():
			res.Integration = integ
			res.Reason = SkipNoCredential
			res.Unmatched = idents(srcs)
		default:
			res.Integration = integ
			cache, err := integ.ParseResourceCache()
			res.CacheErr = err
			matchSources(&res, it, srcs, cache)
			if res.Empty() {
				res.Reason = SkipNoMatch
			}
		}
		plan.ByType[it] = res
	}
	return plan
}

func matchSources(res *Resolution, it model.IntegrationType, srcs []model.Source, cache model.ResourceCache) {
	seen := map[string]bool{}
	add := func(id, label string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		res.Identifiers = append(res.Identifiers, id)
		res.Labels[id] = label
	}

	for _, s := range srcs {
		matched := false
		switch it {
		case model.IntegrationSlack:
			name := NormalizeSlackIdent(s.Ident)
			for _, ch := range cache.Channels {
				if ch.Name == name {
					add(ch.ID, ch.Name)
					matched = true
					break
				}
			}
		case model.IntegrationGitHub:
			for _, r := range cache.Repos {
				if r.Name == s.Ident {
					add(r.FullName, r.FullName)
					matched = true
					break
				}
			}
		}
		if !matched {
			res.Unmatched = append(res.Unmatched, s.Ident)
		}
	}
}

func findIntegration(integrations []model.Integration, workspaceID string, it model.IntegrationType) *model.Integration {
	var fallback *model.Integration
	for i := range integrations {
		in := &integrations[i]
		if in.Type != it {
			continue
		}
		if in.WorkspaceID != "" && workspaceID != "" && in.WorkspaceID != workspaceID {
			continue
		}
		// Prefer an integration that can actually authenticate.
		if in.HasCredential() {
			return in
		}
		if fallback == nil {
			fallback = in
		}
	}
	return fallback
}

func idents(srcs []model.Source) []string {
	out := make([]string, 0, len(srcs))
	for _, s := range srcs {
		out = append(out, s.Ident)
	}
	return out
}
