// Package model holds the records this core reads from the workspace database.
//
// Targets, sources and integrations are owned by external processes (admin UI, resource sync);
// nothing in this module mutates them.
package model

import (
	"encoding/json"
	"strings"
)

type SourceType string

const (
	SourceSlackChannel SourceType = "slack_channel"
	SourceGitHubRepo   SourceType = "github_repo"
)

type IntegrationType string

const (
	IntegrationSlack     IntegrationType = "slack"
	IntegrationGitHub    IntegrationType = "github"
	IntegrationDiscord   IntegrationType = "discord"
	IntegrationLineWorks IntegrationType = "lineworks"
)

// IntegrationType maps a source kind to the integration that can serve it.
// Unknown source types map to "".
func (t SourceType) IntegrationType() IntegrationType {
	switch t {
	case SourceSlackChannel:
		return IntegrationSlack
	case SourceGitHubRepo:
		return IntegrationGitHub
	default:
		return ""
	}
}

// Target is a configured digest recipient. A nil ScheduleCron means manual dispatch only.
type Target struct {
	ID           string  `json:"target_id" yaml:"target_id"`
	WorkspaceID  string  `json:"workspace_id" yaml:"workspace_id"`
	DisplayName  string  `json:"display_name" yaml:"display_name"`
	ScheduleCron *string `json:"schedule_cron" yaml:"schedule_cron"`
	IsActive     bool    `json:"is_active" yaml:"is_active"`
}

// Schedule returns the trimmed cron expression, or "" for manual-only targets.
func (t Target) Schedule() string {
	if t.ScheduleCron == nil {
		return ""
	}
	return strings.TrimSpace(*t.ScheduleCron)
}

// Source is an abstract reference (channel or repo name) a target wants data from.
type Source struct {
	TargetID string     `json:"target_id" yaml:"target_id"`
	Type     SourceType `json:"source_type" yaml:"source_type"`
	Ident    string     `json:"source_ident" yaml:"source_ident"`
}

// Integration is a workspace's connection to one external platform.
type Integration struct {
	WorkspaceID       string          `json:"workspace_id" yaml:"workspace_id"`
	Type              IntegrationType `json:"type" yaml:"type"`
	CredentialRef     *string         `json:"credential_ref" yaml:"credential_ref"`
	ResourceCacheJSON json.RawMessage `json:"resource_cache_json" yaml:"-"`
}

// HasCredential reports whether a non-blank credential reference is configured.
func (i Integration) HasCredential() bool {
	return i.CredentialRef != nil && strings.TrimSpace(*i.CredentialRef) != ""
}

// CachedRepo is a repository entry from the last resource sync.
type CachedRepo struct {
	Name     string `json:"name"`
	FullName string `json:"full_name"`
}

// CachedChannel is a channel entry from the last resource sync.
type CachedChannel struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

// ResourceCache is the last-known snapshot of platform resources for one integration.
// A stale snapshot leads to silent resolution misses.
type ResourceCache struct {
	Repos    []CachedRepo    `json:"repos"`
	Channels []CachedChannel `json:"channels"`
}

// ParseResourceCache decodes ResourceCacheJSON. Empty input yields an empty cache;
// malformed input yields an empty cache and the decode error.
func (i Integration) ParseResourceCache() (ResourceCache, error) {
	var rc ResourceCache
	raw := strings.TrimSpace(string(i.ResourceCacheJSON))
	if raw == "" || raw == "null" {
		return rc, nil
	}
	if err := json.Unmarshal(i.ResourceCacheJSON, &rc); err != nil {
		return ResourceCache{}, err
	}
	return rc, nil
}
