package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"go.yaml.in/yaml/v3"

	"digestbot/internal/model"
)

// CatalogDoc is the on-disk catalog format. JSON documents are accepted as well (JSON is YAML).
//
//	targets:
//	  - target_id: eng-weekly
//	    workspace_id: acme
//	    schedule_cron: "0 9 * * 1"
//	    is_active: true
//	sources:
//	  - {target_id: eng-weekly, source_type: github_repo, source_ident: api}
//	integrations:
//	  - workspace_id: acme
//	    type: github
//	    credential_ref: acme-github
//	    resource_cache:
//	      repos: [{name: api, full_name: acme/api}]
type CatalogDoc struct {
	Targets      []model.Target       `yaml:"targets"`
	Sources      []model.Source       `yaml:"sources"`
	Integrations []catalogIntegration `yaml:"integrations"`
}

type catalogIntegration struct {
	model.Integration `yaml:",inline"`
	// ResourceCache is either an inline mapping or a JSON string as stored by resource sync.
	ResourceCache any `yaml:"resource_cache"`
}

func (ci catalogIntegration) toModel() (model.Integration, error) {
	in := ci.Integration
	switch v := ci.ResourceCache.(type) {
	case nil:
	case string:
		in.ResourceCacheJSON = json.RawMessage(v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return in, fmt.Errorf("integration %s/%s resource_cache: %w", in.WorkspaceID, in.Type, err)
		}
		in.ResourceCacheJSON = raw
	}
	return in, nil
}

// ParseCatalog decodes a catalog document.
func ParseCatalog(data []byte) (*CatalogDoc, error) {
	doc := &CatalogDoc{}
	if len(bytes.TrimSpace(data)) == 0 {
		return doc, nil
	}
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	seen := map[string]bool{}
	for i, t := range doc.Targets {
		id := strings.TrimSpace(t.ID)
		if id == "" {
			return nil, fmt.Errorf("catalog: targets[%d]: target_id is required", i)
		}
		if seen[id] {
			return nil, fmt.Errorf("catalog: duplicate target_id %q", id)
		}
		seen[id] = true
		doc.Targets[i].ID = id
	}
	return doc, nil
}

// LoadCatalog reads and decodes a catalog file.
func LoadCatalog(path string) (*CatalogDoc, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseCatalog(b)
}

// memCatalog is an immutable in-memory view of a CatalogDoc.
type memCatalog struct {
	targets      []model.Target
	byID         map[string]model.Target
	sources      map[string][]model.Source
	integrations map[string][]model.Integration
}

func newMemCatalog(doc *CatalogDoc) (*memCatalog, error) {
	c := &memCatalog{
		byID:         map[string]model.Target{},
		sources:      map[string][]model.Source{},
		integrations: map[string][]model.Integration{},
	}
	if doc == nil {
		return c, nil
	}
	c.targets = append(c.targets, doc.Targets...)
	sort.SliceStable(c.targets, func(i, j int) bool { return c.targets[i].ID < c.targets[j].ID })
	for _, t := range c.targets {
		c.byID[t.ID] = t
	}
	for _, s := range doc.Sources {
		c.sources[s.TargetID] = append(c.sources[s.TargetID], s)
	}
	for _, ci := range doc.Integrations {
		in, err := ci.toModel()
		if err != nil {
			return nil, err
		}
		c.integrations[in.WorkspaceID] = append(c.integrations[in.WorkspaceID], in)
	}
	return c, nil
}

func (c *memCatalog) ListActiveTargets(context.Context) ([]model.Target, error) {
	out := make([]model.Target, 0, len(c.targets))
	for _, t := range c.targets {
		if t.IsActive {
			out = append(out, t)
		}
	}
	return out, nil
}

func (c *memCatalog) GetTarget(_ context.Context, id string) (model.Target, bool, error) {
	t, ok := c.byID[strings.TrimSpace(id)]
	return t, ok, nil
}

func (c *memCatalog) ListSources(_ context.Context, targetID string) ([]model.Source, error) {
	return append([]model.Source(nil), c.sources[targetID]...), nil
}

func (c *memCatalog) ListIntegrations(_ context.Context, workspaceID string) ([]model.Integration, error) {
	return append([]model.Integration(nil), c.integrations[workspaceID]...), nil
}
