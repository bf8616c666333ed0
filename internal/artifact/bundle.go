package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"digestbot/internal/model"
)

// FileName is the artifact file written by the collector for t.
func FileName(t model.IntegrationType) string { return string(t) + ".json" }

// Bundle is everything the assembler needs for one run.
type Bundle struct {
	GitHub map[string]RepoActivity
	Slack  map[string][]SlackMessage

	// Failed marks integrations whose collector failed or whose artifact could not be read.
	Failed map[model.IntegrationType]string

	// Malformed lists entries that failed validation, per integration and section key.
	Malformed map[model.IntegrationType]map[string]string

	// ItemFailed lists identifiers the collector could not fetch while the rest of its run succeeded.
	ItemFailed map[model.IntegrationType]map[string]string

	// Labels maps platform identifiers to human names (channel id -> "#general").
	Labels map[string]string
}

func NewBundle() *Bundle {
	return &Bundle{
		GitHub:     map[string]RepoActivity{},
		Slack:      map[string][]SlackMessage{},
		Failed:     map[model.IntegrationType]string{},
		Malformed:  map[model.IntegrationType]map[string]string{},
		ItemFailed: map[model.IntegrationType]map[string]string{},
		Labels:     map[string]string{},
	}
}

// MarkFailed records a collector failure for t.
func (b *Bundle) MarkFailed(t model.IntegrationType, reason string) {
	b.Failed[t] = reason
}

// MarkItemFailed records that the collector for t could not fetch key.
func (b *Bundle) MarkItemFailed(t model.IntegrationType, key, reason string) {
	if b.ItemFailed[t] == nil {
		b.ItemFailed[t] = map[string]string{}
	}
	b.ItemFailed[t][key] = reason
}

func (b *Bundle) markMalformed(t model.IntegrationType, key string, err error) {
	if b.Malformed[t] == nil {
		b.Malformed[t] = map[string]string{}
	}
	b.Malformed[t][key] = err.Error()
}

// Empty reports whether the bundle carries no sections at all.
func (b *Bundle) Empty() bool {
	return len(b.GitHub) == 0 && len(b.Slack) == 0 && len(b.Failed) == 0 && len(b.Malformed) == 0 && len(b.ItemFailed) == 0
}

// Load reads every known artifact file under dir. Missing files are not errors; unreadable or
// non-object files mark that integration failed.
func Load(dir string) (*Bundle, error) {
	if _, _, err := schemas(); err != nil {
		return nil, err
	}
	b := NewBundle()
	for _, t := range []model.IntegrationType{model.IntegrationGitHub, model.IntegrationSlack} {
		raw, err := os.ReadFile(filepath.Join(dir, FileName(t)))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			b.MarkFailed(t, err.Error())
			continue
		}
		if err := b.Add(t, raw); err != nil {
			b.MarkFailed(t, err.Error())
		}
	}
	return b, nil
}

// Add parses one artifact document into the bundle.
func (b *Bundle) Add(t model.IntegrationType, raw []byte) error {
	repo, slack, err := schemas()
	if err != nil {
		return err
	}
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("%s artifact: %w", t, err)
	}

	for key, entry := range entries {
		switch t {
		case model.IntegrationGitHub:
			if err := validate(repo, entry); err != nil {
				b.markMalformed(t, key, err)
				continue
			}
			var a RepoActivity
			if err := json.Unmarshal(entry, &a); err != nil {
				b.markMalformed(t, key, err)
				continue
			}
			b.GitHub[key] = a
		case model.IntegrationSlack:
			if err := validate(slack, entry); err != nil {
				b.markMalformed(t, key, err)
				continue
			}
			var msgs []SlackMessage
			if err := json.Unmarshal(entry, &msgs); err != nil {
				b.markMalformed(t, key, err)
				continue
			}
			b.Slack[key] = msgs
		default:
			return fmt.Errorf("no artifact schema for %q", t)
		}
	}
	return nil
}

// WriteJSON writes v to path atomically (temp file in the same directory, then rename).
func WriteJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return WriteFile(path, b)
}

// WriteFile writes data to path atomically.
func WriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
