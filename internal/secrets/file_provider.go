package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// FileProvider reads a flat key/value document (YAML or JSON, JSON being valid YAML).
//
// The file is re-read when its modification time changes so rotated secrets are picked up
// without a restart.
type FileProvider struct {
	path string

	mu      sync.Mutex
	modTime time.Time
	values  map[string]string
}

func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path}
}

func (p *FileProvider) Name() string { return "file" }

func (p *FileProvider) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	values, err := p.load()
	if err != nil {
		return "", err
	}
	v, ok := values[key]
	if !ok || strings.TrimSpace(v) == "" {
		return "", &ErrSecretNotFound{Key: key, Provider: p.Name()}
	}
	return v, nil
}

func (p *FileProvider) load() (map[string]string, error) {
	st, err := os.Stat(p.path)
	if err != nil {
		return nil, fmt.Errorf("secrets file: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.values != nil && st.ModTime().Equal(p.modTime) {
		return p.values, nil
	}

	b, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("secrets file: %w", err)
	}
	values := map[string]string{}
	if err := yaml.Unmarshal(b, &values); err != nil {
		return nil, fmt.Errorf("secrets file %s: %w", p.path, err)
	}
	p.values = values
	p.modTime = st.ModTime()
	return values, nil
}
