// Package collector defines the contract every integration collector satisfies and the helpers
// they share: request parsing, per-item failure isolation and artifact writing.
package collector

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"digestbot/internal/artifact"
	"digestbot/internal/model"
	"digestbot/internal/task/engine"
	logx "digestbot/pkg/logx"
)

var ErrNoIdentifiers = errors.New("collector: no identifiers")

// Request is the collector invocation contract.
type Request struct {
	// Identifiers is a comma-joined list of platform identifiers ("owner/name" or channel ids).
	Identifiers  string
	Token        string
	OutDir       string
	LookbackDays int
	Now          time.Time
}

// IDs splits Identifiers, dropping blanks and duplicates.
func (r Request) IDs() []string {
	seen := map[string]bool{}
	var out []string
	for _, id := range strings.Split(r.Identifiers, ",") {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// Since is the start of the lookback window. LookbackDays <= 0 means 7.
func (r Request) Since() time.Time {
	now := r.Now
	if now.IsZero() {
		now = time.Now()
	}
	days := r.LookbackDays
	if days <= 0 {
		days = 7
	}
	return now.AddDate(0, 0, -days)
}

type Result struct {
	Path   string
	Items  int
	Failed []string
}

type Collector interface {
	Type() model.IntegrationType
	Fetch(ctx context.Context, req Request) (Result, error)
}

// Registry maps integration types to collectors.
type Registry struct {
	m map[model.IntegrationType]Collector
}

func NewRegistry(cs ...Collector) *Registry {
	r := &Registry{m: map[model.IntegrationType]Collector{}}
	for _, c := range cs {
		if c != nil {
			r.m[c.Type()] = c
		}
	}
	return r
}

func (r *Registry) Get(t model.IntegrationType) (Collector, bool) {
	if r == nil {
		return nil, false
	}
	c, ok := r.m[t]
	return c, ok
}

func (r *Registry) Types() []model.IntegrationType {
	out := make([]model.IntegrationType, 0, len(r.m))
	for t := range r.m {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// FetchEach runs fn for every id, sequentially. Items that fail are logged and reported in
// failed; err is non-nil only when every item failed. When the items failed on rate limits the
// returned error carries the longest engine.RetryAfter hint so the engine backs off accordingly.
func FetchEach(ctx context.Context, log logx.Logger, ids []string, fn func(ctx context.Context, id string) error) (failed []string, err error) {
	if len(ids) == 0 {
		return nil, engine.NoRetry(ErrNoIdentifiers)
	}
	var (
		errs      []error
		retryHint time.Duration
		hinted    bool
	)
	for _, id := range ids {
		if ctx.Err() != nil {
			return failed, ctx.Err()
		}
		e := fn(ctx, id)
		if e == nil {
			continue
		}
		log.Warn("collector item failed", logx.String("id", id), logx.Err(e))
		failed = append(failed, id)
		errs = append(errs, fmt.Errorf("%s: %w", id, e))
		var ra engine.RetryAfterError
		if errors.As(e, &ra) {
			hinted = true
			retryHint = max(retryHint, ra.RetryAfter())
		}
	}
	if len(failed) < len(ids) {
		return failed, nil
	}
	err = errors.Join(errs...)
	if hinted {
		return failed, engine.RetryAfter(err, retryHint)
	}
	return failed, err
}

// Write persists an artifact document to <outDir>/<type>.json.
func Write(outDir string, t model.IntegrationType, doc any) (string, error) {
	if strings.TrimSpace(outDir) == "" {
		return "", engine.NoRetry(errors.New("collector: empty output directory"))
	}
	path := filepath.Join(outDir, artifact.FileName(t))
	if err := artifact.WriteJSON(path, doc); err != nil {
		return "", fmt.Errorf("write %s artifact: %w", t, err)
	}
	return path, nil
}
