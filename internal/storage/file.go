package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"digestbot/internal/model"
	"digestbot/internal/runstate"
	logx "digestbot/pkg/logx"
)

// fileStore keeps everything in plain files next to each other.
//
// Files:
//   - CatalogPath                  (catalog document, reloaded when its mtime changes)
//   - <prefix>.runs.jsonl          (append-only run/step records, last write wins)
//   - <prefix>.dedup.snapshot.json (periodic snapshot)
//   - <prefix>.dedup.journal.jsonl (append-only journal)
//
// The dedup journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	catalogPath string
	catMu       sync.Mutex
	catMod      time.Time
	cat         *memCatalog

	mu sync.Mutex

	runsPath string
	runsFile *os.File

	dedupSnapshotPath string
	dedupJournalFile  *os.File
	dedup             map[string]int64 // unix milli

	dedupWrites int
}

type dedupRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

// runRecord is one line of the runs journal. Exactly one of Run and Step is set.
type runRecord struct {
	Run  *runstate.Run  `json:"run,omitempty"`
	Step *runstate.Step `json:"step,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:               log,
		catalogPath:       strings.TrimSpace(cfg.CatalogPath),
		runsPath:          prefix + ".runs.jsonl",
		dedupSnapshotPath: prefix + ".dedup.snapshot.json",
	}
	if s.catalogPath != "" {
		if _, err := s.catalog(); err != nil {
			return nil, err
		}
	} else {
		s.cat, _ = newMemCatalog(nil)
	}

	rf, err := os.OpenFile(s.runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.runsFile = rf

	journalPath := prefix + ".dedup.journal.jsonl"
	s.dedup = map[string]int64{}
	_ = loadDedupSnapshot(s.dedupSnapshotPath, s.dedup)
	_ = replayDedupJournal(journalPath, s.dedup)
	pruneExpiredDedup(s.dedup)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = rf.Close()
		return nil, err
	}
	s.dedupJournalFile = jf
	return s, nil
}

// catalog returns the current catalog, re-reading the document when it changed on disk.
// A reload failure keeps serving the previous catalog.
func (s *fileStore) catalog() (*memCatalog, error) {
	s.catMu.Lock()
	defer s.catMu.Unlock()
	if s.catalogPath == "" {
		return s.cat, nil
	}
	st, err := os.Stat(s.catalogPath)
	if err != nil {
		if s.cat != nil {
			s.log.Warn("catalog stat failed; serving cached catalog", logx.String("path", s.catalogPath), logx.Err(err))
			return s.cat, nil
		}
		return nil, err
	}
	if s.cat != nil && st.ModTime().Equal(s.catMod) {
		return s.cat, nil
	}
	doc, err := LoadCatalog(s.catalogPath)
	if err == nil {
		var c *memCatalog
		if c, err = newMemCatalog(doc); err == nil {
			s.cat, s.catMod = c, st.ModTime()
			s.log.Debug("catalog loaded", logx.String("path", s.catalogPath), logx.Int("targets", len(c.targets)))
			return c, nil
		}
	}
	if s.cat != nil {
		s.log.Warn("catalog reload failed; serving cached catalog", logx.String("path", s.catalogPath), logx.Err(err))
		return s.cat, nil
	}
	return nil, err
}

func (s *fileStore) ListActiveTargets(ctx context.Context) ([]model.Target, error) {
	c, err := s.catalog()
	if err != nil {
		return nil, err
	}
	return c.ListActiveTargets(ctx)
}

func (s *fileStore) GetTarget(ctx context.Context, id string) (model.Target, bool, error) {
	c, err := s.catalog()
	if err != nil {
		return model.Target{}, false, err
	}
	return c.GetTarget(ctx, id)
}

func (s *fileStore) ListSources(ctx context.Context, targetID string) ([]model.Source, error) {
	c, err := s.catalog()
	if err != nil {
		return nil, err
	}
	return c.ListSources(ctx, targetID)
}

func (s *fileStore) ListIntegrations(ctx context.Context, workspaceID string) ([]model.Integration, error) {
	c, err := s.catalog()
	if err != nil {
		return nil, err
	}
	return c.ListIntegrations(ctx, workspaceID)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.runsFile != nil {
		err1 = s.runsFile.Close()
		s.runsFile = nil
	}
	if s.dedupJournalFile != nil {
		err2 = s.dedupJournalFile.Close()
		s.dedupJournalFile = nil
	}
	return errors.Join(err1, err2)
}

func (s *fileStore) appendRun(rec runRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.runsFile).Encode(rec)
}

func (s *fileStore) SaveRun(_ context.Context, r runstate.Run) error {
	r.Steps = nil
	return s.appendRun(runRecord{Run: &r})
}

func (s *fileStore) SaveStep(_ context.Context, st runstate.Step) error {
	return s.appendRun(runRecord{Step: &st})
}

func (s *fileStore) ListRuns(_ context.Context, targetID string, limit int) ([]runstate.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.runsPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	runs := map[string]*runstate.Run{}
	steps := map[string]map[runstate.StepName]runstate.Step{}
	var order []string

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var rec runRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		switch {
		case rec.Run != nil:
			if _, ok := runs[rec.Run.ID]; !ok {
				order = append(order, rec.Run.ID)
			}
			r := *rec.Run
			runs[r.ID] = &r
		case rec.Step != nil:
			m := steps[rec.Step.RunID]
			if m == nil {
				m = map[runstate.StepName]runstate.Step{}
				steps[rec.Step.RunID] = m
			}
			m[rec.Step.Name] = *rec.Step
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	out := make([]runstate.Run, 0, len(order))
	for i := len(order) - 1; i >= 0; i-- {
		r := runs[order[i]]
		if targetID != "" && r.TargetID != targetID {
			continue
		}
		for _, st := range steps[r.ID] {
			r.Steps = append(r.Steps, st)
		}
		sort.Slice(r.Steps, func(a, b int) bool { return r.Steps[a].Name < r.Steps[b].Name })
		out = append(out, *r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *fileStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedupJournalFile == nil {
		return ErrClosed
	}
	s.dedup[key] = ms

	if err := json.NewEncoder(s.dedupJournalFile).Encode(dedupRecord{Key: key, Until: ms}); err != nil {
		return err
	}
	s.dedupWrites++
	if s.dedupWrites%1000 == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("dedup compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[key]
	if !ok || ms < time.Now().UnixMilli() {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) compactLocked() error {
	pruneExpiredDedup(s.dedup)

	tmp := s.dedupSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.dedup); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.dedupSnapshotPath); err != nil {
		return err
	}
	if err := s.dedupJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.dedupJournalFile.Seek(0, 2)
	return err
}

func loadDedupSnapshot(path string, out map[string]int64) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var m map[string]int64
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayDedupJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r dedupRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Key == "" {
			continue
		}
		out[r.Key] = r.Until
	}
	return sc.Err()
}

func pruneExpiredDedup(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}
