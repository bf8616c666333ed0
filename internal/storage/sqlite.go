package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"digestbot/internal/model"
	"digestbot/internal/runstate"
	logx "digestbot/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const targetCols = `target_id, workspace_id, display_name, schedule_cron, is_active`

func scanTarget(sc interface{ Scan(...any) error }) (model.Target, error) {
	var (
		t    model.Target
		cron sql.NullString
	)
	if err := sc.Scan(&t.ID, &t.WorkspaceID, &t.DisplayName, &cron, &t.IsActive); err != nil {
		return t, err
	}
	if cron.Valid {
		v := cron.String
		t.ScheduleCron = &v
	}
	return t, nil
}

func (s *sqliteStore) ListActiveTargets(ctx context.Context) ([]model.Target, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+targetCols+` FROM targets WHERE is_active = 1 ORDER BY target_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetTarget(ctx context.Context, id string) (model.Target, bool, error) {
	t, err := scanTarget(s.db.QueryRowContext(ctx, `SELECT `+targetCols+` FROM targets WHERE target_id = ?`, strings.TrimSpace(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Target{}, false, nil
	}
	if err != nil {
		return model.Target{}, false, err
	}
	return t, true, nil
}

func (s *sqliteStore) ListSources(ctx context.Context, targetID string) ([]model.Source, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT target_id, source_type, source_ident FROM sources WHERE target_id = ? ORDER BY rowid`, targetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Source
	for rows.Next() {
		var src model.Source
		if err := rows.Scan(&src.TargetID, &src.Type, &src.Ident); err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListIntegrations(ctx context.Context, workspaceID string) ([]model.Integration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT workspace_id, type, credential_ref, resource_cache_json FROM integrations WHERE workspace_id = ? ORDER BY type`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Integration
	for rows.Next() {
		var (
			in    model.Integration
			ref   sql.NullString
			cache sql.NullString
		)
		if err := rows.Scan(&in.WorkspaceID, &in.Type, &ref, &cache); err != nil {
			return nil, err
		}
		if ref.Valid {
			v := ref.String
			in.CredentialRef = &v
		}
		if cache.Valid {
			in.ResourceCacheJSON = []byte(cache.String)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// ImportCatalog replaces the catalog tables with doc in one transaction.
func (s *sqliteStore) ImportCatalog(ctx context.Context, doc *CatalogDoc) error {
	if doc == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"targets", "sources", "integrations"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return err
		}
	}
	for _, t := range doc.Targets {
		var cron any
		if t.ScheduleCron != nil {
			cron = *t.ScheduleCron
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO targets(`+targetCols+`) VALUES(?,?,?,?,?)`,
			t.ID, t.WorkspaceID, t.DisplayName, cron, t.IsActive); err != nil {
			return fmt.Errorf("target %s: %w", t.ID, err)
		}
	}
	for _, src := range doc.Sources {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO sources(target_id, source_type, source_ident) VALUES(?,?,?)`,
			src.TargetID, string(src.Type), src.Ident); err != nil {
			return err
		}
	}
	for _, ci := range doc.Integrations {
		in, err := ci.toModel()
		if err != nil {
			return err
		}
		var ref any
		if in.CredentialRef != nil {
			ref = *in.CredentialRef
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO integrations(workspace_id, type, credential_ref, resource_cache_json) VALUES(?,?,?,?)
			 ON CONFLICT(workspace_id, type) DO UPDATE SET credential_ref=excluded.credential_ref, resource_cache_json=excluded.resource_cache_json`,
			in.WorkspaceID, string(in.Type), ref, nullStr(string(in.ResourceCacheJSON))); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.log.Info("catalog imported", logx.Int("targets", len(doc.Targets)), logx.Int("sources", len(doc.Sources)), logx.Int("integrations", len(doc.Integrations)))
	return nil
}

func (s *sqliteStore) SaveRun(ctx context.Context, r runstate.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(run_id, target_id, status, reason, created_at, started_at, finished_at) VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(run_id) DO UPDATE SET status=excluded.status, reason=excluded.reason,
		   started_at=excluded.started_at, finished_at=excluded.finished_at`,
		r.ID, r.TargetID, string(r.Status), nullStr(r.Reason), fmtTime(r.CreatedAt), nullTime(r.StartedAt), nullTime(r.FinishedAt))
	return err
}

func (s *sqliteStore) SaveStep(ctx context.Context, st runstate.Step) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO steps(run_id, name, status, reason, error, started_at, finished_at) VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(run_id, name) DO UPDATE SET status=excluded.status, reason=excluded.reason, error=excluded.error,
		   started_at=excluded.started_at, finished_at=excluded.finished_at`,
		st.RunID, string(st.Name), string(st.Status), nullStr(st.Reason), nullStr(st.Error), nullTime(st.StartedAt), nullTime(st.FinishedAt))
	return err
}

func (s *sqliteStore) ListRuns(ctx context.Context, targetID string, limit int) ([]runstate.Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, target_id, status, reason, created_at, started_at, finished_at FROM runs
		 WHERE (? = '' OR target_id = ?) ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		targetID, targetID, limit)
	if err != nil {
		return nil, err
	}
	var out []runstate.Run
	for rows.Next() {
		var (
			r                 runstate.Run
			reason            sql.NullString
			created           string
			started, finished sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.TargetID, &r.Status, &reason, &created, &started, &finished); err != nil {
			rows.Close()
			return nil, err
		}
		r.Reason = reason.String
		r.CreatedAt = parseTime(created)
		r.StartedAt = parseTime(started.String)
		r.FinishedAt = parseTime(finished.String)
		out = append(out, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		steps, err := s.listSteps(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Steps = steps
	}
	return out, nil
}

func (s *sqliteStore) listSteps(ctx context.Context, runID string) ([]runstate.Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, name, status, reason, error, started_at, finished_at FROM steps WHERE run_id = ? ORDER BY name`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []runstate.Step
	for rows.Next() {
		var (
			st                              runstate.Step
			reason, errText, started, ended sql.NullString
		)
		if err := rows.Scan(&st.RunID, &st.Name, &st.Status, &reason, &errText, &started, &ended); err != nil {
			return nil, err
		}
		st.Reason = reason.String
		st.Error = errText.String
		st.StartedAt = parseTime(started.String)
		st.FinishedAt = parseTime(ended.String)
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ? AND until >= ?`, key, time.Now().UnixMilli()).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

// sortableTime is fixed-width so TEXT ordering matches chronological ordering.
const sortableTime = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string { return t.UTC().Format(sortableTime) }

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return fmtTime(t)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
