package storage

import (
	"context"
	"errors"
	"time"

	"digestbot/internal/model"
	"digestbot/internal/runstate"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": catalog document (YAML or JSON) plus jsonl run history and dedup journal
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver string
	// Path is the state file (file driver: prefix for *.runs.jsonl and dedup files;
	// sqlite: database file).
	Path string
	// CatalogPath is the catalog document read by the file driver.
	CatalogPath string
	BusyTimeout time.Duration // sqlite only
}

// Catalog is the read-only view of the workspace database.
type Catalog interface {
	ListActiveTargets(ctx context.Context) ([]model.Target, error)
	GetTarget(ctx context.Context, id string) (model.Target, bool, error)
	ListSources(ctx context.Context, targetID string) ([]model.Source, error)
	ListIntegrations(ctx context.Context, workspaceID string) ([]model.Integration, error)
}

// RunStore persists run and step history.
type RunStore interface {
	SaveRun(ctx context.Context, r runstate.Run) error
	SaveStep(ctx context.Context, s runstate.Step) error
	// ListRuns returns the newest runs first, steps attached. Empty targetID lists all targets.
	ListRuns(ctx context.Context, targetID string, limit int) ([]runstate.Run, error)
}

// DedupStore remembers delivery keys until they expire.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

// Store is the full persistence API.
type Store interface {
	Catalog
	RunStore
	DedupStore
	Close() error
}

// Importer loads a catalog document into a database-backed store.
type Importer interface {
	ImportCatalog(ctx context.Context, doc *CatalogDoc) error
}
