// Package dispatch turns the target catalog into runs: it picks due targets, resolves their
// sources and credentials, fans collectors out onto the task engine and, once every collector
// step is terminal, summarizes, assembles and delivers the digest.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"digestbot/internal/collector"
	"digestbot/internal/cronexpr"
	"digestbot/internal/eventbus"
	"digestbot/internal/model"
	"digestbot/internal/notifier"
	"digestbot/internal/resolve"
	"digestbot/internal/runstate"
	"digestbot/internal/storage"
	"digestbot/internal/task/engine"
	logx "digestbot/pkg/logx"
)

var (
	ErrInFlight      = errors.New("target already dispatched in this hour")
	ErrUnknownTarget = errors.New("unknown target")
	ErrInactive      = errors.New("target is inactive")
)

// DefaultDueWindow is how far ahead a schedule may fire and still count as due.
const DefaultDueWindow = 60 * time.Minute

// CredentialResolver exchanges an integration's credential reference for a token.
// secrets.Resolver satisfies it.
type CredentialResolver interface {
	Resolve(ctx context.Context, ref *string) (string, bool)
}

// Delivery hands a finished digest to the notifier. notifier.Service satisfies it.
type Delivery interface {
	Notify(ctx context.Context, d notifier.Digest, done func(error)) error
}

type Config struct {
	OutDir       string
	LookbackDays int
	DueWindow    time.Duration
	// GateOnSchedule restricts Tick to due targets. Off, every active target is dispatched
	// and the due set is only logged.
	GateOnSchedule bool
	Location       *time.Location
	Title          string

	CollectorTimeout time.Duration
	CollectorRetries int
	FinalizeTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.OutDir) == "" {
		c.OutDir = "data/runs"
	}
	if c.LookbackDays <= 0 {
		c.LookbackDays = 7
	}
	if c.DueWindow <= 0 {
		c.DueWindow = DefaultDueWindow
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.Title == "" {
		c.Title = "Activity digest"
	}
	if c.CollectorTimeout <= 0 {
		c.CollectorTimeout = 5 * time.Minute
	}
	if c.CollectorRetries == 0 {
		c.CollectorRetries = 2
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = 2 * time.Minute
	}
	return c
}

// Deps are the collaborators of a Dispatcher. Runs, Bus and Delivery are optional.
type Deps struct {
	Catalog     storage.Catalog
	Credentials CredentialResolver
	Collectors  *collector.Registry
	Engine      *engine.Service
	Runs        runstate.Store
	Bus         eventbus.Bus
	Delivery    Delivery
	Log         logx.Logger
	Now         func() time.Time
}

type Dispatcher struct {
	mu  sync.RWMutex
	cfg Config

	deps Deps
	log  logx.Logger
	now  func() time.Time

	wg sync.WaitGroup
}

func New(cfg Config, deps Deps) *Dispatcher {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Dispatcher{
		cfg:  cfg.withDefaults(),
		deps: deps,
		log:  deps.Log.With(logx.String("comp", "dispatch")),
		now:  deps.Now,
	}
}

// Apply swaps the config; runs already in flight keep the config they started with.
func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.cfg = cfg.withDefaults()
	d.mu.Unlock()
}

func (d *Dispatcher) config() Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// Wait blocks until every finalizer started by this dispatcher has returned or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Due reports the targets whose schedule fires within the due window after now.
// Targets without a schedule are never due; invalid schedules are logged and skipped.
func (d *Dispatcher) Due(targets []model.Target, now time.Time) []model.Target {
	cfg := d.config()
	local := now.In(cfg.Location)
	var out []model.Target
	for _, t := range targets {
		expr := t.Schedule()
		if expr == "" {
			continue
		}
		if !cronexpr.IsValid(expr) {
			d.log.Warn("invalid schedule", logx.String("target_id", t.ID), logx.String("cron", expr))
			continue
		}
		if cronexpr.IsDueWithin(expr, local, cfg.DueWindow) {
			out = append(out, t)
		}
	}
	return out
}

// Tick runs one scheduling pass. It returns once every selected target has been dispatched;
// collectors keep running on the engine and the returned Batch joins them.
//
// Only a catalog read failure is returned as an error. Per-target failures are logged and
// recorded in Batch.Errors.
func (d *Dispatcher) Tick(ctx context.Context) (*Batch, error) {
	cfg := d.config()
	now := d.now()

	active, err := d.deps.Catalog.ListActiveTargets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active targets: %w", err)
	}
	due := d.Due(active, now)

	b := &Batch{At: now, Active: len(active), Errors: map[string]error{}}
	for _, t := range due {
		b.Due = append(b.Due, t.ID)
	}
	selected := active
	if cfg.GateOnSchedule {
		selected = due
	}
	d.log.Info("tick", logx.Int("active", len(active)), logx.Strings("due", b.Due), logx.Int("selected", len(selected)), logx.Bool("gated", cfg.GateOnSchedule))

	for _, t := range selected {
		if err := ctx.Err(); err != nil {
			return b, nil
		}
		h, err := d.dispatch(ctx, cfg, t, now)
		if err != nil {
			b.Errors[t.ID] = err
			if errors.Is(err, ErrInFlight) {
				d.log.Info("target skipped: in flight", logx.String("target_id", t.ID))
			} else {
				d.log.Error("target dispatch failed", logx.String("target_id", t.ID), logx.Err(err))
			}
			continue
		}
		b.Runs = append(b.Runs, h)
	}
	return b, nil
}

// DispatchTarget starts a run for one target regardless of its schedule.
func (d *Dispatcher) DispatchTarget(ctx context.Context, targetID string) (*RunHandle, error) {
	t, ok, err := d.deps.Catalog.GetTarget(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("get target: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, targetID)
	}
	if !t.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrInactive, targetID)
	}
	return d.dispatch(ctx, d.config(), t, d.now())
}

func (d *Dispatcher) dispatch(ctx context.Context, cfg Config, t model.Target, now time.Time) (*RunHandle, error) {
	release, ok := d.deps.Engine.Locks().TryLock(engine.BucketKey("target:"+t.ID, now))
	if !ok {
		return nil, ErrInFlight
	}
	log := d.log.With(logx.String("target_id", t.ID))
	log.Info("target.start", logx.String("workspace_id", t.WorkspaceID), logx.String("cron", t.Schedule()))

	sources, err := d.deps.Catalog.ListSources(ctx, t.ID)
	if err != nil {
		release()
		return nil, fmt.Errorf("list sources: %w", err)
	}
	integrations, err := d.deps.Catalog.ListIntegrations(ctx, t.WorkspaceID)
	if err != nil {
		release()
		return nil, fmt.Errorf("list integrations: %w", err)
	}
	plan := resolve.Resolve(t, sources, integrations)
	types := plan.Types()

	steps := make([]runstate.StepName, 0, len(types)+3)
	for _, it := range types {
		steps = append(steps, runstate.CollectorStep(it))
	}
	steps = append(steps, runstate.StepSummarizer, runstate.StepAssembler, runstate.StepSenderEmail)

	runID := uuid.NewString()
	log = log.With(logx.String("run_id", runID))
	tr := runstate.NewTracker(ctx, t.ID, steps, runstate.Options{RunID: runID, Store: d.deps.Runs, Bus: d.deps.Bus, Log: log, Now: d.now})

	h := &RunHandle{
		tracker: tr,
		target:  t,
		cfg:     cfg,
		now:     now,
		dir:     filepath.Join(cfg.OutDir, runID),
		labels:  map[string]string{},
		failed:  map[model.IntegrationType]string{},
		partial: map[model.IntegrationType][]string{},
		pending: 1,
		log:     log,
	}
	go func() {
		<-tr.Done()
		release()
	}()

	for _, it := range types {
		d.dispatchCollector(ctx, h, it, plan.ByType[it])
	}
	h.collectorDone(d)
	return h, nil
}

func (d *Dispatcher) dispatchCollector(ctx context.Context, h *RunHandle, it model.IntegrationType, res resolve.Resolution) {
	step := runstate.CollectorStep(it)
	log := h.log.With(logx.String("integration", string(it)))

	log.Info("source.match", logx.Strings("identifiers", res.Identifiers), logx.Strings("unmatched", res.Unmatched), logx.String("reason", string(res.Reason)))
	if res.CacheErr != nil {
		log.Warn("resource cache unreadable", logx.Err(res.CacheErr))
	}
	if res.Empty() {
		h.skip(ctx, step, string(res.Reason))
		return
	}

	token, ok := d.deps.Credentials.Resolve(ctx, res.Integration.CredentialRef)
	if !ok {
		h.skip(ctx, step, string(resolve.SkipNoCredential))
		return
	}
	c, ok := d.deps.Collectors.Get(it)
	if !ok {
		h.skip(ctx, step, "no_collector")
		return
	}

	for id, name := range res.Labels {
		if it == model.IntegrationSlack {
			name = "#" + name
		}
		h.setLabel(id, name)
	}

	req := collector.Request{
		Identifiers:  strings.Join(res.Identifiers, ","),
		Token:        token,
		OutDir:       h.dir,
		LookbackDays: h.cfg.LookbackDays,
		Now:          h.now,
	}

	var started sync.Once
	task := engine.Task{
		Name: "collector." + string(it),
		Key:  h.ID() + ":" + string(it),
		// Breaker state is per target and integration.
		CircuitKey: "collector." + string(it) + ":" + h.target.ID,
		Timeout:    h.cfg.CollectorTimeout,
		Opt:        engine.TaskOptions{RetryMax: h.cfg.CollectorRetries},
		Run: func(ctx context.Context) error {
			started.Do(func() { _ = h.tracker.StartStep(ctx, step) })
			res, err := c.Fetch(ctx, req)
			if err != nil {
				h.markPartial(it, nil)
				return err
			}
			h.markPartial(it, res.Failed)
			if len(res.Failed) > 0 {
				log.Warn("collector partial failure", logx.Strings("failed", res.Failed), logx.Int("items", res.Items))
			}
			return nil
		},
		OnDone: func(o engine.Outcome) {
			started.Do(func() { _ = h.tracker.StartStep(context.Background(), step) })
			if o.Err != nil {
				h.markFailed(it, o.Err)
				log.Error("collector failed", logx.Int("attempts", o.Attempts), logx.Err(o.Err))
			}
			_ = h.tracker.FinishStep(context.Background(), step, o.Err)
			h.collectorDone(d)
		},
	}

	h.addPending()
	log.Info("collector.dispatch", logx.Int("identifiers", len(res.Identifiers)), logx.String("out_dir", h.dir))
	if err := d.deps.Engine.Submit(ctx, task); err != nil {
		_ = h.tracker.StartStep(ctx, step)
		h.markFailed(it, err)
		_ = h.tracker.FinishStep(ctx, step, fmt.Errorf("submit collector: %w", err))
		log.Error("collector not submitted", logx.Err(err))
		h.collectorDone(d)
	}
}
