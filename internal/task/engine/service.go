// Package engine is the bounded worker pool that executes collector and finalizer tasks.
//
// Tasks are queued without blocking the caller, retried with exponential backoff and jitter
// (honouring RetryAfter hints), guarded by a per-name circuit breaker and, optionally, by an
// in-flight lock on Task.Key.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"digestbot/internal/eventbus"
	rtsup "digestbot/internal/runtime/supervisor"
	logx "digestbot/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q        chan queuedTask
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	locks    Locks
	circuits circuitStore

	inFlight atomic.Int32
	idSeq    atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem

	dropped          atomic.Uint64
	droppedQueueFull atomic.Uint64
	droppedStale     atomic.Uint64
	lastWarnAt       atomic.Int64
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
	opt        TaskOptions
	release    func()
	done       *sync.Once
}

func (qt queuedTask) finish(o Outcome) {
	if qt.release != nil {
		qt.release()
	}
	if qt.task.OnDone != nil {
		qt.done.Do(func() { qt.task.OnDone(o) })
	}
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg.withDefaults(), log: log.With(logx.String("comp", "engine")), bus: bus}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Locks exposes the engine's in-flight lock set.
func (s *Service) Locks() *Locks { return &s.locks }

// Apply swaps the config and restarts workers when the pool shape changed.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	if running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize || !cfg.Enabled) {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start launches the workers. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if !s.cfg.Enabled || s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.q = make(chan queuedTask, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	queue, stopCh, sup := s.q, s.stopCh, s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			s.worker(c, stopCh, queue, idx)
			select {
			case <-stopCh:
				return nil
			default:
			}
			if c.Err() != nil {
				return nil
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop cancels the workers and completes every still-queued task with ErrStopped.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup, q := s.sup, s.q
	s.mu.Unlock()

	sup.Cancel()
	go func() {
		_ = sup.Wait(context.Background())
		for drained := false; !drained; {
			select {
			case qt := <-q:
				qt.finish(Outcome{TaskID: qt.task.ID, Name: qt.task.Name, Err: ErrStopped})
			default:
				drained = true
			}
		}
		s.mu.Lock()
		s.q, s.stopCh, s.stopDone, s.sup = nil, nil, nil, nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

// Enqueue queues t without blocking. A full queue drops the task with ErrQueueFull.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit queues t, blocking until accepted, ctx is done or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, block bool) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return errors.New("task Name is required")
	}
	if strings.TrimSpace(t.Key) == "" {
		t.Key = t.Name
	}
	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = fmt.Sprintf("tsk-%x-%x", now.UnixNano(), s.idSeq.Add(1))
	}

	s.mu.Lock()
	cfg, q, stopCh, stopping := s.cfg, s.q, s.stopCh, s.stopDone != nil
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		return ErrDisabled
	case q == nil:
		return ErrStopped
	case stopping:
		return ErrStopping
	}

	opt := t.Opt.withDefaults(cfg)
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}

	if open, until := s.circuitIsOpen(now, t.circuitKey(), cfg, opt); open {
		s.publish(eventbus.TaskSkipped, now, TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "circuit_open"})
		s.log.Debug("task skipped: circuit open", logx.String("task", t.Name), logx.Time("until", until))
		s.record(cfg, HistoryItem{ID: t.ID, Name: t.Name, Started: now, Error: "circuit_open"})
		return ErrCircuitOpen
	}

	var release func()
	if opt.Overlap == OverlapSkipIfRunning {
		rel, ok := s.locks.TryLock(t.Key)
		if !ok {
			s.publish(eventbus.TaskSkipped, now, TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "overlap_skip"})
			s.log.Debug("task skipped: in flight", logx.String("task", t.Name), logx.String("key", t.Key))
			return ErrOverlapSkip
		}
		release = rel
	}

	qt := queuedTask{task: t, enqueuedAt: now, timeout: timeout, opt: opt, release: release, done: &sync.Once{}}
	unlock := func() {
		if release != nil {
			release()
		}
	}

	if !block {
		select {
		case q <- qt:
			return nil
		default:
			unlock()
			s.onQueueFull(now, t, q)
			return ErrQueueFull
		}
	}
	select {
	case q <- qt:
		return nil
	case <-ctx.Done():
		unlock()
		return ctx.Err()
	case <-stopCh:
		unlock()
		return ErrStopping
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, q := s.cfg, s.q
	s.mu.Unlock()

	s.hmu.Lock()
	h := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()

	total, open := s.circuitSnapshot(time.Now(), cfg)
	return Snapshot{
		Enabled:          cfg.Enabled,
		Workers:          cfg.Workers,
		QueueLen:         len(q),
		QueueCap:         cap(q),
		InFlight:         int(s.inFlight.Load()),
		Dropped:          s.dropped.Load(),
		DroppedQueueFull: s.droppedQueueFull.Load(),
		DroppedStale:     s.droppedStale.Load(),
		DefaultTimeout:   cfg.DefaultTimeout,
		RetryMax:         cfg.RetryMax,
		CircuitTotal:     total,
		CircuitOpen:      open,
		History:          h,
	}
}

func (s *Service) publish(typ string, at time.Time, ev TaskEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: ev})
	}
}

func (s *Service) record(cfg Config, item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > cfg.HistorySize {
		s.history = s.history[len(s.history)-cfg.HistorySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) shouldWarn(now time.Time) bool {
	prev := s.lastWarnAt.Load()
	if prev != 0 && now.UnixNano()-prev < int64(warnThrottleEvery) {
		return false
	}
	return s.lastWarnAt.CompareAndSwap(prev, now.UnixNano())
}

func (s *Service) onQueueFull(now time.Time, t Task, q chan queuedTask) {
	s.dropped.Add(1)
	s.droppedQueueFull.Add(1)
	s.publish(eventbus.TaskDropped, now, TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "queue_full"})
	if s.shouldWarn(now) {
		s.log.Warn("task dropped: queue full",
			logx.String("task", t.Name),
			logx.Int("queue_len", len(q)),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("dropped_queue_full", s.droppedQueueFull.Load()),
		)
	}
}

func (s *Service) onStale(now time.Time, t Task, queueDelay time.Duration) {
	s.dropped.Add(1)
	s.droppedStale.Add(1)
	s.publish(eventbus.TaskDropped, now, TaskEvent{ID: t.ID, Name: t.Name, Started: now, QueueDelay: queueDelay, Error: "stale_queue_delay"})
	if s.shouldWarn(now) {
		s.log.Warn("task dropped: stale queue", logx.String("task", t.Name), logx.Duration("queue_delay", queueDelay))
	}
}
