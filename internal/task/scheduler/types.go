package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"digestbot/internal/eventbus"
	logx "digestbot/pkg/logx"
)

var (
	ErrUnknownSchedule = errors.New("unknown schedule")
	ErrBusy            = errors.New("schedule already running")
	ErrNotStarted      = errors.New("scheduler not started")
)

// Config controls the trigger service. Timezone is an IANA name; empty means UTC.
type Config struct {
	Enabled  bool
	Timezone string
}

// Job is the body of a schedule.
type Job func(ctx context.Context) error

type scheduleDef struct {
	name    string
	spec    string // normalized robfig spec ("@every 15m" for intervals)
	every   time.Duration
	timeout time.Duration
	job     Job

	entryID cron.EntryID
	spread  time.Duration

	running  atomic.Bool
	runs     atomic.Uint64
	skipped  atomic.Uint64
	lastMu   sync.Mutex
	lastRun  time.Time
	lastErr  string
	lastTook time.Duration
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus

	c    *cron.Cron
	defs []*scheduleDef

	// runCtx is cancelled by Stop once in-flight jobs had their chance to finish.
	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

type ScheduleInfo struct {
	Name      string
	Spec      string
	Timeout   time.Duration
	Spread    time.Duration
	Next      time.Time
	Prev      time.Time
	Running   bool
	Runs      uint64
	Skipped   uint64
	LastRun   time.Time
	LastTook  time.Duration
	LastError string
}

type Snapshot struct {
	Enabled   bool
	Started   bool
	Timezone  string
	Schedules []ScheduleInfo
}

// FiredEvent is the payload of schedule.* bus events.
type FiredEvent struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}
