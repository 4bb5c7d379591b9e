package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "signalblast/pkg/logx"
)

// Config controls the scheduler.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/Amsterdam"; empty means Local
}

type OverlapPolicy int

const (
	OverlapSkipIfRunning OverlapPolicy = iota
	OverlapAllow
)

type TaskOptions struct {
	Overlap OverlapPolicy
	// Spread delays the first run of an interval job by a random amount
	// (capped at maxStartupSpread) so jobs registered together do not fire together.
	Spread bool
}

// Job is the unit of scheduled work.
type Job func(ctx context.Context) error

type runState struct {
	running atomic.Bool
	runs    atomic.Uint64
	skipped atomic.Uint64

	mu      sync.Mutex
	lastErr string
	lastRun time.Time
}

type scheduleDef struct {
	id            string
	name          string
	spec          string // cron spec or @every
	timeout       time.Duration
	job           Job
	entryID       cron.EntryID
	startupSpread time.Duration
	opt           TaskOptions
	state         *runState
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	// runCtx parents every job; cancelled by Stop.
	runCtx    context.Context
	runCancel context.CancelFunc
	jobs      sync.WaitGroup

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	// Failure warning throttling: key is schedule name.
	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

type ScheduleInfo struct {
	ID      string
	Name    string
	Spec    string
	Timeout time.Duration
	Next    time.Time
	Prev    time.Time
	Runs    uint64
	Skipped uint64
	LastErr string
}

type Snapshot struct {
	Enabled   bool
	Running   bool
	Timezone  string
	Schedules []ScheduleInfo
}
