package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "signalblast/pkg/logx"
)

const failWarnThrottle = 5 * time.Minute

// run executes one trigger of d on the cron goroutine.
func (s *Service) run(d scheduleDef) {
	st := d.state
	if d.opt.Overlap == OverlapSkipIfRunning && !st.running.CompareAndSwap(false, true) {
		st.skipped.Add(1)
		s.log.Debug("schedule trigger skipped", logx.String("schedule", d.name))
		return
	}
	if d.opt.Overlap != OverlapSkipIfRunning {
		st.running.Store(true)
	}
	defer st.running.Store(false)

	s.mu.Lock()
	parent := s.runCtx
	s.mu.Unlock()
	if parent == nil || parent.Err() != nil {
		return
	}

	s.jobs.Add(1)
	defer s.jobs.Done()

	ctx := parent
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, d.timeout)
		defer cancel()
	}

	start := time.Now()
	err := s.invoke(ctx, d)
	dur := time.Since(start)
	st.runs.Add(1)

	st.mu.Lock()
	st.lastRun = start
	st.lastErr = ""
	if err != nil {
		st.lastErr = err.Error()
	}
	st.mu.Unlock()

	if err != nil {
		s.reportRunError(d.name, err, dur)
		return
	}
	// Avoid noisy logs for very frequent tasks: only elevate to INFO when it took noticeable time.
	if dur >= 750*time.Millisecond {
		s.log.Info("task completed", logx.String("task", d.name), logx.Duration("dur", dur))
	} else {
		s.log.Debug("task completed", logx.String("task", d.name), logx.Duration("dur", dur))
	}
}

func (s *Service) invoke(ctx context.Context, d scheduleDef) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("panic in scheduled task", logx.String("task", d.name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return d.job(ctx)
}

func (s *Service) reportRunError(name string, err error, dur time.Duration) {
	now := time.Now()
	s.warnMu.Lock()
	last := s.lastWarn[name]
	throttled := !last.IsZero() && now.Sub(last) < failWarnThrottle
	if !throttled {
		s.lastWarn[name] = now
	}
	s.warnMu.Unlock()

	if throttled {
		s.log.Debug("task failed", logx.String("task", name), logx.Err(err), logx.Duration("dur", dur))
		return
	}
	s.log.Warn("task failed", logx.String("task", name), logx.Err(err), logx.Duration("dur", dur))
}
