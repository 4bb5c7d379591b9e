package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "signalblast/pkg/logx"
)

func TestAddUpsertsByName(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, logx.Nop())
	job := func(context.Context) error { return nil }

	if _, err := s.AddInterval("ping", time.Minute, time.Second, job); err != nil {
		t.Fatalf("AddInterval: %v", err)
	}
	if _, err := s.AddInterval("ping", 2*time.Minute, time.Second, job); err != nil {
		t.Fatalf("AddInterval again: %v", err)
	}
	snap := s.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Spec != "@every 2m0s" {
		t.Fatalf("Schedules = %+v", snap.Schedules)
	}
	if !s.Has("ping") {
		t.Fatal("Has(ping) = false")
	}
	if !s.Remove("ping") || s.Remove("ping") {
		t.Fatal("Remove should succeed once")
	}
}

func TestAddScheduleOffRemoves(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, logx.Nop())
	job := func(context.Context) error { return nil }
	if _, err := s.AddSchedule("prune", "@daily", time.Minute, job); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	if name, err := s.AddSchedule("prune", "off", time.Minute, job); err != nil || name != "" {
		t.Fatalf("AddSchedule(off) = %q, %v", name, err)
	}
	if s.Has("prune") {
		t.Fatal("off did not remove the schedule")
	}
}

func TestAddRejectsBadSpec(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, logx.Nop())
	if _, err := s.AddCron("x", "61 * * * *", time.Second, func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected error for invalid cron")
	}
	if _, err := s.AddInterval("x", 0, time.Second, func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected error for zero interval")
	}
}

func TestIntervalJobRuns(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, logx.Nop())
	var runs atomic.Int32
	fired := make(chan struct{}, 4)
	if _, err := s.AddInterval("tick", time.Second, time.Second, func(context.Context) error {
		runs.Add(1)
		fired <- struct{}{}
		return nil
	}); err != nil {
		t.Fatalf("AddInterval: %v", err)
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("interval job never ran")
	}
	if runs.Load() < 1 {
		t.Fatal("runs not counted")
	}
}

func TestRunSkipsOverlapAndRecordsError(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, logx.Nop())
	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	defer s.runCancel()

	st := &runState{}
	d := scheduleDef{name: "job", job: func(context.Context) error { return errors.New("boom") }, state: st}

	st.running.Store(true)
	s.run(d)
	if st.skipped.Load() != 1 || st.runs.Load() != 0 {
		t.Fatalf("skipped=%d runs=%d", st.skipped.Load(), st.runs.Load())
	}

	st.running.Store(false)
	s.run(d)
	if st.runs.Load() != 1 || st.lastErr != "boom" {
		t.Fatalf("runs=%d lastErr=%q", st.runs.Load(), st.lastErr)
	}
}

func TestRunRecoversPanic(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, logx.Nop())
	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	defer s.runCancel()

	st := &runState{}
	s.run(scheduleDef{name: "p", job: func(context.Context) error { panic("oops") }, state: st})
	if st.lastErr == "" {
		t.Fatal("panic not converted to an error")
	}
}
