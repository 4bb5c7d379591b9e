package broadcast

import (
	"context"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"signalblast/internal/transport"
	logx "signalblast/pkg/logx"
)

// fanout submits one send per id and joins on all of them. build returns the
// options for id, or false to skip it. A limiter or context error stops
// further submissions; sends already launched are still joined.
func (s *Service) fanout(ctx context.Context, ids []string, text string, build func(id string) (*transport.SendOptions, bool)) ([]outcome, error) {
	cfg, limiter := s.config()
	outs := make([]outcome, len(ids))

	var g errgroup.Group
	g.SetLimit(cfg.MaxInFlight)

	var stopErr error
	for i, id := range ids {
		outs[i].id = id
		opt, ok := build(id)
		if !ok {
			outs[i].skipped = true
			continue
		}
		if err := limiter.Wait(ctx); err != nil {
			stopErr = fmt.Errorf("fan-out stopped after %d of %d: %w", i, len(ids), err)
			break
		}
		if i > 0 {
			if err := sleepCtx(ctx, jittered(cfg.Stagger, cfg.StaggerJitter)); err != nil {
				stopErr = fmt.Errorf("fan-out stopped after %d of %d: %w", i, len(ids), err)
				break
			}
		}

		outs[i].started = true
		i, id := i, id
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					outs[i].err = fmt.Errorf("panic sending to %s: %v", id, r)
					s.log.Error("panic in send", logx.String("recipient", id), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				}
			}()
			sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
			defer cancel()
			ts, err := s.tr.Send(sctx, id, text, opt)
			outs[i].ts, outs[i].err = ts, err
			return nil
		})
	}
	_ = g.Wait()

	return outs, stopErr
}

func jittered(base time.Duration, frac float64) time.Duration {
	if base <= 0 {
		return 0
	}
	if frac <= 0 {
		return base
	}
	// base * (1 ± frac)
	d := float64(base) * (1 + frac*(2*rand.Float64()-1))
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
