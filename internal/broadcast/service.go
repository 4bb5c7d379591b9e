package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"signalblast/internal/compose"
	"signalblast/internal/registry"
	"signalblast/internal/storage"
	"signalblast/internal/transport"
	logx "signalblast/pkg/logx"
)

const (
	defaultMaxInFlight = 16
	defaultSendTimeout = 60 * time.Second
	cleanupTimeout     = 30 * time.Second
)

// Service fans a message out to every subscriber, tracks per-subscriber
// delivery failures and evicts subscribers that keep failing.
type Service struct {
	subs  *registry.Registry
	tr    Transport
	store storage.Store
	log   logx.Logger

	mu      sync.RWMutex
	cfg     Config
	limiter *rate.Limiter

	failMu   sync.Mutex
	failures map[string]int

	// histMu serializes history writes with the prune job.
	histMu sync.Mutex
}

// New wires a broadcaster. store may be nil, in which case edits always
// report ErrNoHistory.
func New(cfg Config, subs *registry.Registry, tr Transport, store storage.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		subs:     subs,
		tr:       tr,
		store:    store,
		log:      log.With(logx.String("comp", "broadcast")),
		failures: map[string]int{},
	}
	s.Apply(cfg)
	return s
}

// Apply swaps tuning knobs in place; in-flight fan-outs keep their limiter.
func (s *Service) Apply(cfg Config) {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = defaultMaxInFlight
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.StaggerJitter < 0 {
		cfg.StaggerJitter = 0
	}
	if cfg.StaggerJitter > 1 {
		cfg.StaggerJitter = 1
	}
	lim := rate.Inf
	burst := 1
	if cfg.RatePerSec > 0 {
		lim = rate.Limit(cfg.RatePerSec)
		burst = int(cfg.RatePerSec)
		if burst < 1 {
			burst = 1
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	if s.limiter == nil {
		s.limiter = rate.NewLimiter(lim, burst)
		return
	}
	s.limiter.SetLimit(lim)
	s.limiter.SetBurst(burst)
}

func (s *Service) config() (Config, *rate.Limiter) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg, s.limiter
}

// Failures returns the consecutive failed deliveries recorded for id.
func (s *Service) Failures(id string) int {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return s.failures[id]
}

// Broadcast sends req to every subscriber and records where each copy
// landed so it can be edited later.
func (s *Service) Broadcast(ctx context.Context, req Request) Result {
	defer s.cleanupAttachments(ctx, req.Attachments)

	if req.Text == "" && len(req.Attachments) == 0 {
		return Result{}
	}

	ids := s.subs.IDs()
	opt := &transport.SendOptions{Attachments: req.Attachments}
	outs, err := s.fanout(ctx, ids, req.Text, func(string) (*transport.SendOptions, bool) { return opt, true })
	res := s.settle(ctx, req.Sender, outs, err)

	s.recordHistory(ctx, req, outs)

	s.log.Info("broadcast done",
		logx.String("sender", req.Sender),
		logx.Int("total", res.Total),
		logx.Int("delivered", res.Delivered),
		logx.Int("failed", res.Failed),
		logx.Int("evicted", len(res.Evicted)),
		logx.Err(res.Err),
	)
	return res
}

// Edit rewrites an earlier broadcast (req.Sender, req.EditOf) on every
// recipient that got it. Subscribers that joined later are skipped.
func (s *Service) Edit(ctx context.Context, req Request) (Result, error) {
	defer s.cleanupAttachments(ctx, req.Attachments)

	if s.store == nil {
		return Result{}, ErrNoHistory
	}
	rec, err := s.lookup(ctx, req.Sender, req.EditOf)
	if errors.Is(err, storage.ErrNotFound) {
		return Result{}, ErrNoHistory
	}
	if err != nil {
		return Result{}, fmt.Errorf("load history %s: %w", storage.Key(req.Sender, req.EditOf), err)
	}

	ids := s.subs.IDs()
	outs, ferr := s.fanout(ctx, ids, req.Text, func(id string) (*transport.SendOptions, bool) {
		ts, ok := rec.Recipients[id]
		if !ok {
			return nil, false
		}
		return &transport.SendOptions{Attachments: req.Attachments, EditTimestamp: ts}, true
	})
	res := s.settle(ctx, req.Sender, outs, ferr)

	s.log.Info("edit done",
		logx.String("sender", req.Sender),
		logx.Int64("edit_of", req.EditOf),
		logx.Int("delivered", res.Delivered),
		logx.Int("skipped", res.Skipped),
		logx.Err(res.Err),
	)
	return res, nil
}

func (s *Service) lookup(ctx context.Context, author string, ts int64) (storage.BroadcastRecord, error) {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	return s.store.GetBroadcast(ctx, author, ts)
}

// PruneHistory drops history records older than the configured retention.
func (s *Service) PruneHistory(ctx context.Context, now time.Time) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	cfg, _ := s.config()
	if cfg.Retention <= 0 {
		return 0, nil
	}
	s.histMu.Lock()
	defer s.histMu.Unlock()
	n, err := s.store.DeleteBroadcastsBefore(ctx, now.Add(-cfg.Retention))
	if err != nil {
		return n, fmt.Errorf("prune history: %w", err)
	}
	if n > 0 {
		s.log.Debug("history pruned", logx.Int("removed", n))
	}
	return n, nil
}

// settle folds per-recipient outcomes into failure counters, evicts
// subscribers over the threshold and builds the Result.
func (s *Service) settle(ctx context.Context, sender string, outs []outcome, ferr error) Result {
	cfg, _ := s.config()
	res := Result{Err: ferr}

	var evict []string
	s.failMu.Lock()
	for _, o := range outs {
		self := o.id == sender
		if self {
			res.SenderIncluded = true
		} else {
			res.Total++
		}
		switch {
		case o.skipped:
			if !self {
				res.Skipped++
			}
		case !o.started:
		case o.err == nil:
			delete(s.failures, o.id)
			if self {
				res.SenderDelivered = true
			} else {
				res.Delivered++
			}
		default:
			if !self {
				res.Failed++
			}
			// A cancelled parent says nothing about the recipient.
			if ctx.Err() != nil {
				continue
			}
			s.failures[o.id]++
			if cfg.FailureThreshold > 0 && s.failures[o.id] >= cfg.FailureThreshold {
				evict = append(evict, o.id)
			}
			s.log.Debug("send failed",
				logx.String("recipient", o.id),
				logx.Int("failures", s.failures[o.id]),
				logx.Err(o.err),
			)
		}
	}
	s.failMu.Unlock()

	for _, id := range evict {
		if err := s.subs.Remove(id); err != nil && !errors.Is(err, registry.ErrNotFound) {
			s.log.Error("evict subscriber failed", logx.String("recipient", id), logx.Err(err))
			continue
		}
		s.failMu.Lock()
		delete(s.failures, id)
		s.failMu.Unlock()
		res.Evicted = append(res.Evicted, id)
		s.log.Warn("subscriber evicted after repeated failures", logx.String("recipient", id))

		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.SendTimeout)
		if _, err := s.tr.Send(nctx, id, compose.Evicted, nil); err != nil {
			s.log.Debug("eviction notice not delivered", logx.String("recipient", id), logx.Err(err))
		}
		cancel()
	}
	return res
}

func (s *Service) recordHistory(ctx context.Context, req Request, outs []outcome) {
	if s.store == nil {
		return
	}
	rec := storage.BroadcastRecord{
		Author:     req.Sender,
		Timestamp:  req.Timestamp,
		Recipients: map[string]int64{},
	}
	for _, o := range outs {
		if o.started && o.err == nil {
			rec.Recipients[o.id] = o.ts
		}
	}

	s.histMu.Lock()
	defer s.histMu.Unlock()
	if err := s.store.PutBroadcast(context.WithoutCancel(ctx), rec); err != nil {
		s.log.Error("persist broadcast history failed", logx.String("key", storage.Key(req.Sender, req.Timestamp)), logx.Err(err))
	}
}

func (s *Service) cleanupAttachments(ctx context.Context, atts []transport.Attachment) {
	if len(atts) == 0 {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	for _, a := range atts {
		if a.ID == "" {
			continue
		}
		if err := s.tr.DeleteAttachment(cctx, a.ID); err != nil {
			s.log.Warn("delete attachment failed", logx.String("attachment", a.ID), logx.Err(err))
		}
	}
}
