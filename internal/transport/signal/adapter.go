package signal

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	rtsup "signalblast/internal/runtime/supervisor"
	"signalblast/internal/transport"
	logx "signalblast/pkg/logx"
)

type Adapter struct {
	cfg  Config
	log  logx.Logger
	base string
	http *http.Client

	runMu   sync.Mutex
	running bool
	// sup owns the receive loop; created on Start and cancelled on Stop.
	sup *rtsup.Supervisor
}

var _ transport.Adapter = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Number) == "" {
		return nil, errors.New("signal phone number is empty")
	}
	if strings.TrimSpace(cfg.Service) == "" {
		return nil, errors.New("signal service address is empty")
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = defaultHTTPTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{
		cfg:  cfg,
		log:  log.With(logx.String("comp", "signal.adapter")),
		base: baseURL(cfg.Service),
		http: &http.Client{Timeout: cfg.HTTPTimeout},
	}, nil
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return nil
	}
	a.running = true
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		// A broken receive loop reconnects; it never takes the app down.
		rtsup.WithCancelOnError(false),
	)
	a.sup.GoRestart("signal.receive", func(c context.Context) error {
		return a.receive(c, out)
	},
		rtsup.WithRestartBackoff(time.Second, 30*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	a.log.Info("stopping")
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		a.log.Warn("signal stop error", logx.Err(err))
	}
	return nil
}
