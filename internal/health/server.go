// Package health serves the liveness probe. A probe request succeeds only if
// a Ping reaches the configured receiver through the live transport.
package health

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"signalblast/internal/compose"
	"signalblast/internal/transport"
	logx "signalblast/pkg/logx"
)

const (
	defaultAddr    = "127.0.0.1:15556"
	defaultTimeout = 30 * time.Second
	shutdownWait   = 2 * time.Second
)

type Config struct {
	Enabled  bool
	Addr     string
	Receiver string
	Timeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = defaultAddr
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	return c
}

// Server manages the probe listener. The listener runs only while Enabled is
// set and a Receiver is configured.
type Server struct {
	tr  transport.Sender
	log logx.Logger

	mu   sync.Mutex
	cfg  Config
	srv  *http.Server
	ln   net.Listener
	addr string
}

func New(tr transport.Sender, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{tr: tr, log: log.With(logx.String("comp", "health"))}
}

// Apply starts, stops or restarts the listener to match cfg.
func (s *Server) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	defer s.mu.Unlock()

	prevAddr := s.cfg.Addr
	s.cfg = cfg

	if !cfg.Enabled || cfg.Receiver == "" {
		s.stopLocked(ctx)
		return
	}
	if s.srv != nil && prevAddr == cfg.Addr {
		return
	}
	s.stopLocked(ctx)
	s.startLocked(cfg)
}

func (s *Server) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// ServeHTTP sends Ping to the receiver and answers 200 or 500.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := s.config()
	s.log.Info("handle health check request", logx.String("remote", r.RemoteAddr))

	ctx, cancel := context.WithTimeout(r.Context(), cfg.Timeout)
	defer cancel()

	if _, err := s.tr.Send(ctx, cfg.Receiver, compose.Ping, nil); err != nil {
		s.log.Error("health check failed", logx.String("receiver", cfg.Receiver), logx.Err(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.log.Info("health check performed")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("OK\n"))
}

func (s *Server) startLocked(cfg Config) {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		s.log.Warn("health listen failed", logx.String("addr", cfg.Addr), logx.Err(err))
		return
	}
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Timeout + 5*time.Second,
	}
	s.srv = srv
	s.ln = ln
	s.addr = ln.Addr().String()

	addr := s.addr
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("health server error", logx.String("addr", addr), logx.Err(err))
		}
	}()
	s.log.Info("health probe enabled", logx.String("addr", addr), logx.String("receiver", cfg.Receiver))
}

// Stop shuts the listener down.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

func (s *Server) stopLocked(ctx context.Context) {
	if s.srv == nil {
		return
	}
	srv, ln, addr := s.srv, s.ln, s.addr
	s.srv, s.ln, s.addr = nil, nil, ""

	if ctx == nil {
		ctx = context.Background()
	}
	sctx, cancel := context.WithTimeout(ctx, shutdownWait)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("health shutdown error", logx.String("addr", addr), logx.Err(err))
	}
	_ = ln.Close()
	s.log.Info("health probe disabled", logx.String("addr", addr))
}

// Addr reports the bound address while running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}
