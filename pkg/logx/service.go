package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Notify  NotifyConfig
}

type FileConfig struct {
	Enabled   bool
	Path      string
	MaxSizeMB int // rotate when the file grows past this; 0 disables size rotation
	Backups   int // rotated files kept as <path>.1 .. <path>.N
}

// NotifyConfig controls forwarding of log lines to a chat recipient
// (typically the operator) through the transport.
type NotifyConfig struct {
	Enabled    bool
	Recipient  string
	MinLevel   string
	RatePerSec int
}

// SendFunc delivers one formatted log line to a recipient.
type SendFunc func(ctx context.Context, to, text string) error

const defaultLogPath = "./signalblast.log"

type Service struct {
	mu  sync.Mutex
	cfg Config

	root atomic.Value // stores zerolog.Logger

	file     *os.File
	filePath string

	send        SendFunc
	queue       chan notifyItem
	startOnce   sync.Once
	stopWorker  context.CancelFunc
	workerGroup sync.WaitGroup

	// guarded by mu
	recipient string
	limiter   *rate.Limiter
	minLevel  zerolog.Level
}

type notifyItem struct {
	to  string
	msg string
}

// New creates the logging service, applies the initial config immediately,
// and returns both the Service and a root Logger.
//
// send may be nil; it can be installed later with SetSender once the transport exists.
func New(cfg Config, send SendFunc) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = consoleTimeFormat

	s := &Service{
		cfg:   cfg,
		send:  send,
		queue: make(chan notifyItem, 256),
	}
	s.root.Store(zerolog.New(newConsoleWriter(Stdout())).Level(parseLevel(cfg.Level, zerolog.InfoLevel)).With().Timestamp().Logger())
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	v := s.root.Load()
	if v == nil {
		return zerolog.Nop()
	}
	zl, ok := v.(zerolog.Logger)
	if !ok {
		return zerolog.Nop()
	}
	return zl
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// SetSender installs the transport hook used by the notify sink.
func (s *Service) SetSender(send SendFunc) {
	s.mu.Lock()
	s.send = send
	s.mu.Unlock()
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	cancel := s.stopWorker
	s.stopWorker = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.workerGroup.Wait()
	}
	if f != nil {
		return f.Close()
	}
	return nil
}

// Apply swaps logger outputs/levels at runtime.
// It is safe to call concurrently.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(cfg)
}

func (s *Service) applyLocked(cfg Config) {
	s.cfg = cfg

	s.recipient = strings.TrimSpace(cfg.Notify.Recipient)
	s.minLevel = parseLevel(cfg.Notify.MinLevel, zerolog.WarnLevel)
	rps := max(1, cfg.Notify.RatePerSec)
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	writers := make([]io.Writer, 0, 3)
	if cfg.Console {
		writers = append(writers, newConsoleWriter(Stdout()))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogPath
		}
		if dir := filepath.Dir(path); dir != "" {
			_ = os.MkdirAll(dir, 0o755)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(Stderr(), "logx: failed opening log file %q: %v\n", path, err)
		} else {
			s.file = f
			s.filePath = path
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}

	if cfg.Notify.Enabled {
		s.startOnce.Do(func() {
			ctx, cancel := context.WithCancel(context.Background())
			s.stopWorker = cancel
			s.workerGroup.Add(1)
			go func() {
				defer s.workerGroup.Done()
				s.notifyWorker(ctx)
			}()
		})
		writers = append(writers, &notifyWriter{svc: s})
		if s.recipient == "" {
			fmt.Fprintln(Stderr(), "logx: notify logging enabled but logging.notify.recipient is empty")
		}
	}

	if len(writers) == 0 {
		writers = append(writers, newConsoleWriter(Stdout()))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(parseLevel(cfg.Level, zerolog.InfoLevel)).With().Timestamp().Logger()
	s.root.Store(zl)
}

// Rotate renames the log file to <path>.1 (shifting older backups) once it
// exceeds File.MaxSizeMB, then reopens a fresh file. It reports whether a
// rotation happened. Without a size limit or file sink it is a no-op.
func (s *Service) Rotate() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := s.cfg
	if !cfg.File.Enabled || s.file == nil || cfg.File.MaxSizeMB <= 0 {
		return false, nil
	}
	st, err := s.file.Stat()
	if err != nil {
		return false, err
	}
	if st.Size() < int64(cfg.File.MaxSizeMB)*1024*1024 {
		return false, nil
	}

	path := s.filePath
	_ = s.file.Close()
	s.file = nil

	backups := max(1, cfg.File.Backups)
	_ = os.Remove(fmt.Sprintf("%s.%d", path, backups))
	for i := backups - 1; i >= 1; i-- {
		_ = os.Rename(fmt.Sprintf("%s.%d", path, i), fmt.Sprintf("%s.%d", path, i+1))
	}
	renameErr := os.Rename(path, path+".1")

	// Reopen even if the rename failed so logging keeps working.
	s.applyLocked(cfg)
	if renameErr != nil {
		return false, renameErr
	}
	return true, nil
}
