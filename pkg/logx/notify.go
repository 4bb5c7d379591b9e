package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const notifySendTimeout = 15 * time.Second

func (s *Service) notifyWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-s.queue:
			s.mu.Lock()
			send := s.send
			s.mu.Unlock()
			if send == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, notifySendTimeout)
			_ = send(sctx, it.to, it.msg)
			cancel()
		}
	}
}

func (s *Service) enqueueNotify(to, msg string) {
	// Never block core logging.
	select {
	case s.queue <- notifyItem{to: to, msg: msg}:
	default:
	}
}

// notifyWriter is a zerolog LevelWriter that forwards lines to the notify queue.
type notifyWriter struct{ svc *Service }

func (w *notifyWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *notifyWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	if s == nil {
		return len(p), nil
	}

	s.mu.Lock()
	to := s.recipient
	lim := s.limiter
	minLevel := s.minLevel
	hasSender := s.send != nil
	s.mu.Unlock()

	if to == "" || !hasSender || lim == nil || level < minLevel {
		return len(p), nil
	}
	if !lim.Allow() {
		return len(p), nil
	}
	if msg := formatNotifyJSON(p); msg != "" {
		s.enqueueNotify(to, msg)
	}
	return len(p), nil
}

// formatNotifyJSON renders a zerolog JSON line as a short chat message:
//
//	[WARN] message
//	- key=value
func formatNotifyJSON(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(p))), &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), 3500)
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[")
		b.WriteString(strings.ToUpper(lvl))
		b.WriteString("] ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := fmt.Sprint(m[k])
		if k == "stack" {
			b.WriteString("\n- stack=\n")
			b.WriteString(truncate(v, 900))
			continue
		}
		b.WriteString("\n- ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(truncate(v, 600))
	}
	return truncate(b.String(), 3500)
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
