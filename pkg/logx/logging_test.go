package logx

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestFormatNotifyJSON(t *testing.T) {
	t.Parallel()
	line := []byte(`{"level":"warn","time":"x","message":"send failed","to":"u1","attempt":3}` + "\n")
	got := formatNotifyJSON(line)
	want := "[WARN] send failed\n- attempt=3\n- to=u1"
	if got != want {
		t.Fatalf("formatNotifyJSON = %q, want %q", got, want)
	}
}

func TestFormatNotifyRawLine(t *testing.T) {
	t.Parallel()
	if got := formatNotifyJSON([]byte("  plain text \n")); got != "plain text" {
		t.Fatalf("formatNotifyJSON raw = %q", got)
	}
}

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "test"))
	log.Info("hello", Int("n", 2))
	out := buf.String()
	for _, want := range []string{`"comp":"test"`, `"n":2`, `"message":"hello"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output %q missing %s", out, want)
		}
	}
}

func TestRotateBySize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bot.log")

	svc, log := New(Config{
		Level: "info",
		File:  FileConfig{Enabled: true, Path: path, MaxSizeMB: 1, Backups: 1},
	}, nil)
	defer svc.Close()

	rotated, err := svc.Rotate()
	if err != nil {
		t.Fatalf("Rotate error: %v", err)
	}
	if rotated {
		t.Fatal("expected no rotation for a small file")
	}

	big := strings.Repeat("x", 1024)
	for i := 0; i < 1100; i++ {
		log.Info(big)
	}

	rotated, err = svc.Rotate()
	if err != nil {
		t.Fatalf("Rotate error: %v", err)
	}
	if !rotated {
		t.Fatal("expected rotation after exceeding max size")
	}
	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("backup missing: %v", err)
	}
	log.Info("after rotate")
	st, err := os.Stat(path)
	if err != nil {
		t.Fatalf("fresh log missing: %v", err)
	}
	if st.Size() >= 1024*1024 {
		t.Fatalf("fresh log too large: %d", st.Size())
	}
}

func TestNotifySinkRespectsMinLevel(t *testing.T) {
	var (
		mu   sync.Mutex
		sent []string
	)
	send := func(ctx context.Context, to, text string) error {
		mu.Lock()
		sent = append(sent, to+"|"+text)
		mu.Unlock()
		return nil
	}
	svc, log := New(Config{
		Level:  "debug",
		Notify: NotifyConfig{Enabled: true, Recipient: "ops", MinLevel: "warn", RatePerSec: 100},
	}, send)
	defer svc.Close()

	log.Info("quiet")
	log.Warn("loud")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(sent)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(sent) != 1 {
		t.Fatalf("sent = %v, want exactly one notification", sent)
	}
	if !strings.HasPrefix(sent[0], "ops|[WARN] loud") {
		t.Fatalf("unexpected notification %q", sent[0])
	}
}
