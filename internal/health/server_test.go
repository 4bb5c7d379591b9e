package health

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"signalblast/internal/transport"
	logx "signalblast/pkg/logx"
)

type fakeSender struct {
	mu   sync.Mutex
	to   []string
	fail bool
}

func (f *fakeSender) Send(_ context.Context, to, text string, _ *transport.SendOptions) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.to = append(f.to, to+":"+text)
	if f.fail {
		return 0, errors.New("signal-cli down")
	}
	return 1, nil
}

func TestProbe(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		fail bool
		code int
	}{
		{"delivered", false, http.StatusOK},
		{"send fails", true, http.StatusInternalServerError},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			tr := &fakeSender{fail: c.fail}
			s := New(tr, logx.Nop())
			s.cfg = Config{Receiver: "+100", Timeout: time.Second}

			ts := httptest.NewServer(s)
			defer ts.Close()

			resp, err := http.Get(ts.URL)
			if err != nil {
				t.Fatalf("GET: %v", err)
			}
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()

			if resp.StatusCode != c.code {
				t.Fatalf("status = %d, want %d (%s)", resp.StatusCode, c.code, body)
			}
			if c.code == http.StatusOK && !strings.HasPrefix(string(body), "OK") {
				t.Fatalf("body = %q", body)
			}
			if len(tr.to) != 1 || tr.to[0] != "+100:Ping" {
				t.Fatalf("sends = %v", tr.to)
			}
		})
	}
}

func TestApplyNeedsReceiver(t *testing.T) {
	t.Parallel()
	s := New(&fakeSender{}, logx.Nop())
	t.Cleanup(func() { s.Stop(context.Background()) })

	s.Apply(context.Background(), Config{Enabled: true, Addr: "127.0.0.1:0"})
	if s.Addr() != "" {
		t.Fatalf("listening without receiver on %s", s.Addr())
	}

	s.Apply(context.Background(), Config{Enabled: true, Addr: "127.0.0.1:0", Receiver: "+100"})
	addr := s.Addr()
	if addr == "" {
		t.Fatal("not listening")
	}
	resp, err := http.Get("http://" + addr + "/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	s.Apply(context.Background(), Config{Enabled: false})
	if s.Addr() != "" {
		t.Fatal("still listening after disable")
	}
}
