package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"signalblast/internal/transport"
	logx "signalblast/pkg/logx"
)

const botNumber = "+15550000"

type fakeAPI struct {
	mu    sync.Mutex
	sends []sendRequest
	paths []string
	fail  bool
	frame string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.paths = append(f.paths, r.Method+" "+r.URL.Path)
	fail := f.fail
	frame := f.frame
	f.mu.Unlock()

	switch {
	case r.URL.Path == "/v2/send":
		var req sendRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.sends = append(f.sends, req)
		f.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"Unregistered user"}`))
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"timestamp":"1700000000123"}`))
	case strings.HasPrefix(r.URL.Path, "/v1/receive/"):
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		_ = conn.Write(r.Context(), websocket.MessageText, []byte(frame))
		// Hold the session open until the client leaves.
		_, _, _ = conn.Read(r.Context())
	case strings.HasPrefix(r.URL.Path, "/v1/attachments/"):
		_, _ = w.Write([]byte("img"))
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func newTestAdapter(t *testing.T, api *fakeAPI) *Adapter {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	a, err := New(Config{Service: srv.URL, Number: botNumber, HTTPTimeout: 5 * time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestSend(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{}
	a := newTestAdapter(t, api)

	ts, err := a.Send(context.Background(), "uuid-1", "hello", &transport.SendOptions{
		Attachments:   []transport.Attachment{{ID: "a", Data: "data:image/png;base64,aW1n"}, {ID: "b"}},
		EditTimestamp: 42,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if ts != 1700000000123 {
		t.Fatalf("ts = %d", ts)
	}
	got := api.sends[0]
	if got.Number != botNumber || got.Message != "hello" || len(got.Recipients) != 1 || got.Recipients[0] != "uuid-1" {
		t.Fatalf("request = %+v", got)
	}
	if len(got.Base64Attachments) != 1 || got.EditTimestamp != 42 {
		t.Fatalf("request = %+v", got)
	}
}

func TestSendAPIError(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{fail: true}
	a := newTestAdapter(t, api)

	_, err := a.Send(context.Background(), "uuid-1", "hello", nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want APIError", err)
	}
	if apiErr.Status != http.StatusBadRequest || apiErr.Msg != "Unregistered user" {
		t.Fatalf("apiErr = %+v", apiErr)
	}
}

func TestParseFrame(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		raw    string
		ok     bool
		text   string
		editOf int64
		group  string
	}{
		{
			name: "direct",
			raw:  `{"envelope":{"sourceUuid":"u1","sourceNumber":"+1","timestamp":10,"dataMessage":{"timestamp":10,"message":"!subscribe"}}}`,
			ok:   true, text: "!subscribe",
		},
		{
			name: "edit",
			raw:  `{"envelope":{"sourceUuid":"u1","timestamp":20,"editMessage":{"targetSentTimestamp":10,"dataMessage":{"timestamp":20,"message":"fixed"}}}}`,
			ok:   true, text: "fixed", editOf: 10,
		},
		{
			name: "group",
			raw:  `{"envelope":{"sourceUuid":"u1","timestamp":30,"dataMessage":{"timestamp":30,"message":"!set ping 5","groupInfo":{"groupId":"abc"}}}}`,
			ok:   true, text: "!set ping 5", group: groupSendID("abc"),
		},
		{
			name: "receipt",
			raw:  `{"envelope":{"sourceUuid":"u1","timestamp":40,"receiptMessage":{"isRead":true}}}`,
		},
		{
			name: "empty body",
			raw:  `{"envelope":{"sourceUuid":"u1","timestamp":50,"dataMessage":{"timestamp":50}}}`,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			msg, ok, err := parseFrame([]byte(c.raw))
			if err != nil {
				t.Fatalf("parseFrame: %v", err)
			}
			if ok != c.ok {
				t.Fatalf("ok = %v, want %v", ok, c.ok)
			}
			if !ok {
				return
			}
			if msg.Source != "u1" || msg.Text != c.text || msg.EditOf != c.editOf || msg.GroupID != c.group {
				t.Fatalf("msg = %+v", msg)
			}
		})
	}
}

func TestReceiveDeliversUpdates(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{
		frame: `{"envelope":{"sourceUuid":"u1","sourceNumber":"+1","timestamp":10,"dataMessage":{"timestamp":10,"message":"hi","attachments":[{"id":"att1","contentType":"image/png","filename":"x.png"}]}}}`,
	}
	a := newTestAdapter(t, api)

	out := make(chan transport.Update, 1)
	if err := a.Start(context.Background(), out); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.Stop(ctx)
	}()

	select {
	case up := <-out:
		m := up.Message
		if m.Source != "u1" || m.SourceNumber != "+1" || m.Text != "hi" {
			t.Fatalf("message = %+v", m)
		}
		if len(m.Attachments) != 1 || m.Attachments[0].Data != "data:image/png;filename=x.png;base64,aW1n" {
			t.Fatalf("attachments = %+v", m.Attachments)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no update received")
	}
}

func TestURLs(t *testing.T) {
	t.Parallel()
	if got := baseURL("localhost:8080/"); got != "http://localhost:8080" {
		t.Fatalf("baseURL = %q", got)
	}
	if got := wsURL("https://signal.example", "+1 2"); got != "wss://signal.example/v1/receive/+1%202" {
		t.Fatalf("wsURL = %q", got)
	}
}
