// Package signal is the transport adapter for a signal-cli-rest-api daemon.
// Sends and account operations go over its REST API; inbound messages arrive
// on the json-rpc websocket at /v1/receive/<number>.
package signal

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"signalblast/internal/transport"
)

const defaultHTTPTimeout = 60 * time.Second

type Config struct {
	// Service is host:port of signal-cli-rest-api, optionally with a scheme.
	Service string
	// Number is the bot's registered phone number.
	Number string
	// ReceiveTimeout reconnects the websocket after this long without a frame. Zero waits forever.
	ReceiveTimeout time.Duration
	HTTPTimeout    time.Duration
}

// APIError is a non-2xx answer from the REST API.
type APIError struct {
	Status int
	Msg    string
}

func (e *APIError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("signal api: http %d", e.Status)
	}
	return fmt.Sprintf("signal api: http %d: %s", e.Status, e.Msg)
}

func baseURL(service string) string {
	s := strings.TrimRight(strings.TrimSpace(service), "/")
	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
		s = "http://" + s
	}
	return s
}

func wsURL(service, number string) string {
	u := baseURL(service)
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/v1/receive/" + url.PathEscape(number)
}

func (a *Adapter) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return &APIError{Status: resp.StatusCode, Msg: e.Error}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type sendRequest struct {
	Message           string   `json:"message"`
	Number            string   `json:"number"`
	Recipients        []string `json:"recipients"`
	Base64Attachments []string `json:"base64_attachments,omitempty"`
	EditTimestamp     int64    `json:"edit_timestamp,omitempty"`
}

// Send posts text to one recipient (uuid, phone number or group.<id>) and
// returns the timestamp signal assigned to the sent message.
func (a *Adapter) Send(ctx context.Context, to, text string, opt *transport.SendOptions) (int64, error) {
	if to == "" {
		return 0, errors.New("signal: empty recipient")
	}
	req := sendRequest{Message: text, Number: a.cfg.Number, Recipients: []string{to}}
	if opt != nil {
		for _, att := range opt.Attachments {
			if att.Data != "" {
				req.Base64Attachments = append(req.Base64Attachments, att.Data)
			}
		}
		req.EditTimestamp = opt.EditTimestamp
	}

	var resp struct {
		Timestamp json.Number `json:"timestamp"`
	}
	if err := a.do(ctx, http.MethodPost, "/v2/send", req, &resp); err != nil {
		return 0, fmt.Errorf("send to %s: %w", to, err)
	}
	ts, err := strconv.ParseInt(resp.Timestamp.String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("send to %s: bad timestamp %q", to, resp.Timestamp)
	}
	return ts, nil
}

func (a *Adapter) MarkRead(ctx context.Context, msg *transport.Message) error {
	body := map[string]any{
		"receipt_type": "read",
		"recipient":    msg.Source,
		"timestamp":    msg.Timestamp,
	}
	return a.do(ctx, http.MethodPost, "/v1/receipts/"+url.PathEscape(a.cfg.Number), body, nil)
}

func (a *Adapter) DeleteAttachment(ctx context.Context, ref string) error {
	if ref == "" {
		return nil
	}
	return a.do(ctx, http.MethodDelete, "/v1/attachments/"+url.PathEscape(ref), nil, nil)
}

func (a *Adapter) SetContactExpiration(ctx context.Context, recipient string, seconds int) error {
	body := map[string]any{"recipient": recipient, "expiration_in_seconds": seconds}
	return a.do(ctx, http.MethodPut, "/v1/contacts/"+url.PathEscape(a.cfg.Number), body, nil)
}

func (a *Adapter) SetGroupExpiration(ctx context.Context, groupID string, seconds int) error {
	body := map[string]any{"expiration_time": seconds}
	path := "/v1/groups/" + url.PathEscape(a.cfg.Number) + "/" + url.PathEscape(groupID)
	return a.do(ctx, http.MethodPut, path, body, nil)
}

// fetchAttachment downloads an attachment and returns it as a data URI the
// send endpoint accepts in base64_attachments.
func (a *Adapter) fetchAttachment(ctx context.Context, att transport.Attachment) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.base+"/v1/attachments/"+url.PathEscape(att.ID), nil)
	if err != nil {
		return "", err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", &APIError{Status: resp.StatusCode}
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("data:")
	b.WriteString(att.ContentType)
	if att.Filename != "" {
		b.WriteString(";filename=")
		b.WriteString(att.Filename)
	}
	b.WriteString(";base64,")
	b.WriteString(base64.StdEncoding.EncodeToString(raw))
	return b.String(), nil
}
