package signal

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"nhooyr.io/websocket"

	"signalblast/internal/transport"
	logx "signalblast/pkg/logx"
)

const (
	wsReadLimit     = 8 << 20
	attachmentFetch = 30 * time.Second
)

type frame struct {
	Envelope *envelope `json:"envelope"`
	Account  string    `json:"account"`
}

type envelope struct {
	Source       string       `json:"source"`
	SourceNumber string       `json:"sourceNumber"`
	SourceUUID   string       `json:"sourceUuid"`
	Timestamp    int64        `json:"timestamp"`
	DataMessage  *dataMessage `json:"dataMessage"`
	EditMessage  *editMessage `json:"editMessage"`
}

type editMessage struct {
	TargetSentTimestamp int64        `json:"targetSentTimestamp"`
	DataMessage         *dataMessage `json:"dataMessage"`
}

type dataMessage struct {
	Timestamp   int64            `json:"timestamp"`
	Message     *string          `json:"message"`
	Attachments []attachmentInfo `json:"attachments"`
	GroupInfo   *struct {
		GroupID string `json:"groupId"`
	} `json:"groupInfo"`
}

type attachmentInfo struct {
	ID          string `json:"id"`
	ContentType string `json:"contentType"`
	Filename    string `json:"filename"`
}

// groupSendID turns the internal group id found in envelopes into the id the
// REST API expects for sending.
func groupSendID(internal string) string {
	return "group." + base64.StdEncoding.EncodeToString([]byte(internal))
}

// parseFrame maps one websocket frame to a message. ok is false for frames
// that carry no user message (receipts, typing, sync).
func parseFrame(raw []byte) (*transport.Message, bool, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, false, fmt.Errorf("decode frame: %w", err)
	}
	env := f.Envelope
	if env == nil {
		return nil, false, nil
	}

	dm := env.DataMessage
	var editOf int64
	if env.EditMessage != nil && env.EditMessage.DataMessage != nil {
		dm = env.EditMessage.DataMessage
		editOf = env.EditMessage.TargetSentTimestamp
	}
	if dm == nil {
		return nil, false, nil
	}

	msg := &transport.Message{
		Timestamp:    dm.Timestamp,
		Source:       env.SourceUUID,
		SourceNumber: env.SourceNumber,
		EditOf:       editOf,
	}
	if msg.Source == "" {
		msg.Source = env.Source
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = env.Timestamp
	}
	if dm.Message != nil {
		msg.Text = *dm.Message
	}
	if dm.GroupInfo != nil && dm.GroupInfo.GroupID != "" {
		msg.GroupID = groupSendID(dm.GroupInfo.GroupID)
	}
	for _, a := range dm.Attachments {
		msg.Attachments = append(msg.Attachments, transport.Attachment{
			ID:          a.ID,
			ContentType: a.ContentType,
			Filename:    a.Filename,
		})
	}
	if msg.Text == "" && len(msg.Attachments) == 0 {
		return nil, false, nil
	}
	return msg, true, nil
}

// receive holds one websocket session and forwards messages to out. It
// returns when the connection drops so the caller can reconnect.
func (a *Adapter) receive(ctx context.Context, out chan<- transport.Update) error {
	u := wsURL(a.cfg.Service, a.cfg.Number)
	conn, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(wsReadLimit)
	a.log.Info("receive connected", logx.String("url", u))

	for {
		rctx, cancel := ctx, context.CancelFunc(func() {})
		if a.cfg.ReceiveTimeout > 0 {
			rctx, cancel = context.WithTimeout(ctx, a.cfg.ReceiveTimeout)
		}
		_, data, err := conn.Read(rctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "shutdown")
				return ctx.Err()
			}
			return fmt.Errorf("websocket read: %w", err)
		}

		msg, ok, err := parseFrame(data)
		if err != nil {
			a.log.Warn("bad receive frame", logx.Err(err))
			continue
		}
		if !ok {
			continue
		}
		a.inlineAttachments(ctx, msg)

		select {
		case out <- transport.Update{Kind: transport.UpdateMessage, Message: msg}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (a *Adapter) inlineAttachments(ctx context.Context, msg *transport.Message) {
	for i := range msg.Attachments {
		actx, cancel := context.WithTimeout(ctx, attachmentFetch)
		data, err := a.fetchAttachment(actx, msg.Attachments[i])
		cancel()
		if err != nil {
			a.log.Warn("attachment fetch failed", logx.String("id", msg.Attachments[i].ID), logx.Err(err))
			continue
		}
		msg.Attachments[i].Data = data
	}
}
