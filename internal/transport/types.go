package transport

import (
	"context"
	"errors"
)

// ErrUnsupported is returned by adapters for operations their network cannot express.
var ErrUnsupported = errors.New("operation not supported by transport")

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

// Message is one inbound chat message.
//
// Timestamp is the sender-side message timestamp (unix ms for Signal, message id
// for Telegram). EditOf is non-zero when the message edits an earlier message
// with that timestamp.
type Message struct {
	Timestamp    int64
	Source       string // stable sender identity (Signal uuid, Telegram user id)
	SourceNumber string // phone number when the network exposes it
	Text         string
	Attachments  []Attachment
	EditOf       int64
	GroupID      string // empty for direct messages
}

// IsGroup reports whether the message arrived in a group chat.
func (m *Message) IsGroup() bool { return m != nil && m.GroupID != "" }

// ReplyTarget is where an answer to this message should go.
func (m *Message) ReplyTarget() string {
	if m.GroupID != "" {
		return m.GroupID
	}
	return m.Source
}

// Attachment references transport-side attachment storage. Data carries the
// base64 payload when the adapter inlines it for re-sending.
type Attachment struct {
	ID          string
	ContentType string
	Filename    string
	Data        string
}

type SendOptions struct {
	Attachments []Attachment
	// EditTimestamp, when non-zero, rewrites the recipient's message sent at that timestamp.
	EditTimestamp int64
}

// Sender is the outbound half of an Adapter. Core packages depend on this only.
type Sender interface {
	// Send delivers text to a recipient and returns the recipient-side
	// message timestamp, which later edits refer to.
	Send(ctx context.Context, to string, text string, opt *SendOptions) (int64, error)
}

type Adapter interface {
	Sender

	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	MarkRead(ctx context.Context, msg *Message) error
	DeleteAttachment(ctx context.Context, ref string) error
	SetContactExpiration(ctx context.Context, recipient string, seconds int) error
	SetGroupExpiration(ctx context.Context, groupID string, seconds int) error
}
