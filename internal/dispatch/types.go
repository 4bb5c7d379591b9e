package dispatch

import (
	"context"
	"time"

	"signalblast/internal/broadcast"
	"signalblast/internal/task/scheduler"
	"signalblast/internal/transport"
	logx "signalblast/pkg/logx"
)

// Transport is the part of a transport adapter the dispatcher talks to.
type Transport interface {
	transport.Sender
	MarkRead(ctx context.Context, msg *transport.Message) error
	SetContactExpiration(ctx context.Context, recipient string, seconds int) error
	SetGroupExpiration(ctx context.Context, groupID string, seconds int) error
}

type Broadcaster interface {
	Broadcast(ctx context.Context, req broadcast.Request) broadcast.Result
	Edit(ctx context.Context, req broadcast.Request) (broadcast.Result, error)
}

type Scheduler interface {
	Enabled() bool
	AddInterval(name string, every time.Duration, timeout time.Duration, job scheduler.Job) (string, error)
	Remove(name string) bool
}

// Settings are the live-tunable parts of the dispatcher.
type Settings struct {
	WelcomeMessage    string
	InstructionsURL   string
	ExpirationSeconds int
	// ImplicitText broadcasts plain text that is not a command.
	ImplicitText   bool
	Workers        int
	QueueSize      int
	HandlerTimeout time.Duration
}

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

// Request is one inbound message bound to the route that matched it.
type Request struct {
	Msg     *transport.Message
	Command string // matched prefix, "" for fall-through handling
	Args    string // text after the command, trimmed
	ReqID   string
	Logger  logx.Logger
}

// Sender is the identity that issued the message.
func (r *Request) Sender() string { return r.Msg.Source }

type route struct {
	prefix string
	handle HandlerFunc
	// group routes also accept messages from group chats.
	group bool
}
