// Package dispatch routes inbound chat messages to command handlers.
//
// Routes are matched in a fixed order by whole-word prefix; the first match
// wins. Messages matching no route fall through to an implicit broadcast,
// silence, or the "did not understand" help.
package dispatch

import (
	"context"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"signalblast/internal/admin"
	"signalblast/internal/compose"
	"signalblast/internal/registry"
	"signalblast/internal/transport"
	logx "signalblast/pkg/logx"
)

const (
	defaultWorkers        = 4
	defaultQueueSize      = 256
	defaultHandlerTimeout = 10 * time.Minute
	replyTimeout          = 30 * time.Second
	markReadTimeout       = 10 * time.Second
)

type Deps struct {
	Transport   Transport
	Subscribers *registry.Registry
	Banned      *registry.Registry
	Admin       *admin.Authority
	Broadcaster Broadcaster
	Scheduler   Scheduler
	Log         logx.Logger
}

type Dispatcher struct {
	tr    Transport
	subs  *registry.Registry
	ban   *registry.Registry
	admin *admin.Authority
	bc    Broadcaster
	sched Scheduler
	log   logx.Logger

	settings atomic.Pointer[Settings]
	routes   []route
	jobs     chan func()

	pingMu  sync.Mutex
	pingJob string // scheduler name of the active ping job, "" if none

	lastMu      sync.Mutex
	lastMsgUser string
}

func New(deps Deps, st Settings) *Dispatcher {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		tr:    deps.Transport,
		subs:  deps.Subscribers,
		ban:   deps.Banned,
		admin: deps.Admin,
		bc:    deps.Broadcaster,
		sched: deps.Scheduler,
		log:   log.With(logx.String("comp", "dispatch")),
	}
	d.Apply(st)
	queue := st.QueueSize
	if queue <= 0 {
		queue = defaultQueueSize
	}
	d.jobs = make(chan func(), queue)

	// Order matters: the first matching prefix wins.
	d.routes = []route{
		{prefix: compose.CmdSubscribe, handle: d.handleSubscribe},
		{prefix: compose.CmdUnsubscribe, handle: d.handleUnsubscribe},
		{prefix: compose.CmdBroadcast, handle: d.handleBroadcast},
		{prefix: compose.CmdAddAdmin, handle: d.handleAddAdmin},
		{prefix: compose.CmdRemoveAdmin, handle: d.handleRemoveAdmin},
		{prefix: compose.CmdToAdmin, handle: d.handleToAdmin},
		{prefix: compose.CmdReply, handle: d.handleReply},
		{prefix: compose.CmdBan, handle: d.handleBan},
		{prefix: compose.CmdLiftBan, handle: d.handleLiftBan},
		{prefix: compose.CmdSetPing, handle: d.handleSetPing, group: true},
		{prefix: compose.CmdUnsetPing, handle: d.handleUnsetPing, group: true},
		{prefix: compose.CmdLastMsgUserUUID, handle: d.handleLastMsgUser},
		{prefix: compose.CmdHelp, handle: d.handleHelp},
	}
	return d
}

// Apply swaps the live settings. Worker and queue sizes apply on next Run.
func (d *Dispatcher) Apply(st Settings) {
	if st.HandlerTimeout <= 0 {
		st.HandlerTimeout = defaultHandlerTimeout
	}
	if st.Workers <= 0 {
		st.Workers = defaultWorkers
	}
	cp := st
	d.settings.Store(&cp)
}

func (d *Dispatcher) current() Settings { return *d.settings.Load() }

// matchPrefix reports whether text starts with cmd as a whole word.
func matchPrefix(text, cmd string) bool {
	if !strings.HasPrefix(text, cmd) {
		return false
	}
	rest := text[len(cmd):]
	return rest == "" || rest[0] == ' ' || rest[0] == '\n' || rest[0] == '\t'
}

// resolve picks the handler for msg. ok is false when the message is ignored.
func (d *Dispatcher) resolve(msg *transport.Message) (cmd string, h HandlerFunc, ok bool) {
	text := strings.TrimSpace(msg.Text)
	for _, r := range d.routes {
		if !matchPrefix(text, r.prefix) {
			continue
		}
		if msg.IsGroup() && !r.group {
			return "", nil, false
		}
		return r.prefix, r.handle, true
	}
	if msg.IsGroup() {
		return "", nil, false
	}

	switch {
	case text == "" && len(msg.Attachments) > 0:
		return "", d.handleBroadcast, true
	case text == "":
		return "", nil, false
	case d.current().ImplicitText && !strings.HasPrefix(text, "!"):
		return "", d.handleBroadcast, true
	default:
		return "", d.handleWrongCommand, true
	}
}

func (d *Dispatcher) newRequest(msg *transport.Message, cmd string) *Request {
	rid := newReqID()
	text := strings.TrimSpace(msg.Text)
	args := text
	if cmd != "" {
		args = compose.StripCommand(text, cmd)
	}
	fields := []logx.Field{logx.String("rid", rid), logx.String("from", msg.Source)}
	if cmd != "" {
		fields = append(fields, logx.String("cmd", cmd))
	}
	if msg.GroupID != "" {
		fields = append(fields, logx.String("group", msg.GroupID))
	}
	return &Request{
		Msg:     msg,
		Command: cmd,
		Args:    args,
		ReqID:   rid,
		Logger:  d.log.With(fields...),
	}
}

// Handle routes msg and runs its handler inline. It returns nil for ignored messages.
func (d *Dispatcher) Handle(ctx context.Context, msg *transport.Message) error {
	if msg == nil || msg.Source == "" {
		return nil
	}
	cmd, h, ok := d.resolve(msg)
	if !ok {
		d.log.Debug("message ignored", logx.String("from", msg.Source), logx.Bool("group", msg.IsGroup()))
		return nil
	}
	req := d.newRequest(msg, cmd)
	return d.chain(h)(ctx, req)
}

func (d *Dispatcher) chain(h HandlerFunc) HandlerFunc {
	// MWPanicRecover sits inside MWReplyOnError so a recovered panic is still answered.
	return Chain(
		h,
		MWRequestLog(d.log),
		MWReplyOnError(d.tr),
		MWPanicRecover(d.log),
		MWTimeout(d.current().HandlerTimeout),
	)
}

// Run consumes updates until ctx is done or updates is closed, executing
// handlers on a bounded worker pool. Queued handlers drain before Run returns.
func (d *Dispatcher) Run(ctx context.Context, updates <-chan transport.Update) error {
	workers := d.current().Workers
	d.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(d.jobs)))

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					d.log.Error("panic in command worker", logx.Int("worker", idx), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				}
			}()
			for job := range d.jobs {
				job()
			}
		}()
	}

	defer func() {
		close(d.jobs)
		wg.Wait()
		d.log.Info("command dispatcher stopped")
	}()

	// In-flight handlers outlive ctx so shutdown drains instead of aborting them.
	jobCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if up.Kind != transport.UpdateMessage || up.Message == nil {
				continue
			}
			d.enqueue(ctx, jobCtx, up.Message)
		}
	}
}

func (d *Dispatcher) enqueue(ctx, jobCtx context.Context, msg *transport.Message) {
	job := func() {
		d.markRead(jobCtx, msg)
		_ = d.Handle(jobCtx, msg)
	}
	select {
	case d.jobs <- job:
	default:
		d.log.Warn("dispatch queue full", logx.String("from", msg.Source))
		rctx, cancel := context.WithTimeout(ctx, replyTimeout)
		defer cancel()
		_, _ = d.tr.Send(rctx, msg.ReplyTarget(), compose.Busy, nil)
	}
}

func (d *Dispatcher) markRead(ctx context.Context, msg *transport.Message) {
	if msg.IsGroup() {
		return
	}
	mctx, cancel := context.WithTimeout(ctx, markReadTimeout)
	defer cancel()
	if err := d.tr.MarkRead(mctx, msg); err != nil {
		d.log.Debug("mark read failed", logx.String("from", msg.Source), logx.Err(err))
	}
}

// reply sends text back to where req came from. Failures are logged only.
func (d *Dispatcher) reply(ctx context.Context, req *Request, text string) {
	d.send(ctx, req, req.Msg.ReplyTarget(), text)
}

func (d *Dispatcher) send(ctx context.Context, req *Request, to, text string) bool {
	if _, err := d.tr.Send(ctx, to, text, nil); err != nil {
		req.Logger.Warn("send failed", logx.String("to", to), logx.Err(err))
		return false
	}
	return true
}

func (d *Dispatcher) setLastMsgUser(id string) {
	d.lastMu.Lock()
	d.lastMsgUser = id
	d.lastMu.Unlock()
}

// LastMsgUser is the last user that messaged the admin.
func (d *Dispatcher) LastMsgUser() string {
	d.lastMu.Lock()
	defer d.lastMu.Unlock()
	return d.lastMsgUser
}

func newReqID() string {
	return strings.SplitN(uuid.NewString(), "-", 2)[0]
}
