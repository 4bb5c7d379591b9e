// Package telegram is the transport adapter for the Telegram Bot API.
//
// Chat ids are carried as decimal strings. A message "timestamp" is its
// Telegram message id, which is what edits refer to.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "signalblast/internal/runtime/supervisor"
	"signalblast/internal/transport"
	logx "signalblast/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	out     atomic.Value // stores (chan<- transport.Update)
	runMu   sync.Mutex
	running bool

	// sup owns adapter internal goroutines (poll loop, drop logger, stop watcher).
	sup *rtsup.Supervisor

	// droppedUpdates counts updates dropped because the dispatcher was slower than the poll loop.
	droppedUpdates uint64
}

var _ transport.Adapter = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log.With(logx.String("comp", "telegram.adapter")), bot: b}
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	forward := func(edited bool) tele.HandlerFunc {
		return func(c tele.Context) error {
			if msg, ok := toMessage(c.Message(), edited); ok {
				a.sendUpdate(transport.Update{Kind: transport.UpdateMessage, Message: msg})
			}
			return nil
		}
	}
	a.bot.Handle(tele.OnText, forward(false))
	a.bot.Handle(tele.OnMedia, forward(false))
	a.bot.Handle(tele.OnEdited, forward(true))
}

// toMessage maps a Telegram message. Edited messages keep their original id,
// so it doubles as the edit target.
func toMessage(m *tele.Message, edited bool) (*transport.Message, bool) {
	if m == nil || m.Sender == nil || m.Chat == nil {
		return nil, false
	}
	msg := &transport.Message{
		Timestamp: int64(m.ID),
		Source:    strconv.FormatInt(m.Sender.ID, 10),
		Text:      m.Text,
	}
	if msg.Text == "" {
		msg.Text = m.Caption
	}
	if edited {
		msg.EditOf = int64(m.ID)
	}
	if m.Chat.Type != tele.ChatPrivate {
		msg.GroupID = strconv.FormatInt(m.Chat.ID, 10)
	}
	if media := m.Media(); media != nil {
		if f := media.MediaFile(); f != nil && f.FileID != "" {
			msg.Attachments = append(msg.Attachments, transport.Attachment{
				ID:          f.FileID,
				ContentType: media.MediaType(),
			})
		}
	}
	if msg.Text == "" && len(msg.Attachments) == 0 {
		return nil, false
	}
	return msg, true
}

func (a *Adapter) sendUpdate(up transport.Update) {
	out, _ := a.out.Load().(chan<- transport.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDropped(cap(out))
				return
			case <-ticker.C:
				a.reportDropped(cap(out))
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// Start can return while the context is still live; restart it.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) reportDropped(capacity int) {
	if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	a.log.Info("stopping")
	sup.Cancel()
	go a.bot.Stop()

	// Never block shutdown for long on a pending getUpdates long-poll.
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

const textLimit = 4000

// splitText splits long messages into chunks Telegram accepts, preferring
// newline boundaries.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Avoid tiny chunks.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

func parseChat(to string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(to), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: bad chat id %q", to)
	}
	return id, nil
}

// Send delivers text and attachments to a chat and returns the id of the
// first message sent. With EditTimestamp set it edits that message instead.
func (a *Adapter) Send(ctx context.Context, to, text string, opt *transport.SendOptions) (int64, error) {
	chatID, err := parseChat(to)
	if err != nil {
		return 0, err
	}
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	if opt.EditTimestamp != 0 {
		return a.edit(ctx, chatID, opt.EditTimestamp, text)
	}

	chat := &tele.Chat{ID: chatID}
	var first int64
	note := func(m *tele.Message) {
		if first == 0 && m != nil {
			first = int64(m.ID)
		}
	}

	caption := text
	for _, att := range opt.Attachments {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		doc := &tele.Document{File: tele.File{FileID: att.ID}, FileName: att.Filename, Caption: caption}
		m, err := a.bot.Send(chat, doc)
		if err != nil {
			return first, fmt.Errorf("send document to %s: %w", to, err)
		}
		note(m)
		caption = ""
	}
	// The text rode along as the first caption.
	if len(opt.Attachments) > 0 {
		return first, nil
	}
	if text == "" {
		return 0, errors.New("telegram: empty message")
	}

	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		m, err := a.bot.Send(chat, chunk)
		if err != nil {
			return first, fmt.Errorf("send to %s: %w", to, err)
		}
		note(m)
	}
	return first, nil
}

func (a *Adapter) edit(ctx context.Context, chatID, msgID int64, text string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	chunks := splitText(text, textLimit)
	ref := tele.StoredMessage{MessageID: strconv.FormatInt(msgID, 10), ChatID: chatID}
	if _, err := a.bot.Edit(ref, chunks[0]); err != nil {
		return 0, fmt.Errorf("edit %d in %d: %w", msgID, chatID, err)
	}
	return msgID, nil
}

// MarkRead is a no-op: bots have no read receipts.
func (a *Adapter) MarkRead(context.Context, *transport.Message) error { return nil }

// DeleteAttachment is a no-op: files stay on Telegram's servers.
func (a *Adapter) DeleteAttachment(context.Context, string) error { return nil }

func (a *Adapter) SetContactExpiration(context.Context, string, int) error {
	return transport.ErrUnsupported
}

func (a *Adapter) SetGroupExpiration(context.Context, string, int) error {
	return transport.ErrUnsupported
}
