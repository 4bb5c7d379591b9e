package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"signalblast/internal/compose"
	"signalblast/internal/transport"
	logx "signalblast/pkg/logx"
)

const (
	pingJobName = "ping"
	pingTimeout = 30 * time.Second
)

func (d *Dispatcher) handleSetPing(ctx context.Context, req *Request) error {
	if err := d.requireAdmin(ctx, req); err != nil {
		return err
	}
	secs, err := strconv.Atoi(req.Args)
	if err != nil || secs <= 0 {
		return fail(KindMalformed, compose.PingFailed, fmt.Errorf("ping interval %q", req.Args))
	}
	if !d.sched.Enabled() {
		return fail(KindInternal, compose.PingFailed, errors.New("scheduler disabled"))
	}
	target := req.Msg.ReplyTarget()

	d.pingMu.Lock()
	defer d.pingMu.Unlock()

	if d.pingJob != "" {
		d.sched.Remove(d.pingJob)
		d.pingJob = ""
		d.reply(ctx, req, compose.UnsetOldPing)
	}

	name, err := d.sched.AddInterval(pingJobName, time.Duration(secs)*time.Second, pingTimeout, func(ctx context.Context) error {
		_, err := d.tr.Send(ctx, target, compose.Ping, nil)
		return err
	})
	if err != nil {
		return fail(KindInternal, compose.PingFailed, err)
	}
	d.pingJob = name

	if exp := d.current().ExpirationSeconds; req.Msg.IsGroup() && exp > 0 {
		if err := d.tr.SetGroupExpiration(ctx, req.Msg.GroupID, exp); err != nil && !errors.Is(err, transport.ErrUnsupported) {
			req.Logger.Warn("set group expiration failed", logx.Err(err))
		}
	}

	d.reply(ctx, req, fmt.Sprintf(compose.PingSetFmt, secs))
	req.Logger.Info("ping set", logx.Int("seconds", secs), logx.String("target", target))
	return nil
}

func (d *Dispatcher) handleUnsetPing(ctx context.Context, req *Request) error {
	if err := d.requireAdmin(ctx, req); err != nil {
		return err
	}
	d.pingMu.Lock()
	defer d.pingMu.Unlock()

	if d.pingJob == "" {
		d.reply(ctx, req, compose.PingNotSet)
		return nil
	}
	d.sched.Remove(d.pingJob)
	d.pingJob = ""
	d.reply(ctx, req, compose.PingUnset)
	req.Logger.Info("ping unset")
	return nil
}

func sendOpts(atts []transport.Attachment) *transport.SendOptions {
	if len(atts) == 0 {
		return nil
	}
	return &transport.SendOptions{Attachments: atts}
}
