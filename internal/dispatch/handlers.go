package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"signalblast/internal/broadcast"
	"signalblast/internal/compose"
	"signalblast/internal/registry"
	logx "signalblast/pkg/logx"
)

// requireAdmin fails unless the sender is the admin. A non-admin attempt is
// reported to the admin.
func (d *Dispatcher) requireAdmin(ctx context.Context, req *Request) error {
	adminID, ok := d.admin.AdminID()
	if !ok {
		return fail(KindNoAdmin, compose.NoAdmins, nil)
	}
	if adminID == req.Sender() {
		return nil
	}
	d.send(ctx, req, adminID, compose.ToAdmin(fmt.Sprintf(compose.TriedToFmt, req.Command), req.Sender()))
	req.Logger.Info("non-admin tried an admin command", logx.String("admin", adminID))
	return fail(KindUnauthorized, compose.NotAdmin, nil)
}

func (d *Dispatcher) handleSubscribe(ctx context.Context, req *Request) error {
	id := req.Sender()
	if d.subs.Contains(id) {
		d.reply(ctx, req, compose.AlreadySubscribed)
		return nil
	}
	if d.ban.Contains(id) {
		return fail(KindBanned, compose.NotAllowedSubscribe, nil)
	}
	if err := d.subs.Add(id, req.Msg.SourceNumber); err != nil {
		return fail(KindInternal, compose.CouldNotSubscribe, err)
	}
	st := d.current()
	d.reply(ctx, req, compose.Welcome(st.WelcomeMessage))
	if st.ExpirationSeconds > 0 {
		if err := d.tr.SetContactExpiration(ctx, id, st.ExpirationSeconds); err != nil {
			req.Logger.Debug("set expiration failed", logx.Err(err))
		}
	}
	req.Logger.Info("subscribed", logx.Int("subscribers", d.subs.Len()))
	return nil
}

func (d *Dispatcher) handleUnsubscribe(ctx context.Context, req *Request) error {
	err := d.subs.Remove(req.Sender())
	switch {
	case errors.Is(err, registry.ErrNotFound):
		d.reply(ctx, req, compose.NotSubscribed)
		return nil
	case err != nil:
		return fail(KindInternal, compose.CouldNotUnsubscribe, err)
	}
	d.reply(ctx, req, compose.Unsubscribed)
	req.Logger.Info("unsubscribed", logx.Int("subscribers", d.subs.Len()))
	return nil
}

// handleBroadcast serves "!broadcast", attachment-only messages and, when
// enabled, plain text. Edited messages are replayed onto the earlier broadcast.
func (d *Dispatcher) handleBroadcast(ctx context.Context, req *Request) error {
	id := req.Sender()
	if d.ban.Contains(id) {
		return fail(KindBanned, compose.NotAllowedBroadcast, nil)
	}
	if !d.subs.Contains(id) {
		return fail(KindNotSubscribed, compose.MustSubscribe(d.current().InstructionsURL), nil)
	}

	msg := req.Msg
	breq := broadcast.Request{
		Sender:      id,
		Timestamp:   msg.Timestamp,
		Text:        req.Args,
		Attachments: msg.Attachments,
		EditOf:      msg.EditOf,
	}
	if breq.Text == "" && len(breq.Attachments) == 0 {
		return nil
	}

	if msg.EditOf != 0 {
		res, err := d.bc.Edit(ctx, breq)
		if errors.Is(err, broadcast.ErrNoHistory) {
			d.reply(ctx, req, compose.CannotEdit)
			return nil
		}
		if err != nil {
			return fail(KindInternal, compose.CannotEdit, err)
		}
		if res.Err != nil {
			return fail(KindTransport, fmt.Sprintf(compose.PartialSentFmt, res.Delivered, res.Total-res.Skipped), res.Err)
		}
		d.reply(ctx, req, fmt.Sprintf(compose.EditedForFmt, res.Delivered))
		return nil
	}

	res := d.bc.Broadcast(ctx, breq)
	if res.Err != nil {
		return fail(KindTransport, fmt.Sprintf(compose.PartialSentFmt, res.Delivered, res.Total), res.Err)
	}
	d.reply(ctx, req, fmt.Sprintf(compose.SentToFmt, res.Delivered))
	return nil
}

func (d *Dispatcher) handleAddAdmin(ctx context.Context, req *Request) error {
	id := req.Sender()
	prevAdmin, hadAdmin := d.admin.AdminID()

	previous, ok, err := d.admin.Add(id, req.Args)
	if err != nil {
		return fail(KindInternal, "", err)
	}
	if !ok {
		d.reply(ctx, req, compose.AddAdminWrongSecret)
		if hadAdmin {
			d.send(ctx, req, prevAdmin, compose.ToAdmin(compose.TriedToBeAdded, id))
		}
		req.Logger.Warn("failed password check for add admin")
		return nil
	}

	d.reply(ctx, req, compose.AddedAsAdmin)
	if previous != "" && previous != id {
		d.send(ctx, req, previous, compose.ToAdmin(compose.NoLongerAdmin, id))
	}
	req.Logger.Info("admin replaced", logx.String("previous", previous))
	return nil
}

func (d *Dispatcher) handleRemoveAdmin(ctx context.Context, req *Request) error {
	id := req.Sender()
	previous, hadAdmin := d.admin.AdminID()

	ok, err := d.admin.Remove(req.Args)
	if err != nil {
		return fail(KindInternal, "", err)
	}
	if !ok {
		d.reply(ctx, req, compose.RemoveAdminWrongPass)
		if hadAdmin {
			d.send(ctx, req, previous, compose.ToAdmin(compose.TriedToRemoveYou, id))
		}
		req.Logger.Warn("failed password check for remove admin")
		return nil
	}

	d.reply(ctx, req, compose.AdminRemoved)
	if hadAdmin && previous != id {
		d.send(ctx, req, previous, compose.ToAdmin(compose.NoLongerAdmin, id))
	}
	req.Logger.Info("admin removed", logx.String("previous", previous))
	return nil
}

func (d *Dispatcher) handleToAdmin(ctx context.Context, req *Request) error {
	id := req.Sender()
	adminID, ok := d.admin.AdminID()
	if !ok {
		return fail(KindNoAdmin, compose.NoAdminsToContact, nil)
	}
	if d.ban.Contains(id) {
		return fail(KindBanned, compose.NotAllowedToContact, nil)
	}
	d.setLastMsgUser(id)

	_, err := d.tr.Send(ctx, adminID, compose.ToAdmin(req.Args, id), sendOpts(req.Msg.Attachments))
	if err != nil {
		return fail(KindTransport, compose.FailedToAdmin, err)
	}
	d.reply(ctx, req, compose.SentToAdmin)
	return nil
}

// handleReply serves "!reply <uuid> [!force] <text>".
func (d *Dispatcher) handleReply(ctx context.Context, req *Request) error {
	if err := d.requireAdmin(ctx, req); err != nil {
		return err
	}
	target, text, _ := strings.Cut(req.Args, " ")
	text = strings.TrimSpace(text)
	if target == "" {
		return fail(KindMalformed, compose.ReplyFailed, errors.New("missing user id"))
	}

	forced := false
	if rest, ok := strings.CutPrefix(text, compose.ReplyForce); ok && (rest == "" || rest[0] == ' ') {
		forced = true
		text = strings.TrimSpace(rest)
	}
	if !d.subs.Contains(target) && !forced {
		d.reply(ctx, req, compose.ReplyNotSubscribed)
		return nil
	}

	if _, err := d.tr.Send(ctx, target, compose.FromAdmin(text), sendOpts(req.Msg.Attachments)); err != nil {
		return fail(KindTransport, compose.ReplyFailed, err)
	}
	d.reply(ctx, req, compose.ReplySent)
	req.Logger.Info("admin replied", logx.String("to", target))
	return nil
}

func (d *Dispatcher) handleBan(ctx context.Context, req *Request) error {
	if err := d.requireAdmin(ctx, req); err != nil {
		return err
	}
	target := req.Args
	if target == "" {
		return fail(KindMalformed, compose.BanFailed, errors.New("missing user id"))
	}

	phone, wasSub := d.subs.Phone(target)
	if err := d.subs.Remove(target); err != nil && !errors.Is(err, registry.ErrNotFound) {
		return fail(KindInternal, compose.BanFailed, err)
	}
	if err := d.ban.Add(target, phone); err != nil {
		// A failed ban leaves the subscription as it was.
		if wasSub {
			if rerr := d.subs.Add(target, phone); rerr != nil {
				req.Logger.Error("restore subscriber after failed ban", logx.String("target", target), logx.Err(rerr))
			}
		}
		return fail(KindInternal, compose.BanFailed, err)
	}

	d.send(ctx, req, target, compose.YouAreBanned)
	d.reply(ctx, req, compose.BanOK)
	req.Logger.Info("user banned", logx.String("target", target))
	return nil
}

func (d *Dispatcher) handleLiftBan(ctx context.Context, req *Request) error {
	if err := d.requireAdmin(ctx, req); err != nil {
		return err
	}
	target := req.Args
	err := d.ban.Remove(target)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		d.reply(ctx, req, compose.NotBanned)
		return nil
	case err != nil:
		return fail(KindInternal, compose.LiftBanFailed, err)
	}

	d.send(ctx, req, target, compose.BanLifted)
	d.reply(ctx, req, compose.LiftBanOK)
	req.Logger.Info("ban lifted", logx.String("target", target))
	return nil
}

func (d *Dispatcher) handleLastMsgUser(ctx context.Context, req *Request) error {
	if err := d.requireAdmin(ctx, req); err != nil {
		return err
	}
	last := d.LastMsgUser()
	if last == "" {
		d.reply(ctx, req, compose.NobodyMessaged)
		return nil
	}
	if _, err := d.tr.Send(ctx, req.Sender(), fmt.Sprintf(compose.LastMsgUserFmt, last), nil); err != nil {
		return fail(KindTransport, compose.LastMsgUserFail, err)
	}
	return nil
}

func (d *Dispatcher) handleHelp(ctx context.Context, req *Request) error {
	d.reply(ctx, req, compose.HelpMessage(d.admin.IsAdmin(req.Sender()), true, d.current().InstructionsURL))
	return nil
}

func (d *Dispatcher) handleWrongCommand(ctx context.Context, req *Request) error {
	d.reply(ctx, req, compose.HelpMessage(d.admin.IsAdmin(req.Sender()), false, d.current().InstructionsURL))
	return nil
}
