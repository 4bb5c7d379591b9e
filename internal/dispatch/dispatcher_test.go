package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"signalblast/internal/admin"
	"signalblast/internal/broadcast"
	"signalblast/internal/compose"
	"signalblast/internal/registry"
	"signalblast/internal/storage"
	"signalblast/internal/task/scheduler"
	"signalblast/internal/transport"
	logx "signalblast/pkg/logx"
)

const testSecret = "hunter2"

type sent struct {
	to   string
	text string
	opt  *transport.SendOptions
}

type fakeTransport struct {
	mu    sync.Mutex
	sends []sent
	fail  map[string]bool
	ts    int64
}

func (f *fakeTransport) Send(_ context.Context, to, text string, opt *transport.SendOptions) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, sent{to: to, text: text, opt: opt})
	if f.fail[to] {
		return 0, errors.New("unreachable")
	}
	f.ts++
	return f.ts, nil
}

func (f *fakeTransport) MarkRead(context.Context, *transport.Message) error      { return nil }
func (f *fakeTransport) SetContactExpiration(context.Context, string, int) error { return nil }
func (f *fakeTransport) SetGroupExpiration(context.Context, string, int) error   { return nil }
func (f *fakeTransport) DeleteAttachment(context.Context, string) error          { return nil }

// to returns the texts delivered to recipient, in order.
func (f *fakeTransport) to(recipient string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.sends {
		if s.to == recipient {
			out = append(out, s.text)
		}
	}
	return out
}

func (f *fakeTransport) last(recipient string) string {
	msgs := f.to(recipient)
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1]
}

type fakeScheduler struct {
	mu       sync.Mutex
	jobs     map[string]time.Duration
	disabled bool
}

func (s *fakeScheduler) Enabled() bool { return !s.disabled }

func (s *fakeScheduler) AddInterval(name string, every, _ time.Duration, _ scheduler.Job) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobs == nil {
		s.jobs = map[string]time.Duration{}
	}
	s.jobs[name] = every
	return name, nil
}

func (s *fakeScheduler) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[name]
	delete(s.jobs, name)
	return ok
}

type harness struct {
	d     *Dispatcher
	tr    *fakeTransport
	subs  *registry.Registry
	ban   *registry.Registry
	admin *admin.Authority
	sched *fakeScheduler
}

// stubBroadcaster replaces the fan-out with a canned result or a custom
// function.
type stubBroadcaster struct {
	broadcast func(context.Context, broadcast.Request) broadcast.Result
}

func (b *stubBroadcaster) Broadcast(ctx context.Context, req broadcast.Request) broadcast.Result {
	return b.broadcast(ctx, req)
}

func (b *stubBroadcaster) Edit(ctx context.Context, req broadcast.Request) (broadcast.Result, error) {
	return b.broadcast(ctx, req), nil
}

func newHarness(t *testing.T, st Settings) *harness {
	t.Helper()
	return newHarnessWith(t, st, nil)
}

// newHarnessWith builds a harness around bc, or the real broadcaster when bc is nil.
func newHarnessWith(t *testing.T, st Settings, bc Broadcaster) *harness {
	t.Helper()
	dir := t.TempDir()
	subs, err := registry.Load(filepath.Join(dir, "subscribers.csv"))
	if err != nil {
		t.Fatalf("load subscribers: %v", err)
	}
	ban, err := registry.Load(filepath.Join(dir, "banned.csv"))
	if err != nil {
		t.Fatalf("load banned: %v", err)
	}
	auth, err := admin.Load(filepath.Join(dir, "admin"), testSecret)
	if err != nil {
		t.Fatalf("load admin: %v", err)
	}
	tr := &fakeTransport{}
	sched := &fakeScheduler{}
	if bc == nil {
		bc = broadcast.New(broadcast.Config{FailureThreshold: 10}, subs, tr, storage.NewMemory(), logx.Nop())
	}
	d := New(Deps{
		Transport:   tr,
		Subscribers: subs,
		Banned:      ban,
		Admin:       auth,
		Broadcaster: bc,
		Scheduler:   sched,
	}, st)
	return &harness{d: d, tr: tr, subs: subs, ban: ban, admin: auth, sched: sched}
}

func (h *harness) say(t *testing.T, from, text string) {
	t.Helper()
	h.sayMsg(t, &transport.Message{Source: from, Text: text, Timestamp: time.Now().UnixMilli()})
}

func (h *harness) sayMsg(t *testing.T, msg *transport.Message) {
	t.Helper()
	_ = h.d.Handle(context.Background(), msg)
}

func TestSubscribeThenBroadcastReachesEveryone(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Settings{})

	h.say(t, "u1", "!subscribe")
	h.say(t, "u2", "!subscribe")
	if got := h.tr.last("u1"); got != compose.Welcome("") {
		t.Fatalf("u1 got %q, want welcome", got)
	}

	h.say(t, "u1", "!broadcast hello all")
	if got := h.tr.to("u2"); got[len(got)-1] != "hello all" {
		t.Fatalf("u2 last = %q", got[len(got)-1])
	}
	u1 := h.tr.to("u1")
	if len(u1) < 2 || u1[len(u1)-2] != "hello all" {
		t.Fatalf("sender copy missing: %q", u1)
	}
	if got, want := u1[len(u1)-1], fmt.Sprintf(compose.SentToFmt, 1); got != want {
		t.Fatalf("u1 reply = %q, want %q", got, want)
	}
}

func TestEditRewritesEarlierBroadcast(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Settings{})
	h.say(t, "u1", "!subscribe")
	h.say(t, "u2", "!subscribe")

	h.sayMsg(t, &transport.Message{Source: "u1", Text: "!broadcast v1", Timestamp: 100})
	if got := h.tr.last("u2"); got != "v1" {
		t.Fatalf("u2 got %q, want v1", got)
	}

	h.sayMsg(t, &transport.Message{Source: "u1", Text: "!broadcast v2", Timestamp: 200, EditOf: 100})
	if got, want := h.tr.last("u1"), fmt.Sprintf(compose.EditedForFmt, 1); got != want {
		t.Fatalf("u1 reply = %q, want %q", got, want)
	}
	h.tr.mu.Lock()
	var edit *sent
	for i := range h.tr.sends {
		if s := h.tr.sends[i]; s.to == "u2" && s.text == "v2" {
			edit = &s
		}
	}
	h.tr.mu.Unlock()
	if edit == nil || edit.opt == nil || edit.opt.EditTimestamp == 0 {
		t.Fatalf("u2 edit missing or not marked as edit: %+v", edit)
	}
}

func TestEditWithoutHistory(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Settings{})
	h.say(t, "u1", "!subscribe")
	h.say(t, "u2", "!subscribe")
	before := len(h.tr.to("u2"))

	h.sayMsg(t, &transport.Message{Source: "u1", Text: "!broadcast v2", Timestamp: 200, EditOf: 42})
	if got := h.tr.last("u1"); got != compose.CannotEdit {
		t.Fatalf("reply = %q, want %q", got, compose.CannotEdit)
	}
	if got := len(h.tr.to("u2")); got != before {
		t.Fatalf("u2 received %d new messages", got-before)
	}
}

func TestPartialBroadcastReportsCounts(t *testing.T) {
	t.Parallel()
	bc := &stubBroadcaster{broadcast: func(context.Context, broadcast.Request) broadcast.Result {
		return broadcast.Result{Total: 3, Delivered: 1, Failed: 2, Err: errors.New("unreachable")}
	}}
	h := newHarnessWith(t, Settings{}, bc)
	h.say(t, "u1", "!subscribe")

	h.say(t, "u1", "!broadcast hi")
	if got, want := h.tr.last("u1"), fmt.Sprintf(compose.PartialSentFmt, 1, 3); got != want {
		t.Fatalf("reply = %q, want %q", got, want)
	}
}

func TestPanickingHandlerStillReplies(t *testing.T) {
	t.Parallel()
	bc := &stubBroadcaster{broadcast: func(context.Context, broadcast.Request) broadcast.Result {
		panic("boom")
	}}
	h := newHarnessWith(t, Settings{}, bc)
	h.say(t, "u1", "!subscribe")

	h.say(t, "u1", "!broadcast hi")
	if got := h.tr.last("u1"); got != compose.SomethingWentWrong {
		t.Fatalf("reply = %q, want %q", got, compose.SomethingWentWrong)
	}

	// The dispatcher keeps serving after a panic.
	h.say(t, "u1", "!unsubscribe")
	if got := h.tr.last("u1"); got != compose.Unsubscribed {
		t.Fatalf("reply after panic = %q", got)
	}
}

func TestSubscribeIsIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Settings{WelcomeMessage: "hi there"})

	h.say(t, "u1", "!subscribe")
	h.say(t, "u1", "!subscribe")
	got := h.tr.to("u1")
	if len(got) != 2 || got[0] != "hi there" || got[1] != compose.AlreadySubscribed {
		t.Fatalf("replies = %q", got)
	}
	if h.subs.Len() != 1 {
		t.Fatalf("Len = %d, want 1", h.subs.Len())
	}
}

func TestUnsubscribe(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Settings{})

	h.say(t, "u1", "!unsubscribe")
	if got := h.tr.last("u1"); got != compose.NotSubscribed {
		t.Fatalf("reply = %q", got)
	}
	h.say(t, "u1", "!subscribe")
	h.say(t, "u1", "!unsubscribe")
	if got := h.tr.last("u1"); got != compose.Unsubscribed {
		t.Fatalf("reply = %q", got)
	}
	if h.subs.Contains("u1") {
		t.Fatal("u1 still subscribed")
	}
}

func TestBroadcastRequiresSubscription(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Settings{InstructionsURL: "https://example.org"})

	h.say(t, "u1", "!broadcast hi")
	if got, want := h.tr.last("u1"), compose.MustSubscribe("https://example.org"); got != want {
		t.Fatalf("reply = %q, want %q", got, want)
	}
}

func TestAdminCommandWithoutAdminLeavesStateUnchanged(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Settings{})
	h.say(t, "u2", "!subscribe")

	h.say(t, "u1", "!ban u2")
	if got := h.tr.last("u1"); got != compose.NoAdmins {
		t.Fatalf("reply = %q, want %q", got, compose.NoAdmins)
	}
	if h.ban.Len() != 0 || !h.subs.Contains("u2") {
		t.Fatal("ban applied without an admin")
	}
}

func TestBanAndLiftBan(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Settings{})
	h.say(t, "boss", "!add admin "+testSecret)
	h.say(t, "u2", "!subscribe")

	h.say(t, "boss", "!ban u2")
	if got := h.tr.last("boss"); got != compose.BanOK {
		t.Fatalf("ban reply = %q", got)
	}
	if got := h.tr.last("u2"); got != compose.YouAreBanned {
		t.Fatalf("u2 got %q", got)
	}
	if h.subs.Contains("u2") || !h.ban.Contains("u2") {
		t.Fatal("u2 not moved to banned")
	}

	h.say(t, "u2", "!subscribe")
	if got := h.tr.last("u2"); got != compose.NotAllowedSubscribe {
		t.Fatalf("banned subscribe reply = %q", got)
	}
	h.say(t, "u2", "!admin let me in")
	if got := h.tr.last("u2"); got != compose.NotAllowedToContact {
		t.Fatalf("banned contact reply = %q", got)
	}

	h.say(t, "boss", "!lift ban u2")
	if got := h.tr.last("boss"); got != compose.LiftBanOK {
		t.Fatalf("lift reply = %q", got)
	}
	if got := h.tr.last("u2"); got != compose.BanLifted {
		t.Fatalf("u2 got %q", got)
	}
	h.say(t, "boss", "!lift ban u2")
	if got := h.tr.last("boss"); got != compose.NotBanned {
		t.Fatalf("second lift reply = %q", got)
	}
}

func TestBanIsAllOrNothing(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Settings{})
	h.say(t, "boss", "!add admin "+testSecret)
	h.say(t, "u2", "!subscribe")

	// A regular file where the ban list's directory should be makes every save fail.
	dir := t.TempDir()
	broken, err := registry.Load(filepath.Join(dir, "blocked", "banned.csv"))
	if err != nil {
		t.Fatalf("load banned: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "blocked"), nil, 0o644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}
	h.d.ban = broken

	h.say(t, "boss", "!ban u2")
	if got := h.tr.last("boss"); got != compose.BanFailed {
		t.Fatalf("ban reply = %q, want %q", got, compose.BanFailed)
	}
	if !h.subs.Contains("u2") {
		t.Fatal("u2 unsubscribed although the ban failed")
	}
	if broken.Contains("u2") {
		t.Fatal("u2 banned in memory although the save failed")
	}
}

func TestNonAdminIsReportedToAdmin(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Settings{})
	h.say(t, "boss", "!add admin "+testSecret)

	h.say(t, "u1", "!ban u3")
	if got := h.tr.last("u1"); got != compose.NotAdmin {
		t.Fatalf("reply = %q", got)
	}
	want := compose.ToAdmin(fmt.Sprintf(compose.TriedToFmt, compose.CmdBan), "u1")
	if got := h.tr.last("boss"); got != want {
		t.Fatalf("admin got %q, want %q", got, want)
	}
}

func TestAddAdminReplacesAndNotifiesPrevious(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Settings{})

	h.say(t, "a1", "!add admin "+testSecret)
	h.say(t, "a2", "!add admin "+testSecret)

	if got := h.tr.last("a2"); got != compose.AddedAsAdmin {
		t.Fatalf("a2 reply = %q", got)
	}
	if got, want := h.tr.last("a1"), compose.ToAdmin(compose.NoLongerAdmin, "a2"); got != want {
		t.Fatalf("a1 got %q, want %q", got, want)
	}
	if !h.admin.IsAdmin("a2") || h.admin.IsAdmin("a1") {
		t.Fatal("admin not replaced")
	}
}

func TestAddAdminWrongSecret(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Settings{})
	h.say(t, "a1", "!add admin "+testSecret)

	h.say(t, "u1", "!add admin nope")
	if got := h.tr.last("u1"); got != compose.AddAdminWrongSecret {
		t.Fatalf("reply = %q", got)
	}
	if got, want := h.tr.last("a1"), compose.ToAdmin(compose.TriedToBeAdded, "u1"); got != want {
		t.Fatalf("admin got %q, want %q", got, want)
	}
	if !h.admin.IsAdmin("a1") {
		t.Fatal("admin changed on wrong secret")
	}
}

func TestRemoveAdmin(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Settings{})
	h.say(t, "a1", "!add admin "+testSecret)

	h.say(t, "u1", "!remove admin "+testSecret)
	if got := h.tr.last("u1"); got != compose.AdminRemoved {
		t.Fatalf("reply = %q", got)
	}
	if got, want := h.tr.last("a1"), compose.ToAdmin(compose.NoLongerAdmin, "u1"); got != want {
		t.Fatalf("a1 got %q, want %q", got, want)
	}
	if _, ok := h.admin.AdminID(); ok {
		t.Fatal("admin still set")
	}
}

func TestToAdminAndReply(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Settings{})

	h.say(t, "u1", "!admin hello")
	if got := h.tr.last("u1"); got != compose.NoAdminsToContact {
		t.Fatalf("reply without admin = %q", got)
	}

	h.say(t, "boss", "!add admin "+testSecret)
	h.say(t, "u1", "!admin hello")
	if got, want := h.tr.last("boss"), compose.ToAdmin("hello", "u1"); got != want {
		t.Fatalf("admin got %q, want %q", got, want)
	}
	if got := h.d.LastMsgUser(); got != "u1" {
		t.Fatalf("LastMsgUser = %q", got)
	}

	h.say(t, "boss", "!last msg user uuid")
	if got, want := h.tr.last("boss"), fmt.Sprintf(compose.LastMsgUserFmt, "u1"); got != want {
		t.Fatalf("last msg user = %q, want %q", got, want)
	}

	// u1 never subscribed.
	h.say(t, "boss", "!reply u1 thanks")
	if got := h.tr.last("boss"); got != compose.ReplyNotSubscribed {
		t.Fatalf("unforced reply = %q", got)
	}
	h.say(t, "boss", "!reply u1 !force thanks")
	if got := h.tr.last("u1"); got != compose.FromAdmin("thanks") {
		t.Fatalf("u1 got %q", got)
	}
	if got := h.tr.last("boss"); got != compose.ReplySent {
		t.Fatalf("forced reply = %q", got)
	}
}

func TestSetAndUnsetPing(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Settings{})
	h.say(t, "boss", "!add admin "+testSecret)

	h.say(t, "boss", "!set ping abc")
	if got := h.tr.last("boss"); got != compose.PingFailed {
		t.Fatalf("bad interval reply = %q", got)
	}

	h.sayMsg(t, &transport.Message{Source: "boss", GroupID: "g1", Text: "!set ping 60"})
	if got, want := h.tr.last("g1"), fmt.Sprintf(compose.PingSetFmt, 60); got != want {
		t.Fatalf("group reply = %q, want %q", got, want)
	}
	if h.sched.jobs[pingJobName] != time.Minute {
		t.Fatalf("jobs = %v", h.sched.jobs)
	}

	h.say(t, "boss", "!set ping 30")
	got := h.tr.to("boss")
	if len(got) < 2 || got[len(got)-2] != compose.UnsetOldPing {
		t.Fatalf("replies = %q", got)
	}

	h.say(t, "boss", "!unset ping")
	if got := h.tr.last("boss"); got != compose.PingUnset {
		t.Fatalf("unset reply = %q", got)
	}
	h.say(t, "boss", "!unset ping")
	if got := h.tr.last("boss"); got != compose.PingNotSet {
		t.Fatalf("second unset reply = %q", got)
	}
}

func TestSetPingWithSchedulerDisabled(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Settings{})
	h.sched.disabled = true
	h.say(t, "boss", "!add admin "+testSecret)

	h.say(t, "boss", "!set ping 60")
	if got := h.tr.last("boss"); got != compose.PingFailed {
		t.Fatalf("reply = %q, want %q", got, compose.PingFailed)
	}
	if len(h.sched.jobs) != 0 {
		t.Fatalf("jobs = %v", h.sched.jobs)
	}
}

func TestGroupMessagesIgnoredExceptPing(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Settings{ImplicitText: true})

	h.sayMsg(t, &transport.Message{Source: "u1", GroupID: "g1", Text: "!subscribe"})
	h.sayMsg(t, &transport.Message{Source: "u1", GroupID: "g1", Text: "plain chatter"})
	if len(h.tr.to("g1")) != 0 || len(h.tr.to("u1")) != 0 {
		t.Fatal("group message answered")
	}
	if h.subs.Contains("u1") {
		t.Fatal("subscribed from a group")
	}
}

func TestRoutingFallThrough(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Settings{})
	h.say(t, "u1", "!subscribe")
	h.say(t, "u2", "!subscribe")

	h.say(t, "u1", "just text")
	if got, want := h.tr.last("u1"), compose.HelpMessage(false, false, ""); got != want {
		t.Fatalf("plain text reply = %q", got)
	}
	h.say(t, "u1", "!subscribers")
	if got, want := h.tr.last("u1"), compose.HelpMessage(false, false, ""); got != want {
		t.Fatalf("unknown command reply = %q", got)
	}
	h.say(t, "u1", "!help")
	if got, want := h.tr.last("u1"), compose.HelpMessage(false, true, ""); got != want {
		t.Fatalf("help reply = %q", got)
	}

	n := len(h.tr.to("u2"))
	h.sayMsg(t, &transport.Message{Source: "u1", Attachments: []transport.Attachment{{ID: "a1"}}})
	if len(h.tr.to("u2")) != n+1 {
		t.Fatal("attachment-only message not broadcast")
	}

	h.d.Apply(Settings{ImplicitText: true})
	h.say(t, "u1", "implicit hello")
	if got := h.tr.last("u2"); got != "implicit hello" {
		t.Fatalf("u2 got %q", got)
	}
}

func TestMatchPrefix(t *testing.T) {
	t.Parallel()
	cases := []struct {
		text, cmd string
		want      bool
	}{
		{"!ban", "!ban", true},
		{"!ban u1", "!ban", true},
		{"!bank", "!ban", false},
		{"!admin\nhi", "!admin", true},
		{"!add admin x", "!admin", false},
	}
	for _, c := range cases {
		if got := matchPrefix(c.text, c.cmd); got != c.want {
			t.Errorf("matchPrefix(%q, %q) = %v, want %v", c.text, c.cmd, got, c.want)
		}
	}
}

func TestBusyWhenQueueFull(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Settings{QueueSize: 1})
	ctx := context.Background()

	h.d.enqueue(ctx, ctx, &transport.Message{Source: "u1", Text: "!help"})
	h.d.enqueue(ctx, ctx, &transport.Message{Source: "u2", Text: "!help"})

	if got := h.tr.last("u2"); got != compose.Busy {
		t.Fatalf("u2 got %q, want busy", got)
	}
	if len(h.tr.to("u1")) != 0 {
		t.Fatal("queued job ran without workers")
	}
}

func TestRunDrainsQueuedMessages(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Settings{Workers: 2})

	updates := make(chan transport.Update, 4)
	for _, id := range []string{"u1", "u2", "u3"} {
		updates <- transport.Update{Kind: transport.UpdateMessage, Message: &transport.Message{Source: id, Text: "!subscribe"}}
	}
	close(updates)

	if err := h.d.Run(context.Background(), updates); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.subs.Len() != 3 {
		t.Fatalf("Len = %d, want 3", h.subs.Len())
	}
	for _, id := range []string{"u1", "u2", "u3"} {
		if got := h.tr.last(id); got != compose.Welcome("") {
			t.Fatalf("%s got %q", id, got)
		}
	}
}
