package telegram

import (
	"strings"
	"testing"

	tele "gopkg.in/telebot.v4"
)

func TestSplitText(t *testing.T) {
	t.Parallel()
	if got := splitText("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short = %q", got)
	}

	line := strings.Repeat("a", 6)
	s := line + "\n" + line + "\n" + line
	got := splitText(s, 10)
	if len(got) != 3 {
		t.Fatalf("chunks = %q", got)
	}
	for _, c := range got {
		if c != line {
			t.Fatalf("chunk = %q, want %q", c, line)
		}
	}

	got = splitText(strings.Repeat("b", 25), 10)
	if len(got) != 3 || len(got[2]) != 5 {
		t.Fatalf("hard split = %q", got)
	}
}

func TestToMessage(t *testing.T) {
	t.Parallel()
	private := &tele.Chat{ID: 7, Type: tele.ChatPrivate}
	group := &tele.Chat{ID: -100, Type: tele.ChatGroup}
	sender := &tele.User{ID: 7}

	cases := []struct {
		name   string
		in     *tele.Message
		edited bool
		ok     bool
		check  func(t *testing.T, got string, group string, editOf int64, atts int)
	}{
		{name: "nil", in: nil},
		{name: "empty", in: &tele.Message{ID: 1, Sender: sender, Chat: private}},
		{
			name: "private text", ok: true,
			in: &tele.Message{ID: 2, Sender: sender, Chat: private, Text: "!subscribe"},
			check: func(t *testing.T, text, g string, e int64, n int) {
				if text != "!subscribe" || g != "" || e != 0 || n != 0 {
					t.Fatalf("got %q %q %d %d", text, g, e, n)
				}
			},
		},
		{
			name: "group edit", ok: true, edited: true,
			in: &tele.Message{ID: 3, Sender: sender, Chat: group, Text: "fixed"},
			check: func(t *testing.T, text, g string, e int64, n int) {
				if text != "fixed" || g != "-100" || e != 3 {
					t.Fatalf("got %q %q %d", text, g, e)
				}
			},
		},
		{
			name: "photo with caption", ok: true,
			in: &tele.Message{ID: 4, Sender: sender, Chat: private, Caption: "look", Photo: &tele.Photo{File: tele.File{FileID: "f1"}}},
			check: func(t *testing.T, text, g string, e int64, n int) {
				if text != "look" || n != 1 {
					t.Fatalf("got %q atts=%d", text, n)
				}
			},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			msg, ok := toMessage(c.in, c.edited)
			if ok != c.ok {
				t.Fatalf("ok = %v, want %v", ok, c.ok)
			}
			if ok {
				if msg.Source != "7" {
					t.Fatalf("source = %q", msg.Source)
				}
				c.check(t, msg.Text, msg.GroupID, msg.EditOf, len(msg.Attachments))
			}
		})
	}
}

func TestParseChat(t *testing.T) {
	t.Parallel()
	if id, err := parseChat("-100123"); err != nil || id != -100123 {
		t.Fatalf("parseChat = %d, %v", id, err)
	}
	if _, err := parseChat("uuid-1"); err == nil {
		t.Fatal("want error for non-numeric id")
	}
}
