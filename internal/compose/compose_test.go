package compose

import (
	"strings"
	"testing"
)

func TestStripCommand(t *testing.T) {
	t.Parallel()
	cases := []struct {
		text, cmd, want string
	}{
		{"!broadcast hello there", CmdBroadcast, "hello there"},
		{"!broadcast", CmdBroadcast, ""},
		{"!broadcast   ", CmdBroadcast, ""},
		{"!add admin  pw ", CmdAddAdmin, "pw"},
		{"", CmdHelp, ""},
	}
	for _, tc := range cases {
		if got := StripCommand(tc.text, tc.cmd); got != tc.want {
			t.Fatalf("StripCommand(%q, %q) = %q, want %q", tc.text, tc.cmd, got, tc.want)
		}
	}
}

func TestHelpMessagePublic(t *testing.T) {
	t.Parallel()
	want := "I'm happy to help! This are the commands that you can use:\n\n" +
		"\t!broadcast\n\t!help\n\t!admin\n\t!subscribe\n\t!unsubscribe\n"
	if got := HelpMessage(false, true, ""); got != want {
		t.Fatalf("HelpMessage = %q\nwant %q", got, want)
	}
}

func TestHelpMessageAdminAndRetry(t *testing.T) {
	t.Parallel()
	got := HelpMessage(true, false, "https://example.org/howto")
	if !strings.HasPrefix(got, "I'm sorry, I didn't understand you") {
		t.Fatalf("unexpected intro: %q", got)
	}
	for _, line := range []string{
		"\t!add admin <password>\n",
		"\t!last msg user uuid\n",
		"\t!unset ping\n",
		"\t!reply <user id>\n",
	} {
		if !strings.Contains(got, line) {
			t.Fatalf("missing %q in %q", line, got)
		}
	}
	if !strings.HasSuffix(got, "\nPlease try again\nMore information at https://example.org/howto") {
		t.Fatalf("unexpected tail: %q", got)
	}
}

func TestMustSubscribe(t *testing.T) {
	t.Parallel()
	want := "To be able to send messages you must sign up.\nPlease sign up by sending:\n\t!subscribe\nand try again after that."
	if got := MustSubscribe(""); got != want {
		t.Fatalf("MustSubscribe = %q", got)
	}
}

func TestToAdminAndWelcome(t *testing.T) {
	t.Parallel()
	if got := ToAdmin("hi", "u1"); got != "***Admin***\nu1\nhi" {
		t.Fatalf("ToAdmin = %q", got)
	}
	if got := ToAdmin("hi", ""); got != "***Admin***\nhi" {
		t.Fatalf("ToAdmin without user = %q", got)
	}
	if Welcome("") != "Subscription successful!" || Welcome("hey") != "hey" {
		t.Fatal("Welcome fallback broken")
	}
}
