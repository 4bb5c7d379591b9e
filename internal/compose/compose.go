// Package compose builds the user-facing texts the bot replies with.
package compose

import "strings"

// Command prefixes.
const (
	CmdSubscribe       = "!subscribe"
	CmdUnsubscribe     = "!unsubscribe"
	CmdBroadcast       = "!broadcast"
	CmdToAdmin         = "!admin"
	CmdHelp            = "!help"
	CmdAddAdmin        = "!add admin"
	CmdRemoveAdmin     = "!remove admin"
	CmdReply           = "!reply"
	CmdBan             = "!ban"
	CmdLiftBan         = "!lift ban"
	CmdSetPing         = "!set ping"
	CmdUnsetPing       = "!unset ping"
	CmdLastMsgUserUUID = "!last msg user uuid"

	// ReplyForce lets the admin reply to a user that is not subscribed.
	ReplyForce = "!force"
)

type command struct {
	name string
	arg  string
}

// Listed in the order the help text shows them.
var (
	publicCommands = []command{
		{name: CmdBroadcast},
		{name: CmdHelp},
		{name: CmdToAdmin},
		{name: CmdSubscribe},
		{name: CmdUnsubscribe},
	}
	adminCommands = []command{
		{name: CmdAddAdmin, arg: "<password>"},
		{name: CmdBan, arg: "<user id>"},
		{name: CmdLastMsgUserUUID},
		{name: CmdLiftBan, arg: "<user id>"},
		{name: CmdReply, arg: "<user id>"},
		{name: CmdRemoveAdmin, arg: "<password>"},
		{name: CmdSetPing, arg: "<time>"},
		{name: CmdUnsetPing},
	}
)

const (
	adminHeader     = "***Admin***\n"
	helpIntro       = "I'm happy to help! This are the commands that you can use:\n\n"
	didNotGetIntro  = "I'm sorry, I didn't understand you but I understand the following commands:\n\n"
	didNotGetOutro  = "\nPlease try again"
	defaultWelcome  = "Subscription successful!"
	moreInfoPrefix  = "\nMore information at "
	mustSubscribeTx = "To be able to send messages you must sign up.\n" +
		"Please sign up by sending:\n" +
		"\t" + CmdSubscribe + "\n" +
		"and try again after that."
)

// StripCommand removes the first occurrence of cmd from text and trims the
// rest. It returns "" when nothing is left.
func StripCommand(text, cmd string) string {
	return strings.TrimSpace(strings.Replace(text, cmd, "", 1))
}

func commandList(admin bool) string {
	var b strings.Builder
	for _, c := range publicCommands {
		b.WriteString("\t" + c.name + "\n")
	}
	if admin {
		for _, c := range adminCommands {
			b.WriteString("\t" + c.name)
			if c.arg != "" {
				b.WriteString(" " + c.arg)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

func withURL(msg, url string) string {
	if url == "" {
		return msg
	}
	return msg + moreInfoPrefix + url
}

// HelpMessage lists the commands available to the caller. isHelp selects the
// "happy to help" text, otherwise the "did not understand" variant.
func HelpMessage(admin, isHelp bool, url string) string {
	var msg string
	if isHelp {
		msg = helpIntro + commandList(admin)
	} else {
		msg = didNotGetIntro + commandList(admin) + didNotGetOutro
	}
	return withURL(msg, url)
}

func MustSubscribe(url string) string {
	return withURL(mustSubscribeTx, url)
}

// ToAdmin prefixes msg with the admin header and, if set, the originating user.
func ToAdmin(msg, user string) string {
	header := adminHeader
	if user != "" {
		header += user + "\n"
	}
	return header + msg
}

// Welcome returns custom, or the default subscription text when custom is empty.
func Welcome(custom string) string {
	if custom == "" {
		return defaultWelcome
	}
	return custom
}

// FromAdmin is how a reply from the admin reads on the user's side.
func FromAdmin(msg string) string { return "Admin: " + msg }
