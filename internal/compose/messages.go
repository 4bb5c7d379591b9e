package compose

// Replies, grouped by the command that sends them.
const (
	AlreadySubscribed   = "Already subscribed!"
	NotAllowedSubscribe = "This number is not allowed to subscribe"
	CouldNotSubscribe   = "Could not subscribe!"

	NotSubscribed        = "Not subscribed!"
	Unsubscribed         = "Successfully unsubscribed!"
	CouldNotUnsubscribe  = "Could not unsubscribe!"
	NotAllowedBroadcast  = "This number is not allowed to broadcast messages"
	SentToFmt            = "Message sent to %d people"
	PartialSentFmt       = "Something went wrong when sending the message, it was only sent to %d out of %d people, please contact the admin if the problem persists"
	EditedForFmt         = "Message edited for %d people"
	CannotEdit           = "Could not edit the message, it is either too old or it was not a broadcast"
	AddedAsAdmin         = "You have been added as admin!"
	AddAdminWrongSecret  = "Adding failed, admin password is incorrect!"
	NoLongerAdmin        = "You are no longer an admin!"
	TriedToBeAdded       = "Tried to be added as admin"
	AdminRemoved         = "Admin has been removed!"
	RemoveAdminWrongPass = "Removing failed: admin password is incorrect!"
	TriedToRemoveYou     = "Tried to remove you as admin"

	NoAdminsToContact   = "I'm sorry but there are no admins to contact!"
	NotAllowedToContact = "You are not allowed to contact the admin!"
	SentToAdmin         = "Message sent to the admin"
	FailedToAdmin       = "Failed to send the message to the admin!"

	ReplyNotSubscribed = "User is not in subscribers list, use !reply <uuid> !force to message them"
	ReplySent          = "Message sent"
	ReplyFailed        = "Failed to send the message to the user!"

	YouAreBanned    = "You have been banned"
	BanOK           = "Successfully banned user"
	BanFailed       = "Failed to ban user"
	NotBanned       = "Could not lift the ban because the user was not banned"
	BanLifted       = "Your ban has been lifted, try subscribing again"
	LiftBanOK       = "Successfully lifted the ban on the user"
	LiftBanFailed   = "Failed to lift the ban on the user"
	UnsetOldPing    = "Unset old ping job"
	PingSetFmt      = "Ping set every %d seconds"
	PingNotSet      = "Cannot unset because ping was not set!"
	PingUnset       = "Ping unset!"
	PingFailed      = "Failed to set ping"
	Ping            = "Ping"
	LastMsgUserFmt  = "Last message was sent by\n\t%s"
	NobodyMessaged  = "Nobody has messaged the admin yet"
	LastMsgUserFail = "Failed get UUID"

	Evicted = "The bot is having problems sending you messages. You have been removed from the list. Please update signal, remove old linked devices and try subscribing again"

	NoAdmins = "I'm sorry but there are no admins"
	NotAdmin = "I'm sorry but you are not an admin"

	// TriedToFmt is sent to the admin when someone else attempts an admin command.
	TriedToFmt = "Tried to %s"

	Busy = "I'm busy right now, please try again in a moment"

	SomethingWentWrong = "Something went wrong, please try again later"
)
