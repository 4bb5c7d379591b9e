package broadcast

import (
	"context"
	"errors"
	"time"

	"signalblast/internal/transport"
)

// ErrNoHistory is returned by Edit when the edited message was never
// broadcast or its record has been pruned.
var ErrNoHistory = errors.New("no broadcast history for message")

type Config struct {
	RatePerSec       float64 // <= 0 means unlimited
	MaxInFlight      int
	Stagger          time.Duration
	StaggerJitter    float64 // fraction of Stagger, 0..1
	SendTimeout      time.Duration
	FailureThreshold int // <= 0 disables eviction
	Retention        time.Duration
}

// Transport is the slice of a transport adapter the broadcaster needs.
type Transport interface {
	transport.Sender
	DeleteAttachment(ctx context.Context, ref string) error
}

// Request is one broadcast (or edit) issued by Sender.
type Request struct {
	Sender      string
	Timestamp   int64 // sender-side timestamp of the triggering message
	Text        string
	Attachments []transport.Attachment
	EditOf      int64 // Edit only: timestamp of the broadcast being edited
}

// Result tallies one fan-out. Counts exclude the sender; the sender's own
// copy is reported separately.
type Result struct {
	Total           int
	Delivered       int
	SenderIncluded  bool
	SenderDelivered bool
	Failed          int
	Evicted         []string
	Skipped         int
	// Err is set when the fan-out stopped early; counts cover what ran.
	Err error
}

type outcome struct {
	id      string
	ts      int64
	err     error
	skipped bool
	started bool
}
