package dispatch

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindInternal Kind = iota
	KindUnauthorized
	KindNoAdmin
	KindBanned
	KindNotSubscribed
	KindMalformed
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindNoAdmin:
		return "no_admin"
	case KindBanned:
		return "banned"
	case KindNotSubscribed:
		return "not_subscribed"
	case KindMalformed:
		return "malformed"
	case KindTransport:
		return "transport"
	default:
		return "internal"
	}
}

// Error is a handler failure with the text the user should see.
// An empty Reply means the user gets nothing.
type Error struct {
	Kind  Kind
	Reply string
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

func fail(kind Kind, reply string, err error) error {
	return &Error{Kind: kind, Reply: reply, Err: err}
}

// KindOf returns the Kind carried by err, or KindInternal.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}
