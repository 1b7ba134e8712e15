package commands

import (
	"errors"
	"fmt"
)

// ErrNotACommand is returned by Lookup when a message matches no known
// command prefix.  The router ignores such messages.
var ErrNotACommand = errors.New("not a command")

// GenericFailureReply is sent when a handler fails in a way that has no
// user-facing explanation.  Details only go to the logs.
const GenericFailureReply = "cmd unsuccessful, see bot logs."

// Replier is implemented by errors that carry their own chat reply.
type Replier interface {
	error
	Reply() string
}

// UsageError reports a command with missing or invalid tokens.
type UsageError struct {
	// Label is the human name of the command, e.g. "Set owner".
	Label string
	// Usage is the command's usage text.
	Usage string
	// Reason overrides the default "not enough params given." line.
	Reason string
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("%s: %s", e.Label, e.reason())
}

func (e *UsageError) reason() string {
	if e.Reason != "" {
		return e.Reason
	}
	return "not enough params given."
}

// Reply returns the usage text shown in the room.
func (e *UsageError) Reply() string {
	return fmt.Sprintf("%s: %s\n%s", e.Label, e.reason(), e.Usage)
}

// NotAuthorizedError reports a sender missing from the admin allowlist.
type NotAuthorizedError struct {
	Command string
	Sender  string
}

func (e *NotAuthorizedError) Error() string {
	return fmt.Sprintf("%s: %s not authorized", e.Command, e.Sender)
}

func (e *NotAuthorizedError) Reply() string {
	return fmt.Sprintf("%s: %s not authorized for this cmd.", e.Command, e.Sender)
}

// RoomNotFoundError reports a command targeting a room that does not exist.
type RoomNotFoundError struct {
	Room string
}

func (e *RoomNotFoundError) Error() string {
	return fmt.Sprintf("room %s does not exist", e.Room)
}

func (e *RoomNotFoundError) Reply() string {
	return fmt.Sprintf("Room %s doesn't exist.", e.Room)
}

// OperationError reports a MUC operation the server did not confirm.  Err
// keeps the transport detail for the logs; the reply stays generic.
type OperationError struct {
	// Op is the failed step, e.g. "set-affiliation".
	Op string
	// Room is the room the step targeted.
	Room string
	// Message is the reply shown in the room.
	Message string
	Err     error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s on %s failed: %v", e.Op, e.Room, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

func (e *OperationError) Reply() string { return e.Message }

// replyFor maps a handler error to the text sent back to the room and
// reports whether the error was an expected, typed one.
func replyFor(err error) (string, bool) {
	var r Replier
	if errors.As(err, &r) {
		return r.Reply(), true
	}
	return GenericFailureReply, false
}
