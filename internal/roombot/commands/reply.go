package commands

import (
	"context"
	"log/slog"

	"github.com/bdobrica/roombot/common/trace"
)

// sender is the part of muc.Service the reply dispatcher needs.
type sender interface {
	Send(ctx context.Context, room, body string) error
}

// Replies sends command results back to the originating room.  A failed
// send is logged and never propagated into the handler's error path.
type Replies struct {
	out sender
}

// NewReplies returns a dispatcher that posts through out.
func NewReplies(out sender) *Replies {
	return &Replies{out: out}
}

// Send posts body to room.
func (r *Replies) Send(ctx context.Context, room, body string) {
	if body == "" {
		return
	}
	if err := r.out.Send(ctx, room, body); err != nil {
		slog.Error("reply: failed to send message",
			"room", room, "trace", trace.FromContext(ctx), "err", err)
	}
}
