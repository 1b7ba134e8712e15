// Package audit records what roombot did with each command.
//
// Every side-effecting command produces one Event.  The Journal notifier
// writes it to the SQLite audit log; the RoomNotifier posts a short notice to
// an operator room when one is configured (audit_room).  Multi fans an event
// out to several notifiers.
//
// Event kinds:
//   - KindRoomProvisioned, KindRoomDestroyed
//   - KindAffiliationGranted, KindAffiliationDropped
//   - KindOccupantKicked
//   - KindDenied, KindError
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdobrica/roombot/common/redact"
	"github.com/bdobrica/roombot/common/trace"
	"github.com/bdobrica/roombot/internal/roombot/store"
)

// Kind is a machine-readable event category.
type Kind string

const (
	KindRoomProvisioned    Kind = "room.provisioned"
	KindRoomDestroyed      Kind = "room.destroyed"
	KindAffiliationGranted Kind = "affiliation.granted"
	KindAffiliationDropped Kind = "affiliation.dropped"
	KindOccupantKicked     Kind = "occupant.kicked"
	KindDenied             Kind = "command.denied"
	KindError              Kind = "error"
)

// Event carries the data that notifiers format and record.
type Event struct {
	Kind Kind
	// Command is the command name, e.g. "!make-room".
	Command string
	// Actor is the bare identity of the sender.
	Actor string
	// Target is the room the command acted on.
	Target string
	// Message is the reply that was sent to the room.
	Message string
	// Err is the failure detail, empty on success.
	Err string
	// Params are the parsed key=value parameters.
	Params map[string]string
	// TraceID defaults to the trace in the context.
	TraceID   string
	Timestamp time.Time
}

// Result maps the kind to the audit log result column.
func (e Event) Result() string {
	switch e.Kind {
	case KindDenied:
		return store.ResultDenied
	case KindError:
		return store.ResultError
	}
	return store.ResultSuccess
}

// Notifier receives audit events.  Implementations log their own failures
// and never block the caller for long.
type Notifier interface {
	Notify(ctx context.Context, evt Event)
}

// Sender is the subset of the chat service needed by RoomNotifier.
type Sender interface {
	Send(ctx context.Context, room, body string) error
}

// RoomNotifier posts formatted notices to an operator room.
type RoomNotifier struct {
	sender Sender
	room   string
}

// NewRoomNotifier creates a RoomNotifier that posts to room via sender.
func NewRoomNotifier(sender Sender, room string) *RoomNotifier {
	return &RoomNotifier{sender: sender, room: room}
}

// Notify formats evt as a notice and posts it.  Errors are logged at WARN.
func (n *RoomNotifier) Notify(ctx context.Context, evt Event) {
	if n.room == "" {
		return
	}

	tid := evt.TraceID
	if tid == "" {
		tid = trace.FromContext(ctx)
	}

	msg := fmt.Sprintf("%s [%s] %s", kindIcon(evt.Kind), evt.Kind, evt.Command)
	if evt.Target != "" {
		msg += " " + evt.Target
	}
	if evt.Message != "" {
		msg += ": " + evt.Message
	}
	if evt.Actor != "" {
		msg += "\n  actor: " + evt.Actor
	}
	if tid != "" {
		msg += "\n  trace: " + tid
	}

	if err := n.sender.Send(ctx, n.room, msg); err != nil {
		slog.Warn("audit notifier: failed to send room notice",
			"room", n.room, "kind", evt.Kind, "err", err)
		return
	}
	slog.Debug("audit notifier: sent notice", "room", n.room, "kind", evt.Kind)
}

// Writer is the subset of the store used by Journal.
type Writer interface {
	WriteAudit(ctx context.Context, traceID, actor, action, target, result string, payload store.AuditPayload, errorMsg string) error
}

// Journal writes events to the audit log.
type Journal struct {
	w Writer
}

// NewJournal returns a notifier that records events through w.
func NewJournal(w Writer) *Journal {
	return &Journal{w: w}
}

// Notify writes one audit row.
func (j *Journal) Notify(ctx context.Context, evt Event) {
	tid := evt.TraceID
	if tid == "" {
		tid = trace.FromContext(ctx)
	}
	var payload store.AuditPayload
	if len(evt.Params) > 0 {
		payload = make(store.AuditPayload, len(evt.Params))
		for k, v := range redact.Map(evt.Params) {
			payload[k] = v
		}
	}
	if err := j.w.WriteAudit(ctx, tid, evt.Actor, evt.Command, evt.Target, evt.Result(), payload, evt.Err); err != nil {
		slog.Warn("audit journal: failed to write entry", "kind", evt.Kind, "trace", tid, "err", err)
	}
}

// Multi delivers each event to every notifier in order.
type Multi []Notifier

// Notify fans evt out.
func (m Multi) Notify(ctx context.Context, evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, evt)
		}
	}
}

// Noop is used when auditing is disabled.
type Noop struct{}

// Notify does nothing.
func (Noop) Notify(_ context.Context, _ Event) {}

func kindIcon(k Kind) string {
	switch k {
	case KindRoomProvisioned:
		return "🟢"
	case KindRoomDestroyed:
		return "🗑️"
	case KindAffiliationGranted:
		return "⬆️"
	case KindAffiliationDropped:
		return "⬇️"
	case KindOccupantKicked:
		return "👢"
	case KindDenied:
		return "🚫"
	case KindError:
		return "🚨"
	default:
		return "ℹ️"
	}
}
