package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/bdobrica/roombot/common/trace"
	"github.com/bdobrica/roombot/internal/roombot/audit"
	"github.com/bdobrica/roombot/internal/roombot/muc"
)

// identityResolver looks up the bare identity behind an in-room nickname.
type identityResolver interface {
	SenderIdentity(ctx context.Context, room, nick string) (string, error)
}

// RouterConfig holds the collaborators of a Router.
type RouterConfig struct {
	Session   *Session
	Allowlist *Allowlist
	Parser    Parser
	Handlers  *Handlers
	// Resolver is consulted when an inbound message carries no identity.
	Resolver identityResolver
	Replies  *Replies
	// Notifier receives one event per executed or refused command.  Nil
	// disables auditing.
	Notifier audit.Notifier
	// Now defaults to time.Now.
	Now func() time.Time
}

// Router filters inbound groupchat messages, dispatches commands and sends
// exactly one reply per accepted command.
type Router struct {
	session   *Session
	allowlist *Allowlist
	parser    Parser
	handlers  *Handlers
	resolver  identityResolver
	replies   *Replies
	notifier  audit.Notifier
	now       func() time.Time
}

// NewRouter creates a new command router
func NewRouter(cfg RouterConfig) *Router {
	r := &Router{
		session:   cfg.Session,
		allowlist: cfg.Allowlist,
		parser:    cfg.Parser,
		handlers:  cfg.Handlers,
		resolver:  cfg.Resolver,
		replies:   cfg.Replies,
		notifier:  cfg.Notifier,
		now:       cfg.Now,
	}
	if r.notifier == nil {
		r.notifier = audit.Noop{}
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Accepts reports whether msg passes the self and replay filters and starts
// with a known command.
func (r *Router) Accepts(msg muc.Message) bool {
	if r.session != nil {
		if msg.SenderNick != "" && msg.SenderNick == r.session.Nick {
			return false
		}
		at := msg.ReceivedAt
		if at.IsZero() {
			at = r.now()
		}
		if r.session.InReplayWindow(at) {
			slog.Debug("router: ignoring message inside replay window",
				"room", msg.Room, "nick", msg.SenderNick, "received_at", at)
			return false
		}
	}
	_, err := Lookup(msg.Body)
	return err == nil
}

// Handle processes one inbound message.  It never panics; a failing
// handler is logged and answered with GenericFailureReply.
func (r *Router) Handle(ctx context.Context, msg muc.Message) {
	if !r.Accepts(msg) {
		return
	}
	spec, _ := Lookup(msg.Body)

	ctx, traceID := trace.Ensure(ctx)
	log := slog.With("trace", traceID, "cmd", spec.Name, "room", msg.Room, "nick", msg.SenderNick)

	var (
		reply  string
		outErr error
		cmd    *Command
		sender string
	)
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("router: handler panicked", "panic", rec, "stack", string(debug.Stack()))
			reply = GenericFailureReply
			outErr = fmt.Errorf("panic: %v", rec)
		}
		r.replies.Send(ctx, msg.Room, reply)
		r.audit(ctx, spec, cmd, sender, reply, outErr)
	}()

	sender = r.resolveSender(ctx, msg)
	log.Info("router: command received", "sender", sender)

	reply, cmd, outErr = r.execute(ctx, spec, msg, sender)
	switch {
	case outErr == nil:
		log.Info("router: command succeeded", "sender", sender)
	case isExpected(outErr):
		log.Warn("router: command failed", "sender", sender, "err", outErr)
	default:
		log.Error("router: command failed unexpectedly", "sender", sender, "err", outErr)
	}
}

// execute runs the guard, the parser and the handler, and turns any error
// into its reply text.
func (r *Router) execute(ctx context.Context, spec Spec, msg muc.Message, sender string) (string, *Command, error) {
	if err := r.allowlist.Authorize(spec, sender); err != nil {
		reply, _ := replyFor(err)
		return reply, nil, err
	}

	cmd, err := r.parser.Parse(spec, msg, sender)
	if err != nil {
		reply, _ := replyFor(err)
		return reply, nil, err
	}

	handler, ok := r.handlers.For(spec.Name)
	if !ok {
		err := fmt.Errorf("no handler registered for %s", spec.Name)
		return GenericFailureReply, cmd, err
	}
	reply, err := handler(ctx, cmd)
	if err != nil {
		reply, _ = replyFor(err)
		return reply, cmd, err
	}
	return reply, cmd, nil
}

func (r *Router) resolveSender(ctx context.Context, msg muc.Message) string {
	if msg.Sender != "" {
		return r.parser.Normalizer.Identity(msg.Sender)
	}
	if r.resolver == nil || msg.SenderNick == "" {
		return ""
	}
	id, err := r.resolver.SenderIdentity(ctx, msg.Room, msg.SenderNick)
	if err != nil {
		slog.Warn("router: cannot resolve sender identity",
			"room", msg.Room, "nick", msg.SenderNick, "trace", trace.FromContext(ctx), "err", err)
		return ""
	}
	return r.parser.Normalizer.Identity(id)
}

func (r *Router) audit(ctx context.Context, spec Spec, cmd *Command, sender, reply string, err error) {
	if spec.Name == CmdHelp {
		return
	}
	evt := audit.Event{
		Kind:    kindFor(spec.Name, err),
		Command: spec.Name,
		Actor:   sender,
		Message: reply,
	}
	if cmd != nil {
		evt.Target = cmd.Room
		evt.Params = cmd.Params
	}
	if err != nil {
		evt.Err = err.Error()
	}
	r.notifier.Notify(ctx, evt)
}

func kindFor(name string, err error) audit.Kind {
	var denied *NotAuthorizedError
	switch {
	case errors.As(err, &denied):
		return audit.KindDenied
	case err != nil:
		return audit.KindError
	}
	switch name {
	case CmdMakeRoom:
		return audit.KindRoomProvisioned
	case CmdDestroyRoom:
		return audit.KindRoomDestroyed
	case CmdSetOwner, CmdSetAdmin:
		return audit.KindAffiliationGranted
	case CmdDropOwner, CmdDropAdmin:
		return audit.KindAffiliationDropped
	case CmdKickAlias:
		return audit.KindOccupantKicked
	}
	return audit.KindError
}

func isExpected(err error) bool {
	_, ok := replyFor(err)
	return ok
}
