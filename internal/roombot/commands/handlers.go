package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/bdobrica/roombot/common/retry"
	"github.com/bdobrica/roombot/internal/roombot/muc"
)

// Handler executes one parsed command and returns the reply text.
type Handler func(ctx context.Context, cmd *Command) (string, error)

// HandlersConfig holds the dependencies of the command handlers.
type HandlersConfig struct {
	// MUC is the chat service the handlers act on.
	MUC muc.Service
	// Nick is the nickname the bot uses when it joins rooms.
	Nick string
	// Settle bounds the wait for the server to confirm a join or a
	// configuration change.  Zero uses retry.DefaultSettle.
	Settle retry.Config
	// InviteReason is sent with the invitation issued by !make-room.
	InviteReason string
}

// Handlers holds all command handlers and dependencies
type Handlers struct {
	muc          muc.Service
	nick         string
	settle       retry.Config
	inviteReason string
}

// NewHandlers creates a new Handlers instance
func NewHandlers(cfg HandlersConfig) *Handlers {
	settle := cfg.Settle
	if settle.MaxAttempts <= 0 {
		settle = retry.DefaultSettle
	}
	reason := cfg.InviteReason
	if reason == "" {
		reason = "Requested room created."
	}
	return &Handlers{
		muc:          cfg.MUC,
		nick:         cfg.Nick,
		settle:       settle,
		inviteReason: reason,
	}
}

// For returns the handler implementing the named command.
func (h *Handlers) For(name string) (Handler, bool) {
	switch name {
	case CmdHelp:
		return h.HandleHelp, true
	case CmdMakeRoom:
		return h.HandleMakeRoom, true
	case CmdDestroyRoom:
		return h.HandleDestroyRoom, true
	case CmdSetOwner:
		return h.HandleSetOwner, true
	case CmdDropOwner:
		return h.HandleDropOwner, true
	case CmdSetAdmin:
		return h.HandleSetAdmin, true
	case CmdDropAdmin:
		return h.HandleDropAdmin, true
	case CmdKickAlias:
		return h.HandleKickAlias, true
	}
	return nil, false
}

// HandleHelp lists the available commands.
func (h *Handlers) HandleHelp(ctx context.Context, cmd *Command) (string, error) {
	var b strings.Builder
	b.WriteString("commands:\n")
	for _, s := range catalog {
		fmt.Fprintf(&b, "%s : %s\n", s.Name, s.Description)
	}
	return b.String(), nil
}
