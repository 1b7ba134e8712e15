package commands

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/bdobrica/roombot/common/trace"
	"github.com/bdobrica/roombot/internal/roombot/muc"
)

// HandleDestroyRoom destroys an existing room.  Authorization has already
// been checked by the router.
func (h *Handlers) HandleDestroyRoom(ctx context.Context, cmd *Command) (string, error) {
	exists, err := h.muc.RoomExists(ctx, cmd.Room)
	if err != nil {
		return "", fmt.Errorf("check existence of %s: %w", cmd.Room, err)
	}
	if !exists {
		return "", &RoomNotFoundError{Room: cmd.Room}
	}

	reason := fmt.Sprintf("Room destroyed by %s.", cmd.Sender)
	if err := h.muc.Destroy(ctx, cmd.Room, reason); err != nil {
		return "", &OperationError{
			Op:      "destroy",
			Room:    cmd.Room,
			Message: fmt.Sprintf("Could not destroy room %s, see logs.", cmd.Room),
			Err:     err,
		}
	}
	return fmt.Sprintf("Room %s destroyed.", cmd.Room), nil
}

// HandleDropOwner lowers an owner to member.
func (h *Handlers) HandleDropOwner(ctx context.Context, cmd *Command) (string, error) {
	return h.demote(ctx, cmd, KeyOwner)
}

// HandleDropAdmin lowers an admin to member.
func (h *Handlers) HandleDropAdmin(ctx context.Context, cmd *Command) (string, error) {
	return h.demote(ctx, cmd, KeyAdmin)
}

// demote sets the identity named by key to member.  The room is not checked
// for existence first; a missing room surfaces as a failed mutation.
func (h *Handlers) demote(ctx context.Context, cmd *Command, key string) (string, error) {
	identity, ok := cmd.Param(key)
	if !ok {
		// Parse enforces Requires; this guards direct callers.
		return "", fmt.Errorf("%s: missing %s=", cmd.Name, key)
	}
	if err := h.muc.SetAffiliation(ctx, cmd.Room, identity, muc.AffiliationMember); err != nil {
		return "", &OperationError{
			Op:      "set-affiliation",
			Room:    cmd.Room,
			Message: fmt.Sprintf("Unable to remove %s %s for groupchat %s, see logs.", key, identity, cmd.Room),
			Err:     err,
		}
	}
	return fmt.Sprintf("removed %s %s for groupchat %s", key, identity, cmd.Room), nil
}

// HandleKickAlias removes an occupant by nickname.  The bot joins the room
// only if it is not already there, and leaves only a room it joined for the
// kick.
func (h *Handlers) HandleKickAlias(ctx context.Context, cmd *Command) (string, error) {
	alias, ok := cmd.Param(KeyAlias)
	if !ok {
		return "", fmt.Errorf("%s: missing %s=", cmd.Name, KeyAlias)
	}

	rooms, err := h.muc.JoinedRooms(ctx)
	if err != nil {
		return "", fmt.Errorf("list joined rooms: %w", err)
	}
	transient := !slices.Contains(rooms, cmd.Room)
	if transient {
		if err := h.muc.Join(ctx, cmd.Room, h.nick); err != nil {
			return "", &OperationError{
				Op:      "join",
				Room:    cmd.Room,
				Message: fmt.Sprintf("Unable to kick %s from groupchat %s, see logs.", alias, cmd.Room),
				Err:     err,
			}
		}
		defer func() {
			if err := h.muc.Leave(ctx, cmd.Room, h.nick); err != nil {
				slog.Warn("kick-alias: leave failed",
					"room", cmd.Room, "trace", trace.FromContext(ctx), "err", err)
			}
		}()
	}

	if err := h.muc.SetRole(ctx, cmd.Room, alias, muc.RoleNone); err != nil {
		return "", &OperationError{
			Op:      "set-role",
			Room:    cmd.Room,
			Message: fmt.Sprintf("Unable to kick %s from groupchat %s, see logs.", alias, cmd.Room),
			Err:     err,
		}
	}
	return fmt.Sprintf("%s kicked from groupchat %s", alias, cmd.Room), nil
}
