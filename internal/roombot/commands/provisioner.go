package commands

// provisioner.go drives a room to a known-good state: it exists, it is
// persistent, and the requested identity holds the requested affiliation.
//
//	CheckExistence → {JoinNew | SkipJoin} → SettleAfterJoin → FetchConfig →
//	MutateConfig → SubmitConfig → SettleAfterSubmit → [JoinTransient →
//	SettleAfterJoin] → SetAffiliation → Invite → Leave → Done
//
// Joins and configuration changes are not confirmed synchronously by the
// chat server, so the Settle states poll until the change is visible
// (bounded by Handlers.settle) instead of sleeping for a fixed time.
//
// A failing state aborts the rest of the flow.  Completed steps are not
// rolled back; the only cleanup is leaving a room the flow itself joined.

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/bdobrica/roombot/common/retry"
	"github.com/bdobrica/roombot/common/trace"
	"github.com/bdobrica/roombot/internal/roombot/muc"
)

type provisionState int

const (
	stateCheckExistence provisionState = iota
	stateJoinNew
	stateSkipJoin
	stateSettleAfterJoin
	stateFetchConfig
	stateMutateConfig
	stateSubmitConfig
	stateSettleAfterSubmit
	stateJoinTransient
	stateSetAffiliation
	stateInvite
	stateLeave
	stateDone
)

var stateNames = [...]string{
	stateCheckExistence:    "check-existence",
	stateJoinNew:           "join-new",
	stateSkipJoin:          "skip-join",
	stateSettleAfterJoin:   "settle-after-join",
	stateFetchConfig:       "fetch-config",
	stateMutateConfig:      "mutate-config",
	stateSubmitConfig:      "submit-config",
	stateSettleAfterSubmit: "settle-after-submit",
	stateJoinTransient:     "join-transient",
	stateSetAffiliation:    "set-affiliation",
	stateInvite:            "invite",
	stateLeave:             "leave",
	stateDone:              "done",
}

func (s provisionState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// provisionRequest describes one make-room / set-owner / set-admin run.
type provisionRequest struct {
	room        string
	identity    string
	affiliation muc.Affiliation
	// create allows JoinNew for a missing room; otherwise a missing room is
	// a RoomNotFoundError.
	create bool
	// invite sends an invitation to identity once the affiliation is set.
	invite bool
}

// provisionResult reports which existence branch the flow took.
type provisionResult struct {
	created bool
}

// provisioning is the machine state of one run.  It never outlives the
// command that created it.
type provisioning struct {
	h     *Handlers
	req   provisionRequest
	state provisionState

	existed   bool
	occupant  bool // bot was in the room before the run started
	joined    bool // bot joined during this run and must leave
	persisted bool
	form      muc.Form
}

// provision runs the state machine to completion or to the first failure.
func (h *Handlers) provision(ctx context.Context, req provisionRequest) (provisionResult, error) {
	p := &provisioning{h: h, req: req, state: stateCheckExistence}
	err := p.run(ctx)
	return provisionResult{created: !p.existed}, err
}

func (p *provisioning) run(ctx context.Context) (err error) {
	traceID := trace.FromContext(ctx)
	defer func() {
		if err != nil && p.joined {
			// Leave runs even after a failure so the bot does not linger.
			p.leave(ctx)
		}
	}()

	for p.state != stateDone {
		from := p.state
		next, stepErr := p.step(ctx)
		if stepErr != nil {
			slog.Error("provision: step failed",
				"room", p.req.room, "state", from, "trace", traceID, "err", stepErr)
			return stepErr
		}
		slog.Debug("provision: transition",
			"room", p.req.room, "from", from, "to", next, "trace", traceID)
		p.state = next
	}
	return nil
}

func (p *provisioning) step(ctx context.Context) (provisionState, error) {
	room := p.req.room
	svc := p.h.muc

	switch p.state {
	case stateCheckExistence:
		exists, err := svc.RoomExists(ctx, room)
		if err != nil {
			return 0, fmt.Errorf("check existence of %s: %w", room, err)
		}
		p.existed = exists
		if !exists && !p.req.create {
			return 0, &RoomNotFoundError{Room: room}
		}
		occupant, err := p.isOccupant(ctx)
		if err != nil {
			return 0, fmt.Errorf("list joined rooms: %w", err)
		}
		p.occupant = occupant
		if exists {
			return stateSkipJoin, nil
		}
		return stateJoinNew, nil

	case stateJoinNew:
		// A room that is not listed yet may still be locked awaiting
		// configuration, which is why existing rooms are never joined here.
		if err := svc.Join(ctx, room, p.h.nick); err != nil {
			return 0, p.opErr("join", err, "Unable to create groupchat %s, see logs.", room)
		}
		p.joined = true
		return stateSettleAfterJoin, nil

	case stateSkipJoin:
		return stateFetchConfig, nil

	case stateSettleAfterJoin:
		if err := retry.Until(ctx, p.h.settle, func() (bool, error) { return p.isOccupant(ctx) }); err != nil {
			return 0, p.opErr("settle-join", err, "Unable to join groupchat %s, see logs.", room)
		}
		if p.persisted {
			return stateSetAffiliation, nil
		}
		return stateFetchConfig, nil

	case stateFetchConfig:
		form, err := svc.GetConfig(ctx, room)
		if err != nil {
			return 0, p.opErr("get-config", err, "Unable to read configuration of groupchat %s, see logs.", room)
		}
		if form == nil {
			form = muc.Form{}
		}
		p.form = form
		return stateMutateConfig, nil

	case stateMutateConfig:
		p.form.Set(muc.FieldPersistent, "1")
		return stateSubmitConfig, nil

	case stateSubmitConfig:
		if err := svc.SubmitConfig(ctx, room, p.form); err != nil {
			return 0, p.opErr("submit-config", err, "Unable to make groupchat %s persistent, see logs.", room)
		}
		return stateSettleAfterSubmit, nil

	case stateSettleAfterSubmit:
		err := retry.Until(ctx, p.h.settle, func() (bool, error) {
			form, err := svc.GetConfig(ctx, room)
			if err != nil {
				return false, err
			}
			return form.Persistent(), nil
		})
		if err != nil {
			return 0, p.opErr("settle-config", err, "Unable to make groupchat %s persistent, see logs.", room)
		}
		p.persisted = true
		if p.joined || p.occupant {
			return stateSetAffiliation, nil
		}
		return stateJoinTransient, nil

	case stateJoinTransient:
		if err := svc.Join(ctx, room, p.h.nick); err != nil {
			return 0, p.opErr("join", err, "Unable to join groupchat %s, see logs.", room)
		}
		p.joined = true
		return stateSettleAfterJoin, nil

	case stateSetAffiliation:
		if err := svc.SetAffiliation(ctx, room, p.req.identity, p.req.affiliation); err != nil {
			return 0, p.opErr("set-affiliation", err,
				"Unable to add %s as %s for groupchat %s, see logs.", p.req.identity, p.req.affiliation, room)
		}
		if p.req.invite {
			return stateInvite, nil
		}
		return stateLeave, nil

	case stateInvite:
		if err := svc.Invite(ctx, room, p.req.identity, p.h.inviteReason); err != nil {
			slog.Warn("provision: invite failed (non-fatal)",
				"room", room, "identity", p.req.identity, "trace", trace.FromContext(ctx), "err", err)
		}
		return stateLeave, nil

	case stateLeave:
		// A room the bot was already in, such as the home room, stays joined.
		if p.joined {
			p.leave(ctx)
		}
		return stateDone, nil
	}
	return 0, fmt.Errorf("provision: unexpected state %s", p.state)
}

func (p *provisioning) leave(ctx context.Context) {
	p.joined = false
	if err := p.h.muc.Leave(ctx, p.req.room, p.h.nick); err != nil {
		slog.Warn("provision: leave failed",
			"room", p.req.room, "trace", trace.FromContext(ctx), "err", err)
	}
}

func (p *provisioning) isOccupant(ctx context.Context) (bool, error) {
	rooms, err := p.h.muc.JoinedRooms(ctx)
	if err != nil {
		return false, err
	}
	return slices.Contains(rooms, p.req.room), nil
}

func (p *provisioning) opErr(op string, err error, format string, args ...any) error {
	return &OperationError{
		Op:      op,
		Room:    p.req.room,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

// HandleMakeRoom creates a room, or brings an existing one to a persistent
// state, and makes the requested identity its owner.
func (h *Handlers) HandleMakeRoom(ctx context.Context, cmd *Command) (string, error) {
	owner, _ := cmd.Param(KeyOwner)
	res, err := h.provision(ctx, provisionRequest{
		room:        cmd.Room,
		identity:    owner,
		affiliation: muc.AffiliationOwner,
		create:      true,
		invite:      true,
	})
	if err != nil {
		return "", err
	}
	if res.created {
		return fmt.Sprintf("%s added, owner set to %s.", cmd.Room, owner), nil
	}
	return fmt.Sprintf("%s exists, set to persistent and owner set to %s.", cmd.Room, owner), nil
}

// HandleSetOwner grants the owner affiliation on an existing room.
func (h *Handlers) HandleSetOwner(ctx context.Context, cmd *Command) (string, error) {
	return h.grant(ctx, cmd, KeyOwner, muc.AffiliationOwner)
}

// HandleSetAdmin grants the admin affiliation on an existing room.
func (h *Handlers) HandleSetAdmin(ctx context.Context, cmd *Command) (string, error) {
	return h.grant(ctx, cmd, KeyAdmin, muc.AffiliationAdmin)
}

func (h *Handlers) grant(ctx context.Context, cmd *Command, key string, aff muc.Affiliation) (string, error) {
	identity, _ := cmd.Param(key)
	if _, err := h.provision(ctx, provisionRequest{
		room:        cmd.Room,
		identity:    identity,
		affiliation: aff,
	}); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s added as %s for groupchat %s", identity, aff, cmd.Room), nil
}
