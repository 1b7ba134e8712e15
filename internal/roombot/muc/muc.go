// Package muc defines the contract between roombot and the multi-user chat
// service it manages.  A transport adapter (see internal/roombot/matrix)
// implements Service; the command engine only ever talks to this interface.
//
// Rooms and identities are always passed fully qualified ("local@domain").
package muc

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Affiliation is a long-lived, room-scoped permission level of an identity.
type Affiliation string

const (
	AffiliationOwner  Affiliation = "owner"
	AffiliationAdmin  Affiliation = "admin"
	AffiliationMember Affiliation = "member"
	AffiliationNone   Affiliation = "none"
)

// Role is a session-scoped privilege of an occupant nickname.
type Role string

const (
	RoleModerator   Role = "moderator"
	RoleParticipant Role = "participant"
	RoleVisitor     Role = "visitor"
	RoleNone        Role = "none"
)

// ErrUnsupported is returned by adapters for operations the underlying
// protocol cannot express.
var ErrUnsupported = errors.New("muc: operation not supported by transport")

// ErrNoSuchOccupant is returned by SetRole and SenderIdentity when the
// nickname is not present in the room.
var ErrNoSuchOccupant = errors.New("muc: no such occupant")

// FieldPersistent is the configuration field that keeps a room alive once
// its last occupant leaves.
const FieldPersistent = "persistent"

// Form is a room configuration form.  Values are kept as strings the way
// data forms carry them; booleans use "1"/"0".
type Form map[string]string

// Set stores a field value.
func (f Form) Set(field, value string) { f[field] = value }

// Persistent reports whether the form marks the room persistent.
func (f Form) Persistent() bool {
	switch strings.ToLower(f[FieldPersistent]) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// Message is an inbound groupchat line as delivered by the transport.
type Message struct {
	// Sender is the bare identity of the author, when the transport knows it.
	Sender string
	// SenderNick is the author's nickname inside Room.
	SenderNick string
	// Room is the bare address of the room the message was posted in.
	Room string
	// Body is the plain-text body.
	Body string
	// ReceivedAt is when the transport received the message.
	ReceivedAt time.Time
}

// Service is the set of MUC operations roombot needs.  A returned error from
// a mutating call means the server did not confirm the change.
type Service interface {
	// RoomExists reports whether the room is known to the conference service.
	RoomExists(ctx context.Context, room string) (bool, error)
	// Join enters room under nick, creating the room if it does not exist.
	Join(ctx context.Context, room, nick string) error
	// Leave exits room.
	Leave(ctx context.Context, room, nick string) error
	// Destroy removes the room from the conference service.
	Destroy(ctx context.Context, room, reason string) error
	// SetAffiliation sets the affiliation of identity in room.
	SetAffiliation(ctx context.Context, room, identity string, aff Affiliation) error
	// SetRole sets the role of the occupant with the given nickname.
	SetRole(ctx context.Context, room, nick string, role Role) error
	// GetConfig fetches the room configuration form.
	GetConfig(ctx context.Context, room string) (Form, error)
	// SubmitConfig submits a room configuration form.
	SubmitConfig(ctx context.Context, room string, form Form) error
	// Invite invites identity to room.
	Invite(ctx context.Context, room, identity, reason string) error
	// JoinedRooms lists the rooms the bot currently occupies.
	JoinedRooms(ctx context.Context) ([]string, error)
	// Ping probes room for liveness and returns the round-trip time.
	Ping(ctx context.Context, room string) (time.Duration, error)
	// SenderIdentity resolves the real bare identity behind an occupant nick.
	SenderIdentity(ctx context.Context, room, nick string) (string, error)
	// Send posts a plain-text groupchat message to room.
	Send(ctx context.Context, room, body string) error
}
