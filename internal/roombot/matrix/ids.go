package matrix

import (
	"fmt"
	"strings"

	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/roombot/internal/roombot/address"
	"github.com/bdobrica/roombot/internal/roombot/muc"
)

// Power levels used to express MUC affiliations and roles.
const (
	levelOwner     = 100
	levelAdmin     = 50
	levelModerator = 50
	levelDefault   = 0
)

// Naming maps room addresses onto room aliases.  Aliases are minted by the
// homeserver under its own server name, so rooms in ConfDomain live at
// "#local:Server".  Rooms in any other domain keep it as the alias server.
type Naming struct {
	// ConfDomain is the domain of room addresses, "conf.example.com".
	ConfDomain string
	// Server is the homeserver's server name, "example.com".
	Server string
}

// Alias maps a room address "local@domain" to its alias.
func (n Naming) Alias(room string) (id.RoomAlias, error) {
	local, domain, err := split(room)
	if err != nil {
		return "", fmt.Errorf("room %q: %w", room, err)
	}
	if domain == n.ConfDomain && n.Server != "" {
		domain = n.Server
	}
	return id.NewRoomAlias(local, domain), nil
}

// Room maps an alias back to its room address.
func (n Naming) Room(alias id.RoomAlias) string {
	s := strings.TrimPrefix(string(alias), "#")
	local, server, ok := strings.Cut(s, ":")
	if !ok {
		return s
	}
	if server == n.Server && n.ConfDomain != "" {
		server = n.ConfDomain
	}
	return local + "@" + server
}

// UserID maps an identity "user@server" to "@user:server".
func UserID(identity string) (id.UserID, error) {
	local, server, err := split(address.Bare(identity))
	if err != nil {
		return "", fmt.Errorf("identity %q: %w", identity, err)
	}
	return id.NewUserID(local, server), nil
}

// Identity maps "@user:server" back to "user@server".
func Identity(userID id.UserID) string {
	local, server, err := userID.Parse()
	if err != nil {
		return strings.TrimPrefix(string(userID), "@")
	}
	return local + "@" + server
}

func split(addr string) (local, server string, err error) {
	local, server = address.Local(addr), address.Domain(addr)
	if local == "" || server == "" {
		return "", "", fmt.Errorf("expected local@server")
	}
	return local, server, nil
}

// affiliationLevel returns the power level that represents aff.
func affiliationLevel(aff muc.Affiliation) (int, error) {
	switch aff {
	case muc.AffiliationOwner:
		return levelOwner, nil
	case muc.AffiliationAdmin:
		return levelAdmin, nil
	case muc.AffiliationMember, muc.AffiliationNone:
		return levelDefault, nil
	}
	return 0, fmt.Errorf("affiliation %q: %w", aff, muc.ErrUnsupported)
}

// roleLevel returns the power level for role.  RoleNone is handled by the
// caller as a kick.
func roleLevel(role muc.Role) (int, error) {
	switch role {
	case muc.RoleModerator:
		return levelModerator, nil
	case muc.RoleParticipant:
		return levelDefault, nil
	}
	return 0, fmt.Errorf("role %q: %w", role, muc.ErrUnsupported)
}
