// Package commands implements roombot's chat command engine: parsing,
// authorization, the affiliation handlers, the room provisioner and the
// router that ties them together.
package commands

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/bdobrica/roombot/internal/roombot/address"
	"github.com/bdobrica/roombot/internal/roombot/muc"
)

// Command names.
const (
	CmdHelp        = "!help"
	CmdMakeRoom    = "!make-room"
	CmdDestroyRoom = "!destroy-room"
	CmdSetOwner    = "!set-owner"
	CmdDropOwner   = "!drop-owner"
	CmdSetAdmin    = "!set-admin"
	CmdDropAdmin   = "!drop-admin"
	CmdKickAlias   = "!kick-alias"
)

// Parameter keys recognised in key=value tokens.
const (
	KeyOwner = "owner"
	KeyAdmin = "admin"
	KeyAlias = "alias"
	KeyUser  = "user"
)

// Command is a parsed chat command.  It is not modified after Parse returns.
type Command struct {
	// Name is the command name including the '!' prefix.
	Name string
	// Args holds the raw tokens following the name.
	Args []string
	// Sender is the bare identity of the author.
	Sender string
	// Origin is the room the command was issued in.
	Origin string
	// Room is the first argument qualified with the conference domain.
	Room string
	// Params holds the key=value parameters; identities are normalized.
	Params map[string]string
}

// Param returns a parameter value.
func (c *Command) Param(key string) (string, bool) {
	v, ok := c.Params[key]
	return v, ok && v != ""
}

// Spec describes one command of the grammar.
type Spec struct {
	Name        string
	Description string
	// Label prefixes usage errors, e.g. "Set owner".
	Label string
	Usage string
	// MinArgs is the number of tokens required after the name.
	MinArgs int
	// Requires names a key=value parameter that must be present.
	Requires string
	// Fallback names the parameter that defaults to the sender's identity.
	Fallback string
	// Privileged commands are restricted to the admin allowlist.
	Privileged bool
}

// catalog lists the grammar in dispatch order.
var catalog = []Spec{
	{
		Name:        CmdHelp,
		Description: "This msg.",
		Label:       "Help",
		Usage:       "Usage: !help",
	},
	{
		Name:        CmdMakeRoom,
		Description: "Add a new groupchat.",
		Label:       "Add groupchat",
		Usage:       "Usage: !make-room <roomname> [owner=user.name]",
		MinArgs:     1,
		Fallback:    KeyOwner,
	},
	{
		Name:        CmdDestroyRoom,
		Description: "Delete a groupchat. (Admin users only)",
		Label:       "destroy-room",
		Usage:       "Usage: !destroy-room <roomname>",
		MinArgs:     1,
		Privileged:  true,
	},
	{
		Name:        CmdSetOwner,
		Description: "Set an owner for a groupchat.",
		Label:       "Set owner",
		Usage: "Usage: !set-owner <roomname> owner=<user.name>\n" +
			"e.g: !set-owner room1408 owner=john.cusack\n" +
			"Note: if owner= is not defined, the requesting user is set to owner.",
		MinArgs:  1,
		Fallback: KeyOwner,
	},
	{
		Name:        CmdDropOwner,
		Description: "Unset groupchat owner - lowers affiliation to member.",
		Label:       "Drop owner",
		Usage: "Usage: !drop-owner <roomname> owner=<user.name>\n" +
			"e.g: !drop-owner room1408 owner=john.cusack",
		MinArgs:  1,
		Requires: KeyOwner,
	},
	{
		Name:        CmdSetAdmin,
		Description: "Set an admin for a groupchat.",
		Label:       "Set admin",
		Usage: "Usage: !set-admin <roomname> admin=<user.name>\n" +
			"e.g: !set-admin room1408 admin=some.person\n" +
			"Note: if admin= is not defined, the requesting user is set to admin.",
		MinArgs:  1,
		Fallback: KeyAdmin,
	},
	{
		Name:        CmdDropAdmin,
		Description: "Unset groupchat admin - lowers affiliation to member.",
		Label:       "Drop admin",
		Usage: "Usage: !drop-admin <roomname> admin=<user.name>\n" +
			"e.g: !drop-admin room1408 admin=john.cusack",
		MinArgs:  1,
		Requires: KeyAdmin,
	},
	{
		Name:        CmdKickAlias,
		Description: "Kick an alias from the given groupchat. (requires the user Handle/Alias not JID)",
		Label:       "Kick alias",
		Usage: "Usage: !kick-alias <roomname> alias=<alias>\n" +
			"e.g: !kick-alias room1408 alias=foo bar",
		MinArgs:  2,
		Requires: KeyAlias,
	},
}

// Specs returns the command grammar in dispatch order.
func Specs() []Spec {
	out := make([]Spec, len(catalog))
	copy(out, catalog)
	return out
}

// Lookup finds the command whose name prefixes body.
func Lookup(body string) (Spec, error) {
	body = strings.TrimSpace(body)
	for _, s := range catalog {
		if strings.HasPrefix(body, s.Name) {
			return s, nil
		}
	}
	return Spec{}, ErrNotACommand
}

// Parser turns a message into a Command.
type Parser struct {
	Normalizer address.Normalizer
}

// Parse tokenizes msg.Body according to spec.  sender is the resolved bare
// identity of the author and is used for Fallback parameters.
func (p Parser) Parse(spec Spec, msg muc.Message, sender string) (*Command, error) {
	tokens := strings.Fields(msg.Body)
	if len(tokens) == 0 || !strings.HasPrefix(tokens[0], "!") {
		return nil, ErrNotACommand
	}

	cmd := &Command{
		Name:   spec.Name,
		Args:   tokens[1:],
		Sender: sender,
		Origin: msg.Room,
		Params: make(map[string]string),
	}

	usage := &UsageError{Label: spec.Label, Usage: spec.Usage}
	if len(cmd.Args) < spec.MinArgs {
		return nil, usage
	}
	if len(cmd.Args) > 0 {
		cmd.Room = p.Normalizer.Room(cmd.Args[0])
	}

	for _, key := range []string{KeyOwner, KeyAdmin, KeyUser} {
		if v := scanParam(cmd.Args, key); v != "" {
			cmd.Params[key] = p.Normalizer.Identity(v)
		}
	}
	if alias := aliasParam(msg.Body); alias != "" {
		cmd.Params[KeyAlias] = alias
	}

	if spec.Requires != "" {
		if _, ok := cmd.Param(spec.Requires); !ok {
			return nil, usage
		}
	}
	if spec.Fallback != "" {
		if _, ok := cmd.Param(spec.Fallback); !ok {
			if sender == "" {
				return nil, fmt.Errorf("%s: no %s= given and sender identity is unknown", spec.Name, spec.Fallback)
			}
			cmd.Params[spec.Fallback] = p.Normalizer.Identity(sender)
		}
	}
	return cmd, nil
}

// scanParam returns the value of the last token containing "key=".  The
// value ends at the next '=' if any.
func scanParam(tokens []string, key string) string {
	marker := key + "="
	value := ""
	for _, tok := range tokens {
		i := strings.Index(tok, marker)
		if i < 0 {
			continue
		}
		v := tok[i+len(marker):]
		if j := strings.IndexByte(v, '='); j >= 0 {
			v = v[:j]
		}
		value = strings.TrimSpace(v)
	}
	return value
}

// aliasParam returns the text after "alias=" in the part of body following
// the room token.  Nicknames may contain spaces, so the value runs to the end
// of the body.
func aliasParam(body string) string {
	rest := strings.TrimLeftFunc(body, unicode.IsSpace)
	for range 2 {
		i := strings.IndexFunc(rest, unicode.IsSpace)
		if i < 0 {
			return ""
		}
		rest = strings.TrimLeftFunc(rest[i:], unicode.IsSpace)
	}
	i := strings.Index(rest, KeyAlias+"=")
	if i < 0 {
		return ""
	}
	return strings.TrimSpace(rest[i+len(KeyAlias)+1:])
}
