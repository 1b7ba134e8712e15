package commands_test

import (
	"errors"
	"testing"

	"github.com/bdobrica/roombot/internal/roombot/address"
	"github.com/bdobrica/roombot/internal/roombot/commands"
	"github.com/bdobrica/roombot/internal/roombot/muc"
)

const (
	memberDomain = "example.com"
	confDomain   = "conference.example.com"
	botNick      = "roombot"
	homeRoom     = "bots@conference.example.com"
)

var testParser = commands.Parser{Normalizer: address.Normalizer{
	MemberDomain:     memberDomain,
	ConferenceDomain: confDomain,
}}

// parse looks up and parses body as if john sent it in the home room.
func parse(t *testing.T, body, sender string) *commands.Command {
	t.Helper()
	spec, err := commands.Lookup(body)
	if err != nil {
		t.Fatalf("Lookup(%q): %v", body, err)
	}
	cmd, err := testParser.Parse(spec, muc.Message{Room: homeRoom, Body: body}, sender)
	if err != nil {
		t.Fatalf("Parse(%q): %v", body, err)
	}
	return cmd
}

func TestLookup(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{"!help", commands.CmdHelp},
		{"  !make-room sales", commands.CmdMakeRoom},
		{"!destroy-room sales", commands.CmdDestroyRoom},
		{"!set-owner sales owner=jane", commands.CmdSetOwner},
		{"!drop-owner sales owner=jane", commands.CmdDropOwner},
		{"!set-admin sales", commands.CmdSetAdmin},
		{"!drop-admin sales admin=jane", commands.CmdDropAdmin},
		{"!kick-alias sales alias=foo bar", commands.CmdKickAlias},
		// Prefix matching, as the grammar has always behaved.
		{"!helpme", commands.CmdHelp},
	}
	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			spec, err := commands.Lookup(tt.body)
			if err != nil {
				t.Fatalf("Lookup: %v", err)
			}
			if spec.Name != tt.want {
				t.Errorf("got %q, want %q", spec.Name, tt.want)
			}
		})
	}
}

func TestLookup_NotACommand(t *testing.T) {
	for _, body := range []string{"", "hello there", "!unknown", "make-room sales", "/help"} {
		if _, err := commands.Lookup(body); !errors.Is(err, commands.ErrNotACommand) {
			t.Errorf("Lookup(%q): expected ErrNotACommand, got %v", body, err)
		}
	}
}

func TestParse_MakeRoomFallsBackToSender(t *testing.T) {
	cmd := parse(t, "!make-room sales", "john@example.com")

	if cmd.Room != "sales@conference.example.com" {
		t.Errorf("Room: got %q", cmd.Room)
	}
	if owner, _ := cmd.Param(commands.KeyOwner); owner != "john@example.com" {
		t.Errorf("owner: got %q, want sender", owner)
	}
}

func TestParse_QualifiesRoomAndIdentity(t *testing.T) {
	tests := []struct {
		body      string
		wantRoom  string
		wantKey   string
		wantValue string
	}{
		{"!set-owner room1408 owner=john.cusack", "room1408@conference.example.com", commands.KeyOwner, "john.cusack@example.com"},
		{"!set-owner room1408@conference.example.com owner=john.cusack@example.com", "room1408@conference.example.com", commands.KeyOwner, "john.cusack@example.com"},
		{"!set-admin room1408 admin=some.person/phone", "room1408@conference.example.com", commands.KeyAdmin, "some.person@example.com"},
		{"!drop-admin room1408 admin=john.cusack", "room1408@conference.example.com", commands.KeyAdmin, "john.cusack@example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			cmd := parse(t, tt.body, "someone@example.com")
			if cmd.Room != tt.wantRoom {
				t.Errorf("Room: got %q, want %q", cmd.Room, tt.wantRoom)
			}
			if v, _ := cmd.Param(tt.wantKey); v != tt.wantValue {
				t.Errorf("%s: got %q, want %q", tt.wantKey, v, tt.wantValue)
			}
		})
	}
}

func TestParse_KickAliasKeepsSpaces(t *testing.T) {
	tests := []string{
		"!kick-alias room1408 alias=foo bar",
		"!kick-alias\troom1408\talias=foo bar",
		"!kick-alias\nroom1408\nalias=foo bar\n",
		"  !kick-alias   room1408 \t alias=foo bar",
	}
	for _, body := range tests {
		t.Run(body, func(t *testing.T) {
			cmd := parse(t, body, "john@example.com")
			if cmd.Room != "room1408@conference.example.com" {
				t.Errorf("Room: got %q", cmd.Room)
			}
			if alias, _ := cmd.Param(commands.KeyAlias); alias != "foo bar" {
				t.Errorf("alias: got %q, want %q", alias, "foo bar")
			}
		})
	}
}

func TestParse_UsageErrors(t *testing.T) {
	tests := []struct {
		body      string
		wantLabel string
	}{
		{"!make-room", "Add groupchat"},
		{"!destroy-room", "destroy-room"},
		{"!set-owner", "Set owner"},
		{"!drop-owner room1", "Drop owner"},
		{"!drop-owner room1 owner=", "Drop owner"},
		{"!drop-admin room1", "Drop admin"},
		{"!kick-alias room1", "Kick alias"},
		{"!kick-alias room1 foo", "Kick alias"},
	}
	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			spec, err := commands.Lookup(tt.body)
			if err != nil {
				t.Fatalf("Lookup: %v", err)
			}
			_, err = testParser.Parse(spec, muc.Message{Room: homeRoom, Body: tt.body}, "john@example.com")
			var usage *commands.UsageError
			if !errors.As(err, &usage) {
				t.Fatalf("expected UsageError, got %v", err)
			}
			if usage.Label != tt.wantLabel {
				t.Errorf("Label: got %q, want %q", usage.Label, tt.wantLabel)
			}
		})
	}
}

func TestParse_FallbackNeedsSender(t *testing.T) {
	spec, _ := commands.Lookup("!set-owner sales")
	_, err := testParser.Parse(spec, muc.Message{Body: "!set-owner sales"}, "")
	if err == nil {
		t.Fatal("expected error when neither owner= nor sender is known")
	}
	var usage *commands.UsageError
	if errors.As(err, &usage) {
		t.Errorf("unknown sender should not be reported as a usage error: %v", err)
	}
}

func TestUsageError_Reply(t *testing.T) {
	spec, _ := commands.Lookup("!drop-owner room1")
	_, err := testParser.Parse(spec, muc.Message{Body: "!drop-owner room1"}, "john@example.com")

	var usage *commands.UsageError
	if !errors.As(err, &usage) {
		t.Fatalf("expected UsageError, got %v", err)
	}
	want := "Drop owner: not enough params given.\n" +
		"Usage: !drop-owner <roomname> owner=<user.name>\n" +
		"e.g: !drop-owner room1408 owner=john.cusack"
	if got := usage.Reply(); got != want {
		t.Errorf("Reply:\n got %q\nwant %q", got, want)
	}
}

func TestSpecs_DispatchOrder(t *testing.T) {
	want := []string{
		commands.CmdHelp, commands.CmdMakeRoom, commands.CmdDestroyRoom,
		commands.CmdSetOwner, commands.CmdDropOwner, commands.CmdSetAdmin,
		commands.CmdDropAdmin, commands.CmdKickAlias,
	}
	specs := commands.Specs()
	if len(specs) != len(want) {
		t.Fatalf("got %d specs, want %d", len(specs), len(want))
	}
	for i, s := range specs {
		if s.Name != want[i] {
			t.Errorf("spec %d: got %q, want %q", i, s.Name, want[i])
		}
	}
}

func TestAllowlist_Authorize(t *testing.T) {
	allow := commands.NewAllowlist([]string{"alice@example.com", "bob@example.com/laptop"})
	destroy, _ := commands.Lookup("!destroy-room x")
	setOwner, _ := commands.Lookup("!set-owner x")

	tests := []struct {
		name    string
		spec    commands.Spec
		sender  string
		allowed bool
	}{
		{"admin may destroy", destroy, "alice@example.com", true},
		{"resource is ignored", destroy, "bob@example.com/phone", true},
		{"non-admin may not destroy", destroy, "mallory@example.com", false},
		{"unknown sender may not destroy", destroy, "", false},
		{"set-owner is not gated", setOwner, "mallory@example.com", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := allow.Authorize(tt.spec, tt.sender)
			if tt.allowed && err != nil {
				t.Fatalf("expected allowed, got %v", err)
			}
			if !tt.allowed {
				var denied *commands.NotAuthorizedError
				if !errors.As(err, &denied) {
					t.Fatalf("expected NotAuthorizedError, got %v", err)
				}
			}
		})
	}
}
