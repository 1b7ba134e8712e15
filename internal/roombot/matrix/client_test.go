package matrix_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/roombot/common/retry"
	"github.com/bdobrica/roombot/internal/roombot/address"
	"github.com/bdobrica/roombot/internal/roombot/commands"
	"github.com/bdobrica/roombot/internal/roombot/matrix"
	"github.com/bdobrica/roombot/internal/roombot/muc"
)

const (
	botToken   = "syt_roombot"
	botUser    = id.UserID("@roombot:example.com")
	janeUser   = id.UserID("@jane:example.com")
	bobUser    = id.UserID("@bob:example.com")
	confDomain = "conference.example.com"
	homeRoom   = "bots@" + confDomain
)

type powerLevels struct {
	Users map[id.UserID]int `json:"users"`
}

// newClient returns a client with fresh caches, as after a restart.
func newClient(t *testing.T, hs *homeserver) *matrix.Client {
	t.Helper()
	c, err := matrix.New(matrix.Config{
		Homeserver:  hs.URL(),
		Identity:    "roombot@example.com",
		AccessToken: botToken,
		HomeRoom:    homeRoom,
		ConfDomain:  confDomain,
	})
	if err != nil {
		t.Fatalf("matrix.New: %v", err)
	}
	return c
}

func newTestHomeserver(t *testing.T) *homeserver {
	t.Helper()
	hs := newHomeserver(t, "example.com")
	hs.addUser(botToken, botUser)
	return hs
}

// command parses and runs body against svc as john would from the home room.
func command(t *testing.T, svc muc.Service, body string) (string, error) {
	t.Helper()
	spec, err := commands.Lookup(body)
	if err != nil {
		t.Fatalf("Lookup(%q): %v", body, err)
	}
	parser := commands.Parser{Normalizer: address.Normalizer{MemberDomain: "example.com", ConferenceDomain: confDomain}}
	cmd, err := parser.Parse(spec, muc.Message{Room: homeRoom, Body: body}, "john@example.com")
	if err != nil {
		t.Fatalf("Parse(%q): %v", body, err)
	}
	h := commands.NewHandlers(commands.HandlersConfig{
		MUC:    svc,
		Nick:   "roombot",
		Settle: retry.Config{MaxAttempts: 4, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})
	handler, ok := h.For(cmd.Name)
	if !ok {
		t.Fatalf("no handler for %s", cmd.Name)
	}
	return handler(context.Background(), cmd)
}

func TestClient_RoomsResolveAfterRestart(t *testing.T) {
	hs := newTestHomeserver(t)
	ctx := context.Background()

	if err := newClient(t, hs).Join(ctx, "sales@"+confDomain, "roombot"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if !hs.exists("sales") {
		t.Fatal("room should be created as #sales:example.com")
	}

	fresh := newClient(t, hs)
	exists, err := fresh.RoomExists(ctx, "sales@"+confDomain)
	if err != nil || !exists {
		t.Fatalf("RoomExists after restart: %v, %v", exists, err)
	}
	rooms, err := fresh.JoinedRooms(ctx)
	if err != nil {
		t.Fatalf("JoinedRooms: %v", err)
	}
	if !slices.Contains(rooms, "sales@"+confDomain) {
		t.Errorf("joined rooms: got %v", rooms)
	}
}

func TestClient_MakeRoomTwiceAcrossRestarts(t *testing.T) {
	hs := newTestHomeserver(t)

	first, err := command(t, newClient(t, hs), "!make-room sales owner=jane")
	if err != nil {
		t.Fatalf("first make-room: %v", err)
	}
	if !strings.Contains(first, "added, owner set to jane@example.com") {
		t.Errorf("first reply: %q", first)
	}
	// jane is only invited, so the bot keeps the persistent room alive.
	if got := hs.membership("sales", botUser); got != "join" {
		t.Errorf("bot membership: got %q, want join", got)
	}
	if got := hs.membership("sales", janeUser); got != "invite" {
		t.Errorf("jane membership: got %q, want invite", got)
	}

	second, err := command(t, newClient(t, hs), "!make-room sales owner=jane")
	if err != nil {
		t.Fatalf("second make-room: %v", err)
	}
	if want := "sales@conference.example.com exists, set to persistent and owner set to jane@example.com."; second != want {
		t.Errorf("second reply: got %q, want %q", second, want)
	}

	var pl powerLevels
	hs.state(t, "sales", "m.room.power_levels", &pl)
	if pl.Users[janeUser] != 100 {
		t.Errorf("jane power level: got %d, want 100", pl.Users[janeUser])
	}
	var form muc.Form
	hs.state(t, "sales", matrix.EventRoomConfig.Type, &form)
	if !form.Persistent() {
		t.Errorf("room config: got %v", form)
	}
}

func TestClient_ChangesRoomItIsNotIn(t *testing.T) {
	hs := newTestHomeserver(t)
	hs.seedRoom("support", "public", janeUser)

	reply, err := command(t, newClient(t, hs), "!set-owner support owner=bob")
	if err != nil {
		t.Fatalf("set-owner: %v", err)
	}
	if want := "bob@example.com added as owner for groupchat support@conference.example.com"; reply != want {
		t.Errorf("reply: got %q, want %q", reply, want)
	}

	var pl powerLevels
	hs.state(t, "support", "m.room.power_levels", &pl)
	if pl.Users[bobUser] != 100 || pl.Users[janeUser] != 100 {
		t.Errorf("power levels: got %v", pl.Users)
	}
	var form muc.Form
	hs.state(t, "support", matrix.EventRoomConfig.Type, &form)
	if !form.Persistent() {
		t.Errorf("room config: got %v", form)
	}
	if got := hs.membership("support", botUser); got != "leave" {
		t.Errorf("bot should leave a room others keep alive; membership %q", got)
	}
}

func TestClient_DropOwnerJoinsAndLeaves(t *testing.T) {
	hs := newTestHomeserver(t)
	hs.seedRoom("support", "public", janeUser, bobUser)

	if _, err := command(t, newClient(t, hs), "!drop-owner support owner=bob"); err != nil {
		t.Fatalf("drop-owner: %v", err)
	}
	var pl powerLevels
	hs.state(t, "support", "m.room.power_levels", &pl)
	if pl.Users[bobUser] != 0 || pl.Users[janeUser] != 100 {
		t.Errorf("power levels: got %v", pl.Users)
	}
	if got := hs.membership("support", botUser); got != "leave" {
		t.Errorf("bot membership: got %q, want leave", got)
	}
}

func TestClient_InviteOnlyRoomIsForbidden(t *testing.T) {
	hs := newTestHomeserver(t)
	hs.seedRoom("private", "invite", janeUser)

	_, err := newClient(t, hs).GetConfig(context.Background(), "private@"+confDomain)
	if !errors.Is(err, mautrix.MForbidden) {
		t.Errorf("expected M_FORBIDDEN, got %v", err)
	}
}

func TestClient_SendsToJoinedAuditRoom(t *testing.T) {
	hs := newTestHomeserver(t)
	ctx := context.Background()
	c := newClient(t, hs)

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Join(ctx, "audit@"+confDomain, "roombot"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := c.Send(ctx, "audit@"+confDomain, "room provisioned"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := hs.messages("audit"); len(got) != 1 || got[0] != "room provisioned" {
		t.Errorf("audit room messages: %v", got)
	}
	if got := hs.membership("bots", botUser); got != "join" {
		t.Errorf("home room membership: got %q", got)
	}
}
