// Package matrix implements muc.Service on a Matrix homeserver.
//
// Rooms are addressed by alias on the homeserver's server name: with the
// bot at "@roombot:example.com", the room "sales@conf.example.com" is the
// Matrix room "#sales:example.com".  The identity "jane@example.com" is the
// user "@jane:example.com".  Affiliations and roles become power levels; the
// room configuration form is kept in an im.roombot.room_config state event.
//
// Reading or changing room state needs membership, so operations on a room
// the bot is not in join it first and leave again afterwards.
package matrix

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
	"maunium.net/go/mautrix/synapseadmin"

	"github.com/bdobrica/roombot/common/redact"
	"github.com/bdobrica/roombot/common/retry"
	"github.com/bdobrica/roombot/common/trace"
	"github.com/bdobrica/roombot/common/version"
	"github.com/bdobrica/roombot/internal/roombot/address"
	"github.com/bdobrica/roombot/internal/roombot/muc"
)

// HomeserverSynapse enables the Synapse admin API for Destroy.
const HomeserverSynapse = "synapse"

// EventRoomConfig holds the room configuration form.
var EventRoomConfig = event.Type{Type: "im.roombot.room_config", Class: event.StateEventType}

var _ muc.Service = (*Client)(nil)

// Config holds Matrix client configuration.
type Config struct {
	Homeserver     string
	HomeserverType string
	// Identity is the bot's own "user@server".
	Identity    string
	Password    string
	AccessToken string
	// HomeRoom is the only room whose messages are delivered.
	HomeRoom string
	// ConfDomain is the domain of room addresses.  Its rooms get aliases on
	// the server name of Identity.
	ConfDomain string
	// DB persists the sync position.  When nil an in-memory store is used
	// and history is replayed on restart.
	DB *sql.DB
	// OnSessionStart is called with the current time on the first sync
	// response after every (re)connect.
	OnSessionStart func(time.Time)
	// Login bounds password login attempts.
	Login retry.Config
}

// DefaultLogin is the password login backoff.
var DefaultLogin = retry.Config{MaxAttempts: 10, InitialDelay: 2 * time.Second, MaxDelay: 2 * time.Minute}

// Client wraps a mautrix client.
type Client struct {
	cfg    Config
	client *mautrix.Client
	admin  *synapseadmin.Client
	userID id.UserID
	naming Naming

	messages chan muc.Message
	fresh    atomic.Bool

	mu    sync.RWMutex
	ids   map[string]id.RoomID
	addrs map[id.RoomID]string
}

// New creates a client.  It does not contact the homeserver.
func New(cfg Config) (*Client, error) {
	userID, err := UserID(cfg.Identity)
	if err != nil {
		return nil, fmt.Errorf("matrix: %w", err)
	}
	_, server, _ := userID.Parse()
	cli, err := mautrix.NewClient(cfg.Homeserver, userID, cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Matrix client: %w", err)
	}
	cli.UserAgent = version.UserAgent()
	if cfg.Login.MaxAttempts == 0 {
		cfg.Login = DefaultLogin
	}

	if cfg.DB != nil {
		cli.Store = NewSyncState(cfg.DB)
		slog.Info("Matrix sync store: using persistent SQLite store")
	} else {
		cli.Store = mautrix.NewMemorySyncStore()
		slog.Warn("Matrix sync store: no DB configured, history will replay on restart")
	}

	c := &Client{
		cfg:      cfg,
		client:   cli,
		admin:    &synapseadmin.Client{Client: cli},
		userID:   userID,
		naming:   Naming{ConfDomain: cfg.ConfDomain, Server: server},
		messages: make(chan muc.Message, 64),
		ids:      make(map[string]id.RoomID),
		addrs:    make(map[id.RoomID]string),
	}

	syncer := cli.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, c.handleMessage)
	syncer.OnSync(func(_ context.Context, _ *mautrix.RespSync, _ string) bool {
		if c.fresh.CompareAndSwap(true, false) && c.cfg.OnSessionStart != nil {
			c.cfg.OnSessionStart(time.Now())
		}
		return true
	})
	return c, nil
}

// Messages delivers inbound home-room text messages.
func (c *Client) Messages() <-chan muc.Message { return c.messages }

// Connect logs in when no access token is configured and joins the home
// room.
func (c *Client) Connect(ctx context.Context) error {
	if c.client.AccessToken == "" {
		if err := c.login(ctx); err != nil {
			return err
		}
	}
	if err := c.Join(ctx, c.cfg.HomeRoom, ""); err != nil {
		return fmt.Errorf("failed to join home room %s: %w", c.cfg.HomeRoom, err)
	}
	return nil
}

func (c *Client) login(ctx context.Context) error {
	local, _, _ := c.userID.Parse()
	attempt := 0
	cfg := c.cfg.Login
	cfg.ShouldRetry = func(err error) bool {
		return !errors.Is(err, mautrix.MForbidden) &&
			!errors.Is(err, mautrix.MUnknownToken) &&
			!errors.Is(err, mautrix.MInvalidParam)
	}
	err := retry.Do(ctx, cfg, func() error {
		attempt++
		slog.Info("logging into Matrix", "user", c.userID, "homeserver", c.cfg.Homeserver, "attempt", attempt)
		resp, err := c.client.Login(ctx, &mautrix.ReqLogin{
			Type:                     mautrix.AuthTypePassword,
			Identifier:               mautrix.UserIdentifier{Type: mautrix.IdentifierTypeUser, User: local},
			Password:                 c.cfg.Password,
			InitialDeviceDisplayName: "roombot",
			StoreCredentials:         true,
		})
		if err != nil {
			return err
		}
		slog.Info("logged into Matrix", "user", resp.UserID, "device", resp.DeviceID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("matrix login: %s", redact.String(err.Error(), c.cfg.Password))
	}
	return nil
}

// Run syncs until ctx is cancelled, reconnecting with exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	const (
		backoffMin = 2 * time.Second
		backoffMax = 5 * time.Minute
	)
	backoff := backoffMin
	for {
		c.fresh.Store(true)
		started := time.Now()
		err := c.client.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			return nil
		}
		if time.Since(started) > backoffMax {
			backoff = backoffMin
		}
		slog.Error("Matrix sync stopped; reconnecting",
			"err", redact.String(err.Error(), c.cfg.AccessToken, c.client.AccessToken), "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

func (c *Client) handleMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == c.client.UserID {
		return
	}
	content := evt.Content.AsMessage()
	if content == nil || content.MsgType != event.MsgText {
		return
	}
	room := c.addressOf(ctx, evt.RoomID)
	if room != c.cfg.HomeRoom {
		return
	}

	msg := muc.Message{
		Sender:     Identity(evt.Sender),
		SenderNick: c.nickOf(ctx, evt.RoomID, evt.Sender),
		Room:       room,
		Body:       content.Body,
		ReceivedAt: time.UnixMilli(evt.Timestamp),
	}
	select {
	case c.messages <- msg:
	case <-ctx.Done():
	}
}

// nickOf returns the sender's display name in the room, or its localpart.
func (c *Client) nickOf(ctx context.Context, roomID id.RoomID, userID id.UserID) string {
	var member event.MemberEventContent
	if err := c.client.StateEvent(ctx, roomID, event.StateMember, userID.String(), &member); err == nil && member.Displayname != "" {
		return member.Displayname
	}
	local, _, _ := userID.Parse()
	return local
}

func (c *Client) remember(room string, roomID id.RoomID) {
	c.mu.Lock()
	c.ids[room] = roomID
	c.addrs[roomID] = room
	c.mu.Unlock()
}

func (c *Client) forget(room string) {
	c.mu.Lock()
	if roomID, ok := c.ids[room]; ok {
		delete(c.addrs, roomID)
	}
	delete(c.ids, room)
	c.mu.Unlock()
}

// addressOf maps a room ID to its address via the cache, falling back to the
// room's canonical alias.  Unknown rooms map to "".
func (c *Client) addressOf(ctx context.Context, roomID id.RoomID) string {
	c.mu.RLock()
	room, ok := c.addrs[roomID]
	c.mu.RUnlock()
	if ok {
		return room
	}
	var canonical event.CanonicalAliasEventContent
	if err := c.client.StateEvent(ctx, roomID, event.StateCanonicalAlias, "", &canonical); err != nil || canonical.Alias == "" {
		return ""
	}
	room = c.naming.Room(canonical.Alias)
	c.remember(room, roomID)
	return room
}

// resolve maps a room address to its room ID.
func (c *Client) resolve(ctx context.Context, room string) (id.RoomID, error) {
	c.mu.RLock()
	roomID, ok := c.ids[room]
	c.mu.RUnlock()
	if ok {
		return roomID, nil
	}
	alias, err := c.naming.Alias(room)
	if err != nil {
		return "", err
	}
	resp, err := c.client.ResolveAlias(ctx, alias)
	if err != nil {
		return "", err
	}
	c.remember(room, resp.RoomID)
	return resp.RoomID, nil
}

// RoomExists resolves the room alias.
func (c *Client) RoomExists(ctx context.Context, room string) (bool, error) {
	_, err := c.resolve(ctx, room)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, mautrix.MNotFound):
		return false, nil
	}
	return false, fmt.Errorf("failed to resolve %s: %w", room, err)
}

// Join joins room, creating it under its alias when it does not exist.
func (c *Client) Join(ctx context.Context, room, _ string) error {
	roomID, err := c.resolve(ctx, room)
	if errors.Is(err, mautrix.MNotFound) {
		return c.create(ctx, room)
	}
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", room, err)
	}
	if _, err := c.client.JoinRoomByID(ctx, roomID); err != nil {
		return fmt.Errorf("failed to join %s: %w", room, err)
	}
	slog.Debug("matrix: joined room", "room", room, "room_id", roomID, "trace", trace.FromContext(ctx))
	return nil
}

// create makes room under its alias.  Rooms are unlisted but open to join so
// the bot can enter them again after it leaves.
func (c *Client) create(ctx context.Context, room string) error {
	alias, err := c.naming.Alias(room)
	if err != nil {
		return err
	}
	if _, server, _ := strings.Cut(string(alias), ":"); server != c.naming.Server {
		return fmt.Errorf("cannot create %s: aliases on %s are not managed by %s: %w", room, server, c.naming.Server, muc.ErrUnsupported)
	}
	local := address.Local(room)
	resp, err := c.client.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Visibility:    "private",
		Preset:        "public_chat",
		RoomAliasName: local,
		Name:          local,
	})
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", room, err)
	}
	c.remember(room, resp.RoomID)
	slog.Info("matrix: created room", "room", room, "room_id", resp.RoomID, "trace", trace.FromContext(ctx))
	return nil
}

// Leave leaves room.  The bot stays when it is the last member of a
// persistent room, since a room nobody on the homeserver is in cannot be
// joined again.
func (c *Client) Leave(ctx context.Context, room, _ string) error {
	roomID, err := c.resolve(ctx, room)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", room, err)
	}
	return c.leave(ctx, room, roomID)
}

func (c *Client) leave(ctx context.Context, room string, roomID id.RoomID) error {
	members, err := c.client.JoinedMembers(ctx, roomID)
	if err == nil && len(members.Joined) <= 1 {
		if form, err := c.readConfig(ctx, roomID); err == nil && form.Persistent() {
			slog.Info("matrix: staying in persistent room as its last member", "room", room, "trace", trace.FromContext(ctx))
			return nil
		}
	}
	if _, err := c.client.LeaveRoom(ctx, roomID); err != nil {
		return fmt.Errorf("failed to leave %s: %w", room, err)
	}
	return nil
}

// ensureJoined joins room when the bot is not a member.  The returned func
// leaves again if ensureJoined joined.
func (c *Client) ensureJoined(ctx context.Context, room string, roomID id.RoomID) (func(), error) {
	resp, err := c.client.JoinedRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list joined rooms: %w", err)
	}
	if slices.Contains(resp.JoinedRooms, roomID) {
		return func() {}, nil
	}
	if _, err := c.client.JoinRoomByID(ctx, roomID); err != nil {
		return nil, fmt.Errorf("failed to join %s: %w", room, err)
	}
	slog.Debug("matrix: joined room to change it", "room", room, "room_id", roomID, "trace", trace.FromContext(ctx))
	return func() {
		if err := c.leave(ctx, room, roomID); err != nil {
			slog.Warn("matrix: failed to leave room after changing it", "room", room, "err", err)
		}
	}, nil
}

// Destroy purges the room through the Synapse admin API, or on other
// homeservers kicks every member, removes the alias and leaves.
func (c *Client) Destroy(ctx context.Context, room, reason string) error {
	roomID, err := c.resolve(ctx, room)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", room, err)
	}
	defer c.forget(room)

	if c.cfg.HomeserverType == HomeserverSynapse {
		if _, err := c.admin.DeleteRoom(ctx, roomID, synapseadmin.ReqDeleteRoom{Purge: true, Message: reason}); err != nil {
			return fmt.Errorf("failed to delete %s: %w", room, err)
		}
		return nil
	}

	members, err := c.client.JoinedMembers(ctx, roomID)
	if err != nil {
		return fmt.Errorf("failed to list members of %s: %w", room, err)
	}
	for userID := range members.Joined {
		if userID == c.client.UserID {
			continue
		}
		if _, err := c.client.KickUser(ctx, roomID, &mautrix.ReqKickUser{UserID: userID, Reason: reason}); err != nil {
			return fmt.Errorf("failed to remove %s from %s: %w", userID, room, err)
		}
	}
	alias, _ := c.naming.Alias(room)
	if _, err := c.client.DeleteAlias(ctx, alias); err != nil {
		return fmt.Errorf("failed to delete alias %s: %w", alias, err)
	}
	if _, err := c.client.LeaveRoom(ctx, roomID); err != nil {
		return fmt.Errorf("failed to leave %s: %w", room, err)
	}
	return nil
}

// SetAffiliation sets the identity's power level.
func (c *Client) SetAffiliation(ctx context.Context, room, identity string, aff muc.Affiliation) error {
	level, err := affiliationLevel(aff)
	if err != nil {
		return err
	}
	userID, err := UserID(identity)
	if err != nil {
		return err
	}
	return c.setLevel(ctx, room, userID, level)
}

// SetRole kicks the occupant for RoleNone and otherwise sets its power level.
func (c *Client) SetRole(ctx context.Context, room, nick string, role muc.Role) error {
	roomID, err := c.resolve(ctx, room)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", room, err)
	}
	release, err := c.ensureJoined(ctx, room, roomID)
	if err != nil {
		return err
	}
	defer release()
	userID, err := c.occupant(ctx, roomID, nick)
	if err != nil {
		return err
	}
	if role == muc.RoleNone {
		if _, err := c.client.KickUser(ctx, roomID, &mautrix.ReqKickUser{UserID: userID}); err != nil {
			return fmt.Errorf("failed to kick %s from %s: %w", nick, room, err)
		}
		return nil
	}
	level, err := roleLevel(role)
	if err != nil {
		return err
	}
	return c.setLevel(ctx, room, userID, level)
}

func (c *Client) setLevel(ctx context.Context, room string, userID id.UserID, level int) error {
	roomID, err := c.resolve(ctx, room)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", room, err)
	}
	release, err := c.ensureJoined(ctx, room, roomID)
	if err != nil {
		return err
	}
	defer release()
	var pl event.PowerLevelsEventContent
	if err := c.client.StateEvent(ctx, roomID, event.StatePowerLevels, "", &pl); err != nil {
		return fmt.Errorf("failed to read power levels of %s: %w", room, err)
	}
	pl.SetUserLevel(userID, level)
	if _, err := c.client.SendStateEvent(ctx, roomID, event.StatePowerLevels, "", &pl); err != nil {
		return fmt.Errorf("failed to set power level of %s in %s: %w", userID, room, err)
	}
	return nil
}

// occupant finds the joined member whose display name or localpart is nick.
func (c *Client) occupant(ctx context.Context, roomID id.RoomID, nick string) (id.UserID, error) {
	members, err := c.client.JoinedMembers(ctx, roomID)
	if err != nil {
		return "", fmt.Errorf("failed to list members: %w", err)
	}
	for userID, m := range members.Joined {
		local, _, _ := userID.Parse()
		if m.DisplayName == nick || local == nick {
			return userID, nil
		}
	}
	return "", fmt.Errorf("nick %q: %w", nick, muc.ErrNoSuchOccupant)
}

// SenderIdentity resolves an occupant nick to its identity.
func (c *Client) SenderIdentity(ctx context.Context, room, nick string) (string, error) {
	roomID, err := c.resolve(ctx, room)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", room, err)
	}
	userID, err := c.occupant(ctx, roomID, nick)
	if err != nil {
		return "", err
	}
	return Identity(userID), nil
}

// GetConfig reads the configuration form; a room without one has an empty
// form.
func (c *Client) GetConfig(ctx context.Context, room string) (muc.Form, error) {
	roomID, err := c.resolve(ctx, room)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", room, err)
	}
	release, err := c.ensureJoined(ctx, room, roomID)
	if err != nil {
		return nil, err
	}
	defer release()
	form, err := c.readConfig(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration of %s: %w", room, err)
	}
	return form, nil
}

func (c *Client) readConfig(ctx context.Context, roomID id.RoomID) (muc.Form, error) {
	form := muc.Form{}
	err := c.client.StateEvent(ctx, roomID, EventRoomConfig, "", &form)
	if err != nil && !errors.Is(err, mautrix.MNotFound) {
		return nil, err
	}
	return form, nil
}

// SubmitConfig replaces the configuration form.
func (c *Client) SubmitConfig(ctx context.Context, room string, form muc.Form) error {
	roomID, err := c.resolve(ctx, room)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", room, err)
	}
	release, err := c.ensureJoined(ctx, room, roomID)
	if err != nil {
		return err
	}
	defer release()
	if _, err := c.client.SendStateEvent(ctx, roomID, EventRoomConfig, "", form); err != nil {
		return fmt.Errorf("failed to submit configuration of %s: %w", room, err)
	}
	return nil
}

// Invite invites identity to room.
func (c *Client) Invite(ctx context.Context, room, identity, reason string) error {
	roomID, err := c.resolve(ctx, room)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", room, err)
	}
	userID, err := UserID(identity)
	if err != nil {
		return err
	}
	if _, err := c.client.InviteUser(ctx, roomID, &mautrix.ReqInviteUser{UserID: userID, Reason: reason}); err != nil {
		return fmt.Errorf("failed to invite %s to %s: %w", identity, room, err)
	}
	return nil
}

// JoinedRooms lists the addresses of joined rooms.  Rooms without an alias
// are omitted.
func (c *Client) JoinedRooms(ctx context.Context) ([]string, error) {
	resp, err := c.client.JoinedRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list joined rooms: %w", err)
	}
	rooms := make([]string, 0, len(resp.JoinedRooms))
	for _, roomID := range resp.JoinedRooms {
		if room := c.addressOf(ctx, roomID); room != "" {
			rooms = append(rooms, room)
		}
	}
	return rooms, nil
}

// Ping times an alias lookup for room.
func (c *Client) Ping(ctx context.Context, room string) (time.Duration, error) {
	alias, err := c.naming.Alias(room)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	resp, err := c.client.ResolveAlias(ctx, alias)
	if err != nil {
		return 0, fmt.Errorf("failed to ping %s: %w", room, err)
	}
	rtt := time.Since(start)
	c.remember(room, resp.RoomID)
	return rtt, nil
}

// Send posts a text message to room.
func (c *Client) Send(ctx context.Context, room, body string) error {
	roomID, err := c.resolve(ctx, room)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", room, err)
	}
	if _, err := c.client.SendText(ctx, roomID, body); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}
