package matrix_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"maunium.net/go/mautrix/id"
)

// homeserver is an in-memory client-server API with the membership rules
// the adapter depends on: room state, members and messages need a joined
// user, invite-only rooms need an invite, and a room nobody is joined to
// cannot be entered again.
type homeserver struct {
	name string
	srv  *httptest.Server

	mu      sync.Mutex
	users   map[string]id.UserID
	rooms   map[id.RoomID]*hsRoom
	aliases map[id.RoomAlias]id.RoomID
	seq     int
}

type hsRoom struct {
	joinRule   string
	membership map[id.UserID]string
	state      map[string]json.RawMessage
	messages   []string
}

func newHomeserver(t *testing.T, name string) *homeserver {
	t.Helper()
	hs := &homeserver{
		name:    name,
		users:   make(map[string]id.UserID),
		rooms:   make(map[id.RoomID]*hsRoom),
		aliases: make(map[id.RoomAlias]id.RoomID),
	}
	hs.srv = httptest.NewServer(http.HandlerFunc(hs.serve))
	t.Cleanup(hs.srv.Close)
	return hs
}

func (hs *homeserver) URL() string { return hs.srv.URL }

// addUser registers an access token for user.
func (hs *homeserver) addUser(token string, user id.UserID) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.users[token] = user
}

// seedRoom creates #local:name with members joined and given owner power.
func (hs *homeserver) seedRoom(local, joinRule string, members ...id.UserID) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	roomID, room := hs.newRoomLocked(joinRule)
	alias := id.NewRoomAlias(local, hs.name)
	hs.aliases[alias] = roomID
	levels := make(map[id.UserID]int)
	for _, m := range members {
		room.membership[m] = "join"
		levels[m] = 100
	}
	room.setState("m.room.power_levels", "", map[string]any{"users": levels, "users_default": 0})
	room.setState("m.room.canonical_alias", "", map[string]any{"alias": alias})
}

func (hs *homeserver) roomLocked(local string) *hsRoom {
	roomID, ok := hs.aliases[id.NewRoomAlias(local, hs.name)]
	if !ok {
		return nil
	}
	return hs.rooms[roomID]
}

// exists reports whether #local:name resolves.
func (hs *homeserver) exists(local string) bool {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.roomLocked(local) != nil
}

func (hs *homeserver) membership(local string, user id.UserID) string {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if room := hs.roomLocked(local); room != nil {
		return room.membership[user]
	}
	return ""
}

func (hs *homeserver) setMembership(local string, user id.UserID, membership string) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.roomLocked(local).membership[user] = membership
}

// state decodes the state event evtType of #local:name into v.
func (hs *homeserver) state(t *testing.T, local, evtType string, v any) {
	t.Helper()
	hs.mu.Lock()
	defer hs.mu.Unlock()
	room := hs.roomLocked(local)
	if room == nil {
		t.Fatalf("no room #%s:%s", local, hs.name)
	}
	raw, ok := room.state[stateKey(evtType, "")]
	if !ok {
		t.Fatalf("#%s:%s has no %s state", local, hs.name, evtType)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatalf("decode %s: %v", evtType, err)
	}
}

func (hs *homeserver) messages(local string) []string {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if room := hs.roomLocked(local); room != nil {
		return append([]string(nil), room.messages...)
	}
	return nil
}

func (hs *homeserver) newRoomLocked(joinRule string) (id.RoomID, *hsRoom) {
	hs.seq++
	roomID := id.RoomID(fmt.Sprintf("!room%d:%s", hs.seq, hs.name))
	room := &hsRoom{
		joinRule:   joinRule,
		membership: make(map[id.UserID]string),
		state:      make(map[string]json.RawMessage),
	}
	room.setState("m.room.join_rules", "", map[string]any{"join_rule": joinRule})
	hs.rooms[roomID] = room
	return roomID, room
}

func stateKey(evtType, key string) string { return evtType + "|" + key }

func (r *hsRoom) setState(evtType, key string, content any) {
	b, _ := json.Marshal(content)
	r.state[stateKey(evtType, key)] = b
}

func (r *hsRoom) joined() []id.UserID {
	var users []id.UserID
	for u, m := range r.membership {
		if m == "join" {
			users = append(users, u)
		}
	}
	return users
}

func (hs *homeserver) serve(w http.ResponseWriter, r *http.Request) {
	hs.mu.Lock()
	defer hs.mu.Unlock()

	path, ok := strings.CutPrefix(r.URL.Path, "/_matrix/client/v3/")
	if !ok {
		hsError(w, http.StatusNotFound, "M_UNRECOGNIZED", "unknown endpoint")
		return
	}
	user, ok := hs.users[strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")]
	if !ok {
		hsError(w, http.StatusUnauthorized, "M_UNKNOWN_TOKEN", "unknown access token")
		return
	}

	parts := strings.Split(path, "/")
	switch {
	case len(parts) == 3 && parts[0] == "directory" && parts[1] == "room":
		hs.directory(w, r, id.RoomAlias(parts[2]))
	case path == "createRoom" && r.Method == http.MethodPost:
		hs.createRoom(w, r, user)
	case path == "joined_rooms":
		rooms := []id.RoomID{}
		for roomID, room := range hs.rooms {
			if room.membership[user] == "join" {
				rooms = append(rooms, roomID)
			}
		}
		hsJSON(w, map[string]any{"joined_rooms": rooms})
	case len(parts) == 2 && parts[0] == "join":
		roomID := id.RoomID(parts[1])
		if strings.HasPrefix(parts[1], "#") {
			roomID = hs.aliases[id.RoomAlias(parts[1])]
		}
		hs.roomRequest(w, r, user, roomID, []string{"join"})
	case len(parts) >= 3 && parts[0] == "rooms":
		hs.roomRequest(w, r, user, id.RoomID(parts[1]), parts[2:])
	default:
		hsError(w, http.StatusNotFound, "M_UNRECOGNIZED", "unknown endpoint")
	}
}

func (hs *homeserver) directory(w http.ResponseWriter, r *http.Request, alias id.RoomAlias) {
	roomID, ok := hs.aliases[alias]
	if !ok {
		hsError(w, http.StatusNotFound, "M_NOT_FOUND", "room alias not found")
		return
	}
	if r.Method == http.MethodDelete {
		delete(hs.aliases, alias)
		hsJSON(w, map[string]any{})
		return
	}
	hsJSON(w, map[string]any{"room_id": roomID, "servers": []string{hs.name}})
}

func (hs *homeserver) createRoom(w http.ResponseWriter, r *http.Request, user id.UserID) {
	var req struct {
		Preset        string `json:"preset"`
		RoomAliasName string `json:"room_alias_name"`
		Name          string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		hsError(w, http.StatusBadRequest, "M_BAD_JSON", err.Error())
		return
	}
	alias := id.NewRoomAlias(req.RoomAliasName, hs.name)
	if _, taken := hs.aliases[alias]; taken && req.RoomAliasName != "" {
		hsError(w, http.StatusBadRequest, "M_ROOM_IN_USE", "room alias already taken")
		return
	}

	joinRule := "invite"
	if req.Preset == "public_chat" {
		joinRule = "public"
	}
	roomID, room := hs.newRoomLocked(joinRule)
	room.membership[user] = "join"
	room.setState("m.room.power_levels", "", map[string]any{"users": map[id.UserID]int{user: 100}, "users_default": 0})
	room.setState("m.room.name", "", map[string]any{"name": req.Name})
	if req.RoomAliasName != "" {
		hs.aliases[alias] = roomID
		room.setState("m.room.canonical_alias", "", map[string]any{"alias": alias})
	}
	hsJSON(w, map[string]any{"room_id": roomID})
}

func (hs *homeserver) roomRequest(w http.ResponseWriter, r *http.Request, user id.UserID, roomID id.RoomID, rest []string) {
	room, ok := hs.rooms[roomID]
	if !ok {
		hsError(w, http.StatusNotFound, "M_NOT_FOUND", "unknown room")
		return
	}
	if rest[0] == "join" {
		switch {
		case room.membership[user] == "join":
		case len(room.joined()) == 0:
			hsError(w, http.StatusNotFound, "M_NOT_FOUND", "no known servers")
			return
		case room.joinRule != "public" && room.membership[user] != "invite":
			hsError(w, http.StatusForbidden, "M_FORBIDDEN", "you are not invited to this room")
			return
		}
		room.membership[user] = "join"
		hsJSON(w, map[string]any{"room_id": roomID})
		return
	}
	if room.membership[user] != "join" {
		hsError(w, http.StatusForbidden, "M_FORBIDDEN", fmt.Sprintf("user %s not in room %s", user, roomID))
		return
	}

	switch rest[0] {
	case "leave":
		room.membership[user] = "leave"
		hsJSON(w, map[string]any{})
	case "invite", "kick":
		var req struct {
			UserID id.UserID `json:"user_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			hsError(w, http.StatusBadRequest, "M_BAD_JSON", err.Error())
			return
		}
		if rest[0] == "invite" {
			room.membership[req.UserID] = "invite"
		} else {
			room.membership[req.UserID] = "leave"
		}
		hsJSON(w, map[string]any{})
	case "joined_members":
		joined := make(map[id.UserID]map[string]string)
		for _, u := range room.joined() {
			joined[u] = map[string]string{}
		}
		hsJSON(w, map[string]any{"joined": joined})
	case "state":
		if len(rest) < 2 {
			hsError(w, http.StatusNotFound, "M_UNRECOGNIZED", "unknown endpoint")
			return
		}
		key := ""
		if len(rest) > 2 {
			key = rest[2]
		}
		hs.stateRequest(w, r, room, rest[1], key)
	case "send":
		var msg struct {
			Body string `json:"body"`
		}
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			hsError(w, http.StatusBadRequest, "M_BAD_JSON", err.Error())
			return
		}
		room.messages = append(room.messages, msg.Body)
		hs.seq++
		hsJSON(w, map[string]any{"event_id": fmt.Sprintf("$event%d", hs.seq)})
	default:
		hsError(w, http.StatusNotFound, "M_UNRECOGNIZED", "unknown endpoint")
	}
}

func (hs *homeserver) stateRequest(w http.ResponseWriter, r *http.Request, room *hsRoom, evtType, key string) {
	if r.Method == http.MethodPut {
		var content json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&content); err != nil {
			hsError(w, http.StatusBadRequest, "M_BAD_JSON", err.Error())
			return
		}
		room.state[stateKey(evtType, key)] = content
		hs.seq++
		hsJSON(w, map[string]any{"event_id": fmt.Sprintf("$event%d", hs.seq)})
		return
	}
	content, ok := room.state[stateKey(evtType, key)]
	if !ok {
		hsError(w, http.StatusNotFound, "M_NOT_FOUND", "event not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(content)
}

func hsJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func hsError(w http.ResponseWriter, code int, errcode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"errcode": errcode, "error": msg})
}
