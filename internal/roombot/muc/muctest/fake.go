// Package muctest provides an in-memory muc.Service that records every call,
// for testing the command engine and health monitor without a chat server.
package muctest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bdobrica/roombot/internal/roombot/muc"
)

// Call is one recorded invocation.
type Call struct {
	Op   string
	Args []string
}

func (c Call) String() string {
	return c.Op + "(" + strings.Join(c.Args, ", ") + ")"
}

// Room is the fake server-side state of a room.
type Room struct {
	Config       muc.Form
	Affiliations map[string]muc.Affiliation
	// Occupants maps nickname → bare identity.
	Occupants map[string]string
}

// Fake is a muc.Service backed by maps.  The zero value is not usable; call New.
type Fake struct {
	mu     sync.Mutex
	rooms  map[string]*Room
	joined map[string]bool
	calls  []Call
	sent   []Sent

	// Fail makes the named operation (e.g. "SetAffiliation") return the error.
	Fail map[string]error
	// PingRTT is returned by Ping for every room not listed in Fail.
	PingRTT time.Duration
	// ConfigLag is the number of GetConfig calls after a SubmitConfig that
	// still return the previous form, simulating slow propagation.
	ConfigLag int

	pendingLag map[string]int
	staleForm  map[string]muc.Form
}

// Sent is a recorded outbound groupchat message.
type Sent struct {
	Room string
	Body string
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		rooms:      make(map[string]*Room),
		joined:     make(map[string]bool),
		Fail:       make(map[string]error),
		pendingLag: make(map[string]int),
		staleForm:  make(map[string]muc.Form),
	}
}

// AddRoom registers an existing room.
func (f *Fake) AddRoom(room string) *Room {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addRoomLocked(room)
}

func (f *Fake) addRoomLocked(room string) *Room {
	r, ok := f.rooms[room]
	if !ok {
		r = &Room{
			Config:       muc.Form{muc.FieldPersistent: "0"},
			Affiliations: make(map[string]muc.Affiliation),
			Occupants:    make(map[string]string),
		}
		f.rooms[room] = r
	}
	return r
}

// AddOccupant places identity in room under nick.
func (f *Fake) AddOccupant(room, nick, identity string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addRoomLocked(room).Occupants[nick] = identity
}

// MarkJoined records the bot as already occupying room.
func (f *Fake) MarkJoined(room string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addRoomLocked(room)
	f.joined[room] = true
}

// Room returns a snapshot of the room state, or nil.
func (f *Fake) Room(room string) *Room {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rooms[room]
	if !ok {
		return nil
	}
	cp := &Room{
		Config:       make(muc.Form, len(r.Config)),
		Affiliations: make(map[string]muc.Affiliation, len(r.Affiliations)),
		Occupants:    make(map[string]string, len(r.Occupants)),
	}
	for k, v := range r.Config {
		cp.Config[k] = v
	}
	for k, v := range r.Affiliations {
		cp.Affiliations[k] = v
	}
	for k, v := range r.Occupants {
		cp.Occupants[k] = v
	}
	return cp
}

// IsJoined reports whether the bot occupies room.
func (f *Fake) IsJoined(room string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.joined[room]
}

// Calls returns the recorded calls, excluding Send.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]Call, len(f.calls))
	copy(cp, f.calls)
	return cp
}

// CallsTo returns the recorded calls to op.
func (f *Fake) CallsTo(op string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Ops returns the names of the recorded calls in order.
func (f *Fake) Ops() []string {
	calls := f.Calls()
	ops := make([]string, len(calls))
	for i, c := range calls {
		ops[i] = c.Op
	}
	return ops
}

// Sent returns the recorded outbound messages.
func (f *Fake) Sent() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]Sent, len(f.sent))
	copy(cp, f.sent)
	return cp
}

// Reset forgets recorded calls and messages but keeps room state.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
	f.sent = nil
}

func (f *Fake) record(op string, args ...string) error {
	f.calls = append(f.calls, Call{Op: op, Args: args})
	return f.Fail[op]
}

func (f *Fake) RoomExists(_ context.Context, room string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("RoomExists", room); err != nil {
		return false, err
	}
	_, ok := f.rooms[room]
	return ok, nil
}

func (f *Fake) Join(_ context.Context, room, nick string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Join", room, nick); err != nil {
		return err
	}
	f.addRoomLocked(room).Occupants[nick] = ""
	f.joined[room] = true
	return nil
}

func (f *Fake) Leave(_ context.Context, room, nick string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Leave", room, nick); err != nil {
		return err
	}
	if r, ok := f.rooms[room]; ok {
		delete(r.Occupants, nick)
		// Non-persistent rooms vanish with their last occupant.
		if len(r.Occupants) == 0 && !r.Config.Persistent() {
			delete(f.rooms, room)
		}
	}
	delete(f.joined, room)
	return nil
}

func (f *Fake) Destroy(_ context.Context, room, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Destroy", room, reason); err != nil {
		return err
	}
	if _, ok := f.rooms[room]; !ok {
		return fmt.Errorf("item-not-found: %s", room)
	}
	delete(f.rooms, room)
	delete(f.joined, room)
	return nil
}

func (f *Fake) SetAffiliation(_ context.Context, room, identity string, aff muc.Affiliation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("SetAffiliation", room, identity, string(aff)); err != nil {
		return err
	}
	r, ok := f.rooms[room]
	if !ok {
		return fmt.Errorf("item-not-found: %s", room)
	}
	r.Affiliations[identity] = aff
	return nil
}

func (f *Fake) SetRole(_ context.Context, room, nick string, role muc.Role) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("SetRole", room, nick, string(role)); err != nil {
		return err
	}
	r, ok := f.rooms[room]
	if !ok {
		return fmt.Errorf("item-not-found: %s", room)
	}
	if _, ok := r.Occupants[nick]; !ok {
		return muc.ErrNoSuchOccupant
	}
	if role == muc.RoleNone {
		delete(r.Occupants, nick)
	}
	return nil
}

func (f *Fake) GetConfig(_ context.Context, room string) (muc.Form, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetConfig", room); err != nil {
		return nil, err
	}
	r, ok := f.rooms[room]
	if !ok {
		return nil, fmt.Errorf("item-not-found: %s", room)
	}
	src := r.Config
	if f.pendingLag[room] > 0 {
		f.pendingLag[room]--
		src = f.staleForm[room]
	}
	form := make(muc.Form, len(src))
	for k, v := range src {
		form[k] = v
	}
	return form, nil
}

func (f *Fake) SubmitConfig(_ context.Context, room string, form muc.Form) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("SubmitConfig", room, formString(form)); err != nil {
		return err
	}
	r, ok := f.rooms[room]
	if !ok {
		return fmt.Errorf("item-not-found: %s", room)
	}
	if f.ConfigLag > 0 {
		f.staleForm[room] = r.Config
		f.pendingLag[room] = f.ConfigLag
	}
	next := make(muc.Form, len(form))
	for k, v := range form {
		next[k] = v
	}
	r.Config = next
	return nil
}

func (f *Fake) Invite(_ context.Context, room, identity, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record("Invite", room, identity, reason)
}

func (f *Fake) JoinedRooms(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("JoinedRooms"); err != nil {
		return nil, err
	}
	rooms := make([]string, 0, len(f.joined))
	for r := range f.joined {
		rooms = append(rooms, r)
	}
	sort.Strings(rooms)
	return rooms, nil
}

func (f *Fake) Ping(_ context.Context, room string) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Fail["Ping:"+room]; err != nil {
		f.calls = append(f.calls, Call{Op: "Ping", Args: []string{room}})
		return 0, err
	}
	if err := f.record("Ping", room); err != nil {
		return 0, err
	}
	return f.PingRTT, nil
}

func (f *Fake) SenderIdentity(_ context.Context, room, nick string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("SenderIdentity", room, nick); err != nil {
		return "", err
	}
	if r, ok := f.rooms[room]; ok {
		if id := r.Occupants[nick]; id != "" {
			return id, nil
		}
	}
	return "", muc.ErrNoSuchOccupant
}

func (f *Fake) Send(_ context.Context, room, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, Sent{Room: room, Body: body})
	return f.Fail["Send"]
}

func formString(form muc.Form) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + form[k]
	}
	return strings.Join(parts, ",")
}

var _ muc.Service = (*Fake)(nil)
