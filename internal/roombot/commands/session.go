package commands

import (
	"sync/atomic"
	"time"
)

// DefaultReplayWindow is how long after a (re)join messages are ignored,
// so history replayed by the server is not executed again.
const DefaultReplayWindow = 10 * time.Second

// Session is the bot's process-wide chat state.  The uptime marker is
// written by the transport's session-start callback and read by the router
// from a different goroutine.
type Session struct {
	Nick     string
	HomeRoom string
	Window   time.Duration

	uptime atomic.Int64
}

// NewSession returns a session whose uptime marker is now.
func NewSession(nick, homeRoom string, window time.Duration) *Session {
	if window <= 0 {
		window = DefaultReplayWindow
	}
	s := &Session{Nick: nick, HomeRoom: homeRoom, Window: window}
	s.MarkJoined(time.Now())
	return s
}

// MarkJoined resets the replay-suppression window to start at t.
func (s *Session) MarkJoined(t time.Time) {
	s.uptime.Store(t.UnixNano())
}

// Uptime returns the time of the last (re)join.
func (s *Session) Uptime() time.Time {
	return time.Unix(0, s.uptime.Load())
}

// InReplayWindow reports whether a message received at t falls inside the
// grace window after the last (re)join.
func (s *Session) InReplayWindow(t time.Time) bool {
	return t.Sub(s.Uptime()) <= s.Window
}
