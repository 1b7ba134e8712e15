package commands

import (
	"github.com/bdobrica/roombot/internal/roombot/address"
)

// Allowlist is the fixed set of identities allowed to run privileged
// commands.  It is built once at startup and only read afterwards.
type Allowlist struct {
	ids map[string]struct{}
}

// NewAllowlist builds an allowlist from bare identities.
func NewAllowlist(identities []string) *Allowlist {
	a := &Allowlist{ids: make(map[string]struct{}, len(identities))}
	for _, id := range identities {
		a.ids[address.Bare(id)] = struct{}{}
	}
	return a
}

// Allows reports whether identity is on the allowlist.
func (a *Allowlist) Allows(identity string) bool {
	if a == nil || identity == "" {
		return false
	}
	_, ok := a.ids[address.Bare(identity)]
	return ok
}

// Authorize returns a NotAuthorizedError unless spec is unprivileged or
// sender is on the allowlist.  Only !destroy-room is privileged; the
// affiliation commands stay open.
func (a *Allowlist) Authorize(spec Spec, sender string) error {
	if !spec.Privileged || a.Allows(sender) {
		return nil
	}
	return &NotAuthorizedError{Command: spec.Label, Sender: sender}
}
