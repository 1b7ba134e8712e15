// Package address normalizes room and member identifiers to their fully
// qualified "local@domain" form.
package address

import (
	"strings"
)

// Normalizer appends the configured domains to bare names.  The zero value
// leaves names unchanged.
type Normalizer struct {
	// MemberDomain is the domain of user identities (e.g. "example.com").
	MemberDomain string
	// ConferenceDomain is the domain of the MUC service (e.g. "conf.example.com").
	ConferenceDomain string
}

// Room returns room qualified with the conference domain.  A room that
// already has a domain is returned as-is, so Room is idempotent.
func (n Normalizer) Room(room string) string {
	return qualify(strings.TrimSpace(room), n.ConferenceDomain)
}

// Identity returns the bare identity qualified with the member domain.
// Any resource suffix ("/phone") is stripped first.
func (n Normalizer) Identity(identity string) string {
	return qualify(Bare(strings.TrimSpace(identity)), n.MemberDomain)
}

// Bare strips a resource suffix from an identity.
func Bare(identity string) string {
	if i := strings.IndexByte(identity, '/'); i >= 0 {
		return identity[:i]
	}
	return identity
}

// Local returns the part of an identifier before the '@'.
func Local(identifier string) string {
	if i := strings.IndexByte(identifier, '@'); i >= 0 {
		return identifier[:i]
	}
	return identifier
}

// Domain returns the part of an identifier after the '@', or "".
func Domain(identifier string) string {
	if i := strings.IndexByte(identifier, '@'); i >= 0 {
		return Bare(identifier[i+1:])
	}
	return ""
}

func qualify(name, domain string) string {
	if name == "" || domain == "" {
		return name
	}
	// Already qualified, possibly with another domain.
	if strings.Contains(name, "@") {
		return name
	}
	return name + "@" + domain
}
