// Package version holds roombot's build stamp.  The values are set with
//
//	go build -ldflags "-X github.com/bdobrica/roombot/common/version.Version=v1.2.0 \
//	    -X github.com/bdobrica/roombot/common/version.GitCommit=$(git rev-parse --short HEAD)"
//
// and are reported by --version, the /health and /status pages and the
// user agent roombot presents to the homeserver.
package version

import "strings"

var (
	Version   = "v0.0.0-dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Info returns "<version> (<commit>)", adding the build time when stamped.
func Info() string {
	s := Version + " (" + GitCommit + ")"
	if BuildTime != "unknown" {
		s += " built at " + BuildTime
	}
	return s
}

// UserAgent returns "roombot/<version>" with the leading "v" dropped.
func UserAgent() string {
	return "roombot/" + strings.TrimPrefix(Version, "v")
}
