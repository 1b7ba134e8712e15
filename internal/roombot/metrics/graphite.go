// Package metrics ships samples to a Graphite-compatible collector using the
// plaintext protocol: one "<namespace> <value> <timestamp>\n" line per sample.
package metrics

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

// DefaultTimeout bounds connect and write of one sample.
const DefaultTimeout = 2 * time.Second

// Sample is one measurement.  Value is in the unit the namespace implies
// (seconds for *_rtt).
type Sample struct {
	Namespace string
	Value     float64
	Timestamp time.Time
}

// Line returns the plaintext wire form of s, including the trailing newline.
// Value uses the shortest decimal representation; the timestamp is whole
// epoch seconds.
func (s Sample) Line() string {
	return fmt.Sprintf("%s %s %d\n",
		s.Namespace,
		strconv.FormatFloat(s.Value, 'f', -1, 64),
		s.Timestamp.Unix(),
	)
}

// Graphite sends each sample over a fresh TCP connection.  It holds no
// connection between sends, so a collector restart never wedges it.
type Graphite struct {
	addr    string
	timeout time.Duration
}

// NewGraphite returns a sender for the collector at addr ("host:port").
// A zero timeout uses DefaultTimeout.
func NewGraphite(addr string, timeout time.Duration) *Graphite {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Graphite{addr: addr, timeout: timeout}
}

// Addr returns the collector address.
func (g *Graphite) Addr() string { return g.addr }

// Send dials the collector, writes one line and closes the connection.
// The whole exchange shares one deadline.
func (g *Graphite) Send(ctx context.Context, s Sample) error {
	deadline := time.Now().Add(g.timeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", g.addr)
	if err != nil {
		return fmt.Errorf("metrics: dial %s: %w", g.addr, err)
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("metrics: set deadline: %w", err)
	}
	if _, err := conn.Write([]byte(s.Line())); err != nil {
		return fmt.Errorf("metrics: write %s: %w", s.Namespace, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		// Half-close so the collector sees EOF right after the line.
		if err := tcp.CloseWrite(); err != nil {
			return fmt.Errorf("metrics: close write: %w", err)
		}
	}
	return nil
}
