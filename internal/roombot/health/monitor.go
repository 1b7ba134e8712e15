// Package health measures the round-trip time of a fixed list of rooms and
// reports it to the metrics collector.
package health

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bdobrica/roombot/internal/roombot/address"
	"github.com/bdobrica/roombot/internal/roombot/metrics"
	"github.com/bdobrica/roombot/internal/roombot/store"
)

// NamespacePrefix is prepended to every RTT metric.
const NamespacePrefix = "general.voice.minutely.jabber."

// DefaultInterval is the probe period.
const DefaultInterval = 60 * time.Second

// Namespace returns the metric name for room: the local part with every
// character outside [A-Za-z0-9] replaced by '_', suffixed with "_rtt".
func Namespace(room string) string {
	local := address.Local(room)
	var b strings.Builder
	b.Grow(len(NamespacePrefix) + len(local) + 4)
	b.WriteString(NamespacePrefix)
	for _, r := range local {
		if r < 128 && (r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	b.WriteString("_rtt")
	return b.String()
}

// Pinger measures the round trip to a room.
type Pinger interface {
	Ping(ctx context.Context, room string) (time.Duration, error)
}

// Sink receives samples.
type Sink interface {
	Send(ctx context.Context, s metrics.Sample) error
}

// Recorder persists the latest result per room.  Optional.
type Recorder interface {
	SaveProbeSample(ctx context.Context, sample store.ProbeSample) error
}

// Result is the outcome of one probe.
type Result struct {
	Room      string        `json:"room"`
	Namespace string        `json:"namespace"`
	At        time.Time     `json:"at"`
	RTT       time.Duration `json:"rtt_ns"`
	Error     string        `json:"error,omitempty"`
}

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	Rooms    []string
	Interval time.Duration
	Pinger   Pinger
	Sink     Sink
	Recorder Recorder
	// Now defaults to time.Now.
	Now func() time.Time
}

// Monitor probes every configured room once per tick.  Tick is called from
// the application's event loop; Last may be called from any goroutine.
type Monitor struct {
	rooms    []string
	interval time.Duration
	pinger   Pinger
	sink     Sink
	recorder Recorder
	now      func() time.Time

	mu   sync.RWMutex
	last map[string]Result
}

// NewMonitor creates a Monitor.
func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	rooms := make([]string, len(cfg.Rooms))
	copy(rooms, cfg.Rooms)
	return &Monitor{
		rooms:    rooms,
		interval: cfg.Interval,
		pinger:   cfg.Pinger,
		sink:     cfg.Sink,
		recorder: cfg.Recorder,
		now:      cfg.Now,
		last:     make(map[string]Result, len(rooms)),
	}
}

// Interval returns the probe period.
func (m *Monitor) Interval() time.Duration { return m.interval }

// Rooms returns the probed rooms.
func (m *Monitor) Rooms() []string {
	out := make([]string, len(m.rooms))
	copy(out, m.rooms)
	return out
}

// Tick probes every room in order.  A failing probe or metrics send is
// logged and never stops the remaining rooms.
func (m *Monitor) Tick(ctx context.Context) []Result {
	results := make([]Result, 0, len(m.rooms))
	for _, room := range m.rooms {
		if ctx.Err() != nil {
			break
		}
		results = append(results, m.probe(ctx, room))
	}
	return results
}

func (m *Monitor) probe(ctx context.Context, room string) Result {
	res := Result{Room: room, Namespace: Namespace(room)}

	rtt, err := m.pinger.Ping(ctx, room)
	res.At = m.now()
	if err != nil {
		res.Error = err.Error()
		slog.Warn("health: ping failed", "room", room, "err", err)
	} else {
		res.RTT = rtt
		slog.Debug("health: ping", "room", room, "rtt", rtt)
		if m.sink != nil {
			sample := metrics.Sample{Namespace: res.Namespace, Value: rtt.Seconds(), Timestamp: res.At}
			if err := m.sink.Send(ctx, sample); err != nil {
				slog.Warn("health: failed to send metric", "namespace", res.Namespace, "err", err)
			}
		}
	}

	m.mu.Lock()
	m.last[room] = res
	m.mu.Unlock()

	if m.recorder != nil {
		if err := m.recorder.SaveProbeSample(ctx, store.ProbeSample{
			Room: room, At: res.At, RTT: res.RTT, Error: res.Error,
		}); err != nil {
			slog.Warn("health: failed to record sample", "room", room, "err", err)
		}
	}
	return res
}

// Last returns the most recent result of every probed room, ordered by room.
func (m *Monitor) Last() []Result {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Result, 0, len(m.last))
	for _, r := range m.last {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Room < out[j].Room })
	return out
}
