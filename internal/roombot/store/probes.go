package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"
)

// ProbeSample is the latest round-trip measurement for one room.  RTT is
// zero and Error is set when the probe failed.
type ProbeSample struct {
	Room  string
	At    time.Time
	RTT   time.Duration
	Error string
}

// SaveProbeSample replaces the stored sample for s.Room.
func (s *Store) SaveProbeSample(ctx context.Context, sample ProbeSample) error {
	var rtt sql.NullFloat64
	if sample.Error == "" {
		rtt = sql.NullFloat64{Float64: sample.RTT.Seconds(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO probe_samples (room, ts, rtt_seconds, error)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(room) DO UPDATE SET
			ts = excluded.ts,
			rtt_seconds = excluded.rtt_seconds,
			error = excluded.error
	`, sample.Room, sample.At.UTC(), rtt, nullable(sample.Error))
	if err != nil {
		return fmt.Errorf("failed to save probe sample for %s: %w", sample.Room, err)
	}
	return nil
}

// ListProbeSamples returns the latest sample of every probed room, ordered
// by room.
func (s *Store) ListProbeSamples(ctx context.Context) ([]ProbeSample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT room, ts, rtt_seconds, error FROM probe_samples ORDER BY room
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query probe samples: %w", err)
	}
	defer rows.Close()

	var out []ProbeSample
	for rows.Next() {
		var (
			p    ProbeSample
			rtt  sql.NullFloat64
			perr sql.NullString
		)
		if err := rows.Scan(&p.Room, &p.At, &rtt, &perr); err != nil {
			return nil, fmt.Errorf("failed to scan probe sample: %w", err)
		}
		if rtt.Valid {
			p.RTT = time.Duration(math.Round(rtt.Float64 * float64(time.Second)))
		}
		p.Error = perr.String
		out = append(out, p)
	}
	return out, rows.Err()
}
