package store_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bdobrica/roombot/internal/roombot/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "roombot-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp db file: %v", err)
	}
	f.Close()

	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNew_AppliesMigrations(t *testing.T) {
	s := newTestStore(t)

	v, err := s.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != 2 {
		t.Errorf("schema version: got %d, want 2", v)
	}
}

func TestNew_ReopenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")

	s1, err := store.New(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := s1.WriteAudit(context.Background(), "t_1", "a@x", "!help", "", store.ResultSuccess, nil, ""); err != nil {
		t.Fatalf("WriteAudit: %v", err)
	}
	s1.Close()

	s2, err := store.New(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s2.Close()

	n, err := s2.CountAudit(context.Background(), "")
	if err != nil {
		t.Fatalf("CountAudit: %v", err)
	}
	if n != 1 {
		t.Errorf("entries after reopen: got %d, want 1", n)
	}
}

// --- Audit ---

func TestWriteAudit_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.WriteAudit(ctx, "t_abc", "john@example.com", "!make-room", "sales@conference.example.com",
		store.ResultSuccess, store.AuditPayload{"owner": "john@example.com"}, "")
	if err != nil {
		t.Fatalf("WriteAudit: %v", err)
	}

	entries, err := s.GetAuditByTrace(ctx, "t_abc")
	if err != nil {
		t.Fatalf("GetAuditByTrace: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries: got %d, want 1", len(entries))
	}
	e := entries[0]
	if e.Actor != "john@example.com" || e.Action != "!make-room" {
		t.Errorf("unexpected entry: %+v", e)
	}
	if !e.Target.Valid || e.Target.String != "sales@conference.example.com" {
		t.Errorf("target: got %+v", e.Target)
	}
	if !e.PayloadJSON.Valid || e.PayloadJSON.String != `{"owner":"john@example.com"}` {
		t.Errorf("payload: got %+v", e.PayloadJSON)
	}
	if e.ErrorMessage.Valid {
		t.Errorf("error message should be NULL, got %q", e.ErrorMessage.String)
	}
}

func TestGetAuditLog_NewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, action := range []string{"!help", "!set-owner", "!destroy-room"} {
		if err := s.WriteAudit(ctx, "t_x", "a@x", action, "", store.ResultSuccess, nil, ""); err != nil {
			t.Fatalf("WriteAudit %s: %v", action, err)
		}
	}

	entries, err := s.GetAuditLog(ctx, 2)
	if err != nil {
		t.Fatalf("GetAuditLog: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries: got %d, want 2", len(entries))
	}
	if entries[0].Action != "!destroy-room" || entries[1].Action != "!set-owner" {
		t.Errorf("order: got %s, %s", entries[0].Action, entries[1].Action)
	}
}

func TestCountAudit_ByResult(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	writes := []string{store.ResultSuccess, store.ResultDenied, store.ResultError, store.ResultDenied}
	for _, r := range writes {
		if err := s.WriteAudit(ctx, "t", "a@x", "!destroy-room", "r@c", r, nil, ""); err != nil {
			t.Fatalf("WriteAudit: %v", err)
		}
	}

	tests := []struct {
		result string
		want   int
	}{
		{"", 4},
		{store.ResultDenied, 2},
		{store.ResultSuccess, 1},
		{"unknown", 0},
	}
	for _, tt := range tests {
		got, err := s.CountAudit(ctx, tt.result)
		if err != nil {
			t.Fatalf("CountAudit(%q): %v", tt.result, err)
		}
		if got != tt.want {
			t.Errorf("CountAudit(%q): got %d, want %d", tt.result, got, tt.want)
		}
	}
}

// --- Probe samples ---

func TestProbeSamples_UpsertAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)

	samples := []store.ProbeSample{
		{Room: "support@conference.example.com", At: at, RTT: 42 * time.Millisecond},
		{Room: "sales@conference.example.com", At: at, Error: "timeout"},
		{Room: "support@conference.example.com", At: at.Add(time.Minute), RTT: 10 * time.Millisecond},
	}
	for _, p := range samples {
		if err := s.SaveProbeSample(ctx, p); err != nil {
			t.Fatalf("SaveProbeSample: %v", err)
		}
	}

	got, err := s.ListProbeSamples(ctx)
	if err != nil {
		t.Fatalf("ListProbeSamples: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("samples: got %d, want 2", len(got))
	}
	if got[0].Room != "sales@conference.example.com" || got[0].Error != "timeout" || got[0].RTT != 0 {
		t.Errorf("sales sample: %+v", got[0])
	}
	if got[1].RTT != 10*time.Millisecond {
		t.Errorf("support rtt: got %v, want 10ms", got[1].RTT)
	}
	if !got[1].At.Equal(at.Add(time.Minute)) {
		t.Errorf("support ts: got %v", got[1].At)
	}
}
