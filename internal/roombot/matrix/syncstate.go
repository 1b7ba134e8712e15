package matrix

import (
	"context"
	"database/sql"
	"errors"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

var _ mautrix.SyncStore = (*SyncState)(nil)

const (
	keyFilterID  = "filter_id"
	keyNextBatch = "next_batch"
)

// SyncState persists the /sync position in the matrix_sync_state table so a
// restarted bot resumes where it stopped instead of receiving old commands
// again.
type SyncState struct {
	db *sql.DB
}

// NewSyncState returns a SyncState on db.  The store migrations must have
// been applied.
func NewSyncState(db *sql.DB) *SyncState {
	return &SyncState{db: db}
}

func (s *SyncState) SaveFilterID(ctx context.Context, userID id.UserID, filterID string) error {
	return s.put(ctx, userID, keyFilterID, filterID)
}

func (s *SyncState) LoadFilterID(ctx context.Context, userID id.UserID) (string, error) {
	return s.get(ctx, userID, keyFilterID)
}

func (s *SyncState) SaveNextBatch(ctx context.Context, userID id.UserID, nextBatchToken string) error {
	return s.put(ctx, userID, keyNextBatch, nextBatchToken)
}

// LoadNextBatch returns "" on first run.
func (s *SyncState) LoadNextBatch(ctx context.Context, userID id.UserID) (string, error) {
	return s.get(ctx, userID, keyNextBatch)
}

func (s *SyncState) put(ctx context.Context, userID id.UserID, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO matrix_sync_state (user_id, key, value) VALUES (?, ?, ?)
		ON CONFLICT(user_id, key) DO UPDATE SET value = excluded.value
	`, userID.String(), key, value)
	return err
}

func (s *SyncState) get(ctx context.Context, userID id.UserID, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM matrix_sync_state WHERE user_id = ? AND key = ?`,
		userID.String(), key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}
