package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SessionRecord is the durable projection of a conversation session,
// independent of the Conversation Manager's in-memory state.
type SessionRecord struct {
	SessionID         string
	ProjectID         string
	TaskID            string
	WorktreeDirectory string
	Title             string
	ModelProviderID   string
	ModelID           string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	LastMessageAt     *time.Time
}

type sessionRow struct {
	SessionID         string `db:"session_id"`
	ProjectID         string `db:"project_id"`
	TaskID            string `db:"task_id"`
	WorktreeDirectory string `db:"worktree_directory"`
	Title             sql.NullString
	ModelProviderID   sql.NullString `db:"model_provider_id"`
	ModelID           sql.NullString `db:"model_id"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
	LastMessageAt     sql.NullTime   `db:"last_message_at"`
}

// SessionStore exposes the store as a conversation session repository.
type SessionStore struct{ s *Store }

// Sessions returns a SessionStore view onto this Store.
func (s *Store) Sessions() *SessionStore { return &SessionStore{s: s} }

// Save upserts a conversation session record.
func (ss *SessionStore) Save(ctx context.Context, rec SessionRecord) error {
	var lastMessageAt sql.NullTime
	if rec.LastMessageAt != nil {
		lastMessageAt = sql.NullTime{Time: *rec.LastMessageAt, Valid: true}
	}
	_, err := ss.s.db.ExecContext(ctx, `
		INSERT INTO conversation_sessions
			(session_id, project_id, task_id, worktree_directory, title, model_provider_id, model_id, created_at, updated_at, last_message_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			title = excluded.title,
			model_provider_id = excluded.model_provider_id,
			model_id = excluded.model_id,
			updated_at = excluded.updated_at,
			last_message_at = excluded.last_message_at
	`, rec.SessionID, rec.ProjectID, rec.TaskID, rec.WorktreeDirectory, nullIfEmpty(rec.Title),
		nullIfEmpty(rec.ModelProviderID), nullIfEmpty(rec.ModelID), rec.CreatedAt, rec.UpdatedAt, lastMessageAt)
	if err != nil {
		return fmt.Errorf("session store: save: %w", err)
	}
	return nil
}

// GetByTaskID returns the session recorded for taskID, if any.
func (ss *SessionStore) GetByTaskID(ctx context.Context, taskID string) (SessionRecord, bool, error) {
	var row sessionRow
	err := ss.s.db.GetContext(ctx, &row, `
		SELECT session_id, project_id, task_id, worktree_directory, title, model_provider_id, model_id, created_at, updated_at, last_message_at
		FROM conversation_sessions WHERE task_id = ?
	`, taskID)
	if isNoRows(err) {
		return SessionRecord{}, false, nil
	}
	if err != nil {
		return SessionRecord{}, false, fmt.Errorf("session store: get: %w", err)
	}
	return rowToRecord(row), true, nil
}

// GetBySessionID returns the session recorded under sessionID, if any.
func (ss *SessionStore) GetBySessionID(ctx context.Context, sessionID string) (SessionRecord, bool, error) {
	var row sessionRow
	err := ss.s.db.GetContext(ctx, &row, `
		SELECT session_id, project_id, task_id, worktree_directory, title, model_provider_id, model_id, created_at, updated_at, last_message_at
		FROM conversation_sessions WHERE session_id = ?
	`, sessionID)
	if isNoRows(err) {
		return SessionRecord{}, false, nil
	}
	if err != nil {
		return SessionRecord{}, false, fmt.Errorf("session store: get: %w", err)
	}
	return rowToRecord(row), true, nil
}

// Delete removes the session record for taskID.
func (ss *SessionStore) Delete(ctx context.Context, taskID string) error {
	_, err := ss.s.db.ExecContext(ctx, `DELETE FROM conversation_sessions WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("session store: delete: %w", err)
	}
	return nil
}

func rowToRecord(row sessionRow) SessionRecord {
	rec := SessionRecord{
		SessionID:         row.SessionID,
		ProjectID:         row.ProjectID,
		TaskID:            row.TaskID,
		WorktreeDirectory: row.WorktreeDirectory,
		Title:             row.Title.String,
		ModelProviderID:   row.ModelProviderID.String,
		ModelID:           row.ModelID.String,
		CreatedAt:         row.CreatedAt,
		UpdatedAt:         row.UpdatedAt,
	}
	if row.LastMessageAt.Valid {
		t := row.LastMessageAt.Time
		rec.LastMessageAt = &t
	}
	return rec
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
