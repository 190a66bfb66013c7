package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sandboxctl/backend/internal/store"
)

// CreateChat inserts a new chat row.
func (r *Repository) CreateChat(ctx context.Context, c *store.Chat) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = store.ChatStatusIdle
	}

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO chats (id, project_id, title, status, agent_session_id, mode, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.ProjectID, c.Title, c.Status, c.AgentSessionID, c.Mode, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create chat: %w", err)
	}
	return nil
}

// GetChat fetches a chat by id.
func (r *Repository) GetChat(ctx context.Context, id string) (*store.Chat, error) {
	var c store.Chat
	err := r.ro.GetContext(ctx, &c, r.ro.Rebind(`SELECT * FROM chats WHERE id = ?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}
	return &c, nil
}

// ListChatsByProject returns the project's chats, newest first.
func (r *Repository) ListChatsByProject(ctx context.Context, projectID string) ([]*store.Chat, error) {
	var chats []*store.Chat
	err := r.ro.SelectContext(ctx, &chats, r.ro.Rebind(
		`SELECT * FROM chats WHERE project_id = ? ORDER BY created_at DESC`), projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	return chats, nil
}

// UpdateChat persists mutable chat fields. AgentSessionID is intentionally
// excluded; it flows only through SetAgentSessionIDIfAbsent.
func (r *Repository) UpdateChat(ctx context.Context, c *store.Chat) error {
	c.UpdatedAt = time.Now().UTC()
	res, err := r.db.ExecContext(ctx, r.db.Rebind(
		`UPDATE chats SET title = ?, status = ?, mode = ?, updated_at = ? WHERE id = ?`),
		c.Title, c.Status, c.Mode, c.UpdatedAt, c.ID)
	if err != nil {
		return fmt.Errorf("failed to update chat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// SetAgentSessionIDIfAbsent writes the agent session id only when the chat has
// none yet. The guard lives in the WHERE clause so concurrent writers cannot
// both win; returns whether this call performed the write.
func (r *Repository) SetAgentSessionIDIfAbsent(ctx context.Context, chatID, sessionID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(
		`UPDATE chats SET agent_session_id = ?, updated_at = ? WHERE id = ? AND agent_session_id IS NULL`),
		sessionID, time.Now().UTC(), chatID)
	if err != nil {
		return false, fmt.Errorf("failed to set agent session id: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
