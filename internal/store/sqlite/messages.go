package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sandboxctl/backend/internal/db/dialect"
	"github.com/sandboxctl/backend/internal/store"
)

// messageRow is the wire shape of a messages row; content and metadata are
// JSON text columns.
type messageRow struct {
	ID        string    `db:"id"`
	ChatID    string    `db:"chat_id"`
	Role      string    `db:"role"`
	Content   string    `db:"content"`
	Metadata  string    `db:"metadata"`
	CreatedAt time.Time `db:"created_at"`
}

func (row *messageRow) toMessage() (*store.Message, error) {
	m := &store.Message{
		ID:        row.ID,
		ChatID:    row.ChatID,
		Role:      store.MessageRole(row.Role),
		CreatedAt: row.CreatedAt,
	}
	if row.Content != "" {
		if err := json.Unmarshal([]byte(row.Content), &m.Content); err != nil {
			return nil, fmt.Errorf("failed to decode message content: %w", err)
		}
	}
	if row.Metadata != "" && row.Metadata != "{}" {
		if err := json.Unmarshal([]byte(row.Metadata), &m.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode message metadata: %w", err)
		}
	}
	return m, nil
}

// AppendMessage inserts a message. Messages are append-only; there is no
// update or delete in the contract.
func (r *Repository) AppendMessage(ctx context.Context, m *store.Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	content := []byte("[]")
	if m.Content != nil {
		var err error
		content, err = json.Marshal(m.Content)
		if err != nil {
			return fmt.Errorf("failed to encode message content: %w", err)
		}
	}
	metadata := []byte("{}")
	if m.Metadata != nil {
		var err error
		metadata, err = json.Marshal(m.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode message metadata: %w", err)
		}
	}

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO messages (id, chat_id, role, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		m.ID, m.ChatID, m.Role, string(content), string(metadata), m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// ListMessagesByChat returns the chat transcript in insertion order.
func (r *Repository) ListMessagesByChat(ctx context.Context, chatID string) ([]*store.Message, error) {
	var rows []messageRow
	err := r.ro.SelectContext(ctx, &rows, r.ro.Rebind(
		`SELECT * FROM messages WHERE chat_id = ? ORDER BY created_at ASC, id ASC`), chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	messages := make([]*store.Message, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toMessage()
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, nil
}

// FirstUserMessage returns the earliest user-authored message of a chat.
func (r *Repository) FirstUserMessage(ctx context.Context, chatID string) (*store.Message, error) {
	var row messageRow
	err := r.ro.GetContext(ctx, &row, r.ro.Rebind(`
		SELECT * FROM messages WHERE chat_id = ? AND role = ?
		ORDER BY created_at ASC, id ASC LIMIT 1`),
		chatID, store.MessageRoleUser)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to query first user message: %w", err)
	}
	return row.toMessage()
}

// ChatUsageTotals aggregates run-summary metadata over a chat's system
// messages: total cost and turn count across every completed turn.
func (r *Repository) ChatUsageTotals(ctx context.Context, chatID string) (costUSD float64, turns int, err error) {
	driver := r.ro.DriverName()
	query := fmt.Sprintf(`
		SELECT
			COALESCE(SUM(CAST(%s AS REAL)), 0),
			COALESCE(SUM(CAST(%s AS INTEGER)), 0)
		FROM messages WHERE chat_id = ? AND role = ?`,
		dialect.JSONExtract(driver, "metadata", "costUsd"),
		dialect.JSONExtract(driver, "metadata", "numTurns"))

	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(query), chatID, store.MessageRoleSystem)
	if err := row.Scan(&costUSD, &turns); err != nil {
		return 0, 0, fmt.Errorf("failed to aggregate chat usage: %w", err)
	}
	return costUSD, turns, nil
}
