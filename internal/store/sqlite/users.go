package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sandboxctl/backend/internal/store"
)

const defaultUserEmail = "dev@localhost"

// EnsureDefaultUser returns the default dev user, creating it if absent.
// Called once at boot so every project has an owner even before real
// authentication exists.
func (r *Repository) EnsureDefaultUser(ctx context.Context) (*store.User, error) {
	var u store.User
	err := r.ro.GetContext(ctx, &u,
		r.ro.Rebind(`SELECT * FROM users WHERE email = ?`), defaultUserEmail)
	if err == nil {
		return &u, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to query default user: %w", err)
	}

	now := time.Now().UTC()
	u = store.User{
		ID:        uuid.New().String(),
		Email:     defaultUserEmail,
		Name:      "Developer",
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = r.db.ExecContext(ctx, r.db.Rebind(
		`INSERT INTO users (id, email, name, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`),
		u.ID, u.Email, u.Name, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create default user: %w", err)
	}
	return &u, nil
}

// GetUser fetches a user by id.
func (r *Repository) GetUser(ctx context.Context, id string) (*store.User, error) {
	var u store.User
	err := r.ro.GetContext(ctx, &u, r.ro.Rebind(`SELECT * FROM users WHERE id = ?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}
