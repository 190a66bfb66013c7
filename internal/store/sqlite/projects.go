package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sandboxctl/backend/internal/db/dialect"
	"github.com/sandboxctl/backend/internal/store"
)

// CreateProject inserts a new project row.
func (r *Repository) CreateProject(ctx context.Context, p *store.Project) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO projects (id, user_id, name, sandbox_id, status, status_error,
			agent_type, git_repo, forked_from_id, branch_name, deleted_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		p.ID, p.UserID, p.Name, p.SandboxID, p.Status, p.StatusError,
		p.AgentType, p.GitRepo, p.ForkedFromID, p.BranchName, p.DeletedAt, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}
	return nil
}

// GetProject fetches a project by id, including tombstoned rows. Callers that
// must exclude tombstones check Project.IsTombstone themselves; the registry's
// orphan sweep is the one reader that needs them.
func (r *Repository) GetProject(ctx context.Context, id string) (*store.Project, error) {
	var p store.Project
	err := r.ro.GetContext(ctx, &p, r.ro.Rebind(`SELECT * FROM projects WHERE id = ?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return &p, nil
}

// ListProjectsByUser returns the user's live (non-tombstoned) projects,
// newest first.
func (r *Repository) ListProjectsByUser(ctx context.Context, userID string) ([]*store.Project, error) {
	var projects []*store.Project
	err := r.ro.SelectContext(ctx, &projects, r.ro.Rebind(
		`SELECT * FROM projects WHERE user_id = ? AND deleted_at IS NULL ORDER BY created_at DESC`),
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	return projects, nil
}

// UpdateProject persists mutable project fields.
func (r *Repository) UpdateProject(ctx context.Context, p *store.Project) error {
	p.UpdatedAt = time.Now().UTC()
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE projects SET name = ?, sandbox_id = ?, status = ?, status_error = ?,
			agent_type = ?, git_repo = ?, forked_from_id = ?, branch_name = ?, updated_at = ?
		WHERE id = ?`),
		p.Name, p.SandboxID, p.Status, p.StatusError,
		p.AgentType, p.GitRepo, p.ForkedFromID, p.BranchName, p.UpdatedAt, p.ID)
	if err != nil {
		return fmt.Errorf("failed to update project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// SoftDeleteProject tombstones a project. The row is kept so the fork family
// and the orphan sweep can still discover the sandbox it references.
func (r *Repository) SoftDeleteProject(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, r.db.Rebind(
		`UPDATE projects SET deleted_at = ?, updated_at = ? WHERE id = ?`), now, now, id)
	if err != nil {
		return fmt.Errorf("failed to soft-delete project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// HardDeleteProject removes a project row entirely.
func (r *Repository) HardDeleteProject(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM projects WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	return nil
}

// FindForkFamily resolves the family root for projectID and returns the root
// plus every member whose forked_from_id equals that root, tombstones
// included, ordered by creation time.
func (r *Repository) FindForkFamily(ctx context.Context, projectID string) ([]*store.Project, error) {
	p, err := r.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	rootID := p.ID
	if p.ForkedFromID != nil {
		rootID = *p.ForkedFromID
	}

	var family []*store.Project
	err = r.ro.SelectContext(ctx, &family, r.ro.Rebind(
		`SELECT * FROM projects WHERE id = ? OR forked_from_id = ? ORDER BY created_at ASC`),
		rootID, rootID)
	if err != nil {
		return nil, fmt.Errorf("failed to query fork family: %w", err)
	}
	return family, nil
}

// CountLiveProjectsBySandbox counts non-tombstoned projects referencing a
// sandbox. A live fork references its root's sandbox too: the fork's
// filesystem lineage pins it, so the orphan sweep must not delete the
// root's sandbox while any live fork child remains.
func (r *Repository) CountLiveProjectsBySandbox(ctx context.Context, sandboxID string) (int, error) {
	var count int
	err := r.ro.GetContext(ctx, &count, r.ro.Rebind(`
		SELECT COUNT(*) FROM projects
		WHERE deleted_at IS NULL AND (
			sandbox_id = ?
			OR forked_from_id IN (SELECT id FROM projects WHERE sandbox_id = ?)
		)`), sandboxID, sandboxID)
	if err != nil {
		return 0, fmt.Errorf("failed to count sandbox references: %w", err)
	}
	return count, nil
}

// FindTombstonesBySandbox returns soft-deleted projects still holding a
// reference to the sandbox.
func (r *Repository) FindTombstonesBySandbox(ctx context.Context, sandboxID string) ([]*store.Project, error) {
	var tombstones []*store.Project
	err := r.ro.SelectContext(ctx, &tombstones, r.ro.Rebind(
		`SELECT * FROM projects WHERE sandbox_id = ? AND deleted_at IS NOT NULL`), sandboxID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tombstones: %w", err)
	}
	return tombstones, nil
}

// SearchProjectsByName returns the user's live projects whose name matches
// the query, case-insensitively on both backends.
func (r *Repository) SearchProjectsByName(ctx context.Context, userID, query string) ([]*store.Project, error) {
	var projects []*store.Project
	q := fmt.Sprintf(
		`SELECT * FROM projects WHERE user_id = ? AND deleted_at IS NULL AND name %s ? ORDER BY created_at DESC`,
		dialect.Like(r.ro.DriverName()))
	err := r.ro.SelectContext(ctx, &projects, r.ro.Rebind(q), userID, "%"+query+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to search projects: %w", err)
	}
	return projects, nil
}
