// Package sqlite provides a dialect-aware (SQLite/Postgres) implementation
// of store.Store, built on sqlx.
package sqlite

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/sandboxctl/backend/internal/db/dialect"
)

// Repository implements store.Store against a writer/reader sqlx pool.
type Repository struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader
	driver string
}

// New creates a Repository and ensures the schema exists. writer and reader
// may be the same *sqlx.DB (Postgres); for SQLite, reader should be a
// separate read-only connection pool (see internal/db.Pool).
func New(writer, reader *sqlx.DB) (*Repository, error) {
	r := &Repository{db: writer, ro: reader, driver: writer.DriverName()}
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return r, nil
}

func (r *Repository) Close() error {
	var err error
	if cerr := r.db.Close(); cerr != nil {
		err = cerr
	}
	if r.ro != r.db {
		if cerr := r.ro.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (r *Repository) isPostgres() bool { return dialect.IsPostgres(r.driver) }

func (r *Repository) initSchema() error {
	timestampType := "TIMESTAMP"

	_, err := r.db.Exec(fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		created_at %[1]s NOT NULL,
		updated_at %[1]s NOT NULL
	);

	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		sandbox_id TEXT,
		status TEXT NOT NULL DEFAULT 'creating',
		status_error TEXT,
		agent_type TEXT NOT NULL DEFAULT '',
		git_repo TEXT,
		forked_from_id TEXT,
		branch_name TEXT,
		deleted_at %[1]s,
		created_at %[1]s NOT NULL,
		updated_at %[1]s NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id)
	);
	CREATE INDEX IF NOT EXISTS idx_projects_user_id ON projects(user_id);
	CREATE INDEX IF NOT EXISTS idx_projects_forked_from_id ON projects(forked_from_id);
	CREATE INDEX IF NOT EXISTS idx_projects_deleted_at ON projects(deleted_at);

	CREATE TABLE IF NOT EXISTS chats (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'idle',
		agent_session_id TEXT,
		mode TEXT,
		created_at %[1]s NOT NULL,
		updated_at %[1]s NOT NULL,
		FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_chats_project_id ON chats(project_id);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		chat_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '[]',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at %[1]s NOT NULL,
		FOREIGN KEY (chat_id) REFERENCES chats(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_chat_id ON messages(chat_id, created_at);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL DEFAULT '',
		updated_at %[1]s NOT NULL
	);
	`, timestampType))
	return err
}
