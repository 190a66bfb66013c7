package store

import "context"

// Store is the durable catalog contract the Project/Fork Registry, Session
// Orchestrator, and HTTP collaborator surface read and write through.
type Store interface {
	// Users
	EnsureDefaultUser(ctx context.Context) (*User, error)
	GetUser(ctx context.Context, id string) (*User, error)

	// Projects
	CreateProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, id string) (*Project, error)
	ListProjectsByUser(ctx context.Context, userID string) ([]*Project, error)
	SearchProjectsByName(ctx context.Context, userID, query string) ([]*Project, error)
	UpdateProject(ctx context.Context, p *Project) error
	// SoftDeleteProject tombstones a project, keeping the row for fork-family
	// and orphan-sweep queries.
	SoftDeleteProject(ctx context.Context, id string) error
	// HardDeleteProject removes the row entirely.
	HardDeleteProject(ctx context.Context, id string) error
	// FindForkFamily returns the root plus all members whose ForkedFromID
	// equals that root, including tombstoned members, ordered by creation time.
	FindForkFamily(ctx context.Context, projectID string) ([]*Project, error)
	// CountLiveProjectsBySandbox counts non-tombstoned projects referencing
	// the sandbox; the orphan sweep deletes a sandbox only at zero.
	CountLiveProjectsBySandbox(ctx context.Context, sandboxID string) (int, error)
	// FindTombstonesBySandbox returns soft-deleted projects still holding a
	// reference to the sandbox.
	FindTombstonesBySandbox(ctx context.Context, sandboxID string) ([]*Project, error)

	// Chats
	CreateChat(ctx context.Context, c *Chat) error
	GetChat(ctx context.Context, id string) (*Chat, error)
	ListChatsByProject(ctx context.Context, projectID string) ([]*Chat, error)
	UpdateChat(ctx context.Context, c *Chat) error
	// SetAgentSessionIDIfAbsent writes AgentSessionID only if currently unset,
	// enforcing the write-once invariant at the storage boundary too.
	SetAgentSessionIDIfAbsent(ctx context.Context, chatID, sessionID string) (bool, error)

	// Messages
	AppendMessage(ctx context.Context, m *Message) error
	ListMessagesByChat(ctx context.Context, chatID string) ([]*Message, error)
	// FirstUserMessage returns the earliest user-authored message of a chat,
	// used by executeChat to derive a continuation prompt.
	FirstUserMessage(ctx context.Context, chatID string) (*Message, error)
	// ChatUsageTotals aggregates cost and turn counts from the chat's
	// run-summary metadata.
	ChatUsageTotals(ctx context.Context, chatID string) (costUSD float64, turns int, err error)

	// Settings
	GetSetting(ctx context.Context, key SettingKey) (*Setting, error)
	ListSettings(ctx context.Context) ([]*Setting, error)
	SetSetting(ctx context.Context, key SettingKey, value string) error

	Close() error
}
