// Package store is the durable catalog of Users, Projects, Chats, Messages,
// and Settings: the relational store §3 of the control plane treats as a
// boundary collaborator.
package store

import "time"

// ProjectStatus is the reconciled lifecycle status of a project's sandbox.
type ProjectStatus string

const (
	ProjectStatusCreating ProjectStatus = "creating"
	ProjectStatusStarting ProjectStatus = "starting"
	ProjectStatusRunning  ProjectStatus = "running"
	ProjectStatusStopped  ProjectStatus = "stopped"
	ProjectStatusError    ProjectStatus = "error"
)

// ChatStatus is the per-chat conversational lifecycle status.
type ChatStatus string

const (
	ChatStatusIdle      ChatStatus = "idle"
	ChatStatusRunning   ChatStatus = "running"
	ChatStatusCompleted ChatStatus = "completed"
	ChatStatusError     ChatStatus = "error"
)

// ChatMode selects how the agent should treat a prompt turn.
type ChatMode string

const (
	ChatModeAgent ChatMode = "agent"
	ChatModePlan  ChatMode = "plan"
	ChatModeAsk   ChatMode = "ask"
)

// MessageRole identifies the author of a Message.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
)

// User owns projects. A default dev user is created once at boot if absent.
type User struct {
	ID        string    `db:"id" json:"id"`
	Email     string    `db:"email" json:"email"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// Project is a user's bound sandbox and fork lineage record.
//
// Invariants: ForkedFromID always references the family root, never another
// fork (chains are collapsed at fork time, see registry.ForkProject); a
// soft-deleted (DeletedAt != nil) project is retained iff its sandbox could
// not be removed, and it may still be referenced by live fork children.
type Project struct {
	ID           string        `db:"id" json:"id"`
	UserID       string        `db:"user_id" json:"userId"`
	Name         string        `db:"name" json:"name"`
	SandboxID    *string       `db:"sandbox_id" json:"sandboxId"`
	Status       ProjectStatus `db:"status" json:"status"`
	StatusError  *string       `db:"status_error" json:"statusError"`
	AgentType    string        `db:"agent_type" json:"agentType"`
	GitRepo      *string       `db:"git_repo" json:"gitRepo"`
	ForkedFromID *string       `db:"forked_from_id" json:"forkedFromId"`
	BranchName   *string       `db:"branch_name" json:"branchName"`
	DeletedAt    *time.Time    `db:"deleted_at" json:"deletedAt"`
	CreatedAt    time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time     `db:"updated_at" json:"updatedAt"`
}

// IsTombstone reports whether this project record is soft-deleted.
func (p *Project) IsTombstone() bool { return p.DeletedAt != nil }

// Chat is one conversation thread bound to a project.
//
// Invariants: AgentSessionID is set exactly once, from the agent's
// initialization event on the first prompt, and never overwritten by a
// later (re-forked) session id reported on resume.
type Chat struct {
	ID             string     `db:"id" json:"id"`
	ProjectID      string     `db:"project_id" json:"projectId"`
	Title          string     `db:"title" json:"title"`
	Status         ChatStatus `db:"status" json:"status"`
	AgentSessionID *string    `db:"agent_session_id" json:"agentSessionId"`
	Mode           *ChatMode  `db:"mode" json:"mode"`
	CreatedAt      time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updatedAt"`
}

// ContentBlock is one typed element of a Message's content sequence:
// text, tool_use, or tool_result.
type ContentBlock struct {
	Type      string                 `json:"type"`
	Text      string                 `json:"text,omitempty"`
	ToolUseID string                 `json:"toolUseId,omitempty"`
	ToolName  string                 `json:"toolName,omitempty"`
	Input     map[string]interface{} `json:"input,omitempty"`
	Content   interface{}            `json:"content,omitempty"`
	IsError   bool                   `json:"isError,omitempty"`
}

// Message is one append-only entry in a chat's transcript.
//
// Invariants: messages are append-only (no Update/Delete in the repository
// contract); a system message with empty content carries run-summary
// metadata; tool_result blocks in user messages are keyed by ToolUseID and
// answer an earlier tool_use block.
type Message struct {
	ID        string                 `db:"id" json:"id"`
	ChatID    string                 `db:"chat_id" json:"chatId"`
	Role      MessageRole            `db:"role" json:"role"`
	Content   []ContentBlock         `db:"-" json:"content"`
	Metadata  map[string]interface{} `db:"-" json:"metadata,omitempty"`
	CreatedAt time.Time              `db:"created_at" json:"createdAt"`
}

// SettingKey is a member of the fixed allow-list of process settings.
type SettingKey string

const (
	SettingProviderAPIToken   SettingKey = "provider_api_token"
	SettingProviderBaseURL    SettingKey = "provider_base_url"
	SettingProviderSnapshot   SettingKey = "provider_snapshot_name"
	SettingAgentModelAPIKey   SettingKey = "agent_model_api_key"
	SettingSettingsVisibility SettingKey = "settings_visible_to_users"
)

// AllowedSettingKeys is the fixed allow-list Settings.Set validates against.
var AllowedSettingKeys = map[SettingKey]bool{
	SettingProviderAPIToken:   true,
	SettingProviderBaseURL:    true,
	SettingProviderSnapshot:   true,
	SettingAgentModelAPIKey:   true,
	SettingSettingsVisibility: true,
}

// Setting is one key/value row of process-level configuration, applied on
// boot and re-applied on change.
type Setting struct {
	Key       SettingKey `db:"key" json:"key"`
	Value     string     `db:"value" json:"value"`
	UpdatedAt time.Time  `db:"updated_at" json:"updatedAt"`
}
