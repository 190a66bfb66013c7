package websocket

// Action constants for the browser-facing control plane protocol (inbound,
// client -> server).
const (
	ActionSubscribeProject = "subscribe_project"

	ActionSendPrompt  = "send_prompt"
	ActionExecuteChat = "execute_chat"
	ActionUserAnswer  = "user_answer"

	ActionTerminalCreate = "terminal_create"
	ActionTerminalInput  = "terminal_input"
	ActionTerminalResize = "terminal_resize"
	ActionTerminalClose  = "terminal_close"
	ActionTerminalList   = "terminal_list"

	ActionPortPreviewURL = "port_preview_url"
	ActionProjectInfo    = "project_info"

	ActionFileList   = "file_list"
	ActionFileCreate = "file_create"
	ActionFileRename = "file_rename"
	ActionFileDelete = "file_delete"
	ActionFileRead   = "file_read"
	ActionFileWrite  = "file_write"
	ActionFileSearch = "file_search"
	ActionFileMove   = "file_move"

	ActionGitStatus       = "git_status"
	ActionGitStage        = "git_stage"
	ActionGitUnstage      = "git_unstage"
	ActionGitDiscard      = "git_discard"
	ActionGitCommit       = "git_commit"
	ActionGitPush         = "git_push"
	ActionGitPull         = "git_pull"
	ActionGitBranches     = "git_branches"
	ActionGitCreateBranch = "git_create_branch"
	ActionGitCheckout     = "git_checkout"

	ActionLayoutSave = "layout_save"
	ActionLayoutLoad = "layout_load"
)

// Action constants for outbound (server -> client) notifications and
// results. Terminal list replies reuse the inbound name; the operation is
// symmetric.
const (
	ActionSubscribed     = "subscribed"
	ActionPromptAccepted = "prompt_accepted"

	ActionAgentMessage = "agent_message"
	ActionAgentStatus  = "agent_status"
	ActionAgentError   = "agent_error"

	ActionTerminalCreated = "terminal_created"
	ActionTerminalOutput  = "terminal_output"
	ActionTerminalExit    = "terminal_exit"
	ActionTerminalError   = "terminal_error"

	ActionPortPreviewURLResult = "port_preview_url_result"

	ActionFileListResult   = "file_list_result"
	ActionFileOpResult     = "file_op_result"
	ActionFileReadResult   = "file_read_result"
	ActionFileWriteResult  = "file_write_result"
	ActionFileSearchResult = "file_search_result"
	ActionFileChanged      = "file_changed"

	ActionGitStatusResult   = "git_status_result"
	ActionGitOpResult       = "git_op_result"
	ActionGitBranchesResult = "git_branches_result"

	ActionLayoutData  = "layout_data"
	ActionPortsUpdate = "ports_update"

	// Project namespace broadcasts, not scoped to a single sandbox
	// subscription.
	ActionProjectCreated = "project_created"
	ActionProjectUpdated = "project_updated"
	ActionProjectDeleted = "project_deleted"
)

// Action constants for the intra-sandbox bridge protocol (control plane <->
// bridge process). Commands reuse the browser vocabulary above where the
// operation is identical (terminal_*, file_*, git_*, layout_*); these are
// the types unique to the bridge handshake and the agent stream.
const (
	ActionBridgeReady  = "bridge_ready"
	ActionClaudeMsg    = "claude_message"
	ActionClaudeStderr = "claude_stderr"
	ActionClaudeExit   = "claude_exit"
	ActionClaudeError  = "claude_error"

	ActionSendPromptCmd  = "send_prompt"
	ActionSendUserAnswer = "send_user_answer"
	ActionGetGitBranch   = "get_git_branch"
	ActionGetProjectDir  = "get_project_dir"
)

// Error codes
const (
	ErrorCodeBadRequest         = "BAD_REQUEST"
	ErrorCodeNotFound           = "NOT_FOUND"
	ErrorCodeInternalError      = "INTERNAL_ERROR"
	ErrorCodeUnauthorized       = "UNAUTHORIZED"
	ErrorCodeForbidden          = "FORBIDDEN"
	ErrorCodeValidation         = "VALIDATION_ERROR"
	ErrorCodeUnknownAction      = "UNKNOWN_ACTION"
	ErrorCodeTimeout            = "TIMEOUT"
	ErrorCodeNotReady           = "SANDBOX_NOT_READY"
	ErrorCodeManagerUnavailable = "MANAGER_UNAVAILABLE"
)
