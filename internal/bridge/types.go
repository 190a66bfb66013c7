// Package bridge is the per-sandbox transport to the in-sandbox bridge
// process: framed JSON messages over one duplex connection, with
// request/reply correlation for commands and an asynchronous stream of
// typed inbound events tagged with the sandbox id.
package bridge

import "encoding/json"

// PromptRequest submits one prompt turn to the agent CLI inside the sandbox.
type PromptRequest struct {
	ChatID    string `json:"chatId"`
	Prompt    string `json:"prompt"`
	SessionID string `json:"sessionId,omitempty"` // resume the agent's logical session when set
	Mode      string `json:"mode,omitempty"`
	Model     string `json:"model,omitempty"`
}

// UserAnswerRequest injects a tool answer into an outstanding agent question.
type UserAnswerRequest struct {
	ChatID    string `json:"chatId"`
	ToolUseID string `json:"toolUseId"`
	Answer    string `json:"answer"`
}

// ClaudeMessageEvent is a structured agent event forwarded verbatim from the
// CLI's stdout stream. Data embeds the discriminator (system/init,
// assistant, result).
type ClaudeMessageEvent struct {
	ChatID string          `json:"chatId"`
	Data   json.RawMessage `json:"data"`
}

// ClaudeStderrEvent carries one chunk of the agent CLI's stderr.
type ClaudeStderrEvent struct {
	ChatID string `json:"chatId"`
	Data   string `json:"data"`
}

// ClaudeExitEvent reports the agent CLI terminating.
type ClaudeExitEvent struct {
	ChatID string `json:"chatId"`
	Code   int    `json:"code"`
}

// ClaudeErrorEvent reports a bridge-side failure to run the agent.
type ClaudeErrorEvent struct {
	ChatID string `json:"chatId"`
	Error  string `json:"error"`
}

// AgentStreamEvent is the decoded inner payload of ClaudeMessageEvent.Data.
// Only the fields the control plane interprets are modeled; the raw payload
// is persisted and fanned out untouched.
type AgentStreamEvent struct {
	Type       string        `json:"type"`    // system | assistant | result
	Subtype    string        `json:"subtype"` // init (for system)
	SessionID  string        `json:"session_id,omitempty"`
	Message    *AgentMessage `json:"message,omitempty"`
	IsError    bool          `json:"is_error,omitempty"`
	NumTurns   int           `json:"num_turns,omitempty"`
	DurationMs int64         `json:"duration_ms,omitempty"`
	CostUSD    float64       `json:"total_cost_usd,omitempty"`
	Usage      *AgentUsage   `json:"usage,omitempty"`
}

// AgentMessage is the assistant message body inside an assistant event.
type AgentMessage struct {
	Model      string            `json:"model,omitempty"`
	Content    []json.RawMessage `json:"content,omitempty"`
	StopReason string            `json:"stop_reason,omitempty"`
	Usage      *AgentUsage       `json:"usage,omitempty"`
}

// AgentUsage is the token accounting reported by the agent.
type AgentUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// TerminalCreateRequest opens a PTY session inside the sandbox.
type TerminalCreateRequest struct {
	TerminalID string `json:"terminalId,omitempty"`
	Cols       int    `json:"cols,omitempty"`
	Rows       int    `json:"rows,omitempty"`
	Cwd        string `json:"cwd,omitempty"`
}

// TerminalInputRequest feeds keystrokes to a PTY session.
type TerminalInputRequest struct {
	TerminalID string `json:"terminalId"`
	Data       string `json:"data"`
}

// TerminalResizeRequest resizes a PTY session.
type TerminalResizeRequest struct {
	TerminalID string `json:"terminalId"`
	Cols       int    `json:"cols"`
	Rows       int    `json:"rows"`
}

// TerminalCloseRequest terminates a PTY session.
type TerminalCloseRequest struct {
	TerminalID string `json:"terminalId"`
}

// TerminalEvent is the shared shape of terminal_* inbound events.
type TerminalEvent struct {
	TerminalID string `json:"terminalId"`
	Data       string `json:"data,omitempty"`
	Code       int    `json:"code,omitempty"`
	Error      string `json:"error,omitempty"`
}

// FileRequest covers the path-addressed filesystem operations.
type FileRequest struct {
	Path    string `json:"path,omitempty"`
	NewPath string `json:"newPath,omitempty"` // rename/move target
	Content string `json:"content,omitempty"` // write payload
	Query   string `json:"query,omitempty"`   // search term
	IsDir   bool   `json:"isDir,omitempty"`
}

// FileChangedEvent reports directories whose contents changed.
type FileChangedEvent struct {
	Dirs []string `json:"dirs"`
}

// GitRequest covers the git operations; Paths scopes stage/unstage/discard,
// Message is the commit message, Branch the checkout/create target.
type GitRequest struct {
	Paths   []string `json:"paths,omitempty"`
	Message string   `json:"message,omitempty"`
	Branch  string   `json:"branch,omitempty"`
}

// PortInfo is one listening port inside the sandbox.
type PortInfo struct {
	Port    int    `json:"port"`
	Process string `json:"process,omitempty"`
}

// PortsUpdateEvent reports the current set of listening ports.
type PortsUpdateEvent struct {
	Ports []PortInfo `json:"ports"`
}

// LayoutSaveRequest persists the workspace layout blob inside the sandbox.
type LayoutSaveRequest struct {
	Data json.RawMessage `json:"data"`
}
