package sandboxmgr

import (
	"context"
	"encoding/json"

	"github.com/sandboxctl/backend/internal/bridge"
	ws "github.com/sandboxctl/backend/pkg/websocket"
)

// request forwards one command to the sandbox's bridge and returns the raw
// reply payload.
func (m *Manager) request(ctx context.Context, sandboxID, action string, payload interface{}) (json.RawMessage, error) {
	t, err := m.transport(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	reply, err := t.Request(ctx, action, payload)
	if err != nil {
		return nil, err
	}
	return reply.Payload, nil
}

func (m *Manager) notify(ctx context.Context, sandboxID, action string, payload interface{}) error {
	t, err := m.transport(ctx, sandboxID)
	if err != nil {
		return err
	}
	return t.Notify(action, payload)
}

// SendPrompt submits one prompt turn to the agent running in the sandbox.
func (m *Manager) SendPrompt(ctx context.Context, sandboxID string, req bridge.PromptRequest) error {
	_, err := m.request(ctx, sandboxID, ws.ActionSendPromptCmd, req)
	return err
}

// SendUserAnswer forwards a user's answer to an outstanding tool-use
// question.
func (m *Manager) SendUserAnswer(ctx context.Context, sandboxID string, req bridge.UserAnswerRequest) error {
	_, err := m.request(ctx, sandboxID, ws.ActionSendUserAnswer, req)
	return err
}

// --- terminal ---

func (m *Manager) TerminalCreate(ctx context.Context, sandboxID string, req bridge.TerminalCreateRequest) (json.RawMessage, error) {
	return m.request(ctx, sandboxID, ws.ActionTerminalCreate, req)
}

// TerminalInput is fire-and-forget; keystrokes never wait on a reply.
func (m *Manager) TerminalInput(ctx context.Context, sandboxID string, req bridge.TerminalInputRequest) error {
	return m.notify(ctx, sandboxID, ws.ActionTerminalInput, req)
}

func (m *Manager) TerminalResize(ctx context.Context, sandboxID string, req bridge.TerminalResizeRequest) error {
	return m.notify(ctx, sandboxID, ws.ActionTerminalResize, req)
}

func (m *Manager) TerminalClose(ctx context.Context, sandboxID string, req bridge.TerminalCloseRequest) (json.RawMessage, error) {
	return m.request(ctx, sandboxID, ws.ActionTerminalClose, req)
}

func (m *Manager) TerminalList(ctx context.Context, sandboxID string) (json.RawMessage, error) {
	return m.request(ctx, sandboxID, ws.ActionTerminalList, struct{}{})
}

// --- filesystem ---

func (m *Manager) FileList(ctx context.Context, sandboxID string, req bridge.FileRequest) (json.RawMessage, error) {
	return m.request(ctx, sandboxID, ws.ActionFileList, req)
}

func (m *Manager) FileRead(ctx context.Context, sandboxID string, req bridge.FileRequest) (json.RawMessage, error) {
	return m.request(ctx, sandboxID, ws.ActionFileRead, req)
}

func (m *Manager) FileWrite(ctx context.Context, sandboxID string, req bridge.FileRequest) (json.RawMessage, error) {
	return m.request(ctx, sandboxID, ws.ActionFileWrite, req)
}

func (m *Manager) FileCreate(ctx context.Context, sandboxID string, req bridge.FileRequest) (json.RawMessage, error) {
	return m.request(ctx, sandboxID, ws.ActionFileCreate, req)
}

func (m *Manager) FileRename(ctx context.Context, sandboxID string, req bridge.FileRequest) (json.RawMessage, error) {
	return m.request(ctx, sandboxID, ws.ActionFileRename, req)
}

func (m *Manager) FileDelete(ctx context.Context, sandboxID string, req bridge.FileRequest) (json.RawMessage, error) {
	return m.request(ctx, sandboxID, ws.ActionFileDelete, req)
}

func (m *Manager) FileMove(ctx context.Context, sandboxID string, req bridge.FileRequest) (json.RawMessage, error) {
	return m.request(ctx, sandboxID, ws.ActionFileMove, req)
}

func (m *Manager) FileSearch(ctx context.Context, sandboxID string, req bridge.FileRequest) (json.RawMessage, error) {
	return m.request(ctx, sandboxID, ws.ActionFileSearch, req)
}

// --- git ---

func (m *Manager) GitStatus(ctx context.Context, sandboxID string) (json.RawMessage, error) {
	return m.request(ctx, sandboxID, ws.ActionGitStatus, struct{}{})
}

func (m *Manager) GitStage(ctx context.Context, sandboxID string, req bridge.GitRequest) (json.RawMessage, error) {
	return m.request(ctx, sandboxID, ws.ActionGitStage, req)
}

func (m *Manager) GitUnstage(ctx context.Context, sandboxID string, req bridge.GitRequest) (json.RawMessage, error) {
	return m.request(ctx, sandboxID, ws.ActionGitUnstage, req)
}

func (m *Manager) GitDiscard(ctx context.Context, sandboxID string, req bridge.GitRequest) (json.RawMessage, error) {
	return m.request(ctx, sandboxID, ws.ActionGitDiscard, req)
}

func (m *Manager) GitCommit(ctx context.Context, sandboxID string, req bridge.GitRequest) (json.RawMessage, error) {
	return m.request(ctx, sandboxID, ws.ActionGitCommit, req)
}

func (m *Manager) GitPush(ctx context.Context, sandboxID string) (json.RawMessage, error) {
	return m.request(ctx, sandboxID, ws.ActionGitPush, struct{}{})
}

func (m *Manager) GitPull(ctx context.Context, sandboxID string) (json.RawMessage, error) {
	return m.request(ctx, sandboxID, ws.ActionGitPull, struct{}{})
}

func (m *Manager) GitBranches(ctx context.Context, sandboxID string) (json.RawMessage, error) {
	return m.request(ctx, sandboxID, ws.ActionGitBranches, struct{}{})
}

func (m *Manager) GitCreateBranch(ctx context.Context, sandboxID string, req bridge.GitRequest) (json.RawMessage, error) {
	return m.request(ctx, sandboxID, ws.ActionGitCreateBranch, req)
}

func (m *Manager) GitCheckout(ctx context.Context, sandboxID string, req bridge.GitRequest) (json.RawMessage, error) {
	return m.request(ctx, sandboxID, ws.ActionGitCheckout, req)
}

// GetGitBranch reports the branch currently checked out in the project
// directory.
func (m *Manager) GetGitBranch(ctx context.Context, sandboxID string) (string, error) {
	payload, err := m.request(ctx, sandboxID, ws.ActionGetGitBranch, struct{}{})
	if err != nil {
		return "", err
	}
	var resp struct {
		Branch string `json:"branch"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil {
		return "", err
	}
	return resp.Branch, nil
}

// GetProjectDir resolves the project's absolute working directory inside the
// sandbox, as the bridge sees it.
func (m *Manager) GetProjectDir(ctx context.Context, sandboxID, name string) (string, error) {
	payload, err := m.request(ctx, sandboxID, ws.ActionGetProjectDir, map[string]string{
		"name": m.ProjectDirName(sandboxID, name),
	})
	if err != nil {
		return "", err
	}
	var resp struct {
		Dir string `json:"dir"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil {
		return "", err
	}
	return resp.Dir, nil
}

// --- layout ---

func (m *Manager) LayoutSave(ctx context.Context, sandboxID string, req bridge.LayoutSaveRequest) (json.RawMessage, error) {
	return m.request(ctx, sandboxID, ws.ActionLayoutSave, req)
}

func (m *Manager) LayoutLoad(ctx context.Context, sandboxID string) (json.RawMessage, error) {
	return m.request(ctx, sandboxID, ws.ActionLayoutLoad, struct{}{})
}
