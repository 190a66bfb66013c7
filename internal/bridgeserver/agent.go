package bridgeserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"go.uber.org/zap"

	"github.com/sandboxctl/backend/internal/bridge"
	"github.com/sandboxctl/backend/internal/logger"
	ws "github.com/sandboxctl/backend/pkg/websocket"
)

// maxAgentLineSize bounds one NDJSON line from the agent's stdout. Agent
// events embed whole file contents, so the limit is generous.
const maxAgentLineSize = 8 * 1024 * 1024

// agentRunner spawns the coding agent CLI per prompt and forwards its
// newline-delimited JSON stdout verbatim as claude_message events.
type agentRunner struct {
	server     *Server
	agentCmd   string
	projectDir string
	logger     *logger.Logger

	mu     sync.Mutex
	active map[string]*agentProcess // chatID → running process
}

type agentProcess struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

func newAgentRunner(server *Server, agentCmd, projectDir string, log *logger.Logger) *agentRunner {
	return &agentRunner{
		server:     server,
		agentCmd:   agentCmd,
		projectDir: projectDir,
		logger:     log.WithFields(zap.String("component", "agent_runner")),
		active:     make(map[string]*agentProcess),
	}
}

// handleSendPrompt launches one agent turn. The bridge accepts one
// concurrent prompt per chat; a new prompt for a running chat kills the
// previous process first.
func (r *agentRunner) handleSendPrompt(_ context.Context, msg *ws.Message) (*ws.Message, error) {
	var req bridge.PromptRequest
	if err := msg.ParsePayload(&req); err != nil || req.ChatID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "chatId and prompt are required", nil)
	}

	args := []string{
		"-p", req.Prompt,
		"--output-format", "stream-json",
		"--verbose",
	}
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}
	if req.Mode != "" {
		args = append(args, "--permission-mode", req.Mode)
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}

	cmd := exec.Command(r.agentCmd, args...)
	cmd.Dir = r.projectDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
	}

	r.mu.Lock()
	if prev, ok := r.active[req.ChatID]; ok && prev.cmd.Process != nil {
		_ = prev.cmd.Process.Kill()
	}
	r.mu.Unlock()

	if err := cmd.Start(); err != nil {
		r.server.Emit(ws.ActionClaudeError, bridge.ClaudeErrorEvent{
			ChatID: req.ChatID,
			Error:  fmt.Sprintf("failed to start agent: %v", err),
		})
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
	}

	r.mu.Lock()
	r.active[req.ChatID] = &agentProcess{cmd: cmd, stdin: stdin}
	r.mu.Unlock()

	r.logger.Info("agent started",
		zap.String("chat_id", req.ChatID),
		zap.Bool("resume", req.SessionID != ""))

	go r.pumpStdout(req.ChatID, stdout)
	go r.pumpStderr(req.ChatID, stderr)
	go r.awaitExit(req.ChatID, cmd)

	return ws.NewResponse(msg.ID, msg.Action, map[string]bool{"accepted": true})
}

// pumpStdout forwards each NDJSON line from the agent verbatim. Lines that
// are not valid JSON are dropped; the CLI interleaves no other output on
// stdout in stream mode.
func (r *agentRunner) pumpStdout(chatID string, stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxAgentLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			r.logger.Warn("agent emitted non-JSON stdout line", zap.String("chat_id", chatID))
			continue
		}
		data := make([]byte, len(line))
		copy(data, line)
		r.server.Emit(ws.ActionClaudeMsg, bridge.ClaudeMessageEvent{
			ChatID: chatID,
			Data:   data,
		})
	}
}

func (r *agentRunner) pumpStderr(chatID string, stderr io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := stderr.Read(buf)
		if n > 0 {
			r.server.Emit(ws.ActionClaudeStderr, bridge.ClaudeStderrEvent{
				ChatID: chatID,
				Data:   string(buf[:n]),
			})
		}
		if err != nil {
			return
		}
	}
}

func (r *agentRunner) awaitExit(chatID string, cmd *exec.Cmd) {
	err := cmd.Wait()
	code := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
	} else if err != nil {
		code = -1
	}

	r.mu.Lock()
	if proc, ok := r.active[chatID]; ok && proc.cmd == cmd {
		delete(r.active, chatID)
	}
	r.mu.Unlock()

	r.logger.Info("agent exited", zap.String("chat_id", chatID), zap.Int("code", code))
	r.server.Emit(ws.ActionClaudeExit, bridge.ClaudeExitEvent{ChatID: chatID, Code: code})
}

// handleUserAnswer feeds a tool answer to the running agent's stdin as one
// JSON line.
func (r *agentRunner) handleUserAnswer(_ context.Context, msg *ws.Message) (*ws.Message, error) {
	var req bridge.UserAnswerRequest
	if err := msg.ParsePayload(&req); err != nil || req.ChatID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "chatId and toolUseId are required", nil)
	}

	r.mu.Lock()
	proc, ok := r.active[req.ChatID]
	r.mu.Unlock()
	if !ok {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, "no agent running for chat", nil)
	}

	answer := map[string]interface{}{
		"type":        "tool_result",
		"tool_use_id": req.ToolUseID,
		"content":     req.Answer,
	}
	data, err := json.Marshal(answer)
	if err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
	}
	if _, err := proc.stdin.Write(append(data, '\n')); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]bool{"delivered": true})
}
