package bridgeserver

import (
	"context"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sandboxctl/backend/internal/bridge"
	"github.com/sandboxctl/backend/internal/logger"
	ws "github.com/sandboxctl/backend/pkg/websocket"
)

// terminalManager hosts the PTY sessions of one sandbox.
type terminalManager struct {
	server     *Server
	projectDir string
	logger     *logger.Logger

	mu        sync.Mutex
	terminals map[string]*terminal
}

type terminal struct {
	id   string
	ptmx *os.File
	cmd  *exec.Cmd
}

func newTerminalManager(server *Server, projectDir string, log *logger.Logger) *terminalManager {
	return &terminalManager{
		server:     server,
		projectDir: projectDir,
		logger:     log.WithFields(zap.String("component", "terminals")),
		terminals:  make(map[string]*terminal),
	}
}

func detectShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "/bin/bash"
}

func (m *terminalManager) handleCreate(_ context.Context, msg *ws.Message) (*ws.Message, error) {
	var req bridge.TerminalCreateRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload", nil)
	}
	if req.Cols <= 0 {
		req.Cols = 80
	}
	if req.Rows <= 0 {
		req.Rows = 24
	}
	id := req.TerminalID
	if id == "" {
		id = uuid.New().String()
	}

	cwd := m.projectDir
	if req.Cwd != "" {
		cwd = req.Cwd
	}

	cmd := exec.Command(detectShell())
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(req.Cols),
		Rows: uint16(req.Rows),
	})
	if err != nil {
		m.server.Emit(ws.ActionTerminalError, bridge.TerminalEvent{TerminalID: id, Error: err.Error()})
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
	}

	term := &terminal{id: id, ptmx: ptmx, cmd: cmd}
	m.mu.Lock()
	m.terminals[id] = term
	m.mu.Unlock()

	m.logger.Info("terminal created", zap.String("terminal_id", id))
	go m.pumpOutput(term)

	return ws.NewResponse(msg.ID, ws.ActionTerminalCreated, map[string]interface{}{
		"terminalId": id,
		"cols":       req.Cols,
		"rows":       req.Rows,
	})
}

// pumpOutput streams PTY output to the control plane until the shell
// exits.
func (m *terminalManager) pumpOutput(term *terminal) {
	buf := make([]byte, 8192)
	for {
		n, err := term.ptmx.Read(buf)
		if n > 0 {
			m.server.Emit(ws.ActionTerminalOutput, bridge.TerminalEvent{
				TerminalID: term.id,
				Data:       string(buf[:n]),
			})
		}
		if err != nil {
			break
		}
	}

	code := 0
	if err := term.cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	m.mu.Lock()
	delete(m.terminals, term.id)
	m.mu.Unlock()

	m.logger.Info("terminal exited", zap.String("terminal_id", term.id), zap.Int("code", code))
	m.server.Emit(ws.ActionTerminalExit, bridge.TerminalEvent{TerminalID: term.id, Code: code})
}

func (m *terminalManager) handleInput(_ context.Context, msg *ws.Message) (*ws.Message, error) {
	var req bridge.TerminalInputRequest
	if err := msg.ParsePayload(&req); err != nil {
		return nil, nil
	}

	m.mu.Lock()
	term, ok := m.terminals[req.TerminalID]
	m.mu.Unlock()
	if !ok {
		m.server.Emit(ws.ActionTerminalError, bridge.TerminalEvent{
			TerminalID: req.TerminalID,
			Error:      "terminal not found",
		})
		return nil, nil
	}
	if _, err := term.ptmx.Write([]byte(req.Data)); err != nil {
		m.logger.Warn("terminal write failed", zap.String("terminal_id", req.TerminalID), zap.Error(err))
	}
	return nil, nil
}

func (m *terminalManager) handleResize(_ context.Context, msg *ws.Message) (*ws.Message, error) {
	var req bridge.TerminalResizeRequest
	if err := msg.ParsePayload(&req); err != nil {
		return nil, nil
	}

	m.mu.Lock()
	term, ok := m.terminals[req.TerminalID]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	if err := pty.Setsize(term.ptmx, &pty.Winsize{
		Cols: uint16(req.Cols),
		Rows: uint16(req.Rows),
	}); err != nil {
		m.logger.Warn("terminal resize failed", zap.String("terminal_id", req.TerminalID), zap.Error(err))
	}
	return nil, nil
}

func (m *terminalManager) handleClose(_ context.Context, msg *ws.Message) (*ws.Message, error) {
	var req bridge.TerminalCloseRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload", nil)
	}

	m.mu.Lock()
	term, ok := m.terminals[req.TerminalID]
	m.mu.Unlock()
	if ok {
		if term.cmd.Process != nil {
			_ = term.cmd.Process.Kill()
		}
		_ = term.ptmx.Close()
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]bool{"closed": ok})
}

func (m *terminalManager) handleList(_ context.Context, msg *ws.Message) (*ws.Message, error) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.terminals))
	for id := range m.terminals {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	return ws.NewResponse(msg.ID, ws.ActionTerminalList, map[string]interface{}{
		"terminals": ids,
	})
}
