// Package bridgeserver is the in-sandbox bridge process: it accepts one
// duplex WebSocket connection from the control plane, spawns the coding
// agent CLI per prompt, hosts PTY terminal sessions, and serves the
// filesystem, git, port, and layout operations of the bridge protocol.
package bridgeserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sandboxctl/backend/internal/logger"
	ws "github.com/sandboxctl/backend/pkg/websocket"
)

// Config configures one bridge process.
type Config struct {
	Port       int
	ProjectDir string // absolute path of the project working directory
	AgentCmd   string // agent CLI binary, default "claude"
}

// Server hosts the bridge protocol endpoint.
type Server struct {
	cfg        Config
	dispatcher *ws.Dispatcher
	logger     *logger.Logger

	mu   sync.Mutex
	conn *websocket.Conn // the single control-plane connection

	agents    *agentRunner
	terminals *terminalManager
	ports     *portWatcher
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// New creates a bridge server rooted at the project directory.
func New(cfg Config, log *logger.Logger) *Server {
	if cfg.AgentCmd == "" {
		cfg.AgentCmd = "claude"
	}
	s := &Server{
		cfg:        cfg,
		dispatcher: ws.NewDispatcher(),
		logger:     log.WithFields(zap.String("component", "bridge")),
	}
	s.agents = newAgentRunner(s, cfg.AgentCmd, cfg.ProjectDir, log)
	s.terminals = newTerminalManager(s, cfg.ProjectDir, log)
	s.ports = newPortWatcher(s, log)
	s.registerHandlers()
	return s
}

// Run serves until the context ends. Only one control-plane connection is
// active at a time; a newer connection replaces the previous one (the
// control plane reconnects after transient drops).
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: mux,
	}

	go s.ports.run(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("bridge listening",
		zap.Int("port", s.cfg.Port),
		zap.String("project_dir", s.cfg.ProjectDir))
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("upgrade failed", zap.Error(err))
		return
	}

	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.conn = conn
	s.mu.Unlock()

	s.logger.Info("control plane connected")
	s.Emit(ws.ActionBridgeReady, map[string]string{"projectDir": s.cfg.ProjectDir})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.logger.Info("control plane disconnected", zap.Error(err))
			s.mu.Lock()
			if s.conn == conn {
				s.conn = nil
			}
			s.mu.Unlock()
			return
		}

		var msg ws.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("discarding unparseable frame", zap.Error(err))
			continue
		}
		go s.handleMessage(&msg)
	}
}

func (s *Server) handleMessage(msg *ws.Message) {
	reply, err := s.dispatcher.Dispatch(context.Background(), msg)
	if err != nil {
		s.logger.Error("handler failed", zap.String("action", msg.Action), zap.Error(err))
		if errMsg, eerr := ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil); eerr == nil {
			s.send(errMsg)
		}
		return
	}
	if reply != nil {
		s.send(reply)
	}
}

// Emit pushes an unsolicited event to the control plane.
func (s *Server) Emit(action string, payload interface{}) {
	msg, err := ws.NewNotification(action, payload)
	if err != nil {
		s.logger.Error("failed to encode event", zap.String("action", action), zap.Error(err))
		return
	}
	s.send(msg)
}

func (s *Server) send(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Warn("failed to write to control plane", zap.Error(err))
	}
}

func (s *Server) registerHandlers() {
	d := s.dispatcher

	d.RegisterFunc(ws.ActionSendPromptCmd, s.agents.handleSendPrompt)
	d.RegisterFunc(ws.ActionSendUserAnswer, s.agents.handleUserAnswer)

	d.RegisterFunc(ws.ActionTerminalCreate, s.terminals.handleCreate)
	d.RegisterFunc(ws.ActionTerminalInput, s.terminals.handleInput)
	d.RegisterFunc(ws.ActionTerminalResize, s.terminals.handleResize)
	d.RegisterFunc(ws.ActionTerminalClose, s.terminals.handleClose)
	d.RegisterFunc(ws.ActionTerminalList, s.terminals.handleList)

	d.RegisterFunc(ws.ActionFileList, s.handleFileList)
	d.RegisterFunc(ws.ActionFileRead, s.handleFileRead)
	d.RegisterFunc(ws.ActionFileWrite, s.handleFileWrite)
	d.RegisterFunc(ws.ActionFileCreate, s.handleFileCreate)
	d.RegisterFunc(ws.ActionFileRename, s.handleFileRename)
	d.RegisterFunc(ws.ActionFileDelete, s.handleFileDelete)
	d.RegisterFunc(ws.ActionFileMove, s.handleFileMove)
	d.RegisterFunc(ws.ActionFileSearch, s.handleFileSearch)

	d.RegisterFunc(ws.ActionGitStatus, s.gitHandler(s.gitStatus))
	d.RegisterFunc(ws.ActionGitStage, s.gitHandler(s.gitStage))
	d.RegisterFunc(ws.ActionGitUnstage, s.gitHandler(s.gitUnstage))
	d.RegisterFunc(ws.ActionGitDiscard, s.gitHandler(s.gitDiscard))
	d.RegisterFunc(ws.ActionGitCommit, s.gitHandler(s.gitCommit))
	d.RegisterFunc(ws.ActionGitPush, s.gitHandler(s.gitPush))
	d.RegisterFunc(ws.ActionGitPull, s.gitHandler(s.gitPull))
	d.RegisterFunc(ws.ActionGitBranches, s.gitHandler(s.gitBranches))
	d.RegisterFunc(ws.ActionGitCreateBranch, s.gitHandler(s.gitCreateBranch))
	d.RegisterFunc(ws.ActionGitCheckout, s.gitHandler(s.gitCheckout))
	d.RegisterFunc(ws.ActionGetGitBranch, s.handleGetGitBranch)
	d.RegisterFunc(ws.ActionGetProjectDir, s.handleGetProjectDir)

	d.RegisterFunc(ws.ActionLayoutSave, s.handleLayoutSave)
	d.RegisterFunc(ws.ActionLayoutLoad, s.handleLayoutLoad)
}
