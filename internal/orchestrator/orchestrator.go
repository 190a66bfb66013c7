// Package orchestrator drives the per-chat agent session state machine: it
// owns the conversation lifecycle of every in-flight prompt turn, enforces
// the initial/activity timeout policy with a single retry on stall or
// crash, persists agent-produced messages, and fans session events out to
// the sandbox's subscribers.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sandboxctl/backend/internal/bridge"
	"github.com/sandboxctl/backend/internal/config"
	"github.com/sandboxctl/backend/internal/events"
	"github.com/sandboxctl/backend/internal/events/bus"
	"github.com/sandboxctl/backend/internal/logger"
	"github.com/sandboxctl/backend/internal/sandboxmgr"
	"github.com/sandboxctl/backend/internal/store"
	ws "github.com/sandboxctl/backend/pkg/websocket"
)

const (
	// continuationPrompt resumes a crashed turn once the agent already has
	// a logical session to pick up.
	continuationPrompt = "Continue from where you left off. You had crashed and were restarted."

	// stderrHintLimit bounds how much captured stderr is attached to
	// user-facing error messages.
	stderrHintLimit = 500

	stderrRingSize = 64 * 1024

	sessionEventBuffer = 64
)

// ErrManagerUnavailable mirrors the registry's sentinel for the missing
// provider configuration case.
var ErrManagerUnavailable = errors.New("Sandbox manager not available")

// Broadcaster abstracts the Client Gateway's subscriber fan-out: the
// orchestrator never talks to sockets directly.
type Broadcaster interface {
	// Subscribe adds a client to the sandbox's subscriber set.
	Subscribe(sandboxID, clientID string)
	// BroadcastToSandbox delivers one copy of msg to every subscriber.
	BroadcastToSandbox(sandboxID string, msg *ws.Message)
	// SendToClient delivers msg to one client; false when it is gone.
	SendToClient(clientID string, msg *ws.Message) bool
}

// Orchestrator coordinates all active chat sessions.
type Orchestrator struct {
	store       store.Store
	managers    *sandboxmgr.Handle
	broadcaster Broadcaster
	bus         bus.EventBus
	cfg         config.OrchestratorConfig
	logger      *logger.Logger

	mu       sync.Mutex
	sessions map[string]*session // chatID → active session
}

// New creates an orchestrator.
func New(st store.Store, managers *sandboxmgr.Handle, b Broadcaster, eventBus bus.EventBus, cfg config.OrchestratorConfig, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		store:       st,
		managers:    managers,
		broadcaster: b,
		bus:         eventBus,
		cfg:         cfg,
		logger:      log.WithFields(zap.String("component", "orchestrator")),
		sessions:    make(map[string]*session),
	}
}

// PromptInput carries one send_prompt invocation.
type PromptInput struct {
	ChatID   string
	ClientID string
	Prompt   string
	Mode     string
	Model    string
}

// HandleSendPrompt persists the user's message and starts a prompt turn.
func (o *Orchestrator) HandleSendPrompt(ctx context.Context, in PromptInput) error {
	userMsg := &store.Message{
		ID:      uuid.New().String(),
		ChatID:  in.ChatID,
		Role:    store.MessageRoleUser,
		Content: []store.ContentBlock{{Type: "text", Text: in.Prompt}},
	}
	if err := o.store.AppendMessage(ctx, userMsg); err != nil {
		return fmt.Errorf("failed to persist user message: %w", err)
	}
	return o.startTurn(ctx, in)
}

// HandleExecuteChat re-runs a chat from its stored history: the prompt is
// the concatenation of the text blocks of the chat's first user message.
// Non-text blocks (tool results) are skipped.
func (o *Orchestrator) HandleExecuteChat(ctx context.Context, in PromptInput) error {
	first, err := o.store.FirstUserMessage(ctx, in.ChatID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			o.emitAgentError(in.ClientID, in.ChatID, "Chat has no user message to execute")
			return nil
		}
		return err
	}

	var parts []string
	for _, block := range first.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	if len(parts) == 0 {
		o.emitAgentError(in.ClientID, in.ChatID, "Chat's first user message has no text to execute")
		return nil
	}
	in.Prompt = strings.Join(parts, "\n")
	return o.startTurn(ctx, in)
}

// startTurn resolves the chat's sandbox, installs a fresh session (atomically
// cancelling any predecessor for the same chat), and submits the prompt.
func (o *Orchestrator) startTurn(ctx context.Context, in PromptInput) error {
	chat, err := o.store.GetChat(ctx, in.ChatID)
	if err != nil {
		o.emitAgentError(in.ClientID, in.ChatID, "Chat not found")
		return nil
	}
	project, err := o.store.GetProject(ctx, chat.ProjectID)
	if err != nil {
		o.emitAgentError(in.ClientID, in.ChatID, "Project not found")
		return nil
	}

	mgr := o.managers.Get()
	if mgr == nil {
		o.emitAgentError(in.ClientID, in.ChatID, ErrManagerUnavailable.Error())
		return nil
	}
	if project.SandboxID == nil {
		o.emitAgentError(in.ClientID, in.ChatID, "Project has no sandbox")
		return nil
	}
	sandboxID := *project.SandboxID

	mgr.RegisterProjectName(sandboxID, o.dirNameFor(ctx, project))
	o.broadcaster.Subscribe(sandboxID, in.ClientID)

	chat.Status = store.ChatStatusRunning
	if err := o.store.UpdateChat(ctx, chat); err != nil {
		return err
	}
	o.broadcastProject(ctx, project)

	agentSessionID := ""
	if chat.AgentSessionID != nil {
		agentSessionID = *chat.AgentSessionID
	}

	s := &session{
		orch:           o,
		mgr:            mgr,
		chatID:         in.ChatID,
		projectID:      project.ID,
		sandboxID:      sandboxID,
		prompt:         in.Prompt,
		mode:           in.Mode,
		model:          in.Model,
		agentSessionID: agentSessionID,
		stderr:         newStderrRing(stderrRingSize),
		events:         make(chan *ws.Message, sessionEventBuffer),
		done:           make(chan struct{}),
		logger: o.logger.WithFields(
			zap.String("chat_id", in.ChatID),
			zap.String("sandbox_id", sandboxID)),
	}

	// Install the new session, atomically cancelling its predecessor so a
	// chat never has two in-flight turns.
	o.mu.Lock()
	prev := o.sessions[in.ChatID]
	o.sessions[in.ChatID] = s
	o.mu.Unlock()
	if prev != nil {
		prev.cancel()
	}

	s.listener = mgr.AddListener(sandboxID, s.onBridgeEvent)
	go s.run()

	if err := mgr.SendPrompt(ctx, sandboxID, bridge.PromptRequest{
		ChatID:    in.ChatID,
		Prompt:    in.Prompt,
		SessionID: agentSessionID,
		Mode:      in.Mode,
		Model:     in.Model,
	}); err != nil {
		s.logger.Error("prompt submission failed", zap.Error(err))
		s.broadcastAgentError("Failed to submit prompt: " + err.Error())
		s.fail(context.Background(), "Failed to submit prompt: "+err.Error())
		s.cancel()
		return nil
	}
	return nil
}

// HandleUserAnswer forwards a tool answer into the sandbox and appends the
// matching tool_result user message. It does not touch the state machine.
func (o *Orchestrator) HandleUserAnswer(ctx context.Context, chatID, toolUseID, answer string) error {
	chat, err := o.store.GetChat(ctx, chatID)
	if err != nil {
		return err
	}
	project, err := o.store.GetProject(ctx, chat.ProjectID)
	if err != nil {
		return err
	}
	if project.SandboxID == nil {
		return fmt.Errorf("project has no sandbox")
	}
	mgr := o.managers.Get()
	if mgr == nil {
		return ErrManagerUnavailable
	}

	if err := mgr.SendUserAnswer(ctx, *project.SandboxID, bridge.UserAnswerRequest{
		ChatID:    chatID,
		ToolUseID: toolUseID,
		Answer:    answer,
	}); err != nil {
		return err
	}

	return o.store.AppendMessage(ctx, &store.Message{
		ID:     uuid.New().String(),
		ChatID: chatID,
		Role:   store.MessageRoleUser,
		Content: []store.ContentBlock{{
			Type:      "tool_result",
			ToolUseID: toolUseID,
			Content:   answer,
		}},
	})
}

// Shutdown cancels every active session.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	sessions := make([]*session, 0, len(o.sessions))
	for _, s := range o.sessions {
		sessions = append(sessions, s)
	}
	o.mu.Unlock()
	for _, s := range sessions {
		s.cancel()
	}
}

// dirNameFor resolves the name whose slug addresses the project directory;
// forks use their family root's name.
func (o *Orchestrator) dirNameFor(ctx context.Context, p *store.Project) string {
	if p.ForkedFromID == nil {
		return p.Name
	}
	root, err := o.store.GetProject(ctx, *p.ForkedFromID)
	if err != nil {
		return p.Name
	}
	return root.Name
}

func (o *Orchestrator) emitAgentError(clientID, chatID, text string) {
	msg, err := ws.NewNotification(ws.ActionAgentError, map[string]string{
		"chatId": chatID,
		"error":  text,
	})
	if err != nil {
		return
	}
	if clientID != "" {
		o.broadcaster.SendToClient(clientID, msg)
	}
}

func (o *Orchestrator) broadcastProject(ctx context.Context, p *store.Project) {
	evt := bus.NewEvent(events.ProjectUpdated, "orchestrator", map[string]interface{}{"project": p})
	if err := o.bus.Publish(ctx, events.ProjectUpdated, evt); err != nil {
		o.logger.Warn("failed to broadcast project update", zap.Error(err))
	}
}

// detach removes a finished session from the registry if it is still the
// registered one.
func (o *Orchestrator) detach(s *session) {
	o.mu.Lock()
	if o.sessions[s.chatID] == s {
		delete(o.sessions, s.chatID)
	}
	o.mu.Unlock()
}

// InitialTimeout returns the configured first-event deadline.
func (o *Orchestrator) InitialTimeout() time.Duration { return o.cfg.InitialTimeout() }

// ActivityTimeout returns the configured between-events deadline.
func (o *Orchestrator) ActivityTimeout() time.Duration { return o.cfg.ActivityTimeout() }
