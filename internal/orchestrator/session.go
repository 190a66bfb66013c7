package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sandboxctl/backend/internal/bridge"
	"github.com/sandboxctl/backend/internal/logger"
	"github.com/sandboxctl/backend/internal/sandboxmgr"
	"github.com/sandboxctl/backend/internal/store"
	"github.com/sandboxctl/backend/internal/tracing"
	ws "github.com/sandboxctl/backend/pkg/websocket"
)

const submitTimeout = 30 * time.Second

// session is one in-flight prompt turn. Bridge events for its chat arrive
// on the events channel and are processed serially by run, which also owns
// the turn's single timeout timer; that loop is the only writer of the
// session's state, so the machine needs no lock of its own.
type session struct {
	orch *Orchestrator
	mgr  *sandboxmgr.Manager

	chatID    string
	projectID string
	sandboxID string
	prompt    string
	mode      string
	model     string

	agentSessionID string
	stderr         *stderrRing
	events         chan *ws.Message
	done           chan struct{}
	cancelOnce     sync.Once
	cleanupOnce    sync.Once
	listener       sandboxmgr.ListenerHandle
	logger         *logger.Logger

	// Loop-local state, touched only by run.
	receivedFirst bool
	retried       bool
}

// cancel aborts the session from outside the loop: a successor turn was
// installed, or the process is shutting down.
func (s *session) cancel() {
	s.cancelOnce.Do(func() { close(s.done) })
}

// cleanup detaches the bridge listener and unregisters the session. It is
// idempotent and runs on every terminal transition and on any early error.
func (s *session) cleanup() {
	s.cleanupOnce.Do(func() {
		s.mgr.RemoveListener(s.listener)
		s.orch.detach(s)
	})
}

// onBridgeEvent runs on the transport read loop: it filters events down to
// this session's chat and hands them to the state machine without blocking.
func (s *session) onBridgeEvent(_ string, msg *ws.Message) {
	switch msg.Action {
	case ws.ActionClaudeMsg, ws.ActionClaudeStderr, ws.ActionClaudeExit, ws.ActionClaudeError:
	default:
		return
	}

	var tag struct {
		ChatID string `json:"chatId"`
	}
	if err := msg.ParsePayload(&tag); err != nil || tag.ChatID != s.chatID {
		// Events for other chats on the same sandbox are not ours.
		return
	}

	select {
	case s.events <- msg:
	case <-s.done:
	default:
		s.logger.Warn("session event buffer full, dropping event",
			zap.String("action", msg.Action))
	}
}

// run is the state machine loop for one turn.
func (s *session) run() {
	ctx, span := tracing.TracePromptTurn(context.Background(), s.chatID, s.sandboxID)
	defer span.End()
	defer s.cleanup()

	timer := time.NewTimer(s.orch.cfg.InitialTimeout())
	defer timer.Stop()

	for {
		select {
		case <-s.done:
			tracing.TraceTurnOutcome(span, "cancelled", s.retried)
			return

		case msg := <-s.events:
			if terminal, outcome := s.handleEvent(ctx, msg, timer); terminal {
				tracing.TraceTurnOutcome(span, outcome, s.retried)
				return
			}

		case <-timer.C:
			if terminal, outcome := s.handleTimeout(ctx, timer); terminal {
				tracing.TraceTurnOutcome(span, outcome, s.retried)
				return
			}
		}
	}
}

// rearm resets the turn timer after the loop consumed or stopped it.
func rearm(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// handleEvent processes one inbound bridge event. It returns whether the
// turn reached a terminal state, and the outcome label for tracing.
func (s *session) handleEvent(ctx context.Context, msg *ws.Message, timer *time.Timer) (bool, string) {
	switch msg.Action {
	case ws.ActionClaudeStderr:
		var evt bridge.ClaudeStderrEvent
		if err := msg.ParsePayload(&evt); err != nil {
			return false, ""
		}
		s.stderr.Append(evt.Data)
		rearm(timer, s.orch.cfg.ActivityTimeout())
		return false, ""

	case ws.ActionClaudeMsg:
		var evt bridge.ClaudeMessageEvent
		if err := msg.ParsePayload(&evt); err != nil {
			s.logger.Warn("unparseable claude_message", zap.Error(err))
			return false, ""
		}
		s.receivedFirst = true
		rearm(timer, s.orch.cfg.ActivityTimeout())
		return s.handleAgentEvent(ctx, evt)

	case ws.ActionClaudeExit:
		var evt bridge.ClaudeExitEvent
		if err := msg.ParsePayload(&evt); err != nil {
			return false, ""
		}
		if evt.Code == 0 {
			s.complete(ctx)
			return true, "completed"
		}
		hint := s.stderr.Last(stderrHintLimit)
		text := fmt.Sprintf("Agent exited with code %d", evt.Code)
		if hint != "" {
			text += "\n" + hint
		}
		s.broadcastAgentError(text)
		if !s.retried {
			s.retry(ctx, timer)
			return false, ""
		}
		s.fail(ctx, text)
		return true, "errored"

	case ws.ActionClaudeError:
		var evt bridge.ClaudeErrorEvent
		if err := msg.ParsePayload(&evt); err != nil {
			return false, ""
		}
		// claude_error is terminal immediately; the retry rule covers only
		// stalls and crashes.
		s.broadcastAgentError(evt.Error)
		s.fail(ctx, evt.Error)
		return true, "errored"
	}
	return false, ""
}

// handleAgentEvent interprets one structured agent event from the CLI's
// stdout stream.
func (s *session) handleAgentEvent(ctx context.Context, evt bridge.ClaudeMessageEvent) (bool, string) {
	var stream bridge.AgentStreamEvent
	if err := json.Unmarshal(evt.Data, &stream); err != nil {
		s.logger.Warn("unparseable agent stream event", zap.Error(err))
		return false, ""
	}

	switch stream.Type {
	case "system":
		if stream.Subtype == "init" && stream.SessionID != "" {
			s.adoptSessionID(ctx, stream.SessionID)
		}
		return false, ""

	case "assistant":
		s.persistAssistantMessage(ctx, &stream)
		s.broadcastToSubscribers(ws.ActionAgentMessage, map[string]interface{}{
			"chatId": s.chatID,
			"data":   json.RawMessage(evt.Data),
		})
		return false, ""

	case "result":
		s.persistResultSummary(ctx, &stream)
		if stream.SessionID != "" && s.agentSessionID == "" {
			// Fallback path for agents that only report the session id on
			// the result event.
			s.adoptSessionID(ctx, stream.SessionID)
		}
		if stream.IsError {
			s.fail(ctx, "Agent reported an error result")
			return true, "errored"
		}
		s.complete(ctx)
		return true, "completed"
	}
	return false, ""
}

// adoptSessionID persists the agent session id if the chat has none. Resume
// turns may report a different (re-forked) id; the original stays
// authoritative because it accumulates the full history.
func (s *session) adoptSessionID(ctx context.Context, sessionID string) {
	if s.agentSessionID != "" {
		return
	}
	wrote, err := s.orch.store.SetAgentSessionIDIfAbsent(ctx, s.chatID, sessionID)
	if err != nil {
		s.logger.Error("failed to persist agent session id", zap.Error(err))
		return
	}
	if wrote {
		s.agentSessionID = sessionID
		return
	}
	// Lost a race against an earlier writer; adopt the stored id.
	if chat, err := s.orch.store.GetChat(ctx, s.chatID); err == nil && chat.AgentSessionID != nil {
		s.agentSessionID = *chat.AgentSessionID
	}
}

func (s *session) persistAssistantMessage(ctx context.Context, stream *bridge.AgentStreamEvent) {
	if stream.Message == nil {
		return
	}

	blocks := make([]store.ContentBlock, 0, len(stream.Message.Content))
	for _, raw := range stream.Message.Content {
		var block store.ContentBlock
		if err := json.Unmarshal(raw, &block); err != nil {
			s.logger.Warn("skipping undecodable content block", zap.Error(err))
			continue
		}
		blocks = append(blocks, block)
	}

	metadata := map[string]interface{}{}
	if stream.Message.Model != "" {
		metadata["model"] = stream.Message.Model
	}
	if stream.Message.StopReason != "" {
		metadata["stopReason"] = stream.Message.StopReason
	}
	if stream.Message.Usage != nil {
		metadata["usage"] = map[string]interface{}{
			"inputTokens":  stream.Message.Usage.InputTokens,
			"outputTokens": stream.Message.Usage.OutputTokens,
		}
	}

	err := s.orch.store.AppendMessage(ctx, &store.Message{
		ID:       uuid.New().String(),
		ChatID:   s.chatID,
		Role:     store.MessageRoleAssistant,
		Content:  blocks,
		Metadata: metadata,
	})
	if err != nil {
		s.logger.Error("failed to persist assistant message", zap.Error(err))
	}
}

// persistResultSummary appends the run-summary system message: empty
// content, metadata only.
func (s *session) persistResultSummary(ctx context.Context, stream *bridge.AgentStreamEvent) {
	metadata := map[string]interface{}{
		"costUsd":    stream.CostUSD,
		"durationMs": stream.DurationMs,
		"numTurns":   stream.NumTurns,
	}
	if stream.Usage != nil {
		metadata["inputTokens"] = stream.Usage.InputTokens
		metadata["outputTokens"] = stream.Usage.OutputTokens
	}

	err := s.orch.store.AppendMessage(ctx, &store.Message{
		ID:       uuid.New().String(),
		ChatID:   s.chatID,
		Role:     store.MessageRoleSystem,
		Metadata: metadata,
	})
	if err != nil {
		s.logger.Error("failed to persist run summary", zap.Error(err))
	}
}

// handleTimeout fires when no event arrived inside the window. The first
// stall retries the turn; the second is terminal.
func (s *session) handleTimeout(ctx context.Context, timer *time.Timer) (bool, string) {
	if !s.retried {
		s.logger.Warn("agent stalled, retrying once")
		s.retry(ctx, timer)
		return false, ""
	}

	text := s.timeoutErrorText()
	s.broadcastAgentError(text)
	s.fail(ctx, text)
	return true, "timeout"
}

func (s *session) timeoutErrorText() string {
	var text string
	if s.receivedFirst {
		text = "Agent stopped responding"
	} else {
		text = fmt.Sprintf("Agent did not respond within %ds — the CLI process may have failed to start",
			int(s.orch.cfg.InitialTimeout().Seconds()))
	}
	if hint := s.stderr.Last(stderrHintLimit); hint != "" {
		text += "\n" + hint
	}
	return text
}

// retry re-submits the turn once. A chat that never established an agent
// session gets the original prompt again; one with a session gets a
// synthetic continuation so the agent resumes instead of restarting.
func (s *session) retry(ctx context.Context, timer *time.Timer) {
	s.retried = true

	prompt := s.prompt
	if s.agentSessionID != "" {
		prompt = continuationPrompt
	}

	submitCtx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()
	err := s.mgr.SendPrompt(submitCtx, s.sandboxID, bridge.PromptRequest{
		ChatID:    s.chatID,
		Prompt:    prompt,
		SessionID: s.agentSessionID,
		Mode:      s.mode,
		Model:     s.model,
	})
	if err != nil {
		s.logger.Error("retry submission failed", zap.Error(err))
		text := "Retry failed: " + err.Error()
		s.broadcastAgentError(text)
		s.fail(ctx, text)
		// The loop observes the closed done channel and exits.
		s.cancel()
		return
	}
	rearm(timer, s.orch.cfg.ActivityTimeout())
}

// complete is the successful terminal transition.
func (s *session) complete(ctx context.Context) {
	s.setChatStatus(ctx, store.ChatStatusCompleted)
	s.broadcastToSubscribers(ws.ActionAgentStatus, map[string]string{
		"chatId": s.chatID,
		"status": string(store.ChatStatusCompleted),
	})
	s.cleanup()
}

// fail is the error terminal transition.
func (s *session) fail(ctx context.Context, text string) {
	s.logger.Warn("session errored", zap.String("error", text))
	s.setChatStatus(ctx, store.ChatStatusError)
	s.broadcastToSubscribers(ws.ActionAgentStatus, map[string]string{
		"chatId": s.chatID,
		"status": string(store.ChatStatusError),
	})
	s.cleanup()
}

func (s *session) setChatStatus(ctx context.Context, status store.ChatStatus) {
	chat, err := s.orch.store.GetChat(ctx, s.chatID)
	if err != nil {
		s.logger.Error("failed to load chat for status transition", zap.Error(err))
		return
	}
	chat.Status = status
	if err := s.orch.store.UpdateChat(ctx, chat); err != nil {
		s.logger.Error("failed to update chat status", zap.Error(err))
		return
	}
	if project, err := s.orch.store.GetProject(ctx, s.projectID); err == nil {
		s.orch.broadcastProject(ctx, project)
	}
}

func (s *session) broadcastAgentError(text string) {
	s.broadcastToSubscribers(ws.ActionAgentError, map[string]string{
		"chatId": s.chatID,
		"error":  text,
	})
}

func (s *session) broadcastToSubscribers(action string, payload interface{}) {
	msg, err := ws.NewNotification(action, payload)
	if err != nil {
		s.logger.Error("failed to encode broadcast", zap.String("action", action), zap.Error(err))
		return
	}
	s.orch.broadcaster.BroadcastToSandbox(s.sandboxID, msg)
}
