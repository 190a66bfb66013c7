package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxctl/backend/internal/bridge"
	"github.com/sandboxctl/backend/internal/config"
	"github.com/sandboxctl/backend/internal/events/bus"
	"github.com/sandboxctl/backend/internal/logger"
	"github.com/sandboxctl/backend/internal/provider"
	"github.com/sandboxctl/backend/internal/sandboxmgr"
	"github.com/sandboxctl/backend/internal/store"
	storesqlite "github.com/sandboxctl/backend/internal/store/sqlite"
	ws "github.com/sandboxctl/backend/pkg/websocket"
)

// bridgeConn simulates the in-sandbox bridge: it handshakes, acks every
// command, and records submitted prompts for assertions.
type bridgeConn struct {
	inbound chan []byte
	mu      sync.Mutex
	prompts []bridge.PromptRequest
	closed  bool
}

func newBridgeConn() *bridgeConn {
	c := &bridgeConn{inbound: make(chan []byte, 64)}
	ready, _ := ws.NewNotification(ws.ActionBridgeReady, map[string]string{})
	data, _ := json.Marshal(ready)
	c.inbound <- data
	return c
}

func (c *bridgeConn) ReadMessage() ([]byte, error) {
	data, ok := <-c.inbound
	if !ok {
		return nil, context.Canceled
	}
	return data, nil
}

func (c *bridgeConn) WriteMessage(data []byte) error {
	var msg ws.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	if msg.Action == ws.ActionSendPromptCmd {
		var req bridge.PromptRequest
		if err := msg.ParsePayload(&req); err != nil {
			return err
		}
		c.mu.Lock()
		c.prompts = append(c.prompts, req)
		c.mu.Unlock()
	}
	if msg.Type == ws.MessageTypeRequest {
		reply, _ := ws.NewResponse(msg.ID, msg.Action, map[string]bool{"accepted": true})
		replyData, _ := json.Marshal(reply)
		c.mu.Lock()
		if !c.closed {
			c.inbound <- replyData
		}
		c.mu.Unlock()
	}
	return nil
}

func (c *bridgeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.inbound)
	}
	return nil
}

func (c *bridgeConn) promptCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.prompts)
}

func (c *bridgeConn) prompt(i int) bridge.PromptRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prompts[i]
}

// emit pushes a bridge event into the transport's read loop.
func (c *bridgeConn) emit(t *testing.T, action string, payload interface{}) {
	t.Helper()
	msg, err := ws.NewNotification(action, payload)
	require.NoError(t, err)
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.inbound <- data
	}
}

func (c *bridgeConn) emitClaudeMessage(t *testing.T, chatID string, data string) {
	t.Helper()
	c.emit(t, ws.ActionClaudeMsg, bridge.ClaudeMessageEvent{
		ChatID: chatID,
		Data:   json.RawMessage(data),
	})
}

type connProvider struct {
	mu    sync.Mutex
	conns map[string]*bridgeConn
}

func newConnProvider() *connProvider {
	return &connProvider{conns: make(map[string]*bridgeConn)}
}

func (p *connProvider) CreateSandbox(context.Context, provider.CreateRequest) (string, error) {
	return "sbx", nil
}
func (p *connProvider) ReconnectSandbox(context.Context, string, string) error { return nil }
func (p *connProvider) StopSandbox(context.Context, string) error              { return nil }
func (p *connProvider) DeleteSandbox(context.Context, string) error            { return nil }
func (p *connProvider) GetSandboxState(context.Context, string) (provider.State, error) {
	return provider.StateStarted, nil
}
func (p *connProvider) ForkSandbox(context.Context, string, string, string) (string, error) {
	return "", nil
}
func (p *connProvider) GetPortPreviewURL(context.Context, string, int) (*provider.PreviewURL, error) {
	return nil, nil
}
func (p *connProvider) GetVscodeURL(context.Context, string) (string, error) { return "", nil }
func (p *connProvider) CreateSSHAccess(context.Context, string) (*provider.SSHAccess, error) {
	return nil, nil
}

func (p *connProvider) DialBridge(_ context.Context, sandboxID string) (provider.BridgeConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn := newBridgeConn()
	p.conns[sandboxID] = conn
	return conn, nil
}

func (p *connProvider) conn(sandboxID string) *bridgeConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[sandboxID]
}

// fakeBroadcaster records subscriber changes and broadcast messages.
type fakeBroadcaster struct {
	mu         sync.Mutex
	subscribed map[string][]string
	broadcasts map[string][]*ws.Message
	direct     map[string][]*ws.Message
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{
		subscribed: make(map[string][]string),
		broadcasts: make(map[string][]*ws.Message),
		direct:     make(map[string][]*ws.Message),
	}
}

func (b *fakeBroadcaster) Subscribe(sandboxID, clientID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribed[sandboxID] = append(b.subscribed[sandboxID], clientID)
}

func (b *fakeBroadcaster) BroadcastToSandbox(sandboxID string, msg *ws.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broadcasts[sandboxID] = append(b.broadcasts[sandboxID], msg)
}

func (b *fakeBroadcaster) SendToClient(clientID string, msg *ws.Message) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.direct[clientID] = append(b.direct[clientID], msg)
	return true
}

func (b *fakeBroadcaster) actions(sandboxID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, msg := range b.broadcasts[sandboxID] {
		out = append(out, msg.Action)
	}
	return out
}

func (b *fakeBroadcaster) lastPayload(t *testing.T, sandboxID, action string) map[string]interface{} {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.broadcasts[sandboxID]) - 1; i >= 0; i-- {
		msg := b.broadcasts[sandboxID][i]
		if msg.Action == action {
			var payload map[string]interface{}
			require.NoError(t, msg.ParsePayload(&payload))
			return payload
		}
	}
	t.Fatalf("no %s broadcast for %s", action, sandboxID)
	return nil
}

type orchEnv struct {
	orch        *Orchestrator
	store       store.Store
	provider    *connProvider
	broadcaster *fakeBroadcaster
	chatID      string
	sandboxID   string
}

func newOrchEnv(t *testing.T, initial, activity time.Duration) *orchEnv {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	repo, err := storesqlite.New(db, db)
	require.NoError(t, err)

	ctx := context.Background()
	user, err := repo.EnsureDefaultUser(ctx)
	require.NoError(t, err)

	sandboxID := "sbx"
	project := &store.Project{
		ID:        uuid.New().String(),
		UserID:    user.ID,
		Name:      "demo",
		SandboxID: &sandboxID,
		Status:    store.ProjectStatusRunning,
	}
	require.NoError(t, repo.CreateProject(ctx, project))

	chat := &store.Chat{ID: uuid.New().String(), ProjectID: project.ID, Title: "chat"}
	require.NoError(t, repo.CreateChat(ctx, chat))

	log := logger.Default()
	prov := newConnProvider()
	handle := sandboxmgr.NewHandle(sandboxmgr.New(prov, log))
	broadcaster := newFakeBroadcaster()

	cfg := config.OrchestratorConfig{
		InitialTimeoutOverride:  initial,
		ActivityTimeoutOverride: activity,
	}
	orch := New(repo, handle, broadcaster, bus.NewMemoryEventBus(log), cfg, log)
	t.Cleanup(orch.Shutdown)

	return &orchEnv{
		orch:        orch,
		store:       repo,
		provider:    prov,
		broadcaster: broadcaster,
		chatID:      chat.ID,
		sandboxID:   sandboxID,
	}
}

func (e *orchEnv) sendPrompt(t *testing.T, prompt string) {
	t.Helper()
	err := e.orch.HandleSendPrompt(context.Background(), PromptInput{
		ChatID:   e.chatID,
		ClientID: "client-1",
		Prompt:   prompt,
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		conn := e.provider.conn(e.sandboxID)
		return conn != nil && conn.promptCount() >= 1
	}, 2*time.Second, 5*time.Millisecond)
}

func (e *orchEnv) chat(t *testing.T) *store.Chat {
	t.Helper()
	chat, err := e.store.GetChat(context.Background(), e.chatID)
	require.NoError(t, err)
	return chat
}

func (e *orchEnv) waitChatStatus(t *testing.T, want store.ChatStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		return e.chat(t).Status == want
	}, 3*time.Second, 10*time.Millisecond)
}

// TestHappyPromptTurn replays the full S1 flow: init, assistant, result.
func TestHappyPromptTurn(t *testing.T) {
	env := newOrchEnv(t, time.Minute, time.Minute)
	env.sendPrompt(t, "Hi")

	conn := env.provider.conn(env.sandboxID)
	conn.emitClaudeMessage(t, env.chatID, `{"type":"system","subtype":"init","session_id":"s-1"}`)
	conn.emitClaudeMessage(t, env.chatID,
		`{"type":"assistant","message":{"model":"m1","content":[{"type":"text","text":"Hello"}],"stop_reason":"end_turn"}}`)
	conn.emitClaudeMessage(t, env.chatID,
		`{"type":"result","is_error":false,"num_turns":1,"duration_ms":120,"total_cost_usd":0.01}`)

	env.waitChatStatus(t, store.ChatStatusCompleted)

	chat := env.chat(t)
	require.NotNil(t, chat.AgentSessionID)
	assert.Equal(t, "s-1", *chat.AgentSessionID)

	messages, err := env.store.ListMessagesByChat(context.Background(), env.chatID)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, store.MessageRoleUser, messages[0].Role)
	assert.Equal(t, "Hi", messages[0].Content[0].Text)
	assert.Equal(t, store.MessageRoleAssistant, messages[1].Role)
	assert.Equal(t, "Hello", messages[1].Content[0].Text)
	assert.Equal(t, store.MessageRoleSystem, messages[2].Role)
	assert.Empty(t, messages[2].Content)
	assert.Equal(t, 0.01, messages[2].Metadata["costUsd"])
	assert.Equal(t, float64(120), messages[2].Metadata["durationMs"])
	assert.Equal(t, float64(1), messages[2].Metadata["numTurns"])

	actions := env.broadcaster.actions(env.sandboxID)
	assert.Contains(t, actions, ws.ActionAgentMessage)
	status := env.broadcaster.lastPayload(t, env.sandboxID, ws.ActionAgentStatus)
	assert.Equal(t, "completed", status["status"])
}

// TestStallRetriesThenErrors replays S2: a silent agent gets exactly one
// retry with the original prompt, then the turn errors.
func TestStallRetriesThenErrors(t *testing.T) {
	env := newOrchEnv(t, 80*time.Millisecond, 120*time.Millisecond)
	env.sendPrompt(t, "Hi")
	conn := env.provider.conn(env.sandboxID)

	// The initial timeout triggers exactly one re-submission of the same
	// tuple: same prompt, same chat, still no session id.
	require.Eventually(t, func() bool {
		return conn.promptCount() == 2
	}, 2*time.Second, 5*time.Millisecond)
	retry := conn.prompt(1)
	assert.Equal(t, "Hi", retry.Prompt)
	assert.Equal(t, env.chatID, retry.ChatID)
	assert.Empty(t, retry.SessionID)

	env.waitChatStatus(t, store.ChatStatusError)
	assert.Equal(t, 2, conn.promptCount(), "no further submissions after the retry cap")

	errPayload := env.broadcaster.lastPayload(t, env.sandboxID, ws.ActionAgentError)
	assert.Regexp(t, `Agent (stopped responding|did not respond)`, errPayload["error"])
}

// TestCrashAfterFirstMessageRetriesWithContinuation replays S3: a non-zero
// exit after the session was established retries with the synthetic
// continuation prompt and keeps the original session id.
func TestCrashAfterFirstMessageRetriesWithContinuation(t *testing.T) {
	env := newOrchEnv(t, time.Minute, time.Minute)
	env.sendPrompt(t, "Hi")
	conn := env.provider.conn(env.sandboxID)

	conn.emitClaudeMessage(t, env.chatID, `{"type":"system","subtype":"init","session_id":"s-2"}`)
	conn.emitClaudeMessage(t, env.chatID,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"working..."}]}}`)
	conn.emit(t, ws.ActionClaudeExit, bridge.ClaudeExitEvent{ChatID: env.chatID, Code: 1})

	require.Eventually(t, func() bool {
		return conn.promptCount() == 2
	}, 2*time.Second, 5*time.Millisecond)

	retry := conn.prompt(1)
	assert.Equal(t, "Continue from where you left off. You had crashed and were restarted.", retry.Prompt)
	assert.Equal(t, env.chatID, retry.ChatID)
	assert.Equal(t, "s-2", retry.SessionID)

	chat := env.chat(t)
	require.NotNil(t, chat.AgentSessionID)
	assert.Equal(t, "s-2", *chat.AgentSessionID)
}

// TestExitNonZeroWithoutSessionRetriesOriginalPrompt covers the other half
// of the retry rule: no session id yet means the original prompt is reused.
func TestExitNonZeroWithoutSessionRetriesOriginalPrompt(t *testing.T) {
	env := newOrchEnv(t, time.Minute, time.Minute)
	env.sendPrompt(t, "build it")
	conn := env.provider.conn(env.sandboxID)

	conn.emit(t, ws.ActionClaudeStderr, bridge.ClaudeStderrEvent{ChatID: env.chatID, Data: "boom: out of memory"})
	conn.emit(t, ws.ActionClaudeExit, bridge.ClaudeExitEvent{ChatID: env.chatID, Code: 137})

	require.Eventually(t, func() bool {
		return conn.promptCount() == 2
	}, 2*time.Second, 5*time.Millisecond)
	retry := conn.prompt(1)
	assert.Equal(t, "build it", retry.Prompt)
	assert.Empty(t, retry.SessionID)

	// The stderr hint rides along on the broadcast error.
	errPayload := env.broadcaster.lastPayload(t, env.sandboxID, ws.ActionAgentError)
	assert.Contains(t, errPayload["error"], "out of memory")

	// A second crash is terminal.
	conn.emit(t, ws.ActionClaudeExit, bridge.ClaudeExitEvent{ChatID: env.chatID, Code: 137})
	env.waitChatStatus(t, store.ChatStatusError)
	assert.Equal(t, 2, conn.promptCount())
}

// TestSessionIDNeverOverwritten enforces §8.4: the first observed
// system/init session id wins for the life of the chat.
func TestSessionIDNeverOverwritten(t *testing.T) {
	env := newOrchEnv(t, time.Minute, time.Minute)
	env.sendPrompt(t, "Hi")
	conn := env.provider.conn(env.sandboxID)

	conn.emitClaudeMessage(t, env.chatID, `{"type":"system","subtype":"init","session_id":"s-first"}`)
	conn.emitClaudeMessage(t, env.chatID, `{"type":"system","subtype":"init","session_id":"s-forked"}`)
	conn.emitClaudeMessage(t, env.chatID, `{"type":"result","is_error":false,"session_id":"s-forked"}`)

	env.waitChatStatus(t, store.ChatStatusCompleted)

	chat := env.chat(t)
	require.NotNil(t, chat.AgentSessionID)
	assert.Equal(t, "s-first", *chat.AgentSessionID)
}

// TestEventIsolation enforces §8.5: events tagged with another chat id are
// ignored entirely.
func TestEventIsolation(t *testing.T) {
	env := newOrchEnv(t, time.Minute, time.Minute)
	env.sendPrompt(t, "Hi")
	conn := env.provider.conn(env.sandboxID)

	conn.emitClaudeMessage(t, "other-chat", `{"type":"system","subtype":"init","session_id":"s-x"}`)
	conn.emitClaudeMessage(t, "other-chat", `{"type":"result","is_error":false}`)

	// Give the pipeline a moment; nothing should have changed.
	time.Sleep(50 * time.Millisecond)

	chat := env.chat(t)
	assert.Nil(t, chat.AgentSessionID)
	assert.Equal(t, store.ChatStatusRunning, chat.Status)

	messages, err := env.store.ListMessagesByChat(context.Background(), env.chatID)
	require.NoError(t, err)
	assert.Len(t, messages, 1, "only the user prompt is stored")
}

// TestExecuteChatConcatenatesTextBlocks pins the documented executeChat
// behavior: all text blocks of the first user message, non-text skipped.
func TestExecuteChatConcatenatesTextBlocks(t *testing.T) {
	env := newOrchEnv(t, time.Minute, time.Minute)
	ctx := context.Background()

	require.NoError(t, env.store.AppendMessage(ctx, &store.Message{
		ID:     uuid.New().String(),
		ChatID: env.chatID,
		Role:   store.MessageRoleUser,
		Content: []store.ContentBlock{
			{Type: "text", Text: "part one"},
			{Type: "tool_result", ToolUseID: "t1", Content: "ignored"},
			{Type: "text", Text: "part two"},
		},
	}))

	err := env.orch.HandleExecuteChat(ctx, PromptInput{ChatID: env.chatID, ClientID: "client-1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		conn := env.provider.conn(env.sandboxID)
		return conn != nil && conn.promptCount() == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "part one\npart two", env.provider.conn(env.sandboxID).prompt(0).Prompt)
}

// TestUserAnswerAppendsToolResult checks the companion operation: forward
// plus a tool_result user message, no state machine involvement.
func TestUserAnswerAppendsToolResult(t *testing.T) {
	env := newOrchEnv(t, time.Minute, time.Minute)
	ctx := context.Background()

	require.NoError(t, env.orch.HandleUserAnswer(ctx, env.chatID, "tool-7", "yes, proceed"))

	messages, err := env.store.ListMessagesByChat(ctx, env.chatID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Len(t, messages[0].Content, 1)
	block := messages[0].Content[0]
	assert.Equal(t, "tool_result", block.Type)
	assert.Equal(t, "tool-7", block.ToolUseID)
}
