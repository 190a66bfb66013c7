package websocket

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

	"github.com/sandboxctl/backend/internal/config"
	"github.com/sandboxctl/backend/internal/events/bus"
	"github.com/sandboxctl/backend/internal/logger"
	"github.com/sandboxctl/backend/internal/orchestrator"
	"github.com/sandboxctl/backend/internal/provider"
	"github.com/sandboxctl/backend/internal/registry"
	"github.com/sandboxctl/backend/internal/sandboxmgr"
	"github.com/sandboxctl/backend/internal/store"
	storesqlite "github.com/sandboxctl/backend/internal/store/sqlite"
	ws "github.com/sandboxctl/backend/pkg/websocket"
)

// ackConn handshakes and acks every request.
type ackConn struct {
	inbound chan []byte
	mu      sync.Mutex
	closed  bool
}

func newAckConn() *ackConn {
	c := &ackConn{inbound: make(chan []byte, 32)}
	ready, _ := ws.NewNotification(ws.ActionBridgeReady, map[string]string{})
	data, _ := json.Marshal(ready)
	c.inbound <- data
	return c
}

func (c *ackConn) ReadMessage() ([]byte, error) {
	data, ok := <-c.inbound
	if !ok {
		return nil, context.Canceled
	}
	return data, nil
}

func (c *ackConn) WriteMessage(data []byte) error {
	var msg ws.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	if msg.Type == ws.MessageTypeRequest {
		reply, _ := ws.NewResponse(msg.ID, msg.Action, map[string]bool{"ok": true})
		replyData, _ := json.Marshal(reply)
		c.mu.Lock()
		if !c.closed {
			c.inbound <- replyData
		}
		c.mu.Unlock()
	}
	return nil
}

func (c *ackConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.inbound)
	}
	return nil
}

func (c *ackConn) push(t *testing.T, action string, payload interface{}) {
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

// countingProvider records dials and reconnects.
type countingProvider struct {
	mu         sync.Mutex
	dials      int
	reconnects int
	conns      map[string]*ackConn
}

func newCountingProvider() *countingProvider {
	return &countingProvider{conns: make(map[string]*ackConn)}
}

func (p *countingProvider) CreateSandbox(context.Context, provider.CreateRequest) (string, error) {
	return "sbx-new", nil
}

func (p *countingProvider) ReconnectSandbox(context.Context, string, string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reconnects++
	return nil
}

func (p *countingProvider) StopSandbox(context.Context, string) error   { return nil }
func (p *countingProvider) DeleteSandbox(context.Context, string) error { return nil }
func (p *countingProvider) GetSandboxState(context.Context, string) (provider.State, error) {
	return provider.StateStarted, nil
}
func (p *countingProvider) ForkSandbox(context.Context, string, string, string) (string, error) {
	return "", nil
}
func (p *countingProvider) GetPortPreviewURL(context.Context, string, int) (*provider.PreviewURL, error) {
	return &provider.PreviewURL{URL: "https://preview", Token: "tok"}, nil
}
func (p *countingProvider) GetVscodeURL(context.Context, string) (string, error) { return "", nil }
func (p *countingProvider) CreateSSHAccess(context.Context, string) (*provider.SSHAccess, error) {
	return nil, nil
}

func (p *countingProvider) DialBridge(_ context.Context, sandboxID string) (provider.BridgeConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dials++
	conn := newAckConn()
	p.conns[sandboxID] = conn
	return conn, nil
}

func (p *countingProvider) dialCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dials
}

func (p *countingProvider) reconnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reconnects
}

type gatewayEnv struct {
	hub      *Hub
	handlers *Handlers
	store    store.Store
	provider *countingProvider
	userID   string
	cancel   context.CancelFunc
}

func newGatewayEnv(t *testing.T) *gatewayEnv {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	repo, err := storesqlite.New(db, db)
	require.NoError(t, err)
	user, err := repo.EnsureDefaultUser(context.Background())
	require.NoError(t, err)

	log := logger.Default()
	prov := newCountingProvider()
	handle := sandboxmgr.NewHandle(sandboxmgr.New(prov, log))
	memBus := bus.NewMemoryEventBus(log)

	dispatcher := ws.NewDispatcher()
	hub := NewHub(dispatcher, log)

	reg := registry.New(repo, handle, memBus, config.ProviderConfig{SnapshotName: "base"}, log)
	orch := orchestrator.New(repo, handle, hub, memBus, config.OrchestratorConfig{
		InitialTimeoutOverride:  time.Minute,
		ActivityTimeoutOverride: time.Minute,
	}, log)
	t.Cleanup(orch.Shutdown)

	handlers := NewHandlers(repo, reg, orch, handle, hub, log)
	handlers.Register(dispatcher)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	return &gatewayEnv{
		hub:      hub,
		handlers: handlers,
		store:    repo,
		provider: prov,
		userID:   user.ID,
		cancel:   cancel,
	}
}

// addClient registers a synthetic client (no real socket; broadcasts land
// in its send channel).
func (e *gatewayEnv) addClient(t *testing.T) *Client {
	t.Helper()
	client := NewClient(uuid.New().String(), nil, e.hub, logger.Default())
	e.hub.Register(client)
	require.Eventually(t, func() bool {
		return e.hub.SendToClient(client.ID, mustNotification(t, "ping", nil))
	}, time.Second, 5*time.Millisecond)
	drain(client)
	return client
}

func mustNotification(t *testing.T, action string, payload interface{}) *ws.Message {
	t.Helper()
	msg, err := ws.NewNotification(action, payload)
	require.NoError(t, err)
	return msg
}

func drain(c *Client) {
	for {
		select {
		case <-c.send:
		default:
			return
		}
	}
}

// receivedActions drains the client's send buffer into action names.
func receivedActions(t *testing.T, c *Client) []string {
	t.Helper()
	var actions []string
	for {
		select {
		case data := <-c.send:
			var msg ws.Message
			require.NoError(t, json.Unmarshal(data, &msg))
			actions = append(actions, msg.Action)
		default:
			return actions
		}
	}
}

func (e *gatewayEnv) insertProject(t *testing.T, sandboxID *string, status store.ProjectStatus) *store.Project {
	t.Helper()
	p := &store.Project{
		ID:        uuid.New().String(),
		UserID:    e.userID,
		Name:      "demo",
		SandboxID: sandboxID,
		Status:    status,
	}
	require.NoError(t, e.store.CreateProject(context.Background(), p))
	return p
}

func (e *gatewayEnv) dispatch(t *testing.T, client *Client, action string, payload interface{}) *ws.Message {
	t.Helper()
	msg, err := ws.NewRequest(uuid.New().String(), action, payload)
	require.NoError(t, err)
	ctx := context.WithValue(context.Background(), clientContextKey{}, client)
	reply, err := e.hub.Dispatcher().Dispatch(ctx, msg)
	require.NoError(t, err)
	return reply
}

// TestSubscriberFanOut enforces §8.6: every subscriber gets exactly one
// copy, non-subscribers get none.
func TestSubscriberFanOut(t *testing.T) {
	env := newGatewayEnv(t)

	sub1 := env.addClient(t)
	sub2 := env.addClient(t)
	other := env.addClient(t)

	env.hub.Subscribe("sbx-a", sub1.ID)
	env.hub.Subscribe("sbx-a", sub2.ID)
	env.hub.Subscribe("sbx-b", other.ID)

	env.hub.BroadcastToSandbox("sbx-a", mustNotification(t, ws.ActionTerminalOutput, map[string]string{"terminalId": "t1"}))

	assert.Equal(t, []string{ws.ActionTerminalOutput}, receivedActions(t, sub1))
	assert.Equal(t, []string{ws.ActionTerminalOutput}, receivedActions(t, sub2))
	assert.Empty(t, receivedActions(t, other), "clients subscribed to other sandboxes receive nothing")
}

func TestDisconnectedClientLeavesSubscriberSet(t *testing.T) {
	env := newGatewayEnv(t)

	client := env.addClient(t)
	env.hub.Subscribe("sbx-a", client.ID)
	require.Equal(t, 1, env.hub.SubscriberCount("sbx-a"))

	env.hub.Unregister(client)
	require.Eventually(t, func() bool {
		return env.hub.SubscriberCount("sbx-a") == 0
	}, time.Second, 5*time.Millisecond)
}

// TestSubscribeWhileProvisioning replays S5: subscribing to a creating
// project answers subscribed with a null sandbox id and triggers nothing.
func TestSubscribeWhileProvisioning(t *testing.T) {
	env := newGatewayEnv(t)
	client := env.addClient(t)

	p := env.insertProject(t, nil, store.ProjectStatusCreating)
	reply := env.dispatch(t, client, ws.ActionSubscribeProject, map[string]string{"projectId": p.ID})

	require.NotNil(t, reply)
	assert.Equal(t, ws.ActionSubscribed, reply.Action)
	var payload struct {
		ProjectID string  `json:"projectId"`
		SandboxID *string `json:"sandboxId"`
	}
	require.NoError(t, reply.ParsePayload(&payload))
	assert.Equal(t, p.ID, payload.ProjectID)
	assert.Nil(t, payload.SandboxID)

	// No reconcile, provision, or pre-warm while provisioning owns the
	// project.
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, env.provider.reconnectCount())
	assert.Zero(t, env.provider.dialCount())
}

// TestSubscribeRunningPreWarms replays S6: subscribing to a running project
// answers immediately and pre-warms the bridge; a terminal_list inside the
// pre-warm window does not re-dial.
func TestSubscribeRunningPreWarms(t *testing.T) {
	env := newGatewayEnv(t)
	client := env.addClient(t)

	sandboxID := "sbx-run"
	p := env.insertProject(t, &sandboxID, store.ProjectStatusRunning)

	reply := env.dispatch(t, client, ws.ActionSubscribeProject, map[string]string{"projectId": p.ID})
	require.NotNil(t, reply)
	assert.Equal(t, ws.ActionSubscribed, reply.Action)

	// The pre-warm reconnect runs in the background, not awaited.
	require.Eventually(t, func() bool {
		return env.provider.reconnectCount() == 1 && env.provider.dialCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	reply = env.dispatch(t, client, ws.ActionTerminalList, map[string]string{"projectId": p.ID})
	require.NotNil(t, reply)
	assert.Equal(t, ws.ActionTerminalList, reply.Action)
	assert.Equal(t, 1, env.provider.dialCount(), "warm transport is reused, no re-dial")
}

// TestSandboxEventForwarding covers the listener fan-out path end to end:
// bridge event → manager listener → hub → subscribed client.
func TestSandboxEventForwarding(t *testing.T) {
	env := newGatewayEnv(t)
	client := env.addClient(t)

	sandboxID := "sbx-run"
	p := env.insertProject(t, &sandboxID, store.ProjectStatusRunning)
	env.dispatch(t, client, ws.ActionSubscribeProject, map[string]string{"projectId": p.ID})

	require.Eventually(t, func() bool {
		return env.provider.dialCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	env.provider.conns[sandboxID].push(t, ws.ActionPortsUpdate, map[string]interface{}{
		"ports": []map[string]interface{}{{"port": 3000}},
	})

	require.Eventually(t, func() bool {
		for _, a := range receivedActions(t, client) {
			if a == ws.ActionPortsUpdate {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

// TestFileChangedSuppressedDuringOptimisticWindow covers the authoritative
// suppression window on the file view.
func TestFileChangedSuppressedDuringOptimisticWindow(t *testing.T) {
	env := newGatewayEnv(t)
	client := env.addClient(t)

	sandboxID := "sbx-run"
	p := env.insertProject(t, &sandboxID, store.ProjectStatusRunning)
	env.dispatch(t, client, ws.ActionSubscribeProject, map[string]string{"projectId": p.ID})
	require.Eventually(t, func() bool { return env.provider.dialCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	drain(client)

	env.handlers.window.MarkOptimistic(sandboxID + "/files")
	env.provider.conns[sandboxID].push(t, ws.ActionFileChanged, map[string]interface{}{"dirs": []string{"src"}})

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, receivedActions(t, client), "file_changed suppressed inside the window")

	env.handlers.window.Expire(sandboxID + "/files")
	env.provider.conns[sandboxID].push(t, ws.ActionFileChanged, map[string]interface{}{"dirs": []string{"src"}})

	require.Eventually(t, func() bool {
		for _, a := range receivedActions(t, client) {
			if a == ws.ActionFileChanged {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}
