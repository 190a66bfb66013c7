package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxctl/backend/internal/logger"
	"github.com/sandboxctl/backend/internal/provider"
	ws "github.com/sandboxctl/backend/pkg/websocket"
)

// fakeConn is an in-memory BridgeConn scripted by the test.
type fakeConn struct {
	inbound chan []byte // frames delivered to the transport's read loop
	mu      sync.Mutex
	written []*ws.Message
	closed  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16)}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	data, ok := <-c.inbound
	if !ok {
		return nil, context.Canceled
	}
	return data, nil
}

func (c *fakeConn) WriteMessage(data []byte) error {
	var msg ws.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	c.mu.Lock()
	c.written = append(c.written, &msg)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.inbound)
	}
	return nil
}

func (c *fakeConn) lastWritten(t *testing.T) *ws.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.written)
	return c.written[len(c.written)-1]
}

func (c *fakeConn) push(t *testing.T, msg *ws.Message) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	c.inbound <- data
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (d *fakeDialer) DialBridge(_ context.Context, _ string) (provider.BridgeConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func readyMsg(t *testing.T) *ws.Message {
	t.Helper()
	msg, err := ws.NewNotification(ws.ActionBridgeReady, map[string]string{})
	require.NoError(t, err)
	return msg
}

func connectTransport(t *testing.T, onEvent EventHandler) (*Transport, *fakeDialer) {
	t.Helper()
	dialer := &fakeDialer{}
	tr := NewTransport("sbx-1", dialer, onEvent, logger.Default())
	t.Cleanup(func() { _ = tr.Close() })

	done := make(chan error, 1)
	go func() { done <- tr.Connect(context.Background()) }()

	// The handshake completes once bridge_ready arrives.
	require.Eventually(t, func() bool {
		dialer.mu.Lock()
		defer dialer.mu.Unlock()
		return len(dialer.conns) == 1
	}, time.Second, 5*time.Millisecond)
	dialer.conns[0].push(t, readyMsg(t))
	require.NoError(t, <-done)
	return tr, dialer
}

func TestRequestCorrelatesReplyByID(t *testing.T) {
	tr, dialer := connectTransport(t, nil)
	conn := dialer.conns[0]

	type result struct {
		reply *ws.Message
		err   error
	}
	resCh := make(chan result, 1)
	go func() {
		reply, err := tr.Request(context.Background(), ws.ActionGitStatus, map[string]string{})
		resCh <- result{reply, err}
	}()

	require.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return len(conn.written) == 1
	}, time.Second, 5*time.Millisecond)

	req := conn.lastWritten(t)
	assert.Equal(t, ws.ActionGitStatus, req.Action)

	reply, err := ws.NewResponse(req.ID, req.Action, map[string]string{"branch": "main"})
	require.NoError(t, err)
	conn.push(t, reply)

	res := <-resCh
	require.NoError(t, res.err)
	var payload map[string]string
	require.NoError(t, res.reply.ParsePayload(&payload))
	assert.Equal(t, "main", payload["branch"])
}

func TestRequestTimesOutWithoutReply(t *testing.T) {
	tr, _ := connectTransport(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := tr.Request(ctx, ws.ActionGitStatus, map[string]string{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestEventsRouteToHandlerNotPending(t *testing.T) {
	events := make(chan *ws.Message, 4)
	tr, dialer := connectTransport(t, func(sandboxID string, msg *ws.Message) {
		assert.Equal(t, "sbx-1", sandboxID)
		events <- msg
	})
	_ = tr

	evt, err := ws.NewNotification(ws.ActionClaudeMsg, ClaudeMessageEvent{ChatID: "c1"})
	require.NoError(t, err)
	dialer.conns[0].push(t, evt)

	select {
	case got := <-events:
		assert.Equal(t, ws.ActionClaudeMsg, got.Action)
	case <-time.After(time.Second):
		t.Fatal("event was not delivered to handler")
	}
}

func TestReconnectAfterDropKeepsHandler(t *testing.T) {
	events := make(chan *ws.Message, 4)
	tr, dialer := connectTransport(t, func(_ string, msg *ws.Message) {
		events <- msg
	})
	_ = tr

	// Drop the first connection; the transport should re-dial.
	_ = dialer.conns[0].Close()

	require.Eventually(t, func() bool {
		dialer.mu.Lock()
		defer dialer.mu.Unlock()
		return len(dialer.conns) == 2
	}, 5*time.Second, 10*time.Millisecond)

	evt, err := ws.NewNotification(ws.ActionPortsUpdate, PortsUpdateEvent{})
	require.NoError(t, err)
	dialer.conns[1].push(t, evt)

	select {
	case got := <-events:
		assert.Equal(t, ws.ActionPortsUpdate, got.Action)
	case <-time.After(time.Second):
		t.Fatal("handler did not survive reconnect")
	}
}
