package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sandboxctl/backend/internal/logger"
	"github.com/sandboxctl/backend/internal/provider"
	"github.com/sandboxctl/backend/internal/tracing"
	ws "github.com/sandboxctl/backend/pkg/websocket"
)

const (
	defaultRequestTimeout = 30 * time.Second
	handshakeTimeout      = 15 * time.Second
	reconnectBaseDelay    = 1 * time.Second
	reconnectMaxDelay     = 30 * time.Second
)

// ErrClosed is returned for operations on a transport that has been shut
// down deliberately.
var ErrClosed = errors.New("bridge transport closed")

// EventHandler receives inbound bridge events tagged with their sandbox id.
// Handlers run on the transport's read loop; they must not block.
type EventHandler func(sandboxID string, msg *ws.Message)

// Dialer opens the duplex stream to one sandbox's bridge. Satisfied by every
// provider backend.
type Dialer interface {
	DialBridge(ctx context.Context, sandboxID string) (provider.BridgeConn, error)
}

// Transport is the per-sandbox connection to the in-sandbox bridge process.
// It correlates command replies by message id and re-establishes the
// underlying connection on transient drops; the registered event handler
// survives reconnects.
type Transport struct {
	sandboxID string
	dialer    Dialer
	onEvent   EventHandler
	logger    *logger.Logger

	mu      sync.Mutex
	conn    provider.BridgeConn
	pending map[string]chan *ws.Message
	closed  bool
	ready   chan struct{} // closed once bridge_ready arrives
}

// NewTransport creates a transport for one sandbox. Connect must be called
// before commands are issued.
func NewTransport(sandboxID string, dialer Dialer, onEvent EventHandler, log *logger.Logger) *Transport {
	return &Transport{
		sandboxID: sandboxID,
		dialer:    dialer,
		onEvent:   onEvent,
		logger:    log.WithFields(zap.String("sandbox_id", sandboxID)),
		pending:   make(map[string]chan *ws.Message),
		ready:     make(chan struct{}),
	}
}

// SandboxID returns the sandbox this transport is bound to.
func (t *Transport) SandboxID() string { return t.sandboxID }

// Connect dials the bridge and waits for its bridge_ready handshake. A
// consumer may call this eagerly (pre-warm) before issuing any operation;
// concurrent calls after a successful connect are no-ops.
func (t *Transport) Connect(ctx context.Context) error {
	ctx, span := tracing.TraceBridgeConnect(ctx, t.sandboxID)
	defer span.End()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.conn != nil {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	conn, err := t.dialer.DialBridge(ctx, t.sandboxID)
	if err != nil {
		tracing.RecordError(span, err)
		return fmt.Errorf("failed to dial bridge: %w", err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	t.conn = conn
	t.mu.Unlock()

	go t.readLoop(conn)

	select {
	case <-t.ready:
		return nil
	case <-time.After(handshakeTimeout):
		tracing.RecordError(span, errors.New("bridge handshake timeout"))
		return fmt.Errorf("bridge did not report ready within %s", handshakeTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Request sends one command and waits for its single correlated reply.
func (t *Transport) Request(ctx context.Context, action string, payload interface{}) (*ws.Message, error) {
	ctx, span := tracing.TraceBridgeCommand(ctx, t.sandboxID, action)
	defer span.End()

	msg, err := ws.NewRequest(uuid.New().String(), action, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", action, err)
	}

	replyCh := make(chan *ws.Message, 1)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	conn := t.conn
	t.pending[msg.ID] = replyCh
	t.mu.Unlock()

	if conn == nil {
		t.removePending(msg.ID)
		return nil, errors.New("bridge not connected")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.removePending(msg.ID)
		return nil, err
	}
	if err := conn.WriteMessage(data); err != nil {
		t.removePending(msg.ID)
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("failed to send %s: %w", action, err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultRequestTimeout)
		defer cancel()
	}

	select {
	case reply := <-replyCh:
		if reply.Type == ws.MessageTypeError {
			var errPayload ws.ErrorPayload
			_ = reply.ParsePayload(&errPayload)
			return reply, fmt.Errorf("%s failed: %s", action, errPayload.Message)
		}
		return reply, nil
	case <-ctx.Done():
		t.removePending(msg.ID)
		tracing.RecordError(span, ctx.Err())
		return nil, fmt.Errorf("%s timed out: %w", action, ctx.Err())
	}
}

// Notify sends a fire-and-forget message (terminal input, resize).
func (t *Transport) Notify(action string, payload interface{}) error {
	msg, err := ws.NewNotification(action, payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", action, err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	t.mu.Lock()
	conn := t.conn
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return errors.New("bridge not connected")
	}
	return conn.WriteMessage(data)
}

// Close shuts the transport down permanently and fails outstanding requests.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.conn = nil
	pending := t.pending
	t.pending = make(map[string]chan *ws.Message)
	t.mu.Unlock()

	for id, ch := range pending {
		errMsg, _ := ws.NewError(id, "", ws.ErrorCodeInternalError, "bridge transport closed", nil)
		ch <- errMsg
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (t *Transport) removePending(id string) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// readLoop drains one connection. On read error it schedules a reconnect
// unless the transport was closed deliberately.
func (t *Transport) readLoop(conn provider.BridgeConn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			if t.conn == conn {
				t.conn = nil
			}
			t.mu.Unlock()
			_ = conn.Close()

			if !closed {
				t.logger.Warn("bridge connection dropped, reconnecting", zap.Error(err))
				go t.reconnectLoop()
			}
			return
		}

		var msg ws.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.logger.Warn("discarding unparseable bridge frame", zap.Error(err))
			continue
		}
		t.dispatch(&msg)
	}
}

func (t *Transport) dispatch(msg *ws.Message) {
	if msg.Action == ws.ActionBridgeReady {
		t.signalReady()
		return
	}

	// Replies carry the id of the command that produced them.
	if msg.ID != "" && (msg.Type == ws.MessageTypeResponse || msg.Type == ws.MessageTypeError) {
		t.mu.Lock()
		ch, ok := t.pending[msg.ID]
		if ok {
			delete(t.pending, msg.ID)
		}
		t.mu.Unlock()
		if ok {
			ch <- msg
			return
		}
	}

	if t.onEvent != nil {
		t.onEvent(t.sandboxID, msg)
	}
}

func (t *Transport) signalReady() {
	t.mu.Lock()
	select {
	case <-t.ready:
	default:
		close(t.ready)
	}
	t.mu.Unlock()
}

// reconnectLoop re-dials with exponential backoff until it succeeds or the
// transport is closed. Pending requests from the dropped connection are not
// replayed; their callers time out and retry at their own layer.
func (t *Transport) reconnectLoop() {
	delay := reconnectBaseDelay
	for {
		t.mu.Lock()
		if t.closed || t.conn != nil {
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
		conn, err := t.dialer.DialBridge(ctx, t.sandboxID)
		cancel()
		if err == nil {
			t.mu.Lock()
			if t.closed {
				t.mu.Unlock()
				_ = conn.Close()
				return
			}
			t.conn = conn
			t.mu.Unlock()
			t.logger.Info("bridge connection re-established")
			go t.readLoop(conn)
			return
		}

		t.logger.Debug("bridge reconnect failed", zap.Error(err), zap.Duration("retry_in", delay))
		time.Sleep(delay)
		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
}
