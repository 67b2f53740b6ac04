package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tekton/hermes/logging"
)

// WebSocketTransport implements Transport over WebSocket. Besides
// answering the peer it can call it: Call sends a request and waits for
// the matching response.
type WebSocketTransport struct {
	id     string
	conn   *websocket.Conn
	config WebSocketConfig
	logger *logging.Logger

	recv   chan *InboundMessage
	send   chan *OutboundMessage
	done   chan struct{}
	mu     sync.Mutex
	closed bool

	nextID  atomic.Uint64
	pendMu  sync.Mutex
	pending map[string]chan *Response
}

// WebSocketConfig holds WebSocket transport configuration.
type WebSocketConfig struct {
	Config // Embed base config

	// WriteTimeout for write operations.
	WriteTimeout time.Duration

	// ReadTimeout is how long the connection may stay silent, pongs
	// included (0 = no timeout).
	ReadTimeout time.Duration

	// SendTimeout bounds how long Send waits for buffer space.
	// 0 waits until the transport closes.
	SendTimeout time.Duration

	// MaxMessageSize limits incoming message size.
	MaxMessageSize int64

	// PingInterval for keepalive pings (0 = disabled).
	PingInterval time.Duration

	Logger *logging.Logger
}

// DefaultWebSocketConfig returns configuration with sensible defaults.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		Config:         DefaultConfig(),
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    0,
		SendTimeout:    5 * time.Second,
		MaxMessageSize: 1024 * 1024, // 1MB
		PingInterval:   30 * time.Second,
	}
}

// NewWebSocketTransport creates a transport from an existing connection.
func NewWebSocketTransport(conn *websocket.Conn, cfg WebSocketConfig) *WebSocketTransport {
	if cfg.RecvBufferSize <= 0 {
		cfg.RecvBufferSize = DefaultConfig().RecvBufferSize
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = DefaultConfig().SendBufferSize
	}

	conn.SetReadLimit(cfg.MaxMessageSize)

	id := uuid.NewString()
	return &WebSocketTransport{
		id:      id,
		conn:    conn,
		config:  cfg,
		logger:  logging.OrNop(cfg.Logger).WithComponent("transport.ws"),
		recv:    make(chan *InboundMessage, cfg.RecvBufferSize),
		send:    make(chan *OutboundMessage, cfg.SendBufferSize),
		done:    make(chan struct{}),
		pending: make(map[string]chan *Response),
	}
}

// NewWebSocketUpgrader creates an upgrader for accepting WebSocket connections.
func NewWebSocketUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true }, // Override in production
	}
}

// ID identifies the session.
func (t *WebSocketTransport) ID() string {
	return t.id
}

// Done is closed when the transport shuts down.
func (t *WebSocketTransport) Done() <-chan struct{} {
	return t.done
}

// Recv returns the channel for incoming messages.
func (t *WebSocketTransport) Recv() <-chan *InboundMessage {
	return t.recv
}

// Send queues a message for delivery.
func (t *WebSocketTransport) Send(msg *OutboundMessage) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.mu.Unlock()

	var timeout <-chan time.Time
	if t.config.SendTimeout > 0 {
		timer := time.NewTimer(t.config.SendTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case t.send <- msg:
		return nil
	case <-t.done:
		return ErrClosed
	case <-timeout:
		return ErrSendTimeout
	}
}

// Notify sends a notification to the peer.
func (t *WebSocketTransport) Notify(method string, params interface{}) error {
	return t.Send(&OutboundMessage{Notification: &Notification{JSONRPC: Version, Method: method, Params: params}})
}

// Call sends a request to the peer and waits for its response. The
// response may carry an error; Call only fails on transport problems or
// when ctx ends.
func (t *WebSocketTransport) Call(ctx context.Context, method string, params interface{}) (*Response, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	id := fmt.Sprintf("h-%d", t.nextID.Add(1))
	ch := make(chan *Response, 1)

	t.pendMu.Lock()
	t.pending[id] = ch
	t.pendMu.Unlock()
	defer func() {
		t.pendMu.Lock()
		delete(t.pending, id)
		t.pendMu.Unlock()
	}()

	if err := t.Send(&OutboundMessage{Request: &Request{JSONRPC: Version, ID: id, Method: method, Params: data}}); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, ErrClosed
	}
}

// resolve hands a response to the Call waiting for it.
func (t *WebSocketTransport) resolve(resp *Response) bool {
	id := fmt.Sprint(resp.ID)
	t.pendMu.Lock()
	ch, ok := t.pending[id]
	t.pendMu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- resp:
	default:
	}
	return true
}

// Run starts the transport, blocking until ctx is cancelled or the peer
// disconnects.
func (t *WebSocketTransport) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)

	readDone := make(chan struct{})
	go func() {
		defer wg.Done()
		defer close(readDone)
		t.readLoop(ctx)
	}()

	go func() {
		defer wg.Done()
		t.writeLoop(ctx)
	}()

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case <-readDone:
	case <-t.done:
	}

	t.Close()
	wg.Wait()
	t.logger.Debug("session_closed", map[string]interface{}{"session_id": t.id})
	return err
}

// Close initiates graceful shutdown.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)

	t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	t.mu.Unlock()

	return t.conn.Close()
}

// readLoop reads WebSocket messages and sends to recv channel.
func (t *WebSocketTransport) readLoop(ctx context.Context) {
	defer close(t.recv)

	if t.config.ReadTimeout > 0 {
		t.conn.SetReadDeadline(time.Now().Add(t.config.ReadTimeout))
		t.conn.SetPongHandler(func(string) error {
			return t.conn.SetReadDeadline(time.Now().Add(t.config.ReadTimeout))
		})
	}

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				select {
				case <-t.done:
				default:
					t.logger.Debug("read_failed", map[string]interface{}{"session_id": t.id, "error": err.Error()})
				}
			}
			return
		}
		if t.config.ReadTimeout > 0 {
			t.conn.SetReadDeadline(time.Now().Add(t.config.ReadTimeout))
		}

		msg, parseErr := ParseInbound(data)
		if parseErr != nil {
			t.sendParseError(parseErr)
			continue
		}
		if msg.Response != nil {
			if !t.resolve(msg.Response) {
				t.logger.Debug("unexpected_response", map[string]interface{}{"session_id": t.id, "id": msg.Response.ID})
			}
			continue
		}

		select {
		case t.recv <- msg:
		case <-ctx.Done():
			return
		case <-t.done:
			return
		}
	}
}

// writeLoop reads from send channel and writes to WebSocket.
func (t *WebSocketTransport) writeLoop(ctx context.Context) {
	ticker := t.createPingTicker()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.drainSendQueue()
			return
		case <-t.done:
			t.drainSendQueue()
			return
		case <-ticker.C:
			t.writePing()
		case msg := <-t.send:
			t.writeMessage(msg)
		}
	}
}

// createPingTicker creates a ticker for keepalive pings.
func (t *WebSocketTransport) createPingTicker() *time.Ticker {
	if t.config.PingInterval > 0 {
		return time.NewTicker(t.config.PingInterval)
	}
	// Return a ticker that never fires
	ticker := time.NewTicker(time.Hour)
	ticker.Stop()
	return ticker
}

// writePing sends a WebSocket ping frame.
func (t *WebSocketTransport) writePing() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}

	t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
}

// drainSendQueue writes remaining messages before shutdown.
func (t *WebSocketTransport) drainSendQueue() {
	for {
		select {
		case msg := <-t.send:
			t.writeMessage(msg)
		default:
			return
		}
	}
}

// writeMessage serializes and writes a single message.
func (t *WebSocketTransport) writeMessage(msg *OutboundMessage) {
	data, err := MarshalOutbound(msg)
	if err != nil {
		t.logger.Warn("encode_failed", map[string]interface{}{"session_id": t.id, "error": err.Error()})
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}

	if t.config.WriteTimeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
	}

	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.logger.Debug("write_failed", map[string]interface{}{"session_id": t.id, "error": err.Error()})
	}
}

// sendParseError sends an error response for parse failures.
func (t *WebSocketTransport) sendParseError(parseErr error) {
	rpcErr, ok := parseErr.(*Error)
	if !ok {
		rpcErr = NewError(ParseError, "Parse error", parseErr.Error())
	}

	t.Send(&OutboundMessage{Response: ErrorResponse(nil, rpcErr)})
}
