package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tekton/hermes/config"
	"github.com/tekton/hermes/hub"
	"github.com/tekton/hermes/metrics"
	"github.com/tekton/hermes/registry"
	"github.com/tekton/hermes/router"
	"github.com/tekton/hermes/transport"
)

func startServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.Retry = config.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 1}
	cfg.Router.DeliveryTimeout = time.Second
	cfg.Router.RequestTimeout = time.Second

	h, err := hub.New(context.Background(), cfg, hub.Options{Metrics: metrics.New(prometheus.NewRegistry())})
	require.NoError(t, err)
	require.NoError(t, h.Start(context.Background()))

	s := New(Config{Hub: h})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(ctx)
		ts.Close()
		h.Stop(ctx)
	})
	return s, ts
}

func rpc(t *testing.T, ts *httptest.Server, method string, params interface{}) *transport.Response {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	body, _ := json.Marshal(transport.Request{JSONRPC: "2.0", ID: 1, Method: method, Params: raw})
	resp, err := http.Post(ts.URL+"/rpc", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out transport.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return &out
}

func result[T any](t *testing.T, resp *transport.Response) T {
	t.Helper()
	require.Nil(t, resp.Error, "unexpected error: %v", resp.Error)
	var v T
	require.NoError(t, json.Unmarshal(resp.Result, &v))
	return v
}

func registerHTTP(t *testing.T, ts *httptest.Server, id, endpoint string, caps ...string) string {
	t.Helper()
	reg := result[hub.Registration](t, rpc(t, ts, "hermes.register", registry.RegisterRequest{
		ID: id, Name: id, Version: "1.0.0", Type: "service", Endpoint: endpoint, Capabilities: caps,
	}))
	require.NotEmpty(t, reg.Token)
	return reg.Token
}

func TestRPC_RegistrationAndDiscovery(t *testing.T) {
	_, ts := startServer(t)
	token := registerHTTP(t, ts, "svc-a", "", "memory")

	comp := result[registry.ComponentRecord](t, rpc(t, ts, "hermes.component", ComponentParams{ComponentID: "svc-a"}))
	assert.Equal(t, registry.StatusRegistered, comp.Status)
	assert.Empty(t, comp.Token)

	ack := rpc(t, ts, "hermes.heartbeat", HeartbeatParams{
		Credentials: Credentials{ComponentID: "svc-a", Token: token},
	})
	assert.Nil(t, ack.Error)

	require.Eventually(t, func() bool {
		found := result[[]registry.ComponentRecord](t, rpc(t, ts, "hermes.find", FindParams{Capability: "memory"}))
		return len(found) == 1 && found[0].ID == "svc-a"
	}, 2*time.Second, 10*time.Millisecond)

	caps := result[map[string]int](t, rpc(t, ts, "hermes.capabilities", nil))
	assert.Equal(t, 1, caps["memory"])

	changed := result[ChangedResult](t, rpc(t, ts, "hermes.unregister", Credentials{ComponentID: "svc-a", Token: token}))
	assert.True(t, changed.Changed)
}

func TestRPC_Errors(t *testing.T) {
	_, ts := startServer(t)
	token := registerHTTP(t, ts, "svc-a", "")

	tests := []struct {
		name   string
		method string
		params interface{}
		code   int
	}{
		{"unknown method", "hermes.nope", nil, transport.MethodNotFound},
		{"bad token", "hermes.heartbeat", HeartbeatParams{Credentials: Credentials{ComponentID: "svc-a", Token: "x"}}, transport.Unauthorized},
		{"unknown component", "hermes.get", ComponentParams{ComponentID: "svc-z"}, transport.NotFound},
		{"reserved topic", "hermes.publish", PublishParams{Credentials: Credentials{"svc-a", token}, Topic: "tekton.system.x"}, transport.Unauthorized},
		{"bad topic", "hermes.publish", PublishParams{Credentials: Credentials{"svc-a", token}, Topic: "a..b"}, transport.InvalidParams},
		{"duplicate id", "hermes.register", registry.RegisterRequest{ID: "svc-a", Name: "svc-a"}, transport.Conflict},
		{"bad id", "hermes.register", registry.RegisterRequest{ID: "a.b", Name: "x"}, transport.InvalidParams},
		{"session over http", "hermes.session", nil, transport.InvalidParams},
		{"empty capability", "hermes.find", FindParams{}, transport.InvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := rpc(t, ts, tt.method, tt.params)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code, "error: %v", resp.Error)
		})
	}
}

func TestRPC_MalformedAndNotification(t *testing.T) {
	_, ts := startServer(t)

	resp, err := http.Post(ts.URL+"/rpc", "application/json", strings.NewReader(`{nope`))
	require.NoError(t, err)
	var out transport.Response
	json.NewDecoder(resp.Body).Decode(&out)
	resp.Body.Close()
	require.NotNil(t, out.Error)
	assert.Equal(t, transport.ParseError, out.Error.Code)

	resp, err = http.Post(ts.URL+"/rpc", "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","method":"hermes.capabilities"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/rpc")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	_, ts := startServer(t)
	registerHTTP(t, ts, "svc-a", "")

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	var h health
	json.NewDecoder(resp.Body).Decode(&h)
	resp.Body.Close()
	assert.Equal(t, "ok", h.Status)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "hermes_registry_registrations_total")
}

// wsClient is a component connected over a WebSocket session. It
// answers hermes.deliver and hermes.request calls.
type wsClient struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	nextID  int
	waiting map[float64]chan *transport.Response
	mu      sync.Mutex

	delivered chan router.Delivery
}

func dialWS(t *testing.T, ts *httptest.Server) *wsClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	c := &wsClient{conn: conn, waiting: make(map[float64]chan *transport.Response), delivered: make(chan router.Delivery, 16)}
	t.Cleanup(func() { conn.Close() })
	go c.readLoop()
	return c
}

func (c *wsClient) write(v interface{}) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.WriteJSON(v)
}

func (c *wsClient) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := transport.ParseInbound(data)
		if err != nil {
			continue
		}
		switch {
		case msg.Response != nil:
			id, _ := msg.Response.ID.(float64)
			c.mu.Lock()
			ch := c.waiting[id]
			c.mu.Unlock()
			if ch != nil {
				ch <- msg.Response
			}
		case msg.Request != nil && msg.Request.Method == MethodDeliver:
			var d router.Delivery
			json.Unmarshal(msg.Request.Params, &d)
			c.delivered <- d
			c.write(transport.ResultResponse(msg.Request.ID, true))
		case msg.Request != nil && msg.Request.Method == MethodRequest:
			var m router.Message
			json.Unmarshal(msg.Request.Params, &m)
			c.write(transport.ResultResponse(msg.Request.ID, RequestResult{Payload: append([]byte("pong:"), m.Payload...)}))
		}
	}
}

func (c *wsClient) call(t *testing.T, method string, params interface{}) *transport.Response {
	t.Helper()
	raw, _ := json.Marshal(params)
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan *transport.Response, 1)
	c.waiting[float64(id)] = ch
	c.mu.Unlock()

	c.write(transport.Request{JSONRPC: "2.0", ID: id, Method: method, Params: raw})
	select {
	case resp := <-ch:
		return resp
	case <-time.After(2 * time.Second):
		t.Fatalf("no response to %s", method)
		return nil
	}
}

func TestWebSocket_DeliveryAndRequest(t *testing.T) {
	s, ts := startServer(t)
	ws := dialWS(t, ts)

	session := result[SessionResult](t, ws.call(t, "hermes.session", nil))
	require.NotEmpty(t, session.SessionID)
	assert.Equal(t, 1, s.Sessions().Len())

	reg := result[hub.Registration](t, ws.call(t, "hermes.register", registry.RegisterRequest{
		ID: "worker", Name: "worker", Endpoint: session.Address, Capabilities: []string{"tasks"},
	}))
	sub := result[ChangedResult](t, ws.call(t, "hermes.subscribe", SubscribeParams{
		Credentials: Credentials{ComponentID: "worker", Token: reg.Token},
		Topic:       "tasks.>",
	}))
	assert.True(t, sub.Changed)

	subs := result[[]router.Subscription](t, ws.call(t, "hermes.subscriptions", Credentials{"worker", reg.Token}))
	require.Len(t, subs, 1)
	assert.Equal(t, session.Address, subs[0].Address)

	token := registerHTTP(t, ts, "planner", "")
	pub := result[PublishResult](t, rpc(t, ts, "hermes.publish", PublishParams{
		Credentials: Credentials{"planner", token},
		Topic:       "tasks.created.urgent",
		Payload:     []byte("job-1"),
	}))

	select {
	case d := <-ws.delivered:
		assert.Equal(t, pub.MessageID, d.ID)
		assert.Equal(t, "job-1", string(d.Payload))
		assert.Equal(t, "worker", d.Subscriber)
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery over the session")
	}

	res := result[RequestResult](t, rpc(t, ts, "hermes.send_request", RequestParams{
		Credentials: Credentials{"planner", token},
		Target:      "worker",
		Payload:     []byte("ping"),
	}))
	assert.Equal(t, "pong:ping", string(res.Payload))

	dead := result[[]router.DeadLetter](t, rpc(t, ts, "hermes.dead_letters", DeadLetterParams{Subscriber: "worker"}))
	assert.Empty(t, dead)
}

func TestSessions_Unavailable(t *testing.T) {
	s := NewSessions()
	err := s.Deliver(context.Background(), SessionAddress("gone"), &router.Delivery{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")

	_, err = s.Request(context.Background(), "ws://", &router.Message{})
	assert.Error(t, err)
}
