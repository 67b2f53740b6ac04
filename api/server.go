// Package api serves the Hermes JSON-RPC protocol over HTTP and
// WebSocket, plus health and metrics endpoints.
package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/tekton/hermes/hub"
	"github.com/tekton/hermes/logging"
	"github.com/tekton/hermes/shutdown"
	"github.com/tekton/hermes/transport"
)

// maxBodySize bounds a single HTTP JSON-RPC request.
const maxBodySize = 4 << 20

// Config configures the API server.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	Hub    *hub.Hub
	Logger *logging.Logger

	// WebSocket configures component sessions.
	WebSocket transport.WebSocketConfig
}

// Server is the Hermes API server.
type Server struct {
	cfg      Config
	hub      *hub.Hub
	logger   *logging.Logger
	methods  *transport.Methods
	sessions *Sessions
	upgrader *websocket.Upgrader
	router   *mux.Router
	http     *http.Server
}

// New creates a server and registers its session deliverer with the hub
// under the ws scheme.
func New(cfg Config) *Server {
	if cfg.WebSocket.MaxMessageSize == 0 {
		cfg.WebSocket = transport.DefaultWebSocketConfig()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	cfg.WebSocket.Logger = cfg.Logger

	s := &Server{
		cfg:      cfg,
		hub:      cfg.Hub,
		logger:   logging.OrNop(cfg.Logger).WithComponent("api"),
		sessions: NewSessions(),
		upgrader: transport.NewWebSocketUpgrader(),
	}
	s.methods = s.buildMethods()
	cfg.Hub.Deliverers().Handle(SessionScheme, s.sessions)

	r := mux.NewRouter()
	r.HandleFunc("/rpc", s.handleRPC).Methods(http.MethodPost)
	r.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if m := cfg.Hub.Metrics(); m != nil {
		r.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	}
	s.router = r

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Methods returns the JSON-RPC method table.
func (s *Server) Methods() *transport.Methods {
	return s.methods
}

// Sessions returns the live WebSocket sessions.
func (s *Server) Sessions() *Sessions {
	return s.sessions
}

// Serve accepts connections on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("api_listening", map[string]interface{}{"addr": l.Addr().String()})
	if err := s.http.Serve(l); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on the configured address and serves until
// Shutdown.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Shutdown stops accepting requests, waits for in-flight ones and closes
// every session.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	s.sessions.CloseAll()
	return err
}

// RegisterShutdown adds the server to c's first phase.
func (s *Server) RegisterShutdown(c *shutdown.Coordinator) {
	c.Register("api", shutdown.PhaseAPI, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, shutdown.Remaining(ctx, s.cfg.ShutdownTimeout))
		defer cancel()
		return s.Shutdown(ctx)
	})
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, transport.ErrorResponse(nil,
			transport.NewError(transport.ParseError, "Parse error", err.Error())))
		return
	}
	var req transport.Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusOK, transport.ErrorResponse(nil,
			transport.NewError(transport.ParseError, "Parse error", err.Error())))
		return
	}

	resp := transport.Dispatch(r.Context(), s.methods, &req)
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade_failed", map[string]interface{}{"error": err.Error()})
		return
	}
	t := transport.NewWebSocketTransport(conn, s.cfg.WebSocket)
	s.sessions.add(t)
	defer s.sessions.remove(t.ID())

	s.logger.Info("session_opened", map[string]interface{}{
		"session_id": t.ID(),
		"remote":     r.RemoteAddr,
	})

	// The request context ends when the handler returns; the session
	// outlives it.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	go s.serveSession(ctx, t)
	t.Run(ctx)

	s.logger.Info("session_closed", map[string]interface{}{"session_id": t.ID()})
}

// serveSession dispatches the session's requests, each on its own
// goroutine so slow calls do not hold up the rest.
func (s *Server) serveSession(ctx context.Context, t *transport.WebSocketTransport) {
	ctx = withSession(ctx, t.ID())
	for msg := range t.Recv() {
		req := msg.Request
		if req == nil && msg.Notification != nil {
			params, _ := json.Marshal(msg.Notification.Params)
			req = &transport.Request{JSONRPC: msg.Notification.JSONRPC, Method: msg.Notification.Method, Params: params}
		}
		if req == nil {
			continue
		}
		go func(req *transport.Request) {
			if resp := transport.Dispatch(ctx, s.methods, req); resp != nil {
				if err := t.Send(&transport.OutboundMessage{Response: resp}); err != nil {
					s.logger.Debug("response_dropped", map[string]interface{}{
						"session_id": t.ID(),
						"method":     req.Method,
						"error":      err.Error(),
					})
				}
			}
		}(req)
	}
}

type health struct {
	Status     string `json:"status"`
	Components int    `json:"components"`
	Sessions   int    `json:"sessions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, health{
		Status:     "ok",
		Components: s.hub.Discovery().Len(),
		Sessions:   s.sessions.Len(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
