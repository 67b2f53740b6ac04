package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"

	"github.com/tekton/hermes/errors"
	"github.com/tekton/hermes/router"
	"github.com/tekton/hermes/transport"
)

// SessionScheme addresses WebSocket sessions: ws://<session-id>.
const SessionScheme = "ws"

// Methods Hermes calls on a connected component.
const (
	MethodDeliver = "hermes.deliver"
	MethodRequest = "hermes.request"
)

// RequestResult is what a component answers to MethodRequest.
type RequestResult struct {
	Payload []byte `json:"payload"`
}

// SessionAddress returns the delivery address of a session.
func SessionAddress(sessionID string) string {
	return SessionScheme + "://" + sessionID
}

type sessionKey struct{}

func withSession(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

// sessionFrom returns the id of the session a call arrived on.
func sessionFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(sessionKey{}).(string)
	return id, ok
}

// Sessions tracks live WebSocket sessions and delivers to them. A
// delivery is a MethodDeliver call; the component's response is the
// acknowledgement.
type Sessions struct {
	mu       sync.RWMutex
	sessions map[string]*transport.WebSocketTransport
}

// NewSessions creates an empty session table.
func NewSessions() *Sessions {
	return &Sessions{sessions: make(map[string]*transport.WebSocketTransport)}
}

func (s *Sessions) add(t *transport.WebSocketTransport) {
	s.mu.Lock()
	s.sessions[t.ID()] = t
	s.mu.Unlock()
}

func (s *Sessions) remove(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// Len returns the number of live sessions.
func (s *Sessions) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// CloseAll closes every session.
func (s *Sessions) CloseAll() {
	s.mu.RLock()
	all := make([]*transport.WebSocketTransport, 0, len(s.sessions))
	for _, t := range s.sessions {
		all = append(all, t)
	}
	s.mu.RUnlock()
	for _, t := range all {
		t.Close()
	}
}

func (s *Sessions) lookup(address string) (*transport.WebSocketTransport, error) {
	id := strings.TrimPrefix(address, SessionScheme+"://")
	if id == address || id == "" {
		return nil, errors.InvalidInput(fmt.Sprintf("invalid session address %q", address))
	}
	s.mu.RLock()
	t, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.New(errors.ErrCodeUnavailable, fmt.Sprintf("session %s is not connected", id))
	}
	return t, nil
}

func (s *Sessions) call(ctx context.Context, address, method string, params interface{}) (*transport.Response, error) {
	t, err := s.lookup(address)
	if err != nil {
		return nil, err
	}
	resp, err := t.Call(ctx, method, params)
	switch {
	case err == nil:
	case stderrors.Is(err, context.DeadlineExceeded):
		return nil, errors.Timeout(fmt.Sprintf("%s did not answer in time", address), errors.WithCause(err))
	case stderrors.Is(err, context.Canceled):
		return nil, errors.New(errors.ErrCodeCanceled, "delivery canceled", errors.WithCause(err))
	default:
		return nil, errors.WrapWithCode(err, errors.ErrCodeUnavailable, "reach "+address)
	}
	if resp.Error != nil {
		return nil, resp.Error.Err()
	}
	return resp, nil
}

func (s *Sessions) Deliver(ctx context.Context, address string, d *router.Delivery) error {
	_, err := s.call(ctx, address, MethodDeliver, d)
	return err
}

func (s *Sessions) Request(ctx context.Context, address string, msg *router.Message) ([]byte, error) {
	resp, err := s.call(ctx, address, MethodRequest, msg)
	if err != nil {
		return nil, err
	}
	var res RequestResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		return nil, errors.InvalidInput(fmt.Sprintf("malformed response from %s: %v", address, err))
	}
	return res.Payload, nil
}
