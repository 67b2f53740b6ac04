package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tekton/hermes/errors"
	"github.com/tekton/hermes/heartbeat"
	"github.com/tekton/hermes/registry"
	"github.com/tekton/hermes/transport"
)

// Credentials identify the calling component.
type Credentials struct {
	ComponentID string `json:"component_id"`
	Token       string `json:"token"`
}

type HeartbeatParams struct {
	Credentials
	heartbeat.Snapshot
}

type ComponentParams struct {
	ComponentID string `json:"component_id"`
}

type FindParams struct {
	Capability string `json:"capability"`
}

type ListParams struct {
	Status     registry.Status `json:"status,omitempty"`
	Type       string          `json:"component_type,omitempty"`
	Capability string          `json:"capability,omitempty"`
}

type SearchParams struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

type PublishParams struct {
	Credentials
	Topic   string            `json:"topic"`
	Payload []byte            `json:"payload"`
	Headers map[string]string `json:"headers,omitempty"`
}

type SubscribeParams struct {
	Credentials
	Topic string `json:"topic"`

	// Address defaults to the calling session, then to the registered
	// endpoint.
	Address string `json:"address,omitempty"`
}

type RequestParams struct {
	Credentials
	Target    string            `json:"target"`
	Payload   []byte            `json:"payload"`
	Headers   map[string]string `json:"headers,omitempty"`
	TimeoutMS int64             `json:"timeout_ms,omitempty"`
}

type MessageStatusParams struct {
	MessageID string `json:"message_id"`
}

type DeadLetterParams struct {
	Subscriber string `json:"subscriber,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

type SessionResult struct {
	SessionID string `json:"session_id"`
	Address   string `json:"address"`
}

type ChangedResult struct {
	Changed bool `json:"changed"`
}

type PublishResult struct {
	MessageID string `json:"message_id"`
}

func (s *Server) buildMethods() *transport.Methods {
	m := transport.NewMethods()
	h := s.hub

	m.Register("hermes.register", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var p registry.RegisterRequest
		if err := transport.DecodeParams(raw, &p); err != nil {
			return nil, err
		}
		return h.Register(ctx, p)
	})
	m.Register("hermes.unregister", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var p Credentials
		if err := transport.DecodeParams(raw, &p); err != nil {
			return nil, err
		}
		ok, err := h.Unregister(ctx, p.ComponentID, p.Token)
		return ChangedResult{Changed: ok}, err
	})
	m.Register("hermes.heartbeat", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var p HeartbeatParams
		if err := transport.DecodeParams(raw, &p); err != nil {
			return nil, err
		}
		return h.Heartbeat(ctx, p.ComponentID, p.Token, p.Snapshot)
	})

	m.Register("hermes.get", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var p ComponentParams
		if err := transport.DecodeParams(raw, &p); err != nil {
			return nil, err
		}
		return h.GetByID(p.ComponentID)
	})
	m.Register("hermes.component", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var p ComponentParams
		if err := transport.DecodeParams(raw, &p); err != nil {
			return nil, err
		}
		return h.Component(p.ComponentID)
	})
	m.Register("hermes.find", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var p FindParams
		if err := transport.DecodeParams(raw, &p); err != nil {
			return nil, err
		}
		if p.Capability == "" {
			return nil, errors.InvalidInput("capability is required")
		}
		return nonNil(h.FindByCapability(p.Capability)), nil
	})
	m.Register("hermes.list", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var p ListParams
		if len(raw) > 0 {
			if err := transport.DecodeParams(raw, &p); err != nil {
				return nil, err
			}
		}
		filter := &registry.Filter{Status: p.Status, Type: p.Type, Capability: p.Capability}
		return nonNil(h.ListComponents(filter)), nil
	})
	m.Register("hermes.capabilities", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		return h.Discovery().Capabilities(), nil
	})
	m.Register("hermes.search", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var p SearchParams
		if err := transport.DecodeParams(raw, &p); err != nil {
			return nil, err
		}
		recs, err := h.Search(p.Query, p.Limit)
		if err != nil {
			return nil, err
		}
		return nonNil(recs), nil
	})

	m.Register("hermes.publish", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var p PublishParams
		if err := transport.DecodeParams(raw, &p); err != nil {
			return nil, err
		}
		id, err := h.Publish(ctx, p.ComponentID, p.Token, p.Topic, p.Payload, p.Headers)
		if err != nil {
			return nil, err
		}
		return PublishResult{MessageID: id}, nil
	})
	m.Register("hermes.subscribe", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var p SubscribeParams
		if err := transport.DecodeParams(raw, &p); err != nil {
			return nil, err
		}
		if sid, ok := sessionFrom(ctx); ok && p.Address == "" {
			p.Address = SessionAddress(sid)
		}
		added, err := h.Subscribe(ctx, p.ComponentID, p.Token, p.Topic, p.Address)
		return ChangedResult{Changed: added}, err
	})
	m.Register("hermes.unsubscribe", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var p SubscribeParams
		if err := transport.DecodeParams(raw, &p); err != nil {
			return nil, err
		}
		removed, err := h.Unsubscribe(ctx, p.ComponentID, p.Token, p.Topic)
		return ChangedResult{Changed: removed}, err
	})
	m.Register("hermes.subscriptions", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var p Credentials
		if err := transport.DecodeParams(raw, &p); err != nil {
			return nil, err
		}
		subs, err := h.Subscriptions(p.ComponentID, p.Token)
		if err != nil {
			return nil, err
		}
		return nonNil(subs), nil
	})
	m.Register("hermes.send_request", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var p RequestParams
		if err := transport.DecodeParams(raw, &p); err != nil {
			return nil, err
		}
		if p.TimeoutMS > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(p.TimeoutMS)*time.Millisecond)
			defer cancel()
		}
		payload, err := h.SendRequest(ctx, p.ComponentID, p.Token, p.Target, p.Payload, p.Headers)
		if err != nil {
			return nil, err
		}
		return RequestResult{Payload: payload}, nil
	})
	m.Register("hermes.message_status", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var p MessageStatusParams
		if err := transport.DecodeParams(raw, &p); err != nil {
			return nil, err
		}
		return h.MessageStatus(p.MessageID)
	})
	m.Register("hermes.dead_letters", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var p DeadLetterParams
		if len(raw) > 0 {
			if err := transport.DecodeParams(raw, &p); err != nil {
				return nil, err
			}
		}
		return nonNil(h.DeadLetters(p.Subscriber, p.Limit)), nil
	})

	m.Register("hermes.session", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		sid, ok := sessionFrom(ctx)
		if !ok {
			return nil, errors.InvalidInput("hermes.session is only available over a WebSocket session")
		}
		return SessionResult{SessionID: sid, Address: SessionAddress(sid)}, nil
	})
	return m
}

// nonNil keeps empty lists encoding as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
