package hub

import (
	"context"
	"fmt"
	"maps"

	"github.com/tekton/hermes/errors"
	"github.com/tekton/hermes/heartbeat"
	"github.com/tekton/hermes/registry"
	"github.com/tekton/hermes/router"
)

// HeaderPublisher names the component that published a message.
const HeaderPublisher = "X-Hermes-Publisher"

// Registration is what a registrant gets back.
type Registration struct {
	ComponentID string `json:"component_id"`
	Token       string `json:"token"`

	// HeartbeatIntervalMS is the interval the component must keep.
	HeartbeatIntervalMS int64 `json:"heartbeat_interval_ms"`
}

// Register creates or replaces a component registration.
func (h *Hub) Register(ctx context.Context, req registry.RegisterRequest) (Registration, error) {
	token, err := h.registry.Register(ctx, req)
	if err != nil {
		return Registration{}, err
	}
	return Registration{
		ComponentID:         req.ID,
		Token:               token,
		HeartbeatIntervalMS: h.monitor.Interval().Milliseconds(),
	}, nil
}

// Unregister removes a component and its subscriptions.
func (h *Hub) Unregister(ctx context.Context, id, token string) (bool, error) {
	return h.registry.Unregister(ctx, id, token)
}

// Heartbeat records a component's status report.
func (h *Hub) Heartbeat(ctx context.Context, id, token string, snap heartbeat.Snapshot) (heartbeat.Ack, error) {
	return h.monitor.Heartbeat(ctx, id, token, snap)
}

// GetByID returns the discovery view of a component, without its token.
func (h *Hub) GetByID(id string) (registry.ComponentRecord, error) {
	rec, ok := h.index.GetByID(id)
	if !ok {
		return registry.ComponentRecord{}, errors.ComponentNotFound(id)
	}
	return rec, nil
}

// Component returns the authoritative registry record, without its token,
// including components not yet discoverable.
func (h *Hub) Component(id string) (registry.ComponentRecord, error) {
	return h.registry.Get(id)
}

// FindByCapability returns the discoverable providers of capability,
// healthiest first.
func (h *Hub) FindByCapability(capability string) []registry.ComponentRecord {
	return h.index.FindByCapability(capability)
}

// ListComponents returns discoverable components matching filter.
func (h *Hub) ListComponents(filter *registry.Filter) []registry.ComponentRecord {
	return h.index.List(filter)
}

// Search runs a full-text query over discoverable components.
func (h *Hub) Search(query string, limit int) ([]registry.ComponentRecord, error) {
	return h.index.Search(query, limit)
}

// Publish sends payload on topic on behalf of component id.
func (h *Hub) Publish(ctx context.Context, id, token, topic string, payload []byte, headers map[string]string) (string, error) {
	if err := h.registry.Authorize(id, token); err != nil {
		return "", err
	}
	if reserved(topic) {
		return "", errors.Unauthorized(fmt.Sprintf("topic %q is reserved", topic), errors.WithComponentID(id))
	}
	if err := h.allow(id); err != nil {
		return "", err
	}
	out := maps.Clone(headers)
	if out == nil {
		out = make(map[string]string, 1)
	}
	out[HeaderPublisher] = id
	return h.router.Publish(ctx, topic, payload, out)
}

// allow spends one of component id's rate tokens.
func (h *Hub) allow(id string) error {
	if h.limiter.TryAcquire(id) {
		return nil
	}
	return errors.New(errors.ErrCodeRateLimited,
		fmt.Sprintf("component %q exceeded %d calls per %s", id, h.cfg.Router.RateLimit, h.cfg.Router.RateWindow),
		errors.WithComponentID(id))
}

// Subscribe adds a subscription for component id. An empty address
// delivers to the component's registered endpoint. The subscription is
// added under the component's registry lock, so a concurrent Unregister
// either sees it and removes it or rejects it.
func (h *Hub) Subscribe(ctx context.Context, id, token, topic, address string) (bool, error) {
	var created bool
	err := h.registry.With(id, token, func(rec registry.ComponentRecord) error {
		if address == "" {
			address = rec.Endpoint
		}
		if address == "" {
			return errors.InvalidInput("no delivery address and no registered endpoint",
				errors.WithComponentID(id))
		}
		if !h.mux.Supports(address) {
			return errors.InvalidInput(fmt.Sprintf("unsupported delivery address %q", address),
				errors.WithComponentID(id))
		}
		var err error
		created, err = h.router.Subscribe(ctx, id, topic, address)
		return err
	})
	return created, err
}

// Unsubscribe removes one of component id's subscriptions.
func (h *Hub) Unsubscribe(ctx context.Context, id, token, topic string) (bool, error) {
	if err := h.registry.Authorize(id, token); err != nil {
		return false, err
	}
	return h.router.Unsubscribe(ctx, id, topic)
}

// Subscriptions lists component id's subscriptions.
func (h *Hub) Subscriptions(id, token string) ([]router.Subscription, error) {
	if err := h.registry.Authorize(id, token); err != nil {
		return nil, err
	}
	return h.router.Subscriptions(id), nil
}

// SendRequest delivers a request from component id to target and returns
// the response.
func (h *Hub) SendRequest(ctx context.Context, id, token, target string, payload []byte, headers map[string]string) ([]byte, error) {
	if err := h.registry.Authorize(id, token); err != nil {
		return nil, err
	}
	if err := h.allow(id); err != nil {
		return nil, err
	}
	out := maps.Clone(headers)
	if out == nil {
		out = make(map[string]string, 1)
	}
	out[HeaderPublisher] = id
	return h.router.SendRequest(ctx, target, payload, out)
}

// MessageStatus reports the delivery state of a message still in flight.
func (h *Hub) MessageStatus(messageID string) (router.MessageStatus, error) {
	return h.router.MessageStatus(messageID)
}

// DeadLetters returns recent dead letters, optionally for one subscriber.
func (h *Hub) DeadLetters(subscriber string, limit int) []router.DeadLetter {
	return h.router.DeadLetters(subscriber, limit)
}
