package router

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tekton/hermes/bus"
	"github.com/tekton/hermes/errors"
)

// Deliverer reaches remote subscribers and request targets at an address.
type Deliverer interface {
	// Deliver pushes d to address. A nil error means the subscriber
	// acknowledged it.
	Deliver(ctx context.Context, address string, d *Delivery) error

	// Request sends msg to address and returns the response body.
	Request(ctx context.Context, address string, msg *Message) ([]byte, error)
}

// Handler consumes deliveries for an in-process subscriber.
type Handler func(ctx context.Context, d *Delivery) error

// Mux dispatches to a Deliverer by address scheme.
type Mux struct {
	mu      sync.RWMutex
	schemes map[string]Deliverer
}

// NewMux creates an empty Mux.
func NewMux() *Mux {
	return &Mux{schemes: make(map[string]Deliverer)}
}

// Handle routes addresses with scheme to d, replacing any previous one.
func (m *Mux) Handle(scheme string, d Deliverer) {
	m.mu.Lock()
	m.schemes[strings.ToLower(scheme)] = d
	m.mu.Unlock()
}

// Supports reports whether address has a known scheme.
func (m *Mux) Supports(address string) bool {
	_, err := m.lookup(address)
	return err == nil
}

func (m *Mux) lookup(address string) (Deliverer, error) {
	u, err := url.Parse(address)
	if err != nil || u.Scheme == "" {
		return nil, errors.InvalidInput(fmt.Sprintf("invalid address %q", address))
	}
	m.mu.RLock()
	d, ok := m.schemes[strings.ToLower(u.Scheme)]
	m.mu.RUnlock()
	if !ok {
		return nil, errors.InvalidInput(fmt.Sprintf("unsupported address scheme %q", u.Scheme))
	}
	return d, nil
}

func (m *Mux) Deliver(ctx context.Context, address string, d *Delivery) error {
	target, err := m.lookup(address)
	if err != nil {
		return err
	}
	return target.Deliver(ctx, address, d)
}

func (m *Mux) Request(ctx context.Context, address string, msg *Message) ([]byte, error) {
	target, err := m.lookup(address)
	if err != nil {
		return nil, err
	}
	return target.Request(ctx, address, msg)
}

// BusDeliverer reaches subscribers over the message bus. Addresses have
// the form bus://<subject>; every delivery is a request, and any reply
// counts as an acknowledgement.
type BusDeliverer struct {
	Bus bus.MessageBus
}

// NewBusDeliverer creates a bus deliverer.
func NewBusDeliverer(b bus.MessageBus) *BusDeliverer {
	return &BusDeliverer{Bus: b}
}

func busSubject(address string) (string, error) {
	subject := strings.TrimPrefix(address, "bus://")
	if subject == address || bus.ValidatePublishSubject(subject) != nil {
		return "", errors.InvalidInput(fmt.Sprintf("invalid bus address %q", address))
	}
	return subject, nil
}

func (b *BusDeliverer) Deliver(ctx context.Context, address string, d *Delivery) error {
	data, err := json.Marshal(d)
	if err != nil {
		return errors.Wrap(err, "encode delivery")
	}
	_, err = b.request(ctx, address, data, d.Headers)
	return err
}

func (b *BusDeliverer) Request(ctx context.Context, address string, msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "encode request")
	}
	return b.request(ctx, address, data, msg.Headers)
}

func (b *BusDeliverer) request(ctx context.Context, address string, data []byte, headers map[string]string) ([]byte, error) {
	subject, err := busSubject(address)
	if err != nil {
		return nil, err
	}
	resp, err := b.Bus.Request(ctx, &bus.Message{Subject: subject, Data: data, Header: headers})
	if err != nil {
		return nil, mapTransportError(ctx, address, err)
	}
	return resp.Data, nil
}

// HTTPDeliverer POSTs JSON to http(s) addresses. 2xx is success; other
// 4xx answers, except 408 and 429, are not retried.
type HTTPDeliverer struct {
	Client *http.Client
}

// NewHTTPDeliverer creates an HTTP deliverer. Per-call deadlines come from
// the context.
func NewHTTPDeliverer(client *http.Client) *HTTPDeliverer {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPDeliverer{Client: client}
}

func (h *HTTPDeliverer) Deliver(ctx context.Context, address string, d *Delivery) error {
	_, err := h.post(ctx, address, d, &d.Message)
	return err
}

func (h *HTTPDeliverer) Request(ctx context.Context, address string, msg *Message) ([]byte, error) {
	return h.post(ctx, address, msg, msg)
}

func (h *HTTPDeliverer) post(ctx context.Context, address string, body any, msg *Message) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "encode body")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, address, bytes.NewReader(data))
	if err != nil {
		return nil, errors.InvalidInput(fmt.Sprintf("invalid address %q: %v", address, err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Hermes-Message-Id", msg.ID)
	req.Header.Set("X-Hermes-Topic", msg.Topic)
	for k, v := range msg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, mapTransportError(ctx, address, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeUnavailable, "read response")
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, nil
	}
	retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout ||
		resp.StatusCode == http.StatusTooManyRequests
	return nil, errors.New(errors.ErrCodeUnavailable,
		fmt.Sprintf("%s answered %d", address, resp.StatusCode),
		errors.WithRetryable(retryable),
		errors.WithMetadata("status", fmt.Sprint(resp.StatusCode)))
}

// mapTransportError turns bus and network failures into coded errors.
func mapTransportError(ctx context.Context, address string, err error) error {
	if stderrors.Is(ctx.Err(), context.DeadlineExceeded) || stderrors.Is(err, bus.ErrTimeout) {
		return errors.Timeout(fmt.Sprintf("%s did not answer in time", address), errors.WithCause(err))
	}
	if coded := errors.As(err); coded != nil {
		return coded
	}
	return errors.WrapWithCode(err, errors.ErrCodeUnavailable, "reach "+address)
}
