package router

import (
	"context"
	stderrors "errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/tekton/hermes/errors"
	"github.com/tekton/hermes/telemetry"
)

// SendRequest calls target directly and returns its response. It makes a
// single attempt bounded by the request timeout, or the caller's earlier
// deadline, and fails with TIMEOUT when that passes.
func (r *Router) SendRequest(ctx context.Context, target string, payload []byte, headers map[string]string) ([]byte, error) {
	if r.closed.Load() {
		return nil, errors.New(errors.ErrCodeClosed, "router closed")
	}
	if r.resolver == nil {
		return nil, errors.Internal("no endpoint resolver configured")
	}
	address, err := r.resolver.ResolveEndpoint(target)
	if err != nil {
		return nil, err
	}

	ctx, span := r.tracer.StartRequestSpan(ctx, target)
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.requestTimeout)
		defer cancel()
	}

	h := make(map[string]string, len(headers)+2)
	maps.Copy(h, headers)
	telemetry.Inject(ctx, h)
	msg := &Message{
		ID:      uuid.NewString(),
		Topic:   "request." + target,
		Payload: payload,
		Headers: h,
		SentAt:  time.Now(),
	}

	start := time.Now()
	resp, err := r.deliverer.Request(ctx, address, msg)
	r.metrics.ObserveRequest(time.Since(start).Seconds())

	switch {
	case err == nil, errors.IsTimeout(err):
	case stderrors.Is(ctx.Err(), context.DeadlineExceeded):
		err = errors.Timeout(fmt.Sprintf("request to %s timed out", target),
			errors.WithComponentID(target), errors.WithCause(err))
	case ctx.Err() != nil:
		err = errors.New(errors.ErrCodeCanceled, "request canceled",
			errors.WithComponentID(target), errors.WithCause(err))
	}
	telemetry.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	return resp, nil
}
