// Package transport carries the Hermes JSON-RPC 2.0 protocol.
//
// Requests arrive over HTTP POST, handled one at a time by Dispatch, or
// over a WebSocket session, which also lets Hermes call the component:
// deliveries are pushed as requests the component answers to acknowledge.
//
//	methods := transport.NewMethods()
//	methods.Register("hermes.publish", publish)
//	resp := transport.Dispatch(ctx, methods, req)
//
// Errors from the service map onto JSON-RPC codes with ErrorFrom; the
// Hermes error code travels in the error data so clients can tell
// retryable failures apart.
//
// # Thread Safety
//
// All transport methods are safe for concurrent use. The Recv() channel
// is closed when the transport shuts down.
package transport
