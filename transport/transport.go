package transport

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrClosed      = errors.New("transport closed")
	ErrSendTimeout = errors.New("send timeout")
)

// Transport is one JSON-RPC peer connection.
type Transport interface {
	// Recv yields the peer's requests and notifications. It is closed
	// once Run returns.
	Recv() <-chan *InboundMessage

	// Send enqueues msg for the peer, failing with ErrClosed after Close.
	Send(msg *OutboundMessage) error

	// Run pumps frames until ctx ends or the peer disconnects.
	Run(ctx context.Context) error

	Close() error
}

// InboundMessage is one frame from the peer. Exactly one of Request,
// Notification and Response is set.
type InboundMessage struct {
	Request      *Request
	Notification *Notification
	Response     *Response // answer to a Call

	Raw json.RawMessage
}

// OutboundMessage is one frame for the peer. The first non-nil field is
// sent.
type OutboundMessage struct {
	Response     *Response
	Notification *Notification
	Request      *Request
}

// ParseInbound classifies a frame by its method and id. A frame with an id
// and no method is a response.
func ParseInbound(data []byte) (*InboundMessage, error) {
	var raw struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Method  string          `json:"method"`
	}

	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, NewError(ParseError, "Parse error", err.Error())
	}

	if raw.JSONRPC != Version {
		return nil, NewError(InvalidRequest, "Invalid Request", "jsonrpc must be 2.0")
	}

	msg := &InboundMessage{Raw: data}
	hasID := len(raw.ID) > 0 && string(raw.ID) != "null"

	switch {
	case raw.Method == "" && hasID:
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, NewError(ParseError, "Parse error", err.Error())
		}
		msg.Response = &resp
	case raw.Method == "":
		return nil, NewError(InvalidRequest, "Invalid Request", "method is required")
	case hasID:
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, NewError(ParseError, "Parse error", err.Error())
		}
		msg.Request = &req
	default:
		var notif Notification
		if err := json.Unmarshal(data, &notif); err != nil {
			return nil, NewError(ParseError, "Parse error", err.Error())
		}
		msg.Notification = &notif
	}

	return msg, nil
}

// MarshalOutbound encodes the frame msg carries.
func MarshalOutbound(msg *OutboundMessage) ([]byte, error) {
	switch {
	case msg.Response != nil:
		return json.Marshal(msg.Response)
	case msg.Notification != nil:
		return json.Marshal(msg.Notification)
	case msg.Request != nil:
		return json.Marshal(msg.Request)
	}
	return nil, errors.New("empty outbound message")
}

// Config sizes a connection's frame queues.
type Config struct {
	RecvBufferSize int // inbound frames waiting for dispatch
	SendBufferSize int // outbound frames waiting for the writer
}

// DefaultConfig buffers 64 inbound and 256 outbound frames. Outbound is
// larger because deliveries fan in from many subscriptions.
func DefaultConfig() Config {
	return Config{RecvBufferSize: 64, SendBufferSize: 256}
}
