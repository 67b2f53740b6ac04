package transport

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tekton/hermes/errors"
)

// Version is the only supported JSON-RPC version.
const Version = "2.0"

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Notification represents a JSON-RPC 2.0 notification (no ID).
type Notification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    *ErrorData `json:"data,omitempty"`
}

// ErrorData carries the Hermes error code alongside the JSON-RPC one.
type ErrorData struct {
	Code        errors.ErrorCode `json:"code,omitempty"`
	Retryable   bool             `json:"retryable,omitempty"`
	ComponentID string           `json:"component_id,omitempty"`
	MessageID   string           `json:"message_id,omitempty"`
	Detail      string           `json:"detail,omitempty"`
}

// Standard error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Hermes error codes, in the server-defined range.
const (
	Unauthorized   = -32001
	Unavailable    = -32003
	NotFound       = -32004
	Timeout        = -32008
	Conflict       = -32009
	Closed         = -32010
	Canceled       = -32011
	DeliveryFailed = -32012
	QueueFull      = -32029
	RateLimited    = -32030
)

var codeMap = map[errors.ErrorCode]int{
	errors.ErrCodeInvalidInput:   InvalidParams,
	errors.ErrCodeUnauthorized:   Unauthorized,
	errors.ErrCodeUnavailable:    Unavailable,
	errors.ErrCodeNotFound:       NotFound,
	errors.ErrCodeTimeout:        Timeout,
	errors.ErrCodeConflict:       Conflict,
	errors.ErrCodeClosed:         Closed,
	errors.ErrCodeCanceled:       Canceled,
	errors.ErrCodeDeliveryFailed: DeliveryFailed,
	errors.ErrCodeQueueFull:      QueueFull,
	errors.ErrCodeRateLimited:    RateLimited,
}

// NewError creates an error with a detail string.
func NewError(code int, message, detail string) *Error {
	e := &Error{Code: code, Message: message}
	if detail != "" {
		e.Data = &ErrorData{Detail: detail}
	}
	return e
}

func (e *Error) Error() string {
	if e.Data != nil && e.Data.Detail != "" {
		return fmt.Sprintf("jsonrpc %d: %s: %s", e.Code, e.Message, e.Data.Detail)
	}
	return fmt.Sprintf("jsonrpc %d: %s", e.Code, e.Message)
}

// Err converts e back into a coded Hermes error. Errors without a Hermes
// code become INTERNAL.
func (e *Error) Err() error {
	code := errors.ErrCodeInternal
	var opts []errors.Option
	if e.Data != nil {
		if e.Data.Code != "" {
			code = e.Data.Code
		}
		opts = append(opts, errors.WithRetryable(e.Data.Retryable))
		if e.Data.ComponentID != "" {
			opts = append(opts, errors.WithComponentID(e.Data.ComponentID))
		}
		if e.Data.MessageID != "" {
			opts = append(opts, errors.WithMessageID(e.Data.MessageID))
		}
	}
	return errors.New(code, e.Message, opts...)
}

// ErrorFrom maps a service error onto a JSON-RPC error. Uncoded errors
// are reported as internal without their text.
func ErrorFrom(err error) *Error {
	var rpcErr *Error
	if stderrors.As(err, &rpcErr) {
		return rpcErr
	}
	coded := errors.As(err)
	if coded == nil {
		return &Error{Code: InternalError, Message: "Internal error",
			Data: &ErrorData{Code: errors.ErrCodeInternal}}
	}
	code, ok := codeMap[coded.Code()]
	if !ok {
		code = InternalError
	}
	return &Error{
		Code:    code,
		Message: coded.Message(),
		Data: &ErrorData{
			Code:        coded.Code(),
			Retryable:   coded.Retryable(),
			ComponentID: coded.ComponentID(),
			MessageID:   coded.MessageID(),
		},
	}
}

// Handler handles JSON-RPC requests.
type Handler interface {
	Handle(ctx context.Context, method string, params json.RawMessage) (interface{}, error)
}

// HandlerFunc is a function adapter for Handler.
type HandlerFunc func(ctx context.Context, method string, params json.RawMessage) (interface{}, error)

func (f HandlerFunc) Handle(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	return f(ctx, method, params)
}

// MethodFunc handles one method.
type MethodFunc func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Methods is a Handler that dispatches by method name.
type Methods struct {
	mu      sync.RWMutex
	methods map[string]MethodFunc
}

// NewMethods creates an empty method table.
func NewMethods() *Methods {
	return &Methods{methods: make(map[string]MethodFunc)}
}

// Register adds or replaces method.
func (m *Methods) Register(method string, fn MethodFunc) {
	m.mu.Lock()
	m.methods[method] = fn
	m.mu.Unlock()
}

// Names returns the registered methods, sorted.
func (m *Methods) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.methods))
	for name := range m.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Methods) Handle(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	m.mu.RLock()
	fn, ok := m.methods[method]
	m.mu.RUnlock()
	if !ok {
		return nil, NewError(MethodNotFound, "Method not found", method)
	}
	return fn(ctx, params)
}

// DecodeParams unmarshals params into v, reporting failures as
// InvalidParams.
func DecodeParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return NewError(InvalidParams, "Invalid params", "params required")
	}
	if err := json.Unmarshal(params, v); err != nil {
		return NewError(InvalidParams, "Invalid params", err.Error())
	}
	return nil
}

// Dispatch runs req through h and builds the response. It returns nil
// for notifications. Handler panics become internal errors.
func Dispatch(ctx context.Context, h Handler, req *Request) (resp *Response) {
	if req.JSONRPC != Version {
		return ErrorResponse(req.ID, NewError(InvalidRequest, "Invalid Request", "jsonrpc must be 2.0"))
	}
	if req.Method == "" {
		return ErrorResponse(req.ID, NewError(InvalidRequest, "Invalid Request", "method is required"))
	}

	defer func() {
		if rec := recover(); rec != nil {
			resp = ErrorResponse(req.ID, ErrorFrom(errors.RecoverPanic(rec)))
		}
		if req.ID == nil {
			resp = nil
		}
	}()

	result, err := h.Handle(ctx, req.Method, req.Params)
	if err != nil {
		return ErrorResponse(req.ID, ErrorFrom(err))
	}
	return ResultResponse(req.ID, result)
}

// ResultResponse builds a success response. A result that cannot be
// encoded yields an internal error.
func ResultResponse(id interface{}, result interface{}) *Response {
	data, err := json.Marshal(result)
	if err != nil {
		return ErrorResponse(id, NewError(InternalError, "Internal error", "encode result"))
	}
	return &Response{JSONRPC: Version, ID: id, Result: data}
}

// ErrorResponse builds an error response.
func ErrorResponse(id interface{}, e *Error) *Response {
	return &Response{JSONRPC: Version, ID: id, Error: e}
}
