package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap wraps err with message while keeping the chain intact.
// A coded error keeps its code; context errors become TIMEOUT or CANCELED;
// anything else becomes INTERNAL. Wrap(nil, ...) returns nil.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var coded *Error
	if errors.As(err, &coded) {
		wrapped := &Error{
			code:        coded.code,
			category:    coded.category,
			message:     message,
			cause:       err,
			metadata:    coded.Metadata(),
			retryable:   coded.retryable,
			timestamp:   coded.timestamp,
			componentID: coded.componentID,
			messageID:   coded.messageID,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeTimeout, message, append(opts, WithCause(err))...)
	}
	if errors.Is(err, context.Canceled) {
		return New(ErrCodeCanceled, message, append(opts, WithCause(err))...)
	}
	return New(ErrCodeInternal, message, append(opts, WithCause(err))...)
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) *Error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// WrapWithCode wraps err under an explicit code.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	return New(code, message, append(opts, WithCause(err))...)
}

// As extracts the first coded error in the chain, or nil.
func As(err error) *Error {
	var coded *Error
	if errors.As(err, &coded) {
		return coded
	}
	return nil
}

// Is reports whether the first coded error in the chain has code.
func Is(err error, code ErrorCode) bool {
	if coded := As(err); coded != nil {
		return coded.code == code
	}
	return false
}

// IsRetryable reports whether err is a coded, retryable error.
// Plain errors are treated as retryable only when they are context timeouts.
func IsRetryable(err error) bool {
	if coded := As(err); coded != nil {
		return coded.Retryable()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Code extracts the error code, or "" for uncoded errors.
func Code(err error) ErrorCode {
	if coded := As(err); coded != nil {
		return coded.code
	}
	return ""
}

func IsNotFound(err error) bool     { return Is(err, ErrCodeNotFound) }
func IsUnauthorized(err error) bool { return Is(err, ErrCodeUnauthorized) }
func IsConflict(err error) bool     { return Is(err, ErrCodeConflict) }
func IsTimeout(err error) bool      { return Is(err, ErrCodeTimeout) }

// RecoverPanic converts a recovered panic value into an Error.
func RecoverPanic(recovered interface{}) *Error {
	if recovered == nil {
		return nil
	}
	var message string
	switch v := recovered.(type) {
	case error:
		message = v.Error()
	case string:
		message = v
	default:
		message = fmt.Sprintf("%v", v)
	}
	return New(ErrCodePanic, message, WithMetadata("panic_value", fmt.Sprintf("%T", recovered)))
}
