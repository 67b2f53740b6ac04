package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource indicates backpressure or exhausted capacity.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal indicates unexpected errors or corrupted state.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryResource:
		return true
	default:
		return false
	}
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

const (
	// Transient
	ErrCodeTimeout        ErrorCode = "TIMEOUT"         // Direct request exceeded its deadline
	ErrCodeUnavailable    ErrorCode = "UNAVAILABLE"     // Backend or peer temporarily unavailable
	ErrCodeDeliveryFailed ErrorCode = "DELIVERY_FAILED" // Delivery exhausted retries

	// Permanent
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"     // Unknown component, topic or message
	ErrCodeConflict     ErrorCode = "CONFLICT"      // Registration held by another token
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT" // Malformed id, topic or payload
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"  // Bad or missing token
	ErrCodeCanceled     ErrorCode = "CANCELED"      // Caller canceled the operation
	ErrCodeClosed       ErrorCode = "CLOSED"        // Service is shutting down

	// Resource
	ErrCodeQueueFull   ErrorCode = "QUEUE_FULL"   // Subscriber or worker queue at capacity
	ErrCodeRateLimited ErrorCode = "RATE_LIMITED" // Component exceeded its publish or request rate

	// Internal
	ErrCodeInternal ErrorCode = "INTERNAL"
	ErrCodePanic    ErrorCode = "PANIC"
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeUnavailable, ErrCodeDeliveryFailed:
		return CategoryTransient
	case ErrCodeNotFound, ErrCodeConflict, ErrCodeInvalidInput, ErrCodeUnauthorized,
		ErrCodeCanceled, ErrCodeClosed:
		return CategoryPermanent
	case ErrCodeQueueFull, ErrCodeRateLimited:
		return CategoryResource
	default:
		return CategoryInternal
	}
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeTimeout:        "request timed out",
	ErrCodeUnavailable:    "temporarily unavailable",
	ErrCodeDeliveryFailed: "delivery failed",
	ErrCodeNotFound:       "not found",
	ErrCodeConflict:       "registration conflict",
	ErrCodeInvalidInput:   "invalid input",
	ErrCodeUnauthorized:   "invalid or missing token",
	ErrCodeCanceled:       "operation canceled",
	ErrCodeClosed:         "service closed",
	ErrCodeQueueFull:      "queue full",
	ErrCodeRateLimited:    "rate limited",
	ErrCodeInternal:       "internal error",
	ErrCodePanic:          "recovered from panic",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
