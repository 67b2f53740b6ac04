package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

// ============================================================================
// Construction
// ============================================================================

func TestNew(t *testing.T) {
	tests := []struct {
		name         string
		code         ErrorCode
		wantCategory ErrorCategory
		wantRetry    bool
	}{
		{"timeout", ErrCodeTimeout, CategoryTransient, true},
		{"not_found", ErrCodeNotFound, CategoryPermanent, false},
		{"conflict", ErrCodeConflict, CategoryPermanent, false},
		{"unauthorized", ErrCodeUnauthorized, CategoryPermanent, false},
		{"queue_full", ErrCodeQueueFull, CategoryResource, true},
		{"internal", ErrCodeInternal, CategoryInternal, false},
		{"unknown", ErrorCode("WHATEVER"), CategoryInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, "boom")
			if err.Code() != tt.code {
				t.Errorf("Code() = %v, want %v", err.Code(), tt.code)
			}
			if err.Category() != tt.wantCategory {
				t.Errorf("Category() = %v, want %v", err.Category(), tt.wantCategory)
			}
			if err.Retryable() != tt.wantRetry {
				t.Errorf("Retryable() = %v, want %v", err.Retryable(), tt.wantRetry)
			}
			if err.Timestamp().IsZero() {
				t.Error("Timestamp() should not be zero")
			}
		})
	}
}

func TestFromCode(t *testing.T) {
	err := FromCode(ErrCodeUnauthorized)
	if err.Error() != "invalid or missing token" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestComponentNotFound(t *testing.T) {
	err := ComponentNotFound("svc-a")
	if !IsNotFound(err) {
		t.Fatal("expected NOT_FOUND")
	}
	if err.ComponentID() != "svc-a" {
		t.Errorf("ComponentID() = %q", err.ComponentID())
	}
}

func TestDeliveryFailed(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := DeliveryFailed("msg-1", "svc-b", 5, cause)
	if err.Code() != ErrCodeDeliveryFailed {
		t.Errorf("Code() = %v", err.Code())
	}
	if err.Retryable() {
		t.Error("exhausted delivery should not be retryable")
	}
	if err.MessageID() != "msg-1" || err.ComponentID() != "svc-b" {
		t.Errorf("ids = %q/%q", err.MessageID(), err.ComponentID())
	}
	if !errors.Is(err, cause) {
		t.Error("cause should be in the chain")
	}
}

func TestMetadataIsCopied(t *testing.T) {
	err := New(ErrCodeConflict, "x", WithMetadata("holder", "a"))
	md := err.Metadata()
	md["holder"] = "b"
	if err.Metadata()["holder"] != "a" {
		t.Error("Metadata() must return a copy")
	}
}

// ============================================================================
// Wrapping
// ============================================================================

func TestWrap(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"coded", Conflict("taken"), ErrCodeConflict},
		{"deadline", context.DeadlineExceeded, ErrCodeTimeout},
		{"canceled", context.Canceled, ErrCodeCanceled},
		{"plain", fmt.Errorf("disk on fire"), ErrCodeInternal},
		{"wrapped deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), ErrCodeTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Wrap(tt.err, "context")
			if got.Code() != tt.want {
				t.Errorf("Code() = %v, want %v", got.Code(), tt.want)
			}
			if !errors.Is(got, tt.err) {
				t.Error("wrapped error lost its cause")
			}
		})
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, "x") != nil {
		t.Error("Wrap(nil) should be nil")
	}
	if WrapWithCode(nil, ErrCodeInternal, "x") != nil {
		t.Error("WrapWithCode(nil) should be nil")
	}
}

func TestWrapKeepsIdentifiers(t *testing.T) {
	inner := New(ErrCodeUnauthorized, "bad token", WithComponentID("svc-a"))
	outer := Wrap(inner, "heartbeat rejected")
	if outer.ComponentID() != "svc-a" {
		t.Errorf("ComponentID() = %q", outer.ComponentID())
	}
	if !IsUnauthorized(fmt.Errorf("api: %w", outer)) {
		t.Error("IsUnauthorized should see through fmt wrapping")
	}
}

func TestPredicates(t *testing.T) {
	if !IsTimeout(Timeout("slow")) {
		t.Error("IsTimeout")
	}
	if !IsConflict(Conflict("x")) {
		t.Error("IsConflict")
	}
	if IsNotFound(fmt.Errorf("plain")) {
		t.Error("plain error is not NOT_FOUND")
	}
	if Code(fmt.Errorf("plain")) != "" {
		t.Error("plain error has no code")
	}
	if !IsRetryable(context.DeadlineExceeded) {
		t.Error("deadline exceeded is retryable")
	}
	if IsRetryable(fmt.Errorf("plain")) {
		t.Error("plain errors are not retryable")
	}
}

// ============================================================================
// JSON
// ============================================================================

func TestJSONRoundTrip(t *testing.T) {
	orig := New(ErrCodeConflict, "component svc-a already registered",
		WithComponentID("svc-a"),
		WithMetadata("status", "READY"),
		WithCause(fmt.Errorf("token mismatch")))

	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded Error
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Code() != ErrCodeConflict || decoded.Category() != CategoryPermanent {
		t.Errorf("decoded = %v/%v", decoded.Code(), decoded.Category())
	}
	if decoded.ComponentID() != "svc-a" {
		t.Errorf("ComponentID() = %q", decoded.ComponentID())
	}
	if decoded.Metadata()["status"] != "READY" {
		t.Error("metadata lost")
	}
	if decoded.Error() != orig.Error() {
		t.Errorf("Error() = %q, want %q", decoded.Error(), orig.Error())
	}
}

func TestUnmarshalDefaultsCategory(t *testing.T) {
	var e Error
	if err := json.Unmarshal([]byte(`{"code":"TIMEOUT","message":"slow","retryable":true}`), &e); err != nil {
		t.Fatal(err)
	}
	if e.Category() != CategoryTransient {
		t.Errorf("Category() = %v", e.Category())
	}
}

func TestRecoverPanic(t *testing.T) {
	if RecoverPanic(nil) != nil {
		t.Error("nil panic should give nil")
	}
	err := RecoverPanic("kaboom")
	if err.Code() != ErrCodePanic || err.Error() != "kaboom" {
		t.Errorf("got %v %q", err.Code(), err.Error())
	}
}
