package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/tekton/hermes/errors"
)

type echoParams struct {
	Msg string `json:"msg"`
}

func testMethods() *Methods {
	m := NewMethods()
	m.Register("echo", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p echoParams
		if err := DecodeParams(params, &p); err != nil {
			return nil, err
		}
		return p, nil
	})
	m.Register("missing", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return nil, errors.ComponentNotFound("svc-a")
	})
	m.Register("plain", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return nil, fmt.Errorf("secret detail")
	})
	m.Register("panic", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		panic("boom")
	})
	return m
}

func TestParseInbound(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantKind string
		wantCode int
	}{
		{"request", `{"jsonrpc":"2.0","id":1,"method":"echo"}`, "request", 0},
		{"notification", `{"jsonrpc":"2.0","method":"hermes.ready"}`, "notification", 0},
		{"null id is notification", `{"jsonrpc":"2.0","id":null,"method":"x"}`, "notification", 0},
		{"response", `{"jsonrpc":"2.0","id":"h-1","result":true}`, "response", 0},
		{"garbage", `{nope`, "", ParseError},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"x"}`, "", InvalidRequest},
		{"no method no id", `{"jsonrpc":"2.0"}`, "", InvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseInbound([]byte(tt.input))
			if tt.wantCode != 0 {
				rpcErr, ok := err.(*Error)
				if !ok || rpcErr.Code != tt.wantCode {
					t.Fatalf("err = %v, want code %d", err, tt.wantCode)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseInbound error: %v", err)
			}
			kind := ""
			switch {
			case msg.Request != nil:
				kind = "request"
			case msg.Notification != nil:
				kind = "notification"
			case msg.Response != nil:
				kind = "response"
			}
			if kind != tt.wantKind {
				t.Errorf("kind = %q, want %q", kind, tt.wantKind)
			}
		})
	}
}

func TestDispatch(t *testing.T) {
	m := testMethods()
	tests := []struct {
		name     string
		req      Request
		wantCode int
		hermes   errors.ErrorCode
	}{
		{"success", Request{JSONRPC: "2.0", ID: 1, Method: "echo", Params: json.RawMessage(`{"msg":"hi"}`)}, 0, ""},
		{"unknown method", Request{JSONRPC: "2.0", ID: 2, Method: "nope"}, MethodNotFound, ""},
		{"missing params", Request{JSONRPC: "2.0", ID: 3, Method: "echo"}, InvalidParams, ""},
		{"bad params", Request{JSONRPC: "2.0", ID: 4, Method: "echo", Params: json.RawMessage(`[1]`)}, InvalidParams, ""},
		{"coded error", Request{JSONRPC: "2.0", ID: 5, Method: "missing"}, NotFound, errors.ErrCodeNotFound},
		{"uncoded error", Request{JSONRPC: "2.0", ID: 6, Method: "plain"}, InternalError, errors.ErrCodeInternal},
		{"panic", Request{JSONRPC: "2.0", ID: 7, Method: "panic"}, InternalError, errors.ErrCodePanic},
		{"wrong version", Request{JSONRPC: "1.0", ID: 8, Method: "echo"}, InvalidRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := Dispatch(context.Background(), m, &tt.req)
			if resp == nil {
				t.Fatal("expected response")
			}
			if resp.ID != tt.req.ID {
				t.Errorf("ID = %v, want %v", resp.ID, tt.req.ID)
			}
			if tt.wantCode == 0 {
				if resp.Error != nil {
					t.Fatalf("unexpected error: %v", resp.Error)
				}
				var got echoParams
				json.Unmarshal(resp.Result, &got)
				if got.Msg != "hi" {
					t.Errorf("result = %s", resp.Result)
				}
				return
			}
			if resp.Error == nil || resp.Error.Code != tt.wantCode {
				t.Fatalf("error = %+v, want code %d", resp.Error, tt.wantCode)
			}
			if tt.hermes != "" && (resp.Error.Data == nil || resp.Error.Data.Code != tt.hermes) {
				t.Errorf("data = %+v, want hermes code %s", resp.Error.Data, tt.hermes)
			}
		})
	}
}

func TestDispatch_NotificationHasNoResponse(t *testing.T) {
	called := false
	h := HandlerFunc(func(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
		called = true
		return nil, nil
	})
	if resp := Dispatch(context.Background(), h, &Request{JSONRPC: "2.0", Method: "ping"}); resp != nil {
		t.Errorf("resp = %+v, want nil", resp)
	}
	if !called {
		t.Error("handler not called")
	}
}

func TestErrorFrom_HidesUncodedText(t *testing.T) {
	e := ErrorFrom(fmt.Errorf("dial tcp 10.0.0.1: refused"))
	if e.Code != InternalError || e.Message != "Internal error" {
		t.Errorf("ErrorFrom = %+v", e)
	}
}

func TestError_RoundTrip(t *testing.T) {
	orig := errors.Timeout("svc-a did not answer", errors.WithComponentID("svc-a"))
	data, err := json.Marshal(ErrorFrom(orig))
	if err != nil {
		t.Fatal(err)
	}
	var decoded Error
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	back := decoded.Err()
	if !errors.IsTimeout(back) {
		t.Errorf("Err() = %v, want TIMEOUT", back)
	}
	if !errors.IsRetryable(back) {
		t.Error("timeout should stay retryable")
	}
	if c := errors.As(back); c == nil || c.ComponentID() != "svc-a" {
		t.Errorf("component id lost: %v", back)
	}
}

func TestMethods_Names(t *testing.T) {
	got := testMethods().Names()
	want := []string{"echo", "missing", "panic", "plain"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}
}
