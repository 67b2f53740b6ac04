package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tekton/hermes/errors"
	"github.com/tekton/hermes/state"
)

// --- Test helpers ---

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, payload []byte, _ map[string]string) (string, error) {
	ev, err := UnmarshalEvent(payload)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, *ev)
	return fmt.Sprintf("msg-%d", len(p.events)), nil
}

func (p *recordingPublisher) topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Topic
	}
	return out
}

func (p *recordingPublisher) last() Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[len(p.events)-1]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(t *testing.T) (*Registry, *recordingPublisher, *fakeClock) {
	t.Helper()
	pub := &recordingPublisher{}
	clock := newFakeClock()
	r := New(Config{Publisher: pub, Now: clock.Now, AuditRetention: time.Minute})
	return r, pub, clock
}

func req(id string, caps ...string) RegisterRequest {
	return RegisterRequest{ID: id, Name: id, Version: "1.0.0", Type: "service", Endpoint: "http://" + id, Capabilities: caps}
}

// --- Register ---

func TestRegister(t *testing.T) {
	r, pub, clock := newTestRegistry(t)
	ctx := context.Background()

	token, err := r.Register(ctx, req("svc-a", "memory", "memory", "search"))
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if len(token) != 64 {
		t.Errorf("token length = %d, want 64", len(token))
	}

	got, err := r.Get("svc-a")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.Status != StatusRegistered {
		t.Errorf("Status = %v, want REGISTERED", got.Status)
	}
	if got.Token != "" {
		t.Error("Get must not expose the token")
	}
	if len(got.Capabilities) != 2 {
		t.Errorf("Capabilities = %v, want deduplicated", got.Capabilities)
	}
	if !got.LastHeartbeatAt.Equal(clock.Now()) {
		t.Errorf("LastHeartbeatAt = %v, want registration time", got.LastHeartbeatAt)
	}
	if got.SchemaVersion != SchemaVersion {
		t.Errorf("SchemaVersion = %d", got.SchemaVersion)
	}

	ev := pub.last()
	if ev.Topic != TopicRegistered || ev.Record.ID != "svc-a" || ev.Record.Token != "" {
		t.Errorf("event = %+v", ev)
	}
}

func TestRegister_Invalid(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	tests := []RegisterRequest{
		{ID: "", Name: "x"},
		{ID: "has.dot", Name: "x"},
		{ID: "ok"},
		{ID: "ok", Name: "x", Capabilities: []string{""}},
		{ID: "ok", Name: "x", SchemaVersion: SchemaVersion + 1},
	}
	for _, tt := range tests {
		if _, err := r.Register(context.Background(), tt); !errors.Is(err, errors.ErrCodeInvalidInput) {
			t.Errorf("Register(%+v) error = %v, want INVALID_INPUT", tt, err)
		}
	}
}

func TestRegister_ConflictWithStaleToken(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	first, _ := r.Register(ctx, req("svc-a"))

	_, err := r.Register(ctx, req("svc-a"))
	if !errors.IsConflict(err) {
		t.Fatalf("re-register without token: err = %v, want CONFLICT", err)
	}

	stale := req("svc-a")
	stale.Token = "not-the-token"
	if _, err := r.Register(ctx, stale); !errors.IsConflict(err) {
		t.Fatalf("re-register with stale token: err = %v, want CONFLICT", err)
	}

	current := req("svc-a")
	current.Token = first
	second, err := r.Register(ctx, current)
	if err != nil {
		t.Fatalf("re-register with current token: %v", err)
	}
	if second == first {
		t.Error("token should rotate on re-registration")
	}
	if r.Validate("svc-a", first) {
		t.Error("old token should be invalid after rotation")
	}
	if !r.Validate("svc-a", second) {
		t.Error("new token should be valid")
	}
}

func TestRegister_ResetsStatus(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	token, _ := r.Register(ctx, req("svc-a"))

	_, err := r.Mutate(ctx, "svc-a", func(rec *ComponentRecord) (string, error) {
		rec.Status = StatusReady
		return "", nil
	})
	if err != nil {
		t.Fatal(err)
	}

	again := req("svc-a")
	again.Token = token
	if _, err := r.Register(ctx, again); err != nil {
		t.Fatal(err)
	}
	got, _ := r.Get("svc-a")
	if got.Status != StatusRegistered {
		t.Errorf("Status = %v, want REGISTERED", got.Status)
	}
}

func TestRegister_UnhealthyKeepsToken(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	token, _ := r.Register(ctx, req("svc-a"))
	r.Mutate(ctx, "svc-a", func(rec *ComponentRecord) (string, error) {
		rec.Status = StatusUnhealthy
		return "missed heartbeats", nil
	})

	if _, err := r.Register(ctx, req("svc-a")); !errors.IsConflict(err) {
		t.Fatalf("register over UNHEALTHY without token = %v, want CONFLICT", err)
	}
	if err := r.Authorize("svc-a", token); err != nil {
		t.Errorf("owner token rejected after refused takeover: %v", err)
	}

	again := req("svc-a")
	again.Token = token
	if _, err := r.Register(ctx, again); err != nil {
		t.Errorf("owner re-register over UNHEALTHY: %v", err)
	}
}

func TestStatus_Live(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusRegistered, true},
		{StatusReady, true},
		{StatusDegraded, true},
		{StatusUnhealthy, true},
		{StatusUnregistered, false},
	}
	for _, tt := range tests {
		if got := tt.status.Live(); got != tt.want {
			t.Errorf("%s.Live() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestWith_HoldsRemoval(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	token, _ := r.Register(ctx, req("svc-a"))

	var mu sync.Mutex
	attached, cleaned := false, false
	r.OnRemoved(func(ComponentRecord) {
		mu.Lock()
		cleaned = attached
		mu.Unlock()
	})

	entered := make(chan struct{})
	proceed := make(chan struct{})
	withDone := make(chan error, 1)
	go func() {
		withDone <- r.With("svc-a", token, func(rec ComponentRecord) error {
			if rec.Token != "" {
				t.Error("With exposed the token")
			}
			close(entered)
			<-proceed
			mu.Lock()
			attached = true
			mu.Unlock()
			return nil
		})
	}()
	<-entered

	unregistered := make(chan bool, 1)
	go func() {
		ok, _ := r.Unregister(ctx, "svc-a", token)
		unregistered <- ok
	}()
	select {
	case <-unregistered:
		t.Fatal("Unregister ran while With held the component")
	case <-time.After(20 * time.Millisecond):
	}

	close(proceed)
	if err := <-withDone; err != nil {
		t.Fatalf("With = %v", err)
	}
	if !<-unregistered {
		t.Fatal("Unregister = false")
	}
	mu.Lock()
	defer mu.Unlock()
	if !cleaned {
		t.Error("OnRemoved ran before the work done under With")
	}

	if err := r.With("svc-a", token, func(ComponentRecord) error { return nil }); !errors.IsNotFound(err) {
		t.Errorf("With after unregister = %v, want NOT_FOUND", err)
	}
}

func TestWith_RejectsBadToken(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	r.Register(context.Background(), req("svc-a"))
	called := false
	err := r.With("svc-a", "nope", func(ComponentRecord) error { called = true; return nil })
	if !errors.IsUnauthorized(err) || called {
		t.Errorf("With(bad token) = %v, called = %v", err, called)
	}
}

func TestRegister_AfterUnregister(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	token, _ := r.Register(ctx, req("svc-a"))
	r.Unregister(ctx, "svc-a", token)

	if _, err := r.Register(ctx, req("svc-a")); err != nil {
		t.Errorf("register after unregister: %v", err)
	}
}

func TestRegister_Closed(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	r.Close()
	if _, err := r.Register(context.Background(), req("svc-a")); !errors.Is(err, errors.ErrCodeClosed) {
		t.Errorf("err = %v, want CLOSED", err)
	}
}

// --- Unregister / Authorize ---

func TestUnregister(t *testing.T) {
	r, pub, _ := newTestRegistry(t)
	ctx := context.Background()
	token, _ := r.Register(ctx, req("svc-a"))

	var removed []ComponentRecord
	r.OnRemoved(func(rec ComponentRecord) { removed = append(removed, rec) })

	if _, err := r.Unregister(ctx, "svc-a", "wrong"); !errors.IsUnauthorized(err) {
		t.Fatalf("bad token: err = %v, want UNAUTHORIZED", err)
	}

	ok, err := r.Unregister(ctx, "svc-a", token)
	if err != nil || !ok {
		t.Fatalf("Unregister = %v, %v", ok, err)
	}

	ok, err = r.Unregister(ctx, "svc-a", token)
	if err != nil || ok {
		t.Errorf("second Unregister = %v, %v, want false, nil", ok, err)
	}
	ok, err = r.Unregister(ctx, "nobody", "x")
	if err != nil || ok {
		t.Errorf("Unregister unknown = %v, %v, want false, nil", ok, err)
	}

	if len(removed) != 1 || removed[0].ID != "svc-a" {
		t.Errorf("OnRemoved calls = %+v", removed)
	}
	ev := pub.last()
	if ev.Topic != TopicRemoved || ev.Reason != ReasonUnregistered {
		t.Errorf("last event = %+v", ev)
	}

	got, err := r.Get("svc-a")
	if err != nil {
		t.Fatalf("audit record should remain readable: %v", err)
	}
	if got.Status != StatusUnregistered || got.UnregisteredAt.IsZero() {
		t.Errorf("audit record = %+v", got)
	}
	if err := r.Authorize("svc-a", token); !errors.IsNotFound(err) {
		t.Errorf("Authorize after unregister = %v, want NOT_FOUND", err)
	}
}

func TestAuthorize(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	token, _ := r.Register(context.Background(), req("svc-a"))

	tests := []struct {
		name  string
		id    string
		token string
		code  errors.ErrorCode
	}{
		{"valid", "svc-a", token, ""},
		{"wrong token", "svc-a", "nope", errors.ErrCodeUnauthorized},
		{"empty token", "svc-a", "", errors.ErrCodeUnauthorized},
		{"unknown id", "svc-z", token, errors.ErrCodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Authorize(tt.id, tt.token)
			if tt.code == "" {
				if err != nil {
					t.Errorf("Authorize = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.code) {
				t.Errorf("Authorize = %v, want %s", err, tt.code)
			}
		})
	}
}

// --- Mutate / Expire / Purge ---

func TestMutate_Events(t *testing.T) {
	r, pub, _ := newTestRegistry(t)
	ctx := context.Background()
	r.Register(ctx, req("svc-a"))

	setStatus := func(s Status) func(*ComponentRecord) (string, error) {
		return func(rec *ComponentRecord) (string, error) {
			rec.Status = s
			return "", nil
		}
	}
	r.Mutate(ctx, "svc-a", setStatus(StatusReady))
	r.Mutate(ctx, "svc-a", setStatus(StatusReady))
	r.Mutate(ctx, "svc-a", setStatus(StatusDegraded))
	r.Mutate(ctx, "svc-a", setStatus(StatusUnhealthy))
	r.Mutate(ctx, "svc-a", func(*ComponentRecord) (string, error) { return "", ErrNoChange })

	want := []string{TopicRegistered, TopicReady, TopicHeartbeat, TopicDegraded, TopicUnhealthy}
	got := pub.topics()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("topics = %v, want %v", got, want)
	}

	var last uint64
	for _, ev := range pub.events {
		if ev.Record.Revision <= last {
			t.Errorf("revision %d not increasing after %d", ev.Record.Revision, last)
		}
		last = ev.Record.Revision
	}
}

func TestMutate_GuardsIdentity(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	token, _ := r.Register(ctx, req("svc-a"))

	r.Mutate(ctx, "svc-a", func(rec *ComponentRecord) (string, error) {
		rec.ID = "other"
		rec.Token = "stolen"
		return "", nil
	})
	if !r.Validate("svc-a", token) {
		t.Error("token must survive Mutate")
	}

	_, err := r.Mutate(ctx, "svc-a", func(rec *ComponentRecord) (string, error) {
		rec.Status = StatusUnregistered
		return "", nil
	})
	if !errors.Is(err, errors.ErrCodeInternal) {
		t.Errorf("Mutate to UNREGISTERED: err = %v", err)
	}
}

func TestMutate_NotFound(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	_, err := r.Mutate(context.Background(), "ghost", func(*ComponentRecord) (string, error) { return "", nil })
	if !errors.IsNotFound(err) {
		t.Errorf("err = %v, want NOT_FOUND", err)
	}
}

func TestExpireAndPurge(t *testing.T) {
	r, pub, clock := newTestRegistry(t)
	ctx := context.Background()
	r.Register(ctx, req("svc-a"))

	ok, err := r.Expire(ctx, "svc-a", func(rec ComponentRecord) bool { return rec.Status == StatusUnhealthy })
	if err != nil || ok {
		t.Fatalf("Expire with false cond = %v, %v", ok, err)
	}

	ok, err = r.Expire(ctx, "svc-a", nil)
	if err != nil || !ok {
		t.Fatalf("Expire = %v, %v", ok, err)
	}
	if ev := pub.last(); ev.Reason != ReasonExpired {
		t.Errorf("reason = %q, want expired", ev.Reason)
	}

	clock.Advance(30 * time.Second)
	if n := r.Purge(clock.Now()); n != 0 {
		t.Errorf("Purge inside retention = %d", n)
	}
	clock.Advance(31 * time.Second)
	if n := r.Purge(clock.Now()); n != 1 {
		t.Errorf("Purge after retention = %d, want 1", n)
	}
	if _, err := r.Get("svc-a"); !errors.IsNotFound(err) {
		t.Errorf("Get after purge = %v", err)
	}
}

func TestList(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	r.Register(ctx, req("b", "search"))
	r.Register(ctx, req("a", "memory"))
	r.Register(ctx, req("c", "memory"))

	all := r.List(nil)
	if len(all) != 3 || all[0].ID != "a" || all[2].ID != "c" {
		t.Errorf("List(nil) = %v", all)
	}
	mem := r.List(&Filter{Capability: "memory"})
	if len(mem) != 2 {
		t.Errorf("List(memory) = %d records", len(mem))
	}
}

// --- Persistence ---

func TestPersistAndRestore(t *testing.T) {
	store := state.NewMemoryStore()
	ctx := context.Background()
	clock := newFakeClock()

	r1 := New(Config{Store: store, Now: clock.Now})
	token, _ := r1.Register(ctx, req("svc-a", "memory"))
	r1.Mutate(ctx, "svc-a", func(rec *ComponentRecord) (string, error) {
		rec.Status = StatusReady
		return "", nil
	})
	gone, _ := r1.Register(ctx, req("svc-b"))
	r1.Unregister(ctx, "svc-b", gone)

	raw, err := store.Get(ctx, "components.svc-a")
	if err != nil {
		t.Fatalf("record not persisted: %v", err)
	}
	var persisted ComponentRecord
	if err := json.Unmarshal(raw, &persisted); err != nil || persisted.Token != token {
		t.Fatalf("persisted record = %+v, %v", persisted, err)
	}

	clock.Advance(time.Hour)
	pub := &recordingPublisher{}
	r2 := New(Config{Store: store, Publisher: pub, Now: clock.Now})
	n, err := r2.Restore(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Restore = %d, %v", n, err)
	}

	got, _ := r2.Get("svc-a")
	if got.Status != StatusRegistered {
		t.Errorf("restored Status = %v, want REGISTERED", got.Status)
	}
	if !got.LastHeartbeatAt.Equal(clock.Now()) {
		t.Errorf("restored LastHeartbeatAt = %v, want restore time", got.LastHeartbeatAt)
	}
	if !r2.Validate("svc-a", token) {
		t.Error("restored record should keep its token")
	}
	if _, err := r2.Get("svc-b"); !errors.IsNotFound(err) {
		t.Error("unregistered component should not be restored")
	}
	if ev := pub.last(); ev.Topic != TopicRegistered || ev.Reason != "restored" {
		t.Errorf("restore event = %+v", ev)
	}
}

type failingStore struct{ state.Store }

func (failingStore) Put(context.Context, string, []byte) error { return fmt.Errorf("disk full") }

func TestRegister_PersistFailure(t *testing.T) {
	r := New(Config{Store: failingStore{state.NewMemoryStore()}})
	_, err := r.Register(context.Background(), req("svc-a"))
	if !errors.Is(err, errors.ErrCodeUnavailable) {
		t.Fatalf("err = %v, want UNAVAILABLE", err)
	}
	if _, err := r.Get("svc-a"); !errors.IsNotFound(err) {
		t.Error("failed registration must not leave a record")
	}
}

// --- Concurrency ---

func TestConcurrentRegisterAndMutate(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("svc-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := r.Register(ctx, req(id))
			if err != nil {
				t.Errorf("Register(%s): %v", id, err)
				return
			}
			for j := 0; j < 50; j++ {
				r.Mutate(ctx, id, func(rec *ComponentRecord) (string, error) {
					if !rec.TokenMatches(token) {
						return "", errors.Unauthorized("bad token")
					}
					rec.LastHeartbeatAt = rec.LastHeartbeatAt.Add(time.Second)
					return "", nil
				})
			}
		}()
	}
	wg.Wait()

	for _, rec := range r.List(nil) {
		if got := rec.LastHeartbeatAt.Sub(rec.RegisteredAt); got != 50*time.Second {
			t.Errorf("%s advanced %v, want 50s (lost update)", rec.ID, got)
		}
	}
}
