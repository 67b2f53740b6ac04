package registry

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"maps"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tekton/hermes/errors"
	"github.com/tekton/hermes/logging"
	"github.com/tekton/hermes/metrics"
	"github.com/tekton/hermes/state"
)

// ErrNoChange is returned by a Mutate callback to leave the record as is.
var ErrNoChange = stderrors.New("no change")

const keyPrefix = "components."

// Publisher delivers registry events. The message router satisfies it.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, headers map[string]string) (string, error)
}

// Config configures a Registry. Every field is optional.
type Config struct {
	Store     state.Store
	Publisher Publisher
	Logger    *logging.Logger
	Metrics   *metrics.Metrics

	// AuditRetention is how long UNREGISTERED records stay readable.
	AuditRetention time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Registry owns every ComponentRecord. Each record has its own lock;
// there is no registry-wide lock on the mutation path.
type Registry struct {
	entries   sync.Map // id -> *entry
	rev       atomic.Uint64
	closed    atomic.Bool
	store     state.Store
	pub       Publisher
	logger    *logging.Logger
	metrics   *metrics.Metrics
	retention time.Duration
	now       func() time.Time

	hooksMu sync.RWMutex
	hooks   []func(ComponentRecord)
}

type entry struct {
	mu     sync.Mutex
	rec    *ComponentRecord
	purged bool
}

// New creates a registry.
func New(cfg Config) *Registry {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		store:     cfg.Store,
		pub:       cfg.Publisher,
		logger:    logging.OrNop(cfg.Logger).WithComponent("registry"),
		metrics:   cfg.Metrics,
		retention: cfg.AuditRetention,
		now:       now,
	}
}

// OnRemoved registers fn to run after a component is unregistered or
// expired. It runs while the record is still locked, so it must not call
// back into the registry for the same id.
func (r *Registry) OnRemoved(fn func(ComponentRecord)) {
	r.hooksMu.Lock()
	r.hooks = append(r.hooks, fn)
	r.hooksMu.Unlock()
}

// Register creates or replaces a component record and returns its new
// token. Replacing a live record requires the token it currently holds.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (string, error) {
	if r.closed.Load() {
		return "", errors.New(errors.ErrCodeClosed, "registry closed")
	}
	if err := req.Validate(); err != nil {
		return "", errors.InvalidInput(err.Error(), errors.WithComponentID(req.ID))
	}
	token, err := newToken()
	if err != nil {
		return "", errors.Wrap(err, "generate token")
	}

	e := r.lock(req.ID, true)
	defer e.mu.Unlock()

	prev := e.rec
	if prev != nil && prev.Status.Live() && !prev.TokenMatches(req.Token) {
		return "", errors.Conflict(
			fmt.Sprintf("component %q is registered with a different token", req.ID),
			errors.WithComponentID(req.ID))
	}

	now := r.now()
	schema := req.SchemaVersion
	if schema == 0 {
		schema = SchemaVersion
	}
	rec := &ComponentRecord{
		ID:              req.ID,
		Name:            req.Name,
		Version:         req.Version,
		Type:            req.Type,
		Endpoint:        req.Endpoint,
		Capabilities:    dedupe(req.Capabilities),
		Metadata:        maps.Clone(req.Metadata),
		SchemaVersion:   schema,
		Token:           token,
		Status:          StatusRegistered,
		RegisteredAt:    now,
		LastHeartbeatAt: now,
	}
	if err := r.persist(ctx, rec); err != nil {
		if prev == nil {
			r.drop(req.ID, e)
		}
		return "", err
	}
	rec.Revision = r.rev.Add(1)
	e.rec = rec

	var prevStatus Status
	if prev != nil {
		prevStatus = prev.Status
	}
	replaced := prev != nil && prev.Status != StatusUnregistered
	r.metrics.Registered(replaced)
	r.metrics.StatusChanged(string(prevStatus), string(StatusRegistered))
	r.logger.ComponentRegistered(rec.ID, rec.Type, rec.Capabilities, replaced)
	r.emit(ctx, TopicRegistered, rec, prevStatus, "")
	return token, nil
}

// Unregister removes a component. It returns false without error when
// the id is unknown or already unregistered.
func (r *Registry) Unregister(ctx context.Context, id, token string) (bool, error) {
	e := r.lock(id, false)
	if e == nil {
		return false, nil
	}
	defer e.mu.Unlock()

	if e.rec == nil || e.rec.Status == StatusUnregistered {
		return false, nil
	}
	if !e.rec.TokenMatches(token) {
		return false, errors.Unauthorized("invalid token", errors.WithComponentID(id))
	}
	r.remove(ctx, e, ReasonUnregistered)
	return true, nil
}

// Validate reports whether token is the current token for id.
func (r *Registry) Validate(id, token string) bool {
	return r.Authorize(id, token) == nil
}

// Authorize is Validate with a reason: NOT_FOUND for unknown or
// unregistered ids, UNAUTHORIZED for a token mismatch.
func (r *Registry) Authorize(id, token string) error {
	return r.With(id, token, nil)
}

// With authorizes token for id and runs fn while id's entry stays locked.
// Unregister and expiry of id wait for fn, so state fn attaches to the
// component is cleaned up by OnRemoved hooks. fn must not call back into
// the registry for id.
func (r *Registry) With(id, token string, fn func(rec ComponentRecord) error) error {
	e := r.lock(id, false)
	if e == nil {
		return errors.ComponentNotFound(id)
	}
	defer e.mu.Unlock()

	if e.rec == nil || e.rec.Status == StatusUnregistered {
		return errors.ComponentNotFound(id)
	}
	if !e.rec.TokenMatches(token) {
		return errors.Unauthorized("invalid token", errors.WithComponentID(id))
	}
	if fn == nil {
		return nil
	}
	return fn(e.rec.Public())
}

// Get returns a copy of the record without its token. UNREGISTERED
// records are returned until they are purged.
func (r *Registry) Get(id string) (ComponentRecord, error) {
	e := r.lock(id, false)
	if e == nil {
		return ComponentRecord{}, errors.ComponentNotFound(id)
	}
	defer e.mu.Unlock()

	if e.rec == nil {
		return ComponentRecord{}, errors.ComponentNotFound(id)
	}
	return e.rec.Public(), nil
}

// List returns tokenless copies of all records matching filter, sorted
// by id.
func (r *Registry) List(filter *Filter) []ComponentRecord {
	var out []ComponentRecord
	r.entries.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		if e.rec != nil && !e.purged && MatchesFilter(*e.rec, filter) {
			out = append(out, e.rec.Public())
		}
		e.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Mutate applies fn to a copy of the live record for id and commits the
// result. fn sees the token so it can authorize the caller; identity
// fields are restored after it returns. Returning ErrNoChange commits
// nothing. A status change emits the matching health event, otherwise a
// heartbeat event is emitted.
func (r *Registry) Mutate(ctx context.Context, id string, fn func(rec *ComponentRecord) (reason string, err error)) (ComponentRecord, error) {
	e := r.lock(id, false)
	if e == nil {
		return ComponentRecord{}, errors.ComponentNotFound(id)
	}
	defer e.mu.Unlock()

	if e.rec == nil || e.rec.Status == StatusUnregistered {
		return ComponentRecord{}, errors.ComponentNotFound(id)
	}

	cur := e.rec
	next := cur.Clone()
	reason, err := fn(&next)
	if stderrors.Is(err, ErrNoChange) {
		return cur.Public(), nil
	}
	if err != nil {
		return ComponentRecord{}, err
	}

	next.ID = cur.ID
	next.Token = cur.Token
	next.RegisteredAt = cur.RegisteredAt
	next.UnregisteredAt = time.Time{}
	if next.Status != cur.Status && (next.Status == StatusRegistered || next.Status == StatusUnregistered) {
		return ComponentRecord{}, errors.Internal(
			fmt.Sprintf("invalid transition %s -> %s", cur.Status, next.Status),
			errors.WithComponentID(id))
	}

	next.Revision = r.rev.Add(1)
	e.rec = &next

	topic := TopicHeartbeat
	if next.Status != cur.Status {
		topic = statusTopic(next.Status)
		r.metrics.StatusChanged(string(cur.Status), string(next.Status))
		r.logger.StatusTransition(id, string(cur.Status), string(next.Status), reason)
	}
	r.emit(ctx, topic, &next, cur.Status, reason)
	return next.Public(), nil
}

// Expire unregisters id on behalf of the health monitor. cond is checked
// under the record lock; a nil cond always expires.
func (r *Registry) Expire(ctx context.Context, id string, cond func(ComponentRecord) bool) (bool, error) {
	e := r.lock(id, false)
	if e == nil {
		return false, errors.ComponentNotFound(id)
	}
	defer e.mu.Unlock()

	if e.rec == nil || e.rec.Status == StatusUnregistered {
		return false, nil
	}
	if cond != nil && !cond(e.rec.Public()) {
		return false, nil
	}
	r.remove(ctx, e, ReasonExpired)
	return true, nil
}

// Purge drops UNREGISTERED records whose audit retention has passed at
// now and returns how many were dropped.
func (r *Registry) Purge(now time.Time) int {
	purged := 0
	r.entries.Range(func(k, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		if e.rec != nil && e.rec.Status == StatusUnregistered && now.Sub(e.rec.UnregisteredAt) >= r.retention {
			r.drop(k.(string), e)
			r.metrics.StatusChanged(string(StatusUnregistered), "")
			purged++
		}
		e.mu.Unlock()
		return true
	})
	return purged
}

// Restore reloads persisted registrations. Restored records start over
// as REGISTERED with their heartbeat clock set to now, and keep their
// tokens. Ids registered since startup are left alone.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	keys, err := r.store.Keys(ctx, keyPrefix+"*")
	if err != nil {
		return 0, errors.WrapWithCode(err, errors.ErrCodeUnavailable, "list persisted components")
	}

	restored := 0
	for _, key := range keys {
		data, err := r.store.Get(ctx, key)
		if stderrors.Is(err, state.ErrNotFound) {
			continue
		}
		if err != nil {
			return restored, errors.WrapWithCode(err, errors.ErrCodeUnavailable, "load "+key)
		}
		var rec ComponentRecord
		if err := json.Unmarshal(data, &rec); err != nil || ValidateID(rec.ID) != nil || rec.Token == "" {
			r.logger.Warn("skip_corrupt_record", map[string]interface{}{"key": key, "error": err})
			continue
		}
		if r.restoreOne(ctx, rec) {
			restored++
		}
	}
	if restored > 0 {
		r.logger.Info("registry_restored", map[string]interface{}{"components": restored})
	}
	return restored, nil
}

func (r *Registry) restoreOne(ctx context.Context, rec ComponentRecord) bool {
	e := r.lock(rec.ID, true)
	defer e.mu.Unlock()
	if e.rec != nil {
		return false
	}

	now := r.now()
	rec.Status = StatusRegistered
	rec.LastHeartbeatAt = now
	rec.UnregisteredAt = time.Time{}
	rec.Metrics = HealthMetrics{}
	rec.Revision = r.rev.Add(1)
	e.rec = &rec

	r.metrics.StatusChanged("", string(StatusRegistered))
	r.emit(ctx, TopicRegistered, &rec, "", "restored")
	return true
}

// Close rejects further registrations.
func (r *Registry) Close() error {
	r.closed.Store(true)
	return nil
}

// remove marks e's record UNREGISTERED. The caller holds e.mu.
func (r *Registry) remove(ctx context.Context, e *entry, reason string) {
	cur := e.rec
	if r.store != nil {
		if err := r.store.Delete(ctx, keyPrefix+cur.ID); err != nil {
			r.logger.Warn("unpersist_failed", map[string]interface{}{"component_id": cur.ID, "error": err})
		}
	}

	rec := cur.Clone()
	rec.Status = StatusUnregistered
	rec.Token = ""
	rec.UnregisteredAt = r.now()
	rec.Revision = r.rev.Add(1)
	e.rec = &rec

	r.metrics.Removed(reason)
	r.metrics.StatusChanged(string(cur.Status), string(StatusUnregistered))
	r.logger.ComponentRemoved(rec.ID, reason)
	r.emit(ctx, TopicRemoved, &rec, cur.Status, reason)

	r.hooksMu.RLock()
	hooks := r.hooks
	r.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(rec.Public())
	}
}

// lock returns the locked entry for id. Without create it returns nil
// for unknown ids.
func (r *Registry) lock(id string, create bool) *entry {
	for {
		var v any
		if create {
			v, _ = r.entries.LoadOrStore(id, &entry{})
		} else {
			var ok bool
			if v, ok = r.entries.Load(id); !ok {
				return nil
			}
		}
		e := v.(*entry)
		e.mu.Lock()
		if !e.purged {
			return e
		}
		e.mu.Unlock()
	}
}

// drop removes e from the table. The caller holds e.mu.
func (r *Registry) drop(id string, e *entry) {
	e.purged = true
	r.entries.CompareAndDelete(id, e)
}

func (r *Registry) persist(ctx context.Context, rec *ComponentRecord) error {
	if r.store == nil {
		return nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encode component")
	}
	if err := r.store.Put(ctx, keyPrefix+rec.ID, data); err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeUnavailable, "persist component",
			errors.WithComponentID(rec.ID))
	}
	return nil
}

func (r *Registry) emit(ctx context.Context, topic string, rec *ComponentRecord, prev Status, reason string) {
	if r.pub == nil {
		return
	}
	ev := Event{Topic: topic, Record: rec.Public(), Previous: prev, Reason: reason, At: r.now()}
	data, err := ev.Marshal()
	if err != nil {
		r.logger.Error("encode_event_failed", map[string]interface{}{"topic": topic, "error": err})
		return
	}
	headers := map[string]string{"component_id": rec.ID}
	if _, err := r.pub.Publish(context.WithoutCancel(ctx), topic, data, headers); err != nil {
		r.logger.Warn("publish_event_failed", map[string]interface{}{
			"topic":        topic,
			"component_id": rec.ID,
			"error":        err,
		})
	}
}

func statusTopic(s Status) string {
	switch s {
	case StatusReady:
		return TopicReady
	case StatusDegraded:
		return TopicDegraded
	case StatusUnhealthy:
		return TopicUnhealthy
	}
	return TopicHeartbeat
}

// TokenMatches compares token with the record's token in constant time.
// An empty token never matches.
func (r ComponentRecord) TokenMatches(token string) bool {
	if r.Token == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(r.Token), []byte(token)) == 1
}

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
