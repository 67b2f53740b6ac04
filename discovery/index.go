package discovery

import (
	"context"
	"encoding/json"
	"maps"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blevesearch/bleve/v2"

	"github.com/tekton/hermes/errors"
	"github.com/tekton/hermes/logging"
	"github.com/tekton/hermes/registry"
	"github.com/tekton/hermes/router"
)

// SubscriberName is the local subscriber name used by Attach.
const SubscriberName = "discovery"

// Config configures an Index.
type Config struct {
	Logger *logging.Logger

	// TombstoneRetention is how long the revision of a removed component
	// is remembered.
	// Default: 10 minutes
	TombstoneRetention time.Duration

	// Source, when set, is reconciled against whenever one of the
	// index's lifecycle events is dead-lettered.
	Source Source

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Source lists the authoritative component records.
type Source interface {
	List(filter *registry.Filter) []registry.ComponentRecord
}

// Index is the discovery read model.
type Index struct {
	mu        sync.Mutex // serialises writers
	snap      atomic.Pointer[snapshot]
	text      bleve.Index
	source    Source
	logger    *logging.Logger
	retention time.Duration
	now       func() time.Time
	lastPrune time.Time
	stale     atomic.Uint64
}

// snapshot is immutable once published.
type snapshot struct {
	records map[string]registry.ComponentRecord
	revs    map[string]uint64
	removed map[string]time.Time
	byCap   map[string]map[string]struct{} // discoverable ids per capability
}

// edit builds the next snapshot from cur. records and revs are copied up
// front; the capability sets and tombstones only on first write.
type edit struct {
	*snapshot
	capsOwned    bool
	removedOwned bool
}

func newEdit(cur *snapshot) *edit {
	return &edit{snapshot: &snapshot{
		records: maps.Clone(cur.records),
		revs:    maps.Clone(cur.revs),
		removed: cur.removed,
		byCap:   cur.byCap,
	}}
}

func (e *edit) caps() map[string]map[string]struct{} {
	if !e.capsOwned {
		e.byCap = maps.Clone(e.byCap)
		e.capsOwned = true
	}
	return e.byCap
}

func (e *edit) tombstones() map[string]time.Time {
	if !e.removedOwned {
		e.removed = maps.Clone(e.removed)
		e.removedOwned = true
	}
	return e.removed
}

func (e *edit) addCap(capability, id string) {
	if _, ok := e.byCap[capability][id]; ok {
		return
	}
	set := maps.Clone(e.byCap[capability])
	if set == nil {
		set = make(map[string]struct{})
	}
	set[id] = struct{}{}
	e.caps()[capability] = set
}

func (e *edit) removeCap(capability, id string) {
	set, ok := e.byCap[capability]
	if !ok {
		return
	}
	if _, ok := set[id]; !ok {
		return
	}
	if len(set) == 1 {
		delete(e.caps(), capability)
		return
	}
	set = maps.Clone(set)
	delete(set, id)
	e.caps()[capability] = set
}

// sameCaps reports whether a and b list the same capabilities.
func sameCaps(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// New creates an empty index.
func New(cfg Config) (*Index, error) {
	if cfg.TombstoneRetention <= 0 {
		cfg.TombstoneRetention = 10 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	text, err := bleve.NewMemOnly(buildIndexMapping())
	if err != nil {
		return nil, errors.Wrap(err, "create search index")
	}
	ix := &Index{
		text:      text,
		source:    cfg.Source,
		logger:    logging.OrNop(cfg.Logger).WithComponent("discovery"),
		retention: cfg.TombstoneRetention,
		now:       cfg.Now,
	}
	ix.snap.Store(&snapshot{
		records: make(map[string]registry.ComponentRecord),
		revs:    make(map[string]uint64),
		removed: make(map[string]time.Time),
		byCap:   make(map[string]map[string]struct{}),
	})
	return ix, nil
}

// LocalSubscriber is the part of the router the index needs.
type LocalSubscriber interface {
	SubscribeLocal(name, pattern string, h router.Handler) (bool, error)
}

// Attach subscribes the index to registry lifecycle events, and to
// delivery failures when the index has a Source to resync from.
func (ix *Index) Attach(r LocalSubscriber) error {
	for _, pattern := range []string{"tekton.registration.>", "tekton.health.>"} {
		if _, err := r.SubscribeLocal(SubscriberName, pattern, ix.handle); err != nil {
			return err
		}
	}
	if ix.source == nil {
		return nil
	}
	_, err := r.SubscribeLocal(SubscriberName, router.TopicDeliveryFailed, ix.handleFailure)
	return err
}

// handleFailure resyncs from the source after one of the index's own
// events was dead-lettered.
func (ix *Index) handleFailure(_ context.Context, d *router.Delivery) error {
	var ev router.DeliveryFailedEvent
	if err := json.Unmarshal(d.Payload, &ev); err != nil {
		return errors.InvalidInput("undecodable delivery failure",
			errors.WithMessageID(d.ID), errors.WithCause(err))
	}
	if ev.Subscriber != SubscriberName || ev.Subscription == router.TopicDeliveryFailed {
		return nil
	}
	ix.logger.Warn("lifecycle_event_lost", map[string]interface{}{
		"message_id": ev.MessageID,
		"topic":      ev.Topic,
		"error":      ev.Error,
	})
	ix.Reconcile(ix.source.List(nil))
	return nil
}

func (ix *Index) handle(_ context.Context, d *router.Delivery) error {
	ev, err := registry.UnmarshalEvent(d.Payload)
	if err != nil {
		return errors.InvalidInput("undecodable lifecycle event",
			errors.WithMessageID(d.ID), errors.WithCause(err))
	}
	if ev.Topic == "" {
		ev.Topic = d.Topic
	}
	ix.Apply(ev)
	return nil
}

// Apply folds one lifecycle event into the index. It reports whether the
// event was newer than what the index holds.
func (ix *Index) Apply(ev *registry.Event) bool {
	rec := ev.Record
	if rec.ID == "" {
		return false
	}
	rec.Token = ""

	ix.mu.Lock()
	defer ix.mu.Unlock()

	cur := ix.snap.Load()
	if rec.Revision <= cur.revs[rec.ID] {
		ix.stale.Add(1)
		return false
	}

	next := newEdit(cur)
	prev, had := cur.records[rec.ID]
	gone := ev.Topic == registry.TopicRemoved || rec.Status == registry.StatusUnregistered
	next.revs[rec.ID] = rec.Revision

	wasFound := had && prev.Status.Discoverable()
	nowFound := !gone && rec.Status.Discoverable()
	if wasFound && (!nowFound || !sameCaps(prev.Capabilities, rec.Capabilities)) {
		for _, c := range prev.Capabilities {
			next.removeCap(c, rec.ID)
		}
	}
	if gone {
		delete(next.records, rec.ID)
		next.tombstones()[rec.ID] = ix.now()
	} else {
		next.records[rec.ID] = rec
		if _, ok := next.removed[rec.ID]; ok {
			delete(next.tombstones(), rec.ID)
		}
		if nowFound {
			for _, c := range rec.Capabilities {
				next.addCap(c, rec.ID)
			}
		}
	}
	ix.prune(next)
	ix.snap.Store(next.snapshot)

	switch {
	case gone:
		if had {
			ix.unindex(rec.ID)
		}
	case !had || ev.Topic == registry.TopicRegistered:
		ix.index(rec)
	}
	if !had || prev.Status != rec.Status {
		ix.logger.Debug("index_updated", map[string]interface{}{
			"component_id": rec.ID,
			"status":       string(rec.Status),
			"revision":     rec.Revision,
		})
	}
	return true
}

// prune forgets tombstones older than the retention. The caller holds mu.
func (ix *Index) prune(e *edit) {
	now := ix.now()
	if now.Sub(ix.lastPrune) < ix.retention/2 {
		return
	}
	ix.lastPrune = now
	for id, at := range e.removed {
		if now.Sub(at) > ix.retention {
			delete(e.tombstones(), id)
			delete(e.revs, id)
		}
	}
}

// Reconcile folds the registry's current records into the index. Records
// newer than the indexed revision replace it; indexed ids the registry no
// longer holds are removed. It returns how many ids changed.
func (ix *Index) Reconcile(recs []registry.ComponentRecord) int {
	var (
		changed int
		maxRev  uint64
		seen    = make(map[string]struct{}, len(recs))
	)
	for _, rec := range recs {
		seen[rec.ID] = struct{}{}
		maxRev = max(maxRev, rec.Revision)
		if rec.Revision <= ix.snap.Load().revs[rec.ID] {
			continue
		}
		topic := registry.TopicRegistered
		if rec.Status == registry.StatusUnregistered {
			topic = registry.TopicRemoved
		}
		if ix.Apply(&registry.Event{Topic: topic, Record: rec}) {
			changed++
		}
	}
	for id, rec := range ix.snap.Load().records {
		// Records committed after recs was listed carry a higher revision.
		if _, ok := seen[id]; ok || rec.Revision > maxRev {
			continue
		}
		if ix.forget(id, rec.Revision) {
			changed++
		}
	}
	if changed > 0 {
		ix.logger.Info("index_reconciled", map[string]interface{}{"changed": changed})
	}
	return changed
}

// forget removes id if it is still indexed at revision rev.
func (ix *Index) forget(id string, rev uint64) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	cur := ix.snap.Load()
	prev, ok := cur.records[id]
	if !ok || prev.Revision != rev {
		return false
	}
	next := newEdit(cur)
	if prev.Status.Discoverable() {
		for _, c := range prev.Capabilities {
			next.removeCap(c, id)
		}
	}
	delete(next.records, id)
	next.tombstones()[id] = ix.now()
	ix.snap.Store(next.snapshot)
	ix.unindex(id)
	return true
}

// GetByID returns the indexed record for id. Removed components are not
// found; UNHEALTHY ones are.
func (ix *Index) GetByID(id string) (registry.ComponentRecord, bool) {
	rec, ok := ix.snap.Load().records[id]
	if !ok {
		return registry.ComponentRecord{}, false
	}
	return rec.Clone(), true
}

// FindByCapability returns READY and DEGRADED components advertising
// capability, READY first, then by most recent heartbeat, then by id.
func (ix *Index) FindByCapability(capability string) []registry.ComponentRecord {
	s := ix.snap.Load()
	ids := s.byCap[capability]
	out := make([]registry.ComponentRecord, 0, len(ids))
	for id := range ids {
		out = append(out, s.records[id].Clone())
	}
	rank(out)
	return out
}

func rank(recs []registry.ComponentRecord) {
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if a.Status != b.Status {
			return a.Status == registry.StatusReady
		}
		if !a.LastHeartbeatAt.Equal(b.LastHeartbeatAt) {
			return a.LastHeartbeatAt.After(b.LastHeartbeatAt)
		}
		return a.ID < b.ID
	})
}

// ListAll returns every indexed component sorted by id.
func (ix *Index) ListAll() []registry.ComponentRecord {
	return ix.List(nil)
}

// List returns indexed components matching filter, sorted by id.
func (ix *Index) List(filter *registry.Filter) []registry.ComponentRecord {
	s := ix.snap.Load()
	out := make([]registry.ComponentRecord, 0, len(s.records))
	for _, rec := range s.records {
		if registry.MatchesFilter(rec, filter) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Capabilities returns the capabilities currently offered by at least one
// discoverable component, with their provider counts.
func (ix *Index) Capabilities() map[string]int {
	s := ix.snap.Load()
	out := make(map[string]int, len(s.byCap))
	for c, ids := range s.byCap {
		out[c] = len(ids)
	}
	return out
}

// Len returns the number of indexed components.
func (ix *Index) Len() int {
	return len(ix.snap.Load().records)
}

// Stale returns how many events were ignored as out of date.
func (ix *Index) Stale() uint64 {
	return ix.stale.Load()
}

// Close releases the search index.
func (ix *Index) Close() error {
	return ix.text.Close()
}
