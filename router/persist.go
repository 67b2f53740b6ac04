package router

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"

	"github.com/tekton/hermes/errors"
	"github.com/tekton/hermes/state"
)

const subscriptionPrefix = "subscriptions."

func subscriptionKey(componentID string) string {
	return subscriptionPrefix + componentID
}

// persist writes the remote subscriptions of componentID as one JSON list.
// Writes for one component are serialised so the stored list matches the
// last committed state.
func (r *Router) persist(ctx context.Context, componentID string) error {
	if r.store == nil {
		return nil
	}
	v, _ := r.persistMu.LoadOrStore(componentID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	var subs []Subscription
	for _, s := range r.Subscriptions(componentID) {
		if !s.Local {
			subs = append(subs, s)
		}
	}
	key := subscriptionKey(componentID)
	if len(subs) == 0 {
		return r.store.Delete(ctx, key)
	}
	data, err := json.Marshal(subs)
	if err != nil {
		return err
	}
	return r.store.Put(ctx, key, data)
}

// Restore reloads persisted subscriptions. keep, when set, filters by
// component id so subscriptions of components that no longer exist are
// dropped from the store.
func (r *Router) Restore(ctx context.Context, keep func(componentID string) bool) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	keys, err := r.store.Keys(ctx, subscriptionPrefix+"*")
	if err != nil {
		return 0, errors.WrapWithCode(err, errors.ErrCodeUnavailable, "list persisted subscriptions")
	}

	restored := 0
	for _, key := range keys {
		componentID := key[len(subscriptionPrefix):]
		if keep != nil && !keep(componentID) {
			if err := r.store.Delete(ctx, key); err != nil {
				r.logger.Warn("drop_subscriptions_failed", map[string]interface{}{"key": key, "error": err})
			}
			continue
		}
		data, err := r.store.Get(ctx, key)
		if stderrors.Is(err, state.ErrNotFound) {
			continue
		}
		if err != nil {
			return restored, errors.WrapWithCode(err, errors.ErrCodeUnavailable, "load "+key)
		}
		var subs []Subscription
		if err := json.Unmarshal(data, &subs); err != nil {
			r.logger.Warn("skip_corrupt_subscriptions", map[string]interface{}{"key": key, "error": err})
			continue
		}
		for _, s := range subs {
			if s.ComponentID != componentID || r.checkSubscription(s.ComponentID, s.Topic) != nil {
				continue
			}
			if r.addSubscriber(s.ComponentID, s.Topic, s.Address, nil) {
				restored++
			}
		}
	}
	if restored > 0 {
		r.logger.Info("subscriptions_restored", map[string]interface{}{"subscriptions": restored})
	}
	return restored, nil
}
