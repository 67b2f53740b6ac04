package router

import (
	"sort"
	"sync"
	"time"
)

// TopicDeliveryFailed carries a DeliveryFailedEvent for every dead letter.
const TopicDeliveryFailed = "tekton.system.delivery_failed"

// DeliveryState is the per-subscriber state of a message.
type DeliveryState string

const (
	StatePending        DeliveryState = "PENDING"
	StateDelivered      DeliveryState = "DELIVERED"
	StateFailedRetrying DeliveryState = "FAILED_RETRYING"
	StateDeadLettered   DeliveryState = "DEAD_LETTERED"
)

// Terminal reports whether no further attempts will be made.
func (s DeliveryState) Terminal() bool {
	return s == StateDelivered || s == StateDeadLettered
}

// Message is a published message. It is shared by every subscriber and
// must not be modified after Publish.
type Message struct {
	ID      string            `json:"message_id"`
	Topic   string            `json:"topic"`
	Payload []byte            `json:"payload"`
	Headers map[string]string `json:"headers,omitempty"`
	SentAt  time.Time         `json:"sent_at"`
}

// Delivery is one message addressed to one subscription.
type Delivery struct {
	Message

	Subscriber   string `json:"subscriber"`
	Subscription string `json:"subscription"`
	Attempt      int    `json:"attempt"`
}

// Subscription describes a subscriber's interest in a topic pattern.
type Subscription struct {
	ComponentID string    `json:"component_id"`
	Topic       string    `json:"topic"`
	Address     string    `json:"address"`
	Local       bool      `json:"local,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// DeadLetter records a delivery that was given up on.
type DeadLetter struct {
	Message      Message   `json:"message"`
	Subscriber   string    `json:"subscriber"`
	Subscription string    `json:"subscription"`
	Attempts     int       `json:"attempts"`
	Error        string    `json:"error"`
	At           time.Time `json:"at"`
}

// DeliveryFailedEvent is the payload published on TopicDeliveryFailed.
type DeliveryFailedEvent struct {
	MessageID    string `json:"message_id"`
	Topic        string `json:"topic"`
	Subscriber   string `json:"subscriber"`
	Subscription string `json:"subscription"`
	Attempts     int    `json:"attempts"`
	Error        string `json:"error"`
}

// SubscriberStatus is one subscriber's view of a message.
type SubscriberStatus struct {
	Subscriber   string        `json:"subscriber"`
	Subscription string        `json:"subscription"`
	State        DeliveryState `json:"state"`
	Attempts     int           `json:"attempts"`
	LastError    string        `json:"last_error,omitempty"`
}

// MessageStatus reports the delivery state of a live message.
type MessageStatus struct {
	MessageID   string             `json:"message_id"`
	Topic       string             `json:"topic"`
	SentAt      time.Time          `json:"sent_at"`
	Subscribers []SubscriberStatus `json:"subscribers"`
}

// deadLetterLog is an append-only log that drops its oldest entries past
// capacity.
type deadLetterLog struct {
	mu       sync.Mutex
	entries  []DeadLetter
	capacity int
	dropped  int
}

func newDeadLetterLog(capacity int) *deadLetterLog {
	return &deadLetterLog{capacity: capacity}
}

func (l *deadLetterLog) add(dl DeadLetter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, dl)
	if over := len(l.entries) - l.capacity; over > 0 {
		l.entries = append(l.entries[:0:0], l.entries[over:]...)
		l.dropped += over
	}
}

// list returns up to limit entries, newest last, optionally restricted to
// one subscriber. limit <= 0 means all.
func (l *deadLetterLog) list(subscriber string, limit int) []DeadLetter {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []DeadLetter
	for _, dl := range l.entries {
		if subscriber == "" || dl.Subscriber == subscriber {
			out = append(out, dl)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// tracker follows one message until every subscriber is terminal.
type tracker struct {
	mu     sync.Mutex
	msg    *Message
	states map[string]*SubscriberStatus
	open   int
	onDone func()
}

func newTracker(msg *Message, onDone func()) *tracker {
	return &tracker{msg: msg, states: make(map[string]*SubscriberStatus), onDone: onDone}
}

func (t *tracker) add(key, subscriber, pattern string) {
	t.states[key] = &SubscriberStatus{Subscriber: subscriber, Subscription: pattern, State: StatePending}
	t.open++
}

func (t *tracker) update(key string, state DeliveryState, attempts int, err error) {
	t.mu.Lock()
	st, ok := t.states[key]
	if !ok || st.State.Terminal() {
		t.mu.Unlock()
		return
	}
	st.State = state
	st.Attempts = attempts
	if err != nil {
		st.LastError = err.Error()
	}
	done := false
	if state.Terminal() {
		t.open--
		done = t.open == 0
	}
	t.mu.Unlock()
	if done {
		t.onDone()
	}
}

// forget drops a subscriber that went away before finishing.
func (t *tracker) forget(key string) {
	t.mu.Lock()
	st, ok := t.states[key]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.states, key)
	done := false
	if !st.State.Terminal() {
		t.open--
		done = t.open == 0
	}
	t.mu.Unlock()
	if done {
		t.onDone()
	}
}

func (t *tracker) status() MessageStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := MessageStatus{MessageID: t.msg.ID, Topic: t.msg.Topic, SentAt: t.msg.SentAt}
	for _, st := range t.states {
		out.Subscribers = append(out.Subscribers, *st)
	}
	sort.Slice(out.Subscribers, func(i, j int) bool {
		a, b := out.Subscribers[i], out.Subscribers[j]
		if a.Subscriber != b.Subscriber {
			return a.Subscriber < b.Subscriber
		}
		return a.Subscription < b.Subscription
	})
	return out
}
