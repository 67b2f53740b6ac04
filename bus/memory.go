package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// MemoryBus implements MessageBus with in-process channels.
type MemoryBus struct {
	config Config

	mu     sync.RWMutex
	subs   map[string][]*memorySub            // pattern -> subs
	queues map[string]map[string]*memoryQueue // pattern -> queue -> group
	closed atomic.Bool

	replyMu sync.Mutex
	replies map[string]chan *Message
}

type memoryQueue struct {
	subs []*memorySub
	next uint64
}

type memorySub struct {
	subject string
	queue   string
	ch      chan *Message
	closed  atomic.Bool
	bus     *MemoryBus
}

// NewMemoryBus creates an in-memory message bus.
func NewMemoryBus(cfg Config) *MemoryBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	return &MemoryBus{
		config:  cfg,
		subs:    make(map[string][]*memorySub),
		queues:  make(map[string]map[string]*memoryQueue),
		replies: make(map[string]chan *Message),
	}
}

func (b *MemoryBus) Publish(subject string, data []byte) error {
	return b.PublishMsg(&Message{Subject: subject, Data: data})
}

func (b *MemoryBus) PublishMsg(msg *Message) error {
	if err := ValidatePublishSubject(msg.Subject); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}
	if b.deliverToReply(msg) {
		return nil
	}
	b.deliver(msg)
	return nil
}

// deliver fans msg out and reports how many subscribers accepted it.
// Sends happen under the read lock so Close and Unsubscribe cannot close a
// channel mid-send.
func (b *MemoryBus) deliver(msg *Message) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for pattern, subs := range b.subs {
		if !MatchSubject(pattern, msg.Subject) {
			continue
		}
		for _, sub := range subs {
			if sub.offer(msg) {
				delivered++
			}
		}
	}
	for pattern, groups := range b.queues {
		if !MatchSubject(pattern, msg.Subject) {
			continue
		}
		for _, q := range groups {
			if q.offer(msg) {
				delivered++
			}
		}
	}
	return delivered
}

func (s *memorySub) offer(msg *Message) bool {
	if s.closed.Load() {
		return false
	}
	cp := *msg
	cp.Header = copyHeader(msg.Header)
	select {
	case s.ch <- &cp:
		return true
	default:
		return false
	}
}

// offer delivers to one member, starting round-robin from the last pick.
func (q *memoryQueue) offer(msg *Message) bool {
	n := len(q.subs)
	if n == 0 {
		return false
	}
	start := atomic.AddUint64(&q.next, 1)
	for i := 0; i < n; i++ {
		if q.subs[(start+uint64(i))%uint64(n)].offer(msg) {
			return true
		}
	}
	return false
}

func (b *MemoryBus) deliverToReply(msg *Message) bool {
	b.replyMu.Lock()
	ch, ok := b.replies[msg.Subject]
	if ok {
		delete(b.replies, msg.Subject)
	}
	b.replyMu.Unlock()

	if ok {
		ch <- msg // buffered, single use
	}
	return ok
}

func (b *MemoryBus) Subscribe(subject string) (Subscription, error) {
	return b.subscribe(subject, "")
}

func (b *MemoryBus) QueueSubscribe(subject, queue string) (Subscription, error) {
	if queue == "" {
		return nil, ErrInvalidSubject
	}
	return b.subscribe(subject, queue)
}

func (b *MemoryBus) subscribe(subject, queue string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}

	sub := &memorySub{
		subject: subject,
		queue:   queue,
		ch:      make(chan *Message, b.config.BufferSize),
		bus:     b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return nil, ErrClosed
	}
	if queue == "" {
		b.subs[subject] = append(b.subs[subject], sub)
		return sub, nil
	}
	if b.queues[subject] == nil {
		b.queues[subject] = make(map[string]*memoryQueue)
	}
	q := b.queues[subject][queue]
	if q == nil {
		q = &memoryQueue{}
		b.queues[subject][queue] = q
	}
	q.subs = append(q.subs, sub)
	return sub, nil
}

func (b *MemoryBus) Request(ctx context.Context, msg *Message) (*Message, error) {
	if err := ValidatePublishSubject(msg.Subject); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	inbox := "_INBOX." + uuid.NewString()
	replyCh := make(chan *Message, 1)
	b.replyMu.Lock()
	b.replies[inbox] = replyCh
	b.replyMu.Unlock()

	cleanup := func() {
		b.replyMu.Lock()
		delete(b.replies, inbox)
		b.replyMu.Unlock()
	}

	req := *msg
	req.Reply = inbox
	if b.deliver(&req) == 0 {
		cleanup()
		return nil, ErrNoResponders
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		cleanup()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

func (b *MemoryBus) Respond(req *Message, data []byte) error {
	if req.Reply == "" {
		return ErrNoReply
	}
	return b.PublishMsg(&Message{Subject: req.Reply, Data: data})
}

// Close closes every subscription channel.
func (b *MemoryBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.close()
		}
	}
	for _, groups := range b.queues {
		for _, q := range groups {
			for _, sub := range q.subs {
				sub.close()
			}
		}
	}
	b.subs = map[string][]*memorySub{}
	b.queues = map[string]map[string]*memoryQueue{}
	return nil
}

func (s *memorySub) close() {
	if !s.closed.Swap(true) {
		close(s.ch)
	}
}

func (s *memorySub) Messages() <-chan *Message {
	return s.ch
}

func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if s.closed.Load() {
		return nil
	}
	if s.queue == "" {
		s.bus.subs[s.subject] = removeSub(s.bus.subs[s.subject], s)
		if len(s.bus.subs[s.subject]) == 0 {
			delete(s.bus.subs, s.subject)
		}
	} else if groups := s.bus.queues[s.subject]; groups != nil {
		if q := groups[s.queue]; q != nil {
			q.subs = removeSub(q.subs, s)
			if len(q.subs) == 0 {
				delete(groups, s.queue)
			}
		}
	}
	s.close()
	return nil
}

func removeSub(subs []*memorySub, target *memorySub) []*memorySub {
	for i, sub := range subs {
		if sub == target {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}
