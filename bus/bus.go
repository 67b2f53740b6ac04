package bus

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrClosed         = errors.New("bus closed")
	ErrTimeout        = errors.New("request timeout")
	ErrNoResponders   = errors.New("no responders")
	ErrInvalidSubject = errors.New("invalid subject")
	ErrNoReply        = errors.New("message has no reply subject")
)

// Message is a unit carried by the bus.
type Message struct {
	Subject string
	Data    []byte

	// Header carries metadata such as trace context. May be nil.
	Header map[string]string

	// Reply is set on requests; responses are published to it.
	Reply string
}

// MessageBus provides pub/sub and request/reply messaging.
type MessageBus interface {
	// Publish sends data to every subscriber of subject.
	Publish(subject string, data []byte) error

	// PublishMsg publishes a message with headers.
	PublishMsg(msg *Message) error

	// Subscribe delivers every message matching subject (wildcards allowed).
	Subscribe(subject string) (Subscription, error)

	// QueueSubscribe load-balances matching messages across queue members.
	QueueSubscribe(subject, queue string) (Subscription, error)

	// Request publishes msg and waits for a single reply until ctx is done.
	// Returns ErrNoResponders when nobody is subscribed and ErrTimeout on
	// deadline.
	Request(ctx context.Context, msg *Message) (*Message, error)

	// Respond publishes data to req.Reply.
	Respond(req *Message, data []byte) error

	Close() error
}

// Subscription is an active subscription.
type Subscription interface {
	// Messages is closed when the subscription ends.
	Messages() <-chan *Message

	Unsubscribe() error
}

// Config holds common bus configuration.
type Config struct {
	// BufferSize of subscription channels. Messages to a full channel are
	// dropped. Default 256.
	BufferSize int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{BufferSize: 256}
}

// ValidateSubject checks a subscription subject; wildcards are allowed.
func ValidateSubject(subject string) error {
	return validate(subject, true)
}

// ValidatePublishSubject checks a concrete subject; wildcards are rejected.
func ValidatePublishSubject(subject string) error {
	return validate(subject, false)
}

func validate(subject string, wildcards bool) error {
	if subject == "" || strings.ContainsAny(subject, " \t\r\n") {
		return ErrInvalidSubject
	}
	tokens := strings.Split(subject, ".")
	for i, tok := range tokens {
		switch {
		case tok == "":
			return ErrInvalidSubject
		case tok == "*" || tok == ">":
			if !wildcards {
				return ErrInvalidSubject
			}
			if tok == ">" && i != len(tokens)-1 {
				return ErrInvalidSubject
			}
		case strings.ContainsAny(tok, "*>"):
			return ErrInvalidSubject
		}
	}
	return nil
}

// MatchSubject reports whether the concrete subject matches pattern.
func MatchSubject(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

// IsWildcard reports whether subject contains a wildcard token.
func IsWildcard(subject string) bool {
	for _, tok := range strings.Split(subject, ".") {
		if tok == "*" || tok == ">" {
			return true
		}
	}
	return false
}

func copyHeader(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
