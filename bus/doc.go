// Package bus is the transport Hermes uses between the service and
// components: pub/sub, queue groups and request/reply with headers.
//
// # Implementations
//
//   - NATSBus: NATS core messaging, for multi-process deployments.
//   - MemoryBus: in-process channels with the same subject semantics, used
//     for single-binary deployments and tests.
//
// # Subjects
//
// Subjects are dot-separated tokens. Subscriptions may use NATS wildcards:
// "*" matches exactly one token and ">" matches one or more trailing
// tokens. Publish subjects must be concrete.
//
//	sub, _ := b.Subscribe("tekton.heartbeat.>")
//	for msg := range sub.Messages() {
//	    _ = b.Respond(msg, ack)
//	}
//
// Request/reply:
//
//	reply, err := b.Request(ctx, &bus.Message{Subject: "svc.inbox", Data: body})
package bus
