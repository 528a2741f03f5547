// Package messaging provides request/reply semantics on top of a
// fire-and-forget publish/subscribe transport.
//
// This package implements:
//   - Transport: the publish/subscribe contract a queue backend must satisfy
//   - CorrelationTable: pending continuations keyed by correlation id, each fired at most once
//   - Queue: Push/Call to originate requests, Pull/PullWithOptions to answer them,
//     and a single callback pattern on which replies are demultiplexed
//   - Connection: the raw-connection facade that adds one-shot listeners (PullOnce)
//   - Emitter: out-of-band event notifications
//
// Failures raised by a remote listener travel back as encoded error payloads
// (see contracts.EncodeError) and are delivered to the caller's continuation
// as *contracts.RemoteError values.
//
// Example usage:
//
//	queue, err := messaging.NewQueue(transport)
//	if err != nil {
//		return err
//	}
//	defer queue.Close()
//
//	queue.Pull(ctx, "user.get", func(ctx context.Context, msg contracts.Payload, respond messaging.Responder) {
//		respond(contracts.Payload{"name": "john.doe"}, nil)
//	})
//
//	reply, err := queue.Call(ctx, "user.get", contracts.Payload{"id": 42})
//
// A request that is never answered stays pending until its deadline
// (WithTimeout, WithRequestTimeout) or until the queue is closed.
package messaging
