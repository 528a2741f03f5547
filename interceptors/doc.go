// Package interceptors wraps request handlers with cross-cutting behavior.
//
// A Chain runs its interceptors in the order they were added, the final
// handler last. Chain.Listener turns the result into a
// messaging.OptionsListener so the chain can be registered with Pull:
//
//	chain := interceptors.NewChain(logger).
//		Add(interceptors.NewLoggingInterceptor(logger)).
//		Add(interceptors.NewTimeoutInterceptor(5 * time.Second)).
//		Add(interceptors.NewRecoveryInterceptor())
//
//	chain.Serve(ctx, queue, "user.get", func(ctx context.Context, req *interceptors.Request) (contracts.Payload, error) {
//		return contracts.Payload{"name": "john.doe"}, nil
//	})
//
// Errors returned by the chain travel back to the requester as encoded error
// payloads, so error types here carry an ErrorName.
package interceptors
