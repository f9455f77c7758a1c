// Package natsclient wraps a NATS connection with a circuit breaker,
// JetStream helpers and a KV store abstraction.
//
// The circuit opens after a run of consecutive failures (default 5) and
// rejects calls with ErrCircuitOpen until its backoff elapses; the
// backoff doubles each time the circuit reopens, up to a maximum.
//
// # Usage
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//		natsclient.WithName("dockwatch"),
//		natsclient.WithLogger(logger),
//	)
//	if err != nil {
//		return err
//	}
//	if err := client.Connect(ctx); err != nil {
//		return err
//	}
//	defer client.Close(context.Background())
//
// Events arrive through ConsumeStream; a handler error naks the message
// unless the error is classified invalid, which terminates it:
//
//	err = client.ConsumeStream(ctx, "DOCK_EVENTS", "dock.events.>", "dockwatch",
//		func(ctx context.Context, data []byte) error {
//			return handle(ctx, data)
//		})
//
// # KV
//
// KVStore adds timeouts, a value size limit and compare-and-set helpers:
//
//	bucket, _ := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "dock_doors", History: 16})
//	kv := client.NewKVStore(bucket)
//	err = kv.UpdateWithRetry(ctx, "D1", func(current []byte) ([]byte, error) {
//		return next, nil
//	})
//
// ValueAt answers "what was this key at time t" from the bucket history,
// which is how door snapshots are inspected after the fact.
//
// # Testing
//
// Integration tests build with -tags integration and start a NATS server
// in a container through NewTestClient.
package natsclient
