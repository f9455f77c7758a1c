// Package worker provides a generic bounded worker pool.
//
// dockwatch uses it in three places: single-worker lanes that keep
// same-door events in arrival order, the asynchronous persistence writer,
// and alert notification dispatch.
//
//	pool := worker.NewPool(4, 256, func(ctx context.Context, rec dock.Record) error {
//	    return store.InsertRecord(ctx, rec)
//	}, worker.WithMetricsRegistry[dock.Record](registry, "storage"))
//	_ = pool.Start(ctx)
//	defer pool.Stop(10 * time.Second)
//
// Submit never blocks and returns ErrQueueFull; SubmitWait applies
// backpressure until ctx is done. Stop closes the queue and lets workers
// drain whatever was already accepted.
package worker
