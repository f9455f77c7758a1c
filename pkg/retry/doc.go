// Package retry runs an operation with bounded exponential backoff.
//
// Sinks use it at the collaborator boundary:
//
//	err := retry.Do(ctx, retry.Sink(), func() error {
//	    return store.InsertRecord(ctx, rec)
//	})
//
// Errors wrapped with NonRetryable, and errors classified as invalid by the
// errors package, stop the loop on the first attempt. Config.Delay exposes
// the jitter-free schedule so other packages can share it.
package retry
