// Package retry provides a bounded retry loop with exponential backoff for
// transient filesystem failures.
//
// The atomic store uses it to re-check that a freshly renamed checkpoint is
// visible and non-empty on filesystems with delayed metadata visibility.
//
//	err := retry.Do(retry.Config{
//		MaxAttempts: 5,
//		Backoff:     retry.Backoff{Base: 10 * time.Millisecond, Max: 200 * time.Millisecond},
//		Logger:      log,
//	}, func() error {
//		return verify(path)
//	})
//
// DefaultRetryIf retries general checkpoint errors and untyped errors;
// corrupted, version and not-found errors and context cancellation fail fast.
package retry
