// Package dedupe remembers idempotency keys for a bounded time so a
// retried send returns the first attempt's result instead of running again.
package dedupe
