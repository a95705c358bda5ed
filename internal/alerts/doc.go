// Package alerts raises transient alerts for pushed notifications.
//
// Raise is non-blocking: alerts go onto a bounded queue and a small worker
// pool delivers them to every configured Sink (console, Telegram). Delivery
// is rate limited with a token bucket, retried with jittered exponential
// backoff, and redeliveries (same content and CreatedAt) inside the dedup
// window are dropped.
//
// # History
//
// The last few hundred delivered alerts are kept in memory for the status
// endpoint, and optionally appended to storage.
package alerts
