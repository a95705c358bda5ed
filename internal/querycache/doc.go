// Package querycache is a typed, keyed read cache with a freshness window and
// optimistic mutations.
//
// Each entry tracks its value, when it was last fetched, whether it was
// explicitly invalidated, the in-flight read (so it can be canceled), and how
// many optimistic mutations are still waiting on their write.
//
// # Optimistic mutations
//
// Optimistic runs the mark-then-write sequence used by the notification bell:
// cancel in-flight reads, snapshot, apply locally, write, roll back on
// failure, and always invalidate once settled. A read started before the
// mutation never overwrites the optimistic value, and reads issued while a
// mutation is pending are served from the cache.
//
// # Invalidation
//
// Invalidate marks entries stale and publishes eventbus.TypeCacheInvalidated
// so background refreshers can reconcile with the server.
package querycache
