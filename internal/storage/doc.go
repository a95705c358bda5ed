// Package storage provides the small persistence layer behind notibell.
//
// It keeps:
//   - an append-only log of alerts (what was shown and where)
//   - alert dedup windows, so a restart does not re-alert
//   - the last known value of cache entries, so the bell has something to
//     show before the first fetch completes
package storage
