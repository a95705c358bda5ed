package querycache

import (
	"context"
	"errors"
)

// Mutation describes one optimistic change to a cache entry.
type Mutation[T any] struct {
	Key Key[T]
	// Apply returns the new value computed from the value current at call
	// time. It must return a fresh value and leave its argument untouched.
	Apply func(current T) T
	// Write performs the authoritative change. Any error is a rejection.
	Write func(ctx context.Context) error
	// Revert undoes only this mutation's effect on current, using snapshot for
	// the prior state. It is used when the entry changed after Apply, so an
	// exact snapshot restore would discard someone else's change. When nil the
	// snapshot is restored in that case too.
	Revert func(current, snapshot T) T
}

// Optimistic applies m locally, then writes it.
//
// Order per call: cancel in-flight reads of the key, snapshot, apply, write,
// roll back on failure, invalidate the key once settled. The write error is
// returned unchanged.
func Optimistic[T any](ctx context.Context, s *Store, m Mutation[T]) error {
	if m.Apply == nil || m.Write == nil {
		return errors.New("querycache: mutation needs Apply and Write")
	}

	s.Cancel(m.Key)

	s.mu.Lock()
	e := s.entryLocked(m.Key.name)
	snapshot, had := valueOf[T](e)
	e.value = m.Apply(snapshot)
	e.has = true
	e.version++
	applied := e.version
	e.pending++
	s.mu.Unlock()

	err := m.Write(ctx)

	s.mu.Lock()
	e.pending--
	if !s.liveLocked(m.Key.name, e) {
		// Reset while writing: the entry belongs to a previous principal.
		s.mu.Unlock()
		return err
	}
	if err != nil {
		switch {
		case e.version == applied || m.Revert == nil:
			e.value, e.has = any(snapshot), had
		default:
			cur, _ := valueOf[T](e)
			e.value = m.Revert(cur, snapshot)
		}
		e.version++
	}
	cur, ok := valueOf[T](e)
	scope := s.scope
	s.mu.Unlock()

	if ok {
		s.save(ctx, scope, m.Key.name, cur)
	}
	s.Invalidate(m.Key)
	return err
}
