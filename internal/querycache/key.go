package querycache

import "notibell/internal/model"

// AnyKey is the type-erased view of a Key, used by operations that do not
// touch the stored value (Cancel, Invalidate).
type AnyKey interface {
	Name() string
}

// Key identifies one cache entry and the type of value stored under it.
// Keys can only be built by the constructors below.
type Key[T any] struct {
	name string
}

func (k Key[T]) Name() string { return k.name }

func newKey[T any](name string) Key[T] { return Key[T]{name: name} }

// NotificationsKey holds the principal's notification list, in server insertion order.
func NotificationsKey() Key[[]model.Notification] {
	return newKey[[]model.Notification]("notifications")
}

// ResumesKey holds the principal's resumes.
func ResumesKey() Key[[]model.Resume] {
	return newKey[[]model.Resume]("resumes")
}

// AccountKey holds the authenticated principal.
func AccountKey() Key[model.Account] {
	return newKey[model.Account]("account")
}
