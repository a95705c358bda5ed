// Package bell is the notification bell: the cached notification list, the
// unread counter and the optimistic mark-read action.
package bell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"notibell/internal/model"
	"notibell/internal/querycache"
	"notibell/pkg/logx"
)

// DefaultStaleTime is how long a fetched list is served without refetching.
const DefaultStaleTime = 30 * time.Second

var ErrNotFound = errors.New("bell: notification not in list")

// API is the part of the backend the bell talks to.
type API interface {
	FetchNotifications(ctx context.Context) ([]model.Notification, error)
	MarkNotificationRead(ctx context.Context, id int64) error
}

type Bell struct {
	cache     *querycache.Store
	api       API
	staleTime time.Duration
	log       logx.Logger
}

type Option func(*Bell)

func WithStaleTime(d time.Duration) Option {
	return func(b *Bell) {
		if d > 0 {
			b.staleTime = d
		}
	}
}

func WithLogger(l logx.Logger) Option { return func(b *Bell) { b.log = l } }

func New(cache *querycache.Store, api API, opts ...Option) *Bell {
	b := &Bell{cache: cache, api: api, staleTime: DefaultStaleTime}
	for _, o := range opts {
		o(b)
	}
	if b.log.IsZero() {
		b.log = logx.Nop()
	}
	return b
}

func (b *Bell) StaleTime() time.Duration { return b.staleTime }

// List returns the notification list, fetching it when the cached copy is stale.
func (b *Bell) List(ctx context.Context) ([]model.Notification, error) {
	return querycache.Fetch(ctx, b.cache, querycache.NotificationsKey(), b.staleTime, b.api.FetchNotifications)
}

// Cached returns the list as currently held, without fetching.
func (b *Bell) Cached() ([]model.Notification, bool) {
	return querycache.GetData(b.cache, querycache.NotificationsKey())
}

// UnreadCount counts unread entries in the cached list.
func (b *Bell) UnreadCount() int {
	list, _ := b.Cached()
	n := 0
	for _, it := range list {
		if !it.Read {
			n++
		}
	}
	return n
}

// MarkRead flags id as read locally, then on the server. A rejected write
// puts the entry back the way it was; the list is marked stale either way.
func (b *Bell) MarkRead(ctx context.Context, id int64) error {
	err := querycache.Optimistic(ctx, b.cache, querycache.Mutation[[]model.Notification]{
		Key:    querycache.NotificationsKey(),
		Apply:  setRead(id),
		Write:  func(ctx context.Context) error { return b.api.MarkNotificationRead(ctx, id) },
		Revert: restoreRead(id),
	})
	if err != nil {
		b.log.Warn("mark read rejected", logx.Int64("id", id), logx.Err(err))
		return fmt.Errorf("bell: mark %d read: %w", id, err)
	}
	return nil
}

// Open is what clicking an entry does: unread entries get marked read,
// already-read ones cause no call.
func (b *Bell) Open(ctx context.Context, id int64) (model.Notification, error) {
	list, _ := b.Cached()
	for _, it := range list {
		if it.ID != id {
			continue
		}
		if it.Read {
			return it, nil
		}
		if err := b.MarkRead(ctx, id); err != nil {
			return it, err
		}
		it.Read = true
		return it, nil
	}
	return model.Notification{}, ErrNotFound
}

// MarkAllRead marks every unread entry, one call at a time. It returns how
// many writes succeeded and the joined failures.
func (b *Bell) MarkAllRead(ctx context.Context) (int, error) {
	list, _ := b.Cached()
	var (
		done int
		errs []error
	)
	for _, it := range list {
		if it.Read {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := b.MarkRead(ctx, it.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		done++
	}
	return done, errors.Join(errs...)
}

// Render writes the cached list the way the bell popover shows it.
func (b *Bell) Render(w io.Writer, loc *time.Location) error {
	list, _ := b.Cached()
	if loc == nil {
		loc = time.Local
	}
	if _, err := fmt.Fprintf(w, "Notifications (%d unread)\n", b.UnreadCount()); err != nil {
		return err
	}
	if len(list) == 0 {
		_, err := io.WriteString(w, "  no notifications\n")
		return err
	}
	for _, it := range list {
		mark := " "
		if !it.Read {
			mark = "*"
		}
		line := fmt.Sprintf("%s #%d %s  %s\n", mark, it.ID, it.Title, it.CreatedAt.In(loc).Format("2006-01-02 15:04"))
		if c := strings.TrimSpace(it.Content); c != "" {
			line += "    " + c + "\n"
		}
		if _, err := io.WriteString(w, line); err != nil {
			return err
		}
	}
	return nil
}

func setRead(id int64) func([]model.Notification) []model.Notification {
	return func(cur []model.Notification) []model.Notification {
		out := model.CloneNotifications(cur)
		for i := range out {
			if out[i].ID == id {
				out[i].Read = true
			}
		}
		return out
	}
}

// restoreRead puts back only id's read flag from snap.
func restoreRead(id int64) func(cur, snap []model.Notification) []model.Notification {
	return func(cur, snap []model.Notification) []model.Notification {
		prev, found := false, false
		for _, n := range snap {
			if n.ID == id {
				prev, found = n.Read, true
				break
			}
		}
		out := model.CloneNotifications(cur)
		if !found {
			return out
		}
		for i := range out {
			if out[i].ID == id {
				out[i].Read = prev
			}
		}
		return out
	}
}
