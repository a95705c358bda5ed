package stream

import (
	"context"
	"errors"
)

// ErrSubscriptionClosed is returned by Subscription.Next once the broker or
// the connection ended the subscription.
var ErrSubscriptionClosed = errors.New("stream: subscription closed")

// Dialer opens broker connections. Dial must give up when ctx is done.
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// Conn is one live broker connection.
type Conn interface {
	Subscribe(destination string) (Subscription, error)
	// Close disconnects. It must be safe to call more than once.
	Close() error
}

// Subscription delivers message bodies for one destination.
type Subscription interface {
	// Next blocks for the next body. It returns ctx.Err() when ctx is done
	// and ErrSubscriptionClosed (or the broker error) when the stream ends.
	Next(ctx context.Context) ([]byte, error)
	Unsubscribe() error
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, token string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, token string) (Conn, error) { return f(ctx, token) }
