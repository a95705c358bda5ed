// Package stream keeps the push subscription for the authenticated
// principal and hands each message to a Handler.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"notibell/internal/eventbus"
	rtsup "notibell/internal/runtime/supervisor"
	"notibell/internal/session"
	"notibell/pkg/logx"
)

const (
	DefaultTopicPrefix    = "/topic/user/"
	DefaultReconnectDelay = 5 * time.Second
	DefaultHeartbeat      = 4 * time.Second
	DefaultConnectTimeout = 10 * time.Second
)

// ErrDormant is returned by Start when there is no principal or no usable
// credential. The client stays idle.
var ErrDormant = errors.New("stream: no authenticated principal")

// Session is what the client needs from the session.
type Session interface {
	Principal() (session.Principal, bool)
	Token() string
	CredentialValid() error
}

// Handler processes one message body. It must not block for long; it runs on
// the connection's goroutine.
type Handler interface {
	Handle(ctx context.Context, body []byte)
}

type HandlerFunc func(ctx context.Context, body []byte)

func (f HandlerFunc) Handle(ctx context.Context, body []byte) { f(ctx, body) }

type Config struct {
	TopicPrefix    string
	ReconnectDelay time.Duration
	ConnectTimeout time.Duration
}

// Client owns at most one connection and one subscription at a time.
type Client struct {
	sess    Session
	dialer  Dialer
	handler Handler
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus

	mu  sync.Mutex
	sup *rtsup.Supervisor

	connected atomic.Bool
	delivered atomic.Uint64
	connects  atomic.Uint64
}

func New(sess Session, dialer Dialer, handler Handler, cfg Config, log logx.Logger, bus eventbus.Bus) *Client {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{sess: sess, dialer: dialer, handler: handler, cfg: cfg, log: log, bus: bus}
}

// Connected reports whether a subscription is currently live.
func (c *Client) Connected() bool { return c.connected.Load() }

// Running reports whether Start succeeded and Stop has not been called.
func (c *Client) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sup != nil
}

// Stats returns how many connections were established and messages handled.
func (c *Client) Stats() (connects, delivered uint64) {
	return c.connects.Load(), c.delivered.Load()
}

// Supervisor exposes the connection loop's supervisor (nil when stopped).
func (c *Client) Supervisor() *rtsup.Supervisor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sup
}

// Start begins the connection loop. It returns ErrDormant without a principal
// or usable credential, and is a no-op when already running.
func (c *Client) Start(ctx context.Context) error {
	p, ok := c.sess.Principal()
	if !ok || p.Email == "" {
		return ErrDormant
	}
	if err := c.sess.CredentialValid(); err != nil {
		return fmt.Errorf("%w: %v", ErrDormant, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sup != nil {
		return nil
	}
	topic := Topic(c.cfg.TopicPrefix, p.Email)
	log := c.log.With(logx.String("topic", topic))

	c.sup = rtsup.New(ctx, rtsup.WithLogger(log), rtsup.WithCancelOnError(false))
	c.sup.GoRestart("stream.conn", func(ctx context.Context) error {
		return c.runOnce(ctx, topic, log)
	},
		rtsup.WithRestartBackoff(c.cfg.ReconnectDelay, 6*c.cfg.ReconnectDelay),
		rtsup.WithStopOnCleanExit(false),
	)
	log.Info("stream started")
	return nil
}

// Stop unsubscribes and releases the connection. It is safe while a connect
// is still pending, and no message is handled after it returns.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	sup := c.sup
	c.sup = nil
	c.mu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()
	err := sup.Wait(ctx)
	c.connected.Store(false)
	c.log.Info("stream stopped")
	return err
}

// runOnce is one connection lifetime: dial, subscribe once, read until the
// connection fails or ctx ends.
func (c *Client) runOnce(ctx context.Context, topic string, log logx.Logger) error {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	conn, err := c.dialer.Dial(dctx, c.sess.Token())
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("connect: %w", err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			log.Debug("stream close", logx.Err(err))
		}
	}()
	// Stopped while the dial was finishing: release without subscribing.
	if ctx.Err() != nil {
		return ctx.Err()
	}

	sub, err := conn.Subscribe(topic)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			log.Debug("stream unsubscribe", logx.Err(err))
		}
	}()

	c.connected.Store(true)
	c.connects.Add(1)
	c.publish(eventbus.TypeStreamConnected, topic)
	log.Info("stream connected")
	defer func() {
		c.connected.Store(false)
		c.publish(eventbus.TypeStreamLost, topic)
	}()

	for {
		body, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Broker ERROR frames and dropped connections land here.
			log.Warn("stream interrupted; reconnecting", logx.Err(err))
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.delivered.Add(1)
		c.handler.Handle(ctx, body)
	}
}

func (c *Client) publish(typ, topic string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: topic})
}
