package stream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-stomp/stomp/v3"

	"notibell/pkg/logx"
)

// STOMPConfig configures the STOMP transport. URL is ws://, wss:// (STOMP
// over websocket) or tcp:// (plain STOMP).
type STOMPConfig struct {
	URL          string
	HeartbeatOut time.Duration
	HeartbeatIn  time.Duration
	HTTPClient   *http.Client
}

// Subprotocols offered on the websocket upgrade.
var stompSubprotocols = []string{"v12.stomp", "v11.stomp", "v10.stomp"}

type stompDialer struct {
	cfg STOMPConfig
	log logx.Logger
}

// NewSTOMPDialer returns a Dialer that sends the credential as
// "Authorization: Bearer <token>" on both the upgrade request and the
// STOMP CONNECT frame.
func NewSTOMPDialer(cfg STOMPConfig, log logx.Logger) (Dialer, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("stream: broker url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss", "tcp":
	default:
		return nil, fmt.Errorf("stream: unsupported broker scheme %q", u.Scheme)
	}
	if cfg.HeartbeatOut <= 0 {
		cfg.HeartbeatOut = DefaultHeartbeat
	}
	if cfg.HeartbeatIn <= 0 {
		cfg.HeartbeatIn = DefaultHeartbeat
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &stompDialer{cfg: cfg, log: log}, nil
}

func (d *stompDialer) Dial(ctx context.Context, token string) (Conn, error) {
	u, _ := url.Parse(d.cfg.URL)
	nc, err := d.dialNet(ctx, u, token)
	if err != nil {
		return nil, err
	}

	// The CONNECT handshake is not context aware; bound it by closing the
	// socket when ctx ends.
	if dl, ok := ctx.Deadline(); ok {
		_ = nc.SetDeadline(dl)
	}
	release := context.AfterFunc(ctx, func() { _ = nc.Close() })

	opts := []func(*stomp.Conn) error{
		stomp.ConnOpt.Host(u.Hostname()),
		stomp.ConnOpt.HeartBeat(d.cfg.HeartbeatOut, d.cfg.HeartbeatIn),
		stomp.ConnOpt.Logger(StompLogger(d.log)),
	}
	if token != "" {
		opts = append(opts, stomp.ConnOpt.Header("Authorization", "Bearer "+token))
	}
	sc, err := stomp.Connect(nc, opts...)
	if !release() {
		if err == nil {
			_ = sc.MustDisconnect()
		}
		return nil, ctx.Err()
	}
	if err != nil {
		_ = nc.Close()
		return nil, fmt.Errorf("stomp connect: %w", err)
	}
	_ = nc.SetDeadline(time.Time{})

	d.log.Debug("stomp connected", logx.String("server", sc.Server()), logx.String("version", sc.Version().String()))
	return &stompConn{conn: sc}, nil
}

func (d *stompDialer) dialNet(ctx context.Context, u *url.URL, token string) (net.Conn, error) {
	if strings.EqualFold(u.Scheme, "tcp") {
		var nd net.Dialer
		return nd.DialContext(ctx, "tcp", u.Host)
	}
	hdr := http.Header{}
	if token != "" {
		hdr.Set("Authorization", "Bearer "+token)
	}
	ws, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient:   d.cfg.HTTPClient,
		HTTPHeader:   hdr,
		Subprotocols: stompSubprotocols,
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	// The net.Conn lives until Close; its lifetime is not tied to ctx.
	return websocket.NetConn(context.Background(), ws, websocket.MessageText), nil
}

type stompConn struct {
	conn *stomp.Conn
	once sync.Once
	err  error
}

func (c *stompConn) Subscribe(destination string) (Subscription, error) {
	sub, err := c.conn.Subscribe(destination, stomp.AckAuto)
	if err != nil {
		return nil, err
	}
	return &stompSub{sub: sub}, nil
}

func (c *stompConn) Close() error {
	c.once.Do(func() {
		c.err = c.conn.Disconnect()
		if errors.Is(c.err, stomp.ErrAlreadyClosed) {
			c.err = nil
		}
	})
	return c.err
}

type stompSub struct {
	sub *stomp.Subscription
}

func (s *stompSub) Next(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case m, ok := <-s.sub.C:
		if !ok {
			return nil, ErrSubscriptionClosed
		}
		if m.Err != nil {
			return nil, m.Err
		}
		return m.Body, nil
	}
}

func (s *stompSub) Unsubscribe() error {
	if !s.sub.Active() {
		return nil
	}
	return s.sub.Unsubscribe()
}
