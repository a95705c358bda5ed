package devbackend

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/server"

	"notibell/internal/stream"
	"notibell/pkg/logx"
)

// Broker is an in-process STOMP broker. Clients reach it through Attach
// (websocket connections accepted by the HTTP server); the backend itself
// publishes through a loopback client connection.
type Broker struct {
	log logx.Logger
	ln  *connListener

	mu  sync.Mutex
	pub *stomp.Conn
}

// NewBroker starts serving STOMP on an in-memory listener.
func NewBroker(heartbeat time.Duration, log logx.Logger) *Broker {
	if log.IsZero() {
		log = logx.Nop()
	}
	b := &Broker{log: log, ln: newConnListener()}
	srv := &server.Server{HeartBeat: heartbeat, Log: stream.StompLogger(log)}
	// Serve is not waited on by Close.
	go func() {
		if err := srv.Serve(b.ln); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Warn("stomp broker stopped", logx.Err(err))
		}
	}()
	return b
}

// Attach hands a client connection to the broker. It blocks until the
// connection is closed or ctx ends.
func (b *Broker) Attach(ctx context.Context, nc net.Conn) error {
	w := &watchedConn{Conn: nc, closed: make(chan struct{})}
	if err := b.ln.offer(ctx, w); err != nil {
		_ = nc.Close()
		return err
	}
	select {
	case <-w.closed:
	case <-ctx.Done():
		_ = w.Close()
	case <-b.ln.done:
		_ = w.Close()
	}
	return nil
}

// Publish sends body to destination. Subscribers that are not connected miss
// the message; there is no replay.
func (b *Broker) Publish(ctx context.Context, destination string, body []byte) error {
	for attempt := 0; ; attempt++ {
		conn, err := b.publisher(ctx)
		if err != nil {
			return err
		}
		err = conn.Send(destination, "application/json", body)
		if err == nil || attempt > 0 {
			return err
		}
		// The loopback connection died; drop it and retry once.
		b.mu.Lock()
		if b.pub == conn {
			b.pub = nil
		}
		b.mu.Unlock()
	}
}

func (b *Broker) publisher(ctx context.Context) (*stomp.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pub != nil {
		return b.pub, nil
	}
	client, srv := net.Pipe()
	if err := b.ln.offer(ctx, srv); err != nil {
		_ = client.Close()
		return nil, err
	}
	conn, err := stomp.Connect(client,
		stomp.ConnOpt.HeartBeat(0, 0),
		stomp.ConnOpt.Logger(stream.StompLogger(b.log)),
	)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	b.pub = conn
	return conn, nil
}

// Close stops accepting connections and drops the publisher.
func (b *Broker) Close() error {
	b.mu.Lock()
	pub := b.pub
	b.pub = nil
	b.mu.Unlock()
	if pub != nil {
		_ = pub.Disconnect()
	}
	return b.ln.Close()
}

// connListener is a net.Listener fed by offer.
type connListener struct {
	conns chan net.Conn
	done  chan struct{}
	once  sync.Once
}

func newConnListener() *connListener {
	return &connListener{conns: make(chan net.Conn), done: make(chan struct{})}
}

func (l *connListener) offer(ctx context.Context, c net.Conn) error {
	select {
	case l.conns <- c:
		return nil
	case <-l.done:
		return net.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *connListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *connListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *connListener) Addr() net.Addr { return pipeAddr{} }

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "devbackend" }

// watchedConn reports its own Close.
type watchedConn struct {
	net.Conn
	once   sync.Once
	closed chan struct{}
}

func (w *watchedConn) Close() error {
	err := w.Conn.Close()
	w.once.Do(func() { close(w.closed) })
	return err
}
