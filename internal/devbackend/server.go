// Package devbackend is a small stand-in for the recruitment backend: the
// REST endpoints the client reads and writes, and a STOMP broker on /ws that
// pushes per-user messages. It exists for local runs and integration tests.
package devbackend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"notibell/internal/model"
	"notibell/internal/stream"
	"notibell/pkg/logx"
)

const (
	DefaultAddr     = "127.0.0.1:8080"
	DefaultTokenTTL = 24 * time.Hour
)

type Config struct {
	Addr        string
	DBPath      string
	Secret      string
	TokenTTL    time.Duration
	TopicPrefix string
	Heartbeat   time.Duration
}

// Server owns the router, the database and the broker.
type Server struct {
	cfg    Config
	db     *DB
	broker *Broker
	router *gin.Engine
	log    logx.Logger
}

func New(cfg Config, log logx.Logger) (*Server, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, errors.New("devbackend: secret is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = stream.DefaultTopicPrefix
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	db, err := OpenDB(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:    cfg,
		db:     db,
		broker: NewBroker(cfg.Heartbeat, log),
		log:    log,
	}
	s.router = s.routes()
	return s, nil
}

// DB exposes the store for seeding.
func (s *Server) DB() *DB { return s.db }

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(requestID(), accessLog(s.log), gin.CustomRecovery(func(c *gin.Context, rec any) {
		s.log.Error("panic recovered", logx.Any("panic", rec), logx.String("path", c.Request.URL.Path))
		fail(c, http.StatusInternalServerError, "internal error")
	}))

	r.GET("/health", func(c *gin.Context) { ok(c, http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/ws", jwtAuth(s.cfg.Secret), s.handleWS())

	v1 := r.Group("/api/v1")
	v1.POST("/auth/token", s.handleIssueToken())

	authed := v1.Group("", jwtAuth(s.cfg.Secret))
	authed.GET("/auth/account", s.handleAccount())
	authed.GET("/notifications", s.handleListNotifications())
	authed.PUT("/notifications/:id/read", s.handleMarkRead())
	authed.POST("/resumes", s.handleSubmitResume())
	authed.POST("/resumes/by-user", s.handleListResumes())
	authed.GET("/resumes/by-user", s.handleListResumes())
	authed.PUT("/resumes/:id/status", s.handleResumeStatus())
	authed.POST("/internal/notify", s.handleNotify())
	return r
}

// Run serves until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	stop := context.AfterFunc(ctx, func() {
		_ = s.broker.Close()
		cctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(cctx)
	})
	defer stop()

	s.log.Info("devbackend listening", logx.String("addr", ln.Addr().String()))
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Close() error {
	return errors.Join(s.broker.Close(), s.db.Close())
}

// Notify stores a notification for email and pushes it on the user's topic.
func (s *Server) Notify(ctx context.Context, email, title, content, typ string) (model.Notification, error) {
	u, err := s.db.UserByEmail(ctx, email)
	if err != nil {
		return model.Notification{}, err
	}
	return s.notifyUser(ctx, u, title, content, typ)
}

func (s *Server) notifyUser(ctx context.Context, u model.User, title, content, typ string) (model.Notification, error) {
	n, err := s.db.AddNotification(ctx, u.ID, title, content, typ)
	if err != nil {
		return model.Notification{}, err
	}
	body, _ := json.Marshal(model.PushMessage{Title: n.Title, Content: n.Content, CreatedAt: n.CreatedAt, Type: n.Type})
	if err := s.broker.Publish(ctx, stream.Topic(s.cfg.TopicPrefix, u.Email), body); err != nil {
		// Stored anyway; the client picks it up on its next refetch.
		s.log.Warn("push failed", logx.String("email", u.Email), logx.Err(err))
	}
	return n, nil
}

// handleWS upgrades to a websocket carrying STOMP frames and hands the
// connection to the broker.
func (s *Server) handleWS() gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
			Subprotocols:       []string{"v12.stomp", "v11.stomp", "v10.stomp"},
			InsecureSkipVerify: true,
		})
		if err != nil {
			s.log.Debug("websocket accept failed", logx.Err(err))
			return
		}
		nc := websocket.NetConn(context.Background(), ws, websocket.MessageText)
		email := c.GetString(ctxEmail)
		s.log.Debug("stomp client attached", logx.String("email", email))
		if err := s.broker.Attach(c.Request.Context(), nc); err != nil {
			s.log.Debug("stomp attach failed", logx.String("email", email), logx.Err(err))
		}
	}
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func accessLog(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", c.GetString("request_id")),
		)
	}
}

func ok(c *gin.Context, code int, data any) {
	c.JSON(code, gin.H{"statusCode": code, "message": http.StatusText(code), "data": data})
}

func fail(c *gin.Context, code int, msg string) {
	c.AbortWithStatusJSON(code, gin.H{"statusCode": code, "error": http.StatusText(code), "message": msg})
}

func failErr(c *gin.Context, err error) {
	if errors.Is(err, ErrNotFound) {
		fail(c, http.StatusNotFound, "not found")
		return
	}
	fail(c, http.StatusInternalServerError, fmt.Sprintf("internal error: %v", err))
}
