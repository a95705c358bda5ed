// Package session holds the authenticated principal and its credential.
//
// A Session is built explicitly and passed to the components that need it.
// Lifecycle: Init when a credential is available, Teardown on logout or when
// the credential changes. Both publish on the event bus.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"notibell/internal/eventbus"
	"notibell/internal/model"
	"notibell/pkg/logx"
)

var (
	ErrNoCredential      = errors.New("session: no credential")
	ErrCredentialExpired = errors.New("session: credential expired")
	ErrNoPrincipal       = errors.New("session: no authenticated principal")
)

// AccountFetcher resolves the principal for the current credential.
type AccountFetcher interface {
	FetchAccount(ctx context.Context) (model.Account, error)
}

// Claims are the parts of the access token the client reads. The signature is
// not verified here; the backend does that on every call.
type Claims struct {
	jwt.RegisteredClaims
	UserID int64  `json:"user_id,omitempty"`
	Email  string `json:"email,omitempty"`
}

// Principal is the authenticated user.
type Principal struct {
	ID    int64
	Email string
	Name  string
}

type Session struct {
	mu        sync.RWMutex
	token     string
	claims    *Claims
	principal *Principal

	accounts AccountFetcher
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time
}

type Option func(*Session)

func WithBus(b eventbus.Bus) Option { return func(s *Session) { s.bus = b } }

func WithLogger(l logx.Logger) Option { return func(s *Session) { s.log = l } }

func WithClock(now func() time.Time) Option { return func(s *Session) { s.now = now } }

func New(token string, accounts AccountFetcher, opts ...Option) *Session {
	s := &Session{token: strings.TrimSpace(token), accounts: accounts, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

// Token returns the raw credential (may be empty).
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// SetToken swaps the credential. If it differs from the current one the
// session is torn down; the caller re-runs Init. Reports whether it changed.
func (s *Session) SetToken(token string) bool {
	token = strings.TrimSpace(token)
	s.mu.Lock()
	changed := token != s.token
	s.token = token
	s.mu.Unlock()
	if changed {
		s.Teardown()
	}
	return changed
}

// ParseClaims decodes the token's claims without verifying the signature.
func ParseClaims(token string) (*Claims, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrNoCredential
	}
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("session: parse credential: %w", err)
	}
	return claims, nil
}

// CredentialValid reports why the current credential cannot be used, or nil.
// Tokens that are not JWTs are accepted as opaque and never expire locally.
func (s *Session) CredentialValid() error {
	tok := s.Token()
	if tok == "" {
		return ErrNoCredential
	}
	claims, err := ParseClaims(tok)
	if err != nil {
		return nil
	}
	if claims.ExpiresAt != nil && !s.now().Before(claims.ExpiresAt.Time) {
		return ErrCredentialExpired
	}
	return nil
}

// Init resolves the principal for the current credential.
func (s *Session) Init(ctx context.Context) (Principal, error) {
	if err := s.CredentialValid(); err != nil {
		return Principal{}, err
	}
	tok := s.Token()
	claims, _ := ParseClaims(tok)

	acc, err := s.accounts.FetchAccount(ctx)
	if err != nil {
		return Principal{}, fmt.Errorf("session: fetch account: %w", err)
	}
	if acc.User.ID == 0 {
		return Principal{}, ErrNoPrincipal
	}
	p := Principal{ID: acc.User.ID, Email: acc.User.Email, Name: acc.User.Name}
	if p.Email == "" && claims != nil {
		p.Email = claims.Email
		if p.Email == "" {
			p.Email = claims.Subject
		}
	}
	if p.Email == "" {
		return Principal{}, ErrNoPrincipal
	}

	s.mu.Lock()
	if s.token != tok {
		// Credential swapped while we were fetching; the newer Init wins.
		s.mu.Unlock()
		return Principal{}, ErrNoPrincipal
	}
	s.claims = claims
	s.principal = &p
	s.mu.Unlock()

	s.log.Info("session ready", logx.Int64("user_id", p.ID), logx.String("email", p.Email))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeSessionReady, Data: p})
	}
	return p, nil
}

// Teardown forgets the principal. Safe to call repeatedly.
func (s *Session) Teardown() {
	s.mu.Lock()
	had := s.principal != nil
	s.principal = nil
	s.claims = nil
	s.mu.Unlock()
	if !had {
		return
	}
	s.log.Info("session ended")
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeSessionEnded})
	}
}

// Principal returns the authenticated principal, if any.
func (s *Session) Principal() (Principal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.principal == nil {
		return Principal{}, false
	}
	return *s.principal, true
}

// Authenticated reports whether a principal is known and the credential is usable.
func (s *Session) Authenticated() bool {
	p, ok := s.Principal()
	return ok && p.ID != 0 && s.CredentialValid() == nil
}
