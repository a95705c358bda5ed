package devbackend

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"notibell/internal/model"
	"notibell/internal/session"
)

const (
	ctxUserID = "user_id"
	ctxEmail  = "email"

	issuer = "notibell-devbackend"
)

// IssueToken signs an HS256 access token for u.
func IssueToken(secret string, u model.User, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := session.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(u.ID, 10),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID: u.ID,
		Email:  u.Email,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken checks signature and expiry and returns the claims.
func VerifyToken(secret, token string) (*session.Claims, error) {
	claims := &session.Claims{}
	tok, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if !tok.Valid || claims.UserID == 0 {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// bearer extracts the credential from the Authorization header, falling
// back to ?access_token= for websocket clients that cannot set headers.
func bearer(c *gin.Context) (string, bool) {
	if h := c.GetHeader("Authorization"); h != "" {
		tok, ok := strings.CutPrefix(h, "Bearer ")
		return strings.TrimSpace(tok), ok
	}
	if q := c.Query("access_token"); q != "" {
		return q, true
	}
	return "", false
}

// jwtAuth rejects requests without a valid token and stores the principal in
// the gin context.
func jwtAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok, ok := bearer(c)
		if !ok || tok == "" {
			fail(c, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := VerifyToken(secret, tok)
		if err != nil {
			fail(c, http.StatusUnauthorized, "invalid token")
			return
		}
		c.Set(ctxUserID, claims.UserID)
		c.Set(ctxEmail, claims.Email)
		c.Next()
	}
}
