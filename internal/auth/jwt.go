package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/example/ride-booking/internal/models"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type actorKey struct{}

// WithActor stores the authenticated actor in context.
func WithActor(ctx context.Context, a models.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// FromContext retrieves the actor from context (if any).
func FromContext(ctx context.Context) (models.Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(models.Actor)
	return a, ok
}

// ParseRequest extracts and validates a Bearer JWT from an HTTP request.
// Websocket handshakes may carry the token in the "token" query parameter
// instead, since browsers cannot set headers on ws upgrades.
func ParseRequest(r *http.Request, secret string) (models.Actor, error) {
	raw := ""
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return models.Actor{}, errors.New("invalid authorization header")
		}
		raw = strings.TrimSpace(parts[1])
	} else if q := r.URL.Query().Get("token"); q != "" {
		raw = q
	}
	if raw == "" {
		return models.Actor{}, ErrUnauthenticated
	}
	return ParseToken(raw, secret)
}

type claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// ParseToken validates an HS256 token and returns the actor it identifies.
func ParseToken(tokenStr, secret string) (models.Actor, error) {
	if secret == "" {
		return models.Actor{}, errors.New("jwt secret is empty")
	}
	tok, err := jwt.ParseWithClaims(tokenStr, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil || !tok.Valid {
		if err == nil {
			err = errors.New("invalid token")
		}
		return models.Actor{}, err
	}
	c, _ := tok.Claims.(*claims)
	if c == nil || c.Subject == "" {
		return models.Actor{}, errors.New("invalid claims")
	}
	role := models.Role(strings.ToLower(c.Role))
	switch role {
	case models.RoleCustomer, models.RoleDriver, models.RoleAdmin:
	default:
		return models.Actor{}, errors.New("unknown role")
	}
	return models.Actor{UserID: c.Subject, Role: role}, nil
}

// SignToken mints a token for the given actor; used by tests and tooling.
func SignToken(a models.Actor, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Role: string(a.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   a.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return tok.SignedString([]byte(secret))
}
