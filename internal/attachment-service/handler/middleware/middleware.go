package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/konorlevich/medlog/internal/attachment-service/attachment"
)

type contextKey struct{}

var (
	errNoToken     = errors.New("no bearer token")
	errBadIdentity = errors.New("token has no valid identity")
)

// Claims is the session token payload.
type Claims struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

func NewToken(secret string, caller attachment.Caller, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: caller.UserID.String(),
		Role:   string(caller.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func parseToken(secret, header string) (attachment.Caller, error) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return attachment.Caller{}, errNoToken
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return attachment.Caller{}, err
	}
	id, err := uuid.Parse(claims.UserID)
	if err != nil || id == uuid.Nil {
		return attachment.Caller{}, errBadIdentity
	}
	role := attachment.Role(strings.ToUpper(claims.Role))
	if role != attachment.RoleAdmin && role != attachment.RoleUser {
		return attachment.Caller{}, errBadIdentity
	}
	return attachment.Caller{UserID: id, Role: role}, nil
}

// CheckAuth resolves the caller from the bearer token and rejects the request
// with 401 when there is none.
func CheckAuth(secret string, l *log.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			caller, err := parseToken(secret, r.Header.Get("Authorization"))
			if err != nil {
				l.WithError(err).WithField("path", r.URL.Path).Debug("unauthenticated request")
				http.Error(rw, "you are not authorized for this action", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(rw, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}

// Timeout bounds the request context, so database work of a slow request is
// cancelled.
func Timeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(rw, r.WithContext(ctx))
		})
	}
}

func WithCaller(ctx context.Context, caller attachment.Caller) context.Context {
	return context.WithValue(ctx, contextKey{}, caller)
}

func CallerFrom(ctx context.Context) (attachment.Caller, bool) {
	caller, ok := ctx.Value(contextKey{}).(attachment.Caller)
	return caller, ok
}
