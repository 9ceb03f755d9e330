package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/konorlevich/medlog/internal/attachment-service/attachment"
)

const secret = "test-secret"

func getLogger() *log.Entry {
	logger := log.New()
	logger.SetLevel(log.FatalLevel)
	return logger.WithField("in_test", true)
}

func sign(t *testing.T, claims jwt.Claims, method jwt.SigningMethod, key interface{}) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func TestCheckAuth(t *testing.T) {
	user := attachment.Caller{UserID: uuid.New(), Role: attachment.RoleUser}
	valid, err := NewToken(secret, user, time.Hour)
	require.NoError(t, err)
	expired, err := NewToken(secret, user, -time.Minute)
	require.NoError(t, err)
	otherSecret, err := NewToken("other", user, time.Hour)
	require.NoError(t, err)
	exp := jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantCaller attachment.Caller
	}{
		{name: "valid", header: "Bearer " + valid, wantStatus: http.StatusOK, wantCaller: user},
		{name: "lowercase scheme", header: "bearer " + valid, wantStatus: http.StatusOK, wantCaller: user},
		{name: "no header", wantStatus: http.StatusUnauthorized},
		{name: "basic auth", header: "Basic YWxhZGRpbjpvcGVuc2VzYW1l", wantStatus: http.StatusUnauthorized},
		{name: "expired", header: "Bearer " + expired, wantStatus: http.StatusUnauthorized},
		{name: "wrong secret", header: "Bearer " + otherSecret, wantStatus: http.StatusUnauthorized},
		{
			name:       "lowercase admin role",
			header:     "Bearer " + sign(t, Claims{UserID: user.UserID.String(), Role: "admin", RegisteredClaims: exp}, jwt.SigningMethodHS256, []byte(secret)),
			wantStatus: http.StatusOK,
			wantCaller: attachment.Caller{UserID: user.UserID, Role: attachment.RoleAdmin},
		},
		{
			name:       "unknown role",
			header:     "Bearer " + sign(t, Claims{UserID: user.UserID.String(), Role: "ROOT", RegisteredClaims: exp}, jwt.SigningMethodHS256, []byte(secret)),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "user id is not a uuid",
			header:     "Bearer " + sign(t, Claims{UserID: "42", Role: "USER", RegisteredClaims: exp}, jwt.SigningMethodHS256, []byte(secret)),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "no expiry",
			header:     "Bearer " + sign(t, Claims{UserID: user.UserID.String(), Role: "USER"}, jwt.SigningMethodHS256, []byte(secret)),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "unsigned",
			header:     "Bearer " + sign(t, Claims{UserID: user.UserID.String(), Role: "ADMIN", RegisteredClaims: exp}, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType),
			wantStatus: http.StatusUnauthorized,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got attachment.Caller
			h := CheckAuth(secret, getLogger())(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
				var ok bool
				got, ok = CallerFrom(r.Context())
				assert.True(t, ok)
			}))
			r := httptest.NewRequest(http.MethodGet, "/api/files", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			rw := httptest.NewRecorder()
			h.ServeHTTP(rw, r)

			assert.Equal(t, tt.wantStatus, rw.Code)
			assert.Equal(t, tt.wantCaller, got)
		})
	}
}

func TestTimeout(t *testing.T) {
	h := Timeout(time.Minute)(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		deadline, ok := r.Context().Deadline()
		assert.True(t, ok)
		assert.WithinDuration(t, time.Now().Add(time.Minute), deadline, 5*time.Second)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}

func TestCallerFrom(t *testing.T) {
	_, ok := CallerFrom(context.Background())
	assert.False(t, ok)
}
