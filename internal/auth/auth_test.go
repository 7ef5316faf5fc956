// ABOUTME: Tests for JWT verification and the HTTP auth middleware
// ABOUTME: Covers valid, expired, forged and malformed tokens plus the websocket query fallback

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret-key-for-jwt-signing-0123456789")

func TestJWTVerifier_RoundTrip(t *testing.T) {
	v := NewJWTVerifier(testSecret)

	token, err := v.Generate("alice", time.Hour)
	require.NoError(t, err)

	sub, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", sub)
}

func TestJWTVerifier_Expired(t *testing.T) {
	v := NewJWTVerifier(testSecret)

	token, err := v.Generate("alice", -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestJWTVerifier_Invalid(t *testing.T) {
	v := NewJWTVerifier(testSecret)

	forged, err := NewJWTVerifier([]byte("another-secret-another-secret-xx")).Generate("alice", time.Hour)
	require.NoError(t, err)

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "alice"}).SignedString(testSecret)
	require.NoError(t, err)

	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(testSecret)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty", token: ""},
		{name: "garbage", token: "not-a-jwt"},
		{name: "malformed", token: "header.payload.signature"},
		{name: "wrong secret", token: forged},
		{name: "no expiry", token: noExp},
		{name: "other algorithm", token: hs512},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestJWTVerifier_MissingSubject(t *testing.T) {
	v := NewJWTVerifier(testSecret)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(testSecret)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrMissingClaim)

	_, err = v.Generate("", time.Hour)
	assert.ErrorIs(t, err, ErrMissingClaim)
}

func TestHTTPAuthMiddleware(t *testing.T) {
	v := NewJWTVerifier(testSecret)
	valid, err := v.Generate("alice", time.Hour)
	require.NoError(t, err)
	expired, err := v.Generate("alice", -time.Minute)
	require.NoError(t, err)

	var operator string
	handler := HTTPAuthMiddleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		operator = OperatorFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name      string
		header    string
		query     string
		websocket bool
		want      int
		body      string
	}{
		{name: "bearer", header: "Bearer " + valid, want: http.StatusNoContent},
		{name: "missing", want: http.StatusUnauthorized, body: "missing authorization header"},
		{name: "wrong scheme", header: "Basic abc", want: http.StatusUnauthorized, body: "invalid authorization header format"},
		{name: "expired", header: "Bearer " + expired, want: http.StatusUnauthorized, body: "token expired"},
		{name: "bad token", header: "Bearer nope", want: http.StatusUnauthorized, body: "invalid token"},
		{name: "query on websocket", query: valid, websocket: true, want: http.StatusNoContent},
		{name: "query ignored on plain request", query: valid, want: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			operator = ""
			target := "/api/conversations"
			if tt.query != "" {
				target += "?token=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if tt.websocket {
				req.Header.Set("Upgrade", "websocket")
			}
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusNoContent {
				assert.Equal(t, "alice", operator)
			} else {
				assert.Empty(t, operator)
				assert.Contains(t, rec.Body.String(), tt.body)
			}
		})
	}
}
