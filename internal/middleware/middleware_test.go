package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"keybridge/internal/auth"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newAuthenticator(t *testing.T) *auth.Authenticator {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	return auth.NewAuthenticator("marketplace", string(hash), "test-secret", time.Hour)
}

func TestRequireClient(t *testing.T) {
	a := newAuthenticator(t)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientID, ok := ClientIDFrom(r.Context())
		assert.True(t, ok)
		assert.Equal(t, "marketplace", clientID)
		w.WriteHeader(http.StatusOK)
	})
	handler := RequireClient(a)(next)

	t.Run("Missing Credentials", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/protected", nil)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.NotEmpty(t, w.Header().Get("WWW-Authenticate"))
	})

	t.Run("Invalid Token", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/protected", nil)
		req.Header.Set("Authorization", "Bearer invalid-token")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("Valid Token", func(t *testing.T) {
		token, _, err := a.IssueToken("marketplace")
		require.NoError(t, err)

		req := httptest.NewRequest("GET", "/protected", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("Expired Token", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Issuer:    "keybridge",
			Subject:   "marketplace",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		})
		tokenString, err := token.SignedString([]byte("test-secret"))
		assert.NoError(t, err)

		req := httptest.NewRequest("GET", "/protected", nil)
		req.Header.Set("Authorization", "Bearer "+tokenString)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("Basic Credentials", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/protected", nil)
		req.SetBasicAuth("marketplace", "s3cret")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("Wrong Basic Secret", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/protected", nil)
		req.SetBasicAuth("marketplace", "guess")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestRateLimiter(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	t.Run("Strict tier blocks after burst", func(t *testing.T) {
		handler := NewRateLimiter().Strict(ok)

		codes := make([]int, 0, burstStrict+1)
		for i := 0; i < burstStrict+1; i++ {
			req := httptest.NewRequest("POST", "/oauth/token", nil)
			req.RemoteAddr = "192.0.2.1:5555"
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			codes = append(codes, w.Code)
		}

		assert.Equal(t, http.StatusOK, codes[0])
		assert.Equal(t, http.StatusTooManyRequests, codes[burstStrict])
	})

	t.Run("Separate buckets per IP", func(t *testing.T) {
		handler := NewRateLimiter().Strict(ok)

		for i := 0; i < burstStrict; i++ {
			req := httptest.NewRequest("POST", "/oauth/token", nil)
			req.RemoteAddr = "192.0.2.1:5555"
			handler.ServeHTTP(httptest.NewRecorder(), req)
		}

		req := httptest.NewRequest("POST", "/oauth/token", nil)
		req.RemoteAddr = "192.0.2.2:5555"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("Cleanup removes idle visitors", func(t *testing.T) {
		l := NewRateLimiter()
		l.getVisitor("ip:192.0.2.1:general", limitGeneral, burstGeneral)
		l.visitors["ip:192.0.2.1:general"].lastSeen = time.Now().Add(-time.Hour)

		l.cleanup()

		assert.Empty(t, l.visitors)
	})
}
