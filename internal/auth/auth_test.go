package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"match-server/internal/apperror"
)

var secret = []byte("test-secret")

func TestJWTAuthenticate(t *testing.T) {
	valid, err := IssueToken(secret, "alice", time.Hour)
	require.NoError(t, err)
	expired, err := IssueToken(secret, "alice", -time.Minute)
	require.NoError(t, err)
	wrongKey, err := IssueToken([]byte("other"), "alice", time.Hour)
	require.NoError(t, err)
	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(secret)
	require.NoError(t, err)

	tests := []struct {
		name    string
		header  string
		query   string
		want    string
		wantErr bool
	}{
		{"bearer header", "Bearer " + valid, "", "alice", false},
		{"lowercase scheme", "bearer " + valid, "", "alice", false},
		{"query param", "", valid, "alice", false},
		{"missing", "", "", "", true},
		{"basic scheme", "Basic abc", valid, "", true},
		{"expired", "Bearer " + expired, "", "", true},
		{"wrong key", "Bearer " + wrongKey, "", "", true},
		{"no subject", "Bearer " + noSubject, "", "", true},
		{"garbage", "Bearer not.a.token", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/api/stream"
			if tt.query != "" {
				target += "?" + TokenQueryParam + "=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			got, err := JWT{Secret: secret}.Authenticate(req)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, apperror.KindUnauthenticated, apperror.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestJWTRejectsOtherAlgorithms(t *testing.T) {
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{
		"sub": "mallory",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(secret)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	_, err = JWT{Secret: secret}.Authenticate(req)
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	var seen string
	h := Middleware(Header{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/games/1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error":"unauthorized"`)
	assert.Empty(t, seen)

	req = httptest.NewRequest(http.MethodGet, "/api/games/1", nil)
	req.Header.Set(UserHeader, "bob")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "bob", seen)
}

func TestNewSelectsMode(t *testing.T) {
	assert.IsType(t, JWT{}, New("jwt", "s"))
	assert.IsType(t, Header{}, New("jwt", ""))
	assert.IsType(t, Header{}, New("header", "s"))
}
