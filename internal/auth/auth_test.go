package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/docvault/internal/logging"
	badgerstore "github.com/fruitsalade/docvault/internal/metadata/badger"
	"github.com/fruitsalade/docvault/internal/models"
)

func newTestAuth(t *testing.T, opts ...Option) *Auth {
	t.Helper()
	logging.InitNop()
	store, err := badgerstore.New(badgerstore.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store, "test-secret", time.Hour, opts...)
}

func TestRegisterFirstUserIsAdmin(t *testing.T) {
	var hooked []int64
	a := newTestAuth(t, WithHook(func(_ context.Context, u *models.User) error {
		hooked = append(hooked, u.ID)
		return nil
	}))
	ctx := context.Background()

	first, err := a.Register(ctx, Credentials{Username: "alice", Password: "password1"})
	require.NoError(t, err)
	assert.True(t, first.IsAdmin())

	second, err := a.Register(ctx, Credentials{Username: "bob", Password: "password2"})
	require.NoError(t, err)
	assert.False(t, second.IsAdmin())

	assert.Equal(t, []int64{first.ID, second.ID}, hooked)

	_, err = a.Register(ctx, Credentials{Username: "alice", Password: "password3"})
	assert.ErrorIs(t, err, ErrUsernameTaken)
}

func TestRegisterValidation(t *testing.T) {
	a := newTestAuth(t)
	tests := []Credentials{
		{Username: "", Password: "password1"},
		{Username: "ab", Password: "password1"},
		{Username: "a/b/c", Password: "password1"},
		{Username: "carol", Password: "short"},
	}
	for _, c := range tests {
		_, err := a.Register(context.Background(), c)
		assert.Error(t, err, "%+v", c)
	}
}

func TestRegisterHookFailureKeepsAccount(t *testing.T) {
	a := newTestAuth(t, WithHook(func(context.Context, *models.User) error {
		return errors.New("provision failed")
	}))
	u, err := a.Register(context.Background(), Credentials{Username: "alice", Password: "password1"})
	require.NoError(t, err)

	got, err := a.Authenticate(context.Background(), "alice", "password1")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
}

func TestAuthenticate(t *testing.T) {
	a := newTestAuth(t)
	ctx := context.Background()
	_, err := a.Register(ctx, Credentials{Username: "alice", Password: "password1"})
	require.NoError(t, err)

	_, err = a.Authenticate(ctx, "alice", "wrong-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = a.Authenticate(ctx, "nobody", "password1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestTokenRoundTrip(t *testing.T) {
	a := newTestAuth(t)
	u := &models.User{ID: 42, Username: "alice", Role: models.RoleAdmin}

	tok, expires, err := a.IssueToken(u)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expires, time.Minute)

	claims, err := a.ValidateToken(tok)
	require.NoError(t, err)
	assert.Equal(t, int64(42), claims.UserID)
	assert.True(t, claims.IsAdmin)

	other := New(nil, "other-secret", time.Hour)
	_, err = other.ValidateToken(tok)
	assert.Error(t, err)
}

func TestTokenExpiry(t *testing.T) {
	a := newTestAuth(t)
	tok, _, err := a.IssueToken(&models.User{ID: 1, Username: "alice"})
	require.NoError(t, err)

	a.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = a.ValidateToken(tok)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestMiddleware(t *testing.T) {
	a := newTestAuth(t)
	tok, _, err := a.IssueToken(&models.User{ID: 7, Username: "alice"})
	require.NoError(t, err)

	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := UserID(r.Context())
		require.True(t, ok)
		assert.Equal(t, int64(7), id)
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		setup  func(r *http.Request)
		status int
	}{
		{"missing", func(*http.Request) {}, http.StatusUnauthorized},
		{"garbage", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, http.StatusUnauthorized},
		{"header", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+tok) }, http.StatusNoContent},
		{"query", func(r *http.Request) { r.URL.RawQuery = "token=" + tok }, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/files", nil)
			tt.setup(req)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func post(t *testing.T, h http.HandlerFunc, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(data))
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestHandlers(t *testing.T) {
	a := newTestAuth(t)
	creds := map[string]string{"username": "alice", "password": "password1"}

	rec := post(t, a.HandleRegister, creds)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = post(t, a.HandleRegister, creds)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = post(t, a.HandleRegister, map[string]string{"username": "bob", "password": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(t, a.HandleLogin, map[string]string{"username": "alice", "password": "bad-password"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = post(t, a.HandleLogin, creds)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			Access string      `json:"access"`
			User   models.User `json:"user"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, models.RoleAdmin, resp.Data.User.Role)

	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+resp.Data.Access)
	rec = httptest.NewRecorder()
	a.Middleware(http.HandlerFunc(a.HandleMe)).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"username":"alice"`)
}
