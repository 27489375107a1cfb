package api

import (
	"authgate/internal/app/querycache"
	"authgate/internal/app/service"
	"authgate/internal/common/security"
	"authgate/internal/domain/model"
	"authgate/internal/domain/repository"
	"authgate/internal/platform/logging"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	handler  http.Handler
	sessions *service.SessionManager
	store    repository.TokenStore
}

func newTestServer(t *testing.T, user *model.User) *testServer {
	t.Helper()
	if user == nil {
		user = service.DemoUser()
	}
	tokens := security.StaticTokens{Identity: security.Identity{Subject: user.Username, Role: user.Role}}
	creds, err := service.NewDemoCredentialService(tokens, service.DemoCredentialOptions{
		Username: "user",
		Password: "pass",
		User:     user,
	})
	require.NoError(t, err)

	store := repository.NewMemoryTokenStore()
	cache := querycache.New[model.Session](querycache.Options{
		StaleTime: 8 * time.Hour,
		GCTime:    10 * time.Hour,
		Logger:    logging.Discard(),
	})
	sessions, err := service.NewSessionManager(creds, store, cache, service.SessionOptions{
		CallTimeout: time.Second,
		Logger:      logging.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(sessions.Close)

	return &testServer{
		handler:  NewRouter(sessions, "Ops Console", logging.Discard()),
		sessions: sessions,
		store:    store,
	}
}

func (s *testServer) do(t *testing.T, method, target string, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) postForm(t *testing.T, target string, form url.Values) *httptest.ResponseRecorder {
	return s.do(t, http.MethodPost, target, form.Encode(), http.Header{
		"Content-Type": {"application/x-www-form-urlencoded"},
	})
}

func (s *testServer) postJSON(t *testing.T, target string, body string) *httptest.ResponseRecorder {
	return s.do(t, http.MethodPost, target, body, http.Header{"Content-Type": {"application/json"}})
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := srv.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestGuardedPage_BeforeInitialize(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := srv.do(t, http.MethodGet, "/", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "Loading...", rec.Body.String())
}

func TestBrowserFlow(t *testing.T) {
	srv := newTestServer(t, nil)
	require.NoError(t, srv.sessions.Initialize(context.Background()))

	rec := srv.do(t, http.MethodGet, "/", "", nil)
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/login?from=%2F", rec.Header().Get("Location"))

	rec = srv.do(t, http.MethodGet, "/login?from=%2F", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `name="from" value="/"`)

	rec = srv.postForm(t, "/login", url.Values{"username": {"user"}, "password": {"wrong"}, "from": {"/"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid credentials")

	rec = srv.postForm(t, "/login", url.Values{"username": {"user"}, "password": {"pass"}, "from": {"/admin"}})
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/admin", rec.Header().Get("Location"))

	tok, ok, err := srv.store.GetItem(context.Background(), repository.AuthTokenKey)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1234", tok)

	rec = srv.do(t, http.MethodGet, "/", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Welcome, John Doe")

	rec = srv.do(t, http.MethodGet, "/admin", "", nil)
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/unauthorized", rec.Header().Get("Location"))

	rec = srv.do(t, http.MethodGet, "/unauthorized", "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "Unauthorized Access")
	assert.Contains(t, rec.Body.String(), `href="/"`)

	rec = srv.postForm(t, "/logout", nil)
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/login", rec.Header().Get("Location"))

	_, ok, err = srv.store.GetItem(context.Background(), repository.AuthTokenKey)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, http.StatusSeeOther, srv.do(t, http.MethodGet, "/", "", nil).Code)
}

func TestAdminPage(t *testing.T) {
	admin := service.DemoUser()
	admin.Role = model.RoleAdmin
	srv := newTestServer(t, admin)
	require.NoError(t, srv.sessions.Initialize(context.Background()))

	rec := srv.postForm(t, "/login", url.Values{"username": {"user"}, "password": {"pass"}, "from": {"/admin"}})
	require.Equal(t, http.StatusSeeOther, rec.Code)

	rec = srv.do(t, http.MethodGet, "/admin", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Administration")
}

func TestLogin_RejectsOffsiteRedirect(t *testing.T) {
	srv := newTestServer(t, nil)
	require.NoError(t, srv.sessions.Initialize(context.Background()))

	for _, from := range []string{"//evil.example", "https://evil.example/", "/\\evil.example", "admin", "/login"} {
		rec := srv.postForm(t, "/login", url.Values{"username": {"user"}, "password": {"pass"}, "from": {from}})
		require.Equal(t, http.StatusSeeOther, rec.Code, from)
		assert.Equal(t, "/", rec.Header().Get("Location"), from)
	}
}

func TestAPIFlow(t *testing.T) {
	srv := newTestServer(t, nil)
	require.NoError(t, srv.sessions.Initialize(context.Background()))

	rec := srv.do(t, http.MethodGet, "/api/v1/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = srv.postJSON(t, "/api/v1/auth/login", `{"username":"user","password":"nope"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	var failed map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &failed))
	assert.Equal(t, map[string]any{"success": false, "message": "Invalid credentials"}, failed)

	rec = srv.postJSON(t, "/api/v1/auth/login", `{"username":"user","password":"pass"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var login model.CredentialResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &login))
	assert.True(t, login.Success)
	assert.Equal(t, "1234", login.AuthToken)
	require.NotNil(t, login.User)
	assert.Equal(t, "john", login.User.Username)
	assert.Empty(t, login.Message)

	rec = srv.do(t, http.MethodGet, "/api/v1/me", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var me model.User
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &me))
	assert.Equal(t, "john@email.com", me.Email)

	rec = srv.do(t, http.MethodGet, "/api/v1/auth/session", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var session map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	assert.Equal(t, "authenticated", session["state"])
	assert.Equal(t, "1234", session["authToken"])
	assert.Equal(t, false, session["isLoading"])

	rec = srv.postJSON(t, "/api/v1/auth/logout", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = srv.do(t, http.MethodGet, "/api/v1/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPILogin_BadPayload(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := srv.postJSON(t, "/api/v1/auth/login", `{"username":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "bad request: invalid request payload")
}
