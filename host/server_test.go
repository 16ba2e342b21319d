package host

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomyedwab/fedhost/host/access"
	"github.com/tomyedwab/fedhost/remotes"
	"github.com/tomyedwab/fedhost/routes"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubAggregator struct {
	table []routes.RouteDescriptor
	err    error
	got    []remotes.Descriptor
	caller string
}

func (a *stubAggregator) Aggregate(ctx context.Context, descriptors []remotes.Descriptor) ([]routes.RouteDescriptor, error) {
	a.got = descriptors
	a.caller = ""
	if claims, ok := access.ClaimsFromContext(ctx); ok {
		a.caller = claims.Application
	}
	return a.table, a.err
}

func newTestServer(agg RouteAggregator, secret string, shell http.Handler) *httptest.Server {
	s := NewServer(Config{
		Logger:         quietLogger(),
		AppName:        "host",
		Remotes:        []remotes.Descriptor{{Name: "checkout"}, {Name: "profile"}},
		Aggregator:     agg,
		InternalSecret: secret,
		Shell:          shell,
	})
	return httptest.NewServer(s.Handler())
}

func get(t *testing.T, url, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRemoteRoutes(t *testing.T) {
	agg := &stubAggregator{table: []routes.RouteDescriptor{
		{Path: "/checkout", Name: "checkout", Component: func() {}, Meta: &routes.RouteMeta{Remote: true, Scope: "checkout", URL: "http://localhost:3001/remoteEntry.go"}},
		{Path: "/about", Name: "about"},
	}}
	srv := newTestServer(agg, "", nil)
	defer srv.Close()

	resp := get(t, srv.URL+RoutesPath, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Trace-ID"))

	var body struct {
		Routes []routes.RouteDescriptor `json:"routes"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Routes, 2)
	assert.Equal(t, "/checkout", body.Routes[0].Path)
	assert.Equal(t, "checkout", body.Routes[0].Meta.Scope)
	assert.Nil(t, body.Routes[1].Meta)
	assert.Equal(t, []string{"checkout", "profile"}, remotes.Names(agg.got))
}

func TestRemoteRoutesError(t *testing.T) {
	srv := newTestServer(&stubAggregator{err: errors.New("aggregating remote routes: context canceled")}, "", nil)
	defer srv.Close()

	resp := get(t, srv.URL+RoutesPath, "")
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, true, body["error"])
	assert.Equal(t, "aggregating remote routes: context canceled", body["message"])
}

func TestRemoteRoutesAuth(t *testing.T) {
	secret := "internal-secret-value"
	agg := &stubAggregator{}
	srv := newTestServer(agg, secret, nil)
	defer srv.Close()

	assert.Equal(t, http.StatusUnauthorized, get(t, srv.URL+RoutesPath, "").StatusCode)
	assert.Equal(t, http.StatusUnauthorized, get(t, srv.URL+RoutesPath, "wrong").StatusCode)
	assert.Equal(t, http.StatusOK, get(t, srv.URL+RoutesPath, secret).StatusCode)
	assert.Empty(t, agg.caller)

	token, err := access.IssueToken([]byte(secret), "shell", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, get(t, srv.URL+RoutesPath, token).StatusCode)
	assert.Equal(t, "shell", agg.caller)

	// Health stays public.
	assert.Equal(t, http.StatusOK, get(t, srv.URL+HealthPath, "").StatusCode)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(&stubAggregator{}, "", nil)
	defer srv.Close()

	resp := get(t, srv.URL+HealthPath, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Status string `json:"status"`
		App    string `json:"app"`
		PID    int    `json:"pid"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "host", body.App)
	assert.Equal(t, os.Getpid(), body.PID)
}

func TestCorsPreflight(t *testing.T) {
	srv := newTestServer(&stubAggregator{}, "secret", nil)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodOptions, srv.URL+RoutesPath, nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestCorsAllowList(t *testing.T) {
	handler := CorsMiddleware([]string{"http://localhost:3000"}, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r := httptest.NewRequest(http.MethodGet, HealthPath, nil)
	r.Header.Set("Origin", "http://evil.example.com")
	w := httptest.NewRecorder()
	handler(w, r)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestShellAndNotFound(t *testing.T) {
	shell := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "shell "+r.URL.Path)
	})
	srv := newTestServer(&stubAggregator{}, "", shell)
	defer srv.Close()

	resp := get(t, srv.URL+"/checkout", "")
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "shell /checkout", string(body))

	bare := newTestServer(&stubAggregator{}, "", nil)
	defer bare.Close()
	assert.Equal(t, http.StatusNotFound, get(t, bare.URL+"/checkout", "").StatusCode)
}
