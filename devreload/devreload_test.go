package devreload

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomyedwab/fedhost/federation/integrity"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "remoteEntry.go"), []byte("package main\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "style.css"), []byte("body{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	s, err := NewServer(ServerConfig{Logger: quietLogger(), Dir: dir})
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return s, srv
}

func TestIsLoopback(t *testing.T) {
	for _, host := range []string{"localhost", "127.0.0.1", "::1"} {
		assert.True(t, IsLoopback(host), host)
	}
	for _, host := range []string{"example.com", "10.0.0.1", "", "localhost.example.com"} {
		assert.False(t, IsLoopback(host), host)
	}
}

func TestChannelURL(t *testing.T) {
	tests := []struct {
		entry  string
		ws     string
		origin string
		ok     bool
	}{
		{"http://localhost:3001/remoteEntry.go", "ws://localhost:3001/__remote_ws", "http://localhost:3001", true},
		{"https://127.0.0.1/remoteEntry.go", "wss://127.0.0.1:443/__remote_ws", "https://127.0.0.1:443", true},
		{"http://[::1]:3002/remoteEntry.go", "ws://[::1]:3002/__remote_ws", "http://[::1]:3002", true},
		{"http://localhost/remoteEntry.go", "ws://localhost:80/__remote_ws", "http://localhost:80", true},
		{"https://cdn.example.com/checkout/remoteEntry.go", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.entry, func(t *testing.T) {
			ws, origin, ok, err := ChannelURL(tt.entry)
			require.NoError(t, err)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.ws, ws)
			assert.Equal(t, tt.origin, origin)
		})
	}

	_, _, _, err := ChannelURL("ftp://localhost/remoteEntry.go")
	assert.Error(t, err)
}

func TestNewServerMissingDir(t *testing.T) {
	_, err := NewServer(ServerConfig{Dir: filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, err)
}

func TestHealthAndSRI(t *testing.T) {
	s, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	var health struct {
		OK  bool   `json:"ok"`
		Dir string `json:"dir"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.True(t, health.OK)
	assert.Equal(t, s.Dir(), health.Dir)

	resp, err = http.Get(srv.URL + "/sri.json")
	require.NoError(t, err)
	defer resp.Body.Close()
	var sri map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sri))

	want, err := integrity.ComputeDigestWith("sha384", []byte("package main\n"))
	require.NoError(t, err)
	assert.Equal(t, want, sri["/remoteEntry.go"])
	assert.Contains(t, sri, "/style.css")
	assert.NotContains(t, sri, "/notes.txt")
	assert.True(t, strings.HasPrefix(sri["/style.css"], "sha384-"))
}

func TestStaticFilesAndRedirect(t *testing.T) {
	_, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/remoteEntry.go")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "package main\n", string(body))

	resp, err = http.Get(srv.URL + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	client := &http.Client{CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err = client.Get(srv.URL + "/remoteEntry.js")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/remoteEntry.go", resp.Header.Get("Location"))
}

func dialTest(t *testing.T, s *Server, srv *httptest.Server) *Channel {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + Path
	ch, err := Dial(context.Background(), wsURL)
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close() })

	msg, err := ch.Next()
	require.NoError(t, err)
	require.Equal(t, TypeWelcome, msg.Type)
	require.Equal(t, "dev-remote-server", msg.Msg)
	require.Eventually(t, func() bool { return s.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	return ch
}

func TestNotifyBroadcastsChange(t *testing.T) {
	s, srv := newTestServer(t)
	ch := dialTest(t, s, srv)

	path := filepath.Join(s.Dir(), "remoteEntry.go")
	require.NoError(t, s.Notify(EventChange, path))

	msg, err := ch.Next()
	require.NoError(t, err)
	assert.Equal(t, TypeChange, msg.Type)
	assert.Equal(t, EventChange, msg.Event)
	assert.Equal(t, path, msg.Path)
	assert.Contains(t, msg.SRI, "/remoteEntry.go")
}

func TestClientDisconnectIsDropped(t *testing.T) {
	s, srv := newTestServer(t)
	ch := dialTest(t, s, srv)

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
	require.Eventually(t, func() bool { return s.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWatchNotifiesOnWrite(t *testing.T) {
	s, srv := newTestServer(t)
	ch := dialTest(t, s, srv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watchDone := make(chan error, 1)
	go func() { watchDone <- s.Watch(ctx) }()

	messages := make(chan Message, 16)
	go func() {
		for {
			msg, err := ch.Next()
			if err != nil {
				close(messages)
				return
			}
			messages <- msg
		}
	}()

	// The watcher registers asynchronously, so keep touching the file until a
	// change arrives.
	entry := filepath.Join(s.Dir(), "remoteEntry.go")
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case msg, ok := <-messages:
			require.True(t, ok, "channel closed before change arrived")
			if msg.Type == TypeChange && filepath.Base(msg.Path) == "remoteEntry.go" {
				cancel()
				require.NoError(t, <-watchDone)
				return
			}
		case <-tick.C:
			require.NoError(t, os.WriteFile(entry, []byte("package main\n\n// edited\n"), 0o644))
		case <-deadline:
			t.Fatal("no change message received")
		}
	}
}

func TestEventFor(t *testing.T) {
	tests := []struct {
		op   fsnotify.Op
		want Event
		ok   bool
	}{
		{fsnotify.Create, EventAdd, true},
		{fsnotify.Write, EventChange, true},
		{fsnotify.Remove, EventUnlink, true},
		{fsnotify.Rename, EventUnlink, true},
		{fsnotify.Chmod, "", false},
	}
	for _, tt := range tests {
		got, ok := eventFor(tt.op)
		assert.Equal(t, tt.ok, ok, tt.op.String())
		assert.Equal(t, tt.want, got, tt.op.String())
	}
}
