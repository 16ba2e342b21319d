package devreload

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/websocket"

	"github.com/tomyedwab/fedhost/federation/integrity"
)

const (
	// DefaultEntry is the entry file a dev remote serves
	DefaultEntry = "remoteEntry.go"

	writeTimeout = 5 * time.Second
	welcomeMsg   = "dev-remote-server"
)

// legacyEntryPaths redirect to the configured entry
var legacyEntryPaths = []string{"/remoteEntry.js"}

var sriExtensions = map[string]bool{".go": true, ".wasm": true, ".js": true, ".css": true}

// ServerConfig configures a dev remote Server
type ServerConfig struct {
	Logger *slog.Logger
	// Dir is the directory served as the remote's public root.
	Dir string
	// Entry is the entry file name inside Dir.
	Entry string
}

// Server serves a remote's build output and notifies connected clients when
// files change.
type Server struct {
	logger   *slog.Logger
	dir      string
	entry    string
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*peer]struct{}
}

type peer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (p *peer) send(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return p.conn.WriteJSON(v)
}

// NewServer creates a Server for an existing directory
func NewServer(config ServerConfig) (*Server, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dir, err := filepath.Abs(config.Dir)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("directory not found: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}
	entry := config.Entry
	if entry == "" {
		entry = DefaultEntry
	}

	return &Server{
		logger: logger.With("component", "DevRemoteServer"),
		dir:    dir,
		entry:  entry,
		upgrader: websocket.Upgrader{
			// Dev remotes are loaded cross-origin by the host shell.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*peer]struct{}),
	}, nil
}

// Dir returns the absolute served directory
func (s *Server) Dir() string {
	return s.dir
}

// Handler returns the HTTP handler for the dev server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sri.json", s.handleSRI)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET "+Path, s.handleSocket)
	for _, legacy := range legacyEntryPaths {
		if legacy == "/"+s.entry {
			continue
		}
		mux.Handle("GET "+legacy, http.RedirectHandler("/"+s.entry, http.StatusFound))
	}

	files := http.FileServer(http.Dir(s.dir))
	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		files.ServeHTTP(w, r)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleSRI(w http.ResponseWriter, r *http.Request) {
	sri, err := BuildSRIMap(s.dir)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, sri)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "dir": s.dir})
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	p := &peer{conn: conn}
	if err := p.send(Message{Type: TypeWelcome, Msg: welcomeMsg}); err != nil {
		conn.Close()
		return
	}

	s.mu.Lock()
	s.clients[p] = struct{}{}
	s.mu.Unlock()
	s.logger.Debug("Reload client connected", "remote_addr", r.RemoteAddr)

	// Clients never send anything meaningful; reading keeps control frames
	// flowing and tells us when the peer goes away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.drop(p)
}

func (s *Server) drop(p *peer) {
	s.mu.Lock()
	delete(s.clients, p)
	s.mu.Unlock()
	p.conn.Close()
}

// ClientCount returns the number of connected reload clients
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Notify rebuilds the SRI map and pushes a change message to every client.
func (s *Server) Notify(event Event, path string) error {
	sri, err := BuildSRIMap(s.dir)
	if err != nil {
		return err
	}
	msg := Message{Type: TypeChange, Event: event, Path: path, SRI: sri}

	s.mu.Lock()
	peers := make([]*peer, 0, len(s.clients))
	for p := range s.clients {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		if err := p.send(msg); err != nil {
			s.logger.Debug("Dropping reload client", "error", err)
			s.drop(p)
		}
	}
	return nil
}

// Watch notifies clients of changes in the served directory until ctx ends.
func (s *Server) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(s.dir); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			event, ok := eventFor(ev.Op)
			if !ok {
				continue
			}
			s.logger.Info("File changed", "event", event, "path", ev.Name)
			if err := s.Notify(event, ev.Name); err != nil {
				s.logger.Error("Failed to notify reload clients", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("File watcher error", "error", err)
		}
	}
}

func eventFor(op fsnotify.Op) (Event, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return EventAdd, true
	case op.Has(fsnotify.Write):
		return EventChange, true
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return EventUnlink, true
	}
	return "", false
}

// BuildSRIMap returns the sha384 digest of every servable bundle file at the
// top level of dir, keyed "/<file>".
func BuildSRIMap(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !sriExtensions[filepath.Ext(name)] {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			// Files can disappear between listing and reading.
			continue
		}
		digest, err := integrity.ComputeDigestWith("sha384", data)
		if err != nil {
			return nil, err
		}
		out["/"+name] = digest
	}
	return out, nil
}
