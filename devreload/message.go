// Package devreload is the development-only reload channel between a remote's
// dev server and the client loader. The server side serves a remote's build
// directory and pushes change notifications over a WebSocket; the client side
// dials that socket for loopback remotes.
package devreload

import (
	"fmt"
	"net/url"
)

// Path is the WebSocket endpoint on every dev remote server
const Path = "/__remote_ws"

// MessageType discriminates channel messages
type MessageType string

const (
	TypeWelcome MessageType = "welcome"
	TypeChange  MessageType = "change"
)

// Event names the kind of file change
type Event string

const (
	EventAdd    Event = "add"
	EventChange Event = "change"
	EventUnlink Event = "unlink"
)

// Message is one JSON frame on the channel.
type Message struct {
	Type  MessageType `json:"type"`
	Msg   string      `json:"msg,omitempty"`
	Event Event       `json:"event,omitempty"`
	Path  string      `json:"path,omitempty"`
	// SRI maps "/<file>" to its sha384 digest at the time of the change.
	SRI map[string]string `json:"sri,omitempty"`
}

// IsLoopback reports whether hostname is one of the loopback names the
// reload channel is allowed for.
func IsLoopback(hostname string) bool {
	switch hostname {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// ChannelURL derives the WebSocket URL and origin for the remote serving
// entryURL. ok is false when the remote is not on a loopback host.
func ChannelURL(entryURL string) (wsURL, origin string, ok bool, err error) {
	u, err := url.Parse(entryURL)
	if err != nil {
		return "", "", false, fmt.Errorf("parse entry url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", "", false, fmt.Errorf("unsupported entry url scheme %q", u.Scheme)
	}
	if !IsLoopback(u.Hostname()) {
		return "", "", false, nil
	}

	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}
	host := u.Hostname()
	if host == "::1" {
		host = "[::1]"
	}
	origin = u.Scheme + "://" + host + ":" + port

	wsScheme := "ws"
	if u.Scheme == "https" {
		wsScheme = "wss"
	}
	return wsScheme + "://" + host + ":" + port + Path, origin, true, nil
}
