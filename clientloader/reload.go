package clientloader

import (
	"errors"
	"net/url"
	"path"
	"path/filepath"

	"github.com/tomyedwab/fedhost/devreload"
)

// watch subscribes scope to the reload channel of its remote's origin,
// opening the channel if this is the first remote on that origin.
func (l *Loader) watch(entryURL, scope string) {
	wsURL, origin, ok, err := devreload.ChannelURL(entryURL)
	if err != nil {
		l.logger.Warn("Failed to set up dev reload", "scope", scope, "error", err)
		return
	}
	if !ok {
		l.logger.Info("Dev reload disabled for non-loopback remote", "scope", scope, "url", entryURL)
		return
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	if w, ok := l.origins[origin]; ok {
		w.subs[scope] = entryURL
		l.mu.Unlock()
		return
	}
	w := &originWatch{subs: map[string]string{scope: entryURL}}
	l.origins[origin] = w
	l.wg.Add(1)
	l.mu.Unlock()

	go l.listen(origin, wsURL, w)
}

func (l *Loader) listen(origin, wsURL string, w *originWatch) {
	defer l.wg.Done()

	ch, err := l.dial(l.ctx, wsURL)
	if err != nil {
		l.logger.Debug("Dev reload channel unavailable", "origin", origin, "error", err)
		l.forget(origin, w)
		return
	}
	l.mu.Lock()
	w.ch = ch
	closed := l.closed
	l.mu.Unlock()
	defer l.forget(origin, w)
	if closed {
		return
	}
	l.logger.Info("Connected dev reload channel", "origin", origin)

	for {
		msg, err := ch.Next()
		if errors.Is(err, devreload.ErrMalformedMessage) {
			l.logger.Warn("Ignoring dev reload message", "origin", origin, "error", err)
			continue
		}
		if err != nil {
			if l.ctx.Err() == nil {
				l.logger.Info("Dev reload channel closed", "origin", origin, "error", err)
			}
			return
		}
		if msg.Type != devreload.TypeChange {
			continue
		}
		for scope, entryURL := range l.subscribers(w) {
			if !matchesEntry(msg.Path, entryURL) {
				continue
			}
			l.logger.Info("Dev change detected", "scope", scope, "path", msg.Path)
			scope, entryURL := scope, entryURL
			l.wg.Add(1)
			go func() {
				defer l.wg.Done()
				l.Reload(l.ctx, entryURL, scope)
			}()
		}
	}
}

func (l *Loader) subscribers(w *originWatch) map[string]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]string, len(w.subs))
	for scope, u := range w.subs {
		out[scope] = u
	}
	return out
}

// forget drops the origin's channel so the next load can reconnect.
func (l *Loader) forget(origin string, w *originWatch) {
	l.mu.Lock()
	if l.origins[origin] == w {
		delete(l.origins, origin)
	}
	ch := w.ch
	l.mu.Unlock()
	if ch != nil {
		ch.Close()
	}
}

// matchesEntry reports whether a changed file is the entry served at entryURL.
func matchesEntry(changed, entryURL string) bool {
	if changed == "" {
		return false
	}
	u, err := url.Parse(entryURL)
	if err != nil {
		return false
	}
	return filepath.Base(filepath.FromSlash(changed)) == path.Base(u.Path)
}
