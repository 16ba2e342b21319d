// Package clientloader loads remote entries into a client session. A Window
// stands in for one browser context: it holds the containers registered by
// loaded entries, the document's injected scripts and the session's share
// scopes.
package clientloader

import (
	"strings"
	"sync"

	"github.com/tomyedwab/fedhost/federation"
)

// Window is the registry of one client session. It is never shared with the
// server loader.
type Window struct {
	Document *Document

	mu          sync.RWMutex
	containers  map[string]federation.Container
	shares      *federation.ShareScopes
	initSharing federation.SharingInitializer
}

// NewWindow creates an empty Window. initSharing may be nil.
func NewWindow(initSharing federation.SharingInitializer) *Window {
	return &Window{
		Document:    &Document{},
		containers:  make(map[string]federation.Container),
		shares:      federation.NewShareScopes(),
		initSharing: initSharing,
	}
}

// Container returns the container registered for scope
func (w *Window) Container(scope string) (federation.Container, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	c, ok := w.containers[scope]
	return c, ok && c != nil
}

// SetContainer registers c under scope, replacing any previous container
func (w *Window) SetContainer(scope string, c federation.Container) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.containers[scope] = c
}

// DeleteContainer removes the registration for scope
func (w *Window) DeleteContainer(scope string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.containers, scope)
}

// Scopes returns the number of registered containers
func (w *Window) Scopes() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.containers)
}

// ShareScopes returns the session's share scopes
func (w *Window) ShareScopes() *federation.ShareScopes {
	return w.shares
}

// InitSharing returns the session's sharing initializer, if any
func (w *Window) InitSharing() federation.SharingInitializer {
	return w.initSharing
}

// Document tracks the script sources injected into a Window.
type Document struct {
	mu         sync.Mutex
	scripts    []string
	injections int
}

// Inject appends a script for src
func (d *Document) Inject(src string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scripts = append(d.scripts, src)
	d.injections++
}

// RemoveMatching removes every script whose source contains url and returns
// how many were removed.
func (d *Document) RemoveMatching(url string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	kept := d.scripts[:0]
	removed := 0
	for _, src := range d.scripts {
		if src != "" && strings.Contains(src, url) {
			removed++
			continue
		}
		kept = append(kept, src)
	}
	d.scripts = kept
	return removed
}

// Scripts returns the sources currently in the document
func (d *Document) Scripts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.scripts...)
}

// Injections returns how many scripts were ever injected
func (d *Document) Injections() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.injections
}
