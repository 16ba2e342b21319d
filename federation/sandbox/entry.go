package sandbox

import (
	"context"
	"fmt"
	"strings"

	"github.com/tomyedwab/fedhost/federation"
)

// Factory is the factory shape used by interpreted bundles.
type Factory func() (any, error)

// RoutesFunc is the shape of a getRoutes export declared by a bundle.
type RoutesFunc func() ([]map[string]any, error)

// Entry is the container a bundle declares. Bundles build it from closures:
//
//	federation.Register("checkout", federation.Entry{
//		Get: func(id string) (federation.Factory, error) { ... },
//	})
type Entry struct {
	Get  func(moduleID string) (Factory, error)
	Init func(scope *federation.ShareScope) error
}

// entryContainer adapts an interpreted Entry to federation.Container.
type entryContainer struct {
	scope string
	entry Entry
}

func newEntryContainer(scope string, e Entry) *entryContainer {
	return &entryContainer{scope: scope, entry: e}
}

func (c *entryContainer) Get(ctx context.Context, moduleID string) (f federation.Factory, err error) {
	defer recoverInto(&err, "get %q from %s", moduleID, c.scope)

	bundleFactory, err := c.entry.Get(moduleID)
	if err != nil {
		return nil, classify(err)
	}
	if bundleFactory == nil {
		return federation.NotExposed(moduleID), nil
	}
	return func(ctx context.Context) (v any, err error) {
		defer recoverInto(&err, "factory %q from %s", moduleID, c.scope)
		v, err = bundleFactory()
		if err != nil {
			return nil, classify(err)
		}
		return v, nil
	}, nil
}

func (c *entryContainer) Init(ctx context.Context, scope *federation.ShareScope) (err error) {
	if c.entry.Init == nil {
		return nil
	}
	defer recoverInto(&err, "init %s", c.scope)
	return c.entry.Init(scope)
}

// classify maps bundle errors that follow the "Module not exposed: <id>"
// convention onto the typed error.
func classify(err error) error {
	msg := err.Error()
	if i := strings.Index(msg, "Module not exposed: "); i >= 0 && !federation.IsModuleNotExposed(err) {
		return &federation.Error{
			Type:    federation.ErrorTypeModuleNotExposed,
			Message: msg[i:],
		}
	}
	return err
}

func recoverInto(err *error, format string, args ...any) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("panic in bundle %s: %v", fmt.Sprintf(format, args...), r)
	}
}
