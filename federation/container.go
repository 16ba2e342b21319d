// Package federation defines the container protocol shared by the host and
// every remote: a container hands out lazily evaluated module factories by id
// and optionally joins a share scope before use.
package federation

import (
	"context"
	"reflect"
)

const (
	// DefaultShareScope is the share scope name used by hosts and remotes
	// unless configured otherwise.
	DefaultShareScope = "default"
	// RoutesModule is the module id every remote exposes its routes under.
	RoutesModule = "./getRoutes"
	// DefaultModule is loaded for remote routes that do not name a module.
	DefaultModule = "./RemoteHome"
)

// Factory yields a module export when invoked. Invocation may block.
type Factory func(ctx context.Context) (any, error)

// Container is the capability a remote registers for its scope.
type Container interface {
	// Get returns a factory for moduleID. Unexposed ids return a factory that
	// fails with a ModuleNotExposed error rather than an error from Get.
	Get(ctx context.Context, moduleID string) (Factory, error)
}

// Initializer is implemented by containers that take part in dependency
// sharing. Init must be safe to call more than once.
type Initializer interface {
	Init(ctx context.Context, scope *ShareScope) error
}

// Closer is implemented by containers holding runtime resources.
type Closer interface {
	Close(ctx context.Context) error
}

// NotExposed returns a factory that always fails with ModuleNotExposed.
func NotExposed(moduleID string) Factory {
	return func(ctx context.Context) (any, error) {
		return nil, NewModuleNotExposed(moduleID)
	}
}

// Modules is a static container backed by a map of module ids to factories.
type Modules map[string]Factory

// Get implements Container
func (m Modules) Get(ctx context.Context, moduleID string) (Factory, error) {
	if f, ok := m[moduleID]; ok && f != nil {
		return f, nil
	}
	return NotExposed(moduleID), nil
}

// Value returns a factory that yields v.
func Value(v any) Factory {
	return func(ctx context.Context) (any, error) {
		return v, nil
	}
}

// InitContainer calls Init on c when it implements Initializer. Containers
// without Init are treated as already initialized.
func InitContainer(ctx context.Context, c Container, scope *ShareScope) error {
	if init, ok := c.(Initializer); ok {
		return init.Init(ctx, scope)
	}
	return nil
}

// Defaulter is implemented by module values that carry a default export.
type Defaulter interface {
	Default() any
}

// UnwrapDefault prefers the default export of an object-shaped module value.
// Values without a non-nil default export are returned unchanged.
func UnwrapDefault(v any) any {
	switch m := v.(type) {
	case nil:
		return nil
	case Defaulter:
		if d := m.Default(); d != nil {
			return d
		}
		return v
	case map[string]any:
		if d, ok := m["default"]; ok && d != nil {
			return d
		}
		return v
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Map && rv.Type().Key().Kind() == reflect.String {
		d := rv.MapIndex(reflect.ValueOf("default").Convert(rv.Type().Key()))
		if d.IsValid() && !isNilValue(d) {
			return d.Interface()
		}
	}
	return v
}

func isNilValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Interface, reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return v.IsNil()
	}
	return false
}
