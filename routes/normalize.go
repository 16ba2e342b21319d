package routes

import (
	"context"
	"fmt"
	"reflect"

	"github.com/tomyedwab/fedhost/federation"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// routesGetter is implemented by module values exposing a GetRoutes method.
type routesGetter interface {
	GetRoutes() any
}

// resolveRoutesFunc finds the function inside a getRoutes module value. The
// value may be the function itself, or an object carrying it as "default" or
// "getRoutes".
func resolveRoutesFunc(scope string, v any) (reflect.Value, error) {
	if fn := reflect.ValueOf(v); fn.Kind() == reflect.Func && !fn.IsNil() {
		return fn, nil
	}

	switch m := v.(type) {
	case routesGetter:
		return reflect.ValueOf(m.GetRoutes), nil
	case map[string]any:
		for _, key := range []string{"default", "getRoutes"} {
			if fn := reflect.ValueOf(m[key]); fn.Kind() == reflect.Func && !fn.IsNil() {
				return fn, nil
			}
		}
	case federation.Defaulter:
		if fn := reflect.ValueOf(m.Default()); fn.Kind() == reflect.Func && !fn.IsNil() {
			return fn, nil
		}
	}
	return reflect.Value{}, federation.NewRouteShapeInvalid(scope, fmt.Sprintf("getRoutes resolved to %T, not a function", v))
}

// callRoutesFunc invokes fn, which may take a context and may return an
// error as its second result.
func callRoutesFunc(ctx context.Context, scope string, fn reflect.Value) (any, error) {
	t := fn.Type()
	var args []reflect.Value
	switch {
	case t.NumIn() == 0:
	case t.NumIn() == 1 && t.In(0) == contextType:
		args = []reflect.Value{reflect.ValueOf(ctx)}
	default:
		return nil, federation.NewRouteShapeInvalid(scope, fmt.Sprintf("getRoutes has unsupported signature %s", t))
	}
	if t.NumOut() == 0 || t.NumOut() > 2 || (t.NumOut() == 2 && !t.Out(1).Implements(errorType)) {
		return nil, federation.NewRouteShapeInvalid(scope, fmt.Sprintf("getRoutes has unsupported signature %s", t))
	}

	results := fn.Call(args)
	if len(results) == 2 && !results[1].IsNil() {
		return nil, results[1].Interface().(error)
	}
	return results[0].Interface(), nil
}
