package routes

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomyedwab/fedhost/federation"
	"github.com/tomyedwab/fedhost/remotes"
	"github.com/tomyedwab/fedhost/serverloader"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeLoader struct {
	containers map[string]federation.Container
	errs       map[string]error
}

func (f *fakeLoader) LoadServerContainer(ctx context.Context, pathOrURL, scope, expectedIntegrity string) (federation.Container, error) {
	if err := f.errs[scope]; err != nil {
		return nil, err
	}
	return f.containers[scope], nil
}

func routesContainer(getRoutes any) federation.Container {
	return federation.Modules{federation.RoutesModule: federation.Value(getRoutes)}
}

func oneRoute(path string) func() []map[string]any {
	return func() []map[string]any {
		return []map[string]any{{
			"path": path,
			"name": path[1:],
			"meta": map[string]any{"remote": true, "scope": path[1:], "url": "http://localhost:3001/remoteEntry.go"},
		}}
	}
}

func descriptors(names ...string) []remotes.Descriptor {
	out := make([]remotes.Descriptor, len(names))
	for i, name := range names {
		out[i] = remotes.Descriptor{Name: name, ServerPathOrURL: "./" + name + "/remoteEntry.server.go"}
	}
	return out
}

func paths(rs []RouteDescriptor) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Path
	}
	return out
}

func TestAggregateThreeRemotes(t *testing.T) {
	loader := &fakeLoader{containers: map[string]federation.Container{
		"checkout": routesContainer(oneRoute("/checkout")),
		"profile":  routesContainer(oneRoute("/profile")),
		"admin":    routesContainer(oneRoute("/admin")),
	}}
	agg := NewAggregator(AggregatorConfig{Logger: quietLogger(), Loader: loader})

	got, err := agg.Aggregate(context.Background(), descriptors("checkout", "profile", "admin"))
	require.NoError(t, err)
	assert.Equal(t, []string{"/checkout", "/profile", "/admin"}, paths(got))
	require.NotNil(t, got[1].Meta)
	assert.True(t, got[1].IsRemote())
	assert.Equal(t, "profile", got[1].Meta.Scope)
}

func TestAggregateSkipsUnreachableRemote(t *testing.T) {
	loader := &fakeLoader{
		containers: map[string]federation.Container{
			"checkout": routesContainer(oneRoute("/checkout")),
			"admin":    routesContainer(oneRoute("/admin")),
		},
		errs: map[string]error{
			"profile": federation.NewRemoteUnreachable("profile", "http://localhost:3002/remoteEntry.go", errors.New("connection refused")),
		},
	}
	agg := NewAggregator(AggregatorConfig{Logger: quietLogger(), Loader: loader})

	got, err := agg.Aggregate(context.Background(), descriptors("checkout", "profile", "admin"))
	require.NoError(t, err)
	assert.Equal(t, []string{"/checkout", "/admin"}, paths(got))
}

func TestAggregatePreservesOrderWithConcurrency(t *testing.T) {
	containers := make(map[string]federation.Container)
	var names []string
	for i := 0; i < 12; i++ {
		name := fmt.Sprintf("r%02d", i)
		names = append(names, name)
		if i%3 == 1 {
			continue // absent
		}
		containers[name] = routesContainer(oneRoute("/" + name))
	}
	agg := NewAggregator(AggregatorConfig{
		Logger:      quietLogger(),
		Loader:      &fakeLoader{containers: containers},
		Concurrency: 4,
	})

	got, err := agg.Aggregate(context.Background(), descriptors(names...))
	require.NoError(t, err)

	var want []string
	for i, name := range names {
		if i%3 != 1 {
			want = append(want, "/"+name)
		}
	}
	assert.Equal(t, want, paths(got))
}

type defaultExport struct {
	fn func(context.Context) ([]RouteDescriptor, error)
}

func (d defaultExport) Default() any { return d.fn }

func TestAggregateRouteModuleShapes(t *testing.T) {
	list := []any{map[string]any{"path": "/a"}}
	tests := []struct {
		name   string
		module any
		want   []string
	}{
		{"plain function", func() []any { return list }, []string{"/a"}},
		{"function with error", func() ([]any, error) { return list, nil }, []string{"/a"}},
		{"default key", map[string]any{"default": func() []any { return list }}, []string{"/a"}},
		{"getRoutes key", map[string]any{"getRoutes": func() []any { return list }}, []string{"/a"}},
		{"defaulter with context", defaultExport{fn: func(ctx context.Context) ([]RouteDescriptor, error) {
			return []RouteDescriptor{{Path: "/typed"}}, nil
		}}, []string{"/typed"}},
		{"not a function", "routes", nil},
		{"returns non list", func() any { return map[string]any{"path": "/a"} }, nil},
		{"returns error", func() ([]any, error) { return nil, errors.New("boom") }, nil},
		{"panics", func() []any { panic("boom") }, nil},
		{"malformed element dropped", func() []any { return []any{"junk", map[string]any{"path": "/b"}} }, []string{"/b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loader := &fakeLoader{containers: map[string]federation.Container{
				"shape": routesContainer(tt.module),
				"admin": routesContainer(oneRoute("/admin")),
			}}
			agg := NewAggregator(AggregatorConfig{Logger: quietLogger(), Loader: loader})

			got, err := agg.Aggregate(context.Background(), descriptors("shape", "admin"))
			require.NoError(t, err)
			assert.Equal(t, append(tt.want, "/admin"), paths(got))
		})
	}
}

func TestRemoteRoutesShapeError(t *testing.T) {
	loader := &fakeLoader{containers: map[string]federation.Container{"shape": routesContainer(42)}}
	agg := NewAggregator(AggregatorConfig{Logger: quietLogger(), Loader: loader})

	_, err := agg.RemoteRoutes(context.Background(), descriptors("shape")[0])
	assert.True(t, federation.IsRouteShapeInvalid(err))
}

func TestAggregateKeepsComponent(t *testing.T) {
	component := func() string { return "local" }
	loader := &fakeLoader{containers: map[string]federation.Container{
		"local": routesContainer(func() []any {
			return []any{map[string]any{"path": "/local", "component": component}}
		}),
	}}
	agg := NewAggregator(AggregatorConfig{Logger: quietLogger(), Loader: loader})

	got, err := agg.Aggregate(context.Background(), descriptors("local"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	fn, ok := got[0].Component.(func() string)
	require.True(t, ok)
	assert.Equal(t, "local", fn())
}

func TestAggregateCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	agg := NewAggregator(AggregatorConfig{Logger: quietLogger(), Loader: &fakeLoader{}})

	_, err := agg.Aggregate(ctx, descriptors("checkout"))
	assert.ErrorIs(t, err, context.Canceled)
}

type recordingAudit struct {
	remotes, routes int
}

func (a *recordingAudit) LogRoutesAggregated(remotes, routes int) error {
	a.remotes, a.routes = remotes, routes
	return nil
}

func TestAggregateAudit(t *testing.T) {
	audit := &recordingAudit{}
	loader := &fakeLoader{containers: map[string]federation.Container{
		"checkout": routesContainer(oneRoute("/checkout")),
	}}
	agg := NewAggregator(AggregatorConfig{Logger: quietLogger(), Loader: loader, Audit: audit})

	_, err := agg.Aggregate(context.Background(), descriptors("checkout", "profile"))
	require.NoError(t, err)
	assert.Equal(t, 2, audit.remotes)
	assert.Equal(t, 1, audit.routes)
}

const bundleTemplate = `package main

import "federation"

func init() {
	federation.SetModuleExports(federation.Entry{
		Get: func(id string) (federation.Factory, error) {
			if id != federation.RoutesModule {
				return federation.NotExposed(id), nil
			}
			return func() (any, error) {
				return federation.RoutesFunc(func() ([]map[string]any, error) {
					return []map[string]any{{
						"path": "/%[1]s",
						"name": "%[1]s",
						"meta": map[string]any{"remote": true, "scope": "%[1]s", "url": "http://localhost:3001/remoteEntry.go"},
					}}, nil
				}), nil
			}, nil
		},
	})
}
`

func TestAggregateWithServerLoader(t *testing.T) {
	dir := t.TempDir()
	var ds []remotes.Descriptor
	for _, name := range []string{"checkout", "profile", "admin"} {
		path := filepath.Join(dir, name, "remoteEntry.server.go")
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(bundleTemplate, name)), 0o644))
		ds = append(ds, remotes.Descriptor{Name: name, ServerPathOrURL: path})
	}
	loader := serverloader.New(serverloader.Config{Logger: quietLogger()})
	agg := NewAggregator(AggregatorConfig{Logger: quietLogger(), Loader: loader})

	got, err := agg.Aggregate(context.Background(), ds)
	require.NoError(t, err)
	assert.Equal(t, []string{"/checkout", "/profile", "/admin"}, paths(got))

	require.NoError(t, os.Remove(ds[1].ServerPathOrURL))
	got, err = agg.Aggregate(context.Background(), ds)
	require.NoError(t, err)
	assert.Equal(t, []string{"/checkout", "/admin"}, paths(got))
}

type countingModuleLoader struct {
	calls atomic.Int32
	err   error
}

func (l *countingModuleLoader) LoadRemoteModule(ctx context.Context, url, scope, moduleID string) (any, error) {
	l.calls.Add(1)
	if l.err != nil {
		return nil, l.err
	}
	return map[string]any{"default": scope + " " + moduleID + " from " + url}, nil
}

func TestAdaptMissingMeta(t *testing.T) {
	loader := &countingModuleLoader{}
	assert.Nil(t, Adapt(RouteDescriptor{Path: "/x"}, loader))
	assert.Nil(t, Adapt(RouteDescriptor{Path: "/x", Meta: &RouteMeta{Remote: true, Scope: "checkout"}}, loader))
	assert.Nil(t, Adapt(RouteDescriptor{Path: "/x", Meta: &RouteMeta{Remote: true, URL: "http://localhost:3001/remoteEntry.go"}}, loader))
	assert.Zero(t, loader.calls.Load())
}

func TestAdaptDefersLoading(t *testing.T) {
	loader := &countingModuleLoader{}
	route := RouteDescriptor{
		Path: "/checkout",
		Name: "checkout",
		Meta: &RouteMeta{Remote: true, Scope: "checkout", URL: "http://localhost:3001/remoteEntry.go"},
	}

	adapted := Adapt(route, loader)
	require.NotNil(t, adapted)
	assert.Equal(t, "/checkout", adapted.Path)
	assert.Equal(t, "checkout", adapted.Name)
	assert.Equal(t, *route.Meta, *adapted.Meta)
	assert.Nil(t, route.Component)
	assert.Zero(t, loader.calls.Load())

	lazy, ok := adapted.Component.(*LazyComponent)
	require.True(t, ok)
	assert.Equal(t, federation.DefaultModule, lazy.Module)
	assert.False(t, lazy.Resolved())

	v, err := lazy.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "checkout ./RemoteHome from http://localhost:3001/remoteEntry.go", v)

	_, err = lazy.Resolve(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, loader.calls.Load())
}

func TestAdaptCustomModuleAndRetry(t *testing.T) {
	loader := &countingModuleLoader{err: errors.New("offline")}
	adapted := Adapt(RouteDescriptor{
		Path: "/admin",
		Meta: &RouteMeta{Remote: true, Scope: "admin", URL: "http://localhost:3003/remoteEntry.go", Module: "./Dashboard"},
	}, loader)
	require.NotNil(t, adapted)
	lazy := adapted.Component.(*LazyComponent)
	assert.Equal(t, "./Dashboard", lazy.Module)

	_, err := lazy.Resolve(context.Background())
	require.Error(t, err)
	assert.False(t, lazy.Resolved())

	loader.err = nil
	v, err := lazy.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "admin ./Dashboard from http://localhost:3003/remoteEntry.go", v)
	assert.EqualValues(t, 2, loader.calls.Load())
}
