package routes

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/tomyedwab/fedhost/federation"
	"github.com/tomyedwab/fedhost/remotes"
)

// ContainerLoader resolves server side containers. A nil container with a nil
// error means the remote is absent.
type ContainerLoader interface {
	LoadServerContainer(ctx context.Context, pathOrURL, scope, expectedIntegrity string) (federation.Container, error)
}

// AuditLogger receives aggregation summaries. Per-remote load failures are
// recorded by the loader.
type AuditLogger interface {
	LogRoutesAggregated(remotes, routes int) error
}

// AggregatorConfig holds configuration for the Aggregator.
type AggregatorConfig struct {
	Logger *slog.Logger
	Loader ContainerLoader
	// Concurrency bounds how many remotes are resolved at once. Values below
	// 2 resolve remotes one after another. Output order never depends on it.
	Concurrency int
	Audit       AuditLogger
}

// Aggregator builds the merged route table from every configured remote.
type Aggregator struct {
	logger      *slog.Logger
	loader      ContainerLoader
	concurrency int
	audit       AuditLogger
}

// NewAggregator creates an Aggregator
func NewAggregator(config AggregatorConfig) *Aggregator {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		logger:      logger.With("component", "RouteAggregator"),
		loader:      config.Loader,
		concurrency: config.Concurrency,
		audit:       config.Audit,
	}
}

// Aggregate returns the concatenation of every remote's routes in the order
// the remotes are given. A remote that fails contributes nothing and does not
// affect the others. The returned error is only set when ctx ends before the
// aggregation completes.
func (a *Aggregator) Aggregate(ctx context.Context, descriptors []remotes.Descriptor) ([]RouteDescriptor, error) {
	perRemote := make([][]RouteDescriptor, len(descriptors))

	if a.concurrency > 1 {
		var g errgroup.Group
		g.SetLimit(a.concurrency)
		for i, d := range descriptors {
			i, d := i, d
			g.Go(func() error {
				perRemote[i] = a.collect(ctx, d)
				return nil
			})
		}
		g.Wait()
	} else {
		for i, d := range descriptors {
			perRemote[i] = a.collect(ctx, d)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("aggregating remote routes: %w", err)
	}

	var out []RouteDescriptor
	for _, list := range perRemote {
		out = append(out, list...)
	}
	if out == nil {
		out = []RouteDescriptor{}
	}
	if a.audit != nil {
		if err := a.audit.LogRoutesAggregated(len(descriptors), len(out)); err != nil {
			a.logger.Error("Failed to write audit event", "error", err)
		}
	}
	return out, nil
}

// collect isolates one remote: every failure is logged and yields no routes.
func (a *Aggregator) collect(ctx context.Context, d remotes.Descriptor) []RouteDescriptor {
	routes, err := a.RemoteRoutes(ctx, d)
	if err != nil {
		a.logger.Warn("Failed to load routes from remote",
			"remote", d.Name,
			"location", d.ServerPathOrURL,
			"kind", federation.TypeOf(err).String(),
			"error", err,
		)
		return nil
	}
	return routes
}

// RemoteRoutes resolves one remote's container and returns its routes. An
// absent remote returns no routes and no error.
func (a *Aggregator) RemoteRoutes(ctx context.Context, d remotes.Descriptor) (routes []RouteDescriptor, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("remote %q panicked: %v", d.Name, r)
		}
	}()

	c, err := a.loader.LoadServerContainer(ctx, d.ServerPathOrURL, d.Name, d.ExpectedIntegrity)
	if err != nil {
		return nil, err
	}
	if c == nil {
		a.logger.Info("Remote is absent, skipping", "remote", d.Name)
		return nil, nil
	}

	factory, err := c.Get(ctx, federation.RoutesModule)
	if err != nil {
		return nil, err
	}
	module, err := factory(ctx)
	if err != nil {
		return nil, err
	}
	fn, err := resolveRoutesFunc(d.Name, module)
	if err != nil {
		return nil, err
	}
	result, err := callRoutesFunc(ctx, d.Name, fn)
	if err != nil {
		return nil, err
	}

	list, ok := sliceOf(result)
	if !ok {
		return nil, federation.NewRouteShapeInvalid(d.Name, fmt.Sprintf("getRoutes returned %T, not a list", result))
	}
	routes = make([]RouteDescriptor, 0, len(list))
	for i, item := range list {
		route, err := toDescriptor(item)
		if err != nil {
			a.logger.Warn("Dropping malformed route", "remote", d.Name, "index", i, "error", err)
			continue
		}
		routes = append(routes, route)
	}
	return routes, nil
}
