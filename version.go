package offlinecache

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

const (
	offlineSuffix = "-offline"
	dynamicSuffix = "-dynamic"
)

// Namespaces is the set of cache namespaces belonging to one version.
type Namespaces struct {
	// Versioned static assets, pre-cached at install.
	Primary string
	// The single offline fallback document.
	Offline string
	// Opportunistically cached responses, swept by age.
	Dynamic string
}

// NamespacesFor derives the namespace names of a version tag.
func NamespacesFor(version string) Namespaces {
	return Namespaces{
		Primary: version,
		Offline: version + offlineSuffix,
		Dynamic: version + dynamicSuffix,
	}
}

// All returns the namespace names of the set.
func (n Namespaces) All() []string {
	return []string{n.Primary, n.Offline, n.Dynamic}
}

// Has reports whether the namespace belongs to the set.
func (n Namespaces) Has(name string) bool {
	return name == n.Primary || name == n.Offline || name == n.Dynamic
}

// install opens the current namespaces and pre-populates them.
// Individual assets that cannot be fetched or stored are logged and skipped,
// only a failure to open a namespace (or cancellation) fails the installation.
func (wk *Worker) install(ctx context.Context) error {
	ns := wk.namespaces
	if err := wk.cache.Open(ctx, ns.Primary); err != nil {
		return fmt.Errorf("open %s: %w", ns.Primary, err)
	}

	wk.log.Info().Strs("assets", wk.precache).Msg("Caching static assets")
	var cached atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(wk.installConcurrency)
	for _, path := range wk.precache {
		path := path
		g.Go(func() error {
			if err := wk.precacheOne(gctx, ns.Primary, path); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				wk.log.Warn().Err(err).Str("path", path).Msg("Failed to cache asset")
				return nil
			}
			cached.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("populate %s: %w", ns.Primary, err)
	}

	if err := wk.cache.Open(ctx, ns.Offline); err != nil {
		return fmt.Errorf("open %s: %w", ns.Offline, err)
	}
	if wk.offlinePage != "" {
		if err := wk.precacheOne(ctx, ns.Offline, wk.offlinePage); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wk.log.Warn().Err(err).Str("path", wk.offlinePage).Msg("Failed to cache offline page")
		}
	}

	wk.log.Info().
		Int32("cached", cached.Load()).
		Int("failed", len(wk.precache)-int(cached.Load())).
		Msg("Installed")
	return nil
}

// precacheOne fetches the path and stores it in the namespace.
// Unlike request-time writes, the write is awaited.
func (wk *Worker) precacheOne(ctx context.Context, namespace, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	res, stored, err := wk.fetch(req)
	if err != nil {
		return err
	}
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", res.StatusCode)
	}
	return wk.cache.Put(ctx, namespace, wk.keyer.GetKey(req), stored)
}

// activate deletes every namespace that is not part of the current version.
// Any failure aborts the activation, so stale namespaces are never silently kept.
func (wk *Worker) activate(ctx context.Context) error {
	names, err := wk.cache.Namespaces(ctx)
	if err != nil {
		return fmt.Errorf("list namespaces: %w", err)
	}
	for _, name := range names {
		if wk.namespaces.Has(name) {
			continue
		}
		wk.log.Info().Str("namespace", name).Msg("Deleting old cache")
		if _, err := wk.cache.DeleteNamespace(ctx, name); err != nil {
			return fmt.Errorf("delete %s: %w", name, err)
		}
	}
	return nil
}

// clear deletes every namespace in the store.
func (wk *Worker) clear(ctx context.Context) ([]string, error) {
	names, err := wk.cache.Namespaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	cleared := make([]string, 0, len(names))
	for _, name := range names {
		if _, err := wk.cache.DeleteNamespace(ctx, name); err != nil {
			return cleared, fmt.Errorf("delete %s: %w", name, err)
		}
		cleared = append(cleared, name)
	}
	wk.log.Info().Strs("namespaces", cleared).Msg("Cleared all caches")
	return cleared, nil
}
