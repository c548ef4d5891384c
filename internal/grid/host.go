// Provides the scoped lifecycle of the grid shown in one view.

package grid

import (
	"context"
	"log/slog"
	"sync"
)

// Host owns the grid of one view slot. Mounting a different query destroys
// the current grid and creates a new one; grids are never reconfigured in
// place.
type Host struct {
	deps     Deps
	defaults Options

	mu  sync.Mutex
	cur *Grid
}

// NewHost returns a Host creating grids with deps. defaults override the
// component defaults and are in turn overridden by each Spec.
func NewHost(deps Deps, defaults Options) *Host {
	return &Host{deps: deps, defaults: defaults}
}

// Mount returns the grid for spec, fetching its first page. The current
// grid is reused only when it serves the same query: same key, endpoint,
// columns (Render aside) and merged options. A failed first fetch is
// reported through the notifier and does not fail Mount.
func (h *Host) Mount(ctx context.Context, spec Spec) (*Grid, error) {
	h.mu.Lock()
	if h.cur != nil && !h.cur.Destroyed() && h.cur.serves(&spec, h.defaults) {
		g := h.cur
		h.mu.Unlock()
		return g, nil
	}
	if h.cur != nil {
		h.cur.Destroy()
		h.cur = nil
	}
	g, err := newGrid(&spec, h.defaults, h.deps)
	if err != nil {
		h.mu.Unlock()
		return nil, err
	}
	h.cur = g
	h.mu.Unlock()

	slog.DebugContext(ctx, "Mounted grid", "key", spec.Key.String())
	if err := g.Reload(ctx); err != nil {
		slog.DebugContext(ctx, "Initial fetch did not complete", "key", spec.Key.String(), "err", err)
	}
	return g, nil
}

// Unmount destroys the current grid, if any.
func (h *Host) Unmount() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cur != nil {
		h.cur.Destroy()
		h.cur = nil
	}
}

// Current returns the mounted grid or nil.
func (h *Host) Current() *Grid {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cur
}

// SetDefaults replaces the defaults used by grids mounted afterwards.
func (h *Host) SetDefaults(defaults Options) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.defaults = defaults
}
