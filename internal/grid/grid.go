// Package grid implements the server-driven tabular dataset component.
//
// A Grid delegates paging, ordering, search and filtering to a list
// endpoint. Each fetch carries a fresh draw token and only the response to
// the latest token is accepted. Grid state is persisted per view through the
// viewstate package so a remounted view resumes where it was left.
package grid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"sync"

	"github.com/maruel/reconsole/internal/filter"
	"github.com/maruel/reconsole/internal/models"
	"github.com/maruel/reconsole/internal/notify"
	"github.com/maruel/reconsole/internal/selection"
	"github.com/maruel/reconsole/internal/viewstate"
)

// FetchErrorMessage is the notification shown when a fetch fails.
const FetchErrorMessage = "Error while fetching data."

var (
	// ErrDestroyed is returned by operations on a destroyed grid.
	ErrDestroyed = errors.New("grid destroyed")
	// ErrStale is returned by a fetch superseded by a newer one. Its result
	// was discarded.
	ErrStale = errors.New("stale response discarded")
	// ErrNoIdentity is returned by FilteredIDs when the grid has no "id"
	// column.
	ErrNoIdentity = errors.New("grid has no identity column")
)

// Fetcher retrieves one page from a list endpoint.
type Fetcher interface {
	Fetch(ctx context.Context, req models.RequestDescriptor) (*models.ResponseEnvelope, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req models.RequestDescriptor) (*models.ResponseEnvelope, error)

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req models.RequestDescriptor) (*models.ResponseEnvelope, error) {
	return f(ctx, req)
}

// Deps are the collaborators shared by every grid of a Host.
type Deps struct {
	Fetcher  Fetcher
	Notifier notify.Notifier
	// States persists view state. When nil, state is not persisted.
	States *viewstate.Store
}

// Spec describes the query a grid represents.
type Spec struct {
	// Key identifies the view. Its query string also carries the filter.
	Key viewstate.Key
	// Endpoint is the list endpoint URL.
	Endpoint string
	Columns  []Column
	// Options override the host defaults field by field.
	Options Options
}

// Grid is one instance of the tabular dataset component. It is created by
// Host.Mount and must not be reconfigured; a different query gets a new
// Grid.
type Grid struct {
	key      viewstate.Key
	baseURL  string
	endpoint string
	filter   string
	columns  []Column
	fields   []string
	idCol    int
	opts     Options
	deps     Deps
	sel      *selection.Set

	mu              sync.Mutex
	drawToken       int64
	state           viewstate.State
	rows            []models.Row
	recordsTotal    int
	recordsFiltered int
	loaded          bool
	destroyed       bool
}

func newGrid(spec *Spec, defaults Options, deps Deps) (*Grid, error) {
	if deps.Fetcher == nil {
		return nil, errors.New("grid requires a fetcher")
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Log{}
	}
	if err := ValidateColumns(spec.Columns); err != nil {
		return nil, err
	}
	opts := DefaultOptions().Merge(defaults).Merge(spec.Options)
	if err := opts.Validate(spec.Columns); err != nil {
		return nil, err
	}
	endpoint, err := endpointURL(spec.Endpoint, spec.Key.Query)
	if err != nil {
		return nil, err
	}
	g := &Grid{
		key:      spec.Key,
		baseURL:  spec.Endpoint,
		endpoint: endpoint,
		filter:   filter.FromValues(spec.Key.Query).Expression(),
		columns:  slices.Clone(spec.Columns),
		idCol:    identityColumn(spec.Columns),
		opts:     opts,
		deps:     deps,
	}
	for i := range g.columns {
		g.fields = append(g.fields, g.columns[i].Field)
	}
	g.sel = selection.New(g)
	if deps.States != nil {
		st := deps.States.Load(spec.Key)
		if err := validateOrder(st.Order, g.columns); err != nil {
			slog.Debug("Dropping saved order", "key", spec.Key.String(), "err", err)
			st.Order = nil
		}
		g.state = st
	}
	return g, nil
}

// serves reports whether g was built for the same query as spec would be
// under defaults.
func (g *Grid) serves(spec *Spec, defaults Options) bool {
	if g.key.String() != spec.Key.String() || g.baseURL != spec.Endpoint {
		return false
	}
	if !slices.EqualFunc(g.columns, spec.Columns, func(a, b Column) bool {
		return a.Field == b.Field && a.Title == b.Title && a.Hidden == b.Hidden && a.Unsortable == b.Unsortable
	}) {
		return false
	}
	opts := DefaultOptions().Merge(defaults).Merge(spec.Options)
	return opts.PageSize == g.opts.PageSize && slices.Equal(opts.LengthMenu, g.opts.LengthMenu) && slices.Equal(opts.Order, g.opts.Order)
}

// endpointURL returns base with the view query string appended, minus the
// filter parameters which travel separately as the canonical expression.
func endpointURL(base string, query url.Values) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", base, err)
	}
	q := u.Query()
	for k, vs := range query {
		if k == filter.ParamFilter || k == filter.ParamJSONFilter {
			continue
		}
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Key returns the view key of the grid.
func (g *Grid) Key() viewstate.Key {
	return g.key
}

// Columns returns the column spec.
func (g *Grid) Columns() []Column {
	return slices.Clone(g.columns)
}

// Options returns the merged options.
func (g *Grid) Options() Options {
	return Options{}.Merge(g.opts)
}

// Filter returns the flat filter expression sent with every request.
func (g *Grid) Filter() string {
	return g.filter
}

// Selection returns the selection set bound to the current page.
func (g *Grid) Selection() *selection.Set {
	return g.sel
}

// State returns the current view state.
func (g *Grid) State() viewstate.State {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.state
	st.Order = slices.Clone(st.Order)
	return st
}

// Length returns the effective page size.
func (g *Grid) Length() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lengthLocked()
}

func (g *Grid) lengthLocked() int {
	return g.lengthOf(&g.state)
}

func (g *Grid) lengthOf(st *viewstate.State) int {
	if st.Length > 0 {
		return st.Length
	}
	return g.opts.PageSize
}

// Rows returns the rows of the last accepted response.
func (g *Grid) Rows() []models.Row {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]models.Row, len(g.rows))
	for i, r := range g.rows {
		out[i] = r.Clone()
	}
	return out
}

// PageIDs returns the ids of the rows on the current page.
func (g *Grid) PageIDs() []int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]int64, 0, len(g.rows))
	for _, r := range g.rows {
		if id, ok := r.ID(); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// Records returns the total and filtered record counts of the last accepted
// response.
func (g *Grid) Records() (total, filtered int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.recordsTotal, g.recordsFiltered
}

// PagingVisible reports whether pagination controls are shown. They are
// hidden until a response arrives and whenever the result fits on one page.
func (g *Grid) PagingVisible() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.loaded && g.recordsFiltered > g.lengthLocked()
}

// Draw returns the latest issued draw token.
func (g *Grid) Draw() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.drawToken
}

// Destroyed reports whether Destroy was called.
func (g *Grid) Destroyed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.destroyed
}

// Destroy releases the grid. Responses still in flight are discarded.
func (g *Grid) Destroy() {
	g.mu.Lock()
	g.destroyed = true
	g.rows = nil
	g.mu.Unlock()
	g.sel.Clear()
}

// orderOf returns the order sent to the server for st: its saved or the
// default order followed by the identity tie-break.
func (g *Grid) orderOf(st *viewstate.State) []models.SortColumn {
	order := g.opts.Order
	if st.Order != nil {
		order = st.Order
	}
	order = slices.Clone(order)
	if g.idCol >= 0 && !slices.ContainsFunc(order, func(s models.SortColumn) bool { return s.Column == g.idCol }) {
		order = append(order, models.SortColumn{Column: g.idCol, Direction: models.Asc})
	}
	return order
}

func (g *Grid) descriptor(draw int64, st *viewstate.State, page, pageSize int) models.RequestDescriptor {
	return models.RequestDescriptor{
		EndpointURL: g.endpoint,
		Filter:      g.filter,
		ListRequest: models.ListRequest{
			Draw:     draw,
			Page:     page,
			PageSize: pageSize,
			Order:    g.orderOf(st),
			Search:   st.Search,
			Columns:  slices.Clone(g.fields),
		},
	}
}

// Reload re-issues the current request without changing page, order, search
// or filter. On failure the previous rows stay in place and the error is
// reported through the notifier.
func (g *Grid) Reload(ctx context.Context) error {
	return g.redraw(ctx, nil)
}

// redraw fetches the page of the current state, modified by next when it is
// not nil. The new state is committed and persisted only once the response
// is accepted, so State always describes the rows shown.
func (g *Grid) redraw(ctx context.Context, next func(st *viewstate.State) error) error {
	g.mu.Lock()
	if g.destroyed {
		g.mu.Unlock()
		return ErrDestroyed
	}
	st := g.state
	st.Order = slices.Clone(st.Order)
	if next != nil {
		if err := next(&st); err != nil {
			g.mu.Unlock()
			return err
		}
	}
	g.drawToken++
	req := g.descriptor(g.drawToken, &st, st.Page, g.lengthOf(&st))
	g.mu.Unlock()

	env, err := g.deps.Fetcher.Fetch(ctx, req)
	if err == nil {
		err = env.Validate(req.PageSize)
	}

	g.mu.Lock()
	if g.destroyed {
		g.mu.Unlock()
		return ErrDestroyed
	}
	if req.Draw != g.drawToken || (err == nil && env.Draw != req.Draw) {
		g.mu.Unlock()
		slog.DebugContext(ctx, "Discarding stale response", "key", g.key.String(), "draw", req.Draw)
		return ErrStale
	}
	if err != nil {
		g.mu.Unlock()
		slog.WarnContext(ctx, "Fetch failed", "key", g.key.String(), "draw", req.Draw, "err", err)
		g.deps.Notifier.Notify(ctx, notify.Error, FetchErrorMessage)
		return err
	}
	g.state = st
	g.rows = env.Data
	g.recordsTotal = env.RecordsTotal
	g.recordsFiltered = env.RecordsFiltered
	g.loaded = true
	g.mu.Unlock()

	g.sel.Clear()
	g.persist(st)
	return nil
}

func (g *Grid) persist(st viewstate.State) {
	if g.deps.States == nil {
		return
	}
	if err := g.deps.States.Save(g.key, st); err != nil {
		slog.Warn("Failed to persist view state", "key", g.key.String(), "err", err)
	}
}

// SetPage moves to the zero-based page.
func (g *Grid) SetPage(ctx context.Context, page int) error {
	return g.redraw(ctx, func(st *viewstate.State) error {
		if page < 0 {
			return fmt.Errorf("invalid page %d", page)
		}
		st.Page = page
		return nil
	})
}

// SetLength changes the page size, keeping the first displayed row on the
// new page.
func (g *Grid) SetLength(ctx context.Context, length int) error {
	return g.redraw(ctx, func(st *viewstate.State) error {
		if length <= 0 {
			return fmt.Errorf("invalid page length %d", length)
		}
		old := st.Length
		if old <= 0 {
			old = g.opts.PageSize
		}
		st.Page = st.Page * old / length
		st.Length = length
		return nil
	})
}

// SetOrder replaces the sort order and returns to the first page. A nil
// order restores the default order.
func (g *Grid) SetOrder(ctx context.Context, order []models.SortColumn) error {
	return g.redraw(ctx, func(st *viewstate.State) error {
		if err := validateOrder(order, g.columns); err != nil {
			return err
		}
		st.Order = slices.Clone(order)
		st.Page = 0
		return nil
	})
}

// Search sets the global search term and returns to the first page.
func (g *Grid) Search(ctx context.Context, term string) error {
	return g.redraw(ctx, func(st *viewstate.State) error {
		st.Search = term
		st.Page = 0
		return nil
	})
}

// FilteredIDs pages through every row matching the current filter and
// search, in the grid order, and returns each id once. It does not change
// the displayed page or the draw token sequence.
func (g *Grid) FilteredIDs(ctx context.Context) ([]int64, error) {
	g.mu.Lock()
	if g.destroyed {
		g.mu.Unlock()
		return nil, ErrDestroyed
	}
	if g.idCol < 0 {
		g.mu.Unlock()
		return nil, ErrNoIdentity
	}
	size := g.opts.MaxLength()
	first := g.descriptor(0, &g.state, 0, size)
	g.mu.Unlock()

	var ids []int64
	seen := map[int64]struct{}{}
	for page := 0; ; page++ {
		req := first
		req.Page = page
		req.Order = slices.Clone(first.Order)
		req.Columns = slices.Clone(first.Columns)
		env, err := g.deps.Fetcher.Fetch(ctx, req)
		if err == nil {
			err = env.Validate(size)
		}
		if err != nil {
			return nil, err
		}
		for _, r := range env.Data {
			id, ok := r.ID()
			if !ok {
				continue
			}
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
		if len(env.Data) < size || (page+1)*size >= env.RecordsFiltered {
			return ids, nil
		}
	}
}
