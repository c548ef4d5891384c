// Package annotate applies tag and comment mutations to grid rows, either
// on explicit targets or on the selection of a grid.
//
// The engine never patches rows locally: after a successful mutation it
// reloads the grid so the server-normalized state is what gets displayed.
package annotate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/maruel/reconsole/internal/endpoint"
	"github.com/maruel/reconsole/internal/models"
	"github.com/maruel/reconsole/internal/notify"
	"github.com/maruel/reconsole/internal/selection"
)

// Action is the direction of a tag mutation.
type Action string

const (
	// Set adds tags.
	Set Action = "set"
	// Unset removes tags.
	Unset Action = "unset"
)

// Validate checks that the action is known.
func (a Action) Validate() error {
	switch a {
	case Set, Unset:
		return nil
	default:
		return fmt.Errorf("invalid action %q", string(a))
	}
}

// Form field names of the mutation endpoints.
const (
	FieldID      = "id"
	FieldTag     = "tag"
	FieldAction  = "action"
	FieldComment = "comment"
)

// FailedMessage is the notification shown when a mutation fails.
const FailedMessage = "Action failed."

var (
	// ErrNoTargets is returned when a mutation names no row.
	ErrNoTargets = errors.New("no rows selected")
	// ErrNoTags is returned when a tag mutation names no tag.
	ErrNoTags = errors.New("no tag given")
)

// Poster sends a form to a mutation endpoint.
type Poster interface {
	PostForm(ctx context.Context, endpointURL string, form url.Values) (*models.MessageResponse, error)
}

// Reloader redraws a grid from the server.
type Reloader interface {
	Reload(ctx context.Context) error
}

// Mutation is a tag change on explicit rows or host/service endpoints.
type Mutation struct {
	// URL is the mutation endpoint.
	URL string
	// IDs are row identifiers. Ignored when Endpoints is set.
	IDs []int64
	// Endpoints are host or host/service targets.
	Endpoints []endpoint.ID
	Tags      []string
	Action    Action
	// Bulk marks a mutation built from the selection, which is cleared on
	// success.
	Bulk bool
}

// Form returns the request body of m.
func (m *Mutation) Form() (url.Values, error) {
	if err := m.Action.Validate(); err != nil {
		return nil, err
	}
	if len(m.Tags) == 0 {
		return nil, ErrNoTags
	}
	form := url.Values{}
	switch {
	case len(m.Endpoints) != 0:
		for _, id := range m.Endpoints {
			form.Add(endpoint.FormField, endpoint.Encode(id))
		}
	case len(m.IDs) != 0:
		for _, id := range m.IDs {
			form.Add(FieldID, strconv.FormatInt(id, 10))
		}
	default:
		return nil, ErrNoTargets
	}
	form.Set(FieldTag, strings.Join(m.Tags, "\n"))
	form.Set(FieldAction, string(m.Action))
	return form, nil
}

// Engine applies mutations on behalf of one grid.
type Engine struct {
	poster   Poster
	grid     Reloader
	sel      *selection.Set
	notifier notify.Notifier
	// OnClose is called after every successful mutation, typically to
	// dismiss the dialog that started it.
	OnClose func()
}

// New returns an engine posting through p and reloading g. sel may be nil
// when the grid has no selection.
func New(p Poster, g Reloader, sel *selection.Set, n notify.Notifier) *Engine {
	if n == nil {
		n = notify.Log{}
	}
	return &Engine{poster: p, grid: g, sel: sel, notifier: n}
}

// Apply posts m. On success the selection is cleared for bulk mutations and
// the grid reloads. On failure the grid and the selection are left as they
// are and the error is reported through the notifier.
func (e *Engine) Apply(ctx context.Context, m Mutation) error {
	form, err := m.Form()
	if err != nil {
		e.notifier.Notify(ctx, notify.Error, FailedMessage)
		return err
	}
	return e.post(ctx, m.URL, form, m.Bulk)
}

// ApplyToSelection posts a tag mutation on every selected row.
func (e *Engine) ApplyToSelection(ctx context.Context, endpointURL string, action Action, tags ...string) error {
	var ids []int64
	if e.sel != nil {
		ids = e.sel.IDs()
	}
	return e.Apply(ctx, Mutation{URL: endpointURL, IDs: ids, Tags: tags, Action: action, Bulk: true})
}

// Comment replaces the comment of one row. An empty text removes it.
func (e *Engine) Comment(ctx context.Context, endpointURL string, id int64, text string) error {
	return e.post(ctx, endpointURL, commentForm([]int64{id}, text), false)
}

// CommentSelection replaces the comment of every selected row. The
// selection is cleared on success.
func (e *Engine) CommentSelection(ctx context.Context, endpointURL, text string) error {
	var ids []int64
	if e.sel != nil {
		ids = e.sel.IDs()
	}
	if len(ids) == 0 {
		e.notifier.Notify(ctx, notify.Error, FailedMessage)
		return ErrNoTargets
	}
	return e.post(ctx, endpointURL, commentForm(ids, text), true)
}

func commentForm(ids []int64, text string) url.Values {
	form := url.Values{}
	for _, id := range ids {
		form.Add(FieldID, strconv.FormatInt(id, 10))
	}
	form.Set(FieldComment, text)
	return form
}

func (e *Engine) post(ctx context.Context, endpointURL string, form url.Values, bulk bool) error {
	resp, err := e.poster.PostForm(ctx, endpointURL, form)
	if err != nil && !models.IsTagUnchanged(err) {
		slog.WarnContext(ctx, "Mutation failed", "url", endpointURL, "err", err)
		e.notifier.Notify(ctx, notify.Error, FailedMessage)
		return err
	}
	if resp != nil {
		slog.DebugContext(ctx, "Mutation applied", "url", endpointURL, "msg", resp.Message)
	}
	if e.OnClose != nil {
		e.OnClose()
	}
	if bulk && e.sel != nil {
		e.sel.Clear()
	}
	if e.grid != nil {
		// A failed reload is reported by the grid itself; the mutation
		// succeeded regardless.
		if err := e.grid.Reload(ctx); err != nil {
			slog.DebugContext(ctx, "Reload after mutation did not complete", "err", err)
		}
	}
	return nil
}
