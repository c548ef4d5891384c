// Reconciles the flat and structured filter forms carried in a URL.

package filter

import (
	"log/slog"
	"net/url"
)

const (
	// ParamFilter carries a flat filter expression.
	ParamFilter = "filter"
	// ParamJSONFilter carries a serialized rule-tree.
	ParamJSONFilter = "jsonfilter"
)

// Model is the single source of truth for which subset of rows a view
// requests. It holds either a flat expression or a rule-tree and always
// reconciles to exactly one flat expression.
type Model struct {
	flat    string
	tree    Group
	hasTree bool
}

// Flat returns a model holding a flat expression.
func Flat(expr string) Model {
	return Model{flat: expr}
}

// Tree returns a model holding a rule-tree.
func Tree(g Group) Model {
	return Model{tree: g, hasTree: true}
}

// FromValues reads the model from URL query values. A flat "filter"
// parameter wins over "jsonfilter" when both are present; a corrupt
// "jsonfilter" decodes to the empty group.
func FromValues(v url.Values) Model {
	if v.Has(ParamFilter) {
		return Flat(v.Get(ParamFilter))
	}
	if v.Has(ParamJSONFilter) {
		return Tree(Parse(v.Get(ParamJSONFilter)))
	}
	return Model{}
}

// Expression returns the canonical flat expression sent to the server.
func (m Model) Expression() string {
	if m.hasTree {
		return ToFlatExpression(m.tree)
	}
	return m.flat
}

// Group returns the rule-tree form. A flat expression that does not parse
// yields the empty group; the flat text is still what Expression returns,
// the server being the authority on its grammar.
func (m Model) Group() Group {
	if m.hasTree {
		return m.tree
	}
	g, err := ParseExpression(m.flat)
	if err != nil {
		slog.Debug("Flat filter does not convert to a rule tree", "err", err)
		return Empty()
	}
	return g
}

// IsEmpty reports whether the model filters nothing out.
func (m Model) IsEmpty() bool {
	return m.Expression() == ""
}

// ApplyToURL stores g in u's query string as "jsonfilter", replacing any
// flat filter. An empty group is still written: it is a filter that happens
// to match everything, distinct from having no filter parameter.
func ApplyToURL(u *url.URL, g Group) {
	q := u.Query()
	q.Del(ParamFilter)
	q.Set(ParamJSONFilter, Serialize(g))
	u.RawQuery = q.Encode()
}

// ApplyFlatToURL stores a flat expression in u's query string, replacing
// any rule-tree.
func ApplyFlatToURL(u *url.URL, expr string) {
	q := u.Query()
	q.Del(ParamJSONFilter)
	q.Set(ParamFilter, expr)
	u.RawQuery = q.Encode()
}

// ClearFromURL removes both filter parameters from u.
func ClearFromURL(u *url.URL) {
	q := u.Query()
	q.Del(ParamFilter)
	q.Del(ParamJSONFilter)
	u.RawQuery = q.Encode()
}
