// Package prefs keeps the display preferences of a session: the colour of
// each tag and which toolbar elements are shown.
//
// Stored values are merged over the configured defaults; a missing or
// malformed entry yields the defaults.
package prefs

import (
	"maps"
	"strings"

	"github.com/maruel/reconsole/internal/kvstore"
)

const (
	keyTagColors = "tagColors"
	keyToolbar   = "toolbar"
)

// Defaults are the values used when the session holds none.
type Defaults struct {
	TagColors map[string]string
	Toolbar   map[string]bool
}

// Prefs reads and writes preferences in a session store.
type Prefs struct {
	kv  kvstore.Store
	def Defaults
}

// New returns preferences over kv.
func New(kv kvstore.Store, def Defaults) *Prefs {
	return &Prefs{kv: kv, def: def}
}

// TagColors returns the colour of every known tag.
func (p *Prefs) TagColors() map[string]string {
	out := maps.Clone(p.def.TagColors)
	if out == nil {
		out = map[string]string{}
	}
	maps.Copy(out, kvstore.GetJSON[map[string]string](p.kv, keyTagColors, nil))
	return out
}

// TagColor returns the colour of tag, or "" when it has none.
func (p *Prefs) TagColor(tag string) string {
	return p.TagColors()[normalize(tag)]
}

// SetTagColor sets the colour of tag. An empty colour reverts to the
// default.
func (p *Prefs) SetTagColor(tag, color string) error {
	m := kvstore.GetJSON[map[string]string](p.kv, keyTagColors, nil)
	if m == nil {
		m = map[string]string{}
	}
	if color == "" {
		delete(m, normalize(tag))
	} else {
		m[normalize(tag)] = color
	}
	return kvstore.SetJSON(p.kv, keyTagColors, m)
}

// Toolbar returns the visibility of every toolbar element.
func (p *Prefs) Toolbar() map[string]bool {
	out := maps.Clone(p.def.Toolbar)
	if out == nil {
		out = map[string]bool{}
	}
	maps.Copy(out, kvstore.GetJSON[map[string]bool](p.kv, keyToolbar, nil))
	return out
}

// ToolbarVisible reports whether the named element is shown. Unknown
// elements are shown.
func (p *Prefs) ToolbarVisible(name string) bool {
	v, ok := p.Toolbar()[name]
	return !ok || v
}

// SetToolbar shows or hides a toolbar element.
func (p *Prefs) SetToolbar(name string, visible bool) error {
	m := kvstore.GetJSON[map[string]bool](p.kv, keyToolbar, nil)
	if m == nil {
		m = map[string]bool{}
	}
	m[name] = visible
	return kvstore.SetJSON(p.kv, keyToolbar, m)
}

// Reset drops every stored preference.
func (p *Prefs) Reset() error {
	if err := p.kv.Delete(keyTagColors); err != nil {
		return err
	}
	return p.kv.Delete(keyToolbar)
}

func normalize(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}
