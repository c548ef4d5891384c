package prefs

import (
	"testing"

	"github.com/maruel/reconsole/internal/kvstore"
)

func newPrefs() (*Prefs, *kvstore.Memory) {
	kv := kvstore.NewMemory()
	return New(kv, Defaults{
		TagColors: map[string]string{"report": "#f00", "todo": "#ff0"},
		Toolbar:   map[string]bool{"filter": true, "tags": true},
	}), kv
}

func TestTagColors(t *testing.T) {
	p, _ := newPrefs()
	if got := p.TagColor("Report"); got != "#f00" {
		t.Errorf("default = %q", got)
	}
	if err := p.SetTagColor(" Report ", "#00f"); err != nil {
		t.Fatal(err)
	}
	if err := p.SetTagColor("prod", "#0f0"); err != nil {
		t.Fatal(err)
	}
	c := p.TagColors()
	if c["report"] != "#00f" || c["prod"] != "#0f0" || c["todo"] != "#ff0" {
		t.Errorf("colours = %v", c)
	}
	if err := p.SetTagColor("report", ""); err != nil {
		t.Fatal(err)
	}
	if got := p.TagColor("report"); got != "#f00" {
		t.Errorf("reverted = %q", got)
	}
	if got := p.TagColor("nope"); got != "" {
		t.Errorf("unknown = %q", got)
	}
}

func TestToolbar(t *testing.T) {
	p, _ := newPrefs()
	if !p.ToolbarVisible("tags") || !p.ToolbarVisible("unknown") {
		t.Fatal("defaults should be visible")
	}
	if err := p.SetToolbar("tags", false); err != nil {
		t.Fatal(err)
	}
	if p.ToolbarVisible("tags") || !p.ToolbarVisible("filter") {
		t.Errorf("toolbar = %v", p.Toolbar())
	}
	if err := p.Reset(); err != nil {
		t.Fatal(err)
	}
	if !p.ToolbarVisible("tags") {
		t.Error("reset should restore defaults")
	}
}

func TestMalformedFallsBack(t *testing.T) {
	p, kv := newPrefs()
	if err := kv.Set(keyTagColors, "{not json"); err != nil {
		t.Fatal(err)
	}
	if err := kv.Set(keyToolbar, `["tags"]`); err != nil {
		t.Fatal(err)
	}
	if got := p.TagColor("todo"); got != "#ff0" {
		t.Errorf("colour = %q", got)
	}
	if !p.ToolbarVisible("tags") {
		t.Error("malformed toolbar should yield defaults")
	}
	// Writing over a malformed entry replaces it.
	if err := p.SetTagColor("x", "#123"); err != nil {
		t.Fatal(err)
	}
	if got := p.TagColor("x"); got != "#123" {
		t.Errorf("colour = %q", got)
	}
}

func TestDefaultsNotMutated(t *testing.T) {
	p, _ := newPrefs()
	c := p.TagColors()
	c["report"] = "#000"
	if got := p.TagColor("report"); got != "#f00" {
		t.Errorf("defaults mutated: %q", got)
	}
}
