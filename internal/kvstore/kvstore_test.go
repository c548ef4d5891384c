package kvstore

import (
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
)

type point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func TestMemory(t *testing.T) {
	s := NewMemory()
	if _, ok := s.Get("a"); ok {
		t.Fatal("empty store returned a value")
	}
	_ = s.Set("b", "2")
	_ = s.Set("a", "1")
	_ = s.Set("a", "3")
	if v, _ := s.Get("a"); v != "3" {
		t.Errorf("Get(a) = %q, want last write", v)
	}
	if got := s.Keys(); !slices.Equal(got, []string{"a", "b"}) {
		t.Errorf("Keys() = %v", got)
	}
	_ = s.Delete("a")
	_ = s.Delete("missing")
	if _, ok := s.Get("a"); ok {
		t.Error("deleted key still present")
	}
}

func TestMemoryConcurrent(t *testing.T) {
	s := NewMemory()
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				_ = s.Set("k", string(rune('a'+i)))
				s.Get("k")
			}
		}()
	}
	wg.Wait()
	if _, ok := s.Get("k"); !ok {
		t.Error("value lost")
	}
}

func TestJSONHelpers(t *testing.T) {
	s := NewMemory()
	def := point{X: -1}
	tests := []struct {
		name string
		raw  *string
		want point
	}{
		{"missing", nil, def},
		{"malformed", ptr("{not json"), def},
		{"wrong type", ptr(`"a string"`), def},
		{"empty", ptr(""), def},
		{"valid", ptr(`{"x":1,"y":2}`), point{1, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_ = s.Delete("p")
			if tt.raw != nil {
				_ = s.Set("p", *tt.raw)
			}
			if got := GetJSON(s, "p", def); got != tt.want {
				t.Errorf("GetJSON() = %+v, want %+v", got, tt.want)
			}
		})
	}
	if err := SetJSON(s, "p", point{3, 4}); err != nil {
		t.Fatal(err)
	}
	if got := GetJSON(s, "p", def); got != (point{3, 4}) {
		t.Errorf("after SetJSON got %+v", got)
	}
}

func ptr(s string) *string { return &s }

func TestFileSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	f, err := NewSession(dir)
	if err != nil {
		t.Fatal(err)
	}
	_ = f.Set("view", "1")
	_ = f.Set("view", "2")
	_ = f.Set("gone", "x")
	_ = f.Delete("gone")

	g, err := ResumeSession(dir, f.Session())
	if err != nil {
		t.Fatal(err)
	}
	if v, ok := g.Get("view"); !ok || v != "2" {
		t.Errorf("Get(view) = %q, %v", v, ok)
	}
	if _, ok := g.Get("gone"); ok {
		t.Error("deleted key resurrected on reopen")
	}
}

func TestFileCompacts(t *testing.T) {
	dir := t.TempDir()
	f, err := NewSession(dir)
	if err != nil {
		t.Fatal(err)
	}
	for i := range 50 {
		if err := f.Set("k", string(rune('a'+i%26))); err != nil {
			t.Fatal(err)
		}
	}
	if n := f.table.Len(); n > compactRatio*2 {
		t.Errorf("log not compacted: %d entries", n)
	}
	g, err := ResumeSession(dir, f.Session())
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := g.Get("k"); v != string(rune('a'+49%26)) {
		t.Errorf("Get(k) = %q after compaction", v)
	}
}

func TestFileEnd(t *testing.T) {
	dir := t.TempDir()
	f, err := NewSession(dir)
	if err != nil {
		t.Fatal(err)
	}
	_ = f.Set("a", "1")
	if err := f.End(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "session-"+f.Session()+".jsonl")); !os.IsNotExist(err) {
		t.Errorf("session log still present: %v", err)
	}
	if err := f.Set("a", "2"); err == nil {
		t.Error("write after End succeeded")
	}
	g, err := ResumeSession(dir, f.Session())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := g.Get("a"); ok {
		t.Error("ended session still has values")
	}
}

func TestPruneSessions(t *testing.T) {
	dir := t.TempDir()
	a, _ := NewSession(dir)
	b, _ := NewSession(dir)
	_ = a.Set("x", "1")
	_ = b.Set("x", "1")
	if err := os.WriteFile(filepath.Join(dir, "console.yaml"), nil, 0o600); err != nil {
		t.Fatal(err)
	}
	n, err := PruneSessions(dir, b.Session())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("PruneSessions() = %d, want 1", n)
	}
	if _, err := os.Stat(filepath.Join(dir, "console.yaml")); err != nil {
		t.Error("unrelated file removed")
	}
	if _, err := ResumeSession(dir, "not-an-id!"); err == nil {
		t.Error("ResumeSession accepted an invalid id")
	}
}
