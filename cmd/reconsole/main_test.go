package main

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/maruel/reconsole/internal/grid"
	"github.com/maruel/reconsole/internal/kvstore"
	"github.com/maruel/reconsole/internal/models"
	"github.com/maruel/reconsole/internal/prefs"
	"github.com/maruel/reconsole/internal/server"
	"github.com/maruel/reconsole/internal/storage"
)

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	content := "# comment\nHTTP=:9090\nSERVER=\"http://example.test:1\"\n\nbroken line\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	env, err := loadDotEnv(dir)
	if err != nil {
		t.Fatal(err)
	}
	if env["HTTP"] != ":9090" || env["SERVER"] != "http://example.test:1" || len(env) != 2 {
		t.Errorf("env = %v", env)
	}
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("A='x'\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := loadDotEnv(dir); err == nil {
		t.Error("single quotes should be rejected")
	}
	if env, err := loadDotEnv(t.TempDir()); err != nil || len(env) != 0 {
		t.Errorf("missing file: %v %v", env, err)
	}
}

func TestParseOrder(t *testing.T) {
	cols := []grid.Column{{Field: "id"}, {Field: "os"}}
	got, err := parseOrder("os:DESC,id", cols)
	if err != nil {
		t.Fatal(err)
	}
	want := []models.SortColumn{{Column: 1, Direction: models.Desc}, {Column: 0, Direction: models.Asc}}
	if !slices.Equal(got, want) {
		t.Errorf("got %v", got)
	}
	for _, s := range []string{"nope:asc", "os:sideways"} {
		if _, err := parseOrder(s, cols); err == nil {
			t.Errorf("%q: expected error", s)
		}
	}
}

func TestParseHexColor(t *testing.T) {
	tests := []struct {
		in      string
		r, g, b uint8
		ok      bool
	}{
		{"#ff8000", 255, 128, 0, true},
		{"#f80", 255, 136, 0, true},
		{"ff8000", 0, 0, 0, false},
		{"#zzzzzz", 0, 0, 0, false},
		{"", 0, 0, 0, false},
	}
	for _, tt := range tests {
		r, g, b, ok := parseHexColor(tt.in)
		if r != tt.r || g != tt.g || b != tt.b || ok != tt.ok {
			t.Errorf("%q = %d %d %d %v", tt.in, r, g, b, ok)
		}
	}
	p := prefs.New(kvstore.NewMemory(), prefs.Defaults{TagColors: map[string]string{"report": "#f00"}})
	if got := colorTags([]string{"report", "x"}, p); got != "\x1b[38;2;255;0;0mreport\x1b[0m, x" {
		t.Errorf("colorTags = %q", got)
	}
}

func newServer(t *testing.T) (*storage.Store, string) {
	t.Helper()
	store, err := storage.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SeedDemo(t.Context()); err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(server.NewRouter(store, &server.Config{}))
	t.Cleanup(srv.Close)
	return store, srv.URL
}

func tagsOf(t *testing.T, store *storage.Store, table string) map[int64][]string {
	t.Helper()
	env, err := store.List(t.Context(), table, "", &models.ListRequest{PageSize: 100})
	if err != nil {
		t.Fatal(err)
	}
	out := map[int64][]string{}
	for _, r := range env.Data {
		id, _ := r.ID()
		out[id] = r.Tags()
	}
	return out
}

func TestCommands(t *testing.T) {
	store, url := newServer(t)
	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		args = append(args[:1:1], append([]string{"-data-dir", dir, "-server", url, "-log-level", "warn"}, args[1:]...)...)
		if err := mainImpl(args); err != nil {
			t.Fatalf("%v: %v", args, err)
		}
	}

	run("tag", "-table", "vulns", "-filter", `Vuln.severity >= "high"`, "-tag", "urgent")
	tags := tagsOf(t, store, "vulns")
	if !slices.Equal(tags[3], []string{"urgent"}) || !slices.Equal(tags[4], []string{"report", "urgent"}) || len(tags[1]) != 0 {
		t.Errorf("vulns = %v", tags)
	}

	run("tag", "-table", "vulns", "-id", "3,4", "-tag", "urgent", "-unset")
	tags = tagsOf(t, store, "vulns")
	if len(tags[3]) != 0 || !slices.Equal(tags[4], []string{"report"}) {
		t.Errorf("vulns = %v", tags)
	}

	run("tag", "-table", "endpoints", "-filter", `Host.address == "192.0.2.10"`, "-tag", "web")
	svc := tagsOf(t, store, "services")
	if !slices.Equal(svc[2], []string{"web"}) || !slices.Equal(svc[3], []string{"web"}) || len(svc[1]) != 0 {
		t.Errorf("services = %v", svc)
	}

	run("comment", "-table", "hosts", "-id", "1", "-text", "jump box")
	env, err := store.List(t.Context(), "hosts", `Host.comment == "jump box"`, &models.ListRequest{PageSize: 10})
	if err != nil {
		t.Fatal(err)
	}
	if env.RecordsFiltered != 1 {
		t.Errorf("comment not saved: %+v", env)
	}

	run("comment", "-table", "services", "-id", "1,4", "-text", "scanned")
	run("comment", "-table", "services", "-filter", `Host.address == "192.0.2.10"`, "-text", "web tier")
	env, err = store.List(t.Context(), "services", `Service.comment is_not_null`, &models.ListRequest{PageSize: 10})
	if err != nil {
		t.Fatal(err)
	}
	comments := map[int64]any{}
	for _, r := range env.Data {
		id, _ := r.ID()
		comments[id] = r["comment"]
	}
	if comments[1] != "scanned" || comments[4] != "scanned" || comments[2] != "web tier" || comments[3] != "web tier" {
		t.Errorf("service comments = %v", comments)
	}

	run("list", "-table", "hosts", "-order", "address:desc", "-length", "2", "-end-session")
	run("schema", "-local")
}

func TestTagErrors(t *testing.T) {
	_, url := newServer(t)
	dir := t.TempDir()
	tests := [][]string{
		{"tag", "-data-dir", dir, "-server", url, "-table", "vulns", "-id", "1"},
		{"tag", "-data-dir", dir, "-server", url, "-table", "vulns", "-tag", "x"},
		{"tag", "-data-dir", dir, "-server", url, "-table", "vulns", "-id", "99", "-tag", "x"},
		{"comment", "-data-dir", dir, "-server", url},
		{"comment", "-data-dir", dir, "-server", url, "-id", "1", "-filter", `Host.os is_null`},
		{"comment", "-data-dir", dir, "-server", url, "-id", "1,99", "-text", "x"},
		{"nope"},
	}
	for _, args := range tests {
		if err := mainImpl(args); err == nil {
			t.Errorf("%v: expected error", args)
		}
	}
}
