package jsonldb

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

type testRow struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

func (r *testRow) Clone() *testRow {
	c := *r
	return &c
}

func names(tbl *Table[*testRow]) []string {
	var out []string
	for r := range tbl.All() {
		out = append(out, r.Name)
	}
	return out
}

func TestTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "test.jsonl")

	table, err := NewTable[*testRow](path)
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	if table.Len() != 0 {
		t.Fatalf("new table has %d rows", table.Len())
	}

	for _, r := range []*testRow{{ID: 1, Name: "One"}, {ID: 2, Name: "Two"}} {
		if err := table.Append(r); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	if got := names(table); !slices.Equal(got, []string{"One", "Two"}) {
		t.Errorf("All() = %v", got)
	}

	t.Run("reload", func(t *testing.T) {
		table2, err := NewTable[*testRow](path)
		if err != nil {
			t.Fatalf("re-loading table failed: %v", err)
		}
		if got := names(table2); !slices.Equal(got, []string{"One", "Two"}) {
			t.Errorf("re-loaded data mismatch: %v", got)
		}
	})

	t.Run("clones are detached", func(t *testing.T) {
		for r := range table.All() {
			r.Name = "changed"
		}
		if got := names(table); !slices.Equal(got, []string{"One", "Two"}) {
			t.Errorf("mutating a clone leaked into the table: %v", got)
		}
	})

	t.Run("replace", func(t *testing.T) {
		if err := table.Replace([]*testRow{{ID: 3, Name: "Three"}}); err != nil {
			t.Fatalf("Replace failed: %v", err)
		}
		table3, err := NewTable[*testRow](path)
		if err != nil {
			t.Fatal(err)
		}
		if got := names(table3); !slices.Equal(got, []string{"Three"}) {
			t.Errorf("Replace failed to update file: %v", got)
		}
	})

	t.Run("modify", func(t *testing.T) {
		err := table.Modify(func(rows []*testRow) ([]*testRow, error) {
			rows[0].Name = "Drei"
			return append(rows, &testRow{ID: 4, Name: "Four"}), nil
		})
		if err != nil {
			t.Fatal(err)
		}
		if got := names(table); !slices.Equal(got, []string{"Drei", "Four"}) {
			t.Errorf("Modify() rows = %v", got)
		}
		errBoom := errors.New("boom")
		err = table.Modify(func(rows []*testRow) ([]*testRow, error) {
			return nil, errBoom
		})
		if !errors.Is(err, errBoom) {
			t.Errorf("Modify() err = %v", err)
		}
		if table.Len() != 2 {
			t.Errorf("failed Modify changed the table")
		}
	})
}

func TestTableSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.jsonl")
	data := "{\"id\":1,\"name\":\"ok\"}\nnot json\n\n{\"id\":2,\"name\":\"also ok\"}\n{\"id\":3,\"na"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	table, err := NewTable[*testRow](path)
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	if got := names(table); !slices.Equal(got, []string{"ok", "also ok"}) {
		t.Errorf("rows = %v", got)
	}
	if table.Skipped() != 2 {
		t.Errorf("Skipped() = %d, want 2", table.Skipped())
	}
}
