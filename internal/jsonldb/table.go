// Package jsonldb stores tables as JSON Lines files with an in-memory copy.
//
// Every row is one line of JSON. Appends are O(1) on disk; Replace and
// Modify rewrite the file through a temporary file and a rename so a crash
// never leaves a half-written table.
package jsonldb

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Cloner is implemented by types that can clone themselves.
type Cloner[T any] interface {
	Clone() T
}

// Table handles storage and in-memory caching for a single table in JSONL format.
type Table[T Cloner[T]] struct {
	path string
	mu   sync.RWMutex

	rows []T
	// skipped counts malformed lines ignored by the last load.
	skipped int
}

// NewTable creates a new Table and loads all data from the file.
func NewTable[T Cloner[T]](path string) (*Table[T], error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil { //nolint:gosec // G301: data directories are shared with the operator
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	t := &Table[T]{path: path}
	if err := t.load(); err != nil {
		return nil, err
	}
	return t, nil
}

// Path returns the backing file path.
func (t *Table[T]) Path() string {
	return t.path
}

// Len returns the number of rows.
func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

// Skipped returns how many malformed lines were ignored when loading.
func (t *Table[T]) Skipped() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.skipped
}

func (t *Table[T]) load() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			t.rows = []T{}
			return nil
		}
		return fmt.Errorf("failed to open table file %s: %w", t.path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	var rows []T
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		b := bytes.TrimSpace(scanner.Bytes())
		if len(b) == 0 {
			continue
		}
		var row T
		if err := json.Unmarshal(b, &row); err != nil {
			// A torn trailing write or a hand edit must not make the whole
			// table unreadable.
			slog.Warn("Skipping malformed row", "path", t.path, "line", line, "err", err)
			t.skipped++
			continue
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read table file %s: %w", t.path, err)
	}
	if rows == nil {
		rows = []T{}
	}
	t.rows = rows
	return nil
}

// All returns an iterator over clones of all rows.
func (t *Table[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		t.mu.RLock()
		defer t.mu.RUnlock()
		for _, row := range t.rows {
			if !yield(row.Clone()) {
				return
			}
		}
	}
}

// Append adds a new row to the table and persists it.
func (t *Table[T]) Append(row T) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to marshal row: %w", err)
	}
	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open table file for append: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write row: %w", err)
	}
	t.rows = append(t.rows, row.Clone())
	return nil
}

// Replace replaces all rows with the provided slice and persists it.
func (t *Table[T]) Replace(rows []T) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.replaceLocked(rows)
}

// Modify calls fn with the current rows under the write lock and persists
// the slice it returns. fn may modify rows in place. Nothing is written when
// fn returns an error.
func (t *Table[T]) Modify(fn func(rows []T) ([]T, error)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	rows, err := fn(t.rows)
	if err != nil {
		return err
	}
	return t.replaceLocked(rows)
}

func (t *Table[T]) replaceLocked(rows []T) error {
	var buf bytes.Buffer
	for _, row := range rows {
		data, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("failed to marshal row: %w", err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to write table file: %w", err)
	}
	if err := os.Rename(tmp, t.path); err != nil {
		return fmt.Errorf("failed to replace table file: %w", err)
	}
	t.rows = rows
	t.skipped = 0
	return nil
}
