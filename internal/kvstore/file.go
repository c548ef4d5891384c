// Provides a Store persisted as an append-only JSONL log, one file per session.

package kvstore

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/maruel/ksid"
	"github.com/maruel/reconsole/internal/jsonldb"
)

// entry is one write in the session log. The last entry for a key wins.
type entry struct {
	Key     string `json:"k"`
	Value   string `json:"v,omitempty"`
	Deleted bool   `json:"d,omitempty"`
}

func (e *entry) Clone() *entry {
	c := *e
	return &c
}

// compactRatio triggers a rewrite of the log once it holds this many
// entries per live key.
const compactRatio = 4

// File is a Store persisted to <dir>/session-<id>.jsonl. Reopening the same
// session restores its values, so view state survives a process restart
// until End is called.
type File struct {
	session ksid.ID

	mu    sync.RWMutex
	table *jsonldb.Table[*entry]
	m     map[string]string
	ended bool
}

// NewSession creates a store for a brand new session in dir.
func NewSession(dir string) (*File, error) {
	return openFile(dir, ksid.NewID())
}

// ResumeSession reopens the session identified by id in dir. A session
// without a log yet starts empty.
func ResumeSession(dir, id string) (*File, error) {
	session, err := ksid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid session id %q: %w", id, err)
	}
	if session.IsZero() {
		return nil, errors.New("session id must not be zero")
	}
	return openFile(dir, session)
}

func openFile(dir string, session ksid.ID) (*File, error) {
	table, err := jsonldb.NewTable[*entry](sessionPath(dir, session))
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	f := &File{session: session, table: table, m: map[string]string{}}
	for e := range table.All() {
		if e.Deleted {
			delete(f.m, e.Key)
		} else {
			f.m[e.Key] = e.Value
		}
	}
	if n := table.Skipped(); n != 0 {
		slog.Warn("Session log had malformed entries", "session", session.String(), "skipped", n)
	}
	return f, nil
}

func sessionPath(dir string, session ksid.ID) string {
	return filepath.Join(dir, "session-"+session.String()+".jsonl")
}

// Session returns the session identifier.
func (f *File) Session() string {
	return f.session.String()
}

// Get implements Store.
func (f *File) Get(key string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.m[key]
	return v, ok
}

// Set implements Store.
func (f *File) Set(key, value string) error {
	return f.write(&entry{Key: key, Value: value})
}

// Delete implements Store.
func (f *File) Delete(key string) error {
	f.mu.RLock()
	_, ok := f.m[key]
	f.mu.RUnlock()
	if !ok {
		return nil
	}
	return f.write(&entry{Key: key, Deleted: true})
}

func (f *File) write(e *entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ended {
		return errors.New("session has ended")
	}
	if err := f.table.Append(e); err != nil {
		return err
	}
	if e.Deleted {
		delete(f.m, e.Key)
	} else {
		f.m[e.Key] = e.Value
	}
	if f.table.Len() > compactRatio*(len(f.m)+1) {
		return f.compactLocked()
	}
	return nil
}

func (f *File) compactLocked() error {
	rows := make([]*entry, 0, len(f.m))
	for k, v := range f.m {
		rows = append(rows, &entry{Key: k, Value: v})
	}
	return f.table.Replace(rows)
}

// End deletes the session log. The store rejects writes afterwards.
func (f *File) End() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = true
	clear(f.m)
	if err := os.Remove(f.table.Path()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove session log: %w", err)
	}
	return nil
}

// PruneSessions removes every session log in dir except keep. It returns the
// number of removed logs.
func PruneSessions(dir, keep string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	n := 0
	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || !strings.HasPrefix(name, "session-") || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		if keep != "" && name == "session-"+keep+".jsonl" {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
