// Package viewstate persists per-view table state in the session store so a
// grid can be restored after navigating away and back.
package viewstate

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/maruel/reconsole/internal/kvstore"
	"github.com/maruel/reconsole/internal/models"
)

// keyPrefix namespaces view state records in the session store.
const keyPrefix = "DataTables_"

// Key identifies one view: a grid instance rendered at a path with a query
// string. Two views differing only in query string are distinct.
type Key struct {
	Instance string
	Path     string
	Query    url.Values
}

// ParseKey builds a key from an instance name and a request URI such as
// "/vuln/list?filter=x".
func ParseKey(instance, requestURI string) (Key, error) {
	u, err := url.Parse(requestURI)
	if err != nil {
		return Key{}, fmt.Errorf("invalid view location %q: %w", requestURI, err)
	}
	return Key{Instance: instance, Path: u.Path, Query: u.Query()}, nil
}

// instanceEscaper keeps '_' out of the instance so the first '_' after the
// prefix always separates it from the path.
var instanceEscaper = strings.NewReplacer("%", "%25", "_", "%5F")

// String returns the storage key. The query string is re-encoded so the same
// parameters in a different order map to the same record. The instance and
// the path are escaped so distinct keys never share a record.
func (k Key) String() string {
	var b strings.Builder
	b.WriteString(keyPrefix)
	b.WriteString(instanceEscaper.Replace(k.Instance))
	b.WriteByte('_')
	b.WriteString((&url.URL{Path: k.Path}).EscapedPath())
	if q := k.Query.Encode(); q != "" {
		b.WriteByte('?')
		b.WriteString(q)
	}
	return b.String()
}

// State is the persisted table state of one view.
type State struct {
	Page int `json:"page"`
	// Length is the page size; zero means the grid default.
	Length int                 `json:"length"`
	Order  []models.SortColumn `json:"order,omitempty"`
	Search string              `json:"search,omitempty"`
	// Saved is when the record was written.
	Saved time.Time `json:"saved"`
}

// Default returns the state of a view never seen before.
func Default() State {
	return State{}
}

var errNegative = errors.New("page and length must be non-negative")

// Validate checks a decoded record.
func (s *State) Validate() error {
	if s.Page < 0 || s.Length < 0 {
		return errNegative
	}
	for _, o := range s.Order {
		if o.Column < 0 {
			return fmt.Errorf("invalid order column %d", o.Column)
		}
		if err := o.Direction.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Store reads and writes view state records.
type Store struct {
	kv  kvstore.Store
	now func() time.Time
}

// New returns a Store over kv.
func New(kv kvstore.Store) *Store {
	return &Store{kv: kv, now: time.Now}
}

// Save writes st under key. The last write wins.
func (s *Store) Save(key Key, st State) error {
	st.Saved = s.now().UTC()
	if err := kvstore.SetJSON(s.kv, key.String(), st); err != nil {
		return fmt.Errorf("failed to save view state: %w", err)
	}
	return nil
}

// Load returns the state saved under key, or Default when the record is
// missing or cannot be used.
func (s *Store) Load(key Key) State {
	st := kvstore.GetJSON(s.kv, key.String(), Default())
	if err := st.Validate(); err != nil {
		slog.Debug("Ignoring invalid view state", "key", key.String(), "err", err)
		return Default()
	}
	return st
}

// Delete removes the record saved under key.
func (s *Store) Delete(key Key) error {
	return s.kv.Delete(key.String())
}
