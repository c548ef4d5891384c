// Package selection tracks the rows picked for a bulk operation in one grid.
package selection

import (
	"maps"
	"slices"
	"sync"
)

// PageSource returns the ids of the rows currently displayed.
type PageSource interface {
	PageIDs() []int64
}

// Set is the selection of one grid instance. It is never persisted and is
// cleared whenever the grid reloads successfully.
type Set struct {
	src PageSource

	mu  sync.Mutex
	ids map[int64]struct{}
}

// New returns an empty selection bound to the rows shown by src.
func New(src PageSource) *Set {
	return &Set{src: src, ids: map[int64]struct{}{}}
}

// Toggle flips the selection of id. Ids not on the current page are ignored;
// it reports whether id is selected afterwards.
func (s *Set) Toggle(id int64) bool {
	if !slices.Contains(s.src.PageIDs(), id) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		delete(s.ids, id)
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

// SelectAll selects every row on the current page. Rows on other pages are
// not selected; use SelectIDs with the grid's filtered ids for that.
func (s *Set) SelectAll() {
	page := s.src.PageIDs()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range page {
		s.ids[id] = struct{}{}
	}
}

// SelectIDs adds ids regardless of the current page.
func (s *Set) SelectIDs(ids []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.ids[id] = struct{}{}
	}
}

// Clear empties the selection.
func (s *Set) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.ids)
}

// Has reports whether id is selected.
func (s *Set) Has(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

// IDs returns the selected ids in ascending order.
func (s *Set) IDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.ids))
}

// Len returns the number of selected rows.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}
