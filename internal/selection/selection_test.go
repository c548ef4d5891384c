package selection

import (
	"slices"
	"testing"
)

type page []int64

func (p *page) PageIDs() []int64 { return *p }

func TestToggle(t *testing.T) {
	p := page{1, 2, 3}
	s := New(&p)
	if !s.Toggle(2) {
		t.Error("Toggle(2) did not select")
	}
	if s.Toggle(99) {
		t.Error("Toggle accepted an id not on the page")
	}
	if !s.Has(2) || s.Has(99) || s.Len() != 1 {
		t.Errorf("IDs() = %v", s.IDs())
	}
	if s.Toggle(2) {
		t.Error("second Toggle(2) did not deselect")
	}
	if s.Len() != 0 {
		t.Errorf("IDs() = %v", s.IDs())
	}
}

func TestSelectAllIsCurrentPage(t *testing.T) {
	p := page{3, 1, 2}
	s := New(&p)
	s.SelectAll()
	p = page{4, 5}
	s.Toggle(4)
	if got := s.IDs(); !slices.Equal(got, []int64{1, 2, 3, 4}) {
		t.Errorf("IDs() = %v", got)
	}
	s.Clear()
	if s.Len() != 0 {
		t.Error("Clear() kept ids")
	}
	s.SelectIDs([]int64{10, 7, 10})
	if got := s.IDs(); !slices.Equal(got, []int64{7, 10}) {
		t.Errorf("SelectIDs: IDs() = %v", got)
	}
}
