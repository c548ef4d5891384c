// Provides grid option defaults and their field-by-field merge.

package grid

import (
	"fmt"
	"slices"

	"github.com/maruel/reconsole/internal/models"
)

// Options are the paging and ordering defaults of a grid.
type Options struct {
	// PageSize is the number of rows per page.
	PageSize int `yaml:"page_size" json:"page_size,omitempty"`
	// LengthMenu lists the page sizes offered to the user.
	LengthMenu []int `yaml:"length_menu" json:"length_menu,omitempty"`
	// Order is the initial sort.
	Order []models.SortColumn `yaml:"-" json:"order,omitempty"`
}

// DefaultOptions returns the component defaults.
func DefaultOptions() Options {
	return Options{
		PageSize:   50,
		LengthMenu: []int{10, 50, 100, 200, 500, 1000, 5000},
	}
}

// Merge returns o with every non-zero field of over applied on top.
func (o Options) Merge(over Options) Options {
	out := Options{
		PageSize:   o.PageSize,
		LengthMenu: slices.Clone(o.LengthMenu),
		Order:      slices.Clone(o.Order),
	}
	if over.PageSize != 0 {
		out.PageSize = over.PageSize
	}
	if len(over.LengthMenu) != 0 {
		out.LengthMenu = slices.Clone(over.LengthMenu)
	}
	if over.Order != nil {
		out.Order = slices.Clone(over.Order)
	}
	return out
}

// Validate checks merged options against the column spec.
func (o *Options) Validate(cols []Column) error {
	if o.PageSize <= 0 {
		return fmt.Errorf("page size must be positive, got %d", o.PageSize)
	}
	for _, n := range o.LengthMenu {
		if n <= 0 {
			return fmt.Errorf("length menu entries must be positive, got %d", n)
		}
	}
	return validateOrder(o.Order, cols)
}

// MaxLength returns the largest page size the grid may request.
func (o *Options) MaxLength() int {
	m := o.PageSize
	for _, n := range o.LengthMenu {
		m = max(m, n)
	}
	return m
}

func validateOrder(order []models.SortColumn, cols []Column) error {
	for _, s := range order {
		if s.Column < 0 || s.Column >= len(cols) {
			return fmt.Errorf("order column %d out of range", s.Column)
		}
		if !cols[s.Column].Sortable() {
			return fmt.Errorf("column %q is not sortable", cols[s.Column].Field)
		}
		if err := s.Direction.Validate(); err != nil {
			return err
		}
	}
	return nil
}
