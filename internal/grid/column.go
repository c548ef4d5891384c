// Provides the declarative column definitions of a grid.

package grid

import (
	"errors"
	"fmt"
	"strings"

	"github.com/maruel/reconsole/internal/models"
	"github.com/spf13/cast"
)

// Column describes one grid column.
type Column struct {
	// Field is the row key displayed in the column. It is unique in a grid.
	Field string
	Title string
	// Hidden columns are requested but not displayed.
	Hidden bool
	// Unsortable columns cannot be used in the order.
	Unsortable bool
	// Render formats the cell. When nil the value is printed as text.
	Render func(value any, row models.Row) string
}

// Visible reports whether the column is displayed.
func (c *Column) Visible() bool {
	return !c.Hidden
}

// Sortable reports whether the column can be ordered on.
func (c *Column) Sortable() bool {
	return !c.Unsortable
}

// Cell renders the column value of row.
func (c *Column) Cell(row models.Row) string {
	v := row[c.Field]
	if c.Render != nil {
		return c.Render(v, row)
	}
	if v == nil {
		return ""
	}
	switch v.(type) {
	case []any, []string:
		return strings.Join(cast.ToStringSlice(v), ", ")
	}
	return cast.ToString(v)
}

var errNoColumns = errors.New("at least one column is required")

// ValidateColumns checks that fields are set and unique. Uniqueness also
// guarantees at most one identity column.
func ValidateColumns(cols []Column) error {
	if len(cols) == 0 {
		return errNoColumns
	}
	seen := make(map[string]int, len(cols))
	for i := range cols {
		f := cols[i].Field
		if f == "" {
			return fmt.Errorf("column %d: field is required", i)
		}
		if j, ok := seen[f]; ok {
			return fmt.Errorf("column %d: field %q already used by column %d", i, f, j)
		}
		seen[f] = i
	}
	return nil
}

// identityColumn returns the index of the "id" column or -1.
func identityColumn(cols []Column) int {
	for i := range cols {
		if cols[i].Field == models.IDField {
			return i
		}
	}
	return -1
}
