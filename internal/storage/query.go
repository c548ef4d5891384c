// Provides filtering, searching, ordering and paging of view rows.

package storage

import (
	"cmp"
	"fmt"
	"net/netip"
	"slices"
	"strings"

	"github.com/maruel/reconsole/internal/models"
	"github.com/spf13/cast"
)

// QueryRows applies the filter expression, the search term, the order and
// paging of req to rows. rows must be in id order; ties on the requested
// order keep that order so pages are reproducible.
func QueryRows(t *Table, rows []models.Row, filterExpr string, req *models.ListRequest) (*models.ResponseEnvelope, error) {
	if err := req.Validate(); err != nil {
		return nil, models.BadRequest(err.Error())
	}
	cols := req.Columns
	if len(cols) == 0 {
		cols = t.FieldNames()
	}
	for _, c := range cols {
		if _, ok := t.Field(c); !ok {
			return nil, models.InvalidField("columns", fmt.Sprintf("unknown column %q", c))
		}
	}
	match, err := CompileFilter(t, filterExpr)
	if err != nil {
		return nil, models.InvalidFilter(err)
	}
	search := strings.ToLower(strings.TrimSpace(req.Search))

	filtered := make([]models.Row, 0, len(rows))
	for _, r := range rows {
		if match(r) && (search == "" || matchesSearch(t, r, search)) {
			filtered = append(filtered, r)
		}
	}

	if len(req.Order) > 0 {
		sorts := make([]Field, len(req.Order))
		for i, o := range req.Order {
			if o.Column < 0 || o.Column >= len(cols) {
				return nil, models.InvalidField("order", fmt.Sprintf("column %d out of range", o.Column))
			}
			sorts[i], _ = t.Field(cols[o.Column])
		}
		slices.SortStableFunc(filtered, func(a, b models.Row) int {
			for i, o := range req.Order {
				c := compareValues(sorts[i].Kind, a[sorts[i].Name], b[sorts[i].Name])
				if c != 0 {
					if o.Direction == models.Desc {
						return -c
					}
					return c
				}
			}
			return 0
		})
	}

	// Page*PageSize may overflow for pages past the end.
	start := len(filtered)
	if req.Page <= len(filtered)/req.PageSize {
		start = req.Page * req.PageSize
	}
	end := start + min(req.PageSize, len(filtered)-start)
	page := make([]models.Row, end-start)
	for i, r := range filtered[start:end] {
		page[i] = r.Clone()
	}
	return &models.ResponseEnvelope{
		Draw:            req.Draw,
		RecordsTotal:    len(rows),
		RecordsFiltered: len(filtered),
		Data:            page,
	}, nil
}

// matchesSearch checks if any field of r contains term (case-insensitive).
func matchesSearch(t *Table, r models.Row, term string) bool {
	for _, f := range t.Fields {
		v := r[f.Name]
		if v == nil {
			continue
		}
		var s string
		if f.Kind == KindTags {
			s = strings.Join(models.Row{"tags": v}.Tags(), " ")
		} else {
			s = cast.ToString(v)
		}
		if strings.Contains(strings.ToLower(s), term) {
			return true
		}
	}
	return false
}

// compareValues compares two values of the given kind, returning -1, 0, or
// 1. Missing values sort first.
func compareValues(kind Kind, a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	switch kind {
	case KindInt:
		return cmp.Compare(cast.ToInt64(a), cast.ToInt64(b))
	case KindSeverity:
		return cmp.Compare(severityRank(cast.ToString(a)), severityRank(cast.ToString(b)))
	case KindInet:
		aa, errA := netip.ParseAddr(cast.ToString(a))
		bb, errB := netip.ParseAddr(cast.ToString(b))
		if errA == nil && errB == nil {
			return aa.Compare(bb)
		}
	case KindTags:
		return cmp.Compare(
			strings.Join(models.Row{"tags": a}.Tags(), ","),
			strings.Join(models.Row{"tags": b}.Tags(), ","))
	}
	return cmp.Compare(cast.ToString(a), cast.ToString(b))
}
