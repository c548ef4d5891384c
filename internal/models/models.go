// Package models defines the wire types shared by the grid client and the
// reference backend: list request/response envelopes, rows and API errors.
package models

import (
	"errors"
	"fmt"

	"github.com/spf13/cast"
)

// Direction is a sort direction.
type Direction string

const (
	// Asc sorts in ascending order.
	Asc Direction = "asc"
	// Desc sorts in descending order.
	Desc Direction = "desc"
)

// Validate checks that the direction is known.
func (d Direction) Validate() error {
	switch d {
	case Asc, Desc:
		return nil
	default:
		return fmt.Errorf("invalid sort direction %q", string(d))
	}
}

// SortColumn orders results by the column at Column in the column spec.
type SortColumn struct {
	Column    int       `json:"column"`
	Direction Direction `json:"dir"`
}

// Row is an opaque data row. Only the identity column ("id") and the
// annotatable fields are interpreted by the grid core.
type Row map[string]any

// IDField is the name of the identity column.
const IDField = "id"

// ID returns the row identity.
func (r Row) ID() (int64, bool) {
	return r.Int64(IDField)
}

// Int64 returns the named field as an integer. JSON decoding produces
// float64 for numbers, so any numeric representation is accepted.
func (r Row) Int64(field string) (int64, bool) {
	v, ok := r[field]
	if !ok || v == nil {
		return 0, false
	}
	i, err := cast.ToInt64E(v)
	if err != nil {
		return 0, false
	}
	return i, true
}

// Tags returns the row tag list.
func (r Row) Tags() []string {
	v, ok := r["tags"]
	if !ok || v == nil {
		return nil
	}
	tags, err := cast.ToStringSliceE(v)
	if err != nil {
		return nil
	}
	return tags
}

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	c := make(Row, len(r))
	for k, v := range r {
		if s, ok := v.([]string); ok {
			v = append([]string(nil), s...)
		}
		c[k] = v
	}
	return c
}

// ListRequest is the body of a list endpoint request. The filter expression
// travels in the query string (see RequestDescriptor).
type ListRequest struct {
	Draw     int64        `json:"draw"`
	Page     int          `json:"page"`
	PageSize int          `json:"page_size"`
	Order    []SortColumn `json:"order,omitempty"`
	Search   string       `json:"search,omitempty"`
	Columns  []string     `json:"columns,omitempty"`
}

var (
	errNegativePage = errors.New("page must be non-negative")
	errPageSize     = errors.New("page_size must be positive")
)

// Validate checks the paging and ordering fields.
func (r *ListRequest) Validate() error {
	if r.Page < 0 {
		return errNegativePage
	}
	if r.PageSize <= 0 {
		return errPageSize
	}
	for i := range r.Order {
		o := &r.Order[i]
		if err := o.Direction.Validate(); err != nil {
			return err
		}
		if o.Column < 0 || (len(r.Columns) > 0 && o.Column >= len(r.Columns)) {
			return fmt.Errorf("order column %d out of range", o.Column)
		}
	}
	return nil
}

// RequestDescriptor is one fully-resolved fetch. It is built fresh for every
// request and must not be modified after it is sent.
type RequestDescriptor struct {
	// EndpointURL is the list endpoint including the view query string.
	EndpointURL string
	// Filter is the flat filter expression; empty means unfiltered.
	Filter string
	ListRequest
}

// ResponseEnvelope is the list endpoint response.
type ResponseEnvelope struct {
	Draw            int64 `json:"draw"`
	RecordsTotal    int   `json:"recordsTotal"`
	RecordsFiltered int   `json:"recordsFiltered"`
	Data            []Row `json:"data"`
}

// Validate checks the envelope invariants against the page size that was
// requested.
func (e *ResponseEnvelope) Validate(pageSize int) error {
	if e.RecordsFiltered > e.RecordsTotal {
		return fmt.Errorf("recordsFiltered %d exceeds recordsTotal %d", e.RecordsFiltered, e.RecordsTotal)
	}
	if len(e.Data) > pageSize {
		return fmt.Errorf("response has %d rows, page size is %d", len(e.Data), pageSize)
	}
	return nil
}

// MessageResponse is returned by mutation endpoints on success.
type MessageResponse struct {
	Message string `json:"message"`
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}
