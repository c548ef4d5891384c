// Package endpoint resolves the target identifier of rows that represent
// either a bare host or a host and one of its services.
package endpoint

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/maruel/reconsole/internal/models"
)

const (
	// FieldHostID is the row field holding the host identifier.
	FieldHostID = "host_id"
	// FieldServiceID is the row field holding the service identifier.
	FieldServiceID = "service_id"
	// FormField is the form field carrying one encoded ID per value.
	FormField = "endpoint"
)

// ID identifies a mutation target. It is either a Host or a HostService.
type ID interface {
	// Host returns the host identifier.
	Host() int64
	isEndpoint()
}

// Host targets a host.
type Host struct {
	HostID int64
}

// HostService targets one service of a host.
type HostService struct {
	HostID    int64
	ServiceID int64
}

// Host implements ID.
func (h Host) Host() int64 { return h.HostID }

// Host implements ID.
func (h HostService) Host() int64 { return h.HostID }

func (Host) isEndpoint()        {}
func (HostService) isEndpoint() {}

func (h Host) String() string { return fmt.Sprintf("host %d", h.HostID) }

func (h HostService) String() string {
	return fmt.Sprintf("host %d service %d", h.HostID, h.ServiceID)
}

// ErrNoHost is returned when a row has no usable host identifier.
var ErrNoHost = errors.New("row has no host_id")

// Resolve returns the identifier of row: HostService when it carries a
// service_id, Host otherwise.
func Resolve(row models.Row) (ID, error) {
	hostID, ok := row.Int64(FieldHostID)
	if !ok {
		return nil, ErrNoHost
	}
	if serviceID, ok := row.Int64(FieldServiceID); ok {
		return HostService{HostID: hostID, ServiceID: serviceID}, nil
	}
	return Host{HostID: hostID}, nil
}

// ResolveAll resolves every row, failing on the first unusable one.
func ResolveAll(rows []models.Row) ([]ID, error) {
	out := make([]ID, 0, len(rows))
	for i, r := range rows {
		id, err := Resolve(r)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out = append(out, id)
	}
	return out, nil
}

type wire struct {
	HostID    *int64 `json:"host_id"`
	ServiceID *int64 `json:"service_id,omitempty"`
}

// Encode returns the body item of id: {"host_id":1} or
// {"host_id":1,"service_id":2}.
func Encode(id ID) string {
	var w wire
	switch v := id.(type) {
	case Host:
		w.HostID = &v.HostID
	case HostService:
		w.HostID = &v.HostID
		w.ServiceID = &v.ServiceID
	}
	b, _ := json.Marshal(w)
	return string(b)
}

// Decode parses a body item produced by Encode.
func Decode(s string) (ID, error) {
	var w wire
	if err := json.Unmarshal([]byte(s), &w); err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", s, err)
	}
	if w.HostID == nil {
		return nil, ErrNoHost
	}
	if w.ServiceID != nil {
		return HostService{HostID: *w.HostID, ServiceID: *w.ServiceID}, nil
	}
	return Host{HostID: *w.HostID}, nil
}
