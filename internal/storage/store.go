// Package storage is the reference recon backend: hosts, services,
// vulnerabilities and notes stored as JSONL tables, queried with flat filter
// expressions and annotated with tags and comments.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/maruel/reconsole/internal/endpoint"
	"github.com/maruel/reconsole/internal/jsonldb"
	"github.com/maruel/reconsole/internal/models"
	"github.com/spf13/cast"
)

// CountryResolver maps an address to a country code.
type CountryResolver interface {
	CountryCode(ip string) string
}

// Store holds the recon tables.
type Store struct {
	// mu serializes writers so tag updates across tables are consistent.
	mu     sync.Mutex
	tables map[string]*jsonldb.Table[models.Row]
	geo    CountryResolver
}

// Open opens or creates the tables in dir. geo may be nil.
func Open(dir string, geo CountryResolver) (*Store, error) {
	s := &Store{tables: map[string]*jsonldb.Table[models.Row]{}, geo: geo}
	for _, t := range Tables {
		if !t.Base {
			continue
		}
		tbl, err := jsonldb.NewTable[models.Row](filepath.Join(dir, t.Name+".jsonl"))
		if err != nil {
			return nil, err
		}
		s.tables[t.Name] = tbl
	}
	return s, nil
}

func (s *Store) base(name string) (*Table, *jsonldb.Table[models.Row], error) {
	t, ok := LookupTable(name)
	if !ok || !t.Base {
		return nil, nil, models.TableNotFound(name)
	}
	return t, s.tables[name], nil
}

func collect(tbl *jsonldb.Table[models.Row]) []models.Row {
	rows := make([]models.Row, 0, tbl.Len())
	for r := range tbl.All() {
		rows = append(rows, r)
	}
	slices.SortStableFunc(rows, func(a, b models.Row) int {
		ia, _ := a.ID()
		ib, _ := b.ID()
		return cmpInt(ia, ib)
	})
	return rows
}

func byID(rows []models.Row) map[int64]models.Row {
	m := make(map[int64]models.Row, len(rows))
	for _, r := range rows {
		if id, ok := r.ID(); ok {
			m[id] = r
		}
	}
	return m
}

// joinHost copies the host columns onto r.
func joinHost(r models.Row, hosts map[int64]models.Row) {
	hostID, ok := r.Int64("host_id")
	if !ok {
		return
	}
	if h, ok := hosts[hostID]; ok {
		r["host_address"] = h["address"]
		r["host_hostname"] = h["hostname"]
	}
}

// joinService copies the service columns onto r.
func joinService(r models.Row, services map[int64]models.Row) {
	serviceID, ok := r.Int64("service_id")
	if !ok {
		return
	}
	if svc, ok := services[serviceID]; ok {
		r["service_proto"] = svc["proto"]
		r["service_port"] = svc["port"]
	}
}

// rows returns the view rows of t in id order.
func (s *Store) rows(t *Table) []models.Row {
	hosts := collect(s.tables["hosts"])
	switch t.Name {
	case "hosts":
		return hosts
	case "endpoints":
		return endpointRows(hosts, collect(s.tables["services"]))
	}
	rows := collect(s.tables[t.Name])
	hostByID := byID(hosts)
	var svcByID map[int64]models.Row
	if _, ok := t.Field("service_port"); ok {
		svcByID = byID(collect(s.tables["services"]))
	}
	for _, r := range rows {
		joinHost(r, hostByID)
		if svcByID != nil {
			joinService(r, svcByID)
		}
	}
	return rows
}

// endpointStride separates host-only endpoint ids from service endpoint ids.
const endpointStride = 1 << 32

// endpointRows lists hosts without services and every service. Endpoint ids
// are derived from host and service ids so they are stable across reloads.
func endpointRows(hosts, services []models.Row) []models.Row {
	byHost := map[int64][]models.Row{}
	for _, svc := range services {
		hostID, _ := svc.Int64("host_id")
		byHost[hostID] = append(byHost[hostID], svc)
	}
	var out []models.Row
	for _, h := range hosts {
		hostID, _ := h.ID()
		svcs := byHost[hostID]
		if len(svcs) == 0 {
			out = append(out, models.Row{
				"id":            hostID * endpointStride,
				"host_id":       hostID,
				"host_address":  h["address"],
				"host_hostname": h["hostname"],
				"tags":          h["tags"],
			})
			continue
		}
		for _, svc := range svcs {
			serviceID, _ := svc.ID()
			out = append(out, models.Row{
				"id":            hostID*endpointStride + serviceID,
				"host_id":       hostID,
				"host_address":  h["address"],
				"host_hostname": h["hostname"],
				"service_id":    serviceID,
				"service_proto": svc["proto"],
				"service_port":  svc["port"],
				"service_name":  svc["name"],
				"tags":          svc["tags"],
			})
		}
	}
	return out
}

// List returns one page of the named table.
func (s *Store) List(ctx context.Context, table, filterExpr string, req *models.ListRequest) (*models.ResponseEnvelope, error) {
	t, ok := LookupTable(table)
	if !ok {
		return nil, models.TableNotFound(table)
	}
	env, err := QueryRows(t, s.rows(t), filterExpr, req)
	if err != nil {
		return nil, err
	}
	slog.DebugContext(ctx, "Listed rows", "table", table, "filter", filterExpr, "filtered", env.RecordsFiltered, "total", env.RecordsTotal)
	return env, nil
}

// Insert adds row to a base table, assigns its id and returns it.
func (s *Store) Insert(ctx context.Context, table string, row models.Row) (int64, error) {
	t, tbl, err := s.base(table)
	if err != nil {
		return 0, err
	}
	row = row.Clone()
	if err := s.validate(t, row); err != nil {
		return 0, err
	}
	tags, _ := NormalizeTags(row.Tags())
	row["tags"] = tags
	if t.Name == "hosts" && s.geo != nil {
		if cc := s.geo.CountryCode(cast.ToString(row["address"])); cc != "" {
			row["country"] = cc
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var next int64 = 1
	for r := range tbl.All() {
		if id, ok := r.ID(); ok && id >= next {
			next = id + 1
		}
	}
	row[models.IDField] = next
	if err := tbl.Append(row); err != nil {
		return 0, fmt.Errorf("failed to insert %s: %w", t.Singular, err)
	}
	slog.DebugContext(ctx, "Inserted row", "table", table, "id", next)
	return next, nil
}

func (s *Store) exists(table string, id int64) bool {
	for r := range s.tables[table].All() {
		if rid, ok := r.ID(); ok && rid == id {
			return true
		}
	}
	return false
}

// stored reports whether name is a field persisted in t rather than joined
// from another table.
func stored(t *Table, name string) bool {
	if _, ok := t.Field(name); !ok {
		return false
	}
	if name == "host_id" || name == "service_id" {
		return true
	}
	return !strings.HasPrefix(name, "host_") && !strings.HasPrefix(name, "service_")
}

func (s *Store) validate(t *Table, row models.Row) error {
	for k := range row {
		if k != models.IDField && !stored(t, k) {
			return models.InvalidField(k, "unknown field")
		}
	}
	switch t.Name {
	case "hosts":
		if _, err := netip.ParseAddr(cast.ToString(row["address"])); err != nil {
			return models.InvalidField("address", "must be an IP address")
		}
		return nil
	case "services":
		if _, err := cast.ToInt64E(row["port"]); err != nil || row["port"] == nil {
			return models.InvalidField("port", "must be an integer")
		}
		if cast.ToString(row["proto"]) == "" {
			return models.MissingField("proto")
		}
	case "vulns":
		if cast.ToString(row["name"]) == "" {
			return models.MissingField("name")
		}
		if severityRank(cast.ToString(row["severity"])) < 0 {
			return models.InvalidField("severity", "must be one of "+strings.Join(SeverityLevels, ", "))
		}
	}
	hostID, ok := row.Int64("host_id")
	if !ok {
		return models.MissingField("host_id")
	}
	if !s.exists("hosts", hostID) {
		return models.InvalidField("host_id", "no such host")
	}
	if row["service_id"] != nil {
		serviceID, ok := row.Int64("service_id")
		if !ok || !s.exists("services", serviceID) {
			return models.InvalidField("service_id", "no such service")
		}
	}
	return nil
}

// NormalizeTags trims and lower-cases tags, drops empty ones, removes
// duplicates and sorts the result. It reports whether any tag remains.
func NormalizeTags(tags []string) ([]string, bool) {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		for line := range strings.SplitSeq(t, "\n") {
			line = strings.ToLower(strings.TrimSpace(line))
			if line != "" {
				out = append(out, line)
			}
		}
	}
	slices.Sort(out)
	out = slices.Compact(out)
	return out, len(out) != 0
}

var errUnchanged = errors.New("unchanged")

// Tag adds (unset false) or removes (unset true) tags on the rows ids of a
// base table. It is idempotent and returns how many rows changed.
func (s *Store) Tag(ctx context.Context, table string, ids []int64, tags []string, unset bool) (int, error) {
	t, tbl, err := s.base(table)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tagLocked(ctx, t, tbl, ids, tags, unset)
}

func (s *Store) tagLocked(ctx context.Context, t *Table, tbl *jsonldb.Table[models.Row], ids []int64, tags []string, unset bool) (int, error) {
	norm, ok := NormalizeTags(tags)
	if !ok {
		return 0, models.InvalidField("tag", "must not be empty")
	}
	if len(ids) == 0 {
		return 0, models.MissingField("id")
	}
	changed := 0
	err := tbl.Modify(func(rows []models.Row) ([]models.Row, error) {
		idx := make(map[int64]int, len(rows))
		for i, r := range rows {
			if id, ok := r.ID(); ok {
				idx[id] = i
			}
		}
		for _, id := range ids {
			if _, ok := idx[id]; !ok {
				return nil, models.NotFound(fmt.Sprintf("%s %d", t.Singular, id))
			}
		}
		seen := map[int64]bool{}
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			r := rows[idx[id]]
			cur := r.Tags()
			next := applyTags(cur, norm, unset)
			if !slices.Equal(cur, next) {
				r["tags"] = next
				changed++
			}
		}
		if changed == 0 {
			return nil, errUnchanged
		}
		return rows, nil
	})
	if errors.Is(err, errUnchanged) {
		slog.DebugContext(ctx, "Tags unchanged", "table", t.Name, "ids", ids)
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	slog.InfoContext(ctx, "Tags updated", "table", t.Name, "tags", norm, "unset", unset, "changed", changed)
	return changed, nil
}

func applyTags(cur, tags []string, unset bool) []string {
	var next []string
	if unset {
		next = slices.DeleteFunc(slices.Clone(cur), func(t string) bool { return slices.Contains(tags, t) })
	} else {
		next = append(slices.Clone(cur), tags...)
	}
	next, _ = NormalizeTags(next)
	return next
}

// TagEndpoints tags hosts for Host ids and services for HostService ids.
func (s *Store) TagEndpoints(ctx context.Context, ids []endpoint.ID, tags []string, unset bool) (int, error) {
	if len(ids) == 0 {
		return 0, models.MissingField(endpoint.FormField)
	}
	var hostIDs, serviceIDs []int64
	for _, id := range ids {
		switch v := id.(type) {
		case endpoint.Host:
			hostIDs = append(hostIDs, v.HostID)
		case endpoint.HostService:
			serviceIDs = append(serviceIDs, v.ServiceID)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range hostIDs {
		if !s.exists("hosts", id) {
			return 0, models.NotFound(fmt.Sprintf("host %d", id))
		}
	}
	for _, id := range serviceIDs {
		if !s.exists("services", id) {
			return 0, models.NotFound(fmt.Sprintf("service %d", id))
		}
	}
	total := 0
	for name, ids := range map[string][]int64{"hosts": hostIDs, "services": serviceIDs} {
		if len(ids) == 0 {
			continue
		}
		t, _ := LookupTable(name)
		n, err := s.tagLocked(ctx, t, s.tables[name], ids, tags, unset)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Comment replaces the comment of the rows ids. An empty text removes it.
// Nothing is written when one of the ids does not exist.
func (s *Store) Comment(ctx context.Context, table string, ids []int64, text string) error {
	t, tbl, err := s.base(table)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return models.MissingField("id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err = tbl.Modify(func(rows []models.Row) ([]models.Row, error) {
		idx := make(map[int64]int, len(rows))
		for i, r := range rows {
			if id, ok := r.ID(); ok {
				idx[id] = i
			}
		}
		for _, id := range ids {
			if _, ok := idx[id]; !ok {
				return nil, models.NotFound(fmt.Sprintf("%s %d", t.Singular, id))
			}
		}
		for _, id := range ids {
			r := rows[idx[id]]
			if text == "" {
				delete(r, "comment")
			} else {
				r["comment"] = text
			}
		}
		return rows, nil
	})
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "Comment updated", "table", table, "ids", ids)
	return nil
}

// RefreshCountries recomputes the country of every host.
func (s *Store) RefreshCountries(ctx context.Context) error {
	if s.geo == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tables["hosts"].Modify(func(rows []models.Row) ([]models.Row, error) {
		for _, r := range rows {
			if cc := s.geo.CountryCode(cast.ToString(r["address"])); cc != "" {
				r["country"] = cc
			} else {
				delete(r, "country")
			}
		}
		slog.DebugContext(ctx, "Refreshed host countries", "hosts", len(rows))
		return rows, nil
	})
}

// Counts returns the number of rows of each base table.
func (s *Store) Counts() map[string]int {
	out := make(map[string]int, len(s.tables))
	for name, tbl := range s.tables {
		out[name] = tbl.Len()
	}
	return out
}
