// Defines the tables served by the reference backend and their fields.

package storage

import (
	"slices"
	"strings"
)

// Kind is the value type of a field. It drives filter evaluation, search
// and ordering.
type Kind int

const (
	// KindString is free text.
	KindString Kind = iota
	// KindInt is an integer, stored as a JSON number.
	KindInt
	// KindInet is an IPv4 or IPv6 address.
	KindInet
	// KindTags is a list of tags.
	KindTags
	// KindSeverity is a vulnerability severity, ordered by SeverityLevels.
	KindSeverity
)

// SeverityLevels lists severities from least to most severe.
var SeverityLevels = []string{"unknown", "info", "low", "medium", "high", "critical"}

func severityRank(s string) int {
	return slices.Index(SeverityLevels, strings.ToLower(s))
}

// Field is one column of a table view.
type Field struct {
	Name string
	Kind Kind
}

// Table describes a list view. Joined fields from another model are named
// "<model>_<attr>", e.g. host_address on the vulns view.
type Table struct {
	// Name is the URL segment, e.g. "vulns".
	Name string
	// Model qualifies filter fields, e.g. "Vuln" in Vuln.severity.
	Model string
	// Singular names one row in messages.
	Singular string
	Fields   []Field
	// Base is true for stored tables, false for computed views.
	Base bool
}

// Field returns the named field.
func (t *Table) Field(name string) (Field, bool) {
	for _, f := range t.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// FieldNames returns the names of all fields in order.
func (t *Table) FieldNames() []string {
	out := make([]string, len(t.Fields))
	for i, f := range t.Fields {
		out[i] = f.Name
	}
	return out
}

// resolveField maps a filter field such as "Host.address" to a view field:
// the table's own model maps to the bare attribute, other models to
// "<model>_<attr>".
func (t *Table) resolveField(name string) (Field, bool) {
	model, attr, qualified := strings.Cut(name, ".")
	if !qualified {
		return t.Field(name)
	}
	if strings.Contains(attr, ".") {
		return Field{}, false
	}
	if strings.EqualFold(model, t.Model) {
		return t.Field(attr)
	}
	return t.Field(strings.ToLower(model) + "_" + attr)
}

var hostFields = []Field{
	{"host_address", KindInet},
	{"host_hostname", KindString},
}

var serviceFields = []Field{
	{"service_proto", KindString},
	{"service_port", KindInt},
}

func fields(groups ...[]Field) []Field {
	var out []Field
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// Tables lists every table served.
var Tables = []*Table{
	{
		Name: "hosts", Model: "Host", Singular: "host", Base: true,
		Fields: []Field{
			{"id", KindInt},
			{"address", KindInet},
			{"hostname", KindString},
			{"os", KindString},
			{"country", KindString},
			{"tags", KindTags},
			{"comment", KindString},
		},
	},
	{
		Name: "services", Model: "Service", Singular: "service", Base: true,
		Fields: fields(
			[]Field{{"id", KindInt}, {"host_id", KindInt}},
			hostFields,
			[]Field{
				{"proto", KindString},
				{"port", KindInt},
				{"state", KindString},
				{"name", KindString},
				{"info", KindString},
				{"tags", KindTags},
				{"comment", KindString},
			},
		),
	},
	{
		Name: "vulns", Model: "Vuln", Singular: "vuln", Base: true,
		Fields: fields(
			[]Field{{"id", KindInt}, {"host_id", KindInt}},
			hostFields,
			[]Field{{"service_id", KindInt}},
			serviceFields,
			[]Field{
				{"name", KindString},
				{"xtype", KindString},
				{"severity", KindSeverity},
				{"descr", KindString},
				{"tags", KindTags},
				{"comment", KindString},
			},
		),
	},
	{
		Name: "notes", Model: "Note", Singular: "note", Base: true,
		Fields: fields(
			[]Field{{"id", KindInt}, {"host_id", KindInt}},
			hostFields,
			[]Field{{"service_id", KindInt}},
			serviceFields,
			[]Field{
				{"xtype", KindString},
				{"data", KindString},
				{"tags", KindTags},
				{"comment", KindString},
			},
		),
	},
	{
		// One row per host without services and per service.
		Name: "endpoints", Model: "Endpoint", Singular: "endpoint",
		Fields: fields(
			[]Field{{"id", KindInt}, {"host_id", KindInt}},
			hostFields,
			[]Field{{"service_id", KindInt}},
			serviceFields,
			[]Field{
				{"service_name", KindString},
				{"tags", KindTags},
			},
		),
	},
}

// LookupTable returns the table named name.
func LookupTable(name string) (*Table, bool) {
	for _, t := range Tables {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}
