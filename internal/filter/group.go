// Defines the structured rule-tree form of a filter.

package filter

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/invopop/jsonschema"
)

// Combinator joins the rules of a group.
type Combinator string

const (
	// And requires every rule of the group to match.
	And Combinator = "and"
	// Or requires at least one rule of the group to match.
	Or Combinator = "or"
)

// Validate checks that the combinator is known.
func (c Combinator) Validate() error {
	switch c {
	case And, Or:
		return nil
	default:
		return fmt.Errorf("unknown combinator %q", string(c))
	}
}

// keyword returns the combinator as written in a flat expression.
func (c Combinator) keyword() string {
	return strings.ToUpper(string(c))
}

// Rule is a leaf condition: Field OP "Value".
type Rule struct {
	Field    string   `json:"field" jsonschema:"description=Attribute path such as Host.address"`
	Operator Operator `json:"operator"`
	Value    string   `json:"value" jsonschema:"description=Comparison value; ignored by is_null and is_not_null"`
}

// UnmarshalJSON accepts non-string values (numbers, booleans) as emitted by
// some rule editors and keeps their literal text.
func (r *Rule) UnmarshalJSON(b []byte) error {
	var raw struct {
		Field    string          `json:"field"`
		Operator Operator        `json:"operator"`
		Value    json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	r.Field = raw.Field
	r.Operator = raw.Operator
	r.Value = ""
	v := bytes.TrimSpace(raw.Value)
	switch {
	case len(v) == 0, bytes.Equal(v, []byte("null")):
	case v[0] == '"':
		if err := json.Unmarshal(v, &r.Value); err != nil {
			return err
		}
	case v[0] == '{' || v[0] == '[':
		return fmt.Errorf("rule %q: value must be a scalar", raw.Field)
	default:
		r.Value = string(v)
	}
	return nil
}

var fieldRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

// Validate checks the field path and the operator.
func (r *Rule) Validate() error {
	if !fieldRe.MatchString(r.Field) {
		return fmt.Errorf("invalid field %q", r.Field)
	}
	return r.Operator.Validate()
}

// Group combines rules and nested groups. A group without rules matches
// everything.
type Group struct {
	Combinator Combinator `json:"combinator" jsonschema:"enum=and,enum=or"`
	Not        bool       `json:"not,omitempty" jsonschema:"description=Negate the whole group"`
	Rules      []Node     `json:"rules"`
}

// MarshalJSON always emits a combinator and a rules array so the encoding
// is canonical.
func (g Group) MarshalJSON() ([]byte, error) {
	type alias Group
	a := alias(g)
	if a.Combinator == "" {
		a.Combinator = And
	}
	if a.Rules == nil {
		a.Rules = []Node{}
	}
	return json.Marshal(a)
}

// IsEmpty reports whether the group constrains nothing, i.e. it matches
// every row once groups without rules are folded away.
func (g *Group) IsEmpty() bool {
	_, m := Reduce(*g)
	return m == MatchAll
}

// Match classifies what a rule-tree selects independently of row content.
type Match int

const (
	// MatchSome means the outcome depends on the rows.
	MatchSome Match = iota
	// MatchAll means every row matches.
	MatchAll
	// MatchNone means no row matches.
	MatchNone
)

func (m Match) negate(not bool) Match {
	if !not {
		return m
	}
	switch m {
	case MatchAll:
		return MatchNone
	case MatchNone:
		return MatchAll
	}
	return m
}

// Reduce folds groups without rules out of g. A group without rules matches
// every row and a negated one matches none; inside an AND a match-all child
// is dropped and a match-none child makes the whole group match nothing,
// and OR is the mirror image.
//
// When the result is MatchSome the returned group holds no rule-less
// subgroup. Otherwise it is Empty() for MatchAll and the negated empty group
// for MatchNone.
func Reduce(g Group) (Group, Match) {
	comb := canonical(g.Combinator)
	if len(g.Rules) == 0 {
		return constGroup(MatchAll.negate(g.Not))
	}
	identity, absorbing := MatchAll, MatchNone
	if comb == Or {
		identity, absorbing = MatchNone, MatchAll
	}
	out := Group{Combinator: comb, Not: g.Not, Rules: make([]Node, 0, len(g.Rules))}
	for i := range g.Rules {
		n := g.Rules[i]
		if n.Group == nil {
			out.Rules = append(out.Rules, n)
			continue
		}
		sub, m := Reduce(*n.Group)
		switch m {
		case absorbing:
			return constGroup(absorbing.negate(g.Not))
		case identity:
			continue
		}
		out.Rules = append(out.Rules, GroupNode(sub))
	}
	if len(out.Rules) == 0 {
		return constGroup(identity.negate(g.Not))
	}
	return out, MatchSome
}

func constGroup(m Match) (Group, Match) {
	g := Empty()
	g.Not = m == MatchNone
	return g, m
}

var errEmptyNode = errors.New("node has neither rule nor group")

// Validate checks the whole tree.
func (g *Group) Validate() error {
	if err := g.Combinator.Validate(); err != nil {
		return err
	}
	for i := range g.Rules {
		if err := g.Rules[i].Validate(); err != nil {
			return fmt.Errorf("rules[%d]: %w", i, err)
		}
	}
	return nil
}

// normalize lower-cases the combinator, fills the default and maps empty
// rule lists to nil, in place.
func (g *Group) normalize() {
	g.Combinator = canonical(g.Combinator)
	if len(g.Rules) == 0 {
		g.Rules = nil
		return
	}
	for i := range g.Rules {
		if sub := g.Rules[i].Group; sub != nil {
			sub.normalize()
		}
	}
}

// Node is one entry of a group: exactly one of Rule or Group is set.
type Node struct {
	Rule  *Rule
	Group *Group
}

// RuleNode wraps a rule.
func RuleNode(field string, op Operator, value string) Node {
	return Node{Rule: &Rule{Field: field, Operator: op, Value: value}}
}

// GroupNode wraps a group.
func GroupNode(g Group) Node {
	return Node{Group: &g}
}

// Validate checks the node and its children.
func (n *Node) Validate() error {
	switch {
	case n.Rule != nil && n.Group != nil:
		return errors.New("node has both rule and group")
	case n.Rule != nil:
		return n.Rule.Validate()
	case n.Group != nil:
		return n.Group.Validate()
	default:
		return errEmptyNode
	}
}

// MarshalJSON encodes the node as either a rule or a group object.
func (n Node) MarshalJSON() ([]byte, error) {
	switch {
	case n.Group != nil:
		return json.Marshal(*n.Group)
	case n.Rule != nil:
		return json.Marshal(*n.Rule)
	default:
		return nil, errEmptyNode
	}
}

// UnmarshalJSON decodes a group when the object has a combinator or rules
// key and a rule otherwise.
func (n *Node) UnmarshalJSON(b []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(b, &probe); err != nil {
		return err
	}
	_, hasCombinator := probe["combinator"]
	_, hasRules := probe["rules"]
	if hasCombinator || hasRules {
		var g Group
		if err := json.Unmarshal(b, &g); err != nil {
			return err
		}
		*n = Node{Group: &g}
		return nil
	}
	var r Rule
	if err := json.Unmarshal(b, &r); err != nil {
		return err
	}
	*n = Node{Rule: &r}
	return nil
}

// JSONSchema implements jsonschema.JSONSchemer.
func (Node) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		OneOf: []*jsonschema.Schema{
			{Ref: "#/$defs/Rule"},
			{Ref: "#/$defs/Group"},
		},
	}
}

// Equal reports whether two groups are structurally equal. A nil and an
// empty rule list are equal, as are an empty and an "and" combinator.
func Equal(a, b Group) bool {
	return equalGroup(&a, &b)
}

func canonical(c Combinator) Combinator {
	if c == "" {
		return And
	}
	return Combinator(strings.ToLower(string(c)))
}

func equalGroup(a, b *Group) bool {
	if canonical(a.Combinator) != canonical(b.Combinator) || a.Not != b.Not || len(a.Rules) != len(b.Rules) {
		return false
	}
	for i := range a.Rules {
		x, y := &a.Rules[i], &b.Rules[i]
		switch {
		case x.Rule != nil && y.Rule != nil:
			if *x.Rule != *y.Rule {
				return false
			}
		case x.Group != nil && y.Group != nil:
			if !equalGroup(x.Group, y.Group) {
				return false
			}
		default:
			return false
		}
	}
	return true
}
