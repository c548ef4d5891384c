// Renders a rule-tree to the backend's flat boolean expression grammar.

package filter

import "strings"

// MatchNoneExpression is the flat form of a tree that matches no row, such
// as a negated group without rules.
const MatchNoneExpression = "NOT ()"

// ToFlatExpression renders g as the textual expression placed in request
// parameters, e.g.
//
//	Host.address == "127.4.4.4" AND (Service.port == "22" OR Service.port == "80")
//
// Nested groups are parenthesized and negated groups are written NOT (...).
// Groups without rules are folded first (see Reduce): a tree matching every
// row renders as "" and one matching no row as MatchNoneExpression.
func ToFlatExpression(g Group) string {
	r, m := Reduce(g)
	switch m {
	case MatchAll:
		return ""
	case MatchNone:
		return MatchNoneExpression
	}
	s := renderRules(&r)
	if r.Not {
		return "NOT (" + s + ")"
	}
	return s
}

func renderRules(g *Group) string {
	parts := make([]string, 0, len(g.Rules))
	for i := range g.Rules {
		n := &g.Rules[i]
		switch {
		case n.Rule != nil:
			parts = append(parts, renderRule(n.Rule))
		case n.Group != nil:
			s := "(" + renderRules(n.Group) + ")"
			if n.Group.Not {
				s = "NOT " + s
			}
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " "+canonical(g.Combinator).keyword()+" ")
}

func renderRule(r *Rule) string {
	if r.Operator.Unary() {
		return r.Field + " " + string(r.Operator)
	}
	return r.Field + " " + string(r.Operator) + " " + Quote(r.Value)
}

// Quote wraps s in double quotes, escaping backslashes and double quotes so
// the backend reads back exactly s.
func Quote(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '"' || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	b.WriteByte('"')
	return b.String()
}
