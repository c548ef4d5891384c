// Compiles filter rule-trees into row predicates.

package storage

import (
	"fmt"
	"net/netip"
	"regexp"
	"slices"
	"strings"

	"github.com/maruel/reconsole/internal/filter"
	"github.com/maruel/reconsole/internal/models"
	"github.com/spf13/cast"
)

// predicate reports whether a row matches.
type predicate func(models.Row) bool

func matchAll(models.Row) bool { return true }

func matchNone(models.Row) bool { return false }

// CompileFilter parses a flat filter expression and compiles it against t.
// An empty expression matches every row.
func CompileFilter(t *Table, expr string) (func(models.Row) bool, error) {
	g, err := filter.ParseExpression(expr)
	if err != nil {
		return nil, err
	}
	return compileGroup(t, &g)
}

func compileGroup(t *Table, g *filter.Group) (predicate, error) {
	r, m := filter.Reduce(*g)
	switch m {
	case filter.MatchAll:
		return matchAll, nil
	case filter.MatchNone:
		return matchNone, nil
	}
	return compileReduced(t, &r)
}

// compileReduced compiles a group already folded by filter.Reduce.
func compileReduced(t *Table, g *filter.Group) (predicate, error) {
	preds := make([]predicate, 0, len(g.Rules))
	for i := range g.Rules {
		n := &g.Rules[i]
		var p predicate
		var err error
		if n.Group != nil {
			p, err = compileReduced(t, n.Group)
		} else {
			p, err = compileRule(t, n.Rule)
		}
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	or := g.Combinator == filter.Or
	not := g.Not
	return func(r models.Row) bool {
		var m bool
		if or {
			m = slices.ContainsFunc(preds, func(p predicate) bool { return p(r) })
		} else {
			m = !slices.ContainsFunc(preds, func(p predicate) bool { return !p(r) })
		}
		return m != not
	}, nil
}

func compileRule(t *Table, rule *filter.Rule) (predicate, error) {
	f, ok := t.resolveField(rule.Field)
	if !ok {
		return nil, fmt.Errorf("unknown field %q for %s", rule.Field, t.Name)
	}
	name := f.Name
	op := filter.Operator(strings.ToLower(string(rule.Operator)))
	switch op {
	case filter.OpIsNull:
		return func(r models.Row) bool { return r[name] == nil }, nil
	case filter.OpIsNotNull:
		return func(r models.Row) bool { return r[name] != nil }, nil
	case filter.OpLike, filter.OpILike:
		re, err := likePattern(rule.Value, op == filter.OpILike)
		if err != nil {
			return nil, err
		}
		return func(r models.Row) bool {
			v := r[name]
			if v == nil {
				return false
			}
			if f.Kind == KindTags {
				return slices.ContainsFunc(models.Row{"tags": v}.Tags(), re.MatchString)
			}
			return re.MatchString(cast.ToString(v))
		}, nil
	}

	switch f.Kind {
	case KindTags:
		return compileTags(name, op, rule.Value)
	case KindInet:
		return compileInet(name, op, rule.Value)
	case KindInt:
		want, err := cast.ToInt64E(rule.Value)
		if err != nil {
			return nil, fmt.Errorf("%s: %q is not an integer", rule.Field, rule.Value)
		}
		return compileOrdered(name, op, func(v any) (int, bool) {
			i, err := cast.ToInt64E(v)
			if err != nil {
				return 0, false
			}
			return cmpInt(i, want), true
		})
	case KindSeverity:
		want := severityRank(rule.Value)
		if want < 0 {
			return nil, fmt.Errorf("%s: unknown severity %q", rule.Field, rule.Value)
		}
		return compileOrdered(name, op, func(v any) (int, bool) {
			got := severityRank(cast.ToString(v))
			if got < 0 {
				return 0, false
			}
			return cmpInt(int64(got), int64(want)), true
		})
	default:
		want := rule.Value
		return compileOrdered(name, op, func(v any) (int, bool) {
			return strings.Compare(cast.ToString(v), want), true
		})
	}
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// compileOrdered builds a comparison predicate; compare returns false when
// the row value cannot be compared, which never matches.
func compileOrdered(name string, op filter.Operator, compare func(any) (int, bool)) (predicate, error) {
	var test func(int) bool
	switch op {
	case filter.OpEqual:
		test = func(c int) bool { return c == 0 }
	case filter.OpNotEqual:
		test = func(c int) bool { return c != 0 }
	case filter.OpGreater:
		test = func(c int) bool { return c > 0 }
	case filter.OpLess:
		test = func(c int) bool { return c < 0 }
	case filter.OpGreaterEqual:
		test = func(c int) bool { return c >= 0 }
	case filter.OpLessEqual:
		test = func(c int) bool { return c <= 0 }
	default:
		return nil, fmt.Errorf("operator %s does not apply to %s", op, name)
	}
	return func(r models.Row) bool {
		v := r[name]
		if v == nil {
			return false
		}
		c, ok := compare(v)
		return ok && test(c)
	}, nil
}

func compileTags(name string, op filter.Operator, value string) (predicate, error) {
	has := func(r models.Row) bool {
		return slices.Contains(models.Row{"tags": r[name]}.Tags(), value)
	}
	switch op {
	case filter.OpAny:
		return has, nil
	case filter.OpNotAny:
		return func(r models.Row) bool { return !has(r) }, nil
	default:
		return nil, fmt.Errorf("operator %s does not apply to %s", op, name)
	}
}

func compileInet(name string, op filter.Operator, value string) (predicate, error) {
	switch op {
	case filter.OpInetIn, filter.OpInetNotIn:
		prefix, err := parsePrefix(value)
		if err != nil {
			return nil, err
		}
		in := op == filter.OpInetIn
		return func(r models.Row) bool {
			addr, err := netip.ParseAddr(cast.ToString(r[name]))
			if err != nil {
				return false
			}
			return prefix.Contains(addr.Unmap()) == in
		}, nil
	}
	want, err := netip.ParseAddr(value)
	if err != nil {
		return nil, fmt.Errorf("%s: %q is not an address", name, value)
	}
	return compileOrdered(name, op, func(v any) (int, bool) {
		got, err := netip.ParseAddr(cast.ToString(v))
		if err != nil {
			return 0, false
		}
		return got.Compare(want), true
	})
}

// parsePrefix accepts a CIDR network or a bare address.
func parsePrefix(s string) (netip.Prefix, error) {
	if p, err := netip.ParsePrefix(s); err == nil {
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("%q is not a network", s)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// likePattern converts an SQL LIKE pattern to an anchored regexp: % matches
// any run of characters and _ one character.
func likePattern(pattern string, fold bool) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("(?s")
	if fold {
		b.WriteString("i")
	}
	b.WriteString(")^")
	for _, c := range pattern {
		switch c {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}
