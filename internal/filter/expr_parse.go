// Parses the flat boolean expression grammar back into a rule-tree.

package filter

import (
	"fmt"
	"strings"
)

// SyntaxError reports a malformed flat expression.
type SyntaxError struct {
	Pos int
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("filter syntax error at offset %d: %s", e.Pos, e.Msg)
}

// ParseExpression parses a flat filter expression:
//
//	expr    := and ( OR and )*
//	and     := unary ( AND unary )*
//	unary   := NOT unary | '(' expr ')' | '(' ')' | rule
//	rule    := FIELD OP VALUE | FIELD is_null | FIELD is_not_null
//	VALUE   := "quoted \" string" | bareword
//
// Keywords and word operators are case-insensitive. An empty expression is
// the empty group, and "()" is a group without rules, so that
// MatchNoneExpression parses back to a negated empty group.
func ParseExpression(expr string) (Group, error) {
	toks, err := lex(expr)
	if err != nil {
		return Empty(), err
	}
	p := parser{toks: toks}
	if p.peek().kind == tokEOF {
		return Empty(), nil
	}
	n, err := p.parseOr()
	if err != nil {
		return Empty(), err
	}
	if t := p.peek(); t.kind != tokEOF {
		return Empty(), &SyntaxError{Pos: t.pos, Msg: fmt.Sprintf("unexpected %q", t.text)}
	}
	g := asGroup(n)
	if err := g.Validate(); err != nil {
		return Empty(), err
	}
	return g, nil
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokWord
	tokString
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func isWordByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || strings.IndexByte("_.-:/%*", c) >= 0
}

func lex(s string) ([]token, error) {
	var toks []token
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case c == '"':
			start := i
			var b strings.Builder
			i++
			closed := false
			for i < len(s) {
				if s[i] == '\\' && i+1 < len(s) {
					b.WriteByte(s[i+1])
					i += 2
					continue
				}
				if s[i] == '"' {
					closed = true
					i++
					break
				}
				b.WriteByte(s[i])
				i++
			}
			if !closed {
				return nil, &SyntaxError{Pos: start, Msg: "unterminated string"}
			}
			toks = append(toks, token{tokString, b.String(), start})
		case strings.IndexByte("=!<>", c) >= 0:
			if i+1 < len(s) && s[i+1] == '=' {
				toks = append(toks, token{tokOp, s[i : i+2], i})
				i += 2
				continue
			}
			if c == '<' || c == '>' {
				toks = append(toks, token{tokOp, s[i : i+1], i})
				i++
				continue
			}
			return nil, &SyntaxError{Pos: i, Msg: fmt.Sprintf("unexpected %q", c)}
		case isWordByte(c):
			start := i
			for i < len(s) && isWordByte(s[i]) {
				i++
			}
			toks = append(toks, token{tokWord, s[start:i], start})
		default:
			return nil, &SyntaxError{Pos: i, Msg: fmt.Sprintf("unexpected %q", c)}
		}
	}
	return append(toks, token{tokEOF, "", len(s)}), nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token {
	return p.toks[p.pos]
}

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) keyword(kw string) bool {
	t := p.peek()
	return t.kind == tokWord && strings.EqualFold(t.text, kw)
}

func (p *parser) parseOr() (Node, error) {
	return p.parseList(Or, p.parseAnd)
}

func (p *parser) parseAnd() (Node, error) {
	return p.parseList(And, p.parseUnary)
}

func (p *parser) parseList(c Combinator, operand func() (Node, error)) (Node, error) {
	first, err := operand()
	if err != nil {
		return Node{}, err
	}
	nodes := []Node{first}
	for p.keyword(c.keyword()) {
		p.next()
		n, err := operand()
		if err != nil {
			return Node{}, err
		}
		nodes = append(nodes, n)
	}
	if len(nodes) == 1 {
		return first, nil
	}
	return GroupNode(Group{Combinator: c, Rules: nodes}), nil
}

func (p *parser) parseUnary() (Node, error) {
	if p.keyword("NOT") {
		p.next()
		n, err := p.parseUnary()
		if err != nil {
			return Node{}, err
		}
		return negate(n), nil
	}
	if p.peek().kind == tokLParen {
		p.next()
		if p.peek().kind == tokRParen {
			p.next()
			return GroupNode(Empty()), nil
		}
		n, err := p.parseOr()
		if err != nil {
			return Node{}, err
		}
		if t := p.next(); t.kind != tokRParen {
			return Node{}, &SyntaxError{Pos: t.pos, Msg: "expected ')'"}
		}
		return n, nil
	}
	return p.parseRule()
}

func (p *parser) parseRule() (Node, error) {
	f := p.next()
	if f.kind != tokWord || !fieldRe.MatchString(f.text) {
		return Node{}, &SyntaxError{Pos: f.pos, Msg: fmt.Sprintf("expected field, got %q", f.text)}
	}
	o := p.next()
	if o.kind != tokOp && o.kind != tokWord {
		return Node{}, &SyntaxError{Pos: o.pos, Msg: fmt.Sprintf("expected operator after %s", f.text)}
	}
	op, ok := lookupOperator(o.text)
	if !ok {
		return Node{}, &SyntaxError{Pos: o.pos, Msg: fmt.Sprintf("unknown operator %q", o.text)}
	}
	if op.Unary() {
		// Tolerate an explicit empty value: Host.os is_null "".
		if p.peek().kind == tokString {
			p.next()
		}
		return RuleNode(f.text, op, ""), nil
	}
	v := p.next()
	switch {
	case v.kind == tokString:
	case v.kind == tokWord && !isKeyword(v.text):
	default:
		return Node{}, &SyntaxError{Pos: v.pos, Msg: fmt.Sprintf("expected value after %s %s", f.text, op)}
	}
	return RuleNode(f.text, op, v.text), nil
}

func isKeyword(s string) bool {
	return strings.EqualFold(s, "AND") || strings.EqualFold(s, "OR") || strings.EqualFold(s, "NOT")
}

func negate(n Node) Node {
	if n.Group != nil && !n.Group.Not {
		g := *n.Group
		g.Not = true
		return GroupNode(g)
	}
	return GroupNode(Group{Combinator: And, Not: true, Rules: []Node{n}})
}

func asGroup(n Node) Group {
	if n.Group != nil {
		return *n.Group
	}
	return Group{Combinator: And, Rules: []Node{n}}
}
