// Defines the closed operator set understood by the backend filter grammar.

package filter

import (
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
)

// Operator is a comparison operator of a filter rule.
//
// The set is a contract with the server: an operator the server does not
// implement must not be added here.
type Operator string

const (
	// OpEqual matches if the attribute equals the value.
	OpEqual Operator = "=="
	// OpNotEqual matches if the attribute differs from the value.
	OpNotEqual Operator = "!="
	// OpGreater matches if the attribute is greater than the value.
	OpGreater Operator = ">"
	// OpLess matches if the attribute is less than the value.
	OpLess Operator = "<"
	// OpGreaterEqual matches if the attribute is greater than or equal to the value.
	OpGreaterEqual Operator = ">="
	// OpLessEqual matches if the attribute is less than or equal to the value.
	OpLessEqual Operator = "<="
	// OpLike is a case-sensitive SQL LIKE pattern match.
	OpLike Operator = "like"
	// OpILike is a case-insensitive SQL LIKE pattern match.
	OpILike Operator = "ilike"
	// OpIsNull matches if the attribute is null.
	OpIsNull Operator = "is_null"
	// OpIsNotNull matches if the attribute is not null.
	OpIsNotNull Operator = "is_not_null"
	// OpAny matches if an array attribute contains the value.
	OpAny Operator = "any"
	// OpNotAny matches if an array attribute does not contain the value.
	OpNotAny Operator = "not_any"
	// OpInetIn matches if an address attribute is inside the CIDR value.
	OpInetIn Operator = "inet_in"
	// OpInetNotIn matches if an address attribute is outside the CIDR value.
	OpInetNotIn Operator = "inet_not_in"
)

// Operators lists every valid operator, symbolic ones first so that a
// lexer trying them in order matches ">=" before ">".
var Operators = []Operator{
	OpEqual, OpNotEqual, OpGreaterEqual, OpLessEqual, OpGreater, OpLess,
	OpLike, OpILike, OpIsNull, OpIsNotNull, OpAny, OpNotAny, OpInetIn, OpInetNotIn,
}

// Validate checks that the operator belongs to the supported set.
func (o Operator) Validate() error {
	for _, v := range Operators {
		if o == v {
			return nil
		}
	}
	return fmt.Errorf("unknown operator %q", string(o))
}

// Unary reports whether the operator takes no value.
func (o Operator) Unary() bool {
	return o == OpIsNull || o == OpIsNotNull
}

// symbolic reports whether the operator is spelled with punctuation.
func (o Operator) symbolic() bool {
	return strings.IndexFunc(string(o), func(r rune) bool { return r >= 'a' && r <= 'z' }) < 0
}

// lookupOperator returns the operator spelled s, case-insensitively for the
// word operators.
func lookupOperator(s string) (Operator, bool) {
	for _, v := range Operators {
		if v.symbolic() {
			if s == string(v) {
				return v, true
			}
		} else if strings.EqualFold(s, string(v)) {
			return v, true
		}
	}
	return "", false
}

// JSONSchema implements jsonschema.JSONSchemer.
func (Operator) JSONSchema() *jsonschema.Schema {
	enum := make([]any, 0, len(Operators))
	for _, v := range Operators {
		enum = append(enum, string(v))
	}
	return &jsonschema.Schema{
		Type:        "string",
		Enum:        enum,
		Description: "Comparison operator",
	}
}
