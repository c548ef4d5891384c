// Publishes the JSON schema of the rule-tree for external editors.

package filter

import (
	"maps"

	"github.com/invopop/jsonschema"
)

// Schema returns the JSON schema of a serialized Group, including the Rule
// definition referenced by Node.
func Schema() *jsonschema.Schema {
	r := jsonschema.Reflector{}
	s := r.Reflect(&Group{})
	rule := r.Reflect(&Rule{})
	if s.Definitions == nil {
		s.Definitions = jsonschema.Definitions{}
	}
	maps.Copy(s.Definitions, rule.Definitions)
	s.Title = "Filter group"
	return s
}
