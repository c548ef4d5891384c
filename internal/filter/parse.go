// Encodes and decodes the rule-tree to and from its URL JSON form.

package filter

import (
	"encoding/json"
	"log/slog"
	"strings"
)

// Empty returns the group matching everything.
func Empty() Group {
	return Group{Combinator: And}
}

// Parse decodes a JSON rule-tree carried in a URL. Any decode or validation
// failure yields the empty group: a corrupt parameter resets the filter and
// never fails the view.
func Parse(raw string) Group {
	g, err := ParseStrict(raw)
	if err != nil {
		slog.Debug("Ignoring malformed JSON filter", "err", err, "len", len(raw))
		return Empty()
	}
	return g
}

// ParseStrict decodes and validates a JSON rule-tree. An empty string is
// the empty group.
func ParseStrict(raw string) (Group, error) {
	if strings.TrimSpace(raw) == "" {
		return Empty(), nil
	}
	var g Group
	if err := json.Unmarshal([]byte(raw), &g); err != nil {
		return Empty(), err
	}
	g.normalize()
	if err := g.Validate(); err != nil {
		return Empty(), err
	}
	return g, nil
}

// Serialize returns the canonical JSON encoding of g. Keys are emitted in a
// fixed order so equal trees always produce equal strings.
func Serialize(g Group) string {
	b, err := json.Marshal(g)
	if err != nil {
		// Only an invalid node (neither rule nor group) fails to encode.
		slog.Warn("Failed to serialize filter", "err", err)
		b, _ = json.Marshal(Empty())
	}
	return string(b)
}
