// Package constraint compiles the boolean resource-selection predicate
// language used by allocation requests ("give me nodes with property
// gpu, on these hosts, excluding these ranks") into a reusable matcher
// against a single rnode. Matchers are pure and re-entrant: compile
// once, call Match as many times as there are candidate nodes.
package constraint

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/khryptorgraphics/flowmesh/pkg/hostlist"
	"github.com/khryptorgraphics/flowmesh/pkg/idset"
	"github.com/khryptorgraphics/flowmesh/pkg/rfcerr"
	"github.com/khryptorgraphics/flowmesh/pkg/rnode"
)

// reservedPropertyChars lists the characters a constraint property name
// may not contain. Unlike rnode.SetProperty's set, '^' is allowed here
// since it is the leading negation marker, and '!' is rejected.
const reservedPropertyChars = "!&'\"`|()"

// Spec is one node of the constraint predicate tree. Exactly one of
// Properties/Hostlist/Ranks/And/Or/Not may be set on a decoded Spec;
// an empty JSON object decodes to a Spec that matches everything.
type Spec struct {
	kind   string
	values []string
	sub    []Spec
}

const (
	kindEmpty      = ""
	kindProperties = "properties"
	kindHostlist   = "hostlist"
	kindRanks      = "ranks"
	kindAnd        = "and"
	kindOr         = "or"
	kindNot        = "not"
)

// UnmarshalJSON enforces the "exactly one key" rule from the wire
// format; an empty object is the universal-match spec.
func (s *Spec) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("constraint: decode: %w: %v", rfcerr.ErrInvalid, err)
	}
	if len(raw) == 0 {
		s.kind = kindEmpty
		return nil
	}
	if len(raw) != 1 {
		return fmt.Errorf("constraint: spec must have exactly one key, got %d: %w", len(raw), rfcerr.ErrInvalid)
	}
	for key, body := range raw {
		switch key {
		case kindProperties, kindHostlist, kindRanks:
			var values []string
			if err := json.Unmarshal(body, &values); err != nil {
				return fmt.Errorf("constraint: %s must be a string array: %w", key, rfcerr.ErrInvalid)
			}
			s.kind = key
			s.values = values
		case kindAnd, kindOr, kindNot:
			var subs []Spec
			if err := json.Unmarshal(body, &subs); err != nil {
				return fmt.Errorf("constraint: %s must be an array of specs: %w", key, rfcerr.ErrInvalid)
			}
			s.kind = key
			s.sub = subs
		default:
			return fmt.Errorf("constraint: unknown key %q: %w", key, rfcerr.ErrInvalid)
		}
	}
	return nil
}

// Matcher is a compiled, reusable predicate.
type Matcher struct {
	match func(*rnode.Rnode) bool
}

// Match reports whether n satisfies the compiled predicate.
func (m *Matcher) Match(n *rnode.Rnode) bool {
	return m.match(n)
}

// Compile builds a Matcher from a Spec, validating idset/hostlist
// syntax and reserved property characters up front so matching itself
// never fails.
func Compile(spec Spec) (*Matcher, error) {
	switch spec.kind {
	case kindEmpty:
		return &Matcher{match: func(*rnode.Rnode) bool { return true }}, nil

	case kindProperties:
		for _, p := range spec.values {
			name := strings.TrimPrefix(p, "^")
			if strings.ContainsAny(name, reservedPropertyChars) {
				return nil, fmt.Errorf("constraint: invalid character in property %q: %w", p, rfcerr.ErrInvalid)
			}
		}
		props := append([]string(nil), spec.values...)
		return &Matcher{match: func(n *rnode.Rnode) bool {
			for _, p := range props {
				if !hasProperty(n, p) {
					return false
				}
			}
			return true
		}}, nil

	case kindHostlist:
		hl := hostlist.New()
		for _, expr := range spec.values {
			decoded, err := hostlist.Decode(expr)
			if err != nil {
				return nil, fmt.Errorf("constraint: hostlist %q: %w", expr, err)
			}
			for _, h := range decoded.Hosts() {
				hl.Append(h)
			}
		}
		return &Matcher{match: func(n *rnode.Rnode) bool {
			return hl.Find(n.Host) >= 0
		}}, nil

	case kindRanks:
		ids := idset.Create(true)
		for _, expr := range spec.values {
			decoded, err := idset.Decode(expr)
			if err != nil {
				return nil, fmt.Errorf("constraint: ranks %q: %w", expr, err)
			}
			ids = idset.Union(ids, decoded)
		}
		return &Matcher{match: func(n *rnode.Rnode) bool {
			return ids.Test(uint(n.Rank))
		}}, nil

	case kindAnd:
		return compileConjunction(spec.sub)

	case kindOr:
		matchers, err := compileAll(spec.sub)
		if err != nil {
			return nil, err
		}
		return &Matcher{match: func(n *rnode.Rnode) bool {
			if len(matchers) == 0 {
				return true
			}
			for _, m := range matchers {
				if m.Match(n) {
					return true
				}
			}
			return false
		}}, nil

	case kindNot:
		and, err := compileConjunction(spec.sub)
		if err != nil {
			return nil, err
		}
		return &Matcher{match: func(n *rnode.Rnode) bool { return !and.Match(n) }}, nil

	default:
		return nil, fmt.Errorf("constraint: unknown kind %q: %w", spec.kind, rfcerr.ErrInvalid)
	}
}

func compileAll(specs []Spec) ([]*Matcher, error) {
	out := make([]*Matcher, 0, len(specs))
	for _, s := range specs {
		m, err := Compile(s)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func compileConjunction(specs []Spec) (*Matcher, error) {
	matchers, err := compileAll(specs)
	if err != nil {
		return nil, err
	}
	return &Matcher{match: func(n *rnode.Rnode) bool {
		for _, m := range matchers {
			if !m.Match(n) {
				return false
			}
		}
		return true
	}}, nil
}

// hasProperty matches a property spec entry against one rnode: a
// leading '^' negates, and an entry also matches the node's hostname
// directly (so {"properties":["n0"]} selects by hostname too).
func hasProperty(n *rnode.Rnode, prop string) bool {
	negate := false
	if strings.HasPrefix(prop, "^") {
		prop = prop[1:]
		negate = true
	}
	match := n.HasProperty(prop) || n.Host == prop
	if negate {
		return !match
	}
	return match
}
