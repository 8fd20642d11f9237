// Package rangeparse parses hostlist-style range expressions and plain
// numeric ranges without materializing the expanded set, answering only
// "how many ids are in this range" and "give me the n-th one". It backs
// the port-scan connector, which needs to walk a configured port range
// one endpoint at a time.
package rangeparse

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/khryptorgraphics/flowmesh/pkg/rfcerr"
)

// item is a single comma-separated component: either a single integer
// (lo == hi) or a lo-hi span with lo <= hi.
type item struct {
	lo, hi int
}

func (it item) count() int { return it.hi - it.lo + 1 }

func parseItems(expr string) ([]item, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("rangeparse: empty expression: %w", rfcerr.ErrInvalid)
	}
	var items []item
	for _, tok := range strings.Split(expr, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			return nil, fmt.Errorf("rangeparse: %q: empty item: %w", expr, rfcerr.ErrInvalid)
		}
		if dash := strings.IndexByte(tok, '-'); dash > 0 {
			lo, err := strconv.Atoi(tok[:dash])
			if err != nil {
				return nil, fmt.Errorf("rangeparse: %q: ill-formed range: %w", expr, rfcerr.ErrInvalid)
			}
			hi, err := strconv.Atoi(tok[dash+1:])
			if err != nil {
				return nil, fmt.Errorf("rangeparse: %q: ill-formed range: %w", expr, rfcerr.ErrInvalid)
			}
			if lo > hi {
				return nil, fmt.Errorf("rangeparse: %q: lo>hi: %w", expr, rfcerr.ErrInvalid)
			}
			items = append(items, item{lo, hi})
		} else {
			v, err := strconv.Atoi(tok)
			if err != nil {
				return nil, fmt.Errorf("rangeparse: %q: ill-formed range: %w", expr, rfcerr.ErrInvalid)
			}
			items = append(items, item{v, v})
		}
	}
	return items, nil
}

// Count returns how many integers the range expression denotes.
func Count(expr string) (int, error) {
	items, err := parseItems(expr)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, it := range items {
		total += it.count()
	}
	return total, nil
}

// Nth returns the n-th (1-indexed) integer denoted by the range
// expression, in the order the items were written.
func Nth(expr string, n int) (int, error) {
	if n < 1 {
		return 0, fmt.Errorf("rangeparse: index %d: %w", n, rfcerr.ErrInvalid)
	}
	items, err := parseItems(expr)
	if err != nil {
		return 0, err
	}
	remaining := n
	for _, it := range items {
		c := it.count()
		if remaining <= c {
			return it.lo + remaining - 1, nil
		}
		remaining -= c
	}
	return 0, fmt.Errorf("rangeparse: %q: index %d out of range: %w", expr, n, rfcerr.ErrInvalid)
}

// nodeToken is a parsed "prefix", "prefix[range]" or bare-range nodelist
// expression.
type nodeToken struct {
	prefix string
	rng    string // empty means the expression is a bare range ("0-3")
}

func parseNodeExpr(expr string) (nodeToken, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nodeToken{}, fmt.Errorf("rangeparse: empty nodelist expression: %w", rfcerr.ErrInvalid)
	}
	open := strings.IndexByte(expr, '[')
	if open < 0 {
		// Could be a bare prefix (count==1) or a bare numeric range.
		if _, err := strconv.Atoi(expr); err == nil {
			return nodeToken{rng: expr}, nil
		}
		if strings.ContainsAny(expr, "-,") {
			if _, err := parseItems(expr); err == nil {
				return nodeToken{rng: expr}, nil
			}
		}
		return nodeToken{prefix: expr, rng: "0-0"}, nil
	}
	if !strings.HasSuffix(expr, "]") {
		return nodeToken{}, fmt.Errorf("rangeparse: %q: missing closing bracket: %w", expr, rfcerr.ErrInvalid)
	}
	return nodeToken{prefix: expr[:open], rng: expr[open+1 : len(expr)-1]}, nil
}

// NodeCount returns how many hostnames a nodelist-style expression
// ("prefix", "prefix[range]" or a bare range) denotes.
func NodeCount(expr string) (int, error) {
	tok, err := parseNodeExpr(expr)
	if err != nil {
		return 0, err
	}
	return Count(tok.rng)
}

// NodeNth composes the n-th (1-indexed) hostname from a nodelist-style
// expression by concatenating the prefix with the chosen numeric token.
func NodeNth(expr string, n int) (string, error) {
	tok, err := parseNodeExpr(expr)
	if err != nil {
		return "", err
	}
	v, err := Nth(tok.rng, n)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%d", tok.prefix, v), nil
}
