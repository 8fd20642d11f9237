// Package hostlist implements ordered, duplicate-permitting sequences of
// hostnames with bracketed range compression ("node[0-3,5]"), the
// companion primitive to idset for naming resources by host instead of
// by number.
package hostlist

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/khryptorgraphics/flowmesh/pkg/rfcerr"
)

// Hostlist is an ordered sequence of hostnames. Duplicates are permitted
// and insertion order is preserved by every operation.
type Hostlist struct {
	hosts []string
}

// New returns an empty hostlist.
func New() *Hostlist {
	return &Hostlist{}
}

// Copy returns a deep, independent copy.
func (h *Hostlist) Copy() *Hostlist {
	out := &Hostlist{hosts: make([]string, len(h.hosts))}
	copy(out.hosts, h.hosts)
	return out
}

// Append adds a hostname to the end of the list.
func (h *Hostlist) Append(host string) {
	h.hosts = append(h.hosts, host)
}

// Count returns the number of hostnames, including duplicates.
func (h *Hostlist) Count() int {
	return len(h.hosts)
}

// Nth returns the i-th hostname (0-indexed) and true, or ("", false) if
// out of range.
func (h *Hostlist) Nth(i int) (string, bool) {
	if i < 0 || i >= len(h.hosts) {
		return "", false
	}
	return h.hosts[i], true
}

// Find returns the index of the first occurrence of host, or -1.
func (h *Hostlist) Find(host string) int {
	for i, candidate := range h.hosts {
		if candidate == host {
			return i
		}
	}
	return -1
}

// Hosts returns the ordered hostnames as a slice (a copy; mutating it
// does not affect h).
func (h *Hostlist) Hosts() []string {
	out := make([]string, len(h.hosts))
	copy(out, h.hosts)
	return out
}

var bracketToken = regexp.MustCompile(`^([^\[\],]*)\[([^\]]*)\]$`)

// Decode parses a comma-separated hostlist expression. Each item is
// either a bare hostname, or "prefix[ranges]" where ranges is itself a
// comma-separated list of single numbers or lo-hi spans; "prefix" is
// concatenated with each chosen numeric token to compose a hostname.
func Decode(expr string) (*Hostlist, error) {
	out := New()
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return out, nil
	}
	for _, item := range splitTopLevel(expr) {
		if item == "" {
			return nil, fmt.Errorf("hostlist: decode %q: %w", expr, rfcerr.ErrInvalid)
		}
		if m := bracketToken.FindStringSubmatch(item); m != nil {
			prefix, ranges := m[1], m[2]
			if ranges == "" {
				return nil, fmt.Errorf("hostlist: decode %q: empty range: %w", expr, rfcerr.ErrInvalid)
			}
			for _, r := range strings.Split(ranges, ",") {
				r = strings.TrimSpace(r)
				if r == "" {
					return nil, fmt.Errorf("hostlist: decode %q: %w", expr, rfcerr.ErrInvalid)
				}
				if dash := strings.IndexByte(r, '-'); dash > 0 {
					loStr, hiStr := r[:dash], r[dash+1:]
					lo, err := strconv.Atoi(loStr)
					if err != nil {
						return nil, fmt.Errorf("hostlist: decode %q: %w", expr, rfcerr.ErrInvalid)
					}
					hi, err := strconv.Atoi(hiStr)
					if err != nil {
						return nil, fmt.Errorf("hostlist: decode %q: %w", expr, rfcerr.ErrInvalid)
					}
					if lo > hi {
						return nil, fmt.Errorf("hostlist: decode %q: lo>hi: %w", expr, rfcerr.ErrInvalid)
					}
					width := 0
					if len(loStr) == len(hiStr) && loStr[0] == '0' {
						width = len(loStr)
					}
					for i := lo; i <= hi; i++ {
						out.Append(prefix + formatNum(i, width))
					}
				} else {
					if _, err := strconv.Atoi(r); err != nil {
						return nil, fmt.Errorf("hostlist: decode %q: %w", expr, rfcerr.ErrInvalid)
					}
					out.Append(prefix + r)
				}
			}
		} else {
			if strings.ContainsAny(item, "[]") {
				return nil, fmt.Errorf("hostlist: decode %q: unbalanced bracket: %w", expr, rfcerr.ErrInvalid)
			}
			out.Append(item)
		}
	}
	return out, nil
}

func formatNum(n, width int) string {
	s := strconv.Itoa(n)
	for len(s) < width {
		s = "0" + s
	}
	return s
}

// splitTopLevel splits on commas that are not inside brackets.
func splitTopLevel(expr string) []string {
	var out []string
	depth := 0
	start := 0
	for i, r := range expr {
		switch r {
		case '[':
			depth++
		case ']':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, expr[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, expr[start:])
	return out
}

var hostNumSuffix = regexp.MustCompile(`^(.*?)(\d+)$`)

// Encode renders the hostlist back into compact bracketed form, grouping
// only strictly consecutive runs so that Decode(Encode(h)) reproduces
// the exact original order (required for the idset/hostlist round-trip
// invariant).
func Encode(h *Hostlist) string {
	var groups []string
	i := 0
	for i < len(h.hosts) {
		prefix, num, width, ok := splitHostNum(h.hosts[i])
		if !ok {
			groups = append(groups, h.hosts[i])
			i++
			continue
		}
		runStart := i
		nums := []int{num}
		widths := []int{width}
		j := i + 1
		for j < len(h.hosts) {
			p2, n2, w2, ok2 := splitHostNum(h.hosts[j])
			if !ok2 || p2 != prefix || n2 != nums[len(nums)-1]+1 {
				break
			}
			nums = append(nums, n2)
			widths = append(widths, w2)
			j++
		}
		if len(nums) == 1 {
			groups = append(groups, h.hosts[runStart])
		} else {
			w := widths[0]
			groups = append(groups, fmt.Sprintf("%s[%s-%s]", prefix, formatNum(nums[0], w), formatNum(nums[len(nums)-1], w)))
		}
		i = j
	}
	return strings.Join(groups, ",")
}

// splitHostNum splits a hostname into a non-numeric prefix and trailing
// numeric suffix, reporting the zero-pad width actually used.
func splitHostNum(host string) (prefix string, num int, width int, ok bool) {
	m := hostNumSuffix.FindStringSubmatch(host)
	if m == nil {
		return "", 0, 0, false
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, 0, false
	}
	w := 0
	if len(m[2]) > 1 && m[2][0] == '0' {
		w = len(m[2])
	}
	return m[1], n, w, true
}
