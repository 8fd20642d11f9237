package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/khryptorgraphics/flowmesh/pkg/rlist"
)

// readRlists decodes every concatenated R JSON document on r into an
// Rlist, in document order.
func readRlists(r io.Reader) ([]*rlist.Rlist, error) {
	dec := json.NewDecoder(r)
	var out []*rlist.Rlist
	for {
		var doc rlist.R
		if err := dec.Decode(&doc); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("decode R: %w", err)
		}
		rl, err := rlist.FromR(&doc)
		if err != nil {
			return nil, fmt.Errorf("decode R: %w", err)
		}
		out = append(out, rl)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no R object found on stdin")
	}
	return out, nil
}

// foldRlists reduces a non-empty slice of Rlists to one with fn,
// requiring at least minSets inputs (mirrors flux-R's rl_transform).
func foldRlists(cmd string, sets []*rlist.Rlist, minSets int, fn func(a, b *rlist.Rlist) (*rlist.Rlist, error)) (*rlist.Rlist, error) {
	if len(sets) < minSets {
		return nil, fmt.Errorf("%s requires at least %d resource sets, got %d", cmd, minSets, len(sets))
	}
	acc := sets[0]
	for _, next := range sets[1:] {
		merged, err := fn(acc, next)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", cmd, err)
		}
		acc = merged
	}
	return acc, nil
}

// writeRlist prints rl as one R document on its own line of w.
func writeRlist(w io.Writer, rl *rlist.Rlist) error {
	data, err := rlist.Encode(rl)
	if err != nil {
		return fmt.Errorf("encode R: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
