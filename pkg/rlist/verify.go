package rlist

import (
	"fmt"

	"github.com/khryptorgraphics/flowmesh/pkg/rfcerr"
	"github.com/khryptorgraphics/flowmesh/pkg/rnode"
)

// VerifyMode selects how one resource class is checked between an
// expected and an actual single-rank rlist.
type VerifyMode int

const (
	// VerifyStrict requires an exact match: no missing, no extra.
	VerifyStrict VerifyMode = iota
	// VerifyIgnore skips the class entirely.
	VerifyIgnore
	// VerifyAllowMissing tolerates actual having less than expected,
	// but still rejects actual having more.
	VerifyAllowMissing
	// VerifyAllowExtra tolerates actual having more than expected,
	// but still rejects actual having less.
	VerifyAllowExtra
)

// VerifyConfig selects a mode per resource class. Classes not listed
// default to VerifyStrict.
type VerifyConfig struct {
	Hostname VerifyMode
	Core     VerifyMode
	GPU      VerifyMode
}

// Verify checks a single-rank actual rlist against the matching rank
// in expected, per original_source's rlist_verify_ex: actual must name
// exactly one rank, present in expected. Hostname is checked only in
// VerifyStrict mode. For each resource class, "missing" is computed as
// expected-minus-actual and "extra" as actual-minus-expected; a class
// mode's ignore behavior governs whether that side of the diff is
// allowed to be nonempty.
func Verify(expected, actual *Rlist, cfg VerifyConfig) error {
	if actual.Nnodes() != 1 {
		return fmt.Errorf("rlist: verify: actual must have exactly one rank, got %d: %w", actual.Nnodes(), rfcerr.ErrInvalid)
	}
	var rank int
	var an *rnode.Rnode
	for r, n := range actual.Nodes {
		rank, an = r, n
	}
	en, ok := expected.Nodes[rank]
	if !ok {
		return fmt.Errorf("rlist: verify: rank %d not in expected: %w", rank, rfcerr.ErrNotFound)
	}

	if cfg.Hostname == VerifyStrict && en.Host != "" && an.Host != "" && en.Host != an.Host {
		return fmt.Errorf("rlist: verify: rank %d hostname mismatch: expected %q, got %q: %w", rank, en.Host, an.Host, rfcerr.ErrInvalid)
	}

	ignoreMissing := classIgnoreMask(cfg, true)
	ignoreExtra := classIgnoreMask(cfg, false)

	missing, err := rnode.Diff(en, an, ignoreMissing)
	if err != nil {
		return fmt.Errorf("rlist: verify: rank %d: %w", rank, err)
	}
	for name := range ignoreMissing {
		delete(missing.Children, name)
	}
	if !nodeTotalEmpty(missing) {
		return fmt.Errorf("rlist: verify: rank %d missing resources %s: %w", rank, dumpNode(missing), rfcerr.ErrNotFound)
	}

	extra, err := rnode.Diff(an, en, ignoreExtra)
	if err != nil {
		return fmt.Errorf("rlist: verify: rank %d: %w", rank, err)
	}
	for name := range ignoreExtra {
		delete(extra.Children, name)
	}
	if !nodeTotalEmpty(extra) {
		return fmt.Errorf("rlist: verify: rank %d extra resources %s: %w", rank, dumpNode(extra), rfcerr.ErrExists)
	}
	return nil
}

// classIgnoreMask builds the per-pool ignore mask for either the
// missing-side check (wantMissing=true: ignore when mode allows
// missing) or the extra-side check (wantMissing=false: ignore when
// mode allows extra). VerifyIgnore ignores the class on both sides.
func classIgnoreMask(cfg VerifyConfig, wantMissing bool) map[string]bool {
	mask := make(map[string]bool)
	apply := func(pool string, mode VerifyMode) {
		switch mode {
		case VerifyIgnore:
			mask[pool] = true
		case VerifyAllowMissing:
			if wantMissing {
				mask[pool] = true
			}
		case VerifyAllowExtra:
			if !wantMissing {
				mask[pool] = true
			}
		}
	}
	apply(rnode.CorePool, cfg.Core)
	apply("gpu", cfg.GPU)
	return mask
}

func dumpNode(n *rnode.Rnode) string {
	out := ""
	for _, name := range sortedPoolNames(n) {
		out += name + ":" + n.Children[name].IDs.String() + " "
	}
	return out
}
