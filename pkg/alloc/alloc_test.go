package alloc

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/khryptorgraphics/flowmesh/pkg/constraint"
	"github.com/khryptorgraphics/flowmesh/pkg/idset"
	"github.com/khryptorgraphics/flowmesh/pkg/rfcerr"
	"github.com/khryptorgraphics/flowmesh/pkg/rlist"
)

func mustIdset(t *testing.T, s string) *idset.Set {
	t.Helper()
	ids, err := idset.Decode(s)
	require.NoError(t, err)
	return ids
}

func fourByFour(t *testing.T) *rlist.Rlist {
	t.Helper()
	rl, err := rlist.FromConfig([]rlist.ConfigEntry{{Hosts: "n[0-3]", Cores: "0-3"}})
	require.NoError(t, err)
	return rl
}

func TestAllocRejectsInvalidShapes(t *testing.T) {
	rl := fourByFour(t)
	_, err := Alloc(rl, Info{Nslots: 0, SlotSize: 1})
	require.Error(t, err)
	_, err = Alloc(rl, Info{Nslots: 1, SlotSize: 0})
	require.Error(t, err)
	_, err = Alloc(rl, Info{Nslots: 1, SlotSize: 1, Exclusive: true, Nnodes: 0})
	require.Error(t, err)
}

func TestAllocOverflowsWhenExceedingTotal(t *testing.T) {
	rl := fourByFour(t)
	_, err := Alloc(rl, Info{Nslots: 100, SlotSize: 1})
	require.Error(t, err)
}

func TestAllocWorstFitSpreadsAcrossAllNodes(t *testing.T) {
	rl := fourByFour(t)
	decision, err := Alloc(rl, Info{Nslots: 4, SlotSize: 1, Mode: modeWorstFit})
	require.NoError(t, err)
	require.Equal(t, 4, decision.Nnodes())
	require.Equal(t, 12, rl.Avail("core"))
}

func TestAllocDefaultModeIsWorstFit(t *testing.T) {
	rl := fourByFour(t)
	decision, err := Alloc(rl, Info{Nslots: 4, SlotSize: 1})
	require.NoError(t, err)
	require.Equal(t, 4, decision.Nnodes())
}

func TestAllocBestFitPrefersTightestNode(t *testing.T) {
	rl := fourByFour(t)
	_, err := rl.Nodes[0].Alloc(3) // rank 0 now has avail=1
	require.NoError(t, err)

	decision, err := Alloc(rl, Info{Nslots: 1, SlotSize: 1, Mode: modeBestFit})
	require.NoError(t, err)
	require.Equal(t, 1, decision.Nnodes())
	_, ok := decision.Nodes[0]
	require.True(t, ok)
	require.Equal(t, 0, rl.Nodes[0].Children["core"].Avail.Count())
}

func TestAllocFirstFitOrdersByRank(t *testing.T) {
	rl := fourByFour(t)
	decision, err := Alloc(rl, Info{Nslots: 2, SlotSize: 2, Mode: modeFirstFit})
	require.NoError(t, err)
	_, ok := decision.Nodes[0]
	require.True(t, ok)
}

func TestAllocExclusiveNnodesSkipsPartialNode(t *testing.T) {
	rl, err := rlist.FromConfig([]rlist.ConfigEntry{{Hosts: "n[0-2]", Cores: "0-1"}})
	require.NoError(t, err)
	_, err = rl.Nodes[1].Alloc(1) // rank 1 now has avail=1, not full

	require.NoError(t, err)
	decision, err := Alloc(rl, Info{Nnodes: 2, Nslots: 2, SlotSize: 2, Exclusive: true})
	require.NoError(t, err)
	_, hasRank0 := decision.Nodes[0]
	_, hasRank2 := decision.Nodes[2]
	require.True(t, hasRank0)
	require.True(t, hasRank2)
	_, hasRank1 := decision.Nodes[1]
	require.False(t, hasRank1)
}

func TestAllocConstraintRestrictsPlacement(t *testing.T) {
	rl, err := rlist.FromConfig([]rlist.ConfigEntry{
		{Hosts: "n0", Cores: "0-3", Properties: []string{"gpu"}},
		{Hosts: "n1", Cores: "0-3"},
		{Hosts: "n2", Cores: "0-3", Properties: []string{"gpu"}},
		{Hosts: "n3", Cores: "0-3"},
	})
	require.NoError(t, err)

	var spec constraint.Spec
	require.NoError(t, json.Unmarshal([]byte(`{"properties":["gpu"]}`), &spec))

	decision, err := Alloc(rl, Info{Nnodes: 2, Nslots: 2, SlotSize: 1, Constraint: &spec})
	require.NoError(t, err)
	_, hasRank0 := decision.Nodes[0]
	_, hasRank2 := decision.Nodes[2]
	require.True(t, hasRank0)
	require.True(t, hasRank2)
}

func TestAllocReturnsNospaceWhenFeasibleButNotRightNow(t *testing.T) {
	rl := fourByFour(t)
	rl.MarkDown(mustIdset(t, "0"))
	_, err := Alloc(rl, Info{Nslots: 13, SlotSize: 1})
	require.Error(t, err)
	require.True(t, errors.Is(err, rfcerr.ErrNoSpace))
}

func TestAllocReturnsOverflowWhenNeverSatisfiable(t *testing.T) {
	rl := fourByFour(t) // only 4 nodes exist
	_, err := Alloc(rl, Info{Nnodes: 5, Nslots: 4, SlotSize: 1, Exclusive: true})
	require.Error(t, err)
	require.True(t, errors.Is(err, rfcerr.ErrOverflow))
}

func TestAllocSpreadNnodesRotatesCandidates(t *testing.T) {
	rl := fourByFour(t)
	decision, err := Alloc(rl, Info{Nnodes: 2, Nslots: 4, SlotSize: 1})
	require.NoError(t, err)
	require.Equal(t, 2, decision.Nnodes())
	for _, n := range decision.Nodes {
		require.Equal(t, 2, n.Children["core"].IDs.Count())
	}
}
