package constraint

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/khryptorgraphics/flowmesh/pkg/rnode"
)

func decode(t *testing.T, s string) Spec {
	t.Helper()
	var spec Spec
	require.NoError(t, json.Unmarshal([]byte(s), &spec))
	return spec
}

func TestEmptyObjectMatchesEverything(t *testing.T) {
	spec := decode(t, `{}`)
	m, err := Compile(spec)
	require.NoError(t, err)
	require.True(t, m.Match(rnode.New(0, "n0")))
}

func TestRejectsMultipleKeys(t *testing.T) {
	var spec Spec
	err := json.Unmarshal([]byte(`{"properties":["gpu"],"ranks":["0"]}`), &spec)
	require.Error(t, err)
}

func TestPropertiesRequiresAllToMatch(t *testing.T) {
	n := rnode.New(0, "n0")
	require.NoError(t, n.SetProperty("gpu"))
	spec := decode(t, `{"properties":["gpu","fast"]}`)
	m, err := Compile(spec)
	require.NoError(t, err)
	require.False(t, m.Match(n))

	require.NoError(t, n.SetProperty("fast"))
	require.True(t, m.Match(n))
}

func TestPropertyNegationPrefix(t *testing.T) {
	n := rnode.New(0, "n0")
	require.NoError(t, n.SetProperty("gpu"))
	spec := decode(t, `{"properties":["^gpu"]}`)
	m, err := Compile(spec)
	require.NoError(t, err)
	require.False(t, m.Match(n))

	other := rnode.New(1, "n1")
	require.True(t, m.Match(other))
}

func TestPropertyAlsoMatchesHostname(t *testing.T) {
	n := rnode.New(0, "n0")
	spec := decode(t, `{"properties":["n0"]}`)
	m, err := Compile(spec)
	require.NoError(t, err)
	require.True(t, m.Match(n))
}

func TestHostlistMatchesDecodedSet(t *testing.T) {
	spec := decode(t, `{"hostlist":["n[0-2]"]}`)
	m, err := Compile(spec)
	require.NoError(t, err)
	require.True(t, m.Match(rnode.New(0, "n1")))
	require.False(t, m.Match(rnode.New(0, "n5")))
}

func TestRanksMatchesIdset(t *testing.T) {
	spec := decode(t, `{"ranks":["0,2-3"]}`)
	m, err := Compile(spec)
	require.NoError(t, err)
	require.True(t, m.Match(rnode.New(2, "n2")))
	require.False(t, m.Match(rnode.New(1, "n1")))
}

func TestAndRequiresAllSubSpecs(t *testing.T) {
	n := rnode.New(0, "n0")
	require.NoError(t, n.SetProperty("gpu"))
	spec := decode(t, `{"and":[{"properties":["gpu"]},{"ranks":["0"]}]}`)
	m, err := Compile(spec)
	require.NoError(t, err)
	require.True(t, m.Match(n))

	other := rnode.New(1, "n1")
	require.NoError(t, other.SetProperty("gpu"))
	require.False(t, m.Match(other))
}

func TestOrMatchesAnySubSpec(t *testing.T) {
	spec := decode(t, `{"or":[{"ranks":["0"]},{"ranks":["5"]}]}`)
	m, err := Compile(spec)
	require.NoError(t, err)
	require.True(t, m.Match(rnode.New(0, "n0")))
	require.True(t, m.Match(rnode.New(5, "n5")))
	require.False(t, m.Match(rnode.New(1, "n1")))
}

func TestOrOfEmptyListMatchesEverything(t *testing.T) {
	spec := decode(t, `{"or":[]}`)
	m, err := Compile(spec)
	require.NoError(t, err)
	require.True(t, m.Match(rnode.New(0, "n0")))
}

func TestNotNegatesConjunction(t *testing.T) {
	spec := decode(t, `{"not":[{"ranks":["0"]}]}`)
	m, err := Compile(spec)
	require.NoError(t, err)
	require.False(t, m.Match(rnode.New(0, "n0")))
	require.True(t, m.Match(rnode.New(1, "n1")))
}

func TestReservedPropertyCharacterRejected(t *testing.T) {
	spec := decode(t, `{"properties":["a|b"]}`)
	_, err := Compile(spec)
	require.Error(t, err)
}
