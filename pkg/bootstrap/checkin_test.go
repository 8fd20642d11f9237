package bootstrap

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckinFileAccumulatesRanksConcurrently(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkins")
	var wg sync.WaitGroup
	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			require.NoError(t, CheckinFile(path, r))
		}(r)
	}
	wg.Wait()

	ranks, err := ReadCheckins(path)
	require.NoError(t, err)
	require.Len(t, ranks, 8)
	seen := make(map[int]bool)
	for _, r := range ranks {
		seen[r] = true
	}
	for r := 0; r < 8; r++ {
		require.Truef(t, seen[r], "rank %d missing", r)
	}
}

func TestReadCheckinsOnMissingFile(t *testing.T) {
	ranks, err := ReadCheckins(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	require.Nil(t, ranks)
}
