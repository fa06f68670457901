package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsmkv-project/lsmkv/config"
	"github.com/lsmkv-project/lsmkv/internal/genid"
	"github.com/lsmkv-project/lsmkv/internal/sstable"
)

func meta(gen genid.Gen, start, end string) sstable.Meta {
	return sstable.Meta{Gen: gen, Scope: sstable.Scope{Start: []byte(start), End: []byte(end)}, Len: 1, SizeOnDisk: 100}
}

func TestApplyAddsAndRemovesFiles(t *testing.T) {
	v := Empty()
	var e1 Edit
	e1.NewFile(0, meta(1, "a", "c"))
	v = v.apply(e1)
	require.Len(t, v.TablesByLevel(0), 1)

	var e2 Edit
	e2.DeleteFile(0, 1)
	e2.NewFile(1, meta(2, "a", "c"))
	v2 := v.apply(e2)

	assert.Empty(t, v2.TablesByLevel(0))
	assert.Len(t, v2.TablesByLevel(1), 1)
	// v itself (the earlier snapshot) must remain unchanged: immutability.
	assert.Len(t, v.TablesByLevel(0), 1)
}

func TestTablesByScopeFiltersOverlap(t *testing.T) {
	v := Empty()
	var e Edit
	e.NewFile(1, meta(1, "a", "c"))
	e.NewFile(1, meta(2, "m", "p"))
	v = v.apply(e)

	overlap := v.TablesByScope(1, []byte("b"), []byte("n"))
	assert.Len(t, overlap, 2)

	none := v.TablesByScope(1, []byte("x"), []byte("z"))
	assert.Empty(t, none)
}

func TestIsThresholdExceededMajor(t *testing.T) {
	cfg := config.Default("/tmp/x")
	cfg.MajorThresholdWithSstSize = 2
	v := Empty()
	assert.False(t, v.IsThresholdExceededMajor(0, cfg))

	var e Edit
	e.NewFile(0, meta(1, "a", "a"))
	e.NewFile(0, meta(2, "b", "b"))
	v = v.apply(e)
	assert.True(t, v.IsThresholdExceededMajor(0, cfg))
}

func TestQueryChecksL0NewestFirst(t *testing.T) {
	v := Empty()
	var e Edit
	e.NewFile(0, meta(1, "k", "k"))
	e.NewFile(0, meta(2, "k", "k")) // overlapping, added after gen 1: should be checked first
	v = v.apply(e)

	var seen []genid.Gen
	_, _, found, err := v.Query([]byte("k"), func(gen genid.Gen, key []byte) ([]byte, uint64, bool, bool, error) {
		seen = append(seen, gen)
		return []byte("v"), 1, false, true, nil
	})
	require.NoError(t, err)
	assert.True(t, found)
	require.Len(t, seen, 1)
	assert.Equal(t, genid.Gen(2), seen[0])
}

func TestEditEncodeDecodeRoundTrip(t *testing.T) {
	var e Edit
	e.NewFile(0, meta(1, "a", "z"))
	e.DeleteFile(1, 2)

	got, err := Decode(Encode(e))
	require.NoError(t, err)
	require.Len(t, got.Added, 1)
	require.Len(t, got.Deleted, 1)
	assert.Equal(t, e.Added[0].Meta.Gen, got.Added[0].Meta.Gen)
	assert.Equal(t, e.Added[0].Meta.Scope.Start, got.Added[0].Meta.Scope.Start)
	assert.Equal(t, e.Deleted[0].Gen, got.Deleted[0].Gen)
}
