package sstable

import (
	"fmt"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsmkv-project/lsmkv/internal/filestore"
	"github.com/lsmkv-project/lsmkv/internal/genid"
	"github.com/lsmkv-project/lsmkv/internal/record"
)

func newTestFactory(t *testing.T) *filestore.Factory {
	t.Helper()
	f, err := filestore.New(afero.NewMemMapFs(), "/data/sst", "sst")
	require.NoError(t, err)
	return f
}

func sampleEntries(n int) []record.Entry {
	out := make([]record.Entry, 0, n)
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		out = append(out, record.Entry{
			Seq:     uint64(i + 1),
			Command: record.Command{Op: record.OpSet, Key: key, Value: []byte(fmt.Sprintf("value-%d", i))},
		})
	}
	return out
}

func TestLoaderBuildAndGetRoundTrip(t *testing.T) {
	factory := newTestFactory(t)
	loader, err := NewLoader(factory, 16, 16)
	require.NoError(t, err)

	entries := sampleEntries(50)
	meta, err := loader.BuildAndInstall(genid.Gen(1), entries, 256, 0.01)
	require.NoError(t, err)
	assert.Equal(t, 50, meta.Len)
	assert.Equal(t, "key-0000", string(meta.Scope.Start))
	assert.Equal(t, "key-0049", string(meta.Scope.End))
	assert.EqualValues(t, 50, meta.MaxSeq, "MaxSeq must survive the metadata block round trip")

	for _, e := range entries {
		got, found, err := loader.Get(genid.Gen(1), e.Command.Key)
		require.NoError(t, err)
		require.True(t, found, "missing key %s", e.Command.Key)
		assert.Equal(t, e.Command.Value, got.Command.Value)
		assert.Equal(t, e.Seq, got.Seq)
	}

	_, found, err := loader.Get(genid.Gen(1), []byte("not-present"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestLoaderAllEntriesPreservesOrder(t *testing.T) {
	factory := newTestFactory(t)
	loader, err := NewLoader(factory, 16, 16)
	require.NoError(t, err)

	entries := sampleEntries(20)
	_, err = loader.BuildAndInstall(genid.Gen(2), entries, 128, 0.01)
	require.NoError(t, err)

	got, err := loader.AllEntries(genid.Gen(2))
	require.NoError(t, err)
	require.Len(t, got, 20)
	for i := range got {
		assert.Equal(t, entries[i].Command.Key, got[i].Command.Key)
	}
}

func TestScopeOverlap(t *testing.T) {
	s := Scope{Start: []byte("b"), End: []byte("d")}
	assert.True(t, s.Overlaps([]byte("a"), []byte("c")))
	assert.True(t, s.Overlaps(nil, nil))
	assert.False(t, s.Overlaps([]byte("e"), []byte("f")))
	assert.False(t, s.Overlaps([]byte("x"), nil))
}

func TestLoaderMetaCachesAcrossCalls(t *testing.T) {
	factory := newTestFactory(t)
	loader, err := NewLoader(factory, 1, 1)
	require.NoError(t, err)

	_, err = loader.BuildAndInstall(genid.Gen(3), sampleEntries(5), 128, 0.01)
	require.NoError(t, err)

	m1, err := loader.Meta(genid.Gen(3))
	require.NoError(t, err)
	m2, err := loader.Meta(genid.Gen(3))
	require.NoError(t, err)
	assert.Equal(t, m1, m2)
}
