package walog

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsmkv-project/lsmkv/internal/filestore"
	"github.com/lsmkv-project/lsmkv/internal/genid"
)

func newTestLoader(t *testing.T, fs afero.Fs) (*filestore.Factory, *genid.Source) {
	t.Helper()
	factory, err := filestore.New(fs, "/data/wal", "wal")
	require.NoError(t, err)
	src, err := genid.NewSource(1)
	require.NoError(t, err)
	return factory, src
}

func TestLogAndReplayWithoutTermination(t *testing.T) {
	fs := afero.NewMemMapFs()
	factory, src := newTestLoader(t, fs)

	l, err := Open(factory, src)
	require.NoError(t, err)
	require.NoError(t, l.Log([]byte("a")))
	require.NoError(t, l.Log([]byte("b")))
	require.NoError(t, l.Flush())

	var got [][]byte
	_, crashed, err := Reload(factory, src, func(payload []byte) error {
		got = append(got, append([]byte(nil), payload...))
		return nil
	})
	require.NoError(t, err)
	assert.True(t, crashed, "an unterminated last segment must be replayed as a crash")
	require.Len(t, got, 2)
	assert.Equal(t, "a", string(got[0]))
	assert.Equal(t, "b", string(got[1]))
}

func TestSwitchTerminatesAndCleanReloadSkipsReplay(t *testing.T) {
	fs := afero.NewMemMapFs()
	factory, src := newTestLoader(t, fs)

	l, err := Open(factory, src)
	require.NoError(t, err)
	require.NoError(t, l.Log([]byte("a")))
	_, err = l.Switch()
	require.NoError(t, err)
	require.NoError(t, l.Close())

	var replayed int
	_, crashed, err := Reload(factory, src, func(payload []byte) error {
		replayed++
		return nil
	})
	require.NoError(t, err)
	assert.False(t, crashed)
	assert.Zero(t, replayed, "a cleanly terminated log must not be replayed")
}

func TestReloadTruncatesTornTail(t *testing.T) {
	fs := afero.NewMemMapFs()
	factory, src := newTestLoader(t, fs)

	l, err := Open(factory, src)
	require.NoError(t, err)
	require.NoError(t, l.Log([]byte("whole-record")))
	require.NoError(t, l.Flush())
	// No Close: a crash leaves the segment without its terminator.

	// Simulate a torn write: append a few stray bytes after the last
	// valid frame, as a crash mid-append would leave behind.
	gens, err := factory.List()
	require.NoError(t, err)
	require.Len(t, gens, 1)
	f, err := factory.OpenAppend(gens[0])
	require.NoError(t, err)
	_, err = f.Write([]byte{0xFF, 0xFF, 0xFF})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var got [][]byte
	_, crashed, err := Reload(factory, src, func(payload []byte) error {
		got = append(got, payload)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, crashed)
	require.Len(t, got, 1)
	assert.Equal(t, "whole-record", string(got[0]))

	// The loader should still be usable after recovery.
	l2, _, err := Reload(factory, src, nil)
	require.NoError(t, err)
	require.NoError(t, l2.Log([]byte("more")))
	require.NoError(t, l2.Flush())
}

func TestPruneDeletesOldestRetiredSegments(t *testing.T) {
	fs := afero.NewMemMapFs()
	factory, src := newTestLoader(t, fs)

	l, err := Open(factory, src)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := l.Switch()
		require.NoError(t, err)
	}
	require.Len(t, l.Gens(), 6)

	deleted, err := l.Prune(2)
	require.NoError(t, err)
	assert.NotEmpty(t, deleted)
	assert.Less(t, len(l.Gens()), 6)
}
