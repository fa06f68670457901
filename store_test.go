package lsmkv

import (
	"fmt"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsmkv-project/lsmkv/config"
	kverrors "github.com/lsmkv-project/lsmkv/errors"
	"github.com/lsmkv-project/lsmkv/internal/testutil"
)

func testConfig(dir string, fs afero.Fs) config.Config {
	cfg := config.Default(dir)
	cfg.Fs = fs
	return cfg
}

func TestSetGetRemoveRoundTrip(t *testing.T) {
	s, err := Open(testConfig("/data", afero.NewMemMapFs()))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set([]byte("k1"), []byte("v1")))
	v, found, err := s.Get([]byte("k1"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v1", string(v))

	require.NoError(t, s.Set([]byte("k1"), []byte("v2")))
	v, found, err = s.Get([]byte("k1"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v2", string(v))

	require.NoError(t, s.Remove([]byte("k1")))
	_, found, err = s.Get([]byte("k1"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGetMissingKey(t *testing.T) {
	s, err := Open(testConfig("/data", afero.NewMemMapFs()))
	require.NoError(t, err)
	defer s.Close()

	_, found, err := s.Get([]byte("nope"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSetEmptyKeyRejected(t *testing.T) {
	s, err := Open(testConfig("/data", afero.NewMemMapFs()))
	require.NoError(t, err)
	defer s.Close()

	err = s.Set(nil, []byte("v"))
	assert.ErrorIs(t, err, kverrors.ErrKeyEmpty)
}

func TestOpsAfterCloseFail(t *testing.T) {
	s, err := Open(testConfig("/data", afero.NewMemMapFs()))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	err = s.Set([]byte("k"), []byte("v"))
	assert.ErrorIs(t, err, kverrors.ErrClosed)
	_, _, err = s.Get([]byte("k"))
	assert.ErrorIs(t, err, kverrors.ErrClosed)
}

// TestFlushDrainsMemtableToTable covers scenario S1: crossing the minor
// threshold moves entries out of the MemTable into an on-disk table
// that Get still serves transparently.
func TestFlushDrainsMemtableToTable(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := testConfig("/data", fs)
	cfg.MinorThresholdWithLen = 5

	s, err := Open(cfg)
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 20; i++ {
		require.NoError(t, s.Set([]byte(fmt.Sprintf("k-%03d", i)), []byte(fmt.Sprintf("v-%d", i))))
	}

	assert.Greater(t, s.SizeOnDisk(), int64(0), "minor compaction should have written at least one table")
	for i := 0; i < 20; i++ {
		v, found, err := s.Get([]byte(fmt.Sprintf("k-%03d", i)))
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, fmt.Sprintf("v-%d", i), string(v))
	}
}

// TestMajorCompactionTriggersAcrossLevels covers scenario S2: enough
// minor flushes accumulate enough L0 tables to trigger a cascade of
// major compactions down the level chain.
func TestMajorCompactionTriggersAcrossLevels(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := testConfig("/data", fs)
	cfg.MinorThresholdWithLen = 4
	cfg.MajorThresholdWithSstSize = 2
	cfg.MajorSelectFileSize = 4

	s, err := Open(cfg)
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 200; i++ {
		require.NoError(t, s.Set([]byte(fmt.Sprintf("k-%04d", i)), []byte(fmt.Sprintf("v-%d", i))))
	}
	require.NoError(t, s.Flush())

	v := s.status.Current()
	assert.Less(t, len(v.TablesByLevel(0)), 10, "L0 must not accumulate unboundedly once major compaction is wired")

	for i := 0; i < 200; i++ {
		val, found, err := s.Get([]byte(fmt.Sprintf("k-%04d", i)))
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, fmt.Sprintf("v-%d", i), string(val))
	}
}

// TestSnapshotIsolation covers scenario S4: a Snapshot taken before a
// write must not observe that write, while a fresh Get does.
func TestSnapshotIsolation(t *testing.T) {
	s, err := Open(testConfig("/data", afero.NewMemMapFs()))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set([]byte("k"), []byte("before")))
	snap := s.NewSnapshot()

	require.NoError(t, s.Set([]byte("k"), []byte("after")))

	v, found, err := snap.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "before", string(v), "snapshot must not see writes made after it was taken")

	v, found, err = s.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "after", string(v))
}

// TestSnapshotSeesFrozenMemtable covers the case where a snapshot is
// taken while a frozen (not-yet-flushed) MemTable still holds the most
// recent value for a key.
func TestSnapshotSeesFrozenMemtable(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := testConfig("/data", fs)
	cfg.MinorThresholdWithLen = 1000000 // never auto-flush during the test
	s, err := Open(cfg)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set([]byte("k"), []byte("v1")))
	_, _, ok := s.staging.SwapAndSort()
	require.True(t, ok)

	snap := s.NewSnapshot()
	v, found, err := snap.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v1", string(v))
}

// TestReopenRecoversFromWAL covers scenario S5: a Store reopened after
// a prior instance wrote but never flushed must recover every entry
// from the write-ahead log.
func TestReopenRecoversFromWAL(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := testConfig("/data", fs)

	s1, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, s1.Set([]byte("a"), []byte("1")))
	require.NoError(t, s1.Set([]byte("b"), []byte("2")))
	require.NoError(t, s1.Remove([]byte("a")))
	// No explicit Close: simulate a crash by abandoning s1 without
	// closing the dir lock or flushing.

	s2, err := Open(cfg)
	require.NoError(t, err)
	defer s2.Close()

	_, found, err := s2.Get([]byte("a"))
	require.NoError(t, err)
	assert.False(t, found)

	v, found, err := s2.Get([]byte("b"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "2", string(v))
}

// TestReopenRecoversAfterFlush covers recovery when the prior instance
// had already drained its MemTable into tables and was then closed
// cleanly: the data must still be readable, but purely from the L0
// table — a clean Close/Reopen must not re-replay WAL records whose
// data is already durable in a table, since Close terminates the log
// and Reload skips replay on a clean shutdown.
func TestReopenRecoversAfterFlush(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := testConfig("/data", fs)

	s1, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, s1.Set([]byte("x"), []byte("y")))
	require.NoError(t, s1.Flush())
	require.NoError(t, s1.Close())

	s2, err := Open(cfg)
	require.NoError(t, err)
	defer s2.Close()

	assert.Equal(t, 0, s2.Len(), "a clean reopen must not re-stage already-flushed WAL records into the MemTable")
	assert.Greater(t, s2.SizeOnDisk(), int64(0))

	v, found, err := s2.Get([]byte("x"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "y", string(v))
}

// TestReopenPreservesSeqOrderingAcrossCompaction guards against a
// sequence-number collision after a clean reopen: Store.Open must
// recover the highest sequence number already in use from the tables
// the version-edit log already references (status.Current()), not just
// from WAL replay, since a clean shutdown terminates the WAL and skips
// replay entirely. Without that recovery, a write made after reopening
// could be assigned a sequence number that already appears in an
// existing table, and a subsequent major compaction's newest-seq-wins
// merge could keep the stale pre-reopen value instead.
func TestReopenPreservesSeqOrderingAcrossCompaction(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := testConfig("/data", fs)
	cfg.MinorThresholdWithLen = 1
	cfg.MajorThresholdWithSstSize = 2
	cfg.MajorSelectFileSize = 10

	s1, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, s1.Set([]byte("k"), []byte("v1")))
	require.NoError(t, s1.Close())

	s2, err := Open(cfg)
	require.NoError(t, err)
	defer s2.Close()

	require.NoError(t, s2.Set([]byte("k"), []byte("v2")))

	v, found, err := s2.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v2", string(v), "the post-reopen write must outrank the pre-reopen one once major compaction merges their tables")
}

// TestDirLockContentionOnRealFs covers scenario S3: a second Open
// against the same directory on a real OS filesystem must fail fast
// with ErrLockContended rather than hang or corrupt state.
func TestDirLockContentionOnRealFs(t *testing.T) {
	dir := testutil.TempDir(t)
	cfg := config.Default(dir)
	cfg.Fs = afero.NewOsFs()
	cfg.LockTimeoutMillis = 200

	s1, err := Open(cfg)
	require.NoError(t, err)
	defer s1.Close()

	_, err = Open(cfg)
	assert.ErrorIs(t, err, kverrors.ErrLockContended)
}

func TestIsEmptyAndLen(t *testing.T) {
	s, err := Open(testConfig("/data", afero.NewMemMapFs()))
	require.NoError(t, err)
	defer s.Close()

	assert.True(t, s.IsEmpty())
	require.NoError(t, s.Set([]byte("k"), []byte("v")))
	assert.False(t, s.IsEmpty())
	assert.Equal(t, 1, s.Len())
}
