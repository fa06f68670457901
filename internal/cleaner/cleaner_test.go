package cleaner

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lsmkv-project/lsmkv/internal/filestore"
	"github.com/lsmkv-project/lsmkv/internal/genid"
	"github.com/lsmkv-project/lsmkv/internal/record"
	"github.com/lsmkv-project/lsmkv/internal/sstable"
)

func newTestCleaner(t *testing.T) (*Cleaner, *filestore.Factory, *sstable.Loader) {
	t.Helper()
	fs := afero.NewMemMapFs()
	factory, err := filestore.New(fs, "/data/sst", "sst")
	require.NoError(t, err)
	loader, err := sstable.NewLoader(factory, 16, 16)
	require.NoError(t, err)

	log, _ := zap.NewDevelopment()
	return New(factory, loader, log.Sugar()), factory, loader
}

func buildTable(t *testing.T, loader *sstable.Loader, gen genid.Gen, key string) {
	t.Helper()
	_, err := loader.BuildAndInstall(gen, []record.Entry{
		{Seq: 1, Command: record.Command{Op: record.OpSet, Key: []byte(key), Value: []byte("v")}},
	}, 128, 0.01)
	require.NoError(t, err)
}

func TestCleanerDelaysDeletionByOneTag(t *testing.T) {
	c, factory, loader := newTestCleaner(t)
	buildTable(t, loader, 1, "a")
	buildTable(t, loader, 2, "b")
	go c.Run()

	c.Enqueue(Tag{Level: 0, Gens: []genid.Gen{1}})

	// Give the goroutine a moment; gen 1 must still be on disk since no
	// second tag has arrived yet to retire it.
	time.Sleep(20 * time.Millisecond)
	gens, err := factory.List()
	require.NoError(t, err)
	assert.Contains(t, gens, genid.Gen(1))

	c.Enqueue(Tag{Level: 0, Gens: []genid.Gen{2}})
	time.Sleep(20 * time.Millisecond)
	gens, err = factory.List()
	require.NoError(t, err)
	assert.NotContains(t, gens, genid.Gen(1))

	c.Close()
}

func TestCleanerFlushesPendingTagOnClose(t *testing.T) {
	c, factory, loader := newTestCleaner(t)
	buildTable(t, loader, 1, "a")
	go c.Run()

	c.Enqueue(Tag{Level: 0, Gens: []genid.Gen{1}})
	c.Close()

	gens, err := factory.List()
	require.NoError(t, err)
	assert.NotContains(t, gens, genid.Gen(1))
}

func TestCleanerEvictsLoaderCacheBeforeDeleting(t *testing.T) {
	c, _, loader := newTestCleaner(t)
	buildTable(t, loader, 1, "a")
	_, found, err := loader.Get(1, []byte("a"))
	require.NoError(t, err)
	require.True(t, found)

	go c.Run()
	c.Enqueue(Tag{Level: 0, Gens: []genid.Gen{1}})
	c.Enqueue(Tag{Level: 0, Gens: nil})
	c.Close()

	_, err = loader.AllEntries(1)
	assert.Error(t, err, "table file should have been removed")
}
