package sstable

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/spf13/afero"

	kverrors "github.com/lsmkv-project/lsmkv/errors"
	"github.com/lsmkv-project/lsmkv/internal/filestore"
	"github.com/lsmkv-project/lsmkv/internal/genid"
	"github.com/lsmkv-project/lsmkv/internal/record"
)

const cacheShards = 16

// Loader is the Table Loader: it opens table files by gen lazily,
// caching both the open file handle + parsed footer/index/filter
// ("table cache") and individual decoded data blocks ("block cache").
// Both caches are sharded across cacheShards independent LRUs, shard
// selection by xxhash of the cache key, so a hot table or block doesn't
// serialize every lookup behind one lock — grounded on the rest of the
// retrieved pack's use of sharded LRUs for exactly this reason, since
// the teacher's own sstable cache was a single unsharded map.
type Loader struct {
	factory *filestore.Factory

	tableShards []*lru.Cache[genid.Gen, *openTableHandle]
	blockShards []*lru.Cache[uint64, []record.Entry]

	mu sync.Mutex
}

type openTableHandle struct {
	file  afero.File
	table *Table
}

// NewLoader creates a Loader. tableCacheSize and blockCacheSize bound
// the total number of cached table handles and decoded blocks
// respectively, divided evenly across the shards.
func NewLoader(factory *filestore.Factory, tableCacheSize, blockCacheSize int) (*Loader, error) {
	l := &Loader{factory: factory}
	perTableShard := maxOne(tableCacheSize / cacheShards)
	perBlockShard := maxOne(blockCacheSize / cacheShards)
	for i := 0; i < cacheShards; i++ {
		ts, err := lru.NewWithEvict[genid.Gen, *openTableHandle](perTableShard, func(_ genid.Gen, h *openTableHandle) {
			h.file.Close()
		})
		if err != nil {
			return nil, kverrors.Wrap(kverrors.Internal, err, "sstable: create table cache shard")
		}
		bs, err := lru.New[uint64, []record.Entry](perBlockShard)
		if err != nil {
			return nil, kverrors.Wrap(kverrors.Internal, err, "sstable: create block cache shard")
		}
		l.tableShards = append(l.tableShards, ts)
		l.blockShards = append(l.blockShards, bs)
	}
	return l, nil
}

func maxOne(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

func (l *Loader) tableShard(gen genid.Gen) *lru.Cache[genid.Gen, *openTableHandle] {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(gen))
	h := xxhash.Sum64(buf[:])
	return l.tableShards[h%uint64(cacheShards)]
}

func (l *Loader) blockShard(key uint64) *lru.Cache[uint64, []record.Entry] {
	return l.blockShards[key%uint64(cacheShards)]
}

func blockCacheKey(gen genid.Gen, blockOffset uint64) uint64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:], uint64(gen))
	binary.LittleEndian.PutUint64(buf[8:], blockOffset)
	return xxhash.Sum64(buf[:])
}

// open returns the cached handle for gen, opening and parsing the table
// file on a cache miss.
func (l *Loader) open(gen genid.Gen) (*openTableHandle, error) {
	shard := l.tableShard(gen)
	if h, ok := shard.Get(gen); ok {
		return h, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := shard.Get(gen); ok {
		return h, nil
	}

	f, err := l.factory.OpenRead(gen)
	if err != nil {
		return nil, kverrors.Wrap(kverrors.IO, err, "sstable: open table")
	}
	table, err := openTable(f, gen)
	if err != nil {
		f.Close()
		return nil, err
	}
	h := &openTableHandle{file: f, table: table}
	shard.Add(gen, h)
	return h, nil
}

// Meta returns a table's metadata, opening it on first reference.
func (l *Loader) Meta(gen genid.Gen) (Meta, error) {
	h, err := l.open(gen)
	if err != nil {
		return Meta{}, err
	}
	return h.table.Meta, nil
}

// Get looks up key within the table named by gen.
func (l *Loader) Get(gen genid.Gen, key []byte) (e record.Entry, found bool, err error) {
	h, err := l.open(gen)
	if err != nil {
		return record.Entry{}, false, err
	}
	if !h.table.MayContain(key) {
		return record.Entry{}, false, nil
	}
	bi := h.table.blockIndexFor(key)
	if bi < 0 {
		return record.Entry{}, false, nil
	}
	idx := h.table.index[bi]
	entries, err := l.cachedBlock(gen, idx, h.file)
	if err != nil {
		return record.Entry{}, false, err
	}
	for _, e := range entries {
		cmp := bytesCompare(e.Command.Key, key)
		if cmp == 0 {
			return e, true, nil
		}
		if cmp > 0 {
			break
		}
	}
	return record.Entry{}, false, nil
}

func (l *Loader) cachedBlock(gen genid.Gen, idx indexEntry, f afero.File) ([]record.Entry, error) {
	key := blockCacheKey(gen, idx.blockOffset)
	shard := l.blockShard(key)
	if entries, ok := shard.Get(key); ok {
		return entries, nil
	}
	entries, err := readBlock(f, idx)
	if err != nil {
		return nil, err
	}
	shard.Add(key, entries)
	return entries, nil
}

// AllEntries returns every entry in the table named by gen, in key order.
func (l *Loader) AllEntries(gen genid.Gen) ([]record.Entry, error) {
	h, err := l.open(gen)
	if err != nil {
		return nil, err
	}
	return h.table.AllEntries(h.file)
}

// Evict drops gen from the table cache (and its blocks age out of the
// block cache naturally); called by the Cleaner once a table's file is
// deleted so a stale handle can't be served again.
func (l *Loader) Evict(gen genid.Gen) {
	l.tableShard(gen).Remove(gen)
}

// BuildAndInstall writes entries (already sorted, ascending) to a new
// table file named gen via factory, and returns its Meta. It does not
// populate the cache — the caller (compaction) installs the resulting
// Version before any reader can reach the new table, at which point a
// plain Get/AllEntries call will populate the cache on first use.
func (l *Loader) BuildAndInstall(gen genid.Gen, entries []record.Entry, targetBlockSize int, desiredErrProb float64) (Meta, error) {
	f, err := l.factory.Create(gen)
	if err != nil {
		return Meta{}, kverrors.Wrap(kverrors.IO, err, "sstable: create table file")
	}
	defer f.Close()

	b := NewBuilder(targetBlockSize, desiredErrProb)
	for _, e := range entries {
		b.Add(e)
	}
	meta, err := b.Finish(f)
	if err != nil {
		return Meta{}, err
	}
	meta.Gen = gen
	if err := f.Sync(); err != nil {
		return Meta{}, kverrors.Wrap(kverrors.IO, err, "sstable: sync table file")
	}
	return meta, nil
}
