// Package compactor implements minor compaction (draining a frozen
// MemTable into a new L0 table) and major compaction (merging a
// level's tables down into the next level). Grounded on the teacher's
// lsm/compaction.go for the k-way merge (CompactionHeap) and mergeFiles
// shape, and on goleveldb's compaction.expand / badger's level-picking
// for choosing which tables at level+1 a merge must also consume.
// Unlike the teacher, the merge carries real sequence numbers (every
// sstable.Table entry now has one — see SPEC_FULL.md's design note on
// why the teacher's prototype didn't need this) instead of using file
// arrival order as a proxy for recency.
package compactor

import (
	"container/heap"
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lsmkv-project/lsmkv/config"
	kverrors "github.com/lsmkv-project/lsmkv/errors"
	"github.com/lsmkv-project/lsmkv/internal/cleaner"
	"github.com/lsmkv-project/lsmkv/internal/genid"
	"github.com/lsmkv-project/lsmkv/internal/record"
	"github.com/lsmkv-project/lsmkv/internal/sstable"
	"github.com/lsmkv-project/lsmkv/internal/version"
)

// Compactor runs minor and major compactions. It holds no lock of its
// own: the Store runs every compaction (minor or major) under its
// flushMu, so the engine never runs two compactions concurrently, since
// both mutate the shared Version through the same install-then-clean
// sequence.
type Compactor struct {
	cfg     config.Config
	loader  *sstable.Loader
	status  *version.Status
	cleaner *cleaner.Cleaner
	genSrc  *genid.Source
	log     *zap.SugaredLogger
}

// New creates a Compactor.
func New(cfg config.Config, loader *sstable.Loader, status *version.Status, cl *cleaner.Cleaner, genSrc *genid.Source, log *zap.SugaredLogger) *Compactor {
	return &Compactor{cfg: cfg, loader: loader, status: status, cleaner: cl, genSrc: genSrc, log: log}
}

// Minor flushes a frozen MemTable's sorted entries into one new L0
// table named gen (the caller passes the gen the WAL segment was
// switched away from, reusing it per spec.md §4.1). Returns the
// resulting Version.
func (c *Compactor) Minor(gen genid.Gen, entries []record.Entry) (*version.Version, error) {
	if len(entries) == 0 {
		return c.status.Current(), nil
	}
	meta, err := c.loader.BuildAndInstall(gen, entries, c.cfg.BlockSize(), c.cfg.DesiredErrorProb)
	if err != nil {
		return nil, err
	}
	var edit version.Edit
	edit.NewFile(0, meta)
	v, err := c.status.Install(edit)
	if err != nil {
		return nil, err
	}
	c.log.Infow("minor compaction installed table", "gen", gen, "entries", len(entries))
	return v, nil
}

// NeedsMajor reports whether level should be compacted down, per the
// current Version.
func (c *Compactor) NeedsMajor(level int) bool {
	return c.status.Current().IsThresholdExceededMajor(level, c.cfg)
}

// Major merges level's selected input tables (and any overlapping
// tables at level+1) into one or more new tables at level+1. level+1
// must be strictly less than config.NumLevels; the caller is
// responsible for not triggering major compaction on the bottom level.
func (c *Compactor) Major(level int) (*version.Version, error) {
	target := level + 1
	if target >= config.NumLevels {
		return c.status.Current(), nil
	}

	v := c.status.Current()
	var inputs []sstable.Meta
	if level == 0 {
		inputs = v.TablesByLevel(0) // L0 tables may overlap; consume them all
	} else {
		inputs = v.FirstTables(level, c.cfg.MajorSelectFileSize)
	}
	if len(inputs) == 0 {
		return v, nil
	}

	lo, hi := scopeOf(inputs)
	partners := v.TablesByScope(target, lo, hi)

	allInputs := append(append([]sstable.Meta{}, inputs...), partners...)
	entries, err := c.openAndMergeAll(allInputs)
	if err != nil {
		return nil, err
	}

	dropTombstones := target == config.NumLevels-1
	merged := dedupeAndFilter(entries, dropTombstones)

	newTables, err := c.writeSplitTables(merged)
	if err != nil {
		return nil, err
	}

	var edit version.Edit
	for _, m := range inputs {
		edit.DeleteFile(level, m.Gen)
	}
	for _, m := range partners {
		edit.DeleteFile(target, m.Gen)
	}
	for _, m := range newTables {
		edit.NewFile(target, m)
	}

	newVersion, err := c.status.Install(edit)
	if err != nil {
		return nil, err
	}

	var retired []genid.Gen
	for _, m := range allInputs {
		retired = append(retired, m.Gen)
	}
	c.cleaner.Enqueue(cleaner.Tag{Level: level, Gens: retired})

	c.log.Infow("major compaction merged level", "from", level, "to", target,
		"inputs", len(allInputs), "outputs", len(newTables))
	return newVersion, nil
}

// openAndMergeAll reads every input table's entries concurrently (each
// table is read independently, so opening them is embarrassingly
// parallel — grounded on the rest of the retrieved pack's use of
// errgroup for exactly this kind of partition-parallel I/O fan-out) and
// returns them per table, in input order; dedupeAndFilter does the k-way
// merge.
func (c *Compactor) openAndMergeAll(tables []sstable.Meta) ([][]record.Entry, error) {
	out := make([][]record.Entry, len(tables))
	g, _ := errgroup.WithContext(context.Background())
	for i, m := range tables {
		i, m := i, m
		g.Go(func() error {
			entries, err := c.loader.AllEntries(m.Gen)
			if err != nil {
				return kverrors.Wrap(kverrors.IO, err, "compactor: read input table")
			}
			out[i] = entries
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func scopeOf(tables []sstable.Meta) (lo, hi []byte) {
	for _, m := range tables {
		if lo == nil || bytesLess(m.Scope.Start, lo) {
			lo = m.Scope.Start
		}
		if hi == nil || bytesLess(hi, m.Scope.End) {
			hi = m.Scope.End
		}
	}
	return lo, hi
}

func bytesLess(a, b []byte) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// heapItem is one source's current head entry during the k-way merge.
type heapItem struct {
	entry  record.Entry
	source int // which table this entry came from, for tie-breaking recency
	idx    int // next index to pull from that table
}

// mergeHeap is a min-heap ordered by key, newest seq first among equal
// keys — the same ordering the teacher's CompactionHeap used, now keyed
// on the real per-entry sequence number instead of source file order.
type mergeHeap []heapItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	ki, kj := h[i].entry.Command.Key, h[j].entry.Command.Key
	c := bytesCompare(ki, kj)
	if c != 0 {
		return c < 0
	}
	return h[i].entry.Seq > h[j].entry.Seq
}
func (h mergeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)        { *h = append(*h, x.(heapItem)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func bytesCompare(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// dedupeAndFilter merges sorted-per-table entries into one key-ordered
// stream, keeping only the highest-seq entry per key, and (when
// dropTombstones is set, i.e. the merge target is the bottom level)
// discards tombstones entirely since no deeper level remains for them
// to shadow a stale value in.
func dedupeAndFilter(perTable [][]record.Entry, dropTombstones bool) []record.Entry {
	h := &mergeHeap{}
	heap.Init(h)
	for src, entries := range perTable {
		if len(entries) > 0 {
			heap.Push(h, heapItem{entry: entries[0], source: src, idx: 1})
		}
	}

	var out []record.Entry
	for h.Len() > 0 {
		top := heap.Pop(h).(heapItem)
		if len(out) == 0 || bytesCompare(out[len(out)-1].Command.Key, top.entry.Command.Key) != 0 {
			if !(dropTombstones && top.entry.Deleted()) {
				out = append(out, top.entry)
			}
		}
		// Any further occurrences of this key (older seq, from other
		// sources) are skipped below until the key advances.
		src := top.source
		if top.idx < len(perTable[src]) {
			heap.Push(h, heapItem{entry: perTable[src][top.idx], source: src, idx: top.idx + 1})
		}
	}
	return out
}

// writeSplitTables writes merged entries out as one or more tables,
// starting a new table whenever the running size estimate crosses
// cfg.SstFileSize — mirroring the teacher's single-output mergeFiles,
// generalized to multiple outputs since a full level merge can exceed
// one file's target size.
func (c *Compactor) writeSplitTables(entries []record.Entry) ([]sstable.Meta, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	var out []sstable.Meta
	var chunk []record.Entry
	var chunkBytes int64

	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		gen := c.genSrc.Next()
		meta, err := c.loader.BuildAndInstall(gen, chunk, c.cfg.BlockSize(), c.cfg.DesiredErrorProb)
		if err != nil {
			return err
		}
		out = append(out, meta)
		chunk = nil
		chunkBytes = 0
		return nil
	}

	for _, e := range entries {
		chunk = append(chunk, e)
		chunkBytes += int64(len(e.Command.Key) + len(e.Command.Value) + 17)
		if chunkBytes >= c.cfg.SstFileSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return out, nil
}
