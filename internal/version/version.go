// Package version implements the Version/VersionEdit/VersionStatus
// trio: an immutable, copy-on-write snapshot of which table lives at
// which level, the diffs (edits) that move from one snapshot to the
// next, and the durable log of those diffs. Grounded on goleveldb's
// session/version pair (github.com/syndtr/goleveldb, leveldb/session.go
// and leveldb/version.go in the retrieved pack) generalized to this
// spec's level-capacity rule, and on the teacher's levels.go for the
// level-local query/overlap operations.
package version

import (
	"sort"

	"github.com/lsmkv-project/lsmkv/config"
	"github.com/lsmkv-project/lsmkv/internal/genid"
	"github.com/lsmkv-project/lsmkv/internal/sstable"
)

// Version is an immutable snapshot: the set of tables present at each
// level. L0 entries are kept in insertion order (newest last) since L0
// tables may overlap in key range; L1+ entries are kept sorted by
// Scope.Start since tables at those levels never overlap.
type Version struct {
	levels [config.NumLevels][]sstable.Meta
}

// Empty returns the Version for a freshly-created store: every level empty.
func Empty() *Version {
	return &Version{}
}

// TablesByLevel returns a defensive copy of the tables at level, in the
// level's canonical order (L0: insertion order; L1+: key order).
func (v *Version) TablesByLevel(level int) []sstable.Meta {
	if level < 0 || level >= config.NumLevels {
		return nil
	}
	out := make([]sstable.Meta, len(v.levels[level]))
	copy(out, v.levels[level])
	return out
}

// TablesByScope returns the tables at level whose key range overlaps
// [lo, hi] (nil bound = unbounded on that side).
func (v *Version) TablesByScope(level int, lo, hi []byte) []sstable.Meta {
	var out []sstable.Meta
	for _, m := range v.TablesByLevel(level) {
		if m.Scope.Overlaps(lo, hi) {
			out = append(out, m)
		}
	}
	return out
}

// FirstTables returns the n oldest tables at level — for L0, the n
// earliest-inserted; for L1+, the n with the smallest start key — used
// by the compactor to pick a bounded-size input set.
func (v *Version) FirstTables(level int, n int) []sstable.Meta {
	all := v.TablesByLevel(level)
	if n > len(all) {
		n = len(all)
	}
	return all[:n]
}

// Index returns the position of gen within level, or -1 if absent.
func (v *Version) Index(level int, gen genid.Gen) int {
	for i, m := range v.TablesByLevel(level) {
		if m.Gen == gen {
			return i
		}
	}
	return -1
}

// Query searches for key across every level, newest data first: L0 from
// its most-recently-added table backward, then L1..L6 in order (since
// within a level no two tables overlap, at most one table per level can
// contain the key). The caller is responsible for having already missed
// in the memtables — Query only consults on-disk tables. found=false is
// a definitive miss; the tableGet callback does the actual byte-level
// lookup (supplied by the Loader) so this package stays free of file I/O.
func (v *Version) Query(key []byte, tableGet func(gen genid.Gen, key []byte) (value []byte, seq uint64, deleted bool, found bool, err error)) (value []byte, deleted bool, found bool, err error) {
	l0 := v.levels[0]
	for i := len(l0) - 1; i >= 0; i-- {
		m := l0[i]
		if !m.Scope.Overlaps(key, key) {
			continue
		}
		val, _, del, ok, qerr := tableGet(m.Gen, key)
		if qerr != nil {
			return nil, false, false, qerr
		}
		if ok {
			return val, del, true, nil
		}
	}
	for level := 1; level < config.NumLevels; level++ {
		tables := v.levels[level]
		i := sort.Search(len(tables), func(i int) bool {
			return bytesCompareScope(tables[i].Scope.End, key) >= 0
		})
		if i >= len(tables) || !tables[i].Scope.Overlaps(key, key) {
			continue
		}
		val, _, del, ok, qerr := tableGet(tables[i].Gen, key)
		if qerr != nil {
			return nil, false, false, qerr
		}
		if ok {
			return val, del, true, nil
		}
	}
	return nil, false, false, nil
}

func bytesCompareScope(a, b []byte) int {
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

// IsThresholdExceededMajor reports whether level's table count has
// reached the capacity the config assigns it (L0 uses
// MajorThresholdWithSstSize directly; each deeper level multiplies by
// LevelSstMagnification).
func (v *Version) IsThresholdExceededMajor(level int, cfg config.Config) bool {
	if level < 0 || level >= config.NumLevels {
		return false
	}
	return len(v.levels[level]) >= cfg.LevelCapacity(level)
}

// clone returns a shallow copy whose level slices are independently
// appendable (copy-on-write base for apply).
func (v *Version) clone() *Version {
	nv := &Version{}
	for i := range v.levels {
		nv.levels[i] = append([]sstable.Meta(nil), v.levels[i]...)
	}
	return nv
}

// apply returns a new Version reflecting edit, leaving v untouched.
func (v *Version) apply(edit Edit) *Version {
	nv := v.clone()
	for _, d := range edit.Deleted {
		lvl := nv.levels[d.Level]
		for i, m := range lvl {
			if m.Gen == d.Gen {
				nv.levels[d.Level] = append(lvl[:i], lvl[i+1:]...)
				break
			}
		}
	}
	for _, a := range edit.Added {
		nv.levels[a.Level] = append(nv.levels[a.Level], a.Meta)
		if a.Level > 0 {
			sort.Slice(nv.levels[a.Level], func(i, j int) bool {
				return bytesCompareScope(nv.levels[a.Level][i].Scope.Start, nv.levels[a.Level][j].Scope.Start) < 0
			})
		}
	}
	return nv
}
