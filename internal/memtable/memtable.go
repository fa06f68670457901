// Package memtable implements the mutable in-memory staging structure:
// a sorted key -> (command, seq) map held under a reader-writer lock, as
// the teacher's MemTable does, generalized from string keys to
// byte-string keys and given the active/frozen swap the engine's write
// path and flush path coordinate through.
package memtable

import (
	"bytes"
	"sort"
	"sync"

	"github.com/lsmkv-project/lsmkv/internal/record"
)

// entry is one slot in the sorted table.
type entry struct {
	key []byte
	cmd record.Command
	seq uint64
}

// Table is a single sorted, RWMutex-protected map. The engine keeps one
// active Table plus, optionally, one frozen Table awaiting flush.
type Table struct {
	mu      sync.RWMutex
	entries []entry
	size    int // approximate bytes, for the freeze threshold
}

// New creates an empty Table.
func New() *Table {
	return &Table{entries: make([]entry, 0, 1024)}
}

// Put inserts a Set command at seq.
func (t *Table) Put(key, value []byte, seq uint64) {
	t.upsert(key, record.Command{Op: record.OpSet, Key: key, Value: value}, seq)
}

// Delete inserts a tombstone at seq.
func (t *Table) Delete(key []byte, seq uint64) {
	t.upsert(key, record.Command{Op: record.OpRemove, Key: key}, seq)
}

func (t *Table) upsert(key []byte, cmd record.Command, seq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := sort.Search(len(t.entries), func(i int) bool {
		return bytes.Compare(t.entries[i].key, key) >= 0
	})

	keyCopy := append([]byte(nil), key...)
	var valCopy []byte
	if cmd.Value != nil {
		valCopy = append([]byte(nil), cmd.Value...)
	}
	newEnt := entry{key: keyCopy, cmd: record.Command{Op: cmd.Op, Key: keyCopy, Value: valCopy}, seq: seq}

	if idx < len(t.entries) && bytes.Equal(t.entries[idx].key, key) {
		t.size += len(valCopy) - len(t.entries[idx].cmd.Value)
		t.entries[idx] = newEnt
		return
	}

	t.entries = append(t.entries, entry{})
	copy(t.entries[idx+1:], t.entries[idx:])
	t.entries[idx] = newEnt
	t.size += len(key) + len(valCopy) + 16
}

// Find looks up key. found is false on a miss; when found is true and
// deleted is true, the logical result is "no value" (a tombstone) rather
// than absence — the caller (Store.get) maps that to a miss without
// falling through to table lookups, preserving invariant 4.
func (t *Table) Find(key []byte) (value []byte, seq uint64, deleted bool, found bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	idx := sort.Search(len(t.entries), func(i int) bool {
		return bytes.Compare(t.entries[i].key, key) >= 0
	})
	if idx < len(t.entries) && bytes.Equal(t.entries[idx].key, key) {
		e := t.entries[idx]
		return e.cmd.Value, e.seq, e.cmd.Op == record.OpRemove, true
	}
	return nil, 0, false, false
}

// Len returns the number of entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Size returns the approximate byte size of the table's contents.
func (t *Table) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.size
}

// SortedEntries returns a defensive copy of all entries in key order,
// for flushing to a table.
func (t *Table) SortedEntries() []record.Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]record.Entry, len(t.entries))
	for i, e := range t.entries {
		out[i] = record.Entry{Seq: e.seq, Command: e.cmd}
	}
	return out
}

// Staging holds the active table and, optionally, one frozen table
// awaiting flush. Invariant: if both exist, every key in the frozen one
// has seq <= every key in the active one with the same key (the frozen
// table strictly predates the active one).
type Staging struct {
	mu     sync.Mutex
	active *Table
	frozen *Table
}

// NewStaging creates a Staging with a fresh, empty active table.
func NewStaging() *Staging {
	return &Staging{active: New()}
}

// Active returns the current active table (for writes).
func (s *Staging) Active() *Table {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Find checks the active table then the frozen table, in that order —
// the active table always shadows the frozen one for a shared key since
// it holds the newer seq.
func (s *Staging) Find(key []byte) (value []byte, deleted bool, found bool) {
	s.mu.Lock()
	active, frozen := s.active, s.frozen
	s.mu.Unlock()

	if v, _, del, ok := active.Find(key); ok {
		return v, del, true
	}
	if frozen != nil {
		if v, _, del, ok := frozen.Find(key); ok {
			return v, del, true
		}
	}
	return nil, false, false
}

// InsertAndCheckExceeded inserts cmd into the active table at seq and
// reports whether the table's entry count now reaches threshold —
// minor_threshold_with_len is a count of entries, not bytes (config.go,
// spec §6), matching KipDB's len-based insert_data_and_is_exceeded.
// The staging lock is held for the whole insert so a concurrent
// SwapAndSort cannot freeze the table between lookup and write.
func (s *Staging) InsertAndCheckExceeded(key, value []byte, op record.Op, seq uint64, threshold int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	active := s.active

	if op == record.OpRemove {
		active.Delete(key, seq)
	} else {
		active.Put(key, value, seq)
	}
	return active.Len() >= threshold
}

// SwapAndSort atomically moves the active table into the frozen slot, if
// the frozen slot is empty, and returns the just-frozen table's entries
// in key order, with the highest seq among them, for flushing. There is
// at most one frozen snapshot at any time: if frozen is already
// occupied, SwapAndSort is a no-op and returns ok=false — the Store only
// calls this after checking HasFrozen under its flushMu, so this is a
// defensive invariant check, not the common path.
func (s *Staging) SwapAndSort() (entries []record.Entry, lastSeq uint64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frozen != nil {
		return nil, 0, false
	}
	toFlush := s.active
	s.frozen = toFlush
	s.active = New()

	sorted := toFlush.SortedEntries()
	var maxSeq uint64
	for _, e := range sorted {
		if e.Seq > maxSeq {
			maxSeq = e.Seq
		}
	}
	return sorted, maxSeq, true
}

// ClearFrozen releases the frozen table once its contents have been
// durably flushed to a table file.
func (s *Staging) ClearFrozen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frozen = nil
}

// HasFrozen reports whether a frozen table is currently awaiting flush.
func (s *Staging) HasFrozen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frozen != nil
}

// Frozen returns the frozen table, or nil if none is currently held.
func (s *Staging) Frozen() *Table {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frozen
}
