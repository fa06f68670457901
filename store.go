// Package lsmkv is an embedded, single-process key-value storage core
// built on an LSM tree with snapshot (MVCC) reads: a mutable MemTable
// staged behind a write-ahead log, periodically flushed to immutable
// sorted Tables on disk, which the Compactor keeps leveled. Compaction
// runs synchronously on the goroutine whose write crosses the MemTable
// threshold (or that calls Flush); there is no background compaction.
// Store is the façade every other package sits behind.
//
// Grounded on the teacher's lsm.LSM (lsm/lsm.go) for the overall
// open/set/get/flush shape, on lotusdb's db.go for directory locking
// and the open-time recovery sequence, and on goleveldb's DB for the
// snapshot-via-Version pattern.
package lsmkv

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/lsmkv-project/lsmkv/config"
	kverrors "github.com/lsmkv-project/lsmkv/errors"
	"github.com/lsmkv-project/lsmkv/internal/cleaner"
	"github.com/lsmkv-project/lsmkv/internal/compactor"
	"github.com/lsmkv-project/lsmkv/internal/filestore"
	"github.com/lsmkv-project/lsmkv/internal/genid"
	"github.com/lsmkv-project/lsmkv/internal/memtable"
	"github.com/lsmkv-project/lsmkv/internal/record"
	"github.com/lsmkv-project/lsmkv/internal/sstable"
	"github.com/lsmkv-project/lsmkv/internal/version"
	"github.com/lsmkv-project/lsmkv/internal/walog"
)

const (
	walDir = "wal"
	sstDir = "ss_table"
	verDir = "version"
)

// Store is a single open LSM-tree instance rooted at config.DirPath.
// Safe for concurrent use by multiple goroutines.
type Store struct {
	cfg config.Config
	log *zap.SugaredLogger

	dirLock *flock.Flock

	genSrc *genid.Source

	wal      *walog.Loader
	staging  *memtable.Staging
	status   *version.Status
	loader   *sstable.Loader
	cleanr   *cleaner.Cleaner
	compactr *compactor.Compactor

	seq    atomic.Uint64
	closed atomic.Bool

	// flushMu serializes the freeze-and-flush sequence so two writers
	// that both cross the threshold don't both try to freeze the same
	// active table.
	flushMu sync.Mutex
}

// Open opens (creating if absent) a Store at cfg.DirPath, recovering
// from any prior unclean shutdown via the WAL and version-edit log.
func Open(cfg config.Config) (*Store, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := cfg.Logger

	if err := cfg.Fs.MkdirAll(cfg.DirPath, 0o755); err != nil {
		return nil, kverrors.Wrap(kverrors.IO, err, "lsmkv: create data directory")
	}

	dirLock, err := acquireLock(cfg)
	if err != nil {
		return nil, err
	}

	genSrc, err := genid.NewSource(nodeIDFor(cfg.DirPath))
	if err != nil {
		dirLock.Unlock()
		return nil, kverrors.Wrap(kverrors.Internal, err, "lsmkv: create gen source")
	}

	walFactory, err := filestore.New(cfg.Fs, filepath.Join(cfg.DirPath, walDir), "wal")
	if err != nil {
		dirLock.Unlock()
		return nil, err
	}
	sstFactory, err := filestore.New(cfg.Fs, filepath.Join(cfg.DirPath, sstDir), "sst")
	if err != nil {
		dirLock.Unlock()
		return nil, err
	}
	verFactory, err := filestore.New(cfg.Fs, filepath.Join(cfg.DirPath, verDir), "log")
	if err != nil {
		dirLock.Unlock()
		return nil, err
	}

	status, err := version.LoadWithPath(verFactory, genSrc)
	if err != nil {
		dirLock.Unlock()
		return nil, err
	}

	loader, err := sstable.NewLoader(sstFactory, cfg.TableCacheSize, cfg.BlockCacheSize)
	if err != nil {
		dirLock.Unlock()
		return nil, err
	}

	staging := memtable.NewStaging()
	// A clean shutdown terminates the WAL and skips replay (walog.Reload),
	// so the highest sequence number already in use has to be recovered
	// from the tables the version-edit log already knows about — WAL
	// replay alone only recovers it after a crash.
	var maxSeq uint64
	for level := 0; level < config.NumLevels; level++ {
		for _, m := range status.Current().TablesByLevel(level) {
			if m.MaxSeq > maxSeq {
				maxSeq = m.MaxSeq
			}
		}
	}
	walLoader, _, err := walog.Reload(walFactory, genSrc, func(payload []byte) error {
		e, derr := record.Decode(payload)
		if derr != nil {
			return derr
		}
		active := staging.Active()
		if e.Command.Op == record.OpRemove {
			active.Delete(e.Command.Key, e.Seq)
		} else {
			active.Put(e.Command.Key, e.Command.Value, e.Seq)
		}
		if e.Seq > maxSeq {
			maxSeq = e.Seq
		}
		return nil
	})
	if err != nil {
		dirLock.Unlock()
		return nil, err
	}

	cl := cleaner.New(sstFactory, loader, log)
	go cl.Run()

	cp := compactor.New(cfg, loader, status, cl, genSrc, log)

	s := &Store{
		cfg:      cfg,
		log:      log,
		dirLock:  dirLock,
		genSrc:   genSrc,
		wal:      walLoader,
		staging:  staging,
		status:   status,
		loader:   loader,
		cleanr:   cl,
		compactr: cp,
	}
	s.seq.Store(maxSeq)
	return s, nil
}

func acquireLock(cfg config.Config) (*flock.Flock, error) {
	// flock locks a real filesystem path; against an in-memory afero.Fs
	// (used by tests per SPEC_FULL.md §8) there is no OS-level file to
	// lock, so the lock is a harmless no-op there rather than a hard
	// requirement — only a real OS filesystem gives the cross-process
	// guarantee the lock exists for.
	if _, ok := cfg.Fs.(*afero.OsFs); !ok {
		return flock.New(""), nil
	}
	lockPath := filepath.Join(cfg.DirPath, "LOCK")
	fl := flock.New(lockPath)
	timeout := time.Duration(cfg.LockTimeoutMillis) * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ok, err := fl.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return nil, kverrors.Wrap(kverrors.IO, err, "lsmkv: acquire directory lock")
	}
	if !ok {
		return nil, kverrors.ErrLockContended
	}
	return fl, nil
}

// Set durably records key -> value.
func (s *Store) Set(key, value []byte) error {
	return s.apply(record.Command{Op: record.OpSet, Key: key, Value: value})
}

// Remove records a tombstone for key.
func (s *Store) Remove(key []byte) error {
	return s.apply(record.Command{Op: record.OpRemove, Key: key})
}

func (s *Store) apply(cmd record.Command) error {
	if s.closed.Load() {
		return kverrors.ErrClosed
	}
	if len(cmd.Key) == 0 {
		return kverrors.ErrKeyEmpty
	}

	seq := s.seq.Add(1)
	if s.cfg.WalEnable {
		entry := record.Entry{Seq: seq, Command: cmd}
		if err := s.wal.Log(record.Encode(entry)); err != nil {
			return err
		}
		if !s.cfg.WalAsyncPutEnable {
			if err := s.wal.Flush(); err != nil {
				return err
			}
		}
	}

	exceeded := s.staging.InsertAndCheckExceeded(cmd.Key, cmd.Value, cmd.Op, seq, s.cfg.MinorThresholdWithLen)
	if exceeded {
		if err := s.maybeFlush(); err != nil {
			return err
		}
	}
	return nil
}

// maybeFlush freezes the active MemTable and drains it to a new L0
// table, then checks whether any level now needs major compaction.
func (s *Store) maybeFlush() error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	if s.staging.HasFrozen() {
		return nil // another writer already froze the active table
	}
	entries, _, ok := s.staging.SwapAndSort()
	if !ok || len(entries) == 0 {
		return nil
	}
	return s.drainFrozen(entries)
}

// Flush forces the active MemTable to disk regardless of its size.
func (s *Store) Flush() error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	if s.staging.HasFrozen() {
		return nil
	}
	entries, _, ok := s.staging.SwapAndSort()
	if !ok {
		return nil
	}
	if len(entries) == 0 {
		s.staging.ClearFrozen() // nothing to write; do not leave an empty table frozen
		return nil
	}
	return s.drainFrozen(entries)
}

// drainFrozen drains entries into a new L0 table. With the WAL enabled it
// first switches the WAL onto a fresh segment and names the table after
// the segment just closed; with the WAL disabled the table gets a fresh
// gen from the Gen source. Once the table is installed it prunes the
// oldest half of the retired WAL segments whenever more than
// cfg.WalThreshold of them exist (walog.Loader.Prune); a crash-time
// reopen still replays every WAL segment that remains, flushed or not.
func (s *Store) drainFrozen(entries []record.Entry) error {
	var gen genid.Gen
	if s.cfg.WalEnable {
		g, err := s.wal.Switch()
		if err != nil {
			return err
		}
		gen = g
	} else {
		gen = s.genSrc.Next()
	}
	if _, err := s.compactr.Minor(gen, entries); err != nil {
		return err
	}
	s.staging.ClearFrozen()
	if _, err := s.wal.Prune(s.cfg.WalThreshold); err != nil {
		return err
	}
	return s.maybeMajor(0)
}

func (s *Store) maybeMajor(level int) error {
	for level < config.NumLevels-1 && s.compactr.NeedsMajor(level) {
		if _, err := s.compactr.Major(level); err != nil {
			return err
		}
		level++
	}
	return nil
}

// Get returns the current value for key. found is false when the key
// is absent or was removed.
func (s *Store) Get(key []byte) (value []byte, found bool, err error) {
	if s.closed.Load() {
		return nil, false, kverrors.ErrClosed
	}
	if v, deleted, ok := s.staging.Find(key); ok {
		if deleted {
			return nil, false, nil
		}
		return v, true, nil
	}

	snap := s.status.Current()
	v, deleted, ok, err := snap.Query(key, func(gen genid.Gen, key []byte) ([]byte, uint64, bool, bool, error) {
		e, found, gerr := s.loader.Get(gen, key)
		if gerr != nil || !found {
			return nil, 0, false, found, gerr
		}
		return e.Command.Value, e.Seq, e.Deleted(), true, nil
	})
	if err != nil {
		return nil, false, err
	}
	if !ok || deleted {
		return nil, false, nil
	}
	return v, true, nil
}

// Len returns the number of entries in the active MemTable alone,
// tombstones included — an approximation, not a full-engine scan,
// since the engine never materializes a merged view outside of Get/a
// Snapshot's point lookups (range scans are a named non-goal).
func (s *Store) Len() int {
	return s.staging.Active().Len()
}

// IsEmpty reports whether the store currently holds no data at all:
// nothing staged and no tables at any level.
func (s *Store) IsEmpty() bool {
	if s.staging.Active().Len() > 0 || s.staging.HasFrozen() {
		return false
	}
	v := s.status.Current()
	for level := 0; level < config.NumLevels; level++ {
		if len(v.TablesByLevel(level)) > 0 {
			return false
		}
	}
	return true
}

// SizeOnDisk returns the total byte size of every table currently
// installed in the live Version, across all levels.
func (s *Store) SizeOnDisk() int64 {
	var total int64
	v := s.status.Current()
	for level := 0; level < config.NumLevels; level++ {
		for _, m := range v.TablesByLevel(level) {
			total += m.SizeOnDisk
		}
	}
	return total
}

// Snapshot is a consistent point-in-time view for reads: the Version in
// effect, plus (since the MemTable is mutable) a defensive copy of the
// MemTable contents at the moment the Snapshot was taken. The MVCC
// transaction object built on top of Snapshot is out of scope for this
// package (see SPEC_FULL.md's Non-goals) — Snapshot is the primitive it
// would consume.
type Snapshot struct {
	seq     uint64
	staged  map[string]record.Entry
	version *version.Version
	loader  *sstable.Loader
}

// NewSnapshot captures the current state for repeatable reads.
func (s *Store) NewSnapshot() *Snapshot {
	staged := make(map[string]record.Entry)
	// Frozen entries predate active ones, so fill them in first and let
	// the active pass overwrite any key both tables hold.
	if frozen := s.staging.Frozen(); frozen != nil {
		for _, e := range frozen.SortedEntries() {
			staged[string(e.Command.Key)] = e
		}
	}
	for _, e := range s.staging.Active().SortedEntries() {
		staged[string(e.Command.Key)] = e
	}
	return &Snapshot{
		seq:     s.seq.Load(),
		staged:  staged,
		version: s.status.Current(),
		loader:  s.loader,
	}
}

// Get reads key as of when the Snapshot was taken.
func (sn *Snapshot) Get(key []byte) (value []byte, found bool, err error) {
	if e, ok := sn.staged[string(key)]; ok {
		if e.Deleted() {
			return nil, false, nil
		}
		return e.Command.Value, true, nil
	}
	v, deleted, ok, err := sn.version.Query(key, func(gen genid.Gen, key []byte) ([]byte, uint64, bool, bool, error) {
		e, found, gerr := sn.loader.Get(gen, key)
		if gerr != nil || !found {
			return nil, 0, false, found, gerr
		}
		return e.Command.Value, e.Seq, e.Deleted(), true, nil
	})
	if err != nil {
		return nil, false, err
	}
	if !ok || deleted {
		return nil, false, nil
	}
	return v, true, nil
}

// Close flushes any outstanding MemTable contents, stops the cleaner,
// and releases the directory lock. The Store must not be used after Close.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := s.Flush(); err != nil {
		s.log.Warnw("lsmkv: flush on close failed", "error", err)
	}
	s.cleanr.Close()
	if err := s.wal.Close(); err != nil {
		s.log.Warnw("lsmkv: wal close failed", "error", err)
	}
	if err := s.status.Close(); err != nil {
		s.log.Warnw("lsmkv: version log close failed", "error", err)
	}
	return s.dirLock.Unlock()
}

func nodeIDFor(dirPath string) int64 {
	var h int64
	for _, b := range []byte(dirPath) {
		h = h*31 + int64(b)
	}
	if h < 0 {
		h = -h
	}
	return h
}
