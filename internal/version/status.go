package version

import (
	"sync"

	kverrors "github.com/lsmkv-project/lsmkv/errors"
	"github.com/lsmkv-project/lsmkv/internal/filestore"
	"github.com/lsmkv-project/lsmkv/internal/genid"
	"github.com/lsmkv-project/lsmkv/internal/walog"
)

// defaultVersionLogThreshold is DEFAULT_VERSION_LOG_THRESHOLD from
// spec §4.4: the number of edit records a version-edit log segment may
// accumulate before install rotates it and writes a base snapshot.
const defaultVersionLogThreshold = 64

// Status is the VersionStatus: the durable, replayable log of edits
// plus the current in-memory Version they produce. One edit is
// appended (and flushed) per install, and install atomically swaps in
// the new Version only after the edit is durable — so a crash can never
// leave the in-memory view ahead of what the log can reconstruct.
//
// Grounded on goleveldb's session type (leveldb/session.go): Status.log
// plays the role of session's manifest journal.Writer, and install
// mirrors session.commit's append-then-swap sequencing.
type Status struct {
	mu      sync.RWMutex
	current *Version
	log     *walog.Loader
	edits   int // records appended to the active log segment since the last rotation
}

// LoadWithPath opens (or creates) the version-edit log under factory
// and reconstructs the current Version by replaying every edit in
// order, starting from an empty Version.
func LoadWithPath(factory *filestore.Factory, src *genid.Source) (*Status, error) {
	st := &Status{current: Empty()}
	loader, _, err := walog.Reload(factory, src, func(payload []byte) error {
		edit, derr := Decode(payload)
		if derr != nil {
			return derr
		}
		st.current = st.current.apply(edit)
		st.edits++
		return nil
	})
	if err != nil {
		return nil, err
	}
	st.log = loader
	return st, nil
}

// Current returns the current Version snapshot. Since Version is
// immutable, callers may hold the returned pointer across I/O without
// additional locking.
func (s *Status) Current() *Version {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Install durably appends edit to the version-edit log, then publishes
// the Version it produces. Per spec §4.4 step (d), once the log has
// accumulated defaultVersionLogThreshold records since its last
// rotation, Install rotates it before returning so the log never grows
// unbounded and a reopen never has to replay more than one threshold's
// worth of edits. Returns the new Version.
func (s *Status) Install(edit Edit) (*Version, error) {
	payload := Encode(edit)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.log.Log(payload); err != nil {
		return nil, err
	}
	if err := s.log.Flush(); err != nil {
		return nil, err
	}
	s.current = s.current.apply(edit)
	s.edits++

	if s.edits >= defaultVersionLogThreshold {
		if err := s.rotateLocked(); err != nil {
			return nil, err
		}
	}
	return s.current, nil
}

// Rotate compacts the version-edit log: it switches to a fresh segment
// and writes one edit describing the current Version from scratch (all
// present tables as Added, nothing Deleted), so every earlier segment
// becomes redundant and can be pruned. Mirrors goleveldb's manifest
// rotation (a new MANIFEST file written with the live version, the old
// one discarded) without needing a second "CURRENT" pointer file, since
// filestore.Factory.List already returns segments in creation order.
func (s *Status) Rotate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotateLocked()
}

// rotateLocked does the work of Rotate; callers must already hold s.mu.
func (s *Status) rotateLocked() error {
	if _, err := s.log.Switch(); err != nil {
		return err
	}

	var snapshot Edit
	for level := 0; level < len(s.current.levels); level++ {
		for _, m := range s.current.levels[level] {
			snapshot.NewFile(level, m)
		}
	}
	payload := Encode(snapshot)
	if err := s.log.Log(payload); err != nil {
		return err
	}
	if err := s.log.Flush(); err != nil {
		return err
	}

	if _, err := s.log.PruneAllRetired(); err != nil {
		return kverrors.Wrap(kverrors.IO, err, "version: prune edit log")
	}
	s.edits = 1 // the base snapshot just written is the new segment's first record
	return nil
}

// Close closes the underlying version-edit log.
func (s *Status) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.Close()
}
