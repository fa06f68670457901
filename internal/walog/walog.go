// Package walog implements the Log Loader: an append-only, framed,
// multi-generation record log. It backs both the write-ahead log and the
// version-edit log — both are "a durable, replayable sequence of records"
// differing only in what the payload bytes mean, so the framing,
// rotation, and crash-recovery logic lives here once and the two callers
// (the Store in store.go and internal/version's VersionStatus) supply their
// own payload codecs.
package walog

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"sync"

	"github.com/spf13/afero"

	kverrors "github.com/lsmkv-project/lsmkv/errors"
	"github.com/lsmkv-project/lsmkv/internal/filestore"
	"github.com/lsmkv-project/lsmkv/internal/genid"
)

const frameHeaderSize = 8 // u32 length + u32 crc32

// Loader is a segmented, append-only, framed record log.
type Loader struct {
	mu       sync.Mutex
	factory  *filestore.Factory
	src      *genid.Source
	segments []genid.Gen // ascending; last is the active segment
	active   afero.File
}

// Open creates a brand-new loader with a single, empty active segment.
// Used when no segments exist yet (fresh store).
func Open(factory *filestore.Factory, src *genid.Source) (*Loader, error) {
	gen := src.Next()
	f, err := factory.Create(gen)
	if err != nil {
		return nil, kverrors.Wrap(kverrors.IO, err, "walog: create segment")
	}
	return &Loader{factory: factory, src: src, segments: []genid.Gen{gen}, active: f}, nil
}

// Reload enumerates existing segments and, per spec, distinguishes a
// clean shutdown (the newest segment ends with a zero-length terminator)
// from a crash (it doesn't). On a clean shutdown it opens a fresh active
// segment on top of the existing ones and returns no records — the
// existing segments' content is assumed already reflected durably
// elsewhere (a flushed table, or a version-log base snapshot), matching
// the spec's stated contract for reload_with_check. On a crash, every
// still-present segment is replayed in ascending gen order via decode,
// the corrupted/truncated tail of the last segment is dropped silently,
// and the loader resumes appending to that same (truncated) segment
// rather than minting a new one.
func Reload(factory *filestore.Factory, src *genid.Source, decode func(payload []byte) error) (*Loader, bool, error) {
	gens, err := factory.List()
	if err != nil {
		return nil, false, err
	}
	if len(gens) == 0 {
		l, err := Open(factory, src)
		return l, false, err
	}

	// Earlier segments are assumed already terminated; replay them only
	// if the newest segment turns out to be unterminated (a crash).
	lastGen := gens[len(gens)-1]
	lastFile, err := factory.OpenAppend(lastGen)
	if err != nil {
		return nil, false, kverrors.Wrap(kverrors.IO, err, "walog: open last segment")
	}

	terminated, _, replayErr := scanTerminated(lastFile)
	if replayErr != nil {
		lastFile.Close()
		return nil, false, replayErr
	}

	if terminated {
		lastFile.Close()
		newGen := src.Next()
		f, err := factory.Create(newGen)
		if err != nil {
			return nil, false, kverrors.Wrap(kverrors.IO, err, "walog: create segment")
		}
		return &Loader{
			factory:  factory,
			src:      src,
			segments: append(append([]genid.Gen{}, gens...), newGen),
			active:   f,
		}, false, nil
	}

	// Crash case: replay every still-present segment, including the last,
	// then truncate the last to its valid-record boundary and keep
	// appending to it.
	for _, g := range gens[:len(gens)-1] {
		if err := replaySegment(factory, g, decode); err != nil {
			return nil, false, err
		}
	}
	validSize, err := replayFile(lastFile, decode)
	if err != nil {
		lastFile.Close()
		return nil, false, err
	}
	if err := lastFile.Truncate(validSize); err != nil {
		lastFile.Close()
		return nil, false, kverrors.Wrap(kverrors.IO, err, "walog: truncate torn tail")
	}
	if _, err := lastFile.Seek(validSize, io.SeekStart); err != nil {
		lastFile.Close()
		return nil, false, kverrors.Wrap(kverrors.IO, err, "walog: seek after truncate")
	}

	return &Loader{
		factory:  factory,
		src:      src,
		segments: append([]genid.Gen{}, gens...),
		active:   lastFile,
	}, true, nil
}

// Log appends one framed record to the active segment. Not durable until
// Flush.
func (l *Loader) Log(payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return writeFrame(l.active, payload)
}

// Flush fsyncs the active segment.
func (l *Loader) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.active.Sync(); err != nil {
		return kverrors.Wrap(kverrors.IO, err, "walog: sync")
	}
	return nil
}

// Switch closes the current segment with a terminator record, opens a
// fresh one, and returns the gen of the segment that was just closed —
// the caller (minor compaction) reuses that gen to name the table built
// from the closed segment's contents.
func (l *Loader) Switch() (genid.Gen, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prevGen := l.segments[len(l.segments)-1]
	if err := writeFrame(l.active, nil); err != nil {
		return 0, err
	}
	if err := l.active.Sync(); err != nil {
		return 0, kverrors.Wrap(kverrors.IO, err, "walog: sync before switch")
	}
	if err := l.active.Close(); err != nil {
		return 0, kverrors.Wrap(kverrors.IO, err, "walog: close before switch")
	}

	newGen := l.src.Next()
	f, err := l.factory.Create(newGen)
	if err != nil {
		return 0, kverrors.Wrap(kverrors.IO, err, "walog: create segment")
	}
	l.segments = append(l.segments, newGen)
	l.active = f
	return prevGen, nil
}

// Gens returns the known segment gens, ascending, including the active one.
func (l *Loader) Gens() []genid.Gen {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]genid.Gen, len(l.segments))
	copy(out, l.segments)
	return out
}

// Prune deletes the oldest half of the retired (non-active) segments when
// more than threshold retired segments exist. It is the caller's responsibility
// (the Store) to ensure every gen passed for deletion already has its
// data durably installed elsewhere.
func (l *Loader) Prune(threshold int) ([]genid.Gen, error) {
	l.mu.Lock()
	retired := l.segments[:len(l.segments)-1]
	if len(retired) <= threshold {
		l.mu.Unlock()
		return nil, nil
	}
	cut := len(retired) / 2
	toDelete := append([]genid.Gen{}, retired[:cut]...)
	l.segments = append(append([]genid.Gen{}, retired[cut:]...), l.segments[len(l.segments)-1])
	l.mu.Unlock()

	for _, g := range toDelete {
		if err := l.factory.Remove(g); err != nil {
			return toDelete, err
		}
	}
	return toDelete, nil
}

// PruneAllRetired deletes every retired (non-active) segment
// unconditionally. Used after a caller has durably written a
// self-contained snapshot to the active segment, making every earlier
// segment redundant (the version-edit log's rotation, unlike the WAL's
// bounded Prune, has no use for keeping a trailing buffer of old
// segments around).
func (l *Loader) PruneAllRetired() ([]genid.Gen, error) {
	l.mu.Lock()
	retired := append([]genid.Gen{}, l.segments[:len(l.segments)-1]...)
	l.segments = l.segments[len(l.segments)-1:]
	l.mu.Unlock()

	for _, g := range retired {
		if err := l.factory.Remove(g); err != nil {
			return retired, err
		}
	}
	return retired, nil
}

// Close writes a terminator record to the active segment, syncs, and
// closes it — a graceful shutdown leaves the newest segment cleanly
// terminated so the next Reload recognizes it and skips replay. An
// unterminated final segment is what Reload takes as a crash signal;
// Close never leaves one behind. A hard kill (no Close call) is the
// only way a store ends up with an unterminated active segment.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := writeFrame(l.active, nil); err != nil {
		return err
	}
	if err := l.active.Sync(); err != nil {
		return kverrors.Wrap(kverrors.IO, err, "walog: sync on close")
	}
	return l.active.Close()
}

// --- framing ---

func writeFrame(w io.Writer, payload []byte) error {
	hdr := make([]byte, frameHeaderSize)
	binary.LittleEndian.PutUint32(hdr[0:], uint32(len(payload)))
	binary.LittleEndian.PutUint32(hdr[4:], crc32.ChecksumIEEE(payload))
	if _, err := w.Write(hdr); err != nil {
		return kverrors.Wrap(kverrors.IO, err, "walog: write frame header")
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return kverrors.Wrap(kverrors.IO, err, "walog: write frame payload")
		}
	}
	return nil
}

// readFrame reads one frame from r. terminator=true, err=nil signals a
// clean terminator (zero-length record). EOF at a frame boundary, a
// partial header, or a short payload all return errTornTail, distinct
// from other errors, so callers can drop a torn tail silently per spec.
func readFrame(r *bufio.Reader) (payload []byte, terminator bool, err error) {
	hdr := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, false, errTornTail // nothing at all: treat as torn so caller stops cleanly
		}
		return nil, false, kverrors.Wrap(kverrors.Corruption, err, "walog: read frame header")
	}
	length := binary.LittleEndian.Uint32(hdr[0:])
	wantCRC := binary.LittleEndian.Uint32(hdr[4:])
	if length == 0 && wantCRC == 0 {
		return nil, true, nil
	}
	payload = make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, false, errTornTail
	}
	if crc32.ChecksumIEEE(payload) != wantCRC {
		return nil, false, kverrors.New(kverrors.Corruption, "walog: crc mismatch")
	}
	return payload, false, nil
}

var errTornTail = kverrors.New(kverrors.Corruption, "walog: torn tail record")

// scanTerminated reports whether the segment ends with a clean
// terminator. Callers that need to replay re-open/re-scan via replayFile.
func scanTerminated(f afero.File) (terminated bool, size int64, err error) {
	info, err := f.Stat()
	if err != nil {
		return false, 0, kverrors.Wrap(kverrors.IO, err, "walog: stat segment")
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return false, 0, kverrors.Wrap(kverrors.IO, err, "walog: seek segment")
	}
	br := bufio.NewReader(f)
	for {
		_, term, ferr := readFrame(br)
		if ferr == errTornTail {
			return false, info.Size(), nil
		}
		if ferr != nil {
			return false, info.Size(), ferr
		}
		if term {
			return true, info.Size(), nil
		}
	}
}

// replayFile decodes every well-formed record in f from the start,
// invoking decode for each, and returns the byte offset just past the
// last fully-valid record (i.e. where a torn tail, if any, begins).
func replayFile(f afero.File, decode func([]byte) error) (validSize int64, err error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, kverrors.Wrap(kverrors.IO, err, "walog: seek segment")
	}
	br := bufio.NewReader(f)
	var offset int64
	for {
		payload, term, ferr := readFrame(br)
		if ferr == errTornTail {
			return offset, nil
		}
		if ferr != nil {
			return offset, ferr
		}
		if term {
			offset += frameHeaderSize
			return offset, nil
		}
		offset += int64(frameHeaderSize + len(payload))
		if decode != nil {
			if err := decode(payload); err != nil {
				return offset, err
			}
		}
	}
}

// replaySegment opens a retired (non-active) segment by gen and replays
// it fully; any corruption here (not at the tail) is fatal per spec.
func replaySegment(factory *filestore.Factory, gen genid.Gen, decode func([]byte) error) error {
	f, err := factory.OpenRead(gen)
	if err != nil {
		return kverrors.Wrap(kverrors.IO, err, "walog: open retired segment")
	}
	defer f.Close()
	_, err = replayFile(f, decode)
	return err
}
