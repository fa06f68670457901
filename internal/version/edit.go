package version

import (
	"encoding/binary"

	kverrors "github.com/lsmkv-project/lsmkv/errors"
	"github.com/lsmkv-project/lsmkv/internal/genid"
	"github.com/lsmkv-project/lsmkv/internal/sstable"
)

// LeveledMeta names a table's level alongside its metadata.
type LeveledMeta struct {
	Level int
	Meta  sstable.Meta
}

// LeveledGen names a table's level alongside its gen, for deletions
// where the full metadata isn't needed.
type LeveledGen struct {
	Level int
	Gen   genid.Gen
}

// Edit is the diff from one Version to the next: new_file and
// delete_file operations produced by a flush (minor compaction) or a
// merge (major compaction).
type Edit struct {
	Added   []LeveledMeta
	Deleted []LeveledGen
}

// NewFile records that a table was added at level.
func (e *Edit) NewFile(level int, meta sstable.Meta) {
	e.Added = append(e.Added, LeveledMeta{Level: level, Meta: meta})
}

// DeleteFile records that a table was removed from level.
func (e *Edit) DeleteFile(level int, gen genid.Gen) {
	e.Deleted = append(e.Deleted, LeveledGen{Level: level, Gen: gen})
}

// Encode serializes e for the version-edit log.
func Encode(e Edit) []byte {
	size := 4
	for _, a := range e.Added {
		size += 1 + 8 + 4 + len(a.Meta.Scope.Start) + 4 + len(a.Meta.Scope.End) + 8 + 8 + 8
	}
	size += 4
	for range e.Deleted {
		size += 1 + 8
	}
	buf := make([]byte, size)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(e.Added)))
	off += 4
	for _, a := range e.Added {
		buf[off] = byte(a.Level)
		off++
		binary.LittleEndian.PutUint64(buf[off:], uint64(a.Meta.Gen))
		off += 8
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(a.Meta.Scope.Start)))
		off += 4
		off += copy(buf[off:], a.Meta.Scope.Start)
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(a.Meta.Scope.End)))
		off += 4
		off += copy(buf[off:], a.Meta.Scope.End)
		binary.LittleEndian.PutUint64(buf[off:], uint64(a.Meta.Len))
		off += 8
		binary.LittleEndian.PutUint64(buf[off:], uint64(a.Meta.SizeOnDisk))
		off += 8
		binary.LittleEndian.PutUint64(buf[off:], a.Meta.MaxSeq)
		off += 8
	}
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(e.Deleted)))
	off += 4
	for _, d := range e.Deleted {
		buf[off] = byte(d.Level)
		off++
		binary.LittleEndian.PutUint64(buf[off:], uint64(d.Gen))
		off += 8
	}
	return buf
}

// Decode parses the payload form produced by Encode.
func Decode(payload []byte) (Edit, error) {
	var e Edit
	off := 0
	readU32 := func() (uint32, bool) {
		if off+4 > len(payload) {
			return 0, false
		}
		v := binary.LittleEndian.Uint32(payload[off:])
		off += 4
		return v, true
	}
	readU64 := func() (uint64, bool) {
		if off+8 > len(payload) {
			return 0, false
		}
		v := binary.LittleEndian.Uint64(payload[off:])
		off += 8
		return v, true
	}
	readBytes := func(n int) ([]byte, bool) {
		if off+n > len(payload) {
			return nil, false
		}
		b := append([]byte(nil), payload[off:off+n]...)
		off += n
		return b, true
	}

	numAdded, ok := readU32()
	if !ok {
		return Edit{}, kverrors.New(kverrors.Corruption, "version: truncated edit (added count)")
	}
	for i := uint32(0); i < numAdded; i++ {
		if off+1 > len(payload) {
			return Edit{}, kverrors.New(kverrors.Corruption, "version: truncated edit (level)")
		}
		level := int(payload[off])
		off++
		gen, ok := readU64()
		if !ok {
			return Edit{}, kverrors.New(kverrors.Corruption, "version: truncated edit (gen)")
		}
		startLen, ok := readU32()
		if !ok {
			return Edit{}, kverrors.New(kverrors.Corruption, "version: truncated edit (start len)")
		}
		start, ok := readBytes(int(startLen))
		if !ok {
			return Edit{}, kverrors.New(kverrors.Corruption, "version: truncated edit (start)")
		}
		endLen, ok := readU32()
		if !ok {
			return Edit{}, kverrors.New(kverrors.Corruption, "version: truncated edit (end len)")
		}
		end, ok := readBytes(int(endLen))
		if !ok {
			return Edit{}, kverrors.New(kverrors.Corruption, "version: truncated edit (end)")
		}
		length, ok := readU64()
		if !ok {
			return Edit{}, kverrors.New(kverrors.Corruption, "version: truncated edit (len)")
		}
		sizeOnDisk, ok := readU64()
		if !ok {
			return Edit{}, kverrors.New(kverrors.Corruption, "version: truncated edit (size)")
		}
		maxSeq, ok := readU64()
		if !ok {
			return Edit{}, kverrors.New(kverrors.Corruption, "version: truncated edit (max seq)")
		}
		e.Added = append(e.Added, LeveledMeta{
			Level: level,
			Meta: sstable.Meta{
				Gen:        genid.Gen(gen),
				Scope:      sstable.Scope{Start: start, End: end},
				Len:        int(length),
				SizeOnDisk: int64(sizeOnDisk),
				MaxSeq:     maxSeq,
			},
		})
	}

	numDeleted, ok := readU32()
	if !ok {
		return Edit{}, kverrors.New(kverrors.Corruption, "version: truncated edit (deleted count)")
	}
	for i := uint32(0); i < numDeleted; i++ {
		if off+1 > len(payload) {
			return Edit{}, kverrors.New(kverrors.Corruption, "version: truncated edit (del level)")
		}
		level := int(payload[off])
		off++
		gen, ok := readU64()
		if !ok {
			return Edit{}, kverrors.New(kverrors.Corruption, "version: truncated edit (del gen)")
		}
		e.Deleted = append(e.Deleted, LeveledGen{Level: level, Gen: genid.Gen(gen)})
	}

	return e, nil
}
