package sstable

import (
	"bytes"
	"encoding/binary"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/golang/snappy"
	"github.com/spf13/afero"

	kverrors "github.com/lsmkv-project/lsmkv/errors"
	"github.com/lsmkv-project/lsmkv/internal/record"
)

// Builder accumulates sorted entries into data blocks and, on Finish,
// writes a complete table file: data blocks, index block, metadata
// block, bloom filter block, footer. Grounded on the teacher's
// sstable_builder.go, with fixed-size padded blocks replaced by
// variable-length snappy-compressed blocks addressed by an index
// entry's (offset, length) pair, and a sequence number added to every
// entry (see SPEC_FULL.md's design note).
type Builder struct {
	targetBlockSize int
	desiredErrProb  float64

	cur      bytes.Buffer // pending uncompressed block, [numEntries(4)] prefix reserved
	curCount uint32
	curFirst []byte

	index      []indexEntry
	pendingRaw [][]byte // flushed, uncompressed blocks awaiting Finish
	allKeys    [][]byte // every key added, for the bloom filter

	count  int
	maxSeq uint64

	minKey []byte
	maxKey []byte
}

// NewBuilder creates a Builder. targetBlockSize bounds the uncompressed
// size of each data block before it is flushed; desiredErrProb is the
// bloom filter's target false-positive rate.
func NewBuilder(targetBlockSize int, desiredErrProb float64) *Builder {
	b := &Builder{targetBlockSize: targetBlockSize, desiredErrProb: desiredErrProb}
	b.cur.Write(make([]byte, 4)) // placeholder for numEntries
	return b
}

// Add appends one entry. Entries must be added in ascending key order.
func (b *Builder) Add(e record.Entry) {
	if b.curFirst == nil {
		b.curFirst = append([]byte(nil), e.Command.Key...)
	}
	if b.minKey == nil {
		b.minKey = append([]byte(nil), e.Command.Key...)
	}
	b.maxKey = append([]byte(nil), e.Command.Key...)
	b.allKeys = append(b.allKeys, append([]byte(nil), e.Command.Key...))
	if e.Seq > b.maxSeq {
		b.maxSeq = e.Seq
	}

	b.cur.Write(encodeBlockEntry(e))
	b.curCount++
	b.count++

	if b.cur.Len() >= b.targetBlockSize {
		b.flushBlock()
	}
}

func (b *Builder) flushBlock() {
	if b.curCount == 0 {
		return
	}
	raw := b.cur.Bytes()
	binary.LittleEndian.PutUint32(raw[0:], b.curCount)
	b.index = append(b.index, indexEntry{firstKey: b.curFirst})
	b.pendingRaw = append(b.pendingRaw, append([]byte(nil), raw...))

	b.cur.Reset()
	b.cur.Write(make([]byte, 4))
	b.curCount = 0
	b.curFirst = nil
}

// Finish writes the complete table to w and returns its Meta (Gen is
// left zero; the caller fills it in — the builder doesn't know its own
// file name).
func (b *Builder) Finish(w afero.File) (Meta, error) {
	b.flushBlock()

	var offset int64
	for i, raw := range b.pendingRaw {
		compressed := snappy.Encode(nil, raw)
		n, err := w.Write(compressed)
		if err != nil {
			return Meta{}, kverrors.Wrap(kverrors.IO, err, "sstable: write block")
		}
		b.index[i].blockOffset = uint64(offset)
		b.index[i].blockLen = uint32(n)
		offset += int64(n)
	}

	indexOffset := offset
	indexBytes := encodeIndex(b.index)
	if _, err := w.Write(indexBytes); err != nil {
		return Meta{}, kverrors.Wrap(kverrors.IO, err, "sstable: write index")
	}
	offset += int64(len(indexBytes))

	metaOffset := offset
	metaBytes := encodeMetaBlock(b.minKey, b.maxKey, uint64(b.count), b.maxSeq)
	if _, err := w.Write(metaBytes); err != nil {
		return Meta{}, kverrors.Wrap(kverrors.IO, err, "sstable: write metadata")
	}
	offset += int64(len(metaBytes))

	filterOffset := offset
	filter := buildFilter(b.allKeys, b.desiredErrProb, b.count)
	var filterBuf bytes.Buffer
	filterLen, err := filter.WriteTo(&filterBuf)
	if err != nil {
		return Meta{}, kverrors.Wrap(kverrors.SerializationError, err, "sstable: marshal filter")
	}
	if _, err := w.Write(filterBuf.Bytes()); err != nil {
		return Meta{}, kverrors.Wrap(kverrors.IO, err, "sstable: write filter")
	}
	offset += filterLen

	footer := make([]byte, footerSize)
	binary.LittleEndian.PutUint64(footer[0:], uint64(indexOffset))
	binary.LittleEndian.PutUint64(footer[8:], uint64(filterOffset))
	binary.LittleEndian.PutUint64(footer[16:], uint64(metaOffset))
	binary.LittleEndian.PutUint32(footer[24:], sstableMagic)
	if _, err := w.Write(footer); err != nil {
		return Meta{}, kverrors.Wrap(kverrors.IO, err, "sstable: write footer")
	}
	offset += int64(len(footer))

	return Meta{
		Scope:      Scope{Start: b.minKey, End: b.maxKey},
		Len:        b.count,
		SizeOnDisk: offset,
		MaxSeq:     b.maxSeq,
	}, nil
}

func buildFilter(keys [][]byte, desiredErrProb float64, n int) *bloom.BloomFilter {
	if n == 0 {
		n = 1
	}
	f := bloom.NewWithEstimates(uint(n), desiredErrProb)
	for _, k := range keys {
		f.Add(k)
	}
	return f
}

func encodeIndex(entries []indexEntry) []byte {
	var buf bytes.Buffer
	hdr := make([]byte, 4)
	binary.LittleEndian.PutUint32(hdr, uint32(len(entries)))
	buf.Write(hdr)
	for _, e := range entries {
		lenBuf := make([]byte, 4)
		binary.LittleEndian.PutUint32(lenBuf, uint32(len(e.firstKey)))
		buf.Write(lenBuf)
		buf.Write(e.firstKey)
		rest := make([]byte, 8+4)
		binary.LittleEndian.PutUint64(rest[0:], e.blockOffset)
		binary.LittleEndian.PutUint32(rest[8:], e.blockLen)
		buf.Write(rest)
	}
	return buf.Bytes()
}

func decodeIndex(data []byte) ([]indexEntry, error) {
	if len(data) < 4 {
		return nil, kverrors.New(kverrors.Corruption, "sstable: index too small")
	}
	n := binary.LittleEndian.Uint32(data[0:])
	off := 4
	out := make([]indexEntry, 0, n)
	for i := uint32(0); i < n; i++ {
		if off+4 > len(data) {
			return nil, kverrors.New(kverrors.Corruption, "sstable: index truncated")
		}
		keyLen := int(binary.LittleEndian.Uint32(data[off:]))
		off += 4
		if off+keyLen+8+4 > len(data) {
			return nil, kverrors.New(kverrors.Corruption, "sstable: index truncated")
		}
		key := append([]byte(nil), data[off:off+keyLen]...)
		off += keyLen
		blockOffset := binary.LittleEndian.Uint64(data[off:])
		off += 8
		blockLen := binary.LittleEndian.Uint32(data[off:])
		off += 4
		out = append(out, indexEntry{firstKey: key, blockOffset: blockOffset, blockLen: blockLen})
	}
	return out, nil
}

func encodeMetaBlock(minKey, maxKey []byte, count, maxSeq uint64) []byte {
	var buf bytes.Buffer
	lens := make([]byte, 4+4)
	binary.LittleEndian.PutUint32(lens[0:], uint32(len(minKey)))
	binary.LittleEndian.PutUint32(lens[4:], uint32(len(maxKey)))
	buf.Write(lens)
	buf.Write(minKey)
	buf.Write(maxKey)
	rest := make([]byte, 8+8)
	binary.LittleEndian.PutUint64(rest[0:], count)
	binary.LittleEndian.PutUint64(rest[8:], maxSeq)
	buf.Write(rest)
	return buf.Bytes()
}

func decodeMetaBlock(data []byte) (minKey, maxKey []byte, count, maxSeq uint64, err error) {
	if len(data) < 8 {
		return nil, nil, 0, 0, kverrors.New(kverrors.Corruption, "sstable: metadata too small")
	}
	minLen := int(binary.LittleEndian.Uint32(data[0:]))
	maxLen := int(binary.LittleEndian.Uint32(data[4:]))
	off := 8
	if off+minLen+maxLen+16 > len(data) {
		return nil, nil, 0, 0, kverrors.New(kverrors.Corruption, "sstable: metadata truncated")
	}
	minKey = append([]byte(nil), data[off:off+minLen]...)
	off += minLen
	maxKey = append([]byte(nil), data[off:off+maxLen]...)
	off += maxLen
	count = binary.LittleEndian.Uint64(data[off:])
	off += 8
	maxSeq = binary.LittleEndian.Uint64(data[off:])
	return minKey, maxKey, count, maxSeq, nil
}
