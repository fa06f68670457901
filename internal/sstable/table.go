package sstable

import (
	"encoding/binary"
	"io"
	"sort"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/golang/snappy"
	"github.com/spf13/afero"

	kverrors "github.com/lsmkv-project/lsmkv/errors"
	"github.com/lsmkv-project/lsmkv/internal/genid"
	"github.com/lsmkv-project/lsmkv/internal/record"
)

// Table is a read handle on one immutable on-disk table file. It owns
// no open file descriptor itself between calls — Get/AllEntries read
// through the Loader's file handle cache, matching the teacher's
// pattern of treating the sstable.Table as a thin, reusable descriptor
// over cached bytes rather than a held os.File.
type Table struct {
	Meta Meta

	index  []indexEntry
	filter *bloom.BloomFilter
}

// openTable reads a table's footer, index, metadata, and filter blocks
// from f (already positioned at the start) and returns a Table ready
// for Get/AllEntries. Data blocks are read lazily (and cached by the Loader).
func openTable(f afero.File, gen genid.Gen) (*Table, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, kverrors.Wrap(kverrors.IO, err, "sstable: stat")
	}
	size := info.Size()
	if size < footerSize {
		return nil, kverrors.New(kverrors.Corruption, "sstable: file too small")
	}

	footer := make([]byte, footerSize)
	if _, err := f.ReadAt(footer, size-footerSize); err != nil {
		return nil, kverrors.Wrap(kverrors.IO, err, "sstable: read footer")
	}
	magic := binary.LittleEndian.Uint32(footer[24:])
	if magic != sstableMagic {
		return nil, kverrors.New(kverrors.Corruption, "sstable: bad magic")
	}
	indexOffset := int64(binary.LittleEndian.Uint64(footer[0:]))
	filterOffset := int64(binary.LittleEndian.Uint64(footer[8:]))
	metaOffset := int64(binary.LittleEndian.Uint64(footer[16:]))

	indexBytes := make([]byte, metaOffset-indexOffset)
	if _, err := f.ReadAt(indexBytes, indexOffset); err != nil {
		return nil, kverrors.Wrap(kverrors.IO, err, "sstable: read index")
	}
	index, err := decodeIndex(indexBytes)
	if err != nil {
		return nil, err
	}

	metaBytes := make([]byte, filterOffset-metaOffset)
	if _, err := f.ReadAt(metaBytes, metaOffset); err != nil {
		return nil, kverrors.Wrap(kverrors.IO, err, "sstable: read metadata")
	}
	minKey, maxKey, count, maxSeq, err := decodeMetaBlock(metaBytes)
	if err != nil {
		return nil, err
	}

	filterBytes := make([]byte, (size-footerSize)-filterOffset)
	if _, err := f.ReadAt(filterBytes, filterOffset); err != nil {
		return nil, kverrors.Wrap(kverrors.IO, err, "sstable: read filter")
	}
	filter := &bloom.BloomFilter{}
	if _, err := filter.ReadFrom(newByteReader(filterBytes)); err != nil {
		return nil, kverrors.Wrap(kverrors.SerializationError, err, "sstable: unmarshal filter")
	}

	return &Table{
		Meta: Meta{
			Gen:        gen,
			Scope:      Scope{Start: minKey, End: maxKey},
			Len:        int(count),
			SizeOnDisk: size,
			MaxSeq:     maxSeq,
		},
		index:  index,
		filter: filter,
	}, nil
}

// MayContain reports whether key could be present, per the bloom
// filter. false is authoritative; true requires a real lookup.
func (t *Table) MayContain(key []byte) bool {
	return t.filter.Test(key)
}

// readBlock fetches and decompresses the i-th data block from f.
func readBlock(f afero.File, idx indexEntry) ([]record.Entry, error) {
	compressed := make([]byte, idx.blockLen)
	if _, err := f.ReadAt(compressed, int64(idx.blockOffset)); err != nil {
		return nil, kverrors.Wrap(kverrors.IO, err, "sstable: read block")
	}
	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, kverrors.Wrap(kverrors.Corruption, err, "sstable: decompress block")
	}
	return decodeBlockEntries(raw)
}

// blockIndexFor returns the index of the block that would contain key,
// or -1 if key is before the first block's first key.
func (t *Table) blockIndexFor(key []byte) int {
	i := sort.Search(len(t.index), func(i int) bool {
		return bytesCompare(t.index[i].firstKey, key) > 0
	})
	return i - 1
}

// Get looks up key by consulting the filter, the sparse index, and
// finally the containing data block. found is false on a miss.
func (t *Table) Get(f afero.File, key []byte) (e record.Entry, found bool, err error) {
	if !t.MayContain(key) {
		return record.Entry{}, false, nil
	}
	bi := t.blockIndexFor(key)
	if bi < 0 {
		return record.Entry{}, false, nil
	}
	entries, err := readBlock(f, t.index[bi])
	if err != nil {
		return record.Entry{}, false, err
	}
	j := sort.Search(len(entries), func(j int) bool {
		return bytesCompare(entries[j].Command.Key, key) >= 0
	})
	if j < len(entries) && bytesCompare(entries[j].Command.Key, key) == 0 {
		return entries[j], true, nil
	}
	return record.Entry{}, false, nil
}

// AllEntries reads and decodes every data block in key order, for use
// by compaction's merge input. It reads the whole table into memory;
// a major compaction reads every one of its input tables this way (for
// an L0 merge: all L0 tables plus the overlapping L1 tables).
func (t *Table) AllEntries(f afero.File) ([]record.Entry, error) {
	var out []record.Entry
	for _, idx := range t.index {
		entries, err := readBlock(f, idx)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}
	return out, nil
}

// byteReader adapts a []byte to io.Reader for bloom.ReadFrom, which
// wants an io.Reader rather than raw bytes.
type byteReader struct {
	data []byte
	pos  int
}

func newByteReader(data []byte) *byteReader { return &byteReader{data: data} }

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}
