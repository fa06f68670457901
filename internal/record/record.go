// Package record defines Command, the atomic unit of mutation, and its
// serialization for storage in the WAL and inside tables.
package record

import (
	"encoding/binary"
	"fmt"
)

// Op tags a Command as a write or a tombstone.
type Op byte

const (
	OpSet    Op = 1
	OpRemove Op = 2
)

func (o Op) String() string {
	if o == OpRemove {
		return "Remove"
	}
	return "Set"
}

// Command is the atomic unit of mutation: a tagged record carrying a key
// and, for Set, a value. Remove carries no value (a tombstone).
type Command struct {
	Op    Op
	Key   []byte
	Value []byte
}

// Entry pairs a Command with the sequence number it was assigned at the
// moment of durability.
type Entry struct {
	Seq     uint64
	Command Command
}

// Encode serializes an Entry to its WAL/table payload form:
// [seq(8)][op(1)][keyLen(4)][key][valueLen(4)][value].
func Encode(e Entry) []byte {
	buf := make([]byte, 8+1+4+len(e.Command.Key)+4+len(e.Command.Value))
	off := 0
	binary.LittleEndian.PutUint64(buf[off:], e.Seq)
	off += 8
	buf[off] = byte(e.Command.Op)
	off++
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(e.Command.Key)))
	off += 4
	off += copy(buf[off:], e.Command.Key)
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(e.Command.Value)))
	off += 4
	copy(buf[off:], e.Command.Value)
	return buf
}

// Decode parses the payload form produced by Encode.
func Decode(payload []byte) (Entry, error) {
	if len(payload) < 8+1+4 {
		return Entry{}, fmt.Errorf("record: payload too small: %d bytes", len(payload))
	}
	off := 0
	seq := binary.LittleEndian.Uint64(payload[off:])
	off += 8
	op := Op(payload[off])
	off++
	keyLen := int(binary.LittleEndian.Uint32(payload[off:]))
	off += 4
	if off+keyLen+4 > len(payload) {
		return Entry{}, fmt.Errorf("record: truncated key")
	}
	key := make([]byte, keyLen)
	copy(key, payload[off:off+keyLen])
	off += keyLen
	valLen := int(binary.LittleEndian.Uint32(payload[off:]))
	off += 4
	if off+valLen > len(payload) {
		return Entry{}, fmt.Errorf("record: truncated value")
	}
	value := make([]byte, valLen)
	copy(value, payload[off:off+valLen])

	return Entry{Seq: seq, Command: Command{Op: op, Key: key, Value: value}}, nil
}

// Deleted reports whether this entry is a tombstone.
func (e Entry) Deleted() bool { return e.Command.Op == OpRemove }
