package record

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Entry{
		{Seq: 1, Command: Command{Op: OpSet, Key: []byte("k"), Value: []byte("v")}},
		{Seq: 42, Command: Command{Op: OpRemove, Key: []byte("tombstone-key")}},
		{Seq: 0, Command: Command{Op: OpSet, Key: []byte("empty-value"), Value: []byte{}}},
	}
	for _, e := range cases {
		got, err := Decode(Encode(e))
		require.NoError(t, err)
		assert.Equal(t, e.Seq, got.Seq)
		assert.Equal(t, e.Command.Op, got.Command.Op)
		assert.Equal(t, e.Command.Key, got.Command.Key)
		if len(e.Command.Value) == 0 {
			assert.Empty(t, got.Command.Value)
		} else {
			assert.Equal(t, e.Command.Value, got.Command.Value)
		}
	}
}

func TestDecodeTruncatedPayloadErrors(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	assert.Error(t, err)

	full := Encode(Entry{Seq: 1, Command: Command{Op: OpSet, Key: []byte("key"), Value: []byte("value")}})
	_, err = Decode(full[:len(full)-2])
	assert.Error(t, err)
}

func TestDeleted(t *testing.T) {
	assert.True(t, Entry{Command: Command{Op: OpRemove}}.Deleted())
	assert.False(t, Entry{Command: Command{Op: OpSet}}.Deleted())
}
